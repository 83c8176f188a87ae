package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderPurpose says what a gateway order pays for.
type OrderPurpose string

const (
	OrderPurposeServicePayment OrderPurpose = "SERVICE_PAYMENT"
	OrderPurposeWalletLoad     OrderPurpose = "WALLET_LOAD"
)

// OrderStatus is the state of a gateway order.
type OrderStatus string

const (
	OrderStatusCreated OrderStatus = "CREATED"
	OrderStatusPaid    OrderStatus = "PAID"
	OrderStatusFailed  OrderStatus = "FAILED"
)

// RazorpayOrder mirrors an order created on the gateway. ReferenceID is the
// escrow transaction id or the wallet id, depending on Purpose.
type RazorpayOrder struct {
	ID                uuid.UUID       `json:"id"`
	RazorpayOrderID   string          `json:"razorpay_order_id"`
	UserID            uuid.UUID       `json:"user_id"`
	Purpose           OrderPurpose    `json:"purpose"`
	ReferenceID       uuid.UUID       `json:"reference_id"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Receipt           string          `json:"receipt"`
	Status            OrderStatus     `json:"status"`
	RazorpayPaymentID *string         `json:"razorpay_payment_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// PaidBy reports whether paymentID is the payment that settled the order.
func (o *RazorpayOrder) PaidBy(paymentID string) bool {
	return o.Status == OrderStatusPaid && o.RazorpayPaymentID != nil && *o.RazorpayPaymentID == paymentID
}

// CheckoutOrder is returned to the client to open the gateway checkout.
type CheckoutOrder struct {
	Transaction *Transaction `json:"transaction,omitempty"`
	OrderID     string       `json:"order_id"`
	AmountMinor int64        `json:"amount_minor"`
	Currency    string       `json:"currency"`
	KeyID       string       `json:"key_id"`
}
