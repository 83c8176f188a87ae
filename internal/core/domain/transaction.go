package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionStatus is the escrow lifecycle state of a project payment.
type TransactionStatus string

const (
	TransactionStatusInitiated TransactionStatus = "INITIATED"
	TransactionStatusHeld      TransactionStatus = "HELD"
	TransactionStatusReleased  TransactionStatus = "RELEASED"
	TransactionStatusCompleted TransactionStatus = "COMPLETED"
	TransactionStatusFailed    TransactionStatus = "FAILED"
	TransactionStatusCancelled TransactionStatus = "CANCELLED"
)

// PaymentSource is how the client funded the escrow.
type PaymentSource string

const (
	PaymentSourceWallet   PaymentSource = "WALLET"
	PaymentSourceRazorpay PaymentSource = "RAZORPAY"
)

// transactionTransitions lists, per target status, the statuses it may be entered from.
var transactionTransitions = map[TransactionStatus][]TransactionStatus{
	TransactionStatusHeld:      {TransactionStatusInitiated},
	TransactionStatusReleased:  {TransactionStatusHeld},
	TransactionStatusCompleted: {TransactionStatusReleased},
	TransactionStatusFailed:    {TransactionStatusInitiated, TransactionStatusHeld},
	TransactionStatusCancelled: {TransactionStatusInitiated, TransactionStatusHeld},
}

// CanTransition reports whether an escrow transaction may move from -> to.
func CanTransition(from, to TransactionStatus) bool {
	for _, s := range transactionTransitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// AllowedFrom returns the statuses from which target may be entered.
func AllowedFrom(target TransactionStatus) []TransactionStatus {
	return append([]TransactionStatus(nil), transactionTransitions[target]...)
}

// Transaction is the escrow record for one project payment.
// TotalAmount always equals PlatformCommission + FreelancerAmount.
type Transaction struct {
	ID                           uuid.UUID         `json:"id"`
	ProjectID                    uuid.UUID         `json:"project_id"`
	ClientID                     uuid.UUID         `json:"client_id"`
	FreelancerID                 uuid.UUID         `json:"freelancer_id"`
	TotalAmount                  decimal.Decimal   `json:"total_amount"`
	PlatformCommission           decimal.Decimal   `json:"platform_commission"`
	PlatformCommissionPercentage decimal.Decimal   `json:"platform_commission_percentage"`
	FreelancerAmount             decimal.Decimal   `json:"freelancer_amount"`
	Currency                     string            `json:"currency"`
	PaymentSource                PaymentSource     `json:"payment_source"`
	Status                       TransactionStatus `json:"status"`
	RazorpayOrderID              *string           `json:"razorpay_order_id,omitempty"`
	RazorpayPaymentID            *string           `json:"razorpay_payment_id,omitempty"`
	HeldAt                       *time.Time        `json:"held_at,omitempty"`
	ReleasedAt                   *time.Time        `json:"released_at,omitempty"`
	ReleasedBy                   *uuid.UUID        `json:"released_by,omitempty"`
	PayoutID                     *uuid.UUID        `json:"payout_id,omitempty"`
	PayoutStatus                 *PayoutStatus     `json:"payout_status,omitempty"`
	PayoutUTR                    *string           `json:"payout_utr,omitempty"`
	FailureReason                *string           `json:"failure_reason,omitempty"`
	CreatedAt                    time.Time         `json:"created_at"`
	UpdatedAt                    time.Time         `json:"updated_at"`
}

// IsVisibleTo reports whether the user may read this transaction.
func (t *Transaction) IsVisibleTo(userID uuid.UUID, role Role) bool {
	return role == RoleAdmin || t.ClientID == userID || t.FreelancerID == userID
}

// IsActive reports whether the transaction still blocks another payment for its project.
func (t *Transaction) IsActive() bool {
	return t.Status != TransactionStatusFailed && t.Status != TransactionStatusCancelled
}

// FundedBy reports whether paymentID is the gateway payment holding this
// transaction's money.
func (t *Transaction) FundedBy(paymentID string) bool {
	return t.IsActive() && t.Status != TransactionStatusInitiated &&
		t.RazorpayPaymentID != nil && *t.RazorpayPaymentID == paymentID
}

// CommissionSplit is the platform/freelancer division of a payment.
type CommissionSplit struct {
	Total            decimal.Decimal
	Percentage       decimal.Decimal
	Commission       decimal.Decimal
	FreelancerAmount decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// SplitCommission computes commission = round(amount*pct/100, 2) and gives the
// remainder to the freelancer, so the parts always sum to amount.
func SplitCommission(amount, percentage decimal.Decimal) CommissionSplit {
	commission := amount.Mul(percentage).Div(hundred).Round(2)
	return CommissionSplit{
		Total:            amount,
		Percentage:       percentage,
		Commission:       commission,
		FreelancerAmount: amount.Sub(commission),
	}
}

// ToMinorUnits converts a rupee amount into integer paise.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

// FromMinorUnits converts integer paise into a rupee amount.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}
