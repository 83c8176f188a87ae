package dto

import (
	"marketplace-escrow/internal/core/domain"
)

// LoadOrderRequest is the request body for starting a wallet load.
type LoadOrderRequest struct {
	Amount string `json:"amount" binding:"required,money"`
}

// CheckoutVerifyRequest carries the fields returned by the gateway checkout.
type CheckoutVerifyRequest struct {
	RazorpayOrderID   string `json:"razorpay_order_id" binding:"required,max=64,safe_id"`
	RazorpayPaymentID string `json:"razorpay_payment_id" binding:"required,max=64,safe_id"`
	RazorpaySignature string `json:"razorpay_signature" binding:"required,max=128,safe_id"`
}

// ProjectPaymentRequest selects the project a client pays for.
type ProjectPaymentRequest struct {
	ProjectID string `json:"project_id" binding:"required,uuid"`
}

// PageQuery is the pagination query string.
type PageQuery struct {
	Page     int `form:"page" binding:"omitempty,min=1"`
	PageSize int `form:"page_size" binding:"omitempty,min=1,max=100"`
}

// WalletResponse is the wallet as shown to its owner.
type WalletResponse struct {
	ID       string `json:"id"`
	Balance  string `json:"balance"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

// LedgerEntryResponse is one row of the wallet history.
type LedgerEntryResponse struct {
	ID            string  `json:"id"`
	Type          string  `json:"type"`
	Amount        string  `json:"amount"`
	BalanceBefore string  `json:"balance_before"`
	BalanceAfter  string  `json:"balance_after"`
	ReferenceType string  `json:"reference_type"`
	ReferenceID   *string `json:"reference_id,omitempty"`
	Description   string  `json:"description,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

// WebhookAck is returned to the gateway for accepted events.
type WebhookAck struct {
	Status string `json:"status"`
}

const timeLayout = "2006-01-02T15:04:05Z07:00"

// NewWalletResponse converts a wallet to its response shape.
func NewWalletResponse(w *domain.Wallet) WalletResponse {
	return WalletResponse{
		ID:       w.ID.String(),
		Balance:  w.Balance.StringFixed(2),
		Currency: w.Currency,
		Status:   string(w.Status),
	}
}

// NewLedgerEntryResponses converts ledger rows to their response shape.
func NewLedgerEntryResponses(entries []domain.WalletTransaction) []LedgerEntryResponse {
	items := make([]LedgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		item := LedgerEntryResponse{
			ID:            e.ID.String(),
			Type:          string(e.Type),
			Amount:        e.Amount.StringFixed(2),
			BalanceBefore: e.BalanceBefore.StringFixed(2),
			BalanceAfter:  e.BalanceAfter.StringFixed(2),
			ReferenceType: string(e.ReferenceType),
			Description:   e.Description,
			CreatedAt:     e.CreatedAt.UTC().Format(timeLayout),
		}
		if e.ReferenceID != nil {
			s := e.ReferenceID.String()
			item.ReferenceID = &s
		}
		items = append(items, item)
	}
	return items
}
