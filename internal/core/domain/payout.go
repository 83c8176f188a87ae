package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PayoutStatus is the lifecycle state of a freelancer payout.
type PayoutStatus string

const (
	PayoutStatusQueued     PayoutStatus = "QUEUED"
	PayoutStatusPending    PayoutStatus = "PENDING"
	PayoutStatusProcessing PayoutStatus = "PROCESSING"
	PayoutStatusProcessed  PayoutStatus = "PROCESSED"
	PayoutStatusFailed     PayoutStatus = "FAILED"
	PayoutStatusReversed   PayoutStatus = "REVERSED"
)

// PayoutMode is the bank rail used for a payout.
type PayoutMode string

const (
	PayoutModeIMPS PayoutMode = "IMPS"
	PayoutModeNEFT PayoutMode = "NEFT"
	PayoutModeUPI  PayoutMode = "UPI"
)

// payoutTransitions covers the moves made by the dispatcher and the gateway webhook.
var payoutTransitions = map[PayoutStatus][]PayoutStatus{
	PayoutStatusPending:    {PayoutStatusQueued},
	PayoutStatusProcessing: {PayoutStatusPending},
	PayoutStatusProcessed:  {PayoutStatusPending, PayoutStatusProcessing},
	PayoutStatusFailed:     {PayoutStatusPending, PayoutStatusProcessing},
	PayoutStatusReversed:   {PayoutStatusProcessing, PayoutStatusProcessed},
}

// CanTransitionPayout reports whether a payout may move from -> to.
func CanTransitionPayout(from, to PayoutStatus) bool {
	for _, s := range payoutTransitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// PayoutAllowedFrom returns the statuses from which target may be entered.
func PayoutAllowedFrom(target PayoutStatus) []PayoutStatus {
	return append([]PayoutStatus(nil), payoutTransitions[target]...)
}

// IsDispatchable reports whether the worker still has to submit this payout.
func (s PayoutStatus) IsDispatchable() bool {
	return s == PayoutStatusQueued || s == PayoutStatusPending
}

// Payout is one transfer of a freelancer's share to their bank account or VPA.
type Payout struct {
	ID                    uuid.UUID       `json:"id"`
	TransactionID         uuid.UUID       `json:"transaction_id"`
	FreelancerID          uuid.UUID       `json:"freelancer_id"`
	FreelancerAccountID   uuid.UUID       `json:"freelancer_account_id"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency"`
	Mode                  PayoutMode      `json:"mode"`
	Status                PayoutStatus    `json:"status"`
	RazorpayPayoutID      *string         `json:"razorpay_payout_id,omitempty"`
	RazorpayFundAccountID *string         `json:"razorpay_fund_account_id,omitempty"`
	UTR                   *string         `json:"utr,omitempty"`
	ReferenceID           string          `json:"reference_id"`
	FailureReason         *string         `json:"failure_reason,omitempty"`
	Attempt               int             `json:"attempt"`
	InitiatedAt           *time.Time      `json:"initiated_at,omitempty"`
	ProcessedAt           *time.Time      `json:"processed_at,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// PayoutReference builds the gateway reference id, also used as the payout idempotency key.
func PayoutReference(transactionID uuid.UUID, at time.Time) string {
	return fmt.Sprintf("TXN_%s_%d", transactionID, at.UnixMilli())
}

// PayoutStatusUpdate is a terminal status reported by the gateway.
type PayoutStatusUpdate struct {
	RazorpayPayoutID string
	ReferenceID      string
	Status           PayoutStatus
	UTR              string
	FailureReason    string
}

// ErrStaleTransition is returned when a gateway update arrives for a payout
// already past the reported state.
var ErrStaleTransition = errors.New("stale payout transition")
