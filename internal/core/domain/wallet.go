package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WalletStatus represents the state of a user wallet.
type WalletStatus string

const (
	WalletStatusActive WalletStatus = "ACTIVE"
	WalletStatusFrozen WalletStatus = "FROZEN"
)

// Wallet holds a single user's spendable balance. Balance never goes negative.
type Wallet struct {
	ID        uuid.UUID       `json:"id"`
	UserID    uuid.UUID       `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	Currency  string          `json:"currency"`
	Status    WalletStatus    `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// LedgerEntryType is the direction of a wallet balance change.
type LedgerEntryType string

const (
	LedgerCredit LedgerEntryType = "CREDIT"
	LedgerDebit  LedgerEntryType = "DEBIT"
)

// LedgerReferenceType names what caused a wallet balance change.
type LedgerReferenceType string

const (
	ReferenceLoad       LedgerReferenceType = "LOAD"
	ReferencePayment    LedgerReferenceType = "PAYMENT"
	ReferenceRefund     LedgerReferenceType = "REFUND"
	ReferenceAdjustment LedgerReferenceType = "ADJUSTMENT"
)

// WalletTransaction is an append-only ledger row. One row exists per balance change.
type WalletTransaction struct {
	ID            uuid.UUID           `json:"id"`
	WalletID      uuid.UUID           `json:"wallet_id"`
	Type          LedgerEntryType     `json:"type"`
	Amount        decimal.Decimal     `json:"amount"`
	BalanceBefore decimal.Decimal     `json:"balance_before"`
	BalanceAfter  decimal.Decimal     `json:"balance_after"`
	ReferenceType LedgerReferenceType `json:"reference_type"`
	ReferenceID   *uuid.UUID          `json:"reference_id,omitempty"`
	Description   string              `json:"description,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

// LedgerEntryRequest describes a single credit or debit against a wallet.
type LedgerEntryRequest struct {
	WalletID      uuid.UUID
	Amount        decimal.Decimal
	ReferenceType LedgerReferenceType
	ReferenceID   *uuid.UUID
	Description   string
}

// BalanceChange is the before/after pair of a ledger operation.
type BalanceChange struct {
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
}

// LedgerAudit is the result of replaying a wallet's ledger against its balance.
type LedgerAudit struct {
	WalletID         uuid.UUID       `json:"wallet_id"`
	Balance          decimal.Decimal `json:"balance"`
	TotalCredits     decimal.Decimal `json:"total_credits"`
	TotalDebits      decimal.Decimal `json:"total_debits"`
	LastBalanceAfter decimal.Decimal `json:"last_balance_after"`
	Entries          int64           `json:"entries"`
	Consistent       bool            `json:"consistent"`
}

// Evaluate fills Consistent: credits minus debits and the last balance_after
// must both equal the stored balance.
func (a *LedgerAudit) Evaluate() {
	net := a.TotalCredits.Sub(a.TotalDebits)
	a.Consistent = net.Equal(a.Balance)
	if a.Entries > 0 {
		a.Consistent = a.Consistent && a.LastBalanceAfter.Equal(a.Balance)
	}
}
