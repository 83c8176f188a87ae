package ports

//go:generate mockgen -source=repositories.go -destination=mocks/mock_repositories.go -package=mocks

import (
	"context"
	"time"

	"marketplace-escrow/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Repositories return (nil, nil) when a row does not exist.
// Methods accepting pgx.Tx run inside the caller's transaction; the ...ForUpdate
// variants take a pessimistic row lock held until commit.

// WalletRepository persists wallets and their append-only ledger.
type WalletRepository interface {
	GetOrCreate(ctx context.Context, userID uuid.UUID, currency string) (*domain.Wallet, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Wallet, error)
	GetByUserID(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Wallet, error)
	GetByUserIDForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*domain.Wallet, error)
	UpdateBalance(ctx context.Context, tx pgx.Tx, walletID uuid.UUID, balance decimal.Decimal) error
	CreateEntry(ctx context.Context, tx pgx.Tx, entry *domain.WalletTransaction) error
	ListEntries(ctx context.Context, walletID uuid.UUID, page, pageSize int) ([]domain.WalletTransaction, int64, error)
	// SummarizeLedger fills the ledger totals of an audit; Balance is left to the caller.
	SummarizeLedger(ctx context.Context, walletID uuid.UUID) (*domain.LedgerAudit, error)
}

// TransactionTransition is a conditional escrow status change. Nil fields are left untouched.
type TransactionTransition struct {
	ID                uuid.UUID
	From              []domain.TransactionStatus
	To                domain.TransactionStatus
	RazorpayPaymentID *string
	HeldAt            *time.Time
	ReleasedAt        *time.Time
	ReleasedBy        *uuid.UUID
	PayoutID          *uuid.UUID
	PayoutStatus      *domain.PayoutStatus
	PayoutUTR         *string
	FailureReason     *string
}

// TransactionRepository persists escrow transactions.
type TransactionRepository interface {
	Create(ctx context.Context, tx pgx.Tx, transaction *domain.Transaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Transaction, error)
	GetByOrderIDForUpdate(ctx context.Context, tx pgx.Tx, razorpayOrderID string) (*domain.Transaction, error)
	HasActiveForProject(ctx context.Context, tx pgx.Tx, projectID uuid.UUID) (bool, error)
	// Transition applies the change only while the row is in one of t.From.
	// It reports false when no row matched.
	Transition(ctx context.Context, tx pgx.Tx, t TransactionTransition) (bool, error)
	// AttachPayout points the transaction at a new payout attempt and resets
	// the mirrored payout state to QUEUED.
	AttachPayout(ctx context.Context, tx pgx.Tx, id, payoutID uuid.UUID) error
	// SetPayoutState mirrors a payout onto the transaction without changing its
	// status. It is a no-op when the transaction points at another payout.
	SetPayoutState(ctx context.Context, tx pgx.Tx, id uuid.UUID, payoutID *uuid.UUID, status domain.PayoutStatus, utr *string) error
}

// PayoutTransition is a conditional payout status change. Nil fields are left untouched.
type PayoutTransition struct {
	ID                    uuid.UUID
	From                  []domain.PayoutStatus
	To                    domain.PayoutStatus
	RazorpayPayoutID      *string
	RazorpayFundAccountID *string
	UTR                   *string
	FailureReason         *string
	InitiatedAt           *time.Time
	ProcessedAt           *time.Time
}

// PayoutRepository persists freelancer payouts.
type PayoutRepository interface {
	Create(ctx context.Context, tx pgx.Tx, payout *domain.Payout) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Payout, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Payout, error)
	GetByRazorpayIDForUpdate(ctx context.Context, tx pgx.Tx, razorpayPayoutID string) (*domain.Payout, error)
	GetByReferenceForUpdate(ctx context.Context, tx pgx.Tx, referenceID string) (*domain.Payout, error)
	Transition(ctx context.Context, tx pgx.Tx, t PayoutTransition) (bool, error)
	ListStale(ctx context.Context, statuses []domain.PayoutStatus, updatedBefore time.Time, limit int) ([]domain.Payout, error)
}

// FreelancerAccountRepository reads payout destinations written by the KYC service.
type FreelancerAccountRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.FreelancerAccount, error)
	// GetActiveByFreelancerID returns the newest active account, verified or not.
	GetActiveByFreelancerID(ctx context.Context, tx pgx.Tx, freelancerID uuid.UUID) (*domain.FreelancerAccount, error)
	SaveGatewayIDs(ctx context.Context, id uuid.UUID, contactID, fundAccountID string) error
}

// ProjectRepository reads projects owned by the project service.
type ProjectRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Project, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Project, error)
}

// OrderRepository persists gateway orders.
type OrderRepository interface {
	Create(ctx context.Context, tx pgx.Tx, order *domain.RazorpayOrder) error
	GetByRazorpayOrderID(ctx context.Context, razorpayOrderID string) (*domain.RazorpayOrder, error)
	GetByRazorpayOrderIDForUpdate(ctx context.Context, tx pgx.Tx, razorpayOrderID string) (*domain.RazorpayOrder, error)
	// MarkPaid moves CREATED or FAILED -> PAID and reports whether this call did it.
	MarkPaid(ctx context.Context, tx pgx.Tx, razorpayOrderID, paymentID string) (bool, error)
	// MarkFailed moves CREATED -> FAILED and reports whether this call did it.
	MarkFailed(ctx context.Context, tx pgx.Tx, razorpayOrderID, paymentID string) (bool, error)
}

// WebhookRepository persists inbound gateway events.
type WebhookRepository interface {
	Create(ctx context.Context, log *domain.WebhookLog) error
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) error
}

// SettingsRepository reads platform_settings.
type SettingsRepository interface {
	Get(ctx context.Context, key string) (*string, error)
}

// AuditRepository persists audit logs.
type AuditRepository interface {
	Create(ctx context.Context, log *domain.AuditLog) error
}

// DBTransactor provides database transaction management.
type DBTransactor interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}
