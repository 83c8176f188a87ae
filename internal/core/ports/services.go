package ports

//go:generate mockgen -source=services.go -destination=mocks/mock_services.go -package=mocks

import (
	"context"
	"encoding/json"
	"time"

	"marketplace-escrow/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// EncryptionService handles AES-256-GCM encryption/decryption.
type EncryptionService interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// SignatureService handles HMAC-SHA256 signing and verification.
type SignatureService interface {
	Sign(secretKey string, payload string) string
	Verify(secretKey string, payload string, signature string) bool
}

// TokenService handles bearer tokens issued by the auth service.
type TokenService interface {
	Generate(userID uuid.UUID, role domain.Role) (string, time.Time, error)
	Validate(tokenString string) (*TokenClaims, error)
}

// TokenClaims holds the parsed JWT claims.
type TokenClaims struct {
	UserID uuid.UUID
	Role   domain.Role
}

// IdempotencyCache is the Redis-layer idempotency check (fast path).
type IdempotencyCache interface {
	Get(ctx context.Context, key string) ([]byte, error) // Returns cached response JSON or nil
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// ProcessedEventStore remembers gateway event ids that were fully handled.
type ProcessedEventStore interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	// MarkProcessed returns false if the marker already existed.
	MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
}

// PayoutJob is one unit of work on the payout queue.
type PayoutJob struct {
	PayoutID   uuid.UUID `json:"payout_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Raw        string    `json:"-"`
}

// Encode returns the queue representation of the job.
func (j PayoutJob) Encode() (string, error) {
	b, err := json.Marshal(j)
	return string(b), err
}

// PayoutQueue is a reliable work queue: dequeued jobs stay in flight until acked.
type PayoutQueue interface {
	Enqueue(ctx context.Context, payoutID uuid.UUID) error
	// Dequeue waits up to wait for a job and returns nil when none arrived.
	Dequeue(ctx context.Context, wait time.Duration) (*PayoutJob, error)
	Ack(ctx context.Context, job *PayoutJob) error
	// RequeueInFlight moves jobs abandoned by a previous process back to pending.
	RequeueInFlight(ctx context.Context) (int64, error)
}

// AuditService records admin and money-moving actions.
type AuditService interface {
	Log(ctx context.Context, entry *domain.AuditLog)
}

// --- Service Ports (Business Logic) ---

// WalletService is the wallet ledger.
type WalletService interface {
	GetBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error)
	GetWallet(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error)
	Credit(ctx context.Context, req domain.LedgerEntryRequest) (*domain.BalanceChange, error)
	Debit(ctx context.Context, req domain.LedgerEntryRequest) (*domain.BalanceChange, error)
	CreditTx(ctx context.Context, tx pgx.Tx, req domain.LedgerEntryRequest) (*domain.BalanceChange, error)
	DebitTx(ctx context.Context, tx pgx.Tx, req domain.LedgerEntryRequest) (*domain.BalanceChange, error)
	History(ctx context.Context, userID uuid.UUID, page, pageSize int) ([]domain.WalletTransaction, int64, error)
	VerifyLedger(ctx context.Context, walletID uuid.UUID) (*domain.LedgerAudit, error)
	CreateLoadOrder(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*domain.CheckoutOrder, error)
	VerifyLoad(ctx context.Context, userID uuid.UUID, razorpayOrderID, paymentID, signature string) (*domain.Wallet, error)
	// CompleteLoad marks a WALLET_LOAD order paid and credits the wallet once.
	// A capture for an order another payment settled yields apperror.ErrCaptureNotApplied.
	CompleteLoad(ctx context.Context, razorpayOrderID, paymentID string) (bool, error)
}

// EscrowService manages the escrow lifecycle of project payments.
type EscrowService interface {
	CreateWalletPayment(ctx context.Context, clientID, projectID uuid.UUID) (*domain.Transaction, error)
	CreateServicePaymentOrder(ctx context.Context, clientID, projectID uuid.UUID) (*domain.CheckoutOrder, error)
	ProcessServicePayment(ctx context.Context, razorpayOrderID, paymentID, signature string) (*domain.Transaction, error)
	GetTransaction(ctx context.Context, id uuid.UUID, requester domain.Principal) (*domain.Transaction, error)
	// ConfirmCapturedPayment is the webhook fallback for an INITIATED service payment.
	// A capture the transaction cannot take yields apperror.ErrCaptureNotApplied.
	ConfirmCapturedPayment(ctx context.Context, razorpayOrderID, paymentID string) error
	MarkPaymentFailed(ctx context.Context, razorpayOrderID, paymentID, reason string) error
}

// PayoutService releases escrow and dispatches payouts.
type PayoutService interface {
	ReleasePayment(ctx context.Context, transactionID, adminID uuid.UUID) (*domain.Transaction, error)
	ProcessPayout(ctx context.Context, payoutID uuid.UUID) error
	UpdatePayoutStatus(ctx context.Context, update domain.PayoutStatusUpdate) error
	RetryPayout(ctx context.Context, transactionID, adminID uuid.UUID) (*domain.Payout, error)
	GetPayout(ctx context.Context, id uuid.UUID) (*domain.Payout, error)
	SweepStalePayouts(ctx context.Context, olderThan time.Duration) (int, error)
}

// WebhookService reconciles inbound gateway events.
type WebhookService interface {
	HandleWebhook(ctx context.Context, body []byte, signature, eventID string) error
}

// HealthChecker reports whether an external dependency is usable.
type HealthChecker interface {
	Ping(ctx context.Context) error
	Name() string
}
