package postgres

import (
	"context"
	"errors"
	"fmt"

	"marketplace-escrow/internal/core/domain"
	"marketplace-escrow/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const transactionColumns = `id, project_id, client_id, freelancer_id, total_amount, platform_commission,
		platform_commission_percentage, freelancer_amount, currency, payment_source, status,
		razorpay_order_id, razorpay_payment_id, held_at, released_at, released_by,
		payout_id, payout_status, payout_utr, failure_reason, created_at, updated_at`

// TransactionRepo implements ports.TransactionRepository.
type TransactionRepo struct {
	pool Pool
}

// NewTransactionRepo creates a new TransactionRepo.
func NewTransactionRepo(pool Pool) *TransactionRepo {
	return &TransactionRepo{pool: pool}
}

// Create inserts a new escrow transaction within a database transaction.
func (r *TransactionRepo) Create(ctx context.Context, tx pgx.Tx, t *domain.Transaction) error {
	query := `INSERT INTO transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`

	_, err := tx.Exec(ctx, query,
		t.ID, t.ProjectID, t.ClientID, t.FreelancerID, t.TotalAmount, t.PlatformCommission,
		t.PlatformCommissionPercentage, t.FreelancerAmount, t.Currency, string(t.PaymentSource), string(t.Status),
		t.RazorpayOrderID, t.RazorpayPaymentID, t.HeldAt, t.ReleasedAt, t.ReleasedBy,
		t.PayoutID, t.PayoutStatus, t.PayoutUTR, t.FailureReason, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// GetByID fetches a transaction by UUID.
func (r *TransactionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`

	t, err := scanTransaction(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("get transaction by id: %w", err)
	}
	return t, nil
}

// GetByIDForUpdate locks a transaction row.
func (r *TransactionRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1 FOR UPDATE`

	t, err := scanTransaction(tx.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("get transaction for update: %w", err)
	}
	return t, nil
}

// GetByOrderIDForUpdate locks the transaction paid through a gateway order.
func (r *TransactionRepo) GetByOrderIDForUpdate(ctx context.Context, tx pgx.Tx, razorpayOrderID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE razorpay_order_id = $1 FOR UPDATE`

	t, err := scanTransaction(tx.QueryRow(ctx, query, razorpayOrderID))
	if err != nil {
		return nil, fmt.Errorf("get transaction for update by order: %w", err)
	}
	return t, nil
}

// HasActiveForProject reports whether the project already has a non-failed, non-cancelled payment.
func (r *TransactionRepo) HasActiveForProject(ctx context.Context, tx pgx.Tx, projectID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM transactions
		WHERE project_id = $1 AND status NOT IN ('FAILED', 'CANCELLED'))`

	var exists bool
	if err := conn(r.pool, tx).QueryRow(ctx, query, projectID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check active transaction: %w", err)
	}
	return exists, nil
}

// Transition performs a conditional status update guarded by the allowed source states.
func (r *TransactionRepo) Transition(ctx context.Context, tx pgx.Tx, t ports.TransactionTransition) (bool, error) {
	var payoutStatus *string
	if t.PayoutStatus != nil {
		s := string(*t.PayoutStatus)
		payoutStatus = &s
	}

	query := `UPDATE transactions SET
		status = $2,
		razorpay_payment_id = COALESCE($3, razorpay_payment_id),
		held_at = COALESCE($4, held_at),
		released_at = COALESCE($5, released_at),
		released_by = COALESCE($6, released_by),
		payout_id = COALESCE($7, payout_id),
		payout_status = COALESCE($8, payout_status),
		payout_utr = COALESCE($9, payout_utr),
		failure_reason = COALESCE($10, failure_reason),
		updated_at = NOW()
		WHERE id = $1 AND status = ANY($11)`

	tag, err := tx.Exec(ctx, query,
		t.ID, string(t.To), t.RazorpayPaymentID, t.HeldAt, t.ReleasedAt, t.ReleasedBy,
		t.PayoutID, payoutStatus, t.PayoutUTR, t.FailureReason, toStrings(t.From),
	)
	if err != nil {
		return false, fmt.Errorf("transition transaction to %s: %w", t.To, err)
	}
	return tag.RowsAffected() == 1, nil
}

// AttachPayout points a transaction at a new payout attempt.
func (r *TransactionRepo) AttachPayout(ctx context.Context, tx pgx.Tx, id, payoutID uuid.UUID) error {
	query := `UPDATE transactions SET
		payout_id = $2,
		payout_status = 'QUEUED',
		payout_utr = NULL,
		updated_at = NOW()
		WHERE id = $1`

	tag, err := tx.Exec(ctx, query, id, payoutID)
	if err != nil {
		return fmt.Errorf("attach payout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction not found: %s", id)
	}
	return nil
}

// SetPayoutState mirrors a payout onto the transaction. Rows that already
// point at a different payout are left untouched.
func (r *TransactionRepo) SetPayoutState(ctx context.Context, tx pgx.Tx, id uuid.UUID, payoutID *uuid.UUID, status domain.PayoutStatus, utr *string) error {
	query := `UPDATE transactions SET
		payout_id = COALESCE($2, payout_id),
		payout_status = $3,
		payout_utr = COALESCE($4, payout_utr),
		updated_at = NOW()
		WHERE id = $1 AND ($2::uuid IS NULL OR payout_id IS NULL OR payout_id = $2)`

	if _, err := tx.Exec(ctx, query, id, payoutID, string(status), utr); err != nil {
		return fmt.Errorf("set transaction payout state: %w", err)
	}
	return nil
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	t := &domain.Transaction{}
	err := row.Scan(
		&t.ID, &t.ProjectID, &t.ClientID, &t.FreelancerID, &t.TotalAmount, &t.PlatformCommission,
		&t.PlatformCommissionPercentage, &t.FreelancerAmount, &t.Currency, &t.PaymentSource, &t.Status,
		&t.RazorpayOrderID, &t.RazorpayPaymentID, &t.HeldAt, &t.ReleasedAt, &t.ReleasedBy,
		&t.PayoutID, &t.PayoutStatus, &t.PayoutUTR, &t.FailureReason, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}
