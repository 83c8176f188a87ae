package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketplace-escrow/internal/core/domain"
	"marketplace-escrow/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const payoutColumns = `id, transaction_id, freelancer_id, freelancer_account_id, amount, currency, mode, status,
		razorpay_payout_id, razorpay_fund_account_id, utr, reference_id, failure_reason, attempt,
		initiated_at, processed_at, created_at, updated_at`

// PayoutRepo implements ports.PayoutRepository.
type PayoutRepo struct {
	pool Pool
}

// NewPayoutRepo creates a new PayoutRepo.
func NewPayoutRepo(pool Pool) *PayoutRepo {
	return &PayoutRepo{pool: pool}
}

// Create inserts a payout within a database transaction.
func (r *PayoutRepo) Create(ctx context.Context, tx pgx.Tx, p *domain.Payout) error {
	query := `INSERT INTO payouts (` + payoutColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	_, err := tx.Exec(ctx, query,
		p.ID, p.TransactionID, p.FreelancerID, p.FreelancerAccountID, p.Amount, p.Currency,
		string(p.Mode), string(p.Status), p.RazorpayPayoutID, p.RazorpayFundAccountID, p.UTR,
		p.ReferenceID, p.FailureReason, p.Attempt, p.InitiatedAt, p.ProcessedAt, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payout: %w", err)
	}
	return nil
}

// GetByID fetches a payout by UUID.
func (r *PayoutRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Payout, error) {
	p, err := scanPayout(r.pool.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get payout by id: %w", err)
	}
	return p, nil
}

// GetByIDForUpdate locks a payout row.
func (r *PayoutRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Payout, error) {
	p, err := scanPayout(tx.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fmt.Errorf("get payout for update: %w", err)
	}
	return p, nil
}

// GetByRazorpayIDForUpdate locks the payout with the given gateway payout id.
func (r *PayoutRepo) GetByRazorpayIDForUpdate(ctx context.Context, tx pgx.Tx, razorpayPayoutID string) (*domain.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE razorpay_payout_id = $1 FOR UPDATE`

	p, err := scanPayout(tx.QueryRow(ctx, query, razorpayPayoutID))
	if err != nil {
		return nil, fmt.Errorf("get payout for update by gateway id: %w", err)
	}
	return p, nil
}

// GetByReferenceForUpdate locks the payout with the given reference id.
func (r *PayoutRepo) GetByReferenceForUpdate(ctx context.Context, tx pgx.Tx, referenceID string) (*domain.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE reference_id = $1 FOR UPDATE`

	p, err := scanPayout(tx.QueryRow(ctx, query, referenceID))
	if err != nil {
		return nil, fmt.Errorf("get payout for update by reference: %w", err)
	}
	return p, nil
}

// Transition performs a conditional payout status update.
func (r *PayoutRepo) Transition(ctx context.Context, tx pgx.Tx, t ports.PayoutTransition) (bool, error) {
	query := `UPDATE payouts SET
		status = $2,
		razorpay_payout_id = COALESCE($3, razorpay_payout_id),
		razorpay_fund_account_id = COALESCE($4, razorpay_fund_account_id),
		utr = COALESCE($5, utr),
		failure_reason = COALESCE($6, failure_reason),
		initiated_at = COALESCE($7, initiated_at),
		processed_at = COALESCE($8, processed_at),
		updated_at = NOW()
		WHERE id = $1 AND status = ANY($9)`

	tag, err := tx.Exec(ctx, query,
		t.ID, string(t.To), t.RazorpayPayoutID, t.RazorpayFundAccountID, t.UTR,
		t.FailureReason, t.InitiatedAt, t.ProcessedAt, toStrings(t.From),
	)
	if err != nil {
		return false, fmt.Errorf("transition payout to %s: %w", t.To, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListStale returns payouts in the given statuses not touched since updatedBefore, oldest first.
func (r *PayoutRepo) ListStale(ctx context.Context, statuses []domain.PayoutStatus, updatedBefore time.Time, limit int) ([]domain.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at ASC LIMIT $3`

	rows, err := r.pool.Query(ctx, query, toStrings(statuses), updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale payouts: %w", err)
	}
	defer rows.Close()

	var payouts []domain.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payout row: %w", err)
		}
		payouts = append(payouts, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payout rows: %w", err)
	}
	return payouts, nil
}

func scanPayout(row pgx.Row) (*domain.Payout, error) {
	p := &domain.Payout{}
	err := row.Scan(
		&p.ID, &p.TransactionID, &p.FreelancerID, &p.FreelancerAccountID, &p.Amount, &p.Currency,
		&p.Mode, &p.Status, &p.RazorpayPayoutID, &p.RazorpayFundAccountID, &p.UTR,
		&p.ReferenceID, &p.FailureReason, &p.Attempt, &p.InitiatedAt, &p.ProcessedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}
