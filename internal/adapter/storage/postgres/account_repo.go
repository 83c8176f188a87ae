package postgres

import (
	"context"
	"errors"
	"fmt"

	"marketplace-escrow/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const accountColumns = `id, freelancer_id, account_type, account_holder_name, account_number_enc, ifsc, vpa,
		verification_status, is_active, razorpay_contact_id, razorpay_fund_account_id, created_at, updated_at`

// FreelancerAccountRepo implements ports.FreelancerAccountRepository.
type FreelancerAccountRepo struct {
	pool Pool
}

// NewFreelancerAccountRepo creates a new FreelancerAccountRepo.
func NewFreelancerAccountRepo(pool Pool) *FreelancerAccountRepo {
	return &FreelancerAccountRepo{pool: pool}
}

func (r *FreelancerAccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.FreelancerAccount, error) {
	a, err := scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM freelancer_accounts WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get freelancer account: %w", err)
	}
	return a, nil
}

// GetActiveByFreelancerID returns the newest active account. tx may be nil.
func (r *FreelancerAccountRepo) GetActiveByFreelancerID(ctx context.Context, tx pgx.Tx, freelancerID uuid.UUID) (*domain.FreelancerAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM freelancer_accounts
		WHERE freelancer_id = $1 AND is_active = TRUE
		ORDER BY (verification_status = 'VERIFIED') DESC, created_at DESC LIMIT 1`

	a, err := scanAccount(conn(r.pool, tx).QueryRow(ctx, query, freelancerID))
	if err != nil {
		return nil, fmt.Errorf("get active freelancer account: %w", err)
	}
	return a, nil
}

// SaveGatewayIDs caches the gateway contact and fund account ids.
func (r *FreelancerAccountRepo) SaveGatewayIDs(ctx context.Context, id uuid.UUID, contactID, fundAccountID string) error {
	query := `UPDATE freelancer_accounts
		SET razorpay_contact_id = $2, razorpay_fund_account_id = $3, updated_at = NOW()
		WHERE id = $1`

	if _, err := r.pool.Exec(ctx, query, id, contactID, fundAccountID); err != nil {
		return fmt.Errorf("save gateway ids: %w", err)
	}
	return nil
}

func scanAccount(row pgx.Row) (*domain.FreelancerAccount, error) {
	a := &domain.FreelancerAccount{}
	err := row.Scan(
		&a.ID, &a.FreelancerID, &a.AccountType, &a.AccountHolderName, &a.AccountNumberEnc, &a.IFSC, &a.VPA,
		&a.VerificationStatus, &a.IsActive, &a.RazorpayContactID, &a.RazorpayFundAccountID, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return a, nil
}
