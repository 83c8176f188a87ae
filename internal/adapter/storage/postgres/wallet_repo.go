package postgres

import (
	"context"
	"errors"
	"fmt"

	"marketplace-escrow/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const walletColumns = `id, user_id, balance, currency, status, created_at, updated_at`

const ledgerColumns = `id, wallet_id, type, amount, balance_before, balance_after,
		reference_type, reference_id, description, created_at`

// WalletRepo implements ports.WalletRepository.
type WalletRepo struct {
	pool Pool
}

// NewWalletRepo creates a new WalletRepo.
func NewWalletRepo(pool Pool) *WalletRepo {
	return &WalletRepo{pool: pool}
}

// GetOrCreate returns the user's wallet, creating an empty ACTIVE one on first use.
func (r *WalletRepo) GetOrCreate(ctx context.Context, userID uuid.UUID, currency string) (*domain.Wallet, error) {
	query := `INSERT INTO wallets (id, user_id, balance, currency, status)
		VALUES ($1, $2, 0, $3, 'ACTIVE')
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING ` + walletColumns

	w, err := scanWallet(r.pool.QueryRow(ctx, query, uuid.New(), userID, currency))
	if err != nil {
		return nil, fmt.Errorf("get or create wallet: %w", err)
	}
	return w, nil
}

// GetByID fetches a wallet by its UUID (without locking).
func (r *WalletRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE id = $1`

	w, err := scanWallet(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("get wallet by id: %w", err)
	}
	return w, nil
}

// GetByUserID fetches a user's wallet (non-locking read).
func (r *WalletRepo) GetByUserID(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE user_id = $1`

	w, err := scanWallet(r.pool.QueryRow(ctx, query, userID))
	if err != nil {
		return nil, fmt.Errorf("get wallet by user id: %w", err)
	}
	return w, nil
}

// GetByIDForUpdate fetches a wallet by ID with pessimistic locking.
// This MUST be called within a transaction.
func (r *WalletRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE id = $1 FOR UPDATE`

	w, err := scanWallet(tx.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("get wallet for update by id: %w", err)
	}
	return w, nil
}

// GetByUserIDForUpdate fetches a user's wallet with pessimistic locking.
// This MUST be called within a transaction.
func (r *WalletRepo) GetByUserIDForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*domain.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE user_id = $1 FOR UPDATE`

	w, err := scanWallet(tx.QueryRow(ctx, query, userID))
	if err != nil {
		return nil, fmt.Errorf("get wallet for update by user: %w", err)
	}
	return w, nil
}

// UpdateBalance sets a wallet's balance within a transaction.
func (r *WalletRepo) UpdateBalance(ctx context.Context, tx pgx.Tx, walletID uuid.UUID, balance decimal.Decimal) error {
	query := `UPDATE wallets SET balance = $1, updated_at = NOW() WHERE id = $2`

	tag, err := tx.Exec(ctx, query, balance, walletID)
	if err != nil {
		return fmt.Errorf("update wallet balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("wallet not found: %s", walletID)
	}
	return nil
}

// CreateEntry appends a ledger row within a transaction.
func (r *WalletRepo) CreateEntry(ctx context.Context, tx pgx.Tx, e *domain.WalletTransaction) error {
	query := `INSERT INTO wallet_transactions (` + ledgerColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := tx.Exec(ctx, query,
		e.ID, e.WalletID, string(e.Type), e.Amount, e.BalanceBefore, e.BalanceAfter,
		string(e.ReferenceType), e.ReferenceID, e.Description, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert wallet transaction: %w", err)
	}
	return nil
}

// ListEntries returns one page of a wallet's ledger, newest first, and the total row count.
func (r *WalletRepo) ListEntries(ctx context.Context, walletID uuid.UUID, page, pageSize int) ([]domain.WalletTransaction, int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM wallet_transactions WHERE wallet_id = $1`, walletID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count wallet transactions: %w", err)
	}

	offset := (page - 1) * pageSize
	query := `SELECT ` + ledgerColumns + ` FROM wallet_transactions
		WHERE wallet_id = $1 ORDER BY seq DESC LIMIT $2 OFFSET $3`

	rows, err := r.pool.Query(ctx, query, walletID, pageSize, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list wallet transactions: %w", err)
	}
	defer rows.Close()

	var entries []domain.WalletTransaction
	for rows.Next() {
		var e domain.WalletTransaction
		err := rows.Scan(
			&e.ID, &e.WalletID, &e.Type, &e.Amount, &e.BalanceBefore, &e.BalanceAfter,
			&e.ReferenceType, &e.ReferenceID, &e.Description, &e.CreatedAt,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("scan wallet transaction row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate wallet transaction rows: %w", err)
	}
	return entries, total, nil
}

// SummarizeLedger totals a wallet's ledger for VerifyLedger.
func (r *WalletRepo) SummarizeLedger(ctx context.Context, walletID uuid.UUID) (*domain.LedgerAudit, error) {
	query := `SELECT
		COALESCE(SUM(amount) FILTER (WHERE type = 'CREDIT'), 0) AS credits,
		COALESCE(SUM(amount) FILTER (WHERE type = 'DEBIT'), 0) AS debits,
		COUNT(*) AS entries,
		COALESCE((SELECT balance_after FROM wallet_transactions
			WHERE wallet_id = $1 ORDER BY seq DESC LIMIT 1), 0) AS last_balance_after
		FROM wallet_transactions WHERE wallet_id = $1`

	a := &domain.LedgerAudit{WalletID: walletID}
	err := r.pool.QueryRow(ctx, query, walletID).Scan(&a.TotalCredits, &a.TotalDebits, &a.Entries, &a.LastBalanceAfter)
	if err != nil {
		return nil, fmt.Errorf("summarize ledger: %w", err)
	}
	return a, nil
}

func scanWallet(row pgx.Row) (*domain.Wallet, error) {
	w := &domain.Wallet{}
	err := row.Scan(&w.ID, &w.UserID, &w.Balance, &w.Currency, &w.Status, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return w, nil
}
