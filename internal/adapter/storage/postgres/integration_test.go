//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"net/url"
	"strconv"
	"testing"
	"time"

	"marketplace-escrow/config"
	"marketplace-escrow/internal/core/domain"
	"marketplace-escrow/internal/core/ports"
	"marketplace-escrow/migrations"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

func setupDatabase(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("marketplace"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, migrations.Run(ctx, db, "up"))

	u, err := url.Parse(dsn)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	pool, err := NewPool(ctx, config.DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     "postgres",
		Password: "postgres",
		DBName:   "marketplace",
		SSLMode:  "disable",
		MaxConns: 5,
		MinConns: 1,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestIntegration_WalletLedger(t *testing.T) {
	pool := setupDatabase(t)
	ctx := context.Background()
	repo := NewWalletRepo(pool)

	userID := uuid.New()
	w, err := repo.GetOrCreate(ctx, userID, "INR")
	require.NoError(t, err)
	assert.True(t, w.Balance.IsZero())

	again, err := repo.GetOrCreate(ctx, userID, "INR")
	require.NoError(t, err)
	assert.Equal(t, w.ID, again.ID)

	tx, err := NewTransactor(pool).Begin(ctx)
	require.NoError(t, err)
	locked, err := repo.GetByIDForUpdate(ctx, tx, w.ID)
	require.NoError(t, err)

	amount := decimal.RequireFromString("1000.00")
	after := locked.Balance.Add(amount)
	require.NoError(t, repo.UpdateBalance(ctx, tx, w.ID, after))
	require.NoError(t, repo.CreateEntry(ctx, tx, &domain.WalletTransaction{
		ID:            uuid.New(),
		WalletID:      w.ID,
		Type:          domain.LedgerCredit,
		Amount:        amount,
		BalanceBefore: locked.Balance,
		BalanceAfter:  after,
		ReferenceType: domain.ReferenceLoad,
		Description:   "load",
		CreatedAt:     time.Now(),
	}))
	require.NoError(t, tx.Commit(ctx))

	audit, err := repo.SummarizeLedger(ctx, w.ID)
	require.NoError(t, err)
	audit.Balance = after
	audit.Evaluate()
	assert.True(t, audit.Consistent)
	assert.Equal(t, int64(1), audit.Entries)

	entries, total, err := repo.ListEntries(ctx, w.ID, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, entries, 1)
	assert.True(t, amount.Equal(entries[0].Amount))
}

func TestIntegration_NegativeBalanceRejected(t *testing.T) {
	pool := setupDatabase(t)
	ctx := context.Background()
	repo := NewWalletRepo(pool)

	w, err := repo.GetOrCreate(ctx, uuid.New(), "INR")
	require.NoError(t, err)

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	err = repo.UpdateBalance(ctx, tx, w.ID, decimal.NewFromInt(-1))
	assert.Error(t, err)
}

func TestIntegration_TransactionLifecycle(t *testing.T) {
	pool := setupDatabase(t)
	ctx := context.Background()
	txRepo := NewTransactionRepo(pool)

	clientID, freelancerID, projectID := uuid.New(), uuid.New(), uuid.New()
	_, err := pool.Exec(ctx,
		`INSERT INTO projects (id, client_id, freelancer_id, title, budget, status) VALUES ($1, $2, $3, 'Logo', 500, 'IN_PROGRESS')`,
		projectID, clientID, freelancerID)
	require.NoError(t, err)

	split := domain.SplitCommission(decimal.NewFromInt(500), decimal.NewFromInt(10))
	now := time.Now()
	escrow := &domain.Transaction{
		ID:                           uuid.New(),
		ProjectID:                    projectID,
		ClientID:                     clientID,
		FreelancerID:                 freelancerID,
		TotalAmount:                  decimal.NewFromInt(500),
		PlatformCommission:           split.Commission,
		PlatformCommissionPercentage: decimal.NewFromInt(10),
		FreelancerAmount:             split.FreelancerAmount,
		Currency:                     "INR",
		PaymentSource:                domain.PaymentSourceWallet,
		Status:                       domain.TransactionStatusHeld,
		HeldAt:                       &now,
		CreatedAt:                    now,
		UpdatedAt:                    now,
	}

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	active, err := txRepo.HasActiveForProject(ctx, tx, projectID)
	require.NoError(t, err)
	assert.False(t, active)
	require.NoError(t, txRepo.Create(ctx, tx, escrow))
	require.NoError(t, tx.Commit(ctx))

	tx, err = pool.Begin(ctx)
	require.NoError(t, err)
	active, err = txRepo.HasActiveForProject(ctx, tx, projectID)
	require.NoError(t, err)
	assert.True(t, active)

	releasedAt := time.Now()
	admin := uuid.New()
	ok, err := txRepo.Transition(ctx, tx, ports.TransactionTransition{
		ID:         escrow.ID,
		From:       domain.AllowedFrom(domain.TransactionStatusReleased),
		To:         domain.TransactionStatusReleased,
		ReleasedAt: &releasedAt,
		ReleasedBy: &admin,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = txRepo.Transition(ctx, tx, ports.TransactionTransition{
		ID:   escrow.ID,
		From: domain.AllowedFrom(domain.TransactionStatusHeld),
		To:   domain.TransactionStatusHeld,
	})
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, tx.Commit(ctx))

	got, err := txRepo.GetByID(ctx, escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusReleased, got.Status)
	assert.True(t, got.FreelancerAmount.Equal(decimal.NewFromInt(450)))
	require.NotNil(t, got.ReleasedBy)
	assert.Equal(t, admin, *got.ReleasedBy)

	duplicate := *escrow
	duplicate.ID = uuid.New()
	tx, err = pool.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	assert.Error(t, txRepo.Create(ctx, tx, &duplicate))
}
