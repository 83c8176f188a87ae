package service

import (
	"context"
	"errors"
	"fmt"

	"marketplace-escrow/internal/core/ports"
	"marketplace-escrow/pkg/apperror"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// runInTx runs fn inside one database transaction. Row locks taken by fn
// are held until fn returns; any error from fn rolls the whole unit back.
func runInTx(ctx context.Context, transactor ports.DBTransactor, fn func(tx pgx.Tx) error) error {
	tx, err := transactor.Begin(ctx)
	if err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// dbError passes nil and AppErrors through and wraps everything else as SYS_001.
func dbError(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperror.ErrDatabaseError(fmt.Errorf("%s: %w", op, err))
}

// isUniqueViolation reports a Postgres unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
