package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// SettingsRepo implements ports.SettingsRepository.
type SettingsRepo struct {
	pool Pool
}

func NewSettingsRepo(pool Pool) *SettingsRepo {
	return &SettingsRepo{pool: pool}
}

// Get returns the setting value, or nil if the key is not set.
func (r *SettingsRepo) Get(ctx context.Context, key string) (*string, error) {
	var value string
	err := r.pool.QueryRow(ctx, `SELECT value FROM platform_settings WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get platform setting %s: %w", key, err)
	}
	return &value, nil
}
