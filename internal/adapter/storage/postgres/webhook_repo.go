package postgres

import (
	"context"
	"fmt"

	"marketplace-escrow/internal/core/domain"

	"github.com/google/uuid"
)

// WebhookRepo implements ports.WebhookRepository for inbound gateway events.
type WebhookRepo struct {
	pool Pool
}

// NewWebhookRepo creates a new WebhookRepo.
func NewWebhookRepo(pool Pool) *WebhookRepo {
	return &WebhookRepo{pool: pool}
}

func (r *WebhookRepo) Create(ctx context.Context, log *domain.WebhookLog) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO webhook_logs (id, event_type, event_id, payload, signature, processed, error_message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		log.ID, log.EventType, log.EventID, string(log.Payload), log.Signature,
		log.Processed, log.ErrorMessage, log.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert webhook log: %w", err)
	}
	return nil
}

func (r *WebhookRepo) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE webhook_logs SET processed = TRUE, error_message = NULL, processed_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark webhook processed: %w", err)
	}
	return nil
}

func (r *WebhookRepo) MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE webhook_logs SET processed = FALSE, error_message = $2 WHERE id = $1`, id, errorMessage)
	if err != nil {
		return fmt.Errorf("mark webhook failed: %w", err)
	}
	return nil
}
