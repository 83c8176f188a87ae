package redis

import (
	"context"
	"fmt"

	"marketplace-escrow/config"
	"marketplace-escrow/internal/metrics"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// NewClient creates a Redis client and verifies connectivity.
func NewClient(ctx context.Context, cfg config.RedisConfig, log zerolog.Logger) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	log.Info().
		Str("addr", cfg.Addr()).
		Int("db", cfg.DB).
		Msg("Redis connection established")

	return client, nil
}

// HealthCheck pings Redis and, when a payout queue is attached, samples its
// depth into the payout_queue_depth gauge.
type HealthCheck struct {
	client *goredis.Client
	queue  *PayoutQueue
}

// NewHealthCheck creates a Redis health checker. queue may be nil.
func NewHealthCheck(client *goredis.Client, queue *PayoutQueue) *HealthCheck {
	return &HealthCheck{client: client, queue: queue}
}

func (h *HealthCheck) Ping(ctx context.Context) error {
	if err := h.client.Ping(ctx).Err(); err != nil {
		return err
	}
	if h.queue == nil {
		return nil
	}
	pending, inFlight, err := h.queue.Depth(ctx)
	if err != nil {
		return err
	}
	metrics.PayoutQueueDepth.WithLabelValues("pending").Set(float64(pending))
	metrics.PayoutQueueDepth.WithLabelValues("in_flight").Set(float64(inFlight))
	return nil
}

func (h *HealthCheck) Name() string { return "redis" }
