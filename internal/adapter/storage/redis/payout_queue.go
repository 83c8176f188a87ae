package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"marketplace-escrow/internal/core/ports"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// PayoutQueue implements ports.PayoutQueue as a Redis reliable queue.
// Jobs move atomically from the pending list to the processing list on
// dequeue and are removed from processing on ack.
type PayoutQueue struct {
	client     *goredis.Client
	pending    string
	processing string
}

// NewPayoutQueue creates a queue whose lists are named "<name>:pending" and "<name>:processing".
func NewPayoutQueue(client *goredis.Client, name string) *PayoutQueue {
	return &PayoutQueue{
		client:     client,
		pending:    name + ":pending",
		processing: name + ":processing",
	}
}

// Enqueue pushes a payout onto the pending list.
func (q *PayoutQueue) Enqueue(ctx context.Context, payoutID uuid.UUID) error {
	raw, err := ports.PayoutJob{PayoutID: payoutID, EnqueuedAt: time.Now().UTC()}.Encode()
	if err != nil {
		return fmt.Errorf("encode payout job: %w", err)
	}
	if err := q.client.LPush(ctx, q.pending, raw).Err(); err != nil {
		return fmt.Errorf("redis payout enqueue: %w", err)
	}
	return nil
}

// Dequeue blocks up to wait for the oldest pending job and moves it to processing.
// Returns nil, nil when nothing arrived in time.
func (q *PayoutQueue) Dequeue(ctx context.Context, wait time.Duration) (*ports.PayoutJob, error) {
	raw, err := q.client.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", wait).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis payout dequeue: %w", err)
	}

	var job ports.PayoutJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// Poison message: drop it so it is not redelivered forever.
		_ = q.client.LRem(ctx, q.processing, 1, raw).Err()
		return nil, fmt.Errorf("decode payout job: %w", err)
	}
	job.Raw = raw
	return &job, nil
}

// Ack removes a finished job from the processing list.
func (q *PayoutQueue) Ack(ctx context.Context, job *ports.PayoutJob) error {
	if err := q.client.LRem(ctx, q.processing, 1, job.Raw).Err(); err != nil {
		return fmt.Errorf("redis payout ack: %w", err)
	}
	return nil
}

// RequeueInFlight moves every job left in processing back to pending.
// Call it once at startup, before workers begin dequeuing.
func (q *PayoutQueue) RequeueInFlight(ctx context.Context) (int64, error) {
	var moved int64
	for {
		err := q.client.LMove(ctx, q.processing, q.pending, "LEFT", "RIGHT").Err()
		if errors.Is(err, goredis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("redis payout requeue: %w", err)
		}
		moved++
	}
}

// Depth returns the number of pending and in-flight jobs.
func (q *PayoutQueue) Depth(ctx context.Context) (pending, inFlight int64, err error) {
	pipe := q.client.Pipeline()
	p := pipe.LLen(ctx, q.pending)
	f := pipe.LLen(ctx, q.processing)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("redis payout depth: %w", err)
	}
	return p.Val(), f.Val(), nil
}
