package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// EventStore implements ports.ProcessedEventStore using Redis SET NX.
type EventStore struct {
	client *goredis.Client
	prefix string
}

// NewEventStore creates a new Redis-backed processed-event store.
func NewEventStore(client *goredis.Client) *EventStore {
	return &EventStore{
		client: client,
		prefix: "webhook:processed:",
	}
}

// IsProcessed reports whether the event id was already handled.
func (s *EventStore) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+eventID).Result()
	if err != nil {
		return false, fmt.Errorf("redis event exists: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed atomically records the event id.
// Returns true if the marker is new, false if it was already set.
func (s *EventStore) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	result, err := s.client.SetArgs(ctx, s.prefix+eventID, 1, goredis.SetArgs{
		Mode: "NX",
		TTL:  ttl,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis event mark: %w", err)
	}
	return result == "OK", nil
}
