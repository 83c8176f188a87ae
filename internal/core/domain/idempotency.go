package domain

import (
	"github.com/google/uuid"
)

// BuildIdempotencyKey scopes a client-supplied Idempotency-Key to the caller and operation.
func BuildIdempotencyKey(userID uuid.UUID, operation, key string) string {
	return userID.String() + ":" + operation + ":" + key
}
