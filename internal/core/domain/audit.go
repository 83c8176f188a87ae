package domain

import (
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of audited action.
type AuditAction string

const (
	AuditActionReleasePayment AuditAction = "RELEASE_PAYMENT"
	AuditActionRetryPayout    AuditAction = "RETRY_PAYOUT"
	AuditActionWalletAudit    AuditAction = "WALLET_AUDIT"
	AuditActionWalletPayment  AuditAction = "WALLET_PAYMENT"
	AuditActionWalletLoad     AuditAction = "WALLET_LOAD"
)

// AuditLog records a single privileged or money-moving action.
type AuditLog struct {
	ID           uuid.UUID   `json:"id"`
	ActorID      *uuid.UUID  `json:"actor_id,omitempty"`
	Action       AuditAction `json:"action"`
	ResourceType string      `json:"resource_type"`
	ResourceID   string      `json:"resource_id,omitempty"`
	Details      string      `json:"details,omitempty"` // JSON string
	IPAddress    string      `json:"ip_address"`
	CreatedAt    time.Time   `json:"created_at"`
}
