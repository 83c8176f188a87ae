package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Gateway event types handled by the reconciler.
const (
	EventPaymentCaptured = "payment.captured"
	EventPaymentFailed   = "payment.failed"
	EventPayoutProcessed = "payout.processed"
	EventPayoutFailed    = "payout.failed"
	EventPayoutReversed  = "payout.reversed"
)

// WebhookLog stores every inbound gateway event, valid or not.
type WebhookLog struct {
	ID           uuid.UUID  `json:"id"`
	EventType    string     `json:"event_type"`
	EventID      string     `json:"event_id"`
	Payload      []byte     `json:"payload"`
	Signature    string     `json:"-"`
	Processed    bool       `json:"processed"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
}

// WebhookEnvelope is the outer body of a gateway event.
type WebhookEnvelope struct {
	ID      string         `json:"id"`
	Event   string         `json:"event"`
	Payload WebhookPayload `json:"payload"`
}

type WebhookPayload struct {
	Payment *struct {
		Entity PaymentEntity `json:"entity"`
	} `json:"payment,omitempty"`
	Payout *struct {
		Entity PayoutEntity `json:"entity"`
	} `json:"payout,omitempty"`
}

// PaymentEntity is the subset of a gateway payment the reconciler reads.
type PaymentEntity struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Amount           int64  `json:"amount"`
	Status           string `json:"status"`
	ErrorDescription string `json:"error_description"`
}

// PayoutEntity is the subset of a gateway payout the reconciler reads.
type PayoutEntity struct {
	ID            string `json:"id"`
	ReferenceID   string `json:"reference_id"`
	Status        string `json:"status"`
	UTR           string `json:"utr"`
	FailureReason string `json:"failure_reason"`
	StatusDetails *struct {
		Description string `json:"description"`
	} `json:"status_details,omitempty"`
}

// ParseWebhookEnvelope decodes an event body. Malformed bodies yield an empty
// envelope so the raw payload can still be logged.
func ParseWebhookEnvelope(body []byte) WebhookEnvelope {
	var env WebhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return WebhookEnvelope{}
	}
	return env
}

// Reason returns the most specific failure text on the payout.
func (p PayoutEntity) Reason() string {
	if p.FailureReason != "" {
		return p.FailureReason
	}
	if p.StatusDetails != nil {
		return p.StatusDetails.Description
	}
	return ""
}
