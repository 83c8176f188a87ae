package domain

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ProjectStatus is owned by the project service; escrow only reads it.
type ProjectStatus string

const (
	ProjectStatusOpen       ProjectStatus = "OPEN"
	ProjectStatusInProgress ProjectStatus = "IN_PROGRESS"
	ProjectStatusCompleted  ProjectStatus = "COMPLETED"
	ProjectStatusCancelled  ProjectStatus = "CANCELLED"
)

// Project is the read-only view of a marketplace project.
type Project struct {
	ID           uuid.UUID       `json:"id"`
	ClientID     uuid.UUID       `json:"client_id"`
	FreelancerID *uuid.UUID      `json:"freelancer_id,omitempty"`
	Title        string          `json:"title"`
	Budget       decimal.Decimal `json:"budget"`
	Currency     string          `json:"currency"`
	Status       ProjectStatus   `json:"status"`
}

// IsClosed reports whether the project no longer accepts payments.
func (p *Project) IsClosed() bool {
	return p.Status == ProjectStatusCompleted || p.Status == ProjectStatusCancelled
}
