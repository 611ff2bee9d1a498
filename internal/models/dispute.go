package models

import (
	"time"

	"github.com/google/uuid"
)

// Dispute statuses
const (
	DisputeStatusOpen     = "OPEN"
	DisputeStatusResolved = "RESOLVED"
	DisputeStatusClosed   = "CLOSED"
)

type Dispute struct {
	ID              uuid.UUID  `json:"id"`
	EscrowID        uuid.UUID  `json:"escrow_id"`
	RaisedBy        uuid.UUID  `json:"raised_by"`
	Reason          string     `json:"reason"`
	EvidenceLinks   any        `json:"evidence_links,omitempty"` // []string
	AdminResolution *string    `json:"admin_resolution,omitempty"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}
