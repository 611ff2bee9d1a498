package models

import (
	"time"

	"github.com/google/uuid"
)

// Confirmation roles
const (
	ConfirmationRolePayer = "payer"
	ConfirmationRolePayee = "payee"
)

type Confirmation struct {
	ID          uuid.UUID `json:"id"`
	EscrowID    uuid.UUID `json:"escrow_id"`
	UserID      uuid.UUID `json:"user_id"`
	Role        string    `json:"role"` // payer / payee, derived from escrow parties
	ConfirmedAt time.Time `json:"confirmed_at"`
}
