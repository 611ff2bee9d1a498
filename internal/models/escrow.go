package models

import (
	"time"

	"github.com/google/uuid"
)

// Escrow statuses
const (
	EscrowStatusInitiated = "INITIATED"
	EscrowStatusHeld      = "HELD"
	EscrowStatusReleased  = "RELEASED"
	EscrowStatusRefunded  = "REFUNDED"
	EscrowStatusDisputed  = "DISPUTED"
	EscrowStatusExpired   = "EXPIRED"
)

// Valid state transitions: from -> []to
var ValidEscrowTransitions = map[string][]string{
	EscrowStatusInitiated: {EscrowStatusHeld, EscrowStatusRefunded, EscrowStatusDisputed, EscrowStatusExpired},
	EscrowStatusHeld:      {EscrowStatusReleased, EscrowStatusRefunded, EscrowStatusDisputed},
	EscrowStatusDisputed:  {EscrowStatusReleased, EscrowStatusRefunded},
	EscrowStatusReleased:  {},
	EscrowStatusRefunded:  {},
	EscrowStatusExpired:   {},
}

func IsValidTransition(from, to string) bool {
	allowed, ok := ValidEscrowTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminalStatus reports whether no further automatic transition may leave s.
func IsTerminalStatus(s string) bool {
	return len(ValidEscrowTransitions[s]) == 0
}

type Escrow struct {
	ID          uuid.UUID  `json:"id"`
	PayerID     uuid.UUID  `json:"payer_id"`
	PayeeID     *uuid.UUID `json:"payee_id,omitempty"`
	PayeeVPA    string     `json:"payee_vpa"`
	Amount      int64      `json:"amount"` // minor units (paise)
	Currency    string     `json:"currency"`
	Status      string     `json:"status"`
	Description *string    `json:"description,omitempty"`
	OrderID     *string    `json:"order_id,omitempty"`
	Condition   string     `json:"condition"`

	// Join code
	EscrowCode   string  `json:"escrow_code"`
	EscrowName   *string `json:"escrow_name,omitempty"`
	IsCodeActive bool    `json:"is_code_active"`

	// Gateway correlation
	CollectID        *string `json:"collect_id,omitempty"`
	GatewayOrderID   *string `json:"gateway_order_id,omitempty"`
	GatewayPaymentID *string `json:"gateway_payment_id,omitempty"`
	GatewayPayoutID  *string `json:"gateway_payout_id,omitempty"`
	GatewayRefundID  *string `json:"gateway_refund_id,omitempty"`

	// Payment tracking
	PaymentInitiatedAt *time.Time `json:"payment_initiated_at,omitempty"`
	PaymentCompletedAt *time.Time `json:"payment_completed_at,omitempty"`
	PayoutInitiatedAt  *time.Time `json:"payout_initiated_at,omitempty"`
	PayoutCompletedAt  *time.Time `json:"payout_completed_at,omitempty"`

	// Error tracking
	LastPaymentError *string `json:"last_payment_error,omitempty"`
	PayoutRetryCount int     `json:"payout_retry_count"`

	BlockchainTxHash *string `json:"blockchain_tx_hash,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// RoleOf returns the party role of userID on this escrow, or "" if the user
// is not a party.
func (e *Escrow) RoleOf(userID uuid.UUID) string {
	if e.PayerID == userID {
		return ConfirmationRolePayer
	}
	if e.PayeeID != nil && *e.PayeeID == userID {
		return ConfirmationRolePayee
	}
	return ""
}
