package models

import (
	"time"

	"github.com/google/uuid"
)

// Payment event types
const (
	PaymentEventPayment = "payment"
	PaymentEventPayout  = "payout"
	PaymentEventRefund  = "refund"
)

// Payment event statuses
const (
	PaymentEventInitiated = "initiated"
	PaymentEventSuccess   = "success"
	PaymentEventFailed    = "failed"
)

// PaymentEvent is one row of the append-only payment audit log. Rows are
// never mutated after insert; the (gateway_id, event_type, event_status)
// uniqueness is what makes webhook re-delivery a no-op.
type PaymentEvent struct {
	ID             uuid.UUID `json:"id"`
	EscrowID       uuid.UUID `json:"escrow_id"`
	EventType      string    `json:"event_type"`   // payment / payout / refund
	EventStatus    string    `json:"event_status"` // initiated / success / failed
	GatewayID      *string   `json:"gateway_id,omitempty"` // payment_id, payout_id or refund_id
	GatewayOrderID *string   `json:"gateway_order_id,omitempty"`
	Amount         int64     `json:"amount"` // minor units
	Currency       string    `json:"currency"`
	ErrorMessage   *string   `json:"error_message,omitempty"`
	WebhookPayload []byte    `json:"webhook_payload,omitempty"` // raw body for forensic replay
	CreatedAt      time.Time `json:"created_at"`
}
