package events

import "context"

// Event types
const (
	EventEscrowStatusChanged = "escrow_status_changed"
	EventPaymentReceived     = "payment_received"
	EventPayoutSettled       = "payout_settled"
	EventRefundSettled       = "refund_settled"
)

// StreamEscrow is the pub/sub channel carrying escrow updates to every API
// instance's notification hub.
const StreamEscrow = "events:escrow"

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}
