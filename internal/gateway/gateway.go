package gateway

import (
	"context"
	"errors"
	"fmt"
)

// OrderRef identifies an in-flight collection/order on the gateway side.
type OrderRef struct {
	ID          string `json:"id"`
	Amount      int64  `json:"amount"` // minor units
	Currency    string `json:"currency"`
	Status      string `json:"status,omitempty"`
	PaymentLink string `json:"payment_link,omitempty"`
}

// PayoutRef identifies a payout accepted by the gateway. Acceptance is not
// settlement; the payout.processed webhook confirms it.
type PayoutRef struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

// RefundRef identifies a refund accepted by the gateway.
type RefundRef struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

// Gateway is the payment capability the orchestrator consumes. All amounts
// crossing this boundary are integers in minor units; any major-unit or
// decimal representation an underlying API wants is the adapter's problem.
type Gateway interface {
	Name() string
	CreateOrder(ctx context.Context, amount int64, currency, reference string, notes map[string]string) (*OrderRef, error)
	CreatePayout(ctx context.Context, payeeVPA string, amount int64, currency, reference string) (*PayoutRef, error)
	CreateRefund(ctx context.Context, paymentID string, amount int64, reason string) (*RefundRef, error)
	VerifyWebhookSignature(body []byte, signature string) bool
}

// ErrUnavailable marks transient gateway failures (network, 5xx, timeout).
// The payout retry budget counts these; everything else is surfaced as-is.
var ErrUnavailable = errors.New("payment gateway unavailable")

func unavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnavailable, fmt.Sprintf(format, args...))
}
