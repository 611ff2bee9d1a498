package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/trustpay/backend/internal/gateway"
	"github.com/trustpay/backend/internal/models"
	"go.uber.org/zap"
)

// Webhook event names as the gateway sends them.
const (
	webhookPaymentCaptured = "payment.captured"
	webhookPaymentFailed   = "payment.failed"
	webhookPayoutProcessed = "payout.processed"
	webhookPayoutFailed    = "payout.failed"
	webhookRefundProcessed = "refund.processed"
)

// WebhookService turns raw gateway notifications into idempotent orchestrator
// calls. Unknown events and unresolvable references are acknowledged, not
// rejected: the sender must never be induced to retry events we ignore on
// purpose.
type WebhookService struct {
	escrows *EscrowService
	gw      gateway.Gateway
	log     *zap.Logger
}

func NewWebhookService(escrows *EscrowService, gw gateway.Gateway, log *zap.Logger) *WebhookService {
	return &WebhookService{escrows: escrows, gw: gw, log: log}
}

type webhookEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity paymentEntity `json:"entity"`
		} `json:"payment"`
		Payout struct {
			Entity payoutEntity `json:"entity"`
		} `json:"payout"`
		Refund struct {
			Entity refundEntity `json:"entity"`
		} `json:"refund"`
	} `json:"payload"`
}

type paymentEntity struct {
	ID               string            `json:"id"`
	OrderID          string            `json:"order_id"`
	Amount           int64             `json:"amount"`
	ErrorDescription string            `json:"error_description"`
	Notes            map[string]string `json:"notes"`
}

type payoutEntity struct {
	ID            string `json:"id"`
	ReferenceID   string `json:"reference_id"`
	StatusDetails struct {
		Description string `json:"description"`
	} `json:"status_details"`
}

type refundEntity struct {
	ID        string            `json:"id"`
	PaymentID string            `json:"payment_id"`
	Notes     map[string]string `json:"notes"`
}

// Ingest verifies, parses, classifies and applies one webhook delivery.
// Error mapping: ErrBadWebhookSignature -> 401, ErrMalformedWebhook -> 400,
// anything else -> 500; nil means acknowledged.
func (s *WebhookService) Ingest(ctx context.Context, body []byte, signature string) error {
	if !s.gw.VerifyWebhookSignature(body, signature) {
		s.log.Warn("webhook rejected, bad signature")
		return models.ErrBadWebhookSignature
	}

	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%w: %v", models.ErrMalformedWebhook, err)
	}

	s.log.Info("webhook received", zap.String("event", env.Event))

	switch env.Event {
	case webhookPaymentCaptured:
		return s.handlePaymentCaptured(ctx, env.Payload.Payment.Entity, body)
	case webhookPaymentFailed:
		return s.handlePaymentFailed(ctx, env.Payload.Payment.Entity, body)
	case webhookPayoutProcessed:
		return s.handlePayoutProcessed(ctx, env.Payload.Payout.Entity, body)
	case webhookPayoutFailed:
		return s.handlePayoutFailed(ctx, env.Payload.Payout.Entity, body)
	case webhookRefundProcessed:
		return s.handleRefundProcessed(ctx, env.Payload.Refund.Entity, body)
	default:
		s.log.Warn("unhandled webhook event, acknowledging", zap.String("event", env.Event))
		return nil
	}
}

// resolveEscrowID pulls the escrow id out of the notes map the order was
// created with, falling back to the gateway order id.
func (s *WebhookService) resolveEscrowID(ctx context.Context, notes map[string]string, orderID string) (uuid.UUID, bool) {
	if raw, ok := notes["escrow_id"]; ok {
		if id, err := uuid.Parse(raw); err == nil {
			return id, true
		}
		s.log.Warn("webhook notes carry malformed escrow_id", zap.String("escrow_id", raw))
	}
	if orderID != "" {
		if e, err := s.escrows.FindByGatewayOrderID(ctx, orderID); err == nil {
			return e.ID, true
		}
	}
	return uuid.Nil, false
}

// parseEscrowReference parses the merchant reference convention
// "escrow_<uuid>" carried by payout notifications.
func parseEscrowReference(ref string) (uuid.UUID, bool) {
	raw, ok := strings.CutPrefix(ref, "escrow_")
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func (s *WebhookService) handlePaymentCaptured(ctx context.Context, p paymentEntity, raw []byte) error {
	escrowID, ok := s.resolveEscrowID(ctx, p.Notes, p.OrderID)
	if !ok {
		s.log.Warn("payment.captured with no resolvable escrow, acknowledging",
			zap.String("payment_id", p.ID))
		return nil
	}
	if err := s.escrows.ApplyPaymentCaptured(ctx, p.ID, p.OrderID, escrowID, p.Amount, raw); err != nil {
		return fmt.Errorf("apply payment captured: %w", err)
	}
	return nil
}

func (s *WebhookService) handlePaymentFailed(ctx context.Context, p paymentEntity, raw []byte) error {
	escrowID, ok := s.resolveEscrowID(ctx, p.Notes, p.OrderID)
	if !ok {
		s.log.Warn("payment.failed with no resolvable escrow, acknowledging",
			zap.String("payment_id", p.ID))
		return nil
	}
	errMsg := p.ErrorDescription
	if errMsg == "" {
		errMsg = "payment failed"
	}
	if err := s.escrows.ApplyPaymentFailed(ctx, p.ID, escrowID, errMsg, raw); err != nil {
		return fmt.Errorf("apply payment failed: %w", err)
	}
	return nil
}

func (s *WebhookService) handlePayoutProcessed(ctx context.Context, p payoutEntity, raw []byte) error {
	escrowID, ok := parseEscrowReference(p.ReferenceID)
	if !ok {
		s.log.Warn("payout.processed with malformed reference, acknowledging",
			zap.String("reference_id", p.ReferenceID))
		return nil
	}
	if err := s.escrows.ApplyPayoutSettled(ctx, p.ID, escrowID, raw); err != nil {
		return fmt.Errorf("apply payout settled: %w", err)
	}
	return nil
}

func (s *WebhookService) handlePayoutFailed(ctx context.Context, p payoutEntity, raw []byte) error {
	escrowID, ok := parseEscrowReference(p.ReferenceID)
	if !ok {
		s.log.Warn("payout.failed with malformed reference, acknowledging",
			zap.String("reference_id", p.ReferenceID))
		return nil
	}
	errMsg := p.StatusDetails.Description
	if errMsg == "" {
		errMsg = "payout failed"
	}
	if err := s.escrows.ApplyPayoutFailed(ctx, p.ID, escrowID, errMsg, raw); err != nil {
		return fmt.Errorf("apply payout failed: %w", err)
	}
	return nil
}

func (s *WebhookService) handleRefundProcessed(ctx context.Context, r refundEntity, raw []byte) error {
	var escrowID uuid.UUID
	if rawID, ok := r.Notes["escrow_id"]; ok {
		if id, err := uuid.Parse(rawID); err == nil {
			escrowID = id
		}
	}
	if escrowID == uuid.Nil && r.PaymentID != "" {
		if e, err := s.escrows.FindByGatewayPaymentID(ctx, r.PaymentID); err == nil {
			escrowID = e.ID
		}
	}
	if escrowID == uuid.Nil {
		s.log.Warn("refund.processed with no resolvable escrow, acknowledging",
			zap.String("refund_id", r.ID))
		return nil
	}
	if err := s.escrows.ApplyRefundSettled(ctx, r.ID, escrowID, raw); err != nil {
		return fmt.Errorf("apply refund settled: %w", err)
	}
	return nil
}
