package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/trustpay/backend/internal/models"
)

type PaymentEventRepo struct {
	pool *pgxpool.Pool
}

func NewPaymentEventRepo(pool *pgxpool.Pool) *PaymentEventRepo {
	return &PaymentEventRepo{pool: pool}
}

// Append inserts an audit row outside any escrow transaction. Used for
// failures recorded without a status transition.
func (r *PaymentEventRepo) Append(ctx context.Context, ev *models.PaymentEvent) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO payment_events (escrow_id, event_type, event_status, gateway_id, gateway_order_id,
		                            amount, currency, error_message, webhook_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (gateway_id, event_type, event_status) DO NOTHING
	`, ev.EscrowID, ev.EventType, ev.EventStatus, ev.GatewayID, ev.GatewayOrderID,
		ev.Amount, ev.Currency, ev.ErrorMessage, ev.WebhookPayload)
	return err
}

// AppendTx inserts an audit row inside the caller's escrow transaction, so
// the row and the transition it records commit or roll back together.
func (r *PaymentEventRepo) AppendTx(ctx context.Context, tx pgx.Tx, ev *models.PaymentEvent) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO payment_events (escrow_id, event_type, event_status, gateway_id, gateway_order_id,
		                            amount, currency, error_message, webhook_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (gateway_id, event_type, event_status) DO NOTHING
	`, ev.EscrowID, ev.EventType, ev.EventStatus, ev.GatewayID, ev.GatewayOrderID,
		ev.Amount, ev.Currency, ev.ErrorMessage, ev.WebhookPayload)
	return err
}

// ExistsTx reports whether a gateway event of this type and status has
// already been applied. Runs inside the caller's transaction so a racing
// duplicate delivery sees the winner's row after the escrow lock is granted.
func (r *PaymentEventRepo) ExistsTx(ctx context.Context, tx pgx.Tx, gatewayID, eventType, eventStatus string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM payment_events WHERE gateway_id = $1 AND event_type = $2 AND event_status = $3)
	`, gatewayID, eventType, eventStatus).Scan(&exists)
	return exists, err
}

func (r *PaymentEventRepo) ListByEscrow(ctx context.Context, escrowID uuid.UUID, limit, offset int) ([]models.PaymentEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, escrow_id, event_type, event_status, gateway_id, gateway_order_id,
		       amount, currency, error_message, webhook_payload, created_at
		FROM payment_events WHERE escrow_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, escrowID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.PaymentEvent
	for rows.Next() {
		var ev models.PaymentEvent
		if err := rows.Scan(&ev.ID, &ev.EscrowID, &ev.EventType, &ev.EventStatus, &ev.GatewayID, &ev.GatewayOrderID,
			&ev.Amount, &ev.Currency, &ev.ErrorMessage, &ev.WebhookPayload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
