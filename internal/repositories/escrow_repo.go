package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/trustpay/backend/internal/models"
)

const escrowColumns = `
	id, payer_id, payee_id, payee_vpa, amount, currency, status,
	description, order_id, condition,
	escrow_code, escrow_name, is_code_active,
	collect_id, gateway_order_id, gateway_payment_id, gateway_payout_id, gateway_refund_id,
	payment_initiated_at, payment_completed_at, payout_initiated_at, payout_completed_at,
	last_payment_error, payout_retry_count, blockchain_tx_hash,
	created_at, updated_at, expires_at`

type EscrowRepo struct {
	pool *pgxpool.Pool
}

func NewEscrowRepo(pool *pgxpool.Pool) *EscrowRepo {
	return &EscrowRepo{pool: pool}
}

func scanEscrow(row pgx.Row) (*models.Escrow, error) {
	var e models.Escrow
	err := row.Scan(&e.ID, &e.PayerID, &e.PayeeID, &e.PayeeVPA, &e.Amount, &e.Currency, &e.Status,
		&e.Description, &e.OrderID, &e.Condition,
		&e.EscrowCode, &e.EscrowName, &e.IsCodeActive,
		&e.CollectID, &e.GatewayOrderID, &e.GatewayPaymentID, &e.GatewayPayoutID, &e.GatewayRefundID,
		&e.PaymentInitiatedAt, &e.PaymentCompletedAt, &e.PayoutInitiatedAt, &e.PayoutCompletedAt,
		&e.LastPaymentError, &e.PayoutRetryCount, &e.BlockchainTxHash,
		&e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *EscrowRepo) Create(ctx context.Context, e *models.Escrow) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO escrows (payer_id, payee_vpa, amount, currency, status, description, order_id, condition,
		                     escrow_code, escrow_name, is_code_active, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at
	`, e.PayerID, e.PayeeVPA, e.Amount, e.Currency, e.Status, e.Description, e.OrderID, e.Condition,
		e.EscrowCode, e.EscrowName, e.IsCodeActive, e.ExpiresAt,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
}

func (r *EscrowRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Escrow, error) {
	return scanEscrow(r.pool.QueryRow(ctx, `SELECT`+escrowColumns+` FROM escrows WHERE id = $1`, id))
}

func (r *EscrowRepo) FindByCode(ctx context.Context, code string) (*models.Escrow, error) {
	return scanEscrow(r.pool.QueryRow(ctx, `SELECT`+escrowColumns+` FROM escrows WHERE escrow_code = $1`, code))
}

func (r *EscrowRepo) FindByGatewayOrderID(ctx context.Context, orderID string) (*models.Escrow, error) {
	return scanEscrow(r.pool.QueryRow(ctx, `SELECT`+escrowColumns+` FROM escrows WHERE gateway_order_id = $1`, orderID))
}

func (r *EscrowRepo) FindByGatewayPaymentID(ctx context.Context, paymentID string) (*models.Escrow, error) {
	return scanEscrow(r.pool.QueryRow(ctx, `SELECT`+escrowColumns+` FROM escrows WHERE gateway_payment_id = $1`, paymentID))
}

func (r *EscrowRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Escrow, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `
		SELECT`+escrowColumns+` FROM escrows
		WHERE payer_id = $1 OR payee_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var escrows []models.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		escrows = append(escrows, *e)
	}
	return escrows, rows.Err()
}

// Update runs fn inside a transaction that holds a row lock on the escrow,
// then persists the mutated row. Concurrent updates to the same escrow
// serialize on the lock; fn must re-check its guards against the locked row,
// not state read earlier.
func (r *EscrowRepo) Update(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, tx pgx.Tx, e *models.Escrow) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	e, err := scanEscrow(tx.QueryRow(ctx, `SELECT`+escrowColumns+` FROM escrows WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return err
	}

	if err := fn(ctx, tx, e); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE escrows SET
			payee_id = $1, payee_vpa = $2, status = $3, is_code_active = $4,
			collect_id = $5, gateway_order_id = $6, gateway_payment_id = $7,
			gateway_payout_id = $8, gateway_refund_id = $9,
			payment_initiated_at = $10, payment_completed_at = $11,
			payout_initiated_at = $12, payout_completed_at = $13,
			last_payment_error = $14, payout_retry_count = $15,
			blockchain_tx_hash = $16, updated_at = now()
		WHERE id = $17
	`, e.PayeeID, e.PayeeVPA, e.Status, e.IsCodeActive,
		e.CollectID, e.GatewayOrderID, e.GatewayPaymentID,
		e.GatewayPayoutID, e.GatewayRefundID,
		e.PaymentInitiatedAt, e.PaymentCompletedAt,
		e.PayoutInitiatedAt, e.PayoutCompletedAt,
		e.LastPaymentError, e.PayoutRetryCount,
		e.BlockchainTxHash, e.ID)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// SetBlockchainTxHash stores the chain audit anchor hash.
func (r *EscrowRepo) SetBlockchainTxHash(ctx context.Context, id uuid.UUID, txHash string) error {
	_, err := r.pool.Exec(ctx, `UPDATE escrows SET blockchain_tx_hash = $1, updated_at = now() WHERE id = $2`, txHash, id)
	return err
}

// ExpireInitiated flips INITIATED escrows past their TTL with no captured
// payment to EXPIRED, returning the affected rows.
func (r *EscrowRepo) ExpireInitiated(ctx context.Context) ([]models.Escrow, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE escrows SET status = $1, is_code_active = false, updated_at = now()
		WHERE status = $2 AND expires_at < now() AND payment_completed_at IS NULL
		RETURNING`+escrowColumns,
		models.EscrowStatusExpired, models.EscrowStatusInitiated)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []models.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, *e)
	}
	return expired, rows.Err()
}
