package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/trustpay/backend/internal/models"
)

type ConfirmationRepo struct {
	pool *pgxpool.Pool
}

func NewConfirmationRepo(pool *pgxpool.Pool) *ConfirmationRepo {
	return &ConfirmationRepo{pool: pool}
}

// Insert records a confirmation inside the caller's escrow transaction.
// Duplicate confirmations from the same user are absorbed by the unique index.
func (r *ConfirmationRepo) Insert(ctx context.Context, tx pgx.Tx, c *models.Confirmation) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO confirmations (escrow_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (escrow_id, user_id) DO NOTHING
	`, c.EscrowID, c.UserID, c.Role)
	return err
}

// DistinctRoles counts distinct confirming roles for an escrow within the
// caller's transaction. Two confirmations from the same role count as one.
func (r *ConfirmationRepo) DistinctRoles(ctx context.Context, tx pgx.Tx, escrowID uuid.UUID) (int, error) {
	var n int
	err := tx.QueryRow(ctx,
		`SELECT COUNT(DISTINCT role) FROM confirmations WHERE escrow_id = $1`, escrowID,
	).Scan(&n)
	return n, err
}

func (r *ConfirmationRepo) ListByEscrow(ctx context.Context, escrowID uuid.UUID) ([]models.Confirmation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, escrow_id, user_id, role, confirmed_at
		FROM confirmations WHERE escrow_id = $1
		ORDER BY confirmed_at
	`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var confirmations []models.Confirmation
	for rows.Next() {
		var c models.Confirmation
		if err := rows.Scan(&c.ID, &c.EscrowID, &c.UserID, &c.Role, &c.ConfirmedAt); err != nil {
			return nil, err
		}
		confirmations = append(confirmations, c)
	}
	return confirmations, rows.Err()
}
