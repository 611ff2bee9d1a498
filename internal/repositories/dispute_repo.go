package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/trustpay/backend/internal/models"
)

type DisputeRepo struct {
	pool *pgxpool.Pool
}

func NewDisputeRepo(pool *pgxpool.Pool) *DisputeRepo {
	return &DisputeRepo{pool: pool}
}

func (r *DisputeRepo) Create(ctx context.Context, d *models.Dispute) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO disputes (escrow_id, raised_by, reason, evidence_links, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, d.EscrowID, d.RaisedBy, d.Reason, d.EvidenceLinks, d.Status).Scan(&d.ID, &d.CreatedAt)
}

func (r *DisputeRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Dispute, error) {
	var d models.Dispute
	err := r.pool.QueryRow(ctx, `
		SELECT id, escrow_id, raised_by, reason, evidence_links, admin_resolution, status, created_at, resolved_at
		FROM disputes WHERE id = $1
	`, id).Scan(&d.ID, &d.EscrowID, &d.RaisedBy, &d.Reason, &d.EvidenceLinks, &d.AdminResolution,
		&d.Status, &d.CreatedAt, &d.ResolvedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *DisputeRepo) ListByEscrow(ctx context.Context, escrowID uuid.UUID) ([]models.Dispute, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, escrow_id, raised_by, reason, evidence_links, admin_resolution, status, created_at, resolved_at
		FROM disputes WHERE escrow_id = $1
		ORDER BY created_at DESC
	`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var disputes []models.Dispute
	for rows.Next() {
		var d models.Dispute
		if err := rows.Scan(&d.ID, &d.EscrowID, &d.RaisedBy, &d.Reason, &d.EvidenceLinks, &d.AdminResolution,
			&d.Status, &d.CreatedAt, &d.ResolvedAt); err != nil {
			return nil, err
		}
		disputes = append(disputes, d)
	}
	return disputes, rows.Err()
}

func (r *DisputeRepo) Resolve(ctx context.Context, id uuid.UUID, resolution, status string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE disputes SET admin_resolution = $1, status = $2, resolved_at = now()
		WHERE id = $3
	`, resolution, status, id)
	return err
}
