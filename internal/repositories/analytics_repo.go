package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/trustpay/backend/internal/models"
)

type AnalyticsRepo struct {
	pool *pgxpool.Pool
}

func NewAnalyticsRepo(pool *pgxpool.Pool) *AnalyticsRepo {
	return &AnalyticsRepo{pool: pool}
}

// DashboardStats aggregates the user's escrows in one pass. SuccessRate is
// left zero; the service layer computes it from the counts.
func (r *AnalyticsRepo) DashboardStats(ctx context.Context, userID uuid.UUID) (*models.DashboardStats, error) {
	var stats models.DashboardStats
	err := r.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(amount), 0),
			COUNT(*) FILTER (WHERE status IN ('INITIATED', 'HELD', 'DISPUTED')),
			COUNT(*) FILTER (WHERE status = 'RELEASED'),
			COUNT(*)
		FROM escrows
		WHERE payer_id = $1 OR payee_id = $1
	`, userID).Scan(&stats.TotalVolume, &stats.ActiveCount, &stats.CompletedCount, &stats.TotalCount)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// DailyVolume groups the user's escrows created since the cutoff by day.
func (r *AnalyticsRepo) DailyVolume(ctx context.Context, userID uuid.UUID, since time.Time) ([]models.DailyVolume, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT to_char(date_trunc('day', created_at), 'YYYY-MM-DD'), SUM(amount), COUNT(*)
		FROM escrows
		WHERE (payer_id = $1 OR payee_id = $1) AND created_at >= $2
		GROUP BY 1
		ORDER BY 1
	`, userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DailyVolume
	for rows.Next() {
		var d models.DailyVolume
		if err := rows.Scan(&d.Date, &d.Volume, &d.Count); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *AnalyticsRepo) StatusDistribution(ctx context.Context, userID uuid.UUID) ([]models.StatusCount, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT status, COUNT(*)
		FROM escrows
		WHERE payer_id = $1 OR payee_id = $1
		GROUP BY status
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.StatusCount
	for rows.Next() {
		var s models.StatusCount
		if err := rows.Scan(&s.Status, &s.Count); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
