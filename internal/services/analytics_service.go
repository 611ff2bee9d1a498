package services

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/trustpay/backend/internal/models"
	"go.uber.org/zap"
)

type AnalyticsStore interface {
	DashboardStats(ctx context.Context, userID uuid.UUID) (*models.DashboardStats, error)
	DailyVolume(ctx context.Context, userID uuid.UUID, since time.Time) ([]models.DailyVolume, error)
	StatusDistribution(ctx context.Context, userID uuid.UUID) ([]models.StatusCount, error)
}

const (
	historyDaysDefault = 30
	historyDaysMax     = 365
)

// AnalyticsService serves the per-user dashboard: read-only aggregates over
// escrows, no state transitions.
type AnalyticsService struct {
	store AnalyticsStore
	log   *zap.Logger
}

func NewAnalyticsService(store AnalyticsStore, log *zap.Logger) *AnalyticsService {
	return &AnalyticsService{store: store, log: log}
}

func (s *AnalyticsService) DashboardStats(ctx context.Context, userID uuid.UUID) (*models.DashboardStats, error) {
	stats, err := s.store.DashboardStats(ctx, userID)
	if err != nil {
		return nil, err
	}
	if stats.TotalCount > 0 {
		rate := float64(stats.CompletedCount) / float64(stats.TotalCount) * 100
		stats.SuccessRate = math.Round(rate*10) / 10
	}
	return stats, nil
}

// TransactionHistory returns daily volume for the trailing window. days
// outside [1, historyDaysMax] falls back to the default.
func (s *AnalyticsService) TransactionHistory(ctx context.Context, userID uuid.UUID, days int) ([]models.DailyVolume, error) {
	if days < 1 || days > historyDaysMax {
		days = historyDaysDefault
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	return s.store.DailyVolume(ctx, userID, since)
}

func (s *AnalyticsService) StatusDistribution(ctx context.Context, userID uuid.UUID) ([]models.StatusCount, error) {
	return s.store.StatusDistribution(ctx, userID)
}
