package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trustpay/backend/internal/models"
	"go.uber.org/zap"
)

type fakeAnalyticsStore struct {
	stats        models.DashboardStats
	volume       []models.DailyVolume
	distribution []models.StatusCount
	lastSince    time.Time
}

func (s *fakeAnalyticsStore) DashboardStats(ctx context.Context, userID uuid.UUID) (*models.DashboardStats, error) {
	cp := s.stats
	return &cp, nil
}

func (s *fakeAnalyticsStore) DailyVolume(ctx context.Context, userID uuid.UUID, since time.Time) ([]models.DailyVolume, error) {
	s.lastSince = since
	return s.volume, nil
}

func (s *fakeAnalyticsStore) StatusDistribution(ctx context.Context, userID uuid.UUID) ([]models.StatusCount, error) {
	return s.distribution, nil
}

func TestDashboardStatsSuccessRate(t *testing.T) {
	store := &fakeAnalyticsStore{stats: models.DashboardStats{
		TotalVolume:    275000,
		ActiveCount:    2,
		CompletedCount: 2,
		TotalCount:     3,
	}}
	svc := NewAnalyticsService(store, zap.NewNop())

	stats, err := svc.DashboardStats(context.Background(), uuid.New())
	require.NoError(t, err)
	// 2/3 as a percentage, one decimal place.
	assert.Equal(t, 66.7, stats.SuccessRate)
	assert.Equal(t, int64(275000), stats.TotalVolume)
}

func TestDashboardStatsEmpty(t *testing.T) {
	svc := NewAnalyticsService(&fakeAnalyticsStore{}, zap.NewNop())

	stats, err := svc.DashboardStats(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Zero(t, stats.SuccessRate)
	assert.Zero(t, stats.TotalCount)
}

func TestTransactionHistoryClampsDays(t *testing.T) {
	store := &fakeAnalyticsStore{volume: []models.DailyVolume{{Date: "2026-08-31", Volume: 100, Count: 1}}}
	svc := NewAnalyticsService(store, zap.NewNop())

	cases := []struct {
		days     int
		expected int
	}{
		{days: 7, expected: 7},
		{days: 0, expected: historyDaysDefault},
		{days: -4, expected: historyDaysDefault},
		{days: 9000, expected: historyDaysDefault},
		{days: historyDaysMax, expected: historyDaysMax},
	}
	for _, tc := range cases {
		before := time.Now().UTC().AddDate(0, 0, -tc.expected)
		history, err := svc.TransactionHistory(context.Background(), uuid.New(), tc.days)
		require.NoError(t, err)
		require.Len(t, history, 1)
		after := time.Now().UTC().AddDate(0, 0, -tc.expected)
		assert.False(t, store.lastSince.Before(before), "days=%d", tc.days)
		assert.False(t, store.lastSince.After(after), "days=%d", tc.days)
	}
}
