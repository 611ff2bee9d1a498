package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const payoutRetryKey = "escrow:payout:retry"

// RetryScheduler keeps payout retries in a Redis sorted set scored by the
// unix time they become due. Surviving process restarts is the point:
// an in-memory timer would drop retries with the process.
type RetryScheduler struct {
	rdb  *redis.Client
	log  *zap.Logger
	base time.Duration
	cap  time.Duration
}

func NewRetryScheduler(rdb *redis.Client, log *zap.Logger, base, cap time.Duration) *RetryScheduler {
	return &RetryScheduler{rdb: rdb, log: log, base: base, cap: cap}
}

// Backoff returns the delay before the given attempt (1-based) is retried,
// doubling each attempt up to the cap.
func (r *RetryScheduler) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := r.base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.cap {
			return r.cap
		}
	}
	if d > r.cap {
		return r.cap
	}
	return d
}

// Schedule enqueues the escrow for a payout retry after the attempt's
// backoff delay. Re-scheduling an already queued escrow moves its due time.
func (r *RetryScheduler) Schedule(ctx context.Context, escrowID uuid.UUID, attempt int) error {
	delay := r.Backoff(attempt)
	due := time.Now().Add(delay)
	err := r.rdb.ZAdd(ctx, payoutRetryKey, redis.Z{
		Score:  float64(due.Unix()),
		Member: escrowID.String(),
	}).Err()
	if err != nil {
		return fmt.Errorf("schedule payout retry: %w", err)
	}
	r.log.Info("payout retry scheduled",
		zap.String("escrow_id", escrowID.String()),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))
	return nil
}

// PopDue removes and returns every escrow whose retry time has arrived.
// Members that fail to parse are dropped with a warning.
func (r *RetryScheduler) PopDue(ctx context.Context) ([]uuid.UUID, error) {
	now := fmt.Sprintf("%d", time.Now().Unix())
	members, err := r.rdb.ZRangeByScore(ctx, payoutRetryKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read due payout retries: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.rdb.ZRem(ctx, payoutRetryKey, args...).Err(); err != nil {
		return nil, fmt.Errorf("dequeue payout retries: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			r.log.Warn("dropping malformed retry entry", zap.String("member", m))
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
