package credits

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	burstKeyPrefix = "credits:burst:"
	burstWindow    = 60 * time.Second
	burstKeyTTL    = 90 * time.Second
)

// BurstLimiter caps consume attempts per user per minute with a Redis
// sorted-set sliding window. It sits in front of the ledger and never
// touches credits.
type BurstLimiter struct {
	rdb          redis.Cmdable
	maxPerMinute int
	now          func() time.Time
}

// NewBurstLimiter creates a BurstLimiter. A non-positive maxPerMinute
// disables limiting.
func NewBurstLimiter(rdb redis.Cmdable, maxPerMinute int) *BurstLimiter {
	return &BurstLimiter{
		rdb:          rdb,
		maxPerMinute: maxPerMinute,
		now:          time.Now,
	}
}

// Allow records an attempt for userID and reports whether it is within the
// window. Redis failures are logged and the attempt is allowed.
func (bl *BurstLimiter) Allow(ctx context.Context, userID uuid.UUID) bool {
	if bl == nil || bl.maxPerMinute <= 0 {
		return true
	}

	allowed, err := bl.checkAndIncrement(ctx, userID)
	if err != nil {
		slog.Warn("credits: burst limiter check failed, allowing request", "user_id", userID, "error", err)
		return true
	}
	return allowed
}

func (bl *BurstLimiter) checkAndIncrement(ctx context.Context, userID uuid.UUID) (bool, error) {
	key := burstKeyPrefix + userID.String()
	now := bl.now()
	windowStart := float64(now.Add(-burstWindow).UnixMilli())

	pipe := bl.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatFloat(windowStart, 'f', 0, 64))
	countCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("burst limiter pipeline (clean+count): %w", err)
	}

	count := countCmd.Val()
	if count >= int64(bl.maxPerMinute) {
		return false, nil
	}

	pipe = bl.rdb.Pipeline()
	member := fmt.Sprintf("%d:%d", now.UnixNano(), count)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	pipe.Expire(ctx, key, burstKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("burst limiter pipeline (add): %w", err)
	}

	return true, nil
}

// Usage returns the number of attempts recorded in the current window.
func (bl *BurstLimiter) Usage(ctx context.Context, userID uuid.UUID) (int, error) {
	key := burstKeyPrefix + userID.String()
	now := bl.now()
	from := strconv.FormatFloat(float64(now.Add(-burstWindow).UnixMilli()), 'f', 0, 64)
	to := strconv.FormatFloat(float64(now.UnixMilli()), 'f', 0, 64)

	count, err := bl.rdb.ZCount(ctx, key, from, to).Result()
	if err != nil {
		return 0, fmt.Errorf("getting burst usage: %w", err)
	}
	return int(count), nil
}
