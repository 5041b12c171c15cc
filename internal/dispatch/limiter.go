package dispatch

import (
	"context"
	"time"

	"callpipeline/internal/jobs"
	"callpipeline/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Limiter caps how many tasks of a stage may be in flight at once.
type Limiter interface {
	Acquire(ctx context.Context, stage jobs.Stage, taskID string) (bool, error)
	Release(ctx context.Context, stage jobs.Stage, taskID string) error
}

// NoLimit never refuses a slot.
type NoLimit struct{}

func (NoLimit) Acquire(context.Context, jobs.Stage, string) (bool, error) { return true, nil }
func (NoLimit) Release(context.Context, jobs.Stage, string) error        { return nil }

// RedisLimiter keeps one sorted set of holders per stage, shared by every instance.
// Holders expire after ttl so a crashed process cannot leak slots forever.
type RedisLimiter struct {
	rdb   *redis.Client
	limit int
	ttl   time.Duration
	clock func() time.Time
}

func NewRedisLimiter(rdb *redis.Client, limit int, ttl time.Duration) *RedisLimiter {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &RedisLimiter{rdb: rdb, limit: limit, ttl: ttl, clock: time.Now}
}

func (l *RedisLimiter) Acquire(ctx context.Context, stage jobs.Stage, taskID string) (bool, error) {
	return utils.AcquireSlot(ctx, l.rdb, slotKey(stage), taskID, l.limit, l.ttl, l.clock())
}

func (l *RedisLimiter) Release(ctx context.Context, stage jobs.Stage, taskID string) error {
	return utils.ReleaseSlot(ctx, l.rdb, slotKey(stage), taskID)
}

func slotKey(stage jobs.Stage) string {
	return "callpipeline:inflight:" + string(stage)
}
