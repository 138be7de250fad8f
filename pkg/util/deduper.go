package util

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deduper remembers keys it has seen for ttl using SETNX.
type Deduper struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewDeduper(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Deduper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduper{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}
}

// AcquireOnce returns true the first time scope+key is seen within ttl and
// false for duplicates. When redis is unreachable it returns true so that
// processing is never blocked; callers must stay idempotent on their own.
func (d *Deduper) AcquireOnce(ctx context.Context, scope, key string) bool {
	dedupKey := "dedup:" + scope + ":" + key

	ok, err := d.rdb.SetNX(ctx, dedupKey, 1, d.ttl).Result()
	if err != nil {
		d.logger.Warn("Redis dedup check failed, allowing processing",
			zap.String("scope", scope),
			zap.String("key", key),
			zap.Error(err),
		)
		return true
	}

	if !ok {
		d.logger.Info("Skipped duplicated event",
			zap.String("scope", scope),
			zap.String("dedup_key", dedupKey),
		)
	}
	return ok
}

// Forget drops scope+key so a later retry is not treated as a duplicate.
func (d *Deduper) Forget(ctx context.Context, scope, key string) {
	if err := d.rdb.Del(ctx, "dedup:"+scope+":"+key).Err(); err != nil {
		d.logger.Warn("Failed to release dedup key", zap.String("scope", scope), zap.Error(err))
	}
}
