package engine

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Сколько живет блокировка прогрева, если инстанс упал, не сняв ее
const warmupLockTTL = 30 * time.Second

// WarmupState заливает начальный набор в Redis set, только если set пуст.
// Пишет один инстанс: остальные видят занятую блокировку и ничего не делают.
func WarmupState(ctx context.Context, rdb goredis.UniversalClient, logger *zap.Logger, seed []string, setKey, lockKey string) error {
	if len(seed) == 0 {
		return nil
	}

	acquired, err := rdb.SetNX(ctx, lockKey, "warmup", warmupLockTTL).Result()
	if err != nil {
		return fmt.Errorf("warmup lock %s: %w", lockKey, err)
	}
	if !acquired {
		logger.Debug("warm-up is held by another instance", zap.String("key", setKey))
		return nil
	}
	defer rdb.Del(context.WithoutCancel(ctx), lockKey)

	size, err := rdb.SCard(ctx, setKey).Result()
	if err != nil {
		return fmt.Errorf("warmup size %s: %w", setKey, err)
	}
	if size > 0 {
		return nil
	}

	members := make([]interface{}, len(seed))
	for i, id := range seed {
		members[i] = id
	}
	if err := rdb.SAdd(ctx, setKey, members...).Err(); err != nil {
		return fmt.Errorf("warmup seed %s: %w", setKey, err)
	}
	logger.Info("redis set seeded", zap.String("key", setKey), zap.Strings("members", seed))
	return nil
}
