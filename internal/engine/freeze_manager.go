package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-tool-gateway/internal/infra"
)

// FreezeManager держит в памяти набор эндпоинтов, закрытых оператором на запись.
// Источник правды: Redis set, изменения приходят сигналами Pub/Sub.
type FreezeManager struct {
	rdb    goredis.UniversalClient
	logger *zap.Logger
	seed   []string // Заливаются в пустой Redis при первом старте кластера

	mu     sync.RWMutex
	frozen map[string]bool
}

func NewFreezeManager(rdb goredis.UniversalClient, logger *zap.Logger, seed ...string) *FreezeManager {
	return &FreezeManager{
		rdb:    rdb,
		logger: logger.With(zap.String("mod", "freeze")),
		seed:   seed,
		frozen: make(map[string]bool),
	}
}

// Init прогревает Redis начальным набором и загружает текущее состояние.
func (fm *FreezeManager) Init(ctx context.Context) error {
	if err := WarmupState(ctx, fm.rdb, fm.logger, fm.seed, infra.RedisKeyFrozenEndpoints, infra.RedisKeyLockWarmupFrozen); err != nil {
		return fmt.Errorf("failed to warm up frozen endpoints: %w", err)
	}

	members, err := fm.rdb.SMembers(ctx, infra.RedisKeyFrozenEndpoints).Result()
	if err != nil {
		return fmt.Errorf("failed to load frozen endpoints: %w", err)
	}

	next := make(map[string]bool, len(members))
	for _, ep := range members {
		next[ep] = true
	}
	fm.mu.Lock()
	fm.frozen = next
	fm.mu.Unlock()

	fm.logger.Info("frozen endpoints loaded", zap.Strings("endpoints", members))
	return nil
}

// StartListener подписывается на сигналы заморозки. Блокирует до отмены ctx.
func (fm *FreezeManager) StartListener(ctx context.Context) {
	ListenStateResilient(ctx, fm.rdb, fm.logger, infra.RedisChanFreeze,
		func() error { return fm.Init(ctx) }, // Переподключение
		fm.Set,
	)
}

// Set меняет локальное состояние эндпоинта.
func (fm *FreezeManager) Set(endpoint string, frozen bool) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if frozen {
		fm.frozen[endpoint] = true
	} else {
		delete(fm.frozen, endpoint)
	}
	fm.logger.Info("endpoint freeze state changed", zap.String("endpoint", endpoint), zap.Bool("frozen", frozen))
}

// IsFrozen: быстрый метод для проверки в Hot Path
func (fm *FreezeManager) IsFrozen(endpoint string) bool {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	return fm.frozen[endpoint]
}

func (fm *FreezeManager) Frozen() []string {
	fm.mu.RLock()
	out := make([]string, 0, len(fm.frozen))
	for ep := range fm.frozen {
		out = append(out, ep)
	}
	fm.mu.RUnlock()
	sort.Strings(out)
	return out
}
