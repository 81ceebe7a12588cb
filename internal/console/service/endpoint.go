package service

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-tool-gateway/internal/catalog"
	"github.com/xela07ax/spaceai-tool-gateway/internal/domain"
	"github.com/xela07ax/spaceai-tool-gateway/internal/infra"
)

// EndpointView: строка каталога для оператора.
type EndpointView struct {
	Endpoint         string `json:"endpoint"`
	Collection       string `json:"collection,omitempty"`
	WriteAllowed     bool   `json:"write_allowed"`
	ApprovalRequired bool   `json:"approval_required"`
	Read             bool   `json:"read"`
	Frozen           bool   `json:"frozen"`
}

type EndpointService struct {
	catalog *catalog.Catalog
	rdb     goredis.UniversalClient
	logger  *zap.Logger
}

func NewEndpointService(cat *catalog.Catalog, rdb goredis.UniversalClient, logger *zap.Logger) *EndpointService {
	return &EndpointService{
		catalog: cat,
		rdb:     rdb,
		logger:  logger.Named("endpoint-service"),
	}
}

// List отдает каталог с текущими флагами заморозки из Redis.
func (s *EndpointService) List(ctx context.Context) ([]EndpointView, error) {
	frozen, err := s.rdb.SMembers(ctx, infra.RedisKeyFrozenEndpoints).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load frozen endpoints: %w", err)
	}
	isFrozen := make(map[string]bool, len(frozen))
	for _, ep := range frozen {
		isFrozen[ep] = true
	}

	entries := s.catalog.Entries()
	out := make([]EndpointView, 0, len(entries))
	for _, e := range entries {
		out = append(out, EndpointView{
			Endpoint:         e.Endpoint,
			Collection:       e.Collection,
			WriteAllowed:     e.WriteAllowed,
			ApprovalRequired: e.ApprovalRequired,
			Read:             e.IsRead(),
			Frozen:           isFrozen[e.Endpoint],
		})
	}
	return out, nil
}

func (s *EndpointService) Freeze(ctx context.Context, endpoint string) error {
	return s.updateEndpointState(ctx, endpoint, true, "freeze")
}

func (s *EndpointService) Unfreeze(ctx context.Context, endpoint string) error {
	return s.updateEndpointState(ctx, endpoint, false, "unfreeze")
}

// updateEndpointState: унифицированный механизм переключения состояния.
// Обновляет Redis set и транслирует сигнал шлюзам.
func (s *EndpointService) updateEndpointState(ctx context.Context, endpoint string, frozen bool, actionName string) error {
	e, ok := s.catalog.Lookup(endpoint)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownEndpoint, endpoint)
	}
	if e.IsRead() {
		return fmt.Errorf("%w: %s does not write and cannot be frozen", domain.ErrValidation, endpoint)
	}

	// 1. Persistence Layer: источник правды для Init при рестарте шлюзов
	var err error
	if frozen {
		err = s.rdb.SAdd(ctx, infra.RedisKeyFrozenEndpoints, endpoint).Err()
	} else {
		err = s.rdb.SRem(ctx, infra.RedisKeyFrozenEndpoints, endpoint).Err()
	}
	if err != nil {
		s.logger.Error("failed to update frozen set",
			zap.String("endpoint", endpoint),
			zap.String("action", actionName),
			zap.Error(err))
		return fmt.Errorf("%s redis error: %w", actionName, err)
	}

	// 2. Real-time Signaling
	payload := fmt.Sprintf("%s:%t", endpoint, frozen)
	if err := s.rdb.Publish(ctx, infra.RedisChanFreeze, payload).Err(); err != nil {
		// Шлюзы догонят состояние при переподписке
		s.logger.Warn("runtime signal delivery failed",
			zap.String("action", actionName),
			zap.String("channel", infra.RedisChanFreeze),
			zap.Error(err))
		return nil
	}

	s.logger.Info("endpoint state updated successfully",
		zap.String("endpoint", endpoint),
		zap.String("action", actionName))
	return nil
}
