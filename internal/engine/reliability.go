package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/spaceai-tool-gateway/internal/domain"
)

// ReliabilityConfig: параметры обертки над хранилищем.
type ReliabilityConfig struct {
	Name        string
	MaxRequests uint32        // Пробные запросы в half-open
	Interval    time.Duration // Окно сброса счетчиков в closed
	Timeout     time.Duration // Время, через которое CB попробует "закрыться"
	MaxFailures uint32        // Ошибок подряд до размыкания

	Attempts uint
	Delay    time.Duration

	RateLimit float64 // RPS, 0: без лимита
	Burst     int
}

// ReliableStore оборачивает ActionStore: Rate Limiter → Circuit Breaker → Retry.
// Все операции хранилища безопасны для повтора: повторный Commit узнает свой резерв,
// Confirm, Revoke и Get идемпотентны. Исходы протокола (ErrCommitPending, ErrCommitLost)
// не повторяются и не размыкают предохранитель.
type ReliableStore struct {
	next     ActionStore
	cb       *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	attempts uint
	delay    time.Duration
}

func NewReliableStore(next ActionStore, cfg ReliabilityConfig, metrics *Metrics, logger *zap.Logger) *ReliableStore {
	if cfg.Name == "" {
		cfg.Name = "action-store"
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	// retry-go трактует 0 попыток как бесконечный повтор
	if cfg.Attempts == 0 {
		cfg.Attempts = 1
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	logger = logger.With(zap.String("mod", "reliability"))

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isProtocolOutcome(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	metrics.CircuitBreakerState.WithLabelValues(cfg.Name).Set(float64(gobreaker.StateClosed))

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &ReliableStore{
		next:     next,
		cb:       cb,
		limiter:  limiter,
		attempts: cfg.Attempts,
		delay:    cfg.Delay,
	}
}

func (s *ReliableStore) Get(ctx context.Context, key domain.Key) (res []byte, err error) {
	err = s.do(ctx, func() error {
		res, err = s.next.Get(ctx, key)
		return err
	})
	return res, err
}

func (s *ReliableStore) Commit(ctx context.Context, c domain.Commit) (existing []byte, err error) {
	err = s.do(ctx, func() error {
		existing, err = s.next.Commit(ctx, c)
		return err
	})
	if err == nil && bytes.Equal(existing, c.Result) {
		// Наш же результат после обрыва ответа: это не повтор чужого действия
		existing = nil
	}
	return existing, err
}

func (s *ReliableStore) Confirm(ctx context.Context, c domain.Commit) error {
	return s.do(ctx, func() error {
		return s.next.Confirm(ctx, c)
	})
}

func (s *ReliableStore) Revoke(ctx context.Context, c domain.Commit) error {
	return s.do(ctx, func() error {
		return s.next.Revoke(ctx, c)
	})
}

func (s *ReliableStore) Records(ctx context.Context, collection string) (recs []domain.ActionRecord, err error) {
	err = s.do(ctx, func() (err error) {
		recs, err = s.next.Records(ctx, collection)
		return err
	})
	return recs, err
}

// Ping идет в обход лимитера и повторов. Разомкнутый предохранитель считается отказом.
func (s *ReliableStore) Ping(ctx context.Context) error {
	if s.cb.State() == gobreaker.StateOpen {
		return gobreaker.ErrOpenState
	}
	if p, ok := s.next.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// State: текущее состояние предохранителя.
func (s *ReliableStore) State() gobreaker.State {
	return s.cb.State()
}

func (s *ReliableStore) do(ctx context.Context, op func() error) error {
	// 1. Rate Limiter
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit exceeded: %w", err)
		}
	}

	// 2. Circuit Breaker
	_, err := s.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(s.attempts),
			retry.Delay(s.delay),
			retry.RetryIf(retryable),
		)
		return nil, r.Do(op)
	})
	return err
}

// Отмену вызывающей стороны и исходы протокола не повторяем
func retryable(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) && !isProtocolOutcome(err)
}

func isProtocolOutcome(err error) bool {
	return errors.Is(err, domain.ErrCommitPending) || errors.Is(err, domain.ErrCommitLost)
}
