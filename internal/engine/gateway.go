package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-tool-gateway/internal/audit"
	"github.com/xela07ax/spaceai-tool-gateway/internal/catalog"
	"github.com/xela07ax/spaceai-tool-gateway/internal/domain"
	"github.com/xela07ax/spaceai-tool-gateway/internal/policy"
)

// ActionStore: хранилище идемпотентности и коллекций сущностей.
// Запись двухфазная. Commit резервирует ключ (первый писатель выигрывает), а занятый ключ
// отдает подтвержденный результат победителя или domain.ErrCommitPending. Confirm атомарно
// публикует результат и запись коллекции. До Confirm резерв не виден: Get отдает ErrCommitPending.
type ActionStore interface {
	Get(ctx context.Context, key domain.Key) ([]byte, error)
	Commit(ctx context.Context, c domain.Commit) (existing []byte, err error)
	Confirm(ctx context.Context, c domain.Commit) error
	// Revoke снимает собственный неподтвержденный резерв, если аудит его не принял
	Revoke(ctx context.Context, c domain.Commit) error
	Records(ctx context.Context, collection string) ([]domain.ActionRecord, error)
}

// Pinger: хранилище, умеющее проверить соединение.
type Pinger interface {
	Ping(ctx context.Context) error
}

// FreezeChecker сообщает, закрыт ли эндпоинт на запись оператором.
type FreezeChecker interface {
	IsFrozen(endpoint string) bool
}

type Gateway struct {
	catalog *catalog.Catalog
	pdp     policy.Enforcer
	store   ActionStore
	audit   *audit.Log
	freeze  FreezeChecker
	metrics *Metrics
	logger  *zap.Logger
	locks   *keyLock
	now     func() time.Time

	settleAttempts uint
	settleDelay    time.Duration
}

type Option func(*Gateway)

func WithFreeze(f FreezeChecker) Option {
	return func(g *Gateway) { g.freeze = f }
}

func WithMetrics(m *Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithSettle: сколько раз и с какой паузой ждать чужой неподтвержденный резерв ключа.
func WithSettle(attempts uint, delay time.Duration) Option {
	return func(g *Gateway) {
		if attempts > 0 {
			g.settleAttempts = attempts
		}
		g.settleDelay = delay
	}
}

func NewGateway(cat *catalog.Catalog, pdp policy.Enforcer, store ActionStore, log *audit.Log, logger *zap.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		catalog: cat,
		pdp:     pdp,
		store:   store,
		audit:   log,
		logger:  logger.With(zap.String("mod", "gateway")),
		locks:   newKeyLock(),
		now:     time.Now,

		settleAttempts: 40,
		settleDelay:    25 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.metrics == nil {
		g.metrics = NewMetrics(nil)
	}
	return g
}

// Catalog отдает справочник эндпоинтов (для транспорта и консоли).
func (g *Gateway) Catalog() *catalog.Catalog { return g.catalog }

// Execute: единый пайплайн для всех эндпоинтов каталога:
// проверка запроса → повтор по ключу → политика → коммит → аудит.
// Любой исход, кроме отказа аудита, оставляет ровно одно событие в журнале.
func (g *Gateway) Execute(ctx context.Context, endpoint string, req *domain.ActionRequest) (resp domain.Response, err error) {
	start := time.Now()
	defer func() {
		g.metrics.DispatchDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		g.metrics.DispatchTotal.WithLabelValues(endpoint, outcome(resp, err)).Inc()
	}()

	entry, ok := g.catalog.Lookup(endpoint)
	if !ok {
		return g.reject(ctx, endpoint, req, fmt.Errorf("%w: %s", domain.ErrUnknownEndpoint, endpoint))
	}
	if req == nil {
		return g.reject(ctx, endpoint, nil, fmt.Errorf("%w: empty request", domain.ErrValidation))
	}
	if err := req.Validate(); err != nil {
		return g.reject(ctx, endpoint, req, err)
	}

	key := req.Key()
	unlock := g.locks.Lock(key.String())
	defer unlock()

	existing, err := g.lookup(ctx, key)
	if err != nil {
		return g.reject(ctx, endpoint, req, err)
	}
	if existing != nil {
		return g.replay(ctx, endpoint, req, existing)
	}

	if entry.IsRead() {
		res, err := domain.NewResult(entry.Endpoint, entry.Read(req))
		if err != nil {
			return g.reject(ctx, endpoint, req, err)
		}
		return g.commit(ctx, entry, req, domain.Commit{Key: key}, res)
	}

	rule := entry.Rule()
	if rule.WriteAllowed && g.freeze != nil && g.freeze.IsFrozen(entry.Endpoint) {
		rule.WriteAllowed = false
	}
	if err := g.pdp.Authorize(rule, req); err != nil {
		return g.reject(ctx, endpoint, req, err)
	}

	record := domain.NewActionRecord(req, g.now())
	res, err := domain.NewResult(entry.Endpoint, record)
	if err != nil {
		return g.reject(ctx, endpoint, req, err)
	}
	return g.commit(ctx, entry, req, domain.Commit{Key: key, Collection: entry.Collection, Record: &record}, res)
}

// commit резервирует ключ, пишет success и только после этого публикует результат.
// Если аудит не принял событие, резерв снимается и действие не видно никому.
func (g *Gateway) commit(ctx context.Context, entry catalog.Entry, req *domain.ActionRequest, c domain.Commit, res domain.Result) (domain.Response, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return g.reject(ctx, entry.Endpoint, req, fmt.Errorf("failed to marshal result: %w", err))
	}
	c.Result = raw

	winner, err := g.store.Commit(ctx, c)
	if errors.Is(err, domain.ErrCommitPending) {
		// Ключ держит другой инстанс: ждем исхода, отозванный резерв освобождает ключ
		if winner, err = g.lookup(ctx, c.Key); err == nil && winner == nil {
			winner, err = g.store.Commit(ctx, c)
		}
	}
	if err != nil {
		return g.reject(ctx, entry.Endpoint, req, storeError(err))
	}
	if winner != nil {
		// Другой инстанс успел раньше: отдаем его результат
		return g.replay(ctx, entry.Endpoint, req, winner)
	}

	// Отмена клиента после резерва не должна оставить ключ висеть
	detached := context.WithoutCancel(ctx)

	_, err = g.audit.Append(ctx, audit.Event{
		TraceID:  extractTraceID(ctx),
		Endpoint: entry.Endpoint,
		Status:   domain.AuditSuccess,
		Request:  req.Sanitize(),
		Detail:   raw,
	})
	if err != nil {
		g.metrics.AuditFailures.Inc()
		if rerr := g.store.Revoke(detached, c); rerr != nil {
			g.logger.Error("failed to revoke unaudited commit",
				zap.String("endpoint", entry.Endpoint),
				zap.String("request_id", req.RequestID),
				zap.Error(rerr),
			)
			err = errors.Join(err, rerr)
		}
		return domain.Response{}, err
	}

	if err := g.store.Confirm(detached, c); err != nil {
		// success уже в журнале, а эффект не опубликован: фиксируем отказ вторым событием
		g.logger.Error("audited commit was not published",
			zap.String("endpoint", entry.Endpoint),
			zap.String("request_id", req.RequestID),
			zap.Error(err),
		)
		if rerr := g.store.Revoke(detached, c); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return g.reject(ctx, entry.Endpoint, req, storeError(err))
	}

	g.logger.Info("action dispatched",
		zap.String("endpoint", entry.Endpoint),
		zap.String("tenant_id", req.TenantID),
		zap.String("request_id", req.RequestID),
	)
	return domain.Response{Result: res}, nil
}

// lookup читает результат по ключу. Чужой неподтвержденный резерв ждем, пока его
// подтвердят или отзовут; не дождались: хранилище считается недоступным.
func (g *Gateway) lookup(ctx context.Context, key domain.Key) ([]byte, error) {
	var (
		res  []byte
		last error
	)
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(g.settleAttempts),
		retry.Delay(g.settleDelay),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, domain.ErrCommitPending)
		}),
	)
	err := r.Do(func() error {
		res, last = g.store.Get(ctx, key)
		return last
	})
	if err == nil && last == nil {
		return res, nil
	}
	if last != nil {
		err = last
	}
	return nil, storeError(err)
}

func storeError(err error) error {
	if errors.Is(err, domain.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
}

func (g *Gateway) replay(ctx context.Context, endpoint string, req *domain.ActionRequest, stored []byte) (domain.Response, error) {
	res, err := domain.DecodeResult(stored)
	if err != nil {
		return g.reject(ctx, endpoint, req, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err))
	}

	_, err = g.audit.Append(ctx, audit.Event{
		TraceID:  extractTraceID(ctx),
		Endpoint: endpoint,
		Status:   domain.AuditIdempotentReplay,
		Request:  req.Sanitize(),
		Detail:   stored,
	})
	if err != nil {
		g.metrics.AuditFailures.Inc()
		return domain.Response{}, err
	}

	g.logger.Info("idempotent replay",
		zap.String("endpoint", endpoint),
		zap.String("tenant_id", req.TenantID),
		zap.String("request_id", req.RequestID),
	)
	return domain.Response{Idempotent: true, Result: res}, nil
}

// Reject аудирует отказ, случившийся до диспетчеризации (например, тело запроса не разобралось).
func (g *Gateway) Reject(ctx context.Context, endpoint string, cause error) error {
	_, err := g.reject(ctx, endpoint, nil, cause)
	g.metrics.DispatchTotal.WithLabelValues(endpoint, outcome(domain.Response{}, err)).Inc()
	return err
}

func (g *Gateway) reject(ctx context.Context, endpoint string, req *domain.ActionRequest, cause error) (domain.Response, error) {
	var sanitized domain.SanitizedRequest
	if req != nil {
		sanitized = req.Sanitize()
	}

	_, err := g.audit.Append(ctx, audit.Event{
		TraceID:      extractTraceID(ctx),
		Endpoint:     endpoint,
		Status:       domain.AuditFailure,
		ErrorMessage: cause.Error(),
		Request:      sanitized,
		Detail:       audit.MessageDetail(cause.Error()),
	})
	if err != nil {
		g.metrics.AuditFailures.Inc()
		g.logger.Error("rejection was not audited", zap.String("endpoint", endpoint), zap.Error(err))
		return domain.Response{}, errors.Join(cause, err)
	}

	g.logger.Warn("action rejected",
		zap.String("endpoint", endpoint),
		zap.String("request_id", sanitized.RequestID),
		zap.Error(cause),
	)
	return domain.Response{}, cause
}

// ManualResult: ответ audit/log.
type ManualResult struct {
	OK    bool        `json:"ok"`
	Event audit.Event `json:"event"`
}

// RecordManual пишет событие с классификацией от вызывающей стороны.
// Невалидный запрос аудируется как failure на audit/log.
func (g *Gateway) RecordManual(ctx context.Context, req *domain.AuditLogRequest) (ManualResult, error) {
	if req == nil {
		req = &domain.AuditLogRequest{}
	}
	if err := req.Validate(); err != nil {
		_, err = g.reject(ctx, catalog.EndpointAuditLog, &req.ActionRequest, err)
		g.metrics.DispatchTotal.WithLabelValues(catalog.EndpointAuditLog, outcome(domain.Response{}, err)).Inc()
		return ManualResult{}, err
	}

	e, err := g.audit.Append(ctx, audit.Event{
		TraceID:      extractTraceID(ctx),
		Endpoint:     catalog.EndpointAuditLog,
		Status:       req.Status,
		ErrorMessage: req.ErrorMessage,
		Request:      req.Sanitize(),
		Detail:       audit.JSONDetail(req.Payload),
	})
	if err != nil {
		g.metrics.AuditFailures.Inc()
		g.metrics.DispatchTotal.WithLabelValues(catalog.EndpointAuditLog, "audit_unavailable").Inc()
		return ManualResult{}, err
	}
	g.metrics.DispatchTotal.WithLabelValues(catalog.EndpointAuditLog, string(req.Status)).Inc()
	return ManualResult{OK: true, Event: e}, nil
}

// Events возвращает журнал целиком. Чтение журнала само не аудируется.
func (g *Gateway) Events(ctx context.Context) ([]audit.Event, error) {
	return g.audit.List(ctx)
}

// Health проверяет хранилище, если оно умеет Ping.
func (g *Gateway) Health(ctx context.Context) error {
	p, ok := g.store.(Pinger)
	if !ok {
		return nil
	}
	if err := p.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// Records: содержимое коллекции в порядке создания.
func (g *Gateway) Records(ctx context.Context, collection string) ([]domain.ActionRecord, error) {
	recs, err := g.store.Records(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	return recs, nil
}

// outcome: метка исхода для метрик.
func outcome(resp domain.Response, err error) string {
	switch {
	case err == nil && resp.Idempotent:
		return string(domain.AuditIdempotentReplay)
	case err == nil:
		return string(domain.AuditSuccess)
	case errors.Is(err, domain.ErrAuditUnavailable):
		return "audit_unavailable"
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, domain.ErrApprovalRequired):
		return "approval_required"
	case errors.Is(err, domain.ErrUnknownEndpoint):
		return "unknown_endpoint"
	case errors.Is(err, domain.ErrStoreUnavailable):
		return "store_unavailable"
	}
	return "internal"
}
