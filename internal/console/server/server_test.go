package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-tool-gateway/internal/audit"
	"github.com/xela07ax/spaceai-tool-gateway/internal/catalog"
	"github.com/xela07ax/spaceai-tool-gateway/internal/console/handler"
	"github.com/xela07ax/spaceai-tool-gateway/internal/console/service"
	"github.com/xela07ax/spaceai-tool-gateway/internal/domain"
	"github.com/xela07ax/spaceai-tool-gateway/internal/infra"
)

// memoryLogs фильтрует события из памяти так же, как AuditRepo.FetchLogs.
type memoryLogs struct {
	events []audit.Event
}

func (m *memoryLogs) FetchLogs(_ context.Context, endpoint string, status domain.AuditStatus) ([]audit.Event, error) {
	out := make([]audit.Event, 0, len(m.events))
	for _, e := range m.events {
		if endpoint != "" && e.Endpoint != endpoint {
			continue
		}
		if status != "" && e.Status != status {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

type consoleFixture struct {
	srv  *ConsoleServer
	mr   *miniredis.Miniredis
	rdb  *goredis.Client
	logs *memoryLogs
}

func newConsole(t *testing.T) *consoleFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	storage := audit.NewMemoryStorage()
	log := audit.NewLog(storage, zap.NewNop())
	for _, st := range []domain.AuditStatus{domain.AuditSuccess, domain.AuditFailure, domain.AuditSuccess} {
		_, err := log.Append(context.Background(), audit.Event{Endpoint: catalog.EndpointCreateLead, Status: st})
		require.NoError(t, err)
	}
	_, err := log.Append(context.Background(), audit.Event{Endpoint: catalog.EndpointCharge, Status: domain.AuditFailure})
	require.NoError(t, err)

	events, err := log.List(context.Background())
	require.NoError(t, err)
	logs := &memoryLogs{events: events}

	logger := zap.NewNop()
	srv := NewConsoleServer(logger,
		handler.NewAuditHandler(service.NewAuditService(logs), logger),
		handler.NewEndpointHandler(service.NewEndpointService(catalog.Default(), rdb, logger), logger),
	)
	return &consoleFixture{srv: srv, mr: mr, rdb: rdb, logs: logs}
}

func (f *consoleFixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestConsole_AuditLogsFilter(t *testing.T) {
	f := newConsole(t)

	rec := f.do(t, http.MethodGet, "/v1/audit?endpoint=crm/create_lead&status=success")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count  int           `json:"count"`
		Events []audit.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)

	rec = f.do(t, http.MethodGet, "/v1/audit?status=bogus")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConsole_VerifyChain(t *testing.T) {
	f := newConsole(t)

	rec := f.do(t, http.MethodGet, "/v1/audit/verify")
	require.Equal(t, http.StatusOK, rec.Code)
	var report service.VerifyReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report.OK)
	assert.Equal(t, 4, report.Count)

	// Подмена статуса во втором событии
	f.logs.events[1].Status = domain.AuditSuccess
	rec = f.do(t, http.MethodGet, "/v1/audit/verify")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.False(t, report.OK)
	assert.Equal(t, int64(2), report.BrokenAt)
}

func TestConsole_FreezeAndUnfreeze(t *testing.T) {
	f := newConsole(t)
	ctx := context.Background()

	sub := f.rdb.Subscribe(ctx, infra.RedisChanFreeze)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	ch := sub.Channel()

	rec := f.do(t, http.MethodPost, "/v1/endpoints/orders/create_order/freeze")
	require.Equal(t, http.StatusNoContent, rec.Code)

	ok, err := f.mr.SIsMember(infra.RedisKeyFrozenEndpoints, catalog.EndpointCreateOrder)
	require.NoError(t, err)
	assert.True(t, ok)

	select {
	case msg := <-ch:
		assert.Equal(t, catalog.EndpointCreateOrder+":true", msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("freeze signal was not published")
	}

	rec = f.do(t, http.MethodGet, "/v1/endpoints/")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []service.EndpointView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, len(catalog.Default().Entries()))
	for _, v := range list {
		assert.Equal(t, v.Endpoint == catalog.EndpointCreateOrder, v.Frozen, v.Endpoint)
	}

	rec = f.do(t, http.MethodPost, "/v1/endpoints/orders/create_order/unfreeze")
	require.Equal(t, http.StatusNoContent, rec.Code)
	ok, err = f.mr.SIsMember(infra.RedisKeyFrozenEndpoints, catalog.EndpointCreateOrder)
	require.NoError(t, err)
	assert.False(t, ok)

	select {
	case msg := <-ch:
		assert.Equal(t, catalog.EndpointCreateOrder+":false", msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("unfreeze signal was not published")
	}
}

func TestConsole_FreezeRejectsUnknownAndReadEndpoints(t *testing.T) {
	f := newConsole(t)

	rec := f.do(t, http.MethodPost, "/v1/endpoints/crm/nope/freeze")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/endpoints/finance/get_kpis/freeze")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, f.mr.Exists(infra.RedisKeyFrozenEndpoints))
}

func TestConsole_Health(t *testing.T) {
	f := newConsole(t)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health").Code)
}
