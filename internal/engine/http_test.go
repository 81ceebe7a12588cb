package engine

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-tool-gateway/internal/domain"
)

func postJSON(t *testing.T, h http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func getEvents(t *testing.T, h http.Handler) EventsResponse {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tools/audit/events", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var out EventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestRouter_CreateLeadAndReplay(t *testing.T) {
	f := newFixture(t)
	h := NewRouter(f.gw, zap.NewNop())

	first := postJSON(t, h, "/tools/crm/create_lead", baseRequest("req-1", "create_lead"))
	require.Equal(t, http.StatusOK, first.Code)
	assert.NotEmpty(t, first.Header().Get(HeaderTraceID))

	var a map[string]interface{}
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	assert.Equal(t, true, a["ok"])
	assert.NotContains(t, a, "idempotent")

	second := postJSON(t, h, "/tools/crm/create_lead", baseRequest("req-1", "create_lead"))
	require.Equal(t, http.StatusOK, second.Code)

	var b map[string]interface{}
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	assert.Equal(t, true, b["idempotent"])
	assert.Equal(t, a["record"], b["record"])

	events := getEvents(t, h)
	assert.Equal(t, 2, events.Count)
	assert.Equal(t, domain.AuditIdempotentReplay, events.Events[1].Status)
}

func TestRouter_StatusCodes(t *testing.T) {
	tests := []struct {
		name string
		path string
		body interface{}
		code int
	}{
		{name: "missing fields", path: "/tools/crm/create_lead", body: map[string]string{"agent_name": "missing"}, code: http.StatusUnprocessableEntity},
		{name: "malformed json", path: "/tools/crm/create_lead", body: "{not json", code: http.StatusUnprocessableEntity},
		{name: "approval required", path: "/tools/finance/create_invoice", body: baseRequest("r-1", "create_invoice"), code: http.StatusForbidden},
		{name: "unknown endpoint", path: "/tools/crm/nope", body: baseRequest("r-2", "x"), code: http.StatusNotFound},
		{name: "kpis", path: "/tools/finance/get_kpis", body: baseRequest("r-3", "get_kpis"), code: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			h := NewRouter(f.gw, zap.NewNop())

			rec := postJSON(t, h, tt.path, tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
			if tt.code != http.StatusOK {
				var body map[string]string
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.NotEmpty(t, body["error"])
			}
			// Любой исход оставляет ровно одно событие
			assert.Equal(t, 1, getEvents(t, h).Count)
		})
	}
}

func TestRouter_AuditUnavailable(t *testing.T) {
	f := newFixture(t)
	f.storage.fail.Store(true)
	h := NewRouter(f.gw, zap.NewNop())

	rec := postJSON(t, h, "/tools/crm/create_lead", baseRequest("req-1", "create_lead"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouter_AuditLog(t *testing.T) {
	f := newFixture(t)
	h := NewRouter(f.gw, zap.NewNop())

	body := map[string]interface{}{
		"agent_name":       "openclaw-agent",
		"reason":           "manual",
		"business_context": "ops",
		"requested_action": "external_refund",
		"tenant_id":        "tenant-1",
		"account_id":       "acc-1",
		"request_id":       "m-1",
		"approval_token":   "hidden",
		"payload":          map[string]string{"ticket": "OPS-1"},
	}
	rec := postJSON(t, h, "/tools/audit/log", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var res ManualResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.OK)
	assert.Equal(t, domain.AuditManual, res.Event.Status)
	assert.NotContains(t, rec.Body.String(), "hidden")

	body["status"] = "failure"
	rec = postJSON(t, h, "/tools/audit/log", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	assert.Equal(t, 2, getEvents(t, h).Count)
}

func TestRouter_AllToolEndpointsRespond(t *testing.T) {
	f := newFixture(t)
	h := NewRouter(f.gw, zap.NewNop())

	routes := []string{
		"/tools/crm/create_lead",
		"/tools/crm/update_lead",
		"/tools/crm/log_interaction",
		"/tools/orders/create_quote",
		"/tools/orders/create_order",
		"/tools/orders/update_status",
		"/tools/finance/get_kpis",
		"/tools/finance/create_invoice",
		"/tools/ai-battery/estimate",
		"/tools/ai-battery/charge",
		"/tools/audit/log",
	}
	for i, route := range routes {
		req := baseRequest("req-"+route, "create_lead")
		if route == "/tools/finance/create_invoice" || route == "/tools/ai-battery/charge" {
			req.HumanApprovalID = "approval"
		}
		rec := postJSON(t, h, route, req)
		assert.Equal(t, http.StatusOK, rec.Code, route)
		assert.Equal(t, i+1, getEvents(t, h).Count)
	}
}

func TestRouter_TraceIDIsPropagated(t *testing.T) {
	f := newFixture(t)
	h := NewRouter(f.gw, zap.NewNop())

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(baseRequest("req-t", "create_lead")))
	req := httptest.NewRequest(http.MethodPost, "/tools/crm/create_lead", &buf)
	req.Header.Set(HeaderTraceID, "trace-from-agent")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "trace-from-agent", rec.Header().Get(HeaderTraceID))
	assert.Equal(t, "trace-from-agent", getEvents(t, h).Events[0].TraceID)
}

func TestRouter_Health(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	NewRouter(f.gw, zap.NewNop()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
