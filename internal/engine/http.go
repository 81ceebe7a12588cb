package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-tool-gateway/internal/audit"
	"github.com/xela07ax/spaceai-tool-gateway/internal/catalog"
	"github.com/xela07ax/spaceai-tool-gateway/internal/domain"
)

// Тело запроса больше не читаем
const maxBodyBytes = 1 << 20

type EventsResponse struct {
	Count  int           `json:"count"`
	Events []audit.Event `json:"events"`
}

// NewRouter регистрирует маршруты /tools поверх Gateway.
func NewRouter(g *Gateway, logger *zap.Logger) http.Handler {
	h := &httpHandler{gw: g, logger: logger.Named("http")}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(TracingMiddleware)
	r.Use(AccessLog(logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := g.Health(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/tools", func(r chi.Router) {
		// Статические маршруты аудита приоритетнее шаблона {family}/{action}
		r.Post("/audit/log", h.auditLog)
		r.Get("/audit/events", h.auditEvents)
		r.Post("/{family}/{action}", h.execute)
	})
	return r
}

type httpHandler struct {
	gw     *Gateway
	logger *zap.Logger
}

func (h *httpHandler) execute(w http.ResponseWriter, r *http.Request) {
	endpoint := chi.URLParam(r, "family") + "/" + chi.URLParam(r, "action")

	if _, ok := h.gw.Catalog().Lookup(endpoint); !ok {
		// Неизвестный путь не тратит время на разбор тела, но попадает в аудит
		writeError(w, h.gw.Reject(r.Context(), endpoint, fmt.Errorf("%w: %s", domain.ErrUnknownEndpoint, endpoint)))
		return
	}

	var req domain.ActionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, h.gw.Reject(r.Context(), endpoint, err))
		return
	}

	resp, err := h.gw.Execute(r.Context(), endpoint, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *httpHandler) auditLog(w http.ResponseWriter, r *http.Request) {
	var req domain.AuditLogRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, h.gw.Reject(r.Context(), catalog.EndpointAuditLog, err))
		return
	}

	res, err := h.gw.RecordManual(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *httpHandler) auditEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.gw.Events(r.Context())
	if err != nil {
		h.logger.Error("failed to list audit events", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, EventsResponse{Count: len(events), Events: events})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		return fmt.Errorf("%w: malformed JSON body: %v", domain.ErrValidation, err)
	}
	return nil
}

// HTTPStatus: соответствие доменных ошибок кодам ответа. Отказ аудита проверяется первым:
// он может прийти вместе с причиной отказа.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrAuditUnavailable), errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrPermissionDenied), errors.Is(err, domain.ErrApprovalRequired):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrUnknownEndpoint):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, HTTPStatus(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
