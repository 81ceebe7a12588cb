package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-tool-gateway/internal/console/service"
)

type EndpointHandler struct {
	service *service.EndpointService
	logger  *zap.Logger
}

func NewEndpointHandler(s *service.EndpointService, logger *zap.Logger) *EndpointHandler {
	return &EndpointHandler{service: s, logger: logger}
}

// Routes Маршруты для Chi
func (h *EndpointHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/{family}/{action}/freeze", h.Freeze)     // POST /v1/endpoints/crm/create_lead/freeze
	r.Post("/{family}/{action}/unfreeze", h.Unfreeze) // Снятие заморозки
	return r
}

func (h *EndpointHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list endpoints", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *EndpointHandler) Freeze(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.service.Freeze)
}

func (h *EndpointHandler) Unfreeze(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.service.Unfreeze)
}

func (h *EndpointHandler) toggle(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, endpoint string) error) {
	endpoint := chi.URLParam(r, "family") + "/" + chi.URLParam(r, "action")

	// Ждем и записи в Redis, и сигнала, чтобы оператор видел итоговое состояние
	if err := apply(r.Context(), endpoint); err != nil {
		h.logger.Warn("failed to change endpoint state", zap.String("endpoint", endpoint), zap.Error(err))
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
