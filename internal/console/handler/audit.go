package handler

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-tool-gateway/internal/audit"
	"github.com/xela07ax/spaceai-tool-gateway/internal/console/service"
)

type AuditHandler struct {
	service *service.AuditService
	logger  *zap.Logger
}

func NewAuditHandler(s *service.AuditService, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{service: s, logger: logger}
}

type logsResponse struct {
	Count  int           `json:"count"`
	Events []audit.Event `json:"events"`
}

// GetLogs возвращает список событий аудита с поддержкой фильтрации
// GET /v1/audit?endpoint=...&status=...
func (h *AuditHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	endpoint := r.URL.Query().Get("endpoint")
	status := r.URL.Query().Get("status")

	logs, err := h.service.FetchLogs(r.Context(), endpoint, status)
	if err != nil {
		h.logger.Error("failed to fetch audit logs", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logsResponse{Count: len(logs), Events: logs})
}

// Verify: GET /v1/audit/verify
func (h *AuditHandler) Verify(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Verify(r.Context())
	if err != nil {
		h.logger.Error("failed to verify audit chain", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
