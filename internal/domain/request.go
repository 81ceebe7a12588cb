package domain

import (
	"fmt"
	"math"
	"net/url"
	"strings"
)

// ActionRequest: единица работы, которую агент отправляет в шлюз.
// Структура не мутирует после Validate: шлюз только читает поля.
type ActionRequest struct {
	AgentName         string  `json:"agent_name"`
	Reason            string  `json:"reason"`
	BusinessContext   string  `json:"business_context"`
	RequestedAction   string  `json:"requested_action"` // Свободное имя действия, по нему ищем чувствительные слова
	AIBatteryEstimate float64 `json:"ai_battery_estimate"`
	TenantID          string  `json:"tenant_id"`
	UserID            string  `json:"user_id,omitempty"`
	AccountID         string  `json:"account_id,omitempty"`
	RequestID         string  `json:"request_id"` // Ключ идемпотентности, выбирает вызывающая сторона

	ApprovalToken   string `json:"approval_token,omitempty"`
	HumanApprovalID string `json:"human_approval_id,omitempty"`

	// Payload непрозрачен для шлюза: только передаем дальше, не заглядываем внутрь
	Payload map[string]interface{} `json:"payload"`
}

// Validate проверяет обязательные поля и инвариант "ровно один из user_id/account_id".
func (r *ActionRequest) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"agent_name", r.AgentName},
		{"reason", r.Reason},
		{"business_context", r.BusinessContext},
		{"requested_action", r.RequestedAction},
		{"tenant_id", r.TenantID},
		{"request_id", r.RequestID},
	}

	var missing []string
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required fields: %s", ErrValidation, strings.Join(missing, ", "))
	}

	if math.IsNaN(r.AIBatteryEstimate) || math.IsInf(r.AIBatteryEstimate, 0) || r.AIBatteryEstimate < 0 {
		return fmt.Errorf("%w: ai_battery_estimate must be a non-negative number", ErrValidation)
	}

	hasUser := r.UserID != ""
	hasAccount := r.AccountID != ""
	switch {
	case !hasUser && !hasAccount:
		return fmt.Errorf("%w: either user_id or account_id is required", ErrValidation)
	case hasUser && hasAccount:
		return fmt.Errorf("%w: only one of user_id or account_id may be set", ErrValidation)
	}
	return nil
}

// Key возвращает ключ идемпотентности запроса (tenant_id + request_id).
func (r *ActionRequest) Key() Key {
	return Key{TenantID: r.TenantID, RequestID: r.RequestID}
}

// CreatedBy: тот идентификатор, который передал вызывающий (user_id или account_id).
func (r *ActionRequest) CreatedBy() string {
	if r.UserID != "" {
		return r.UserID
	}
	return r.AccountID
}

// HasApproval: наличие любого из двух подтверждений. Семантику токена шлюз не различает.
func (r *ActionRequest) HasApproval() bool {
	return r.ApprovalToken != "" || r.HumanApprovalID != ""
}

// Sanitize возвращает копию запроса для аудита без approval_token и human_approval_id.
func (r *ActionRequest) Sanitize() SanitizedRequest {
	return SanitizedRequest{
		AgentName:         r.AgentName,
		Reason:            r.Reason,
		BusinessContext:   r.BusinessContext,
		RequestedAction:   r.RequestedAction,
		AIBatteryEstimate: r.AIBatteryEstimate,
		TenantID:          r.TenantID,
		UserID:            r.UserID,
		AccountID:         r.AccountID,
		RequestID:         r.RequestID,
		Payload:           r.Payload,
	}
}

// SanitizedRequest: форма запроса, которая попадает в аудит.
// Полей с учетными данными подтверждения здесь нет намеренно.
type SanitizedRequest struct {
	AgentName         string                 `json:"agent_name"`
	Reason            string                 `json:"reason"`
	BusinessContext   string                 `json:"business_context"`
	RequestedAction   string                 `json:"requested_action"`
	AIBatteryEstimate float64                `json:"ai_battery_estimate"`
	TenantID          string                 `json:"tenant_id"`
	UserID            string                 `json:"user_id,omitempty"`
	AccountID         string                 `json:"account_id,omitempty"`
	RequestID         string                 `json:"request_id"`
	Payload           map[string]interface{} `json:"payload"`
}

// Key: ключ идемпотентности. Изолирует арендаторов друг от друга.
type Key struct {
	TenantID  string
	RequestID string
}

// String кодирует ключ для хранилищ со строковыми ключами (Redis, мапы).
// Обе части экранируются, поэтому ":" внутри идентификаторов не ломает разбор.
func (k Key) String() string {
	return url.QueryEscape(k.TenantID) + ":" + url.QueryEscape(k.RequestID)
}
