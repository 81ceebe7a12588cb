package audit

import (
	"encoding/json"
	"time"

	"github.com/xela07ax/spaceai-tool-gateway/internal/domain"
)

type Event struct {
	ID           string                  `json:"id"`       // UUID события
	Seq          int64                   `json:"seq"`      // Порядок поступления в журнал, с 1
	TraceID      string                  `json:"trace_id"` // Сквозной ID запроса
	Timestamp    time.Time               `json:"timestamp"`
	Endpoint     string                  `json:"endpoint"`
	Status       domain.AuditStatus      `json:"status"`
	ErrorMessage string                  `json:"error_message,omitempty"` // Только для status = failure
	Request      domain.SanitizedRequest `json:"request"`                 // Без approval_token/human_approval_id
	Detail       json.RawMessage         `json:"detail"`                  // Результат или описание ошибки

	// Цепочка для обнаружения подмены
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}

// messageDetail: detail для отказов.
type messageDetail struct {
	Message string `json:"message"`
}

// MessageDetail кодирует текст ошибки в detail.
func MessageDetail(msg string) json.RawMessage {
	raw, _ := json.Marshal(messageDetail{Message: msg})
	return raw
}

// JSONDetail кодирует произвольное значение в detail. Ошибка маршалинга
// превращается в текстовое описание, чтобы событие все равно попало в журнал.
func JSONDetail(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return MessageDetail("detail not serializable: " + err.Error())
	}
	return raw
}
