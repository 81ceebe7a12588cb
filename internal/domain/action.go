package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActionRecord: долговременный эффект успешно выполненного write-действия.
type ActionRecord struct {
	RequestID       string                 `json:"request_id"`
	TenantID        string                 `json:"tenant_id"`
	RequestedAction string                 `json:"requested_action"`
	Payload         map[string]interface{} `json:"payload"`
	CreatedBy       string                 `json:"created_by"`
	CreatedAt       time.Time              `json:"created_at"`
}

// NewActionRecord строит запись из провалидированного запроса.
// Payload копируется: запись не делит вложенные map и срезы с запросом.
func NewActionRecord(req *ActionRequest, now time.Time) ActionRecord {
	return ActionRecord{
		RequestID:       req.RequestID,
		TenantID:        req.TenantID,
		RequestedAction: req.RequestedAction,
		Payload:         copyPayload(req.Payload),
		CreatedBy:       req.CreatedBy(),
		CreatedAt:       now.UTC(),
	}
}

// Clone возвращает запись с глубокой копией payload.
func (r ActionRecord) Clone() ActionRecord {
	r.Payload = copyPayload(r.Payload)
	return r
}

func copyPayload(src map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(src))
	for k, v := range src {
		out[k] = copyValue(v)
	}
	return out
}

// copyValue повторяет только контейнеры, которые дает encoding/json
func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return copyPayload(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	}
	return v
}

// Result: то, что шлюз вернул при первом выполнении. В хранилище идемпотентности
// лежит его JSON как есть, повтор отдает те же байты.
type Result struct {
	OK       bool            `json:"ok"`
	Endpoint string          `json:"endpoint"`
	Record   json.RawMessage `json:"record"`
}

// NewResult маршалит запись и собирает успешный результат.
func NewResult(endpoint string, record interface{}) (Result, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal record: %w", err)
	}
	return Result{OK: true, Endpoint: endpoint, Record: raw}, nil
}

// Response: ответ агенту. Для повтора выставляется Idempotent.
type Response struct {
	Idempotent bool `json:"idempotent,omitempty"`
	Result
}

// DecodeRecord разбирает Record в переданную структуру.
func (r Result) DecodeRecord(v interface{}) error {
	return json.Unmarshal(r.Record, v)
}

// DecodeResult восстанавливает результат из сохраненных байтов.
func DecodeResult(data []byte) (Result, error) {
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return Result{}, fmt.Errorf("corrupted idempotency entry: %w", err)
	}
	return res, nil
}

// Commit описывает атомарную единицу записи: запись в коллекцию и сохранение результата идемпотентности.
// Хранилище сначала резервирует ключ (pending), и только Confirm после аудита
// делает результат и запись видимыми. Наблюдатель видит либо обе части, либо ни одной.
type Commit struct {
	Key        Key
	Collection string        // Пусто для синтетического чтения: только результат
	Record     *ActionRecord // nil, если Collection пуста
	Result     []byte        // JSON Result, отдается при повторе байт-в-байт
}
