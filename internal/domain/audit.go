package domain

import "fmt"

// AuditStatus: классификация исхода в журнале аудита.
type AuditStatus string

const (
	AuditSuccess          AuditStatus = "success"
	AuditFailure          AuditStatus = "failure"
	AuditIdempotentReplay AuditStatus = "idempotent_replay"
	AuditManual           AuditStatus = "manual"
)

// Valid сообщает, входит ли статус в допустимый набор.
func (s AuditStatus) Valid() bool {
	switch s {
	case AuditSuccess, AuditFailure, AuditIdempotentReplay, AuditManual:
		return true
	}
	return false
}

// AuditLogRequest: ручная запись в аудит (например, исход действия, выполненного вне шлюза).
type AuditLogRequest struct {
	ActionRequest
	Status       AuditStatus `json:"status"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// Validate дополняет проверку ActionRequest правилами для статуса.
// Пустой статус трактуется как "manual".
func (r *AuditLogRequest) Validate() error {
	if err := r.ActionRequest.Validate(); err != nil {
		return err
	}
	if r.Status == "" {
		r.Status = AuditManual
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: unknown audit status %q", ErrValidation, r.Status)
	}
	if r.Status == AuditFailure && r.ErrorMessage == "" {
		return fmt.Errorf("%w: error_message is required for status %q", ErrValidation, AuditFailure)
	}
	if r.Status != AuditFailure && r.ErrorMessage != "" {
		return fmt.Errorf("%w: error_message is only allowed for status %q", ErrValidation, AuditFailure)
	}
	return nil
}
