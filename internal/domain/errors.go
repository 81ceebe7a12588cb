package domain

import "errors"

var (
	// ErrValidation: запрос неполный или нарушает инвариант user_id/account_id.
	ErrValidation = errors.New("validation error")

	// ErrPermissionDenied: попытка записи в read-only эндпоинт.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrApprovalRequired: чувствительное действие без approval_token/human_approval_id.
	ErrApprovalRequired = errors.New("approval required")

	ErrUnknownEndpoint = errors.New("unknown endpoint")

	// ErrAuditUnavailable: аудит не принял событие. Шлюз работает по принципу fail closed:
	// действие без записи в аудите не считается выполненным.
	ErrAuditUnavailable = errors.New("audit trail unavailable")

	ErrStoreUnavailable = errors.New("action store unavailable")

	// ErrCommitPending: ключ зарезервирован другим диспетчером, и его событие еще не в аудите.
	ErrCommitPending = errors.New("idempotency entry is pending audit")

	// ErrCommitLost: резерв исчез или сменил владельца до подтверждения.
	ErrCommitLost = errors.New("idempotency reservation lost")
)

// Сообщения, которые видит вызывающая сторона.
const (
	MsgReadOnly         = "Endpoint is read-only by default and does not allow write operations"
	MsgApprovalRequired = "This action requires approval_token or human_approval_id"
)
