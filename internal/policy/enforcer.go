package policy

import (
	"fmt"
	"strings"

	"github.com/xela07ax/spaceai-tool-gateway/internal/domain"
)

// SensitiveKeywords: подстроки requested_action, которые всегда требуют подтверждения.
var SensitiveKeywords = []string{"refund", "delete", "permission"}

// Rule: статическая привязка эндпоинта к политике из каталога действий.
type Rule struct {
	WriteAllowed     bool
	ApprovalRequired bool
}

// Enforcer: чистая функция решения (PDP), без побочных эффектов.
type Enforcer interface {
	Authorize(rule Rule, req *domain.ActionRequest) error
}

// KeywordEnforcer принимает решение по флагам правила и словарю чувствительных действий.
type KeywordEnforcer struct {
	keywords []string
}

// NewKeywordEnforcer без аргументов использует SensitiveKeywords.
func NewKeywordEnforcer(keywords ...string) *KeywordEnforcer {
	if len(keywords) == 0 {
		keywords = SensitiveKeywords
	}
	lowered := make([]string, 0, len(keywords))
	for _, k := range keywords {
		lowered = append(lowered, strings.ToLower(k))
	}
	return &KeywordEnforcer{keywords: lowered}
}

// IsSensitive: регистронезависимый поиск подстроки. Грубая эвристика:
// "permissions_audit" тоже совпадет с "permission".
func (e *KeywordEnforcer) IsSensitive(action string) bool {
	action = strings.ToLower(action)
	for _, k := range e.keywords {
		if strings.Contains(action, k) {
			return true
		}
	}
	return false
}

// NeedsApproval: статический флаг эндпоинта ИЛИ чувствительное действие.
func (e *KeywordEnforcer) NeedsApproval(rule Rule, req *domain.ActionRequest) bool {
	return rule.ApprovalRequired || e.IsSensitive(req.RequestedAction)
}

// Authorize проверяет сначала право записи, затем наличие подтверждения.
func (e *KeywordEnforcer) Authorize(rule Rule, req *domain.ActionRequest) error {
	if !rule.WriteAllowed {
		return fmt.Errorf("%w: %s", domain.ErrPermissionDenied, domain.MsgReadOnly)
	}
	if e.NeedsApproval(rule, req) && !req.HasApproval() {
		return fmt.Errorf("%w: %s", domain.ErrApprovalRequired, domain.MsgApprovalRequired)
	}
	return nil
}
