package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/xela07ax/spaceai-tool-gateway/internal/audit"
	"github.com/xela07ax/spaceai-tool-gateway/internal/domain"
)

// AuditLogProvider описывает контракт для чтения данных аудита.
type AuditLogProvider interface {
	FetchLogs(ctx context.Context, endpoint string, status domain.AuditStatus) ([]audit.Event, error)
}

type AuditService struct {
	repo AuditLogProvider
}

func NewAuditService(repo AuditLogProvider) *AuditService {
	return &AuditService{repo: repo}
}

// FetchLogs запрашивает события с фильтрацией. Пустые фильтры: весь журнал.
func (s *AuditService) FetchLogs(ctx context.Context, endpoint, status string) ([]audit.Event, error) {
	st := domain.AuditStatus(status)
	if st != "" && !st.Valid() {
		return nil, fmt.Errorf("%w: unknown audit status %q", domain.ErrValidation, status)
	}
	logs, err := s.repo.FetchLogs(ctx, endpoint, st)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to fetch logs: %w", err)
	}
	return logs, nil
}

// VerifyReport: результат проверки цепочки хэшей.
type VerifyReport struct {
	Count    int    `json:"count"`
	OK       bool   `json:"ok"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Verify проходит весь журнал и сообщает первое нарушение цепочки.
func (s *AuditService) Verify(ctx context.Context) (VerifyReport, error) {
	logs, err := s.repo.FetchLogs(ctx, "", "")
	if err != nil {
		return VerifyReport{}, fmt.Errorf("audit_service: failed to fetch logs: %w", err)
	}

	report := VerifyReport{Count: len(logs), OK: true}
	if err := audit.Verify(logs); err != nil {
		var chainErr *audit.ChainError
		if !errors.As(err, &chainErr) {
			return VerifyReport{}, err
		}
		report.OK = false
		report.BrokenAt = chainErr.Seq
		report.Reason = chainErr.Reason
	}
	return report, nil
}
