package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/xela07ax/spaceai-tool-gateway/internal/domain"
)

type entry struct {
	result  []byte
	pending bool
}

// ActionStore: хранилище идемпотентности и коллекций в памяти процесса.
// Один грубый мьютекс на все структуры: подтверждение атомарно для читателей.
type ActionStore struct {
	mu          sync.RWMutex
	results     map[string]*entry
	collections map[string]map[string]domain.ActionRecord
}

func NewActionStore() *ActionStore {
	return &ActionStore{
		results:     make(map[string]*entry),
		collections: make(map[string]map[string]domain.ActionRecord),
	}
}

// Get отдает подтвержденный результат. Резерв без подтверждения дает ErrCommitPending.
func (s *ActionStore) Get(_ context.Context, key domain.Key) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.results[key.String()]
	if !ok {
		return nil, nil
	}
	if e.pending {
		return nil, domain.ErrCommitPending
	}
	return append([]byte(nil), e.result...), nil
}

// Commit резервирует ключ, выигрывает только первый писатель. Для занятого ключа
// возвращается подтвержденный результат или ErrCommitPending. Свой же резерв
// (те же байты результата) считается успехом, так повтор после сбоя безопасен.
func (s *ActionStore) Commit(_ context.Context, c domain.Commit) ([]byte, error) {
	k := c.Key.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.results[k]; ok {
		switch {
		case e.pending && bytes.Equal(e.result, c.Result):
			return nil, nil
		case e.pending:
			return nil, domain.ErrCommitPending
		}
		return append([]byte(nil), e.result...), nil
	}

	s.results[k] = &entry{result: append([]byte(nil), c.Result...), pending: true}
	return nil, nil
}

// Confirm публикует результат и запись коллекции. Повтор подтверждения не ошибка.
func (s *ActionStore) Confirm(_ context.Context, c domain.Commit) error {
	k := c.Key.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.results[k]
	if !ok || !bytes.Equal(e.result, c.Result) {
		return domain.ErrCommitLost
	}
	if !e.pending {
		return nil
	}

	if c.Collection != "" && c.Record != nil {
		coll, ok := s.collections[c.Collection]
		if !ok {
			coll = make(map[string]domain.ActionRecord)
			s.collections[c.Collection] = coll
		}
		coll[k] = c.Record.Clone()
	}
	e.pending = false
	return nil
}

// Revoke снимает только собственный неподтвержденный резерв.
func (s *ActionStore) Revoke(_ context.Context, c domain.Commit) error {
	k := c.Key.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.results[k]; ok && e.pending && bytes.Equal(e.result, c.Result) {
		delete(s.results, k)
	}
	return nil
}

// Records возвращает подтвержденные записи коллекции по времени создания.
func (s *ActionStore) Records(_ context.Context, collection string) ([]domain.ActionRecord, error) {
	s.mu.RLock()
	coll := s.collections[collection]
	out := make([]domain.ActionRecord, 0, len(coll))
	for _, r := range coll {
		out = append(out, r.Clone())
	}
	s.mu.RUnlock()

	sortRecords(out)
	return out, nil
}

func sortRecords(records []domain.ActionRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			if records[i].TenantID == records[j].TenantID {
				return records[i].RequestID < records[j].RequestID
			}
			return records[i].TenantID < records[j].TenantID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}
