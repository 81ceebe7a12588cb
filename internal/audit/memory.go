package audit

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStorage: append-only срез в памяти процесса.
type MemoryStorage struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{events: make([]Event, 0, 128)}
}

// Append принимает только следующий seq, иначе ErrSeqConflict.
func (s *MemoryStorage) Append(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var want int64 = 1
	if n := len(s.events); n > 0 {
		want = s.events[n-1].Seq + 1
	}
	if e.Seq != want {
		return fmt.Errorf("seq %d, next is %d: %w", e.Seq, want, ErrSeqConflict)
	}
	s.events = append(s.events, e)
	return nil
}

// List отдает копию, чтобы вызывающий не мог изменить журнал.
func (s *MemoryStorage) List(_ context.Context) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out, nil
}

func (s *MemoryStorage) Last(_ context.Context) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.events) == 0 {
		return nil, nil
	}
	last := s.events[len(s.events)-1]
	return &last, nil
}
