package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-tool-gateway/internal/domain"
)

// Storage: основное хранилище журнала. Его ошибка отклоняет действие (fail closed).
type Storage interface {
	Append(ctx context.Context, e Event) error
	List(ctx context.Context) ([]Event, error)
	// Last нужен, чтобы продолжить seq и цепочку хэшей после рестарта. nil: журнал пуст.
	Last(ctx context.Context) (*Event, error)
}

// ErrSeqConflict: seq уже занят другой записью (второй экземпляр журнала над тем же хранилищем).
var ErrSeqConflict = errors.New("audit seq already taken")

// Сколько раз Append перечитывает хвост при занятом seq.
const maxSeqConflicts = 10

// Auditor: неблокирующий приемник копий событий (архив).
type Auditor interface {
	Log(event Event)
}

// Log является единственной точкой записи в журнал аудита. Append единственная мутирующая операция.
type Log struct {
	mu       sync.Mutex
	storage  Storage
	archive  Auditor
	logger   *zap.Logger
	now      func() time.Time
	seq      int64
	lastHash string
	ready    bool
}

type Option func(*Log)

// WithArchive дублирует принятые события в асинхронный архив (best effort).
func WithArchive(a Auditor) Option {
	return func(l *Log) { l.archive = a }
}

func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

func NewLog(storage Storage, logger *zap.Logger, opts ...Option) *Log {
	l := &Log{
		storage: storage,
		logger:  logger.Named("audit"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Init подтягивает последний seq и хэш из хранилища.
func (l *Log) Init(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.initLocked(ctx)
}

func (l *Log) initLocked(ctx context.Context) error {
	if l.ready {
		return nil
	}
	last, err := l.storage.Last(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to load chain head: %v", domain.ErrAuditUnavailable, err)
	}
	if last != nil {
		l.seq = last.Seq
		l.lastHash = last.Hash
	}
	l.ready = true
	return nil
}

// Append проставляет ID, время, seq и хэши, после чего пишет событие.
// Счетчики сдвигаются только после успешной записи. Любая ошибка хранилища
// сбрасывает кэш головы цепочки: запись могла дойти, а seq мог занять соседний инстанс.
// Отмена ctx вызывающего запись не прерывает.
func (l *Log) Append(ctx context.Context, e Event) (Event, error) {
	ctx = context.WithoutCancel(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	// Postgres хранит микросекунды: без усечения хэш не сойдется после чтения
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)
	if len(e.Detail) == 0 {
		e.Detail = []byte("{}")
	}

	for attempt := 1; ; attempt++ {
		if err := l.initLocked(ctx); err != nil {
			return Event{}, err
		}

		e.Seq = l.seq + 1
		e.PrevHash = l.lastHash
		hash, err := ComputeHash(e)
		if err != nil {
			return Event{}, fmt.Errorf("%w: %v", domain.ErrAuditUnavailable, err)
		}
		e.Hash = hash

		err = l.storage.Append(ctx, e)
		if err == nil {
			break
		}
		l.ready = false

		if errors.Is(err, ErrSeqConflict) && attempt < maxSeqConflicts {
			l.logger.Warn("audit seq taken, reloading chain head",
				zap.Int64("seq", e.Seq),
				zap.Int("attempt", attempt))
			continue
		}
		l.logger.Error("audit append failed",
			zap.String("endpoint", e.Endpoint),
			zap.String("status", string(e.Status)),
			zap.String("trace_id", e.TraceID),
			zap.Error(err))
		return Event{}, fmt.Errorf("%w: %v", domain.ErrAuditUnavailable, err)
	}

	l.seq = e.Seq
	l.lastHash = e.Hash

	if l.archive != nil {
		l.archive.Log(e)
	}
	return e, nil
}

// List возвращает все события в порядке поступления.
func (l *Log) List(ctx context.Context) ([]Event, error) {
	events, err := l.storage.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAuditUnavailable, err)
	}
	return events, nil
}
