package audit

/*
Файл agentfs.go реализует архив журнала аудита — асинхронную выгрузку копий событий
во внешнее хранилище (Postgres) пачками.

- Non-blocking: Log никогда не блокирует диспетчеризацию, при переполнении буфера
  событие сбрасывается (Load Shedding) с записью в zap.
- Batching: накопление в памяти и пакетная запись по таймеру или по размеру пачки.
- Drain Pattern: Stop закрывает вход, воркер вычитывает остаток и делает финальный flush.

Архив не является источником правды: решение fail closed принимает основное Storage в Log.
*/

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// BatchWriter определяет, куда физически уходят копии событий
type BatchWriter interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []Event) error
}

// ArchiveConfig: параметры буфера и пачек.
type ArchiveConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

func (c ArchiveConfig) withDefaults() ArchiveConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 500 * time.Millisecond
	}
	return c
}

type AgentFS struct {
	ch     chan Event // Буфер для асинхронности
	repo   BatchWriter
	cfg    ArchiveConfig
	logger *zap.Logger
	wg     sync.WaitGroup

	// closeMu защищает отправку в канал от гонки с close(ch) в Stop
	closeMu sync.RWMutex
	closed  bool

	// onFill вызывается после каждой операции с буфером (метрика backpressure)
	onFill func(n int)
}

func NewAgentFS(repo BatchWriter, cfg ArchiveConfig, logger *zap.Logger) *AgentFS {
	cfg = cfg.withDefaults()
	return &AgentFS{
		ch:     make(chan Event, cfg.BufferSize),
		repo:   repo,
		cfg:    cfg,
		logger: logger.With(zap.String("mod", "agentfs")),
		onFill: func(int) {},
	}
}

// OnBufferFill подключает наблюдателя за заполненностью буфера. Вызывать до Start.
func (fs *AgentFS) OnBufferFill(fn func(n int)) {
	if fn != nil {
		fs.onFill = fn
	}
}

func (fs *AgentFS) Start() {
	fs.wg.Add(1)
	go fs.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (fs *AgentFS) Stop() {
	fs.closeMu.Lock()
	if fs.closed {
		fs.closeMu.Unlock()
		return
	}
	fs.closed = true
	fs.logger.Info("stopping archive: closing channel and flushing buffer...")
	close(fs.ch)
	fs.closeMu.Unlock()

	fs.wg.Wait()
	fs.logger.Info("archive stopped gracefully")
}

func (fs *AgentFS) Log(event Event) {
	fs.closeMu.RLock()
	defer fs.closeMu.RUnlock()

	if fs.closed {
		fs.logger.Warn("archive event dropped: archive is stopping", zap.String("id", event.ID))
		return
	}

	select {
	case fs.ch <- event:
		fs.onFill(len(fs.ch))
	default:
		// Канал переполнен (Backpressure): журнал в основном Storage уже есть, теряем только копию
		fs.logger.Error("audit_archive_overflow",
			zap.String("id", event.ID),
			zap.Int64("seq", event.Seq),
			zap.String("trace_id", event.TraceID),
		)
	}
}

func (fs *AgentFS) worker() {
	defer fs.wg.Done()

	batch := make([]Event, 0, fs.cfg.BatchSize)
	ticker := time.NewTicker(fs.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Используем Background, так как основной контекст может быть уже закрыт
		if err := fs.repo.WriteBatch(context.Background(), batch); err != nil {
			fs.logger.Error("archive flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
		fs.onFill(len(fs.ch))
	}

	for {
		select {
		case event, ok := <-fs.ch:
			if !ok {
				// Канал закрыт в Stop: остаток уже вычитан, делаем финальный сброс
				flush()
				fs.logger.Info("archive worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= fs.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
