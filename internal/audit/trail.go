package audit

/*
Файл trail.go реализует журнал аудита ассистента (Audit Trail).

- Non-blocking: Record никогда не блокирует и не возвращает ошибку. Записи уходят
  в буферизованный канал, задержки записи в БД не влияют на время хода.
- Batching: накопление записей и пакетная вставка по таймеру или по размеру пачки.
- Drain Pattern: Stop закрывает вход и ждет, пока воркер допишет остаток.
- Ошибки хранилища не поднимаются в бизнес-логику: они пишутся в отдельный
  операционный логгер "audit-ops" как AuditWriteError.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/studiocrm-agent/internal/domain"
	"github.com/xela07ax/studiocrm-agent/internal/metrics"
	"go.uber.org/zap"
)

// Storage куда физически сохраняются записи. Только добавление.
type Storage interface {
	WriteBatch(ctx context.Context, entries []domain.AuditEntry) error
}

type Config struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

type Trail struct {
	ch      chan domain.AuditEntry
	repo    Storage
	logger  *zap.Logger
	ops     *zap.Logger
	metrics *metrics.Metrics
	cfg     Config
	wg      sync.WaitGroup

	// closeMu не дает отправить в уже закрытый канал
	closeMu sync.RWMutex
	closed  atomic.Bool

	now func() time.Time
}

func NewTrail(repo Storage, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Trail {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Trail{
		ch:      make(chan domain.AuditEntry, cfg.BufferSize),
		repo:    repo,
		logger:  logger.With(zap.String("mod", "audit")),
		ops:     logger.Named("audit-ops"),
		metrics: m,
		cfg:     cfg,
		now:     time.Now,
	}
}

func (t *Trail) Start() {
	t.wg.Add(1)
	go t.worker()
}

// Stop запирает вход в канал и ждет, пока воркер все допишет.
func (t *Trail) Stop() {
	t.closeMu.Lock()
	if t.closed.Swap(true) {
		t.closeMu.Unlock()
		return
	}
	t.logger.Info("stopping audit trail: closing channel and flushing buffer...")
	close(t.ch)
	t.closeMu.Unlock()

	t.wg.Wait()
	t.logger.Info("audit trail stopped gracefully")
}

// Record неблокирующая запись. ID и время проставляются, если не заданы.
func (t *Trail) Record(e domain.AuditEntry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = t.now()
	}

	t.closeMu.RLock()
	defer t.closeMu.RUnlock()

	if t.closed.Load() {
		t.ops.Warn("audit entry dropped: trail is stopping",
			zap.String("id", e.ID), zap.String("action", e.Action))
		t.metrics.AuditDropped.Inc()
		return
	}

	// Load Shedding: при переполнении буфера запись уходит в операционный лог
	select {
	case t.ch <- e:
		t.metrics.AuditBufferFill.Set(float64(len(t.ch)))
	default:
		t.metrics.AuditDropped.Inc()
		t.ops.Error("audit_buffer_overflow",
			zap.String("tenant_id", e.TenantID),
			zap.String("action", e.Action),
			zap.String("status", string(e.Status)),
		)
	}
}

func (t *Trail) worker() {
	defer t.wg.Done()

	batch := make([]domain.AuditEntry, 0, t.cfg.BatchSize)
	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: контекст запроса к этому моменту может быть уже закрыт
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.WriteTimeout)
		err := t.repo.WriteBatch(ctx, batch)
		cancel()
		if err != nil {
			werr := &domain.AuditWriteError{Entries: len(batch), Err: err}
			t.metrics.AuditDropped.Add(float64(len(batch)))
			t.ops.Error("audit flush failed", zap.Error(werr))
		}
		batch = batch[:0]
		t.metrics.AuditBufferFill.Set(float64(len(t.ch)))
	}

	for {
		select {
		case e, ok := <-t.ch:
			if !ok {
				flush() // Финальный сброс
				t.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, e)
			if len(batch) >= t.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
