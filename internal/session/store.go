// Package session хранит разговорные сессии пар (tenant, user): рабочую память,
// ограниченную историю и ссылку на внешний тред планировщика.
//
// Store это явный конкурентный кэш с сериализацией по ключу: у каждой записи свой мьютекс
// данных и свой семафор хода. Изменения памяти и истории одной пары не теряются при
// параллельных запросах. Опциональное зеркало в Redis переживает рестарт процесса и Prune.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/studiocrm-agent/internal/domain"
	"go.uber.org/zap"
)

var ErrSessionNotFound = errors.New("session not found")

// Mirror долговременная копия сессий. Ошибки зеркала не фатальны.
type Mirror interface {
	Save(ctx context.Context, s *domain.Session) error
	// Load возвращает nil, nil если снимка нет.
	Load(ctx context.Context, tenantID, userID string) (*domain.Session, error)
}

type entry struct {
	turn chan struct{} // семафор хода, емкость 1
	mu   sync.Mutex
	sess *domain.Session
}

func (e *entry) snapshot() *domain.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.Clone()
}

type Store struct {
	mu    sync.RWMutex
	byKey map[string]*entry
	byID  map[string]*entry

	mirror       Mirror
	historyLimit int
	logger       *zap.Logger
	now          func() time.Time
}

func NewStore(historyLimit int, mirror Mirror, logger *zap.Logger) *Store {
	if historyLimit <= 0 {
		historyLimit = domain.DefaultHistoryLimit
	}
	return &Store{
		byKey:        make(map[string]*entry),
		byID:         make(map[string]*entry),
		mirror:       mirror,
		historyLimit: historyLimit,
		logger:       logger.Named("sessions"),
		now:          time.Now,
	}
}

func key(tenantID, userID string) string { return tenantID + "\x00" + userID }

// LoadOrCreate отдает снимок сессии, создавая ее при первом обращении пары.
func (s *Store) LoadOrCreate(ctx context.Context, tenantID, userID string) (*domain.Session, error) {
	e, err := s.ensure(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	return e.snapshot(), nil
}

func (s *Store) ensure(ctx context.Context, tenantID, userID string) (*entry, error) {
	if tenantID == "" || userID == "" {
		return nil, errors.New("session: tenant and user are required")
	}
	k := key(tenantID, userID)

	s.mu.RLock()
	e, ok := s.byKey[k]
	s.mu.RUnlock()
	if ok {
		return e, nil
	}

	// Сетевой вызов в зеркало делаем вне глобальной блокировки
	var restored *domain.Session
	if s.mirror != nil {
		var err error
		restored, err = s.mirror.Load(ctx, tenantID, userID)
		if err != nil {
			s.logger.Warn("session mirror load failed, starting fresh",
				zap.String("tenant_id", tenantID), zap.Error(err))
			restored = nil
		}
	}

	s.mu.Lock()
	if e, ok := s.byKey[k]; ok {
		s.mu.Unlock()
		return e, nil
	}
	sess := s.normalize(restored, tenantID, userID)
	e = &entry{turn: make(chan struct{}, 1), sess: sess}
	s.byKey[k] = e
	s.byID[sess.ID] = e
	s.mu.Unlock()

	if restored == nil {
		e.mu.Lock()
		s.persist(ctx, e)
		e.mu.Unlock()
		s.logger.Debug("session created", zap.String("tenant_id", tenantID), zap.String("session_id", sess.ID))
	}
	return e, nil
}

func (s *Store) normalize(restored *domain.Session, tenantID, userID string) *domain.Session {
	now := s.now()
	if restored == nil || restored.ID == "" {
		return &domain.Session{
			ID:              uuid.New().String(),
			TenantID:        tenantID,
			UserID:          userID,
			ThreadRef:       domain.ThreadPending,
			WorkingMemory:   map[string]interface{}{},
			History:         []domain.Message{},
			CreatedAt:       now,
			LastInteraction: now,
		}
	}
	restored.TenantID, restored.UserID = tenantID, userID
	if restored.ThreadRef == "" {
		restored.ThreadRef = domain.ThreadPending
	}
	if restored.WorkingMemory == nil {
		restored.WorkingMemory = map[string]interface{}{}
	}
	restored.History = s.trim(restored.History)
	return restored
}

func (s *Store) byIDLocked(sessionID string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e, nil
}

// MergeMemory поверхностно перезаписывает ключи рабочей памяти, отсутствующие ключи сохраняются.
// Ссылка на тред назначается ровно один раз, пока сессия в состоянии pending.
func (s *Store) MergeMemory(ctx context.Context, sessionID string, partial map[string]interface{}, threadRef *string, summary *string) error {
	e, err := s.byIDLocked(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for k, v := range partial {
		e.sess.WorkingMemory[k] = v
	}
	if threadRef != nil && *threadRef != "" && *threadRef != domain.ThreadPending {
		switch {
		case !e.sess.HasThread():
			e.sess.ThreadRef = *threadRef
		case e.sess.ThreadRef != *threadRef:
			s.logger.Warn("thread already linked, ignoring new reference",
				zap.String("session_id", sessionID),
				zap.String("thread_ref", e.sess.ThreadRef),
				zap.String("rejected_ref", *threadRef))
		}
	}
	if summary != nil {
		e.sess.LastSummary = *summary
	}
	e.sess.LastInteraction = s.now()
	e.sess.TurnCount++

	s.persist(ctx, e)
	return nil
}

// AppendMessage добавляет сообщение. При превышении емкости старейшие записи отбрасываются (FIFO).
func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg domain.Message) error {
	e, err := s.byIDLocked(sessionID)
	if err != nil {
		return err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.sess.History = s.trim(append(e.sess.History, msg))
	e.sess.LastInteraction = s.now()

	s.persist(ctx, e)
	return nil
}

// trim оставляет хвост длиной historyLimit в новом массиве, чтобы не держать старый backing array.
func (s *Store) trim(h []domain.Message) []domain.Message {
	if len(h) <= s.historyLimit {
		return h
	}
	out := make([]domain.Message, s.historyLimit)
	copy(out, h[len(h)-s.historyLimit:])
	return out
}

func (s *Store) GetHistory(ctx context.Context, sessionID string) ([]domain.Message, error) {
	e, err := s.byIDLocked(sessionID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.Message(nil), e.sess.History...), nil
}

// LockTurn сериализует ходы одной пары (tenant, user). Ожидание прерывается контекстом.
func (s *Store) LockTurn(ctx context.Context, tenantID, userID string) (func(), error) {
	for {
		e, err := s.ensure(ctx, tenantID, userID)
		if err != nil {
			return nil, err
		}
		select {
		case e.turn <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		// Запись могли вытеснить, пока мы ждали: берем актуальную
		s.mu.RLock()
		current := s.byKey[key(tenantID, userID)]
		s.mu.RUnlock()
		if current == e {
			var once sync.Once
			return func() { once.Do(func() { <-e.turn }) }, nil
		}
		<-e.turn
	}
}

// Prune вытесняет из памяти сессии без активности дольше idle и без текущего хода.
// Данные остаются в зеркале и будут восстановлены при следующем обращении.
func (s *Store) Prune(idle time.Duration) int {
	cutoff := s.now().Add(-idle)

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for k, e := range s.byKey {
		select {
		case e.turn <- struct{}{}:
		default:
			continue // идет ход
		}
		e.mu.Lock()
		stale := e.sess.LastInteraction.Before(cutoff)
		id := e.sess.ID
		e.mu.Unlock()
		if stale {
			delete(s.byKey, k)
			delete(s.byID, id)
			evicted++
		}
		<-e.turn
	}
	if evicted > 0 {
		s.logger.Info("idle sessions evicted", zap.Int("count", evicted))
	}
	return evicted
}

// Len количество сессий в памяти.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byKey)
}

// persist вызывается под e.mu, поэтому записи одной сессии в зеркало упорядочены.
func (s *Store) persist(ctx context.Context, e *entry) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Save(ctx, e.sess); err != nil {
		s.logger.Warn("session mirror save failed",
			zap.String("session_id", e.sess.ID), zap.Error(err))
	}
}
