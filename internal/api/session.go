package api

import (
	"context"
	"sync"

	"duo-habits/internal/config"
	"duo-habits/internal/docstore"
	"duo-habits/internal/handoff"
	"duo-habits/internal/inbox"
	"duo-habits/internal/metrics"
	"duo-habits/internal/session"
	"duo-habits/internal/store"
	"duo-habits/pkg/models"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

// Session состояние одной клиентской сессии: координатор ссылок и
// наблюдатель входящих делят одно множество обработанных приглашений
type Session struct {
	ID          string
	Processed   *session.ProcessedSet
	Coordinator *handoff.Coordinator
	Watcher     *inbox.Watcher

	logger *zap.Logger

	mu       sync.Mutex
	mount    *inbox.Mount
	mountKey string
	queue    []*models.Invitation
}

// Watch подключает наблюдатель к челленджу. Повторный вызов для той же
// пары пользователь/челлендж ничего не делает. При смене челленджа
// недоставленные приглашения остаются в очереди до Drain.
func (s *Session) Watch(ctx context.Context, userID, challengeID string) error {
	key := userID + "|" + challengeID

	s.mu.Lock()
	if s.mount != nil && s.mountKey == key {
		s.mu.Unlock()
		return nil
	}
	// очередь сохраняется: ее приглашения уже отмечены обработанными
	prev := s.mount
	s.mount, s.mountKey = nil, ""
	s.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}

	m, err := s.Watcher.Mount(ctx, userID, challengeID, s.enqueue)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mount != nil {
		// параллельный запрос успел подключиться первым
		m.Stop()
		return nil
	}
	s.mount, s.mountKey = m, key
	return nil
}

func (s *Session) enqueue(inv *models.Invitation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, inv)
}

// Drain забирает накопленные приглашения
func (s *Session) Drain() []*models.Invitation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	if out == nil {
		return []*models.Invitation{}
	}
	return out
}

// Degraded сообщает, работает ли наблюдатель через широкую подписку
func (s *Session) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mount != nil && s.mount.Degraded()
}

// Close отключает наблюдатель
func (s *Session) Close() {
	s.mu.Lock()
	m := s.mount
	s.mount, s.mountKey = nil, ""
	s.mu.Unlock()
	if m != nil {
		m.Stop()
	}
}

// Sessions ограниченный кэш сессий; вытесненная сессия закрывается
type Sessions struct {
	docs        docstore.Store
	invitations store.InvitationRepository
	handoff     config.HandoffConfig
	inbox       config.InboxConfig
	metrics     *metrics.Metrics
	logger      *zap.Logger

	mu    sync.Mutex
	cache *lru.Cache
}

// NewSessions создает кэш сессий
func NewSessions(docs docstore.Store, invitations store.InvitationRepository, handoffCfg config.HandoffConfig, inboxCfg config.InboxConfig, m *metrics.Metrics, logger *zap.Logger) (*Sessions, error) {
	size := handoffCfg.SessionCacheSize
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.NewWithEvict(size, func(key, value interface{}) {
		if sess, ok := value.(*Session); ok {
			logger.Debug("сессия вытеснена из кэша", zap.String("session_id", sess.ID))
			sess.Close()
		}
	})
	if err != nil {
		return nil, err
	}
	return &Sessions{
		docs:        docs,
		invitations: invitations,
		handoff:     handoffCfg,
		inbox:       inboxCfg,
		metrics:     m,
		logger:      logger,
		cache:       cache,
	}, nil
}

// Get возвращает сессию по ID, создавая ее при необходимости. Пустой ID
// порождает новую сессию со сгенерированным ID.
func (s *Sessions) Get(id string) *Session {
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.cache.Get(id); ok {
		return v.(*Session)
	}

	processed := session.NewProcessedSet(s.handoff.ProcessedCacheSize)
	logger := s.logger.With(zap.String("session_id", id))
	sess := &Session{
		ID:        id,
		Processed: processed,
		Coordinator: handoff.NewCoordinator(s.invitations, s.handoff, s.metrics, logger,
			handoff.WithProcessed(processed)),
		Watcher: inbox.NewWatcher(s.docs, s.invitations, processed, s.inbox, s.metrics, logger),
		logger:  logger,
	}
	s.cache.Add(id, sess)
	return sess
}

// Len возвращает количество активных сессий
func (s *Sessions) Len() int {
	return s.cache.Len()
}

// Close закрывает все сессии
func (s *Sessions) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Purge()
}
