// Package inbox показывает входящие приглашения пользователя ровно один раз.
package inbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"duo-habits/internal/config"
	"duo-habits/internal/docstore"
	"duo-habits/internal/metrics"
	"duo-habits/internal/session"
	"duo-habits/internal/store"
	"duo-habits/pkg/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler получает приглашение для показа
type Handler func(inv *models.Invitation)

// Watcher наблюдатель входящих приглашений одной сессии
type Watcher struct {
	docs        docstore.Store
	invitations store.InvitationRepository
	processed   *session.ProcessedSet
	cfg         config.InboxConfig
	metrics     *metrics.Metrics
	logger      *zap.Logger
	now         func() time.Time

	mu            sync.Mutex
	suppressUntil time.Time
}

// Option настройка наблюдателя
type Option func(*Watcher)

// WithClock подменяет часы
func WithClock(now func() time.Time) Option {
	return func(w *Watcher) {
		w.now = now
	}
}

// NewWatcher создает наблюдатель. processed общий с координатором ссылок,
// поэтому приглашение, показанное по ссылке, не показывается повторно.
func NewWatcher(docs docstore.Store, invitations store.InvitationRepository, processed *session.ProcessedSet, cfg config.InboxConfig, m *metrics.Metrics, logger *zap.Logger, opts ...Option) *Watcher {
	w := &Watcher{
		docs:        docs,
		invitations: invitations,
		processed:   processed,
		cfg:         cfg,
		metrics:     m,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Suppress отключает показ на короткое окно после прихода ссылки-приглашения
func (w *Watcher) Suppress() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.suppressUntil = w.now().Add(w.cfg.SuppressionWindow)
}

func (w *Watcher) suppressed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.now().Before(w.suppressUntil)
}

// Mount подписка на входящие одного челленджа
type Mount struct {
	w           *Watcher
	userID      string
	challengeID string
	handler     Handler

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sub      docstore.Subscription
	degraded bool
	started  bool
	stopped  bool
}

// Mount подписывается на входящие приглашения пользователя для челленджа
// и одновременно выполняет разовый запрос уже существующих.
func (w *Watcher) Mount(ctx context.Context, userID, challengeID string, handler Handler) (*Mount, error) {
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m := &Mount{
		w:           w,
		userID:      userID,
		challengeID: challengeID,
		handler:     handler,
		ctx:         subCtx,
		cancel:      cancel,
	}

	var g errgroup.Group
	g.Go(func() error {
		return m.subscribe(subCtx)
	})
	g.Go(func() error {
		pending, err := w.invitations.Pending(ctx, userID, challengeID)
		if err != nil {
			// подписка доставит то же самое при первом снимке
			w.logger.Warn("ошибка разового запроса входящих",
				zap.String("user_id", userID),
				zap.Error(err))
			return nil
		}
		for _, inv := range pending {
			m.deliver(inv)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		m.Stop()
		return nil, err
	}

	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	w.metrics.WatcherStarted()
	w.logger.Info("наблюдатель входящих запущен",
		zap.String("user_id", userID),
		zap.String("challenge_id", challengeID),
		zap.Bool("degraded", m.Degraded()))
	return m, nil
}

func (m *Mount) subscribe(ctx context.Context) error {
	q := m.w.invitations.InboxQuery(m.userID, m.challengeID)
	sub, err := m.w.docs.Subscribe(ctx, q, m.onPrimary, m.onPrimaryError)
	if err == nil {
		m.setSubscription(sub, false)
		return nil
	}
	if errors.Is(err, docstore.ErrClosed) {
		return err
	}
	m.w.logger.Warn("основная подписка на входящие недоступна", zap.Error(err))
	return m.fallback(ctx)
}

// fallback широкая подписка с проверкой условий на клиенте
func (m *Mount) fallback(ctx context.Context) error {
	m.w.metrics.RecordInboxFallback()
	q := m.w.invitations.InboxFallbackQuery(m.userID)
	sub, err := m.w.docs.Subscribe(ctx, q, m.onFallback, m.onFallbackError)
	if err != nil {
		return err
	}
	m.setSubscription(sub, true)
	return nil
}

func (m *Mount) setSubscription(sub docstore.Subscription, degraded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		sub.Stop()
		return
	}
	if m.sub != nil {
		m.sub.Stop()
	}
	m.sub = sub
	m.degraded = degraded
}

func (m *Mount) onPrimary(changes []docstore.Change) {
	for _, ch := range changes {
		if ch.Type != docstore.ChangeAdded {
			continue
		}
		m.deliverSnapshot(ch.Doc)
	}
}

func (m *Mount) onFallback(changes []docstore.Change) {
	for _, ch := range changes {
		// изменение возможно, если документ создан до подключения слушателя
		if ch.Type != docstore.ChangeAdded && ch.Type != docstore.ChangeModified {
			continue
		}
		m.deliverSnapshot(ch.Doc)
	}
}

func (m *Mount) onPrimaryError(err error) {
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped || errors.Is(err, docstore.ErrClosed) {
		return
	}
	m.w.logger.Warn("основная подписка на входящие прервана", zap.Error(err))
	if err := m.fallback(m.ctx); err != nil {
		m.w.logger.Warn("ошибка резервной подписки на входящие", zap.Error(err))
	}
}

func (m *Mount) onFallbackError(err error) {
	if errors.Is(err, docstore.ErrClosed) {
		return
	}
	m.w.logger.Warn("резервная подписка на входящие прервана", zap.Error(err))
}

func (m *Mount) deliverSnapshot(snap *docstore.Snapshot) {
	if snap == nil {
		return
	}
	inv, err := store.DecodeInvitation(snap)
	if err != nil {
		m.w.logger.Warn("ошибка разбора приглашения", zap.String("invitation_id", snap.Ref.ID), zap.Error(err))
		return
	}
	m.deliver(inv)
}

func (m *Mount) deliver(inv *models.Invitation) {
	if inv.Status != models.InvitationStatusPending ||
		inv.ChallengeID != m.challengeID ||
		!inv.IsAddressedTo(m.userID) {
		return
	}
	if m.w.processed.Has(inv.ID) || m.w.suppressed() {
		return
	}
	if !m.w.processed.MarkIfNew(inv.ID) {
		return
	}
	m.handler(inv)
}

// Degraded сообщает, работает ли наблюдатель через широкую подписку
func (m *Mount) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// Stop отменяет подписку
func (m *Mount) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	sub, started := m.sub, m.started
	m.sub = nil
	m.mu.Unlock()

	if sub != nil {
		sub.Stop()
	}
	m.cancel()
	if started {
		m.w.metrics.WatcherStopped()
	}
}
