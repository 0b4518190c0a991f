package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"duo-habits/internal/config"
	"duo-habits/internal/docstore"
	"duo-habits/internal/metrics"
	"duo-habits/pkg/models"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

// maxSendAttempts после стольких ошибок доставки намерение помечается failed
const maxSendAttempts = 3

// Message готовое к доставке уведомление. Count больше единицы для сводки.
type Message struct {
	UserID   string
	Template models.NotificationTemplate
	Subject  string
	Count    int
}

// Sender канал доставки уведомлений
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Dispatcher забирает созревшие намерения, схлопывает сводки и доставляет
// их через Sender с ограничением частоты на пару пользователь-шаблон.
// Рассчитан на один экземпляр на развертывание.
type Dispatcher struct {
	docs      docstore.Store
	sender    Sender
	digest    map[models.NotificationTemplate]bool
	batchSize int
	limiter   *rateLimiter
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    *zap.Logger
}

// NewDispatcher создает диспетчер уведомлений
func NewDispatcher(docs docstore.Store, sender Sender, cfg config.NotifyConfig, m *metrics.Metrics, logger *zap.Logger, opts ...Option) *Dispatcher {
	o := buildOptions(opts)
	digest := make(map[models.NotificationTemplate]bool, len(cfg.DigestTemplates))
	for _, t := range cfg.DigestTemplates {
		digest[models.NotificationTemplate(t)] = true
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	return &Dispatcher{
		docs:      docs,
		sender:    sender,
		digest:    digest,
		batchSize: batch,
		limiter:   newRateLimiter(cfg.RateWindow, cfg.RateLimit),
		metrics:   m,
		now:       o.now,
		logger:    logger,
	}
}

type group struct {
	key   string
	items []*models.Notification
}

// Flush доставляет созревшие намерения и возвращает число отправленных сообщений
func (d *Dispatcher) Flush(ctx context.Context) (int, error) {
	now := d.now().UTC()
	q := docstore.NewQuery(models.CollectionNotifications).
		Where("status", docstore.OpEqual, string(models.NotificationStatusPending)).
		OrderByField("dueAt", docstore.Asc).
		WithLimit(d.batchSize)

	snaps, err := d.docs.Query(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("ошибка получения очереди уведомлений: %w", err)
	}

	var groups []*group
	index := make(map[string]*group)
	for _, snap := range snaps {
		n, err := decodeNotification(snap)
		if err != nil {
			d.logger.Warn("пропуск поврежденного уведомления",
				zap.String("notification_id", snap.Ref.ID), zap.Error(err))
			continue
		}
		if n.DueAt.After(now) {
			break
		}
		key := n.ID
		if d.digest[n.Template] {
			key = string(n.Template) + "|" + n.UserID
		}
		g, ok := index[key]
		if !ok {
			g = &group{key: key}
			index[key] = g
			groups = append(groups, g)
		}
		g.items = append(g.items, n)
	}

	sent := 0
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		ok, err := d.deliver(ctx, g, now)
		if err != nil {
			d.logger.Warn("ошибка обработки уведомления",
				zap.String("group", g.key), zap.Error(err))
			continue
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

func (d *Dispatcher) deliver(ctx context.Context, g *group, now time.Time) (bool, error) {
	head := g.items[0]
	if !d.limiter.Allow(head.UserID+"|"+string(head.Template), now) {
		d.logger.Info("уведомление отброшено ограничением частоты",
			zap.String("user_id", head.UserID),
			zap.String("template", string(head.Template)))
		return false, d.mark(ctx, g.items, func(int) models.NotificationStatus {
			return models.NotificationStatusLimited
		})
	}

	msg := Message{
		UserID:   head.UserID,
		Template: head.Template,
		Subject:  head.Subject,
		Count:    len(g.items),
	}
	if err := d.sender.Send(ctx, msg); err != nil {
		d.logger.Warn("ошибка доставки уведомления",
			zap.String("user_id", head.UserID),
			zap.String("template", string(head.Template)),
			zap.Error(err))
		return false, d.retry(ctx, g.items)
	}

	return true, d.mark(ctx, g.items, func(i int) models.NotificationStatus {
		if i == 0 {
			return models.NotificationStatusSent
		}
		return models.NotificationStatusDigested
	})
}

func (d *Dispatcher) mark(ctx context.Context, items []*models.Notification, status func(int) models.NotificationStatus) error {
	err := d.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		for i, n := range items {
			err := tx.Update(notificationRef(n.ID),
				docstore.Update{Path: "status", Value: string(status(i))},
				docstore.Update{Path: "sentAt", Value: docstore.ServerTimestamp},
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i := range items {
		d.metrics.RecordNotification(status(i))
	}
	return nil
}

func (d *Dispatcher) retry(ctx context.Context, items []*models.Notification) error {
	err := d.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		for _, n := range items {
			updates := []docstore.Update{{Path: "attempts", Value: docstore.Increment(1)}}
			if n.Attempts+1 >= maxSendAttempts {
				updates = append(updates, docstore.Update{Path: "status", Value: string(models.NotificationStatusFailed)})
			}
			if err := tx.Update(notificationRef(n.ID), updates...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, n := range items {
		if n.Attempts+1 >= maxSendAttempts {
			d.metrics.RecordNotification(models.NotificationStatusFailed)
		}
	}
	return nil
}

// rateLimiter скользящее окно отправок на ключ
type rateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	hits   *lru.Cache
}

func newRateLimiter(window time.Duration, limit int) *rateLimiter {
	hits, _ := lru.New(4096)
	return &rateLimiter{window: window, limit: limit, hits: hits}
}

// Allow учитывает отправку и сообщает, укладывается ли она в лимит
func (r *rateLimiter) Allow(key string, now time.Time) bool {
	if r.limit <= 0 || r.window <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var previous []time.Time
	if v, ok := r.hits.Get(key); ok {
		previous = v.([]time.Time)
	}
	cutoff := now.Add(-r.window)
	kept := make([]time.Time, 0, len(previous)+1)
	for _, t := range previous {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= r.limit {
		r.hits.Add(key, kept)
		return false
	}
	r.hits.Add(key, append(kept, now))
	return true
}
