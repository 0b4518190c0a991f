// Package notify реализует исходящую очередь намерений уведомлений и их
// доставку с ограничением частоты и сводками.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"duo-habits/internal/config"
	"duo-habits/internal/docstore"
	"duo-habits/pkg/models"

	"go.uber.org/zap"
)

// Intent намерение отправить уведомление пользователю
type Intent struct {
	UserID    string
	Template  models.NotificationTemplate
	Subject   string
	DedupeKey string // один ключ на одно событие
}

// ID возвращает ID документа намерения
func (i Intent) ID() string {
	if i.DedupeKey != "" {
		return i.DedupeKey
	}
	return string(i.Template) + ":" + i.UserID + ":" + i.Subject
}

// Option настройка очереди и диспетчера
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock подменяет часы
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Outbox исходящая очередь. Повторная постановка того же события ничего не
// меняет, поэтому вызывающий может ставить намерение при каждом повторе.
type Outbox struct {
	docs         docstore.Store
	digest       map[models.NotificationTemplate]bool
	digestWindow time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

// NewOutbox создает исходящую очередь
func NewOutbox(docs docstore.Store, cfg config.NotifyConfig, logger *zap.Logger, opts ...Option) *Outbox {
	o := buildOptions(opts)
	digest := make(map[models.NotificationTemplate]bool, len(cfg.DigestTemplates))
	for _, t := range cfg.DigestTemplates {
		digest[models.NotificationTemplate(t)] = true
	}
	return &Outbox{
		docs:         docs,
		digest:       digest,
		digestWindow: cfg.DigestWindow,
		now:          o.now,
		logger:       logger,
	}
}

func notificationRef(id string) docstore.Ref {
	return docstore.Doc(models.CollectionNotifications, id)
}

func (o *Outbox) data(intent Intent) docstore.Data {
	due := o.now().UTC()
	if o.digest[intent.Template] {
		due = due.Add(o.digestWindow)
	}
	return docstore.Data{
		"userId":    intent.UserID,
		"template":  string(intent.Template),
		"subject":   intent.Subject,
		"status":    string(models.NotificationStatusPending),
		"attempts":  0,
		"dueAt":     due,
		"createdAt": docstore.ServerTimestamp,
	}
}

func validate(intent Intent) error {
	if intent.UserID == "" || intent.Template == "" {
		return models.Errorf(models.ErrInvalidArgument, "неполное намерение уведомления")
	}
	return nil
}

// Enqueue ставит намерение в очередь, если его еще нет
func (o *Outbox) Enqueue(ctx context.Context, intent Intent) error {
	if err := validate(intent); err != nil {
		return err
	}
	err := o.docs.Create(ctx, notificationRef(intent.ID()), o.data(intent))
	if errors.Is(err, docstore.ErrAlreadyExists) {
		o.logger.Debug("намерение уже в очереди", zap.String("notification_id", intent.ID()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("ошибка постановки уведомления: %w", err)
	}
	return nil
}

// EnqueueTx ставит намерение в очередь в рамках бизнес-транзакции
func (o *Outbox) EnqueueTx(ctx context.Context, tx docstore.Tx, intent Intent) error {
	if err := validate(intent); err != nil {
		return err
	}
	_, err := tx.Get(ctx, notificationRef(intent.ID()))
	if err == nil {
		return nil
	}
	if !errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("ошибка чтения уведомления: %w", err)
	}
	return tx.Create(notificationRef(intent.ID()), o.data(intent))
}

// Get возвращает намерение по ID
func (o *Outbox) Get(ctx context.Context, id string) (*models.Notification, error) {
	snap, err := o.docs.Get(ctx, notificationRef(id))
	if err != nil {
		return nil, err
	}
	return decodeNotification(snap)
}

func decodeNotification(snap *docstore.Snapshot) (*models.Notification, error) {
	var n models.Notification
	if err := snap.DataTo(&n); err != nil {
		return nil, err
	}
	n.ID = snap.Ref.ID
	return &n, nil
}
