package metrics

import (
	"net/http"
	"sync"

	"duo-habits/pkg/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics содержит все метрики приложения
type Metrics struct {
	logger   *zap.Logger
	registry *prometheus.Registry

	// Счетчики
	invitationEvents *prometheus.CounterVec
	outcomes         *prometheus.CounterVec
	rewardsCredited  *prometheus.CounterVec
	handoffOutcomes  *prometheus.CounterVec
	inboxFallbacks   prometheus.Counter
	notifications    *prometheus.CounterVec

	// Гистограммы
	trophiesPerCompletion prometheus.Histogram

	// Gauge метрики
	activeWatchers prometheus.Gauge

	mu sync.RWMutex
}

// New создает новый экземпляр метрик с собственным реестром
func New(logger *zap.Logger) *Metrics {
	m := &Metrics{
		logger:   logger,
		registry: prometheus.NewRegistry(),

		invitationEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "invitation_events_total",
				Help: "События жизненного цикла приглашений",
			},
			[]string{"event"}, // created, claimed, accepted, refused, cancelled, mirrored
		),

		// Исходы явных действий пользователя по коду ошибки
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "operation_outcomes_total",
				Help: "Исходы операций по коду результата",
			},
			[]string{"operation", "code"},
		),

		rewardsCredited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rewards_credited_total",
				Help: "Начисленные трофеи по типу начисления",
			},
			[]string{"kind"},
		),

		handoffOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "handoff_outcomes_total",
				Help: "Результаты обработки ссылок-приглашений",
			},
			[]string{"outcome"},
		),

		inboxFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "inbox_fallbacks_total",
				Help: "Переключения наблюдателя входящих на широкий запрос",
			},
		),

		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_total",
				Help: "Обработанные намерения уведомлений по статусу",
			},
			[]string{"status"},
		),

		trophiesPerCompletion: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "trophies_per_completion",
				Help:    "Трофеи за завершенный челлендж",
				Buckets: []float64{1, 5, 10, 20, 30, 50, 75, 100, 150, 250},
			},
		),

		activeWatchers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "inbox_active_watchers",
				Help: "Количество активных наблюдателей входящих",
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.invitationEvents,
		m.outcomes,
		m.rewardsCredited,
		m.handoffOutcomes,
		m.inboxFallbacks,
		m.notifications,
		m.trophiesPerCompletion,
		m.activeWatchers,
	)

	return m
}

// IncrementCounter увеличивает счетчик
func (m *Metrics) IncrementCounter(name string, labels ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var counter *prometheus.CounterVec

	switch name {
	case "invitation_events_total":
		counter = m.invitationEvents
	case "operation_outcomes_total":
		counter = m.outcomes
	case "handoff_outcomes_total":
		counter = m.handoffOutcomes
	case "notifications_total":
		counter = m.notifications
	case "inbox_fallbacks_total":
		m.inboxFallbacks.Inc()
		return
	default:
		m.logger.Error("неизвестная метрика", zap.String("name", name))
		return
	}

	counter.WithLabelValues(labels...).Inc()
}

// RecordInvitation записывает событие приглашения
func (m *Metrics) RecordInvitation(event string) {
	m.IncrementCounter("invitation_events_total", event)
}

// RecordOutcome записывает исход операции по коду ошибки
func (m *Metrics) RecordOutcome(operation string, err error) {
	m.IncrementCounter("operation_outcomes_total", operation, string(models.Code(err)))
}

// RecordHandoff записывает итог обработки ссылки
func (m *Metrics) RecordHandoff(outcome string) {
	m.IncrementCounter("handoff_outcomes_total", outcome)
}

// RecordInboxFallback записывает переход на широкий запрос
func (m *Metrics) RecordInboxFallback() {
	m.IncrementCounter("inbox_fallbacks_total")
}

// RecordNotification записывает обработанное уведомление
func (m *Metrics) RecordNotification(status models.NotificationStatus) {
	m.IncrementCounter("notifications_total", string(status))
}

// RecordReward записывает начисление трофеев
func (m *Metrics) RecordReward(kind models.EntryKind, amount int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rewardsCredited.WithLabelValues(string(kind)).Add(float64(amount))
	if kind == models.EntryKindTrophies {
		m.trophiesPerCompletion.Observe(float64(amount))
	}
	m.logger.Debug("награда учтена в метриках",
		zap.String("kind", string(kind)),
		zap.Int("amount", amount))
}

// WatcherStarted учитывает запуск наблюдателя входящих
func (m *Metrics) WatcherStarted() {
	m.activeWatchers.Inc()
}

// WatcherStopped учитывает остановку наблюдателя входящих
func (m *Metrics) WatcherStopped() {
	m.activeWatchers.Dec()
}

// Registry возвращает реестр метрик
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler возвращает HTTP handler для метрик
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
