package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler управляет запуском периодических задач
type Scheduler struct {
	logger *zap.Logger
	jobs   []entry
}

// Job интерфейс для периодических задач
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type entry struct {
	job      Job
	interval time.Duration
}

// NewScheduler создает новый планировщик задач
func NewScheduler(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		logger: logger,
		jobs:   make([]entry, 0),
	}
}

// AddJob добавляет задачу с собственным интервалом
func (s *Scheduler) AddJob(job Job, interval time.Duration) {
	s.jobs = append(s.jobs, entry{job: job, interval: interval})
}

// Start запускает все задачи и блокируется до отмены контекста
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("запуск планировщика задач", zap.Int("jobs_count", len(s.jobs)))

	var wg sync.WaitGroup
	for _, e := range s.jobs {
		if e.interval <= 0 {
			s.logger.Warn("задача отключена: интервал не задан", zap.String("job", e.job.Name()))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, e)
		}()
	}
	wg.Wait()

	s.logger.Info("остановка планировщика задач")
}

func (s *Scheduler) loop(ctx context.Context, e entry) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	// Запускаем задачу сразу при старте
	s.runJob(ctx, e.job)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runJob(ctx, e.job)
		}
	}
}

// runJob запускает задачу; ошибка только логируется, следующий тик повторит
func (s *Scheduler) runJob(ctx context.Context, job Job) {
	s.logger.Debug("запуск задачи", zap.String("job", job.Name()))

	if err := job.Run(ctx); err != nil {
		s.logger.Error("ошибка выполнения задачи",
			zap.Error(err),
			zap.String("job", job.Name()))
	}
}
