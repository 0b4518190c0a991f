package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"duo-habits/internal/store"
	"duo-habits/pkg/models"
)

// Unlocker открывает пороги наград по пересчитанному числу активаций
type Unlocker interface {
	Unlock(ctx context.Context, userID string) (*models.Ledger, []int, error)
}

// MilestoneSweepJob пересчитывает активации всех пригласивших и открывает
// достигнутые пороги
type MilestoneSweepJob struct {
	users       store.UserRepository
	rewards     Unlocker
	concurrency int
	logger      *zap.Logger
}

// NewMilestoneSweepJob создает джобу открытия порогов
func NewMilestoneSweepJob(users store.UserRepository, rewards Unlocker, concurrency int, logger *zap.Logger) *MilestoneSweepJob {
	if concurrency < 1 {
		concurrency = 1
	}
	return &MilestoneSweepJob{
		users:       users,
		rewards:     rewards,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Name возвращает имя джобы
func (j *MilestoneSweepJob) Name() string {
	return "milestone_sweep"
}

// Run запускает джобу. Ошибка по одному пользователю не останавливает
// обработку остальных.
func (j *MilestoneSweepJob) Run(ctx context.Context) error {
	referrers, err := j.users.ListReferrerIDs(ctx)
	if err != nil {
		return fmt.Errorf("ошибка получения пригласивших: %w", err)
	}

	var unlocked, failed atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(j.concurrency)
	for _, id := range referrers {
		g.Go(func() error {
			_, added, err := j.rewards.Unlock(ctx, id)
			if err != nil {
				failed.Add(1)
				j.logger.Warn("ошибка открытия порогов",
					zap.String("user_id", id),
					zap.Error(err))
				return nil
			}
			unlocked.Add(int64(len(added)))
			return nil
		})
	}
	_ = g.Wait()

	j.logger.Info("пересчет порогов завершен",
		zap.Int("referrers", len(referrers)),
		zap.Int64("unlocked", unlocked.Load()),
		zap.Int64("failed", failed.Load()))
	return nil
}
