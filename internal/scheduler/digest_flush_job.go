package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Flusher доставляет накопленные уведомления
type Flusher interface {
	Flush(ctx context.Context) (int, error)
}

// DigestFlushJob отправляет уведомления, срок которых наступил
type DigestFlushJob struct {
	dispatcher Flusher
	logger     *zap.Logger
}

// NewDigestFlushJob создает джобу отправки уведомлений
func NewDigestFlushJob(dispatcher Flusher, logger *zap.Logger) *DigestFlushJob {
	return &DigestFlushJob{
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Name возвращает имя джобы
func (j *DigestFlushJob) Name() string {
	return "digest_flush"
}

// Run запускает джобу
func (j *DigestFlushJob) Run(ctx context.Context) error {
	sent, err := j.dispatcher.Flush(ctx)
	if err != nil {
		return fmt.Errorf("ошибка отправки уведомлений: %w", err)
	}
	if sent > 0 {
		j.logger.Info("уведомления отправлены", zap.Int("count", sent))
	}
	return nil
}
