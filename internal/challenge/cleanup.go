package challenge

import (
	"context"
	"sync"
	"time"

	"duo-habits/internal/docstore"
	"duo-habits/internal/store"

	"go.uber.org/zap"
)

const cleanupTimeout = 10 * time.Second

// Cleaner удаляет соло-запись, вытесненную дуо-записью того же челленджа.
// На пару пользователь-челлендж одновременно выполняется не больше одной
// очистки. Ошибки только логируются: следующий выбор записи запланирует
// очистку снова.
type Cleaner struct {
	docs     docstore.Store
	users    store.UserRepository
	logger   *zap.Logger
	inFlight sync.Map
	wg       sync.WaitGroup
}

// NewCleaner создает сервис очистки дублей
func NewCleaner(docs docstore.Store, users store.UserRepository, logger *zap.Logger) *Cleaner {
	return &Cleaner{
		docs:   docs,
		users:  users,
		logger: logger,
	}
}

// Schedule запускает очистку в фоне. Возвращает false, если очистка для
// этой пары уже выполняется.
func (c *Cleaner) Schedule(userID, challengeID string) bool {
	key := userID + "|" + challengeID
	if _, busy := c.inFlight.LoadOrStore(key, struct{}{}); busy {
		return false
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.inFlight.Delete(key)

		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()

		removed, err := c.Run(ctx, userID, challengeID)
		if err != nil {
			c.logger.Warn("ошибка очистки дублей челленджа",
				zap.String("user_id", userID),
				zap.String("challenge_id", challengeID),
				zap.Error(err))
			return
		}
		if removed {
			c.logger.Info("соло-запись вытеснена дуо-записью",
				zap.String("user_id", userID),
				zap.String("challenge_id", challengeID))
		}
	}()
	return true
}

// Run выполняет очистку в одной транзакции по свежему чтению. Повторный
// запуск ничего не меняет.
func (c *Cleaner) Run(ctx context.Context, userID, challengeID string) (bool, error) {
	removed := false
	err := c.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		removed = false
		user, err := c.users.GetTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		entries, changed := WithoutStale(user.CurrentChallenges, challengeID)
		if !changed {
			return nil
		}
		removed = true
		return c.users.SetChallengesTx(tx, userID, entries)
	})
	return removed, err
}

// Wait дожидается завершения запущенных очисток
func (c *Cleaner) Wait() {
	c.wg.Wait()
}
