// Package poll содержит ограниченное ожидание условия вместо бесконечных
// циклов перепроверки.
package poll

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrConditionNotMet условие не выполнилось за отведенные попытки
var ErrConditionNotMet = errors.New("условие не выполнено")

// Predicate проверяемое условие. Ошибка прекращает ожидание.
type Predicate func(ctx context.Context) (bool, error)

// AwaitCondition проверяет условие не более maxAttempts раз с интервалом
// interval. Возвращает nil, как только условие выполнено.
func AwaitCondition(ctx context.Context, predicate Predicate, maxAttempts int, interval time.Duration) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		ok, err := predicate(ctx)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if !ok {
			return struct{}{}, ErrConditionNotMet
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxTries(uint(maxAttempts)),
	)
	return err
}
