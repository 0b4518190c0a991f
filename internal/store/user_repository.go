package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"duo-habits/internal/docstore"
	"duo-habits/pkg/models"

	"go.uber.org/zap"
)

// UserRepository интерфейс для работы с пользователями
type UserRepository interface {
	Get(ctx context.Context, id string) (*models.User, error)
	Register(ctx context.Context, id string, req models.RegisterUserRequest) (*models.User, error)
	ListReferrerIDs(ctx context.Context) ([]string, error)

	GetTx(ctx context.Context, tx docstore.Tx, id string) (*models.User, error)
	SetChallengesTx(tx docstore.Tx, userID string, current []models.ChallengeEntry) error
	ArchiveTx(tx docstore.Tx, userID string, current []models.ChallengeEntry, completed models.CompletedChallenge, longestStreak int) error
	MarkActivatedTx(tx docstore.Tx, userID string) error
	CountActivatedTx(ctx context.Context, tx docstore.Tx, referrerID string) (int, error)
}

// userRepository реализует UserRepository
type userRepository struct {
	docs   docstore.Store
	logger *zap.Logger
}

// NewUserRepository создает новый репозиторий пользователей
func NewUserRepository(docs docstore.Store, logger *zap.Logger) UserRepository {
	return &userRepository{
		docs:   docs,
		logger: logger,
	}
}

func userRef(id string) docstore.Ref {
	return docstore.Doc(models.CollectionUsers, id)
}

// DecodeUser строит пользователя из снимка документа
func DecodeUser(snap *docstore.Snapshot) (*models.User, error) {
	u, err := decode[models.User](snap)
	if err != nil {
		return nil, err
	}
	u.ID = snap.Ref.ID
	return u, nil
}

// Get получает пользователя по ID
func (r *userRepository) Get(ctx context.Context, id string) (*models.User, error) {
	snap, err := r.docs.Get(ctx, userRef(id))
	if err != nil {
		return nil, fmt.Errorf("ошибка получения пользователя: %w", MapErr(err))
	}
	return DecodeUser(snap)
}

// GetTx читает пользователя внутри транзакции
func (r *userRepository) GetTx(ctx context.Context, tx docstore.Tx, id string) (*models.User, error) {
	snap, err := tx.Get(ctx, userRef(id))
	if err != nil {
		return nil, fmt.Errorf("ошибка получения пользователя: %w", MapErr(err))
	}
	return DecodeUser(snap)
}

// Register создает или дополняет документ пользователя. Пригласивший
// записывается только один раз.
func (r *userRepository) Register(ctx context.Context, id string, req models.RegisterUserRequest) (*models.User, error) {
	if id == "" {
		return nil, models.Errorf(models.ErrInvalidArgument, "не указан пользователь")
	}
	if req.ReferrerID == id {
		return nil, models.Errorf(models.ErrInvalidArgument, "нельзя указать себя пригласившим")
	}

	err := r.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		existing, err := r.GetTx(ctx, tx, id)
		exists := err == nil
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return err
		}

		data := docstore.Data{"updatedAt": docstore.ServerTimestamp}
		if req.Username != "" {
			data["username"] = req.Username
		}
		if req.Locale != "" {
			data["locale"] = req.Locale
		}
		if req.TelegramChatID != 0 {
			data["telegramChatId"] = req.TelegramChatID
		}
		if !exists {
			data["createdAt"] = docstore.ServerTimestamp
			data["activated"] = false
			data["CurrentChallenges"] = []any{}
		}
		if req.ReferrerID != "" && (!exists || existing.ReferrerID == "") {
			data["referrerId"] = req.ReferrerID
		}
		return tx.Set(userRef(id), data, docstore.Merge)
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка регистрации пользователя: %w", MapErr(err))
	}

	r.logger.Info("пользователь зарегистрирован",
		zap.String("user_id", id),
		zap.String("referrer_id", req.ReferrerID))

	return r.Get(ctx, id)
}

func encodeEntries(entries []models.ChallengeEntry) []any {
	out := make([]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Encode())
	}
	return out
}

// SetChallengesTx перезаписывает список текущих челленджей пользователя
func (r *userRepository) SetChallengesTx(tx docstore.Tx, userID string, current []models.ChallengeEntry) error {
	return tx.Set(userRef(userID), docstore.Data{
		"CurrentChallenges": encodeEntries(current),
		"updatedAt":         docstore.ServerTimestamp,
	}, docstore.Merge)
}

// ArchiveTx убирает завершенный челлендж из текущих и добавляет его в архив
func (r *userRepository) ArchiveTx(tx docstore.Tx, userID string, current []models.ChallengeEntry, completed models.CompletedChallenge, longestStreak int) error {
	return tx.Set(userRef(userID), docstore.Data{
		"CurrentChallenges":   encodeEntries(current),
		"CompletedChallenges": docstore.ArrayUnion(completed),
		"longestStreak":       longestStreak,
		"updatedAt":           docstore.ServerTimestamp,
	}, docstore.Merge)
}

// MarkActivatedTx отмечает пользователя активированным
func (r *userRepository) MarkActivatedTx(tx docstore.Tx, userID string) error {
	return tx.Update(userRef(userID),
		docstore.Update{Path: "activated", Value: true},
		docstore.Update{Path: "activatedAt", Value: docstore.ServerTimestamp},
		docstore.Update{Path: "updatedAt", Value: docstore.ServerTimestamp},
	)
}

// CountActivatedTx пересчитывает активированных приглашенных запросом
func (r *userRepository) CountActivatedTx(ctx context.Context, tx docstore.Tx, referrerID string) (int, error) {
	q := docstore.NewQuery(models.CollectionUsers).
		Where("referrerId", docstore.OpEqual, referrerID).
		Where("activated", docstore.OpEqual, true)
	n, err := tx.Count(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчета активаций: %w", MapErr(err))
	}
	return n, nil
}

// ListReferrerIDs возвращает пригласивших хотя бы одного активированного пользователя
func (r *userRepository) ListReferrerIDs(ctx context.Context) ([]string, error) {
	snaps, err := r.docs.Query(ctx, docstore.NewQuery(models.CollectionUsers).
		Where("activated", docstore.OpEqual, true))
	if err != nil {
		return nil, fmt.Errorf("ошибка получения пользователей: %w", MapErr(err))
	}

	seen := make(map[string]bool)
	var out []string
	for _, snap := range snaps {
		referrer, _ := snap.Data["referrerId"].(string)
		if referrer != "" && !seen[referrer] {
			seen[referrer] = true
			out = append(out, referrer)
		}
	}
	sort.Strings(out)
	return out, nil
}
