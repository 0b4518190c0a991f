package user

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"duo-habits/internal/i18n"
	"duo-habits/internal/store"
	"duo-habits/pkg/models"

	"go.uber.org/zap"
)

const maxUsernameLength = 64

// Service представляет сервис для работы с пользователями
type Service struct {
	store  store.Store
	logger *zap.Logger
}

// NewService создает новый сервис пользователей
func NewService(store store.Store, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
	}
}

// NormalizeUsername убирает пробелы и ведущий @
func NormalizeUsername(username string) string {
	return strings.TrimPrefix(strings.TrimSpace(username), "@")
}

// Register создает пользователя или обновляет профиль существующего.
// Пригласивший должен существовать и задается только один раз.
func (s *Service) Register(ctx context.Context, userID string, req models.RegisterUserRequest) (*models.User, error) {
	req.Username = NormalizeUsername(req.Username)
	if len(req.Username) > maxUsernameLength {
		return nil, models.Errorf(models.ErrInvalidArgument, "имя пользователя длиннее %d символов", maxUsernameLength)
	}
	if req.Locale != "" {
		req.Locale = i18n.Match(req.Locale).String()
	}

	if req.ReferrerID != "" {
		if _, err := s.store.User().Get(ctx, req.ReferrerID); err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return nil, models.Errorf(models.ErrInvalidArgument, "пригласивший %s не найден", req.ReferrerID)
			}
			return nil, fmt.Errorf("ошибка проверки пригласившего: %w", err)
		}
	}

	user, err := s.store.User().Register(ctx, userID, req)
	if err != nil {
		return nil, err
	}
	user.ID = userID

	if user.ReferrerID != "" && user.ReferrerID != req.ReferrerID && req.ReferrerID != "" {
		s.logger.Info("пригласивший уже задан, новое значение проигнорировано",
			zap.String("user_id", userID),
			zap.String("referrer_id", user.ReferrerID),
			zap.String("requested_referrer_id", req.ReferrerID))
	}
	return user, nil
}

// Profile сводка по пользователю для отображения
type Profile struct {
	ID                  string                      `json:"id"`
	Username            string                      `json:"username,omitempty"`
	Locale              string                      `json:"locale"`
	ReferrerID          string                      `json:"referrerId,omitempty"`
	Activated           bool                        `json:"activated"`
	LongestStreak       int                         `json:"longestStreak"`
	CurrentChallenges   []models.ChallengeEntry     `json:"currentChallenges"`
	CompletedChallenges []models.CompletedChallenge `json:"completedChallenges"`
}

// GetProfile получает профиль пользователя
func (s *Service) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	user, err := s.store.User().Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения пользователя: %w", err)
	}

	p := &Profile{
		ID:                  userID,
		Username:            user.Username,
		Locale:              i18n.Match(user.Locale).String(),
		ReferrerID:          user.ReferrerID,
		Activated:           user.Activated,
		LongestStreak:       user.LongestStreak,
		CurrentChallenges:   user.CurrentChallenges,
		CompletedChallenges: user.CompletedChallenges,
	}
	if p.CurrentChallenges == nil {
		p.CurrentChallenges = []models.ChallengeEntry{}
	}
	if p.CompletedChallenges == nil {
		p.CompletedChallenges = []models.CompletedChallenge{}
	}
	return p, nil
}
