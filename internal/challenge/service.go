package challenge

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"duo-habits/internal/docstore"
	"duo-habits/internal/notify"
	"duo-habits/internal/reward"
	"duo-habits/internal/store"
	"duo-habits/pkg/models"

	"go.uber.org/zap"
)

// Service представляет сервис челленджей
type Service struct {
	store   store.Store
	rewards *reward.Service
	outbox  *notify.Outbox
	cleaner *Cleaner
	now     func() time.Time
	logger  *zap.Logger
}

// Option настройка сервиса
type Option func(*Service)

// WithClock подменяет часы
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService создает новый сервис челленджей
func NewService(st store.Store, rewards *reward.Service, outbox *notify.Outbox, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:   st,
		rewards: rewards,
		outbox:  outbox,
		cleaner: NewCleaner(st.Docs(), st.User(), logger),
		now:     time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Cleaner возвращает сервис очистки дублей
func (s *Service) Cleaner() *Cleaner {
	return s.cleaner
}

// Today возвращает ключ текущего дня
func (s *Service) Today() string {
	return models.DayKey(s.now())
}

// ActiveView активная запись челленджа с точки зрения пользователя
type ActiveView struct {
	Entry            *models.ChallengeEntry `json:"entry"`
	Duo              bool                   `json:"duo"`
	PartnerID        string                 `json:"partnerId,omitempty"`
	CleanupScheduled bool                   `json:"cleanupScheduled"`
}

// Active возвращает активную запись и при необходимости планирует удаление
// вытесненной соло-записи
func (s *Service) Active(ctx context.Context, userID, challengeID string, hints Hints) (*ActiveView, error) {
	user, err := s.store.User().Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	res := Resolve(user.CurrentChallenges, challengeID, hints)
	view := &ActiveView{}
	if !res.Found() {
		return view, nil
	}

	entry := *res.Entry
	view.Entry = &entry
	view.PartnerID = res.Partner(userID)
	view.Duo = IsDuo(entry) || view.PartnerID != ""
	if res.NeedsCleanup() {
		view.CleanupScheduled = s.cleaner.Schedule(userID, challengeID)
	}
	return view, nil
}

// StartSolo начинает соло-челлендж
func (s *Service) StartSolo(ctx context.Context, userID, challengeID string, selectedDays int) (*models.ChallengeEntry, error) {
	if challengeID == "" || selectedDays <= 0 {
		return nil, models.Errorf(models.ErrInvalidArgument, "челлендж %q на %d дней", challengeID, selectedDays)
	}

	entry := models.ChallengeEntry{
		ChallengeID:  challengeID,
		SelectedDays: selectedDays,
		StartedAt:    s.Today(),
	}
	var before *models.User
	users := s.store.User()

	err := s.store.Docs().RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		user, err := users.GetTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		if Resolve(user.CurrentChallenges, challengeID, Hints{}).Found() {
			return models.Errorf(models.ErrConflict, "челлендж %s уже начат", challengeID)
		}
		before = user
		return users.SetChallengesTx(tx, userID, append(slices.Clone(user.CurrentChallenges), entry))
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка начала челленджа: %w", store.MapErr(err))
	}

	s.logger.Info("челлендж начат",
		zap.String("user_id", userID),
		zap.String("challenge_id", challengeID),
		zap.Int("selected_days", selectedDays))

	s.afterWrite(ctx, before)
	return &entry, nil
}

// AddDuoEntryTx добавляет дуо-запись в собственный документ пользователя.
// Возвращает false, если запись с тем же ключом уже есть.
func (s *Service) AddDuoEntryTx(tx docstore.Tx, user *models.User, inv *models.Invitation) (bool, error) {
	partnerID := inv.InviterID
	if user.ID == inv.InviterID {
		partnerID = inv.Invitee()
	}
	key := models.DuoUniqueKey(inv.ChallengeID, inv.InviterID, inv.Invitee())
	for _, e := range user.CurrentChallenges {
		if e.UniqueKey == key {
			return false, nil
		}
	}

	entry := models.ChallengeEntry{
		ChallengeID:  inv.ChallengeID,
		UniqueKey:    key,
		Duo:          true,
		DuoPartnerID: partnerID,
		SelectedDays: inv.SelectedDays,
		StartedAt:    s.Today(),
	}
	entries := append(slices.Clone(user.CurrentChallenges), entry)
	if err := s.store.User().SetChallengesTx(tx, user.ID, entries); err != nil {
		return false, err
	}
	return true, nil
}

// AfterWrite проверяет активацию приглашенного после записи челленджей.
// Ошибки не прерывают действие пользователя.
func (s *Service) AfterWrite(ctx context.Context, before *models.User) {
	s.afterWrite(ctx, before)
}

func (s *Service) afterWrite(ctx context.Context, before *models.User) {
	if before == nil || before.Activated || before.HasChallenges() || before.ReferrerID == "" {
		return
	}
	after, err := s.store.User().Get(ctx, before.ID)
	if err != nil {
		s.logger.Warn("ошибка чтения пользователя после записи", zap.String("user_id", before.ID), zap.Error(err))
		return
	}
	if _, err := s.rewards.HandleUserWrite(ctx, before, after); err != nil {
		s.logger.Warn("ошибка обработки активации", zap.String("user_id", before.ID), zap.Error(err))
	}
}

// MarkResult итог отметки прогресса
type MarkResult struct {
	Entry           models.ChallengeEntry `json:"entry"`
	AlreadyMarked   bool                  `json:"alreadyMarked"`
	Completed       bool                  `json:"completed"`
	Trophies        int                   `json:"trophies,omitempty"`
	AlreadyCredited bool                  `json:"alreadyCredited,omitempty"` // трофеи за этот запуск уже начислены
}

// MarkProgress отмечает текущий день. Повторная отметка в тот же день
// ничего не меняет. Последний день завершает челлендж и начисляет трофеи.
func (s *Service) MarkProgress(ctx context.Context, userID, challengeID string, hints Hints) (*MarkResult, error) {
	day := s.Today()
	users := s.store.User()
	var (
		result   *MarkResult
		credited bool
	)

	err := s.store.Docs().RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		result, credited = &MarkResult{}, false

		user, err := users.GetTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		res := Resolve(user.CurrentChallenges, challengeID, hints)
		if !res.Found() {
			return models.Errorf(models.ErrNotFound, "нет активного челленджа %s", challengeID)
		}

		entry := *res.Entry
		entry.CompletionDates = slices.Clone(entry.CompletionDates)
		if entry.AlreadyMarked(day) || slices.Contains(entry.CompletionDates, day) {
			result.Entry = entry
			result.AlreadyMarked = true
			return nil
		}
		entry.CompletionDates = append(entry.CompletionDates, day)
		entry.CompletedDays = max(entry.CompletedDays+1, len(entry.CompletionDates))
		entry.MarkedDate = day
		result.Entry = entry

		entries := slices.Clone(user.CurrentChallenges)
		if entry.CompletedDays < entry.SelectedDays {
			entries[res.Index] = entry
			return users.SetChallengesTx(tx, userID, entries)
		}

		synced := false
		if partnerID := res.Partner(userID); partnerID != "" && entry.UniqueKey != "" {
			synced, err = s.partnerInSync(ctx, tx, partnerID, entry, day)
			if err != nil {
				return err
			}
		}
		trophies := reward.ComputeChallengeTrophies(reward.TrophyInput{
			SelectedDays:   entry.SelectedDays,
			CompletionKeys: entry.CompletionDates,
			DuoSynced:      synced,
			LongestStreak:  user.LongestStreak,
		})

		key := creditKey(entry, day)
		credited, err = s.rewards.CreditChallengeTx(ctx, tx, userID, key, trophies)
		if err != nil {
			return err
		}
		result.Completed = true
		if credited {
			result.Trophies = trophies
		} else {
			result.AlreadyCredited = true
		}

		remaining := slices.Delete(entries, res.Index, res.Index+1)
		archived := models.CompletedChallenge{
			ChallengeID:     entry.ChallengeID,
			UniqueKey:       entry.UniqueKey,
			RunKey:          entry.RunKey(),
			Duo:             IsDuo(entry),
			DuoPartnerID:    res.Partner(userID),
			SelectedDays:    entry.SelectedDays,
			CompletedDays:   entry.CompletedDays,
			CompletionDates: entry.CompletionDates,
			CompletedOn:     day,
			Trophies:        result.Trophies,
		}
		longest := max(user.LongestStreak, entry.CompletedDays)
		if err := users.ArchiveTx(tx, userID, remaining, archived, longest); err != nil {
			return err
		}
		if !credited {
			return nil
		}

		return s.outbox.EnqueueTx(ctx, tx, notify.Intent{
			UserID:    userID,
			Template:  models.TemplateChallengeCompleted,
			Subject:   strconv.Itoa(trophies),
			DedupeKey: string(models.TemplateChallengeCompleted) + ":" + userID + ":" + key,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка отметки прогресса: %w", store.MapErr(err))
	}

	if result.Completed {
		if credited {
			s.rewards.RecordChallengeCredit(result.Trophies)
		}
		s.logger.Info("челлендж завершен",
			zap.String("user_id", userID),
			zap.String("challenge_id", challengeID),
			zap.Int("trophies", result.Trophies))
	}
	return result, nil
}

// creditKey ключ начисления трофеев за конкретный запуск челленджа
func creditKey(e models.ChallengeEntry, completedOn string) string {
	return e.RunKey() + "_" + completedOn
}

// partnerInSync читает архив партнера и сообщает, завершил ли он тот же
// запуск дуэта не дальше одного дня от day. Архивы прошлых запусков той же
// пары, завершенные до начала текущего, не учитываются. Документ партнера
// только читается.
func (s *Service) partnerInSync(ctx context.Context, tx docstore.Tx, partnerID string, entry models.ChallengeEntry, day string) (bool, error) {
	partner, err := s.store.User().GetTx(ctx, tx, partnerID)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	start := entry.RunStart()
	for i := len(partner.CompletedChallenges) - 1; i >= 0; i-- {
		c := partner.CompletedChallenges[i]
		if c.UniqueKey != entry.UniqueKey || c.CompletedOn < start {
			continue
		}
		return reward.FinishedInSync(c.CompletedOn, day), nil
	}
	return false, nil
}

// Abandon удаляет активную запись челленджа
func (s *Service) Abandon(ctx context.Context, userID, challengeID string, hints Hints) error {
	users := s.store.User()
	err := s.store.Docs().RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		user, err := users.GetTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		res := Resolve(user.CurrentChallenges, challengeID, hints)
		if !res.Found() {
			return models.Errorf(models.ErrNotFound, "нет активного челленджа %s", challengeID)
		}
		entries := slices.Delete(slices.Clone(user.CurrentChallenges), res.Index, res.Index+1)
		return users.SetChallengesTx(tx, userID, entries)
	})
	if err != nil {
		return fmt.Errorf("ошибка отмены челленджа: %w", store.MapErr(err))
	}

	s.logger.Info("челлендж отменен",
		zap.String("user_id", userID),
		zap.String("challenge_id", challengeID))
	return nil
}
