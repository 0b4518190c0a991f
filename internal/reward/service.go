// Package reward начисляет награды реферальной программы и трофеи за
// челленджи. Каждое начисление выполняется в одной транзакции и
// подтверждается квитанцией, поэтому повторные вызовы ничего не удваивают.
package reward

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"duo-habits/internal/config"
	"duo-habits/internal/docstore"
	"duo-habits/internal/metrics"
	"duo-habits/internal/notify"
	"duo-habits/internal/store"
	"duo-habits/pkg/models"

	"go.uber.org/zap"
)

// Service представляет сервис наград
type Service struct {
	store   store.Store
	rewards config.Rewards
	outbox  *notify.Outbox
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewService создает новый сервис наград
func NewService(st store.Store, rewards config.Rewards, outbox *notify.Outbox, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		store:   st,
		rewards: rewards,
		outbox:  outbox,
		metrics: m,
		logger:  logger,
	}
}

type credit struct {
	kind   models.EntryKind
	amount int
}

// ActivationResult итог обработки активации
type ActivationResult struct {
	Credited       bool
	ActivatedCount int
	BonusMilestone int   // 0, если бонус не начислен
	Unlocked       []int // открытые для получения пороги
}

// ShouldActivate сравнивает состояние пользователя до и после записи и
// сообщает, является ли запись первой активацией приглашенного
func ShouldActivate(before, after *models.User) bool {
	if after == nil || after.ReferrerID == "" || after.ReferrerID == after.ID {
		return false
	}
	if after.Activated || (before != nil && before.Activated) {
		return false
	}
	return !before.HasChallenges() && after.HasChallenges()
}

// HandleUserWrite обрабатывает запись документа пользователя и при первой
// активации приглашенного начисляет награду пригласившему
func (s *Service) HandleUserWrite(ctx context.Context, before, after *models.User) (*ActivationResult, error) {
	if !ShouldActivate(before, after) {
		return &ActivationResult{}, nil
	}
	return s.activate(ctx, after.ID)
}

func (s *Service) activate(ctx context.Context, refereeID string) (*ActivationResult, error) {
	var (
		result  *ActivationResult
		credits []credit
	)
	users, ledgers := s.store.User(), s.store.Ledger()

	err := s.store.Docs().RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		result, credits = &ActivationResult{}, nil

		referee, err := users.GetTx(ctx, tx, refereeID)
		if err != nil {
			return err
		}
		// условия проверяются по свежему чтению
		referrerID := referee.ReferrerID
		if referee.Activated || !referee.HasChallenges() || referrerID == "" || referrerID == referee.ID {
			return nil
		}
		if _, err := users.GetTx(ctx, tx, referrerID); err != nil {
			if errors.Is(err, models.ErrNotFound) {
				s.logger.Warn("пригласивший пользователь не найден",
					zap.String("referee_id", refereeID),
					zap.String("referrer_id", referrerID))
				return nil
			}
			return err
		}

		ledger, err := ledgers.GetTx(ctx, tx, referrerID)
		if err != nil {
			return err
		}
		receiptID := models.LedgerEntryID(models.EntryKindActivation, referrerID, refereeID)
		exists, err := ledgers.ReceiptExistsTx(ctx, tx, receiptID)
		if err != nil {
			return err
		}
		if exists {
			return users.MarkActivatedTx(tx, refereeID)
		}

		count, err := users.CountActivatedTx(ctx, tx, referrerID)
		if err != nil {
			return err
		}
		// приглашенный еще не отмечен в зафиксированном состоянии
		count++
		ledger.ActivatedCount = max(ledger.ActivatedCount, count)
		result.ActivatedCount = ledger.ActivatedCount

		credits = append(credits, credit{kind: models.EntryKindActivation, amount: s.rewards.ActivationReward})
		entries := []models.LedgerEntry{{
			UserID: referrerID,
			Kind:   models.EntryKindActivation,
			Key:    refereeID,
			Amount: s.rewards.ActivationReward,
		}}

		if bonus, ok := s.rewards.ActivationBonus(ledger.ActivatedCount); ok && !ledger.IsReached(bonus.Milestone) {
			key := strconv.Itoa(bonus.Milestone)
			bonusExists, err := ledgers.ReceiptExistsTx(ctx, tx, models.LedgerEntryID(models.EntryKindActivationBonus, referrerID, key))
			if err != nil {
				return err
			}
			if !bonusExists {
				ledger.MilestonesReached = append(ledger.MilestonesReached, bonus.Milestone)
				result.BonusMilestone = bonus.Milestone
				credits = append(credits, credit{kind: models.EntryKindActivationBonus, amount: bonus.Reward})
				entries = append(entries, models.LedgerEntry{
					UserID: referrerID,
					Kind:   models.EntryKindActivationBonus,
					Key:    key,
					Amount: bonus.Reward,
				})
			}
		}

		result.Unlocked = s.unlockInto(ledger)

		if err := users.MarkActivatedTx(tx, refereeID); err != nil {
			return err
		}
		total := 0
		for _, e := range entries {
			total += e.Amount
			if err := ledgers.AddReceiptTx(tx, e); err != nil {
				return err
			}
		}
		if err := ledgers.AddTrophiesTx(tx, referrerID, total); err != nil {
			return err
		}
		if err := ledgers.SaveTx(tx, ledger); err != nil {
			return err
		}

		err = s.outbox.EnqueueTx(ctx, tx, notify.Intent{
			UserID:    referrerID,
			Template:  models.TemplateReferralActivated,
			DedupeKey: string(models.TemplateReferralActivated) + ":" + refereeID,
		})
		if err != nil {
			return err
		}
		if err := s.enqueueUnlocked(ctx, tx, referrerID, result.Unlocked); err != nil {
			return err
		}

		result.Credited = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка активации приглашенного: %w", store.MapErr(err))
	}

	if result.Credited {
		for _, c := range credits {
			s.metrics.RecordReward(c.kind, c.amount)
		}
		s.logger.Info("приглашенный пользователь активирован",
			zap.String("referee_id", refereeID),
			zap.Int("activated_count", result.ActivatedCount),
			zap.Int("bonus_milestone", result.BonusMilestone),
			zap.Ints("unlocked", result.Unlocked))
	}
	return result, nil
}

// unlockInto добавляет в pending пороги, которые открыты счетчиком и еще
// не выданы; возвращает добавленные
func (s *Service) unlockInto(ledger *models.Ledger) []int {
	var added []int
	for _, m := range s.rewards.Claimable(ledger.ActivatedCount) {
		if ledger.IsClaimed(m) || ledger.IsPending(m) {
			continue
		}
		ledger.PendingMilestones = append(ledger.PendingMilestones, m)
		added = append(added, m)
	}
	slices.Sort(ledger.PendingMilestones)
	return added
}

func (s *Service) enqueueUnlocked(ctx context.Context, tx docstore.Tx, userID string, milestones []int) error {
	for _, m := range milestones {
		key := strconv.Itoa(m)
		err := s.outbox.EnqueueTx(ctx, tx, notify.Intent{
			UserID:    userID,
			Template:  models.TemplateMilestoneUnlocked,
			Subject:   key,
			DedupeKey: string(models.TemplateMilestoneUnlocked) + ":" + userID + ":" + key,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Unlock пересчитывает число активаций и открывает достигнутые пороги.
// Пороги только добавляются.
func (s *Service) Unlock(ctx context.Context, userID string) (*models.Ledger, []int, error) {
	var unlocked []int
	users, ledgers := s.store.User(), s.store.Ledger()

	err := s.store.Docs().RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		unlocked = nil

		ledger, err := ledgers.GetTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		count, err := users.CountActivatedTx(ctx, tx, userID)
		if err != nil {
			return err
		}

		changed := count > ledger.ActivatedCount
		ledger.ActivatedCount = max(ledger.ActivatedCount, count)
		unlocked = s.unlockInto(ledger)
		if !changed && len(unlocked) == 0 {
			return nil
		}

		if err := ledgers.SaveTx(tx, ledger); err != nil {
			return err
		}
		return s.enqueueUnlocked(ctx, tx, userID, unlocked)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("ошибка открытия наград: %w", store.MapErr(err))
	}

	if len(unlocked) > 0 {
		s.logger.Info("открыты награды за приглашения",
			zap.String("user_id", userID),
			zap.Ints("milestones", unlocked))
	}

	ledger, err := ledgers.Get(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	return ledger, unlocked, nil
}

// Claim выдает награду за открытый порог. Повторный вызов для того же
// порога возвращает ErrAlreadyClaimed.
func (s *Service) Claim(ctx context.Context, userID string, milestone int) (*models.Ledger, error) {
	reward, ok := s.rewards.ClaimReward(milestone)
	if !ok {
		return nil, models.Errorf(models.ErrInvalidArgument, "неизвестный порог %d", milestone)
	}
	users, ledgers := s.store.User(), s.store.Ledger()
	key := strconv.Itoa(milestone)

	err := s.store.Docs().RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		ledger, err := ledgers.GetTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		if ledger.IsClaimed(milestone) {
			return models.Errorf(models.ErrAlreadyClaimed, "порог %d", milestone)
		}
		if !ledger.IsPending(milestone) {
			return models.Errorf(models.ErrNotUnlocked, "порог %d", milestone)
		}

		// независимая проверка по пересчету
		count, err := users.CountActivatedTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		if count < milestone {
			return models.Errorf(models.ErrNotUnlocked, "порог %d, активаций %d", milestone, count)
		}

		exists, err := ledgers.ReceiptExistsTx(ctx, tx, models.LedgerEntryID(models.EntryKindMilestoneClaim, userID, key))
		if err != nil {
			return err
		}
		if exists {
			return models.Errorf(models.ErrAlreadyClaimed, "порог %d", milestone)
		}

		ledger.PendingMilestones = slices.DeleteFunc(ledger.PendingMilestones, func(m int) bool { return m == milestone })
		ledger.ClaimedMilestones = append(ledger.ClaimedMilestones, milestone)
		slices.Sort(ledger.ClaimedMilestones)

		if err := ledgers.SaveTx(tx, ledger); err != nil {
			return err
		}
		if err := ledgers.AddTrophiesTx(tx, userID, reward); err != nil {
			return err
		}
		return ledgers.AddReceiptTx(tx, models.LedgerEntry{
			UserID: userID,
			Kind:   models.EntryKindMilestoneClaim,
			Key:    key,
			Amount: reward,
		})
	})
	s.metrics.RecordOutcome("milestone_claim", err)
	if err != nil {
		return nil, store.MapErr(err)
	}

	s.metrics.RecordReward(models.EntryKindMilestoneClaim, reward)
	s.logger.Info("награда за порог получена",
		zap.String("user_id", userID),
		zap.Int("milestone", milestone),
		zap.Int("reward", reward))

	return ledgers.Get(ctx, userID)
}

// CreditChallengeTx начисляет трофеи за челлендж в транзакции вызывающего.
// Возвращает false, если начисление по этому ключу уже было.
func (s *Service) CreditChallengeTx(ctx context.Context, tx docstore.Tx, userID, key string, amount int) (bool, error) {
	ledgers := s.store.Ledger()
	exists, err := ledgers.ReceiptExistsTx(ctx, tx, models.LedgerEntryID(models.EntryKindTrophies, userID, key))
	if err != nil || exists {
		return false, err
	}
	if err := ledgers.AddTrophiesTx(tx, userID, amount); err != nil {
		return false, err
	}
	err = ledgers.AddReceiptTx(tx, models.LedgerEntry{
		UserID: userID,
		Kind:   models.EntryKindTrophies,
		Key:    key,
		Amount: amount,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecordChallengeCredit учитывает начисление трофеев после фиксации
func (s *Service) RecordChallengeCredit(amount int) {
	s.metrics.RecordReward(models.EntryKindTrophies, amount)
}

// View возвращает состояние наград для отображения
func (s *Service) View(ctx context.Context, userID string) (*models.LedgerView, error) {
	ledger, err := s.store.Ledger().Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &models.LedgerView{
		UserID:            userID,
		ActivatedCount:    ledger.ActivatedCount,
		PendingMilestones: orEmpty(ledger.PendingMilestones),
		ClaimedMilestones: orEmpty(ledger.ClaimedMilestones),
		Trophies:          ledger.Trophies,
		NextMilestone:     s.rewards.NextClaimable(ledger.ActivatedCount),
	}, nil
}

// Receipts возвращает квитанции начислений пользователя
func (s *Service) Receipts(ctx context.Context, userID string) ([]*models.LedgerEntry, error) {
	return s.store.Ledger().Receipts(ctx, userID)
}

func orEmpty(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}
