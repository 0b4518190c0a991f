package invitation

import (
	"context"
	"fmt"

	"duo-habits/internal/challenge"
	"duo-habits/internal/docstore"
	"duo-habits/internal/metrics"
	"duo-habits/internal/notify"
	"duo-habits/internal/store"
	"duo-habits/pkg/models"

	"go.uber.org/zap"
)

// Service представляет сервис приглашений: явные действия пользователей
type Service struct {
	store      store.Store
	challenges *challenge.Service
	outbox     *notify.Outbox
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewService создает новый сервис приглашений
func NewService(st store.Store, challenges *challenge.Service, outbox *notify.Outbox, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		store:      st,
		challenges: challenges,
		outbox:     outbox,
		metrics:    m,
		logger:     logger,
	}
}

// Send создает приглашение. Получатель прямого приглашения получает
// уведомление; ошибка постановки уведомления приглашение не отменяет.
func (s *Service) Send(ctx context.Context, req models.CreateInvitationRequest) (*models.Invitation, error) {
	inv, err := s.store.Invitation().Create(ctx, req)
	s.metrics.RecordOutcome("invitation_send", err)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordInvitation("created")

	if inv.Kind == models.InvitationKindDirect {
		err := s.outbox.Enqueue(ctx, notify.Intent{
			UserID:    inv.Invitee(),
			Template:  models.TemplateInviteReceived,
			Subject:   inv.ChallengeID,
			DedupeKey: string(models.TemplateInviteReceived) + ":" + inv.ID,
		})
		if err != nil {
			s.logger.Warn("ошибка постановки уведомления о приглашении",
				zap.String("invitation_id", inv.ID),
				zap.Error(err))
		}
	}
	return inv, nil
}

// Get возвращает приглашение участнику. Открытое приглашение без
// получателя видно любому пользователю.
func (s *Service) Get(ctx context.Context, id, userID string) (*models.Invitation, error) {
	inv, err := s.store.Invitation().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.InviterID != userID && inv.InviteeID != nil && !inv.IsAddressedTo(userID) {
		return nil, models.Errorf(models.ErrPermissionDenied, "приглашение %s", id)
	}
	return inv, nil
}

// Claim закрепляет открытое приглашение за пользователем
func (s *Service) Claim(ctx context.Context, id, userID string) (*models.Invitation, error) {
	inv, err := s.store.Invitation().ClaimOpen(ctx, id, userID)
	s.metrics.RecordOutcome("invitation_claim", err)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordInvitation("claimed")
	return inv, nil
}

// Accept принимает приглашение одной транзакцией: захват открытого
// приглашения, смена статуса, дуо-запись в документе получателя и
// уведомление отправителю.
func (s *Service) Accept(ctx context.Context, id, userID string) (*models.Invitation, error) {
	invitations := s.store.Invitation()
	var (
		accepted *models.Invitation
		before   *models.User
	)

	err := s.store.Docs().RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		inv, err := invitations.GetTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if inv.Kind == models.InvitationKindOpen && inv.InviteeID == nil {
			if err := invitations.ClaimTx(tx, inv, userID); err != nil {
				return err
			}
		}
		if inv.Status != models.InvitationStatusPending {
			return models.Errorf(models.ErrNotPending, "приглашение %s в статусе %s", inv.ID, inv.Status)
		}
		if !inv.IsAddressedTo(userID) {
			return models.Errorf(models.ErrAlreadyTaken, "приглашение %s", inv.ID)
		}

		user, err := s.store.User().GetTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		if err := invitations.TransitionTx(tx, inv, models.InvitationStatusAccepted); err != nil {
			return err
		}
		if _, err := s.challenges.AddDuoEntryTx(tx, user, inv); err != nil {
			return err
		}
		accepted, before = inv, user

		return s.outbox.EnqueueTx(ctx, tx, notify.Intent{
			UserID:    inv.InviterID,
			Template:  models.TemplateInviteAccepted,
			Subject:   userID,
			DedupeKey: string(models.TemplateInviteAccepted) + ":" + inv.ID,
		})
	})
	s.metrics.RecordOutcome("invitation_accept", err)
	if err != nil {
		return nil, fmt.Errorf("ошибка принятия приглашения: %w", store.MapErr(err))
	}
	s.metrics.RecordInvitation("accepted")

	s.logger.Info("приглашение принято",
		zap.String("invitation_id", id),
		zap.String("user_id", userID),
		zap.String("challenge_id", accepted.ChallengeID))

	s.challenges.AfterWrite(ctx, before)
	return accepted, nil
}

// Refuse отклоняет приглашение получателем
func (s *Service) Refuse(ctx context.Context, id, userID string) (*models.Invitation, error) {
	return s.finish(ctx, "invitation_refuse", id, userID, models.InvitationStatusRefused, func(inv *models.Invitation) bool {
		return inv.IsAddressedTo(userID)
	})
}

// Cancel отзывает приглашение отправителем
func (s *Service) Cancel(ctx context.Context, id, userID string) (*models.Invitation, error) {
	return s.finish(ctx, "invitation_cancel", id, userID, models.InvitationStatusCancelled, func(inv *models.Invitation) bool {
		return inv.InviterID == userID
	})
}

func (s *Service) finish(ctx context.Context, op, id, userID string, to models.InvitationStatus, owns func(*models.Invitation) bool) (*models.Invitation, error) {
	invitations := s.store.Invitation()
	var result *models.Invitation

	err := s.store.Docs().RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		inv, err := invitations.GetTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if !owns(inv) {
			return models.Errorf(models.ErrPermissionDenied, "приглашение %s", id)
		}
		if err := invitations.TransitionTx(tx, inv, to); err != nil {
			return err
		}
		result = inv
		return nil
	})
	s.metrics.RecordOutcome(op, err)
	if err != nil {
		return nil, fmt.Errorf("ошибка изменения приглашения: %w", store.MapErr(err))
	}
	s.metrics.RecordInvitation(string(to))

	s.logger.Info("статус приглашения изменен",
		zap.String("invitation_id", id),
		zap.String("user_id", userID),
		zap.String("status", string(to)))
	return result, nil
}

// MirrorAccepted записывает зеркальную дуо-запись в документ отправителя
// принятого приглашения. Возвращает false, если запись уже есть.
func (s *Service) MirrorAccepted(ctx context.Context, inviterID, id string) (bool, error) {
	var (
		added  bool
		before *models.User
	)
	err := s.store.Docs().RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		added = false
		inv, err := s.store.Invitation().GetTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if inv.InviterID != inviterID {
			return models.Errorf(models.ErrPermissionDenied, "приглашение %s", id)
		}
		if inv.Status != models.InvitationStatusAccepted {
			return models.Errorf(models.ErrConflict, "приглашение %s в статусе %s", id, inv.Status)
		}
		user, err := s.store.User().GetTx(ctx, tx, inviterID)
		if err != nil {
			return err
		}
		before = user
		added, err = s.challenges.AddDuoEntryTx(tx, user, inv)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("ошибка записи зеркала: %w", store.MapErr(err))
	}

	if added {
		s.metrics.RecordInvitation("mirrored")
		s.logger.Info("зеркальная запись дуэта создана",
			zap.String("invitation_id", id),
			zap.String("inviter_id", inviterID))
		s.challenges.AfterWrite(ctx, before)
	}
	return added, nil
}

// ResolvePending восстанавливает реальное приглашение отправителя по челленджу
func (s *Service) ResolvePending(ctx context.Context, inviterID, challengeID string) (*models.Invitation, error) {
	return s.store.Invitation().ResolvePending(ctx, inviterID, challengeID)
}
