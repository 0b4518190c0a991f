package store

import (
	"context"
	"errors"
	"fmt"

	"duo-habits/internal/docstore"
	"duo-habits/pkg/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InvitationRepository определяет интерфейс для работы с приглашениями
type InvitationRepository interface {
	Create(ctx context.Context, req models.CreateInvitationRequest) (*models.Invitation, error)
	Get(ctx context.Context, id string) (*models.Invitation, error)
	ClaimOpen(ctx context.Context, id, claimantID string) (*models.Invitation, error)
	ResolvePending(ctx context.Context, inviterID, challengeID string) (*models.Invitation, error)
	Transition(ctx context.Context, id string, to models.InvitationStatus) (*models.Invitation, error)
	Pending(ctx context.Context, inviteeID, challengeID string) ([]*models.Invitation, error)

	// операции внутри транзакции: чтение, затем буферизованные записи
	GetTx(ctx context.Context, tx docstore.Tx, id string) (*models.Invitation, error)
	ClaimTx(tx docstore.Tx, inv *models.Invitation, claimantID string) error
	TransitionTx(tx docstore.Tx, inv *models.Invitation, to models.InvitationStatus) error

	InboxQuery(inviteeID, challengeID string) docstore.Query
	InboxFallbackQuery(inviteeID string) docstore.Query
}

// invitationRepository реализует InvitationRepository поверх документного хранилища
type invitationRepository struct {
	docs   docstore.Store
	logger *zap.Logger
}

// NewInvitationRepository создает новый репозиторий приглашений
func NewInvitationRepository(docs docstore.Store, logger *zap.Logger) InvitationRepository {
	return &invitationRepository{
		docs:   docs,
		logger: logger,
	}
}

func invitationRef(id string) docstore.Ref {
	return docstore.Doc(models.CollectionInvitations, id)
}

// DecodeInvitation строит приглашение из снимка документа
func DecodeInvitation(snap *docstore.Snapshot) (*models.Invitation, error) {
	inv, err := decode[models.Invitation](snap)
	if err != nil {
		return nil, err
	}
	inv.ID = snap.Ref.ID
	return inv, nil
}

func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Create создает приглашение в статусе pending
func (r *invitationRepository) Create(ctx context.Context, req models.CreateInvitationRequest) (*models.Invitation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("ошибка генерации ID приглашения: %w", err)
	}

	data := docstore.Data{
		"challengeId":     req.ChallengeID,
		"inviterId":       req.InviterID,
		"inviteeId":       optional(req.InviteeID),
		"inviteeUsername": optional(req.InviteeUsername),
		"selectedDays":    req.SelectedDays,
		"kind":            string(req.Kind),
		"status":          string(models.InvitationStatusPending),
		"createdAt":       docstore.ServerTimestamp,
		"updatedAt":       docstore.ServerTimestamp,
	}
	if err := r.docs.Create(ctx, invitationRef(id.String()), data); err != nil {
		return nil, fmt.Errorf("ошибка создания приглашения: %w", MapErr(err))
	}

	r.logger.Info("приглашение создано",
		zap.String("invitation_id", id.String()),
		zap.String("challenge_id", req.ChallengeID),
		zap.String("inviter_id", req.InviterID),
		zap.String("kind", string(req.Kind)))

	return r.Get(ctx, id.String())
}

// Get получает приглашение по ID
func (r *invitationRepository) Get(ctx context.Context, id string) (*models.Invitation, error) {
	snap, err := r.docs.Get(ctx, invitationRef(id))
	if err != nil {
		return nil, fmt.Errorf("ошибка получения приглашения: %w", MapErr(err))
	}
	return DecodeInvitation(snap)
}

// GetTx читает приглашение внутри транзакции
func (r *invitationRepository) GetTx(ctx context.Context, tx docstore.Tx, id string) (*models.Invitation, error) {
	snap, err := tx.Get(ctx, invitationRef(id))
	if err != nil {
		return nil, fmt.Errorf("ошибка получения приглашения: %w", MapErr(err))
	}
	return DecodeInvitation(snap)
}

// ClaimTx закрепляет открытое приглашение за пользователем. Повторный
// захват тем же пользователем ничего не записывает.
func (r *invitationRepository) ClaimTx(tx docstore.Tx, inv *models.Invitation, claimantID string) error {
	switch {
	case claimantID == "":
		return models.Errorf(models.ErrInvalidArgument, "не указан пользователь")
	case inv.Status != models.InvitationStatusPending:
		return models.Errorf(models.ErrNotPending, "приглашение %s в статусе %s", inv.ID, inv.Status)
	case inv.InviterID == claimantID:
		return models.Errorf(models.ErrInvalidArgument, "нельзя принять собственное приглашение")
	case inv.InviteeID != nil && *inv.InviteeID != claimantID:
		return models.Errorf(models.ErrAlreadyTaken, "приглашение %s", inv.ID)
	case inv.InviteeID != nil:
		return nil
	}

	err := tx.Update(invitationRef(inv.ID),
		docstore.Update{Path: "inviteeId", Value: claimantID},
		docstore.Update{Path: "updatedAt", Value: docstore.ServerTimestamp},
	)
	if err != nil {
		return err
	}
	inv.InviteeID = &claimantID
	return nil
}

// ClaimOpen захватывает открытое приглашение в одной транзакции
func (r *invitationRepository) ClaimOpen(ctx context.Context, id, claimantID string) (*models.Invitation, error) {
	err := r.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		inv, err := r.GetTx(ctx, tx, id)
		if err != nil {
			return err
		}
		return r.ClaimTx(tx, inv, claimantID)
	})
	if err != nil {
		return nil, MapErr(err)
	}

	r.logger.Info("приглашение захвачено",
		zap.String("invitation_id", id),
		zap.String("claimant_id", claimantID))

	return r.Get(ctx, id)
}

// TransitionTx переводит приглашение в конечный статус
func (r *invitationRepository) TransitionTx(tx docstore.Tx, inv *models.Invitation, to models.InvitationStatus) error {
	if !to.IsTerminal() {
		return models.Errorf(models.ErrInvalidArgument, "недопустимый целевой статус %q", to)
	}
	if inv.Status.IsTerminal() {
		return models.Errorf(models.ErrInvalidTransition, "%s -> %s", inv.Status, to)
	}

	err := tx.Update(invitationRef(inv.ID),
		docstore.Update{Path: "status", Value: string(to)},
		docstore.Update{Path: "updatedAt", Value: docstore.ServerTimestamp},
	)
	if err != nil {
		return err
	}
	inv.Status = to
	return nil
}

// Transition переводит приглашение в конечный статус в одной транзакции
func (r *invitationRepository) Transition(ctx context.Context, id string, to models.InvitationStatus) (*models.Invitation, error) {
	err := r.docs.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		inv, err := r.GetTx(ctx, tx, id)
		if err != nil {
			return err
		}
		return r.TransitionTx(tx, inv, to)
	})
	if err != nil {
		return nil, MapErr(err)
	}

	r.logger.Info("статус приглашения изменен",
		zap.String("invitation_id", id),
		zap.String("status", string(to)))

	return r.Get(ctx, id)
}

// ResolvePending находит последнее ожидающее приглашение отправителя для
// челленджа; nil, если такого нет
func (r *invitationRepository) ResolvePending(ctx context.Context, inviterID, challengeID string) (*models.Invitation, error) {
	q := docstore.NewQuery(models.CollectionInvitations).
		Where("inviterId", docstore.OpEqual, inviterID).
		Where("challengeId", docstore.OpEqual, challengeID).
		Where("status", docstore.OpEqual, string(models.InvitationStatusPending)).
		OrderByField("createdAt", docstore.Desc).
		WithLimit(1)

	snaps, err := r.docs.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска приглашения: %w", MapErr(err))
	}
	if len(snaps) == 0 {
		return nil, nil
	}
	return DecodeInvitation(snaps[0])
}

// InboxQuery ожидающие приглашения пользователю для челленджа
func (r *invitationRepository) InboxQuery(inviteeID, challengeID string) docstore.Query {
	return docstore.NewQuery(models.CollectionInvitations).
		Where("inviteeId", docstore.OpEqual, inviteeID).
		Where("status", docstore.OpEqual, string(models.InvitationStatusPending)).
		Where("challengeId", docstore.OpEqual, challengeID).
		OrderByField("createdAt", docstore.Asc)
}

// InboxFallbackQuery широкий запрос без составного индекса;
// остальные условия проверяются на стороне клиента
func (r *invitationRepository) InboxFallbackQuery(inviteeID string) docstore.Query {
	return docstore.NewQuery(models.CollectionInvitations).
		Where("inviteeId", docstore.OpEqual, inviteeID)
}

// Pending выполняет разовый запрос входящих приглашений
func (r *invitationRepository) Pending(ctx context.Context, inviteeID, challengeID string) ([]*models.Invitation, error) {
	snaps, err := r.docs.Query(ctx, r.InboxQuery(inviteeID, challengeID))
	if errors.Is(err, docstore.ErrIndexRequired) {
		r.logger.Warn("нет индекса для входящих приглашений, используется широкий запрос", zap.Error(err))
		snaps, err = r.docs.Query(ctx, r.InboxFallbackQuery(inviteeID))
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения входящих приглашений: %w", MapErr(err))
	}

	var out []*models.Invitation
	for _, snap := range snaps {
		inv, err := DecodeInvitation(snap)
		if err != nil {
			return nil, err
		}
		if inv.Status == models.InvitationStatusPending && inv.ChallengeID == challengeID && inv.IsAddressedTo(inviteeID) {
			out = append(out, inv)
		}
	}
	return out, nil
}
