package models

import (
	"time"
)

// InvitationKind представляет тип приглашения
type InvitationKind string

const (
	InvitationKindOpen   InvitationKind = "open"   // любой владелец ссылки
	InvitationKindDirect InvitationKind = "direct" // адресовано конкретному пользователю
)

// IsValid проверяет валидность типа приглашения
func (k InvitationKind) IsValid() bool {
	switch k {
	case InvitationKindOpen, InvitationKindDirect:
		return true
	default:
		return false
	}
}

// InvitationStatus представляет статус приглашения
type InvitationStatus string

const (
	InvitationStatusPending   InvitationStatus = "pending"
	InvitationStatusAccepted  InvitationStatus = "accepted"
	InvitationStatusRefused   InvitationStatus = "refused"
	InvitationStatusCancelled InvitationStatus = "cancelled"
)

// IsValid проверяет валидность статуса приглашения
func (s InvitationStatus) IsValid() bool {
	switch s {
	case InvitationStatusPending, InvitationStatusAccepted, InvitationStatusRefused, InvitationStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal сообщает, является ли статус конечным
func (s InvitationStatus) IsTerminal() bool {
	return s == InvitationStatusAccepted || s == InvitationStatusRefused || s == InvitationStatusCancelled
}

// Invitation представляет приглашение в дуо-челлендж
type Invitation struct {
	ID              string           `json:"id"`
	ChallengeID     string           `json:"challengeId"`
	InviterID       string           `json:"inviterId"`
	InviteeID       *string          `json:"inviteeId"`
	InviteeUsername *string          `json:"inviteeUsername"`
	SelectedDays    int              `json:"selectedDays"`
	Kind            InvitationKind   `json:"kind"`
	Status          InvitationStatus `json:"status"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// Invitee возвращает ID приглашенного или пустую строку
func (i *Invitation) Invitee() string {
	if i.InviteeID == nil {
		return ""
	}
	return *i.InviteeID
}

// IsAddressedTo сообщает, адресовано ли приглашение пользователю
func (i *Invitation) IsAddressedTo(userID string) bool {
	return i.InviteeID != nil && *i.InviteeID == userID
}

// CreateInvitationRequest представляет запрос на создание приглашения
type CreateInvitationRequest struct {
	ChallengeID     string         `json:"challengeId"`
	InviterID       string         `json:"-"`
	SelectedDays    int            `json:"selectedDays"`
	Kind            InvitationKind `json:"kind"`
	InviteeID       string         `json:"inviteeId,omitempty"`
	InviteeUsername string         `json:"inviteeUsername,omitempty"`
}

// Validate проверяет инварианты создания приглашения
func (r CreateInvitationRequest) Validate() error {
	switch {
	case r.ChallengeID == "":
		return Errorf(ErrInvalidArgument, "не указан челлендж")
	case r.InviterID == "":
		return Errorf(ErrInvalidArgument, "не указан приглашающий")
	case r.SelectedDays <= 0:
		return Errorf(ErrInvalidArgument, "длительность должна быть положительной: %d", r.SelectedDays)
	case !r.Kind.IsValid():
		return Errorf(ErrInvalidArgument, "неизвестный тип приглашения: %q", r.Kind)
	case r.Kind == InvitationKindDirect && r.InviteeID == "":
		return Errorf(ErrInvalidArgument, "для прямого приглашения нужен получатель")
	case r.InviteeID != "" && r.InviteeID == r.InviterID:
		return Errorf(ErrInvalidArgument, "нельзя пригласить самого себя")
	}
	return nil
}
