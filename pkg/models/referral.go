package models

import (
	"slices"
	"time"
)

// Ledger представляет состояние наград пользователя
type Ledger struct {
	UserID            string `json:"-"`
	ActivatedCount    int    `json:"activatedCount"`    // пересчитывается запросом, не инкрементом
	PendingMilestones []int  `json:"pendingMilestones"` // открыты, но не получены
	ClaimedMilestones []int  `json:"claimedMilestones"` // только добавляются

	// пороги активаций, за которые уже начислен автоматический бонус
	MilestonesReached []int     `json:"referralMilestonesReached"`
	Trophies          int       `json:"trophies"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// IsPending сообщает, открыт ли порог для получения
func (l *Ledger) IsPending(m int) bool {
	return slices.Contains(l.PendingMilestones, m)
}

// IsClaimed сообщает, получена ли награда за порог
func (l *Ledger) IsClaimed(m int) bool {
	return slices.Contains(l.ClaimedMilestones, m)
}

// IsReached сообщает, начислен ли бонус за порог активаций
func (l *Ledger) IsReached(m int) bool {
	return slices.Contains(l.MilestonesReached, m)
}

// EntryKind представляет тип начисления
type EntryKind string

const (
	EntryKindActivation      EntryKind = "referral_activation"
	EntryKindActivationBonus EntryKind = "activation_bonus"
	EntryKindMilestoneClaim  EntryKind = "milestone_claim"
	EntryKindTrophies        EntryKind = "challenge_trophies"
)

// LedgerEntry квитанция начисления. ID документа однозначно определяется
// событием, поэтому повторное начисление невозможно.
type LedgerEntry struct {
	ID        string    `json:"-"`
	UserID    string    `json:"userId"`
	Kind      EntryKind `json:"kind"`
	Key       string    `json:"key"`
	Amount    int       `json:"amount"`
	CreatedAt time.Time `json:"createdAt"`
}

// LedgerEntryID возвращает ID квитанции вида kind:user:key
func LedgerEntryID(kind EntryKind, userID, key string) string {
	return string(kind) + ":" + userID + ":" + key
}

// LedgerView представляет состояние наград для API
type LedgerView struct {
	UserID            string `json:"userId"`
	ActivatedCount    int    `json:"activatedCount"`
	PendingMilestones []int  `json:"pendingMilestones"`
	ClaimedMilestones []int  `json:"claimedMilestones"`
	Trophies          int    `json:"trophies"`
	NextMilestone     int    `json:"nextMilestone,omitempty"`
}
