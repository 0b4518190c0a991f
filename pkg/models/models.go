package models

import (
	"time"
)

// Коллекции документного хранилища
const (
	CollectionUsers         = "users"
	CollectionInvitations   = "invitations"
	CollectionLedgers       = "ledgers"
	CollectionLedgerEntries = "ledger_entries"
	CollectionNotifications = "notifications"
)

// User представляет документ пользователя
type User struct {
	ID             string `json:"-"`
	Username       string `json:"username,omitempty"`
	Locale         string `json:"locale,omitempty"`
	TelegramChatID int64  `json:"telegramChatId,omitempty"`
	ReferrerID     string `json:"referrerId,omitempty"` // ID пригласившего пользователя
	Activated      bool   `json:"activated"`            // начал первый челлендж
	LongestStreak  int    `json:"longestStreak"`        // лучший результат по завершенным дням

	CurrentChallenges   []ChallengeEntry     `json:"CurrentChallenges"`
	CompletedChallenges []CompletedChallenge `json:"CompletedChallenges,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasChallenges сообщает, есть ли у пользователя текущие челленджи
func (u *User) HasChallenges() bool {
	return u != nil && len(u.CurrentChallenges) > 0
}

// CompletedChallenge архивная запись завершенного челленджа
type CompletedChallenge struct {
	ChallengeID     string   `json:"challengeId"`
	UniqueKey       string   `json:"uniqueKey,omitempty"`
	RunKey          string   `json:"runKey,omitempty"`
	Duo             bool     `json:"duo"`
	DuoPartnerID    string   `json:"duoPartnerId,omitempty"`
	SelectedDays    int      `json:"selectedDays"`
	CompletedDays   int      `json:"completedDays"`
	CompletionDates []string `json:"completionDates,omitempty"`
	CompletedOn     string   `json:"completedOn"` // ключ дня завершения YYYY-MM-DD
	Trophies        int      `json:"trophies"`
}

// DayLayout формат ключа дня
const DayLayout = "2006-01-02"

// DayKey возвращает ключ дня для времени
func DayKey(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// RegisterUserRequest представляет запрос на регистрацию пользователя
type RegisterUserRequest struct {
	Username       string `json:"username,omitempty"`
	Locale         string `json:"locale,omitempty"`
	TelegramChatID int64  `json:"telegramChatId,omitempty"`
	ReferrerID     string `json:"referrerId,omitempty"`
}
