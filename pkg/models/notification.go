package models

import "time"

// NotificationTemplate ключ шаблона уведомления
type NotificationTemplate string

const (
	TemplateInviteReceived     NotificationTemplate = "invite_received"
	TemplateInviteAccepted     NotificationTemplate = "invite_accepted"
	TemplateReferralActivated  NotificationTemplate = "referral_activated"
	TemplateMilestoneUnlocked  NotificationTemplate = "milestone_unlocked"
	TemplateChallengeCompleted NotificationTemplate = "challenge_completed"
)

// NotificationStatus статус намерения уведомления
type NotificationStatus string

const (
	NotificationStatusPending  NotificationStatus = "pending"
	NotificationStatusSent     NotificationStatus = "sent"
	NotificationStatusDigested NotificationStatus = "digested"
	NotificationStatusLimited  NotificationStatus = "ratelimited"
	NotificationStatusFailed   NotificationStatus = "failed"
)

// Notification намерение отправить уведомление. ID документа равен ключу
// дедупликации события.
type Notification struct {
	ID        string               `json:"-"`
	UserID    string               `json:"userId"`
	Template  NotificationTemplate `json:"template"`
	Subject   string               `json:"subject,omitempty"`
	Status    NotificationStatus   `json:"status"`
	Attempts  int                  `json:"attempts"`
	DueAt     time.Time            `json:"dueAt"`
	CreatedAt time.Time            `json:"createdAt"`
	SentAt    *time.Time           `json:"sentAt,omitempty"`
}
