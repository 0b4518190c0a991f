package i18n

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func init() {
	lang := language.English

	// Errors
	message.SetString(lang, "error.OK", "Done")
	message.SetString(lang, "error.INVALID_ARGUMENT", "Invalid request")
	message.SetString(lang, "error.NOT_FOUND", "Not found")
	message.SetString(lang, "error.INVITATION_NOT_PENDING", "This invitation was already handled")
	message.SetString(lang, "error.INVITATION_INVALID_TRANSITION", "This invitation is already closed")
	message.SetString(lang, "error.INVITATION_ALREADY_TAKEN", "This invitation was already taken")
	message.SetString(lang, "error.MILESTONE_ALREADY_CLAIMED", "Reward already claimed")
	message.SetString(lang, "error.MILESTONE_NOT_UNLOCKED", "Reward is not unlocked yet")
	message.SetString(lang, "error.CONFLICT", "Data changed, please try again")
	message.SetString(lang, "error.PERMISSION_DENIED", "Action not allowed")
	message.SetString(lang, "error.UNAUTHENTICATED", "Please sign in")
	message.SetString(lang, "error.UNAVAILABLE", "Service is temporarily unavailable, please try later")
	message.SetString(lang, "error.INTERNAL", "Something went wrong")

	// Notifications
	message.SetString(lang, "notify.invite_received", "You were invited to the %s challenge")
	message.SetString(lang, "notify.invite_accepted", "Your invitation to %s was accepted")
	message.SetString(lang, "notify.referral_activated", "Your friend started their first challenge")
	message.SetString(lang, "notify.referral_activated.many", "%d friends became active")
	message.SetString(lang, "notify.milestone_unlocked", "Reward for %s invited friends unlocked")
	message.SetString(lang, "notify.challenge_completed", "Challenge completed, trophies: %s")
	message.SetString(lang, "notify.generic", "You have a new notification")
}
