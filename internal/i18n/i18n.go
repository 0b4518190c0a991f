// Package i18n выбирает язык пользователя и переводит коды ошибок и
// шаблоны уведомлений в текст.
package i18n

import (
	"strings"

	"duo-habits/pkg/models"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var supported = []language.Tag{language.Russian, language.English}

var matcher = language.NewMatcher(supported)

// Supported возвращает поддерживаемые языки
func Supported() []language.Tag {
	return supported
}

// Default возвращает язык по умолчанию
func Default() language.Tag {
	return supported[0]
}

// Match выбирает поддерживаемый язык по подсказкам: параметру ссылки,
// настройке пользователя или заголовку Accept-Language
func Match(hints ...string) language.Tag {
	var tags []language.Tag
	for _, hint := range hints {
		hint = strings.TrimSpace(hint)
		if hint == "" {
			continue
		}
		parsed, _, err := language.ParseAcceptLanguage(hint)
		if err != nil {
			continue
		}
		tags = append(tags, parsed...)
	}
	if len(tags) == 0 {
		return Default()
	}
	_, idx, confidence := matcher.Match(tags...)
	if confidence == language.No {
		return Default()
	}
	return supported[idx]
}

// Printer возвращает принтер сообщений для языка
func Printer(tag language.Tag) *message.Printer {
	return message.NewPrinter(tag)
}

// ErrorMessage возвращает текст ошибки по ее коду
func ErrorMessage(tag language.Tag, code models.ErrorCode) string {
	return Printer(tag).Sprintf(errorKey(code))
}

func errorKey(code models.ErrorCode) string {
	return "error." + string(code)
}

// Notification возвращает текст уведомления. count больше единицы
// означает сводку из нескольких событий.
func Notification(tag language.Tag, template models.NotificationTemplate, subject string, count int) string {
	p := Printer(tag)
	key := "notify." + string(template)
	switch template {
	case models.TemplateReferralActivated:
		if count > 1 {
			return p.Sprintf(key+".many", count)
		}
		return p.Sprintf(key)
	case models.TemplateInviteReceived, models.TemplateInviteAccepted,
		models.TemplateMilestoneUnlocked, models.TemplateChallengeCompleted:
		return p.Sprintf(key, subject)
	default:
		return p.Sprintf("notify.generic")
	}
}
