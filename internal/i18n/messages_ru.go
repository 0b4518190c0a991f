package i18n

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func init() {
	lang := language.Russian

	// Ошибки
	message.SetString(lang, "error.OK", "Готово")
	message.SetString(lang, "error.INVALID_ARGUMENT", "Некорректные данные запроса")
	message.SetString(lang, "error.NOT_FOUND", "Не найдено")
	message.SetString(lang, "error.INVITATION_NOT_PENDING", "Приглашение уже обработано")
	message.SetString(lang, "error.INVITATION_INVALID_TRANSITION", "Приглашение уже закрыто")
	message.SetString(lang, "error.INVITATION_ALREADY_TAKEN", "Это приглашение уже принял другой пользователь")
	message.SetString(lang, "error.MILESTONE_ALREADY_CLAIMED", "Награда уже получена")
	message.SetString(lang, "error.MILESTONE_NOT_UNLOCKED", "Награда еще не открыта")
	message.SetString(lang, "error.CONFLICT", "Данные изменились, попробуйте еще раз")
	message.SetString(lang, "error.PERMISSION_DENIED", "Действие недоступно")
	message.SetString(lang, "error.UNAUTHENTICATED", "Войдите в аккаунт")
	message.SetString(lang, "error.UNAVAILABLE", "Сервис временно недоступен, попробуйте позже")
	message.SetString(lang, "error.INTERNAL", "Что-то пошло не так")

	// Уведомления
	message.SetString(lang, "notify.invite_received", "Вас пригласили в челлендж %s")
	message.SetString(lang, "notify.invite_accepted", "Приглашение в челлендж %s принято")
	message.SetString(lang, "notify.referral_activated", "Ваш друг начал первый челлендж")
	message.SetString(lang, "notify.referral_activated.many", "Новых активных друзей: %d")
	message.SetString(lang, "notify.milestone_unlocked", "Открыта награда за %s приглашенных")
	message.SetString(lang, "notify.challenge_completed", "Челлендж завершен, трофеев: %s")
	message.SetString(lang, "notify.generic", "У вас новое уведомление")
}
