package notify

import (
	"context"
	"errors"
	"fmt"

	"duo-habits/internal/i18n"
	"duo-habits/pkg/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// LogSender пишет уведомления в лог. Используется, когда бот не настроен.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender создает отправитель в лог
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send записывает уведомление в лог
func (s *LogSender) Send(ctx context.Context, msg Message) error {
	s.logger.Info("уведомление",
		zap.String("user_id", msg.UserID),
		zap.String("template", string(msg.Template)),
		zap.Int("count", msg.Count),
		zap.String("text", i18n.Notification(i18n.Default(), msg.Template, msg.Subject, msg.Count)))
	return nil
}

// UserLookup источник адреса доставки и языка пользователя
type UserLookup interface {
	Get(ctx context.Context, id string) (*models.User, error)
}

type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSender доставляет уведомления в чат пользователя с ботом
type TelegramSender struct {
	bot    botAPI
	users  UserLookup
	logger *zap.Logger
}

// NewTelegramSender подключается к Bot API по токену
func NewTelegramSender(token string, users UserLookup, logger *zap.Logger) (*TelegramSender, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания бота: %w", err)
	}
	logger.Info("бот уведомлений авторизован", zap.String("username", bot.Self.UserName))
	return newTelegramSender(bot, users, logger), nil
}

func newTelegramSender(bot botAPI, users UserLookup, logger *zap.Logger) *TelegramSender {
	return &TelegramSender{
		bot:    bot,
		users:  users,
		logger: logger,
	}
}

// Send отправляет уведомление. Пользователь без чата пропускается.
func (s *TelegramSender) Send(ctx context.Context, msg Message) error {
	user, err := s.users.Get(ctx, msg.UserID)
	if errors.Is(err, models.ErrNotFound) {
		s.logger.Warn("получатель уведомления не найден", zap.String("user_id", msg.UserID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("ошибка получения получателя: %w", err)
	}
	if user.TelegramChatID == 0 {
		s.logger.Debug("у пользователя нет чата с ботом", zap.String("user_id", msg.UserID))
		return nil
	}

	text := i18n.Notification(i18n.Match(user.Locale), msg.Template, msg.Subject, msg.Count)
	if _, err := s.bot.Send(tgbotapi.NewMessage(user.TelegramChatID, text)); err != nil {
		return fmt.Errorf("ошибка отправки сообщения: %w", err)
	}
	return nil
}
