package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"duo-habits/internal/config"
	"duo-habits/internal/docstore"
	"duo-habits/pkg/models"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Store представляет интерфейс для работы с хранилищем
type Store interface {
	User() UserRepository
	Invitation() InvitationRepository
	Ledger() LedgerRepository
	Docs() docstore.Store
	Ping(ctx context.Context) error
	Close() error
}

// store реализует интерфейс Store
type store struct {
	docs       docstore.Store
	logger     *zap.Logger
	user       UserRepository
	invitation InvitationRepository
	ledger     LedgerRepository
}

// Indexes составные индексы, которые используют запросы репозиториев
var Indexes = []docstore.Index{
	{
		Collection: models.CollectionInvitations,
		Fields:     []string{"inviteeId", "status", "challengeId"},
		OrderBy:    "createdAt",
	},
	{
		Collection: models.CollectionInvitations,
		Fields:     []string{"inviterId", "challengeId", "status"},
		OrderBy:    "createdAt",
	},
	{
		Collection: models.CollectionNotifications,
		Fields:     []string{"status"},
		OrderBy:    "dueAt",
	},
}

// New создает хранилище поверх документного бэкенда
func New(docs docstore.Store, logger *zap.Logger) Store {
	return &store{
		docs:       docs,
		logger:     logger,
		user:       NewUserRepository(docs, logger),
		invitation: NewInvitationRepository(docs, logger),
		ledger:     NewLedgerRepository(docs, logger),
	}
}

// Open создает документный бэкенд по конфигурации
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (docstore.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		return openPostgres(ctx, cfg, logger)
	case config.BackendMongo:
		return docstore.NewMongo(ctx, cfg.Mongo.URI, cfg.Mongo.Database, logger, cfg.Store.MaxAttempts)
	default:
		opts := []docstore.MemoryOption{docstore.WithMaxAttempts(cfg.Store.MaxAttempts)}
		if cfg.Store.StrictIndexes {
			opts = append(opts, docstore.WithStrictIndexes(Indexes...))
		}
		logger.Warn("используется хранилище в памяти, данные не сохраняются между перезапусками")
		return docstore.NewMemory(opts...), nil
	}
}

func openPostgres(ctx context.Context, cfg *config.Config, logger *zap.Logger) (docstore.Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// Создание пула подключений
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга DSN: %w", err)
	}

	// Настройка пула; одно соединение занято под LISTEN
	poolConfig.MaxConns = cfg.Database.MaxConns
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	db, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к базе данных: %w", err)
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ошибка проверки подключения к базе данных: %w", err)
	}

	logger.Info("успешное подключение к базе данных PostgreSQL")
	return docstore.NewPostgres(db, logger, cfg.Store.MaxAttempts), nil
}

// User возвращает репозиторий пользователей
func (s *store) User() UserRepository {
	return s.user
}

// Invitation возвращает репозиторий приглашений
func (s *store) Invitation() InvitationRepository {
	return s.invitation
}

// Ledger возвращает репозиторий наград
func (s *store) Ledger() LedgerRepository {
	return s.ledger
}

// Docs возвращает документное хранилище
func (s *store) Docs() docstore.Store {
	return s.docs
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Ping проверяет доступность хранилища
func (s *store) Ping(ctx context.Context) error {
	if p, ok := s.docs.(pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close закрывает подключение к хранилищу
func (s *store) Close() error {
	s.logger.Info("закрытие подключения к хранилищу")
	return s.docs.Close()
}

// MapErr переводит ошибки хранилища в ошибки предметной области
func MapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrUnavailable):
		return err
	case errors.Is(err, docstore.ErrNotFound):
		return fmt.Errorf("%w: %w", models.ErrNotFound, err)
	case errors.Is(err, docstore.ErrTxAborted), errors.Is(err, docstore.ErrClosed):
		return fmt.Errorf("%w: %w", models.ErrUnavailable, err)
	}
	return err
}

func decode[T any](snap *docstore.Snapshot) (*T, error) {
	var v T
	if err := snap.DataTo(&v); err != nil {
		return nil, err
	}
	return &v, nil
}
