package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Бэкенды документного хранилища
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

// Config содержит все конфигурационные параметры приложения
type Config struct {
	App       AppConfig
	Store     StoreConfig
	Database  DatabaseConfig
	Mongo     MongoConfig
	Telegram  TelegramConfig
	Handoff   HandoffConfig
	Inbox     InboxConfig
	Notify    NotifyConfig
	Scheduler SchedulerConfig

	RewardsPath string `env:"REWARDS_PATH"`
	Rewards     Rewards
}

type AppConfig struct {
	Env           string `env:"APP_ENV" envDefault:"development"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	Port          int    `env:"APP_PORT" envDefault:"8080"`
	DefaultLocale string `env:"DEFAULT_LOCALE" envDefault:"ru"`
}

// StoreConfig содержит настройки документного хранилища
type StoreConfig struct {
	Backend       string `env:"STORE_BACKEND" envDefault:"memory"`
	MaxAttempts   int    `env:"STORE_MAX_ATTEMPTS" envDefault:"5"`
	StrictIndexes bool   `env:"STORE_STRICT_INDEXES" envDefault:"false"`
}

type DatabaseConfig struct {
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     int    `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER"`
	Password string `env:"DB_PASSWORD"`
	Name     string `env:"DB_NAME"`
	SSLMode  string `env:"DB_SSL_MODE" envDefault:"disable"`
	MaxConns int32  `env:"DB_MAX_CONNS" envDefault:"10"`
}

type MongoConfig struct {
	URI      string `env:"MONGO_URI"`
	Database string `env:"MONGO_DATABASE" envDefault:"duo_habits"`
}

// TelegramConfig содержит настройки доставки уведомлений через Telegram.
// Без токена уведомления только пишутся в лог.
type TelegramConfig struct {
	BotToken string `env:"TELEGRAM_BOT_TOKEN"`
}

// HandoffConfig содержит настройки обработки ссылок-приглашений
type HandoffConfig struct {
	FailsafeTimeout    time.Duration `env:"HANDOFF_FAILSAFE_TIMEOUT" envDefault:"8s"`
	ProcessedCacheSize int           `env:"HANDOFF_PROCESSED_CACHE_SIZE" envDefault:"256"`
	SessionCacheSize   int           `env:"HANDOFF_SESSION_CACHE_SIZE" envDefault:"4096"`
	LoginPath          string        `env:"HANDOFF_LOGIN_PATH" envDefault:"/login"`
	ChallengePath      string        `env:"HANDOFF_CHALLENGE_PATH" envDefault:"/challenges"`
}

type InboxConfig struct {
	SuppressionWindow time.Duration `env:"INBOX_SUPPRESSION_WINDOW" envDefault:"3s"`
}

// NotifyConfig содержит настройки диспетчера уведомлений
type NotifyConfig struct {
	RateWindow      time.Duration `env:"NOTIFY_RATE_WINDOW" envDefault:"1h"`
	RateLimit       int           `env:"NOTIFY_RATE_LIMIT" envDefault:"3"`
	DigestWindow    time.Duration `env:"NOTIFY_DIGEST_WINDOW" envDefault:"15m"`
	DigestTemplates []string      `env:"NOTIFY_DIGEST_TEMPLATES" envSeparator:"," envDefault:"referral_activated"`
	BatchSize       int           `env:"NOTIFY_BATCH_SIZE" envDefault:"100"`
}

type SchedulerConfig struct {
	MilestoneSweepInterval time.Duration `env:"MILESTONE_SWEEP_INTERVAL" envDefault:"1h"`
	DigestFlushInterval    time.Duration `env:"DIGEST_FLUSH_INTERVAL" envDefault:"1m"`
	SweepConcurrency       int           `env:"SWEEP_CONCURRENCY" envDefault:"4"`
}

// Load загружает конфигурацию из переменных окружения и .env
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("ошибка чтения переменных окружения: %w", err)
	}

	rewards, err := LoadRewards(cfg.RewardsPath)
	if err != nil {
		return nil, err
	}
	cfg.Rewards = rewards

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("ошибка валидации конфигурации: %w", err)
	}

	return cfg, nil
}

// validateConfig проверяет корректность конфигурации
func validateConfig(config *Config) error {
	switch config.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if config.Database.Host == "" {
			return fmt.Errorf("DB_HOST не установлен")
		}
		if config.Database.User == "" {
			return fmt.Errorf("DB_USER не установлен")
		}
		if config.Database.Password == "" {
			return fmt.Errorf("DB_PASSWORD не установлен")
		}
		if config.Database.Name == "" {
			return fmt.Errorf("DB_NAME не установлен")
		}
	case BackendMongo:
		if config.Mongo.URI == "" {
			return fmt.Errorf("MONGO_URI не установлен")
		}
	default:
		return fmt.Errorf("поддерживаются только STORE_BACKEND: memory, postgres, mongo")
	}
	if config.Store.MaxAttempts <= 0 {
		return fmt.Errorf("STORE_MAX_ATTEMPTS должен быть положительным")
	}
	if config.App.Port <= 0 || config.App.Port > 65535 {
		return fmt.Errorf("некорректный APP_PORT: %d", config.App.Port)
	}
	if config.Handoff.FailsafeTimeout <= 0 {
		return fmt.Errorf("HANDOFF_FAILSAFE_TIMEOUT должен быть положительным")
	}
	if config.Notify.RateLimit <= 0 {
		return fmt.Errorf("NOTIFY_RATE_LIMIT должен быть положительным")
	}
	return config.Rewards.Validate()
}

// GetDSN возвращает строку подключения к базе данных
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// IsDevelopment проверяет, запущено ли приложение в режиме разработки
func (c *AppConfig) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction проверяет, запущено ли приложение в продакшн режиме
func (c *AppConfig) IsProduction() bool {
	return c.Env == "production"
}

// GetLogLevel возвращает уровень логирования в формате zap
func (c *AppConfig) GetLogLevel() zap.AtomicLevel {
	switch c.LogLevel {
	case "debug":
		return zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		return zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		return zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		return zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zap.InfoLevel)
	}
}
