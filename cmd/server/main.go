package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"duo-habits/internal/api"
	"duo-habits/internal/challenge"
	"duo-habits/internal/config"
	"duo-habits/internal/invitation"
	"duo-habits/internal/metrics"
	"duo-habits/internal/migrations"
	"duo-habits/internal/notify"
	"duo-habits/internal/reward"
	"duo-habits/internal/scheduler"
	"duo-habits/internal/store"
	"duo-habits/internal/user"

	"go.uber.org/zap"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Инициализация логгера
	logger, err := initLogger(cfg)
	if err != nil {
		fmt.Printf("Ошибка инициализации логгера: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("запуск приложения duo-habits",
		zap.String("env", cfg.App.Env),
		zap.String("store_backend", cfg.Store.Backend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Применение миграций нужно только бэкенду PostgreSQL
	if cfg.Store.Backend == config.BackendPostgres {
		if err := migrations.RunMigrations(cfg, logger); err != nil {
			logger.Fatal("ошибка применения миграций", zap.Error(err))
		}
	}

	// Инициализация хранилища
	docs, err := store.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("ошибка инициализации хранилища", zap.Error(err))
	}
	st := store.New(docs, logger)
	defer st.Close()

	// Инициализация метрик
	metricsSystem := metrics.New(logger)

	// Инициализация сервисов
	outbox := notify.NewOutbox(docs, cfg.Notify, logger)
	rewardService := reward.NewService(st, cfg.Rewards, outbox, metricsSystem, logger)
	challengeService := challenge.NewService(st, rewardService, outbox, logger)
	invitationService := invitation.NewService(st, challengeService, outbox, metricsSystem, logger)

	// Канал доставки уведомлений
	var sender notify.Sender = notify.NewLogSender(logger)
	if cfg.Telegram.BotToken != "" {
		tg, err := notify.NewTelegramSender(cfg.Telegram.BotToken, st.User(), logger)
		if err != nil {
			logger.Fatal("ошибка инициализации Telegram бота", zap.Error(err))
		}
		sender = tg
	} else {
		logger.Info("токен бота не задан, уведомления пишутся в лог")
	}
	dispatcher := notify.NewDispatcher(docs, sender, cfg.Notify, metricsSystem, logger)

	// Инициализация планировщика задач
	taskScheduler := scheduler.NewScheduler(logger)
	taskScheduler.AddJob(scheduler.NewMilestoneSweepJob(st.User(), rewardService, cfg.Scheduler.SweepConcurrency, logger),
		cfg.Scheduler.MilestoneSweepInterval)
	taskScheduler.AddJob(scheduler.NewDigestFlushJob(dispatcher, logger), cfg.Scheduler.DigestFlushInterval)

	// Инициализация HTTP обработчиков
	server, err := api.NewServer(api.Deps{
		Store:       st,
		Users:       user.NewService(st, logger),
		Invitations: invitationService,
		Challenges:  challengeService,
		Rewards:     rewardService,
		Metrics:     metricsSystem,
	}, cfg, logger)
	if err != nil {
		logger.Fatal("ошибка инициализации HTTP обработчиков", zap.Error(err))
	}

	// Обработка сигналов для graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		taskScheduler.Start(ctx)
	}()

	httpDone := make(chan struct{})
	go func() {
		defer close(httpDone)
		startHTTPServer(ctx, cfg.App.Port, server.Handler(), logger)
	}()

	logger.Info("приложение запущено и готово к работе",
		zap.String("address", fmt.Sprintf("http://localhost:%d", cfg.App.Port)))

	// Ожидание сигнала завершения
	<-sigChan
	logger.Info("получен сигнал завершения, начинаем graceful shutdown")
	cancel()

	<-httpDone
	server.Close()
	<-schedulerDone
	challengeService.Cleaner().Wait()

	logger.Info("приложение завершено")
}

// initLogger инициализирует логгер
func initLogger(cfg *config.Config) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.App.IsProduction() {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = cfg.App.GetLogLevel()
	zc.OutputPaths = []string{"stdout", "logs/app.log"}
	zc.ErrorOutputPaths = []string{"stderr", "logs/error.log"}

	// Создаем директорию для логов если её нет
	if err := os.MkdirAll("logs", 0755); err != nil {
		return nil, fmt.Errorf("ошибка создания директории логов: %w", err)
	}

	return zc.Build()
}

// startHTTPServer запускает HTTP сервер API и метрик
func startHTTPServer(ctx context.Context, port int, handler http.Handler, logger *zap.Logger) {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("HTTP сервер запущен", zap.String("address", server.Addr))

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ошибка HTTP сервера", zap.Error(err))
		}
	}()

	// Ожидание сигнала завершения
	<-ctx.Done()

	// Graceful shutdown HTTP сервера
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("ошибка при остановке HTTP сервера", zap.Error(err))
	}

	logger.Info("HTTP сервер остановлен")
}
