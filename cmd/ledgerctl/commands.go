package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"duo-habits/internal/config"
	"duo-habits/internal/docstore"
	"duo-habits/internal/metrics"
	"duo-habits/internal/migrations"
	"duo-habits/internal/notify"
	"duo-habits/internal/reward"
	"duo-habits/internal/store"
	"duo-habits/pkg/models"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// env окружение команд: конфигурация, логгер и открытие хранилища
type env struct {
	loadConfig func() (*config.Config, error)
	openDocs   func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (docstore.Store, error)
	newLogger  func() (*zap.Logger, error)
}

func defaultEnv() env {
	return env{
		loadConfig: config.Load,
		openDocs:   store.Open,
		newLogger:  func() (*zap.Logger, error) { return zap.NewProduction() },
	}
}

// app зависимости, создаваемые перед выполнением команды
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   store.Store
	rewards *reward.Service
}

func (a *app) close() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

func newRootCommand(e env) *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Обслуживание наград реферальной программы",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := e.newLogger()
			if err != nil {
				return fmt.Errorf("ошибка инициализации логгера: %w", err)
			}
			a.logger = logger

			cfg, err := e.loadConfig()
			if err != nil {
				return fmt.Errorf("ошибка загрузки конфигурации: %w", err)
			}
			a.cfg = cfg
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}

	// openStore подключает хранилище только командам, которым оно нужно
	openStore := func(cmd *cobra.Command) error {
		docs, err := e.openDocs(cmd.Context(), a.cfg, a.logger)
		if err != nil {
			return fmt.Errorf("ошибка подключения к хранилищу: %w", err)
		}
		a.store = store.New(docs, a.logger)
		outbox := notify.NewOutbox(docs, a.cfg.Notify, a.logger)
		a.rewards = reward.NewService(a.store, a.cfg.Rewards, outbox, metrics.New(a.logger), a.logger)
		return nil
	}

	cmd.AddCommand(newRecountCommand(a, openStore))
	cmd.AddCommand(newUnlockCommand(a, openStore))
	cmd.AddCommand(newClaimCommand(a, openStore))
	cmd.AddCommand(newMigrateCommand(a))
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// RecountReport сравнение сохраненного и пересчитанного числа активаций
type RecountReport struct {
	UserID    string `json:"userId"`
	Stored    int    `json:"stored"`
	Recounted int    `json:"recounted"`
	Drift     bool   `json:"drift"`
}

func newRecountCommand(a *app, openStore func(*cobra.Command) error) *cobra.Command {
	return &cobra.Command{
		Use:   "recount <uid>",
		Short: "Пересчитать активации без изменения наград",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := openStore(cmd); err != nil {
				return err
			}
			userID := args[0]
			report := RecountReport{UserID: userID}

			err := a.store.Docs().RunTransaction(cmd.Context(), func(ctx context.Context, tx docstore.Tx) error {
				ledger, err := a.store.Ledger().GetTx(ctx, tx, userID)
				if err != nil {
					return err
				}
				count, err := a.store.User().CountActivatedTx(ctx, tx, userID)
				if err != nil {
					return err
				}
				report.Stored, report.Recounted = ledger.ActivatedCount, count
				return nil
			})
			if err != nil {
				return fmt.Errorf("ошибка пересчета: %w", store.MapErr(err))
			}
			report.Drift = report.Stored != report.Recounted
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

// UnlockReport итог открытия порогов
type UnlockReport struct {
	UserID   string         `json:"userId"`
	Unlocked []int          `json:"unlocked"`
	Ledger   *models.Ledger `json:"ledger"`
}

func newUnlockCommand(a *app, openStore func(*cobra.Command) error) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <uid>",
		Short: "Пересчитать активации и открыть достигнутые пороги",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := openStore(cmd); err != nil {
				return err
			}
			ledger, unlocked, err := a.rewards.Unlock(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if unlocked == nil {
				unlocked = []int{}
			}
			return printJSON(cmd.OutOrStdout(), UnlockReport{UserID: args[0], Unlocked: unlocked, Ledger: ledger})
		},
	}
}

func newClaimCommand(a *app, openStore func(*cobra.Command) error) *cobra.Command {
	return &cobra.Command{
		Use:   "claim <uid> <milestone>",
		Short: "Выдать награду за открытый порог",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			milestone, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("некорректный порог %q: %w", args[1], err)
			}
			if err := openStore(cmd); err != nil {
				return err
			}
			ledger, err := a.rewards.Claim(cmd.Context(), args[0], milestone)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ledger)
		},
	}
}

func newMigrateCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Миграции схемы PostgreSQL",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Применить миграции",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrations.RunMigrations(a.cfg, a.logger)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Показать статус миграций",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrations.GetMigrationStatus(a.cfg, a.logger)
		},
	})
	return cmd
}
