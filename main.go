package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"ctf-scoreboard/config"
	"ctf-scoreboard/database"
	"ctf-scoreboard/ports"
)

type app struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB
	store  ports.Store
	seeder database.Seeder
	// locks serializes challenge writers; with postgres it spans processes.
	locks ports.Locker
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
}

// setup loads configuration and opens the configured store.
func setup(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.App.Level()}))
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}
	switch cfg.Database.Driver {
	case "memory":
		mem := database.NewMemoryStore()
		a.store, a.seeder = mem, mem
		a.locks = ports.NewKeyedMutex()
		logger.Warn("using in-memory store, nothing is persisted")
	default:
		db, err := database.Connect(ctx, cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		pg := database.NewPostgresStore(db)
		a.db, a.store, a.seeder = db, pg, pg
		a.locks = database.NewAdvisoryLocker(db, logger)
	}
	return a, nil
}

func (a *app) seed(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	fx, err := database.LoadFixture(path)
	if err != nil {
		return err
	}
	if err := fx.Apply(ctx, a.seeder); err != nil {
		return fmt.Errorf("apply fixture %s: %w", path, err)
	}
	a.logger.Info("fixture applied",
		"path", path,
		"challenges", len(fx.Challenges),
		"competitions", len(fx.Competitions),
		"users", len(fx.Users),
	)
	return nil
}

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "ctf-scoreboard",
		Short:         "Dynamic scoring and solve ledger for CTF competitions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newReconcileCmd(&configPath),
		newMigrateCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
