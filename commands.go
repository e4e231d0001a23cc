package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/sessions"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"ctf-scoreboard/cache"
	"ctf-scoreboard/database"
	"ctf-scoreboard/handlers"
	"ctf-scoreboard/leaderboard"
	"ctf-scoreboard/ledger"
	"ctf-scoreboard/middleware"
	"ctf-scoreboard/reconcile"
)

func newServeCmd(configPath *string) *cobra.Command {
	var seedPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and live score feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.seed(ctx, seedPath); err != nil {
				return err
			}
			return serve(ctx, a)
		},
	}
	cmd.Flags().StringVar(&seedPath, "seed", "", "YAML fixture with users, challenges and competitions to load at startup")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	cfg, logger := a.cfg, a.logger

	l := ledger.New(a.store, ledger.WithLocker(a.locks), ledger.WithLogger(logger))
	rec := reconcile.New(a.store,
		reconcile.WithLocker(a.locks),
		reconcile.WithLogger(logger),
		reconcile.WithMaxPasses(cfg.Reconcile.MaxPasses),
	)

	agg := leaderboard.New(a.store, logger)
	if err := agg.Rebuild(ctx); err != nil {
		return fmt.Errorf("build leaderboard: %w", err)
	}

	var lbCache *cache.Leaderboard
	if cfg.Redis.Enabled {
		rdb, err := cache.Connect(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		lbCache = cache.NewLeaderboard(rdb, cfg.Redis.TTL, logger)
		if err := lbCache.Invalidate(ctx); err != nil {
			logger.Warn("stale leaderboard cache not cleared", "error", err)
		}
	}

	var origins []string
	if cfg.CORS.Enabled {
		origins = cfg.CORS.AllowedOrigins
	}
	hub := handlers.NewHub(logger, origins...)
	defer hub.Close()
	detach := handlers.ConnectLedger(l, agg, lbCache, hub, logger)
	defer detach()

	store := sessions.NewCookieStore([]byte(cfg.Auth.SessionKey))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(cfg.Auth.TokenTTL.Seconds()),
		HttpOnly: true,
		Secure:   cfg.App.Env == "production",
		SameSite: http.SameSiteLaxMode,
	}
	if cfg.Auth.AdminKeyHash == "" {
		logger.Warn("no admin key hash configured, admin login disabled")
	}

	var handler http.Handler = handlers.NewRouter(handlers.Deps{
		Ledger:      l,
		Reconciler:  rec,
		Leaderboard: agg,
		Cache:       lbCache,
		Hub:         hub,
		Sessions:    store,
		Tokens:      middleware.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
		AdminKey:    middleware.NewAdminKey(cfg.Auth.AdminKeyHash),
		Logger:      logger,
	})

	if cfg.CORS.Enabled {
		handler = cors.New(cors.Options{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowedMethods:   cfg.CORS.AllowedMethods,
			AllowedHeaders:   cfg.CORS.AllowedHeaders,
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           cfg.CORS.MaxAge,
		}).Handler(handler)
	}

	srv := &http.Server{
		Handler:      handler,
		Addr:         cfg.Server.Addr,
		WriteTimeout: cfg.Server.WriteTimeout,
		ReadTimeout:  cfg.Server.ReadTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Server.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newReconcileCmd(configPath *string) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Rebuild every challenge's solver records from the solve history",
		Long: "Replays the solve event history, reassigns solve order and first blood, " +
			"and rewrites the standalone and competition copies. Safe to run repeatedly.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "yaml" && format != "json" {
				return fmt.Errorf("unknown format %q", format)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			rec := reconcile.New(a.store,
				reconcile.WithLocker(a.locks),
				reconcile.WithLogger(a.logger),
				reconcile.WithMaxPasses(a.cfg.Reconcile.MaxPasses),
			)
			report, runErr := rec.Run(ctx)
			if report != nil {
				if err := writeReport(cmd.OutOrStdout(), report, format); err != nil {
					return err
				}
			}
			if runErr != nil {
				return runErr
			}
			if len(report.Inconsistencies) > 0 {
				return errors.New("some competition copies still diverge, see report")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "yaml", "report format: yaml or json")
	return cmd
}

func writeReport(w io.Writer, report *reconcile.Report, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(report)
}

func newMigrateCmd(configPath *string) *cobra.Command {
	var seedPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := setup(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.db == nil {
				return errors.New("migrate needs the postgres driver")
			}
			if err := database.InitDB(ctx, a.db); err != nil {
				return err
			}
			a.logger.Info("schema ready")
			return a.seed(ctx, seedPath)
		},
	}
	cmd.Flags().StringVar(&seedPath, "seed", "", "YAML fixture to load after creating the schema")
	return cmd
}
