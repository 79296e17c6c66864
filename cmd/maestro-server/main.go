// maestro-server is the orchestration server: it wires the SQLite store, the
// dependency-aware queue, the lock manager, the tenancy manager, and the
// event fan-out (WebSocket hub plus chat webhooks) behind one HTTP API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"maestro/internal/async"
	"maestro/internal/config"
	"maestro/internal/events"
	"maestro/internal/hub"
	"maestro/internal/lock"
	"maestro/internal/logging"
	"maestro/internal/metrics"
	"maestro/internal/queue"
	serverhttp "maestro/internal/server/http"
	"maestro/internal/storage/sqlite"
	"maestro/internal/webhook"
	"maestro/internal/workspace"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "maestro-server",
		Short:         "Multi-tenant task orchestration server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (optional)")

	root.AddCommand(migrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// migrateCmd applies pending schema migrations and exits, for deploy
// pipelines that migrate before rolling the server.
func migrateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			setupLogging(cfg)
			store, err := sqlite.Open(cfg.Storage.Path, sqlite.WithLogger(logging.NewComponentLogger("store")))
			if err != nil {
				return err
			}
			defer store.Close()
			return store.Migrate(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (optional)")
	return cmd
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg)
	logger := logging.NewComponentLogger("main")
	logger.Info("starting maestro-server on %s (db %s)", cfg.Server.Addr(), cfg.Storage.Path)

	store, err := sqlite.Open(cfg.Storage.Path, sqlite.WithLogger(logging.NewComponentLogger("store")))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	m := metrics.Default()

	notifier := webhook.NewNotifier(store, logging.NewComponentLogger("webhook"),
		webhook.WithAttempts(cfg.Webhook.Attempts),
		webhook.WithAttemptTimeout(cfg.Webhook.AttemptTimeout),
		webhook.WithMetrics(m),
	)
	defer notifier.Close()

	eventPool := async.NewPool("events", cfg.Events.PoolWorkers, cfg.Events.PoolQueue,
		logging.NewComponentLogger("events"))
	publisher := events.NewPublisher(store, store, logging.NewComponentLogger("events"),
		events.WithNotifier(notifier),
		events.WithPool(eventPool),
	)
	defer publisher.Close()

	wsHub := hub.New(logging.NewComponentLogger("hub"), nil,
		hub.WithHeartbeat(cfg.Server.WSHeartbeat()),
	)
	defer wsHub.CloseAll()
	publisher.RegisterBroadcast(func(projectID string, msg *events.Message) {
		wsHub.Broadcast(projectID, msg)
	})

	q := queue.New(queue.Config{
		MaxConcurrent:   cfg.Queue.MaxConcurrent,
		DefaultPriority: cfg.Queue.DefaultPriority,
		MaxRetries:      cfg.Queue.MaxRetries,
	}, store, publisher, logging.NewComponentLogger("queue"),
		queue.WithMetrics(m),
	)
	if err := q.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize queue: %w", err)
	}

	locks := lock.NewManager(store, logging.NewComponentLogger("lock"),
		lock.WithDefaultTTL(cfg.Lock.DefaultTTL),
		lock.WithWaitTimeout(cfg.Lock.WaitTimeout),
		lock.WithMetrics(m),
	)
	workspaces := workspace.NewManager(store, logging.NewComponentLogger("workspace"))

	router := serverhttp.NewRouter(serverhttp.Deps{
		Queue:          q,
		Store:          store,
		Locks:          locks,
		Workspaces:     workspaces,
		Notifier:       notifier,
		Hub:            wsHub,
		Metrics:        m,
		Logger:         logging.NewComponentLogger("http"),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Debug:          cfg.Server.Debug,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening on %s", cfg.Server.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case sig := <-quit:
		logger.Info("received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func setupLogging(cfg *config.Config) {
	logging.Setup(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		FilePath:   cfg.Log.FilePath,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
}
