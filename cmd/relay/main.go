package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"filerelay/internal/api"
	"filerelay/internal/audit"
	"filerelay/internal/config"
	"filerelay/internal/notify"
	"filerelay/internal/pipeline"
	"filerelay/internal/store"
	"filerelay/internal/transform"
	"filerelay/internal/watcher"
	"filerelay/pkg/logger"
)

func main() {
	cfg := config.Load()
	logger.SetLevel(cfg.Server.Mode)
	if cfg.Server.Mode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	app := &cli.App{
		Name:  "relay",
		Usage: "Move inbound files through processing to outbound and archive containers",
		Commands: []*cli.Command{
			{
				Name:   "migrate",
				Usage:  "Apply audit log schema migrations",
				Action: func(c *cli.Context) error { return runMigrate(c.Context, cfg) },
			},
			{
				Name:   "run",
				Usage:  "Watch the inbound container and serve the ops API",
				Action: func(c *cli.Context) error { return runDaemon(cfg) },
			},
			{
				Name:  "process",
				Usage: "Process a single inbound file and exit",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "file",
						Usage:    "Name of the inbound object to process",
						Required: true,
					},
				},
				Action: func(c *cli.Context) error { return runOne(c.Context, cfg, c.String("file")) },
			},
			{
				Name:   "reconcile",
				Usage:  "Close audit entries that never reached a terminal state",
				Action: func(c *cli.Context) error { return runReconcile(c.Context, cfg) },
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Log.Fatal().Err(err).Msg("relay exited with error")
	}
}

// deps bundles the wired collaborators shared by the subcommands.
type deps struct {
	auditLog *audit.PostgresLog
	orch     *pipeline.Orchestrator
	st       store.ObjectStore
	dedupe   watcher.Dedupe
	close    func()
}

func buildDeps(cfg *config.Config) (*deps, error) {
	db, err := audit.NewDB(&cfg.Database)
	if err != nil {
		return nil, err
	}

	st, err := store.NewMinioStore(cfg.Store)
	if err != nil {
		db.Close()
		return nil, err
	}

	tr, err := buildTransformer(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	var (
		notifier notify.Notifier = notify.LogNotifier{}
		dedupe   watcher.Dedupe  = watcher.NewMemoryDedupe()
		rclient  *redis.Client
	)
	if cfg.Cache.Enabled {
		rclient, err = notify.NewRedisClient(cfg.Cache)
		if err != nil {
			db.Close()
			return nil, err
		}
		notifier = notify.NewRedisNotifier(rclient, cfg.Cache.NotifyChannel)
		dedupe = watcher.NewRedisDedupe(rclient, cfg.Cache.DedupeTTL)
	}

	auditLog := audit.NewPostgresLog(db)
	orch := pipeline.NewOrchestrator(st, tr, auditLog, notifier, pipelineConfig(cfg))

	return &deps{
		auditLog: auditLog,
		orch:     orch,
		st:       st,
		dedupe:   dedupe,
		close: func() {
			if rclient != nil {
				rclient.Close()
			}
			db.Close()
		},
	}, nil
}

func buildTransformer(cfg *config.Config) (transform.Transformer, error) {
	if cfg.Cipher.Key == "" {
		logger.Log.Info().Msg("no cipher key configured, files pass through untransformed")
		return transform.Noop{}, nil
	}
	return transform.NewFieldCipher(cfg.Cipher.Key, cfg.Cipher.Columns, cfg.Cipher.Strict)
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		Inbound:       cfg.Store.Inbound,
		Processing:    cfg.Store.Processing,
		Outbound:      cfg.Store.Outbound,
		Archive:       cfg.Store.Archive,
		Error:         cfg.Store.Error,
		PollInterval:  cfg.Pipeline.PollInterval,
		MaxCopyWait:   cfg.Pipeline.MaxCopyWait,
		RetryAttempts: cfg.Pipeline.RetryAttempts,
		RetryBackoff:  cfg.Pipeline.RetryBackoff,
		OrphanGrace:   cfg.Pipeline.OrphanGrace,
	}
}

func runMigrate(ctx context.Context, cfg *config.Config) error {
	db, err := audit.NewDB(&cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := audit.RunMigrations(ctx, db.DB); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Log.Info().Msg("audit schema is up to date")
	return nil
}

func runDaemon(cfg *config.Config) error {
	d, err := buildDeps(cfg)
	if err != nil {
		return err
	}
	defer d.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := watcher.New(d.st, d.orch, d.dedupe, watcher.Config{
		Inbound:  cfg.Store.Inbound,
		Interval: cfg.Pipeline.WatchInterval,
		Workers:  cfg.Pipeline.WorkerCount,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      api.NewRouter(d.auditLog, d.orch),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Log.Info().Str("port", cfg.Server.Port).Msg("Starting ops API")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal().Err(err).Msg("Failed to start ops API")
		}
	}()

	watchErr := make(chan error, 1)
	go func() {
		logger.Log.Info().Str("container", cfg.Store.Inbound).Msg("Watching inbound container")
		watchErr <- w.Run(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Log.Info().Msg("Shutting down...")
	case runErr = <-watchErr:
		if runErr != nil {
			// audit log unavailability is a system-level alert
			logger.Log.Error().Err(runErr).Msg("watcher stopped")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error().Err(err).Msg("ops API forced to shutdown")
	}

	if runErr != nil && runErr != context.Canceled {
		return runErr
	}
	return nil
}

func runOne(ctx context.Context, cfg *config.Config, fileName string) error {
	d, err := buildDeps(cfg)
	if err != nil {
		return err
	}
	defer d.close()

	task, err := d.orch.Process(ctx, fileName, "manual")
	if err != nil {
		return err
	}
	logger.Log.Info().Str("file", task.Name).Str("state", string(task.State)).
		Str("error", task.ErrorMessage).Msg("task finished")
	return nil
}

func runReconcile(ctx context.Context, cfg *config.Config) error {
	d, err := buildDeps(cfg)
	if err != nil {
		return err
	}
	defer d.close()

	n, err := d.orch.Reconcile(ctx)
	if err != nil {
		return err
	}
	logger.Log.Info().Int("reconciled", n).Msg("reconciliation pass finished")
	return nil
}
