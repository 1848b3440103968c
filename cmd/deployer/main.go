package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/splax/helion-deployer/internal/blobstore"
	"github.com/splax/helion-deployer/internal/deploy"
	httpx "github.com/splax/helion-deployer/internal/http"
	"github.com/splax/helion-deployer/internal/ledger"
	"github.com/splax/helion-deployer/internal/notify"
	"github.com/splax/helion-deployer/internal/taskmanager"
	"github.com/splax/helion-deployer/internal/workspace"
	"github.com/splax/helion-deployer/pkg/config"
	"github.com/splax/helion-deployer/pkg/logger"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("failed to load .env", "error", err)
		os.Exit(1)
	}
	cfg, err := config.LoadDeployerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New("deployer", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := blobstore.Open(ctx, cfg.Blob, log)
	if err != nil {
		log.Error("blob store init failed", "error", err, "backend", cfg.Blob.Backend)
		os.Exit(1)
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Error("blob store close failed", "error", err)
		}
	}()

	ensureCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = store.EnsureContainer(ensureCtx)
	cancel()
	if err != nil {
		log.Error("blob store not ready", "error", err, "backend", cfg.Blob.Backend)
		os.Exit(1)
	}

	workspaceManager, err := workspace.New(cfg.Workdir)
	if err != nil {
		log.Error("workspace init failed", "error", err, "workdir", cfg.Workdir)
		os.Exit(1)
	}

	tasks := taskmanager.NewTaskManager(cfg.Workers, cfg.QueueSize, log)
	tasks.Start()

	metrics := httpx.NewMetrics(nil)
	metrics.WatchQueue(tasks.Pending)

	opts := []deploy.Option{deploy.WithOutcomeObserver(metrics.ObserveDeployment)}
	if cfg.Callback.URL != "" {
		hook, err := notify.NewWebhook(cfg.Callback.URL, cfg.Callback.Token, &http.Client{Timeout: cfg.Callback.Timeout})
		if err != nil {
			log.Error("status webhook init failed", "error", err)
			os.Exit(1)
		}
		opts = append(opts, deploy.WithStatusNotifier(hook))
	}
	deploySvc := deploy.New(store, ledger.New(store, log), workspaceManager, tasks, log, cfg, opts...)

	var limiter httpx.RateLimiter
	if cfg.TriggerRate > 0 && cfg.RateLimitRedis {
		limiter, err = httpx.NewRedisRateLimiter(cfg.Blob.RedisAddr, cfg.Blob.RedisPassword, cfg.Blob.RedisDB, cfg.TriggerRate, cfg.TriggerWindow, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable, using in-memory limiter", "error", err)
			limiter = nil
		}
	}
	router := httpx.New(log, deploySvc, httpx.Options{
		JWTSecret:     cfg.JWTSecret,
		TriggerRate:   cfg.TriggerRate,
		TriggerWindow: cfg.TriggerWindow,
		Limiter:       limiter,
		Metrics:       metrics,
	})
	defer router.Close()

	if cfg.JWTSecret == "" {
		log.Warn("DEPLOYER_JWT_SECRET not set, deployment routes are unauthenticated")
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("deployer server starting",
			"addr", cfg.Addr,
			"backend", cfg.Blob.Backend,
			"workers", cfg.Workers,
			"queue", cfg.QueueSize,
			"package_path_mode", cfg.UsePackagePath,
		)
		errorCh <- srv.ListenAndServe()
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			exitCode = 1
		}
	}

	log.Info("waiting for deployments to stop", "queued", tasks.Pending())
	tasks.Stop()
	log.Info("deployer server stopped")
	if exitCode != 0 {
		_ = closeStore()
		os.Exit(exitCode)
	}
}
