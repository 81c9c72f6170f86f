package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"campaign_engine/internal/config"
	"campaign_engine/internal/engine"
	"campaign_engine/internal/httpapi"
	"campaign_engine/internal/logging"
	"campaign_engine/internal/notify"
	"campaign_engine/internal/store/sqlite"
	"campaign_engine/internal/worker/standard"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	logger.Info("server starting",
		zap.String("addr", cfg.Server.Addr),
		zap.String("worker", cfg.Worker.BaseURL),
		zap.String("completion", string(cfg.Worker.Completion)),
	)

	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	store, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer store.Close()
	if n, err := store.MarkInterrupted(ctx); err != nil {
		logger.Warn("close out interrupted campaigns", zap.Error(err))
	} else if n > 0 {
		logger.Info("closed out campaigns left running by a previous process", zap.Int64("count", n))
	}

	client := standard.New(cfg.Worker, logger.Named("worker"))

	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	monitor := engine.NewHealthMonitor(client, engine.HealthOptions{
		Interval:         cfg.Worker.HealthInterval(),
		Timeout:          cfg.Worker.HealthTimeout(),
		FailureThreshold: cfg.Worker.FailureThreshold,
		Logger:           logger.Named("health"),
	})
	monitor.Start(monitorCtx)

	notifier := notify.NewEmailNotifier(store, notify.EmailOptions{
		SummaryWindow: cfg.Notify.SummaryWindow(),
		MaxBatch:      cfg.Notify.MaxBatch,
		Logger:        logger.Named("notify"),
	})

	manager := engine.NewManager(engine.ManagerOptions{
		Config:   cfg,
		Worker:   client,
		Health:   monitor,
		Store:    store,
		Notifier: notifier,
		Logger:   logger.Named("engine"),
	})
	defer manager.Close()

	api := httpapi.New(httpapi.Options{
		Cfg:     cfg,
		Manager: manager,
		Store:   store,
		Logger:  logger.Named("http"),
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// campaigns drain before the listener goes away so pushed completions still land
	if err := manager.StopAll(shutdownCtx); err != nil {
		logger.Warn("campaigns did not drain", zap.Error(err))
	}
	_ = server.Shutdown(shutdownCtx)
	stopMonitor()
	monitor.Wait()
	if err := notifier.Close(shutdownCtx); err != nil {
		logger.Warn("notifier close", zap.Error(err))
	}
	logger.Info("server stopped")
	return runErr
}
