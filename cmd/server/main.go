// Package main provides the chainwatch server entry point: the HTTP
// API plus the embedded job worker.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/preyanshu/chainwatch/internal/adapter"
	"github.com/preyanshu/chainwatch/internal/analyzer"
	"github.com/preyanshu/chainwatch/internal/api"
	"github.com/preyanshu/chainwatch/internal/config"
	"github.com/preyanshu/chainwatch/internal/logging"
	"github.com/preyanshu/chainwatch/internal/queue"
	"github.com/preyanshu/chainwatch/internal/retry"
	"github.com/preyanshu/chainwatch/internal/scheduler"
	"github.com/preyanshu/chainwatch/internal/storage"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(
		logging.ParseLogLevel(cfg.Logging.Level),
		logging.ParseLogFormat(cfg.Logging.Format),
	)
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	ctx := context.Background()

	logger.Info("Connecting to databases...")

	var postgres *storage.PostgresDB
	if err := retry.WithExponentialBackoff(ctx, retry.DefaultConfig(), func(ctx context.Context, attempt int) error {
		var connErr error
		postgres, connErr = storage.NewPostgresDB(&cfg.Database.Postgres)
		return connErr
	}); err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	var clickhouseDB *storage.ClickHouseDB
	if err := retry.WithExponentialBackoff(ctx, retry.DefaultConfig(), func(ctx context.Context, attempt int) error {
		var connErr error
		clickhouseDB, connErr = storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		return connErr
	}); err != nil {
		logger.WithError(err).Fatal("Failed to connect to ClickHouse")
	}
	defer clickhouseDB.Close()

	if err := clickhouseDB.EnsureSchema(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to ensure snapshot schema")
	}

	broker, err := storage.NewRedisBroker(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer broker.Close()

	logger.Info("Database connections established")

	// Repositories and feed adapter
	jobRepo := storage.NewJobRepository(postgres.Pool())
	snapshotRepo := storage.NewSnapshotRepository(clickhouseDB)
	explorer := adapter.NewExplorerClient(&cfg.Explorer)

	// Analyzers
	prices := analyzer.PriceTable(cfg.Analysis.Prices)
	walletAnalyzer := analyzer.NewWalletAnalyzer(explorer, snapshotRepo, prices)
	tokenAnalyzer := analyzer.NewTokenAnalyzer(explorer, snapshotRepo)
	nftAnalyzer := analyzer.NewNFTAnalyzer(explorer, snapshotRepo)

	// Queue, scheduler, worker
	jobQueue := queue.New(broker.Client(), cfg.Queue.Name, cfg.Queue.PollInterval, cfg.Queue.Concurrency)
	jobScheduler := scheduler.NewScheduler(jobRepo, jobQueue, logger)
	worker := scheduler.NewWorker(jobRepo, jobQueue, walletAnalyzer, tokenAnalyzer, nftAnalyzer, scheduler.WorkerConfig{
		OrphanAge:          cfg.Worker.OrphanAge,
		EarlyFireTolerance: cfg.Worker.EarlyFireTolerance,
	}, logger)

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	if err := worker.Start(workerCtx); err != nil {
		logger.WithError(err).Fatal("Failed to start worker")
	}
	logger.Info("Worker started")

	// HTTP server
	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}

	server := api.NewServer(serverConfig, jobScheduler, jobRepo, map[string]api.HealthChecker{
		"postgres":   postgres,
		"clickhouse": clickhouseDB,
		"redis":      broker,
	})

	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	cancelWorker()
	worker.Stop()

	logger.Info("Server exited")
}
