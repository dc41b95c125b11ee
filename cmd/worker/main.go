// Package main provides a standalone worker process: queue consumption
// and orphan recovery without the HTTP surface.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/preyanshu/chainwatch/internal/adapter"
	"github.com/preyanshu/chainwatch/internal/analyzer"
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

	ctx := context.Background()

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

	jobRepo := storage.NewJobRepository(postgres.Pool())
	snapshotRepo := storage.NewSnapshotRepository(clickhouseDB)
	explorer := adapter.NewExplorerClient(&cfg.Explorer)

	prices := analyzer.PriceTable(cfg.Analysis.Prices)
	walletAnalyzer := analyzer.NewWalletAnalyzer(explorer, snapshotRepo, prices)
	tokenAnalyzer := analyzer.NewTokenAnalyzer(explorer, snapshotRepo)
	nftAnalyzer := analyzer.NewNFTAnalyzer(explorer, snapshotRepo)

	jobQueue := queue.New(broker.Client(), cfg.Queue.Name, cfg.Queue.PollInterval, cfg.Queue.Concurrency)
	worker := scheduler.NewWorker(jobRepo, jobQueue, walletAnalyzer, tokenAnalyzer, nftAnalyzer, scheduler.WorkerConfig{
		OrphanAge:          cfg.Worker.OrphanAge,
		EarlyFireTolerance: cfg.Worker.EarlyFireTolerance,
	}, logger)

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := worker.Start(workerCtx); err != nil {
		logger.WithError(err).Fatal("Failed to start worker")
	}
	logger.Info("Worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker...")
	cancel()
	worker.Stop()
	logger.Info("Worker exited")
}
