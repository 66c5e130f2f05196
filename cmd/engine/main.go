package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"report-scheduler/execution-engine/internal/api"
	"report-scheduler/execution-engine/internal/config"
	"report-scheduler/execution-engine/internal/queue"
	"report-scheduler/execution-engine/internal/reports"
	"report-scheduler/execution-engine/internal/reports/datasource"
	"report-scheduler/execution-engine/internal/reports/delivery"
	"report-scheduler/execution-engine/internal/reports/engine"
	"report-scheduler/execution-engine/internal/storage"
	"report-scheduler/execution-engine/pkg/logger"
)

func main() {
	// Environment variables first, so the config loader sees them.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("RSE_CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, cfg.Log.Output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log = log.Named("api")

	db, err := storage.NewDB(cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Connected to database",
		zap.String("host", cfg.Database.Host),
		zap.String("database", cfg.Database.Database))

	rdb := storage.NewRedis(cfg.Redis)
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn("Redis unreachable at startup, queueing endpoints will fail until it returns",
			zap.String("addr", cfg.Redis.Addr()), zap.Error(err))
	}
	cancelPing()

	repo := reports.NewRepository(db)
	dispatcher := delivery.NewDispatcher(repo, log,
		delivery.NewMailChannel(delivery.SMTPOptions{
			Host:        cfg.Mail.SMTPHost,
			Port:        cfg.Mail.SMTPPort,
			Username:    cfg.Mail.Username,
			Password:    cfg.Mail.Password,
			FromAddress: cfg.Mail.FromAddress,
			FromName:    cfg.Mail.FromName,
		}, log),
		delivery.NewSFTPChannel(log))

	eng := engine.New(engine.Options{
		Repository: repo,
		Runners: map[reports.DatasourceType]datasource.Runner{
			reports.DatasourceTypeMySQL: datasource.NewMySQLRunner(),
		},
		Dispatcher:     dispatcher,
		Logger:         log,
		OutputRoot:     cfg.Output.Dir,
		QueryTimeout:   cfg.Query.Timeout,
		DefaultMaxRows: cfg.Query.DefaultMaxRows,
	})

	publisher := queue.NewPublisher(rdb, cfg.Queue.Name, log)
	handler := api.NewHandler(eng, publisher, repo, func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}, log)

	server := api.NewServer(handler, log, api.ServerOptions{
		Addr:         cfg.Server.Addr(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	})

	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	log.Info("Server exiting")
}
