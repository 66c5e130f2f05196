package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

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
	log = log.Named("worker")

	db, err := storage.NewDB(cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Connected to database",
		zap.String("host", cfg.Database.Host),
		zap.String("database", cfg.Database.Database))

	rdb := storage.NewRedis(cfg.Redis)

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

	consumer := queue.NewConsumer(rdb, repo, func(ctx context.Context, msg *queue.Message) error {
		_, err := eng.Execute(ctx, &engine.Request{
			ExecutionID: msg.ExecutionID,
			ConfigID:    msg.ConfigID,
			ScheduleID:  msg.ScheduleID,
			ExecutedBy:  msg.ExecutedBy,
		})
		return err
	}, log, queue.Options{
		Queue:               cfg.Queue.Name,
		ConsumerName:        cfg.Queue.ConsumerName,
		PopTimeout:          cfg.Queue.PopTimeout,
		RestartMaxAttempts:  cfg.Queue.RestartMaxAttempts,
		RestartInitialDelay: cfg.Queue.RestartInitialDelay,
		RestartMaxDelay:     cfg.Queue.RestartMaxDelay,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Info("Shutdown signal received")
		cancel()
	}()

	log.Info("Report execution worker starting",
		zap.String("queue", cfg.Queue.Name),
		zap.String("consumer", cfg.Queue.ConsumerName))
	if err := consumer.Run(ctx); err != nil {
		log.Fatal("Worker stopped with error", zap.Error(err))
	}
	log.Info("Worker stopped")
}
