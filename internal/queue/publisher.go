package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultQueueName = "report-scheduler:executions"

// Publisher enqueues execution requests for the worker.
type Publisher struct {
	rdb    commands
	queue  string
	logger *zap.Logger
}

func NewPublisher(rdb *redis.Client, queueName string, logger *zap.Logger) *Publisher {
	return newPublisher(rdb, queueName, logger)
}

func newPublisher(rdb commands, queueName string, logger *zap.Logger) *Publisher {
	if queueName == "" {
		queueName = defaultQueueName
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{rdb: rdb, queue: queueName, logger: logger}
}

// Enqueue pushes the request onto the queue. A missing execution id is
// minted here so the caller can hand it back before the worker picks the
// request up.
func (p *Publisher) Enqueue(ctx context.Context, msg *Message) error {
	if msg.ExecutionID == "" {
		msg.ExecutionID = uuid.New().String()
	}
	if msg.ExecutedBy == "" {
		msg.ExecutedBy = "system"
	}
	if msg.QueuedAt.IsZero() {
		msg.QueuedAt = time.Now()
	}

	payload, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if err := p.rdb.LPush(ctx, p.queue, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue execution %s: %w", msg.ExecutionID, err)
	}

	p.logger.Info("Execution queued",
		zap.String("execution_id", msg.ExecutionID),
		zap.Int64("config_id", msg.ConfigID),
		zap.String("queue", p.queue))
	return nil
}
