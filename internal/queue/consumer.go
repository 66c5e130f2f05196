package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"report-scheduler/execution-engine/internal/reports"
)

// commands is the slice of the Redis API the queue uses. *redis.Client
// satisfies it.
type commands interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BRPopLPush(ctx context.Context, source, destination string, timeout time.Duration) *redis.StringCmd
	RPopLPush(ctx context.Context, source, destination string) *redis.StringCmd
	LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd
}

// Store looks up execution records for the duplicate guard.
type Store interface {
	GetExecution(ctx context.Context, id string) (*reports.ReportExecution, error)
}

// Handler runs one execution request. A returned error marks the request
// as handled anyway; the failure lives on the execution record, not on the
// queue.
type Handler func(ctx context.Context, msg *Message) error

// Options tunes the consumer loop.
type Options struct {
	Queue        string
	ConsumerName string
	PopTimeout   time.Duration

	RestartMaxAttempts  int
	RestartInitialDelay time.Duration
	RestartMaxDelay     time.Duration
}

func (o Options) withDefaults() Options {
	if o.Queue == "" {
		o.Queue = defaultQueueName
	}
	if o.ConsumerName == "" {
		o.ConsumerName = "worker-001"
	}
	if o.PopTimeout <= 0 {
		o.PopTimeout = 5 * time.Second
	}
	if o.RestartMaxAttempts <= 0 {
		o.RestartMaxAttempts = 5
	}
	if o.RestartInitialDelay <= 0 {
		o.RestartInitialDelay = 5 * time.Second
	}
	if o.RestartMaxDelay <= 0 {
		o.RestartMaxDelay = 60 * time.Second
	}
	return o
}

// A consume loop that survives this long before failing is considered
// healthy and gets its restart budget back.
const healthyRunThreshold = time.Minute

// Consumer pops execution requests off the queue and hands them to the
// handler. Delivery is at least once: a message is acked after handling
// whether the handler succeeded or not, and redelivery after a crash is
// made safe by the duplicate guard plus the engine's atomic claim.
type Consumer struct {
	rdb        commands
	store      Store
	handler    Handler
	logger     *zap.Logger
	opts       Options
	processing string
}

func NewConsumer(rdb *redis.Client, store Store, handler Handler, logger *zap.Logger, opts Options) *Consumer {
	return newConsumer(rdb, store, handler, logger, opts)
}

func newConsumer(rdb commands, store Store, handler Handler, logger *zap.Logger, opts Options) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Consumer{
		rdb:        rdb,
		store:      store,
		handler:    handler,
		logger:     logger,
		opts:       opts,
		processing: fmt.Sprintf("%s:processing:%s", opts.Queue, opts.ConsumerName),
	}
}

// Run consumes until ctx is cancelled. Consume loop failures restart the
// loop with exponentially growing delays; the error comes back only once
// the restart budget is spent.
func (c *Consumer) Run(ctx context.Context) error {
	attempt := 0
	delay := c.opts.RestartInitialDelay

	for {
		started := time.Now()
		err := c.consume(ctx)
		if err == nil {
			c.logger.Info("Consumer stopped")
			return nil
		}
		if time.Since(started) >= healthyRunThreshold {
			attempt = 0
			delay = c.opts.RestartInitialDelay
		}

		attempt++
		if attempt >= c.opts.RestartMaxAttempts {
			c.logger.Error("Consumer stopped after repeated failures",
				zap.Int("attempts", attempt), zap.Error(err))
			return fmt.Errorf("consumer stopped after %d attempts: %w", attempt, err)
		}

		c.logger.Warn("Consume loop failed, restarting",
			zap.Error(err),
			zap.Duration("delay", delay),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", c.opts.RestartMaxAttempts))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = nextDelay(delay, c.opts.RestartMaxDelay)
	}
}

func nextDelay(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		next = max
	}
	return next
}

func (c *Consumer) consume(ctx context.Context) error {
	if err := c.recoverOrphans(ctx); err != nil {
		return err
	}

	c.logger.Info("Consuming execution requests",
		zap.String("queue", c.opts.Queue),
		zap.String("processing", c.processing))

	for {
		if ctx.Err() != nil {
			return nil
		}
		payload, err := c.rdb.BRPopLPush(ctx, c.opts.Queue, c.processing, c.opts.PopTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("queue pop failed: %w", err)
		}
		c.process(ctx, payload)
	}
}

// recoverOrphans pushes messages a previous run left in the processing
// list back onto the queue.
func (c *Consumer) recoverOrphans(ctx context.Context) error {
	moved := 0
	for {
		_, err := c.rdb.RPopLPush(ctx, c.processing, c.opts.Queue).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to requeue orphaned messages: %w", err)
		}
		moved++
	}
	if moved > 0 {
		c.logger.Warn("Requeued orphaned messages from previous run", zap.Int("count", moved))
	}
	return nil
}

func (c *Consumer) process(ctx context.Context, payload string) {
	msg, err := DecodeMessage([]byte(payload))
	if err != nil {
		c.logger.Error("Dropping malformed queue message", zap.Error(err))
		c.ack(ctx, payload)
		return
	}

	logger := c.logger.With(
		zap.String("execution_id", msg.ExecutionID),
		zap.Int64("config_id", msg.ConfigID))
	logger.Info("Processing execution request", zap.String("executed_by", msg.ExecutedBy))

	existing, err := c.store.GetExecution(ctx, msg.ExecutionID)
	switch {
	case err == nil && existing.Status == reports.ExecutionStatusCompleted:
		logger.Warn("Execution already completed, dropping duplicate")
		c.ack(ctx, payload)
		return
	case err != nil && !errors.Is(err, reports.ErrNotFound):
		logger.Warn("Execution lookup failed, handling anyway", zap.Error(err))
	}

	if err := c.handler(ctx, msg); err != nil {
		// The failure is already on the execution record; the message is
		// acked either way so one bad request cannot wedge the queue.
		logger.Error("Execution request failed", zap.Error(err))
	} else {
		logger.Info("Execution request handled")
	}
	c.ack(ctx, payload)
}

func (c *Consumer) ack(ctx context.Context, payload string) {
	if err := c.rdb.LRem(ctx, c.processing, 1, payload).Err(); err != nil {
		c.logger.Error("Failed to ack message", zap.Error(err))
	}
}
