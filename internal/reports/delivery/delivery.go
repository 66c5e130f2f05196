// Package delivery distributes rendered report files to their configured
// destinations. Each channel runs its attempts under a retry policy and
// reports a terminal Outcome; the dispatcher owns the delivery log rows and
// keeps one channel's failure from touching the others.
package delivery

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"report-scheduler/execution-engine/internal/reports"
	"report-scheduler/execution-engine/internal/reports/timerange"
)

// =====================================================
// Types
// =====================================================

// Request carries everything the channels need for one execution's file.
type Request struct {
	Config      *reports.ReportConfig
	ScheduleID  *int64
	ExecutionID string
	FilePath    string
	Vars        timerange.Variables
}

// Outcome is the terminal state a channel reports for its delivery log row.
type Outcome struct {
	Status         reports.DeliveryLogStatus
	RecipientCount int
	SuccessCount   int
	FailureCount   int
	RetryCount     int
	FileSize       int64
	Details        map[string]interface{}
	Err            error
}

// Channel delivers a request through one configured destination.
type Channel interface {
	Method() reports.DeliveryMethod
	Deliver(ctx context.Context, target *reports.ReportDelivery, req *Request) Outcome
}

// Store is the slice of the repository the dispatcher writes through.
type Store interface {
	ListDeliveries(ctx context.Context, configID int64) ([]reports.ReportDelivery, error)
	CreateDeliveryLog(ctx context.Context, log *reports.ReportDeliveryLog) error
	UpdateDeliveryLog(ctx context.Context, log *reports.ReportDeliveryLog) error
}

// Summary aggregates per-channel outcomes for the execution result.
type Summary struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// parseSettings decodes a channel's delivery_config blob. An absent blob
// leaves the defaults in place.
func parseSettings(blob datatypes.JSON, out interface{}) error {
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, out)
}

// =====================================================
// Dispatcher
// =====================================================

// Dispatcher fans one execution's file out to the config's active channels.
type Dispatcher struct {
	store    Store
	channels map[reports.DeliveryMethod]Channel
	logger   *zap.Logger
}

// NewDispatcher builds a dispatcher over the given channels.
func NewDispatcher(store Store, logger *zap.Logger, channels ...Channel) *Dispatcher {
	byMethod := make(map[reports.DeliveryMethod]Channel, len(channels))
	for _, ch := range channels {
		byMethod[ch.Method()] = ch
	}
	return &Dispatcher{
		store:    store,
		channels: byMethod,
		logger:   logger,
	}
}

// Dispatch runs every active delivery for the request's config. Channel
// failures land in their own log rows and the summary; they are never
// returned, so a dead destination cannot fail the execution that produced
// the file.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) Summary {
	var summary Summary

	deliveries, err := d.store.ListDeliveries(ctx, req.Config.ID)
	if err != nil {
		d.logger.Error("Failed to load deliveries",
			zap.Error(err),
			zap.Int64("config_id", req.Config.ID),
			zap.String("execution_id", req.ExecutionID))
		return summary
	}

	for i := range deliveries {
		target := &deliveries[i]

		channel, ok := d.channels[target.Method]
		if !ok {
			d.logger.Warn("Unsupported delivery method",
				zap.String("method", string(target.Method)),
				zap.Int64("delivery_id", target.ID),
				zap.String("execution_id", req.ExecutionID))
			summary.Skipped++
			continue
		}

		summary.Attempted++
		if d.deliverOne(ctx, channel, target, req) {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}

	d.logger.Info("Delivery completed",
		zap.String("execution_id", req.ExecutionID),
		zap.Int("attempted", summary.Attempted),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped))

	return summary
}

// deliverOne creates the pending log row, runs the channel, and updates the
// same row exactly once with the terminal outcome.
func (d *Dispatcher) deliverOne(ctx context.Context, channel Channel, target *reports.ReportDelivery, req *Request) bool {
	started := time.Now()

	log := &reports.ReportDeliveryLog{
		ConfigID:    req.Config.ID,
		DeliveryID:  target.ID,
		ScheduleID:  req.ScheduleID,
		ExecutionID: req.ExecutionID,
		Status:      reports.DeliveryLogStatusPending,
		SentAt:      started,
	}
	if err := d.store.CreateDeliveryLog(ctx, log); err != nil {
		d.logger.Error("Failed to create delivery log",
			zap.Error(err),
			zap.Int64("delivery_id", target.ID),
			zap.String("execution_id", req.ExecutionID))
		return false
	}

	outcome := channel.Deliver(ctx, target, req)

	completed := time.Now()
	processingMs := completed.Sub(started).Milliseconds()

	log.Status = outcome.Status
	log.CompletedAt = &completed
	log.RecipientCount = outcome.RecipientCount
	log.SuccessCount = outcome.SuccessCount
	log.FailureCount = outcome.FailureCount
	log.RetryCount = outcome.RetryCount
	log.ProcessingTimeMs = &processingMs
	if outcome.FileSize > 0 {
		log.FileSizeBytes = &outcome.FileSize
	}
	if outcome.Err != nil {
		msg := outcome.Err.Error()
		log.ErrorMessage = &msg
	}
	if len(outcome.Details) > 0 {
		if details, err := json.Marshal(outcome.Details); err == nil {
			log.DeliveryDetails = details
		}
	}

	if err := d.store.UpdateDeliveryLog(ctx, log); err != nil {
		d.logger.Error("Failed to update delivery log",
			zap.Error(err),
			zap.Int64("delivery_log_id", log.ID),
			zap.String("execution_id", req.ExecutionID))
	}

	if outcome.Err != nil {
		d.logger.Error("Delivery failed",
			zap.Error(outcome.Err),
			zap.String("method", string(target.Method)),
			zap.Int64("delivery_id", target.ID),
			zap.String("execution_id", req.ExecutionID),
			zap.Int("retry_count", outcome.RetryCount))
		return false
	}

	d.logger.Info("Delivery succeeded",
		zap.String("method", string(target.Method)),
		zap.Int64("delivery_id", target.ID),
		zap.String("execution_id", req.ExecutionID),
		zap.Int("recipient_count", outcome.RecipientCount),
		zap.Int("retry_count", outcome.RetryCount))
	return true
}
