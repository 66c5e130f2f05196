// Package api exposes the execution engine over HTTP: synchronous and
// queued execution triggers, execution record lookups, and a cron
// expression validator for the management plane.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"report-scheduler/execution-engine/internal/queue"
	"report-scheduler/execution-engine/internal/reports"
	"report-scheduler/execution-engine/internal/reports/engine"
	"report-scheduler/execution-engine/internal/reports/querybuilder"
	"report-scheduler/execution-engine/internal/reports/timerange"
)

const (
	serviceName    = "Report Scheduler - Execution Engine"
	serviceVersion = "1.0.0"
)

// Executor runs a report inline.
type Executor interface {
	Execute(ctx context.Context, req *engine.Request) (*engine.Result, error)
}

// Queuer hands an execution request to the worker queue.
type Queuer interface {
	Enqueue(ctx context.Context, msg *queue.Message) error
}

// Store reads execution records for the lookup endpoints.
type Store interface {
	GetExecution(ctx context.Context, id string) (*reports.ReportExecution, error)
	ListExecutions(ctx context.Context, configID int64, limit int) ([]reports.ReportExecution, error)
	Ping(ctx context.Context) error
}

// Handler handles HTTP requests for execution operations
type Handler struct {
	executor  Executor
	queuer    Queuer
	store     Store
	redisPing func(ctx context.Context) error
	logger    *zap.Logger
}

// NewHandler creates a new execution handler
func NewHandler(executor Executor, queuer Queuer, store Store, redisPing func(ctx context.Context) error, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		executor:  executor,
		queuer:    queuer,
		store:     store,
		redisPing: redisPing,
		logger:    logger,
	}
}

// RegisterRoutes registers execution routes
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/", h.root)
	router.GET("/health", h.health)

	api := router.Group("/api")
	{
		api.GET("/execute/:config_id", h.executeReport)
		api.POST("/queue/:config_id", h.queueReport)
		api.GET("/executions/:execution_id", h.getExecution)
		api.GET("/configs/:config_id/executions", h.listExecutions)
		api.POST("/validate/cron", h.validateCron)
	}
}

func respond(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, gin.H{
		"status":  "success",
		"message": message,
		"data":    data,
	})
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{
		"status":  "error",
		"message": message,
	})
}

// =====================================================
// Service Endpoints
// =====================================================

// root handles GET /
func (h *Handler) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": serviceName,
		"version": serviceVersion,
		"status":  "running",
	})
}

// health handles GET /health, checking the store and the queue backend.
func (h *Handler) health(c *gin.Context) {
	ctx := c.Request.Context()
	checks := gin.H{"database": "up", "redis": "up"}
	healthy := true

	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("Database health check failed", zap.Error(err))
		checks["database"] = "down"
		healthy = false
	}
	if h.redisPing != nil {
		if err := h.redisPing(ctx); err != nil {
			h.logger.Warn("Redis health check failed", zap.Error(err))
			checks["redis"] = "down"
			healthy = false
		}
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":  state,
		"service": "execution-engine",
		"version": serviceVersion,
		"checks":  checks,
	})
}

// =====================================================
// Execution Endpoints
// =====================================================

// executeReport handles GET /api/execute/:config_id
func (h *Handler) executeReport(c *gin.Context) {
	configID, ok := h.configID(c)
	if !ok {
		return
	}
	scheduleID, ok := h.scheduleID(c)
	if !ok {
		return
	}

	result, err := h.executor.Execute(c.Request.Context(), &engine.Request{
		ConfigID:   configID,
		ScheduleID: scheduleID,
		ExecutedBy: h.actor(c),
	})
	if err != nil {
		if errors.Is(err, reports.ErrNotFound) {
			respondError(c, http.StatusNotFound, err.Error())
			return
		}
		h.logger.Error("Report execution failed",
			zap.Int64("config_id", configID), zap.Error(err))
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}

	respond(c, http.StatusOK, "Report execution completed successfully", result)
}

// queueReport handles POST /api/queue/:config_id
func (h *Handler) queueReport(c *gin.Context) {
	configID, ok := h.configID(c)
	if !ok {
		return
	}
	scheduleID, ok := h.scheduleID(c)
	if !ok {
		return
	}

	msg := &queue.Message{
		ConfigID:   configID,
		ScheduleID: scheduleID,
		ExecutedBy: h.actor(c),
	}
	if err := h.queuer.Enqueue(c.Request.Context(), msg); err != nil {
		h.logger.Error("Failed to queue execution",
			zap.Int64("config_id", configID), zap.Error(err))
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}

	respond(c, http.StatusAccepted, "Report execution queued", gin.H{
		"execution_id": msg.ExecutionID,
		"config_id":    configID,
	})
}

// getExecution handles GET /api/executions/:execution_id
func (h *Handler) getExecution(c *gin.Context) {
	execution, err := h.store.GetExecution(c.Request.Context(), c.Param("execution_id"))
	if err != nil {
		if errors.Is(err, reports.ErrNotFound) {
			respondError(c, http.StatusNotFound, "Execution not found")
			return
		}
		h.logger.Error("Failed to load execution", zap.Error(err))
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}

	respond(c, http.StatusOK, "Execution found", execution)
}

// listExecutions handles GET /api/configs/:config_id/executions
func (h *Handler) listExecutions(c *gin.Context) {
	configID, ok := h.configID(c)
	if !ok {
		return
	}

	limit := getIntQuery(c, "limit", 20)
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	executions, err := h.store.ListExecutions(c.Request.Context(), configID, limit)
	if err != nil {
		h.logger.Error("Failed to list executions",
			zap.Int64("config_id", configID), zap.Error(err))
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}

	respond(c, http.StatusOK, "Executions found", gin.H{
		"executions": executions,
		"count":      len(executions),
	})
}

// validateCron handles POST /api/validate/cron
func (h *Handler) validateCron(c *gin.Context) {
	var req struct {
		CronExpression string `json:"cron_expression" binding:"required"`
		Timezone       string `json:"timezone"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := timerange.ValidateCron(req.CronExpression); err != nil {
		respondError(c, http.StatusBadRequest, "invalid cron expression: "+err.Error())
		return
	}
	runs, err := timerange.NextRuns(req.CronExpression, req.Timezone, time.Now(), 3)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	nextRuns := make([]string, len(runs))
	for i, run := range runs {
		nextRuns[i] = run.Format(time.RFC3339)
	}
	respond(c, http.StatusOK, "Cron expression is valid", gin.H{
		"cron_expression": req.CronExpression,
		"timezone":        req.Timezone,
		"granularity":     string(querybuilder.DetectGranularity(req.CronExpression)),
		"next_runs":       nextRuns,
	})
}

// =====================================================
// Helpers
// =====================================================

func (h *Handler) configID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("config_id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(c, http.StatusBadRequest, "invalid config id")
		return 0, false
	}
	return id, true
}

func (h *Handler) scheduleID(c *gin.Context) (*int64, bool) {
	raw := c.Query("schedule_id")
	if raw == "" {
		return nil, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		respondError(c, http.StatusBadRequest, "invalid schedule id")
		return nil, false
	}
	return &id, true
}

// actor resolves who triggered the request from the X-User-ID header.
func (h *Handler) actor(c *gin.Context) string {
	if userID := c.GetHeader("X-User-ID"); userID != "" {
		return userID
	}
	return "system"
}

// getIntQuery gets an integer query parameter with a default value
func getIntQuery(c *gin.Context, key string, defaultVal int) int {
	if val := c.Query(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
