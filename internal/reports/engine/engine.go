// Package engine sequences one report execution end to end: claim the
// execution record, resolve configuration, compute the data window, build
// and run the query, render the file, and hand it to delivery.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"report-scheduler/execution-engine/internal/reports"
	"report-scheduler/execution-engine/internal/reports/datasource"
	"report-scheduler/execution-engine/internal/reports/delivery"
	"report-scheduler/execution-engine/internal/reports/export"
	"report-scheduler/execution-engine/internal/reports/querybuilder"
	"report-scheduler/execution-engine/internal/reports/timerange"
)

const (
	defaultQueryTimeout = 5 * time.Minute
	defaultMaxRows      = 100000
)

// Request asks the engine to run one report config.
type Request struct {
	// ExecutionID reuses a pre-minted id (queued requests); empty mints one.
	ExecutionID string
	ConfigID    int64
	ScheduleID  *int64
	ExecutedBy  string
}

// Result summarizes a finished run for HTTP responses and worker logs.
type Result struct {
	ExecutionID   string                  `json:"execution_id"`
	ConfigID      int64                   `json:"config_id"`
	ConfigName    string                  `json:"config_name,omitempty"`
	ScheduleID    *int64                  `json:"schedule_id,omitempty"`
	Status        reports.ExecutionStatus `json:"status"`
	RowsReturned  int64                   `json:"rows_returned"`
	FilePath      string                  `json:"file_path,omitempty"`
	FileSizeBytes int64                   `json:"file_size_bytes,omitempty"`
	Deliveries    delivery.Summary        `json:"deliveries"`
	QueryTimeMs   int64                   `json:"query_execution_time_ms"`
	TotalTimeMs   int64                   `json:"total_execution_time_ms"`
	TimeRange     map[string]string       `json:"time_range,omitempty"`

	// Skipped marks an idempotent no-op on an already completed execution.
	Skipped bool `json:"skipped,omitempty"`
}

// Dispatcher fans a rendered file out to the config's delivery channels.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *delivery.Request) delivery.Summary
}

// Options wires an Engine.
type Options struct {
	Repository     reports.Repository
	Runners        map[reports.DatasourceType]datasource.Runner
	Dispatcher     Dispatcher
	Logger         *zap.Logger
	OutputRoot     string
	QueryTimeout   time.Duration
	DefaultMaxRows int
}

// Engine is the execution orchestrator.
type Engine struct {
	repo           reports.Repository
	runners        map[reports.DatasourceType]datasource.Runner
	dispatcher     Dispatcher
	logger         *zap.Logger
	outputRoot     string
	queryTimeout   time.Duration
	defaultMaxRows int

	newRenderer func(format reports.OutputFormat) (export.Renderer, error)
	now         func() time.Time
}

// New builds an engine from options, filling unset bounds with defaults.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	queryTimeout := opts.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	maxRows := opts.DefaultMaxRows
	if maxRows <= 0 {
		maxRows = defaultMaxRows
	}
	outputRoot := opts.OutputRoot
	if outputRoot == "" {
		outputRoot = "output/reports"
	}
	return &Engine{
		repo:           opts.Repository,
		runners:        opts.Runners,
		dispatcher:     opts.Dispatcher,
		logger:         logger,
		outputRoot:     outputRoot,
		queryTimeout:   queryTimeout,
		defaultMaxRows: maxRows,
		newRenderer:    export.ForFormat,
		now:            time.Now,
	}
}

// Execute runs one report. Failures before delivery mark the execution
// failed and are returned; delivery failures only land in their own logs.
func (e *Engine) Execute(ctx context.Context, req *Request) (*Result, error) {
	executionID := req.ExecutionID
	if executionID == "" {
		executionID = uuid.New().String()
	}
	executedBy := req.ExecutedBy
	if executedBy == "" {
		executedBy = "system"
	}
	start := e.now()

	logger := e.logger.With(
		zap.String("execution_id", executionID),
		zap.Int64("config_id", req.ConfigID))

	// Step 1: claim the execution record.
	execution := &reports.ReportExecution{
		ID:         executionID,
		ConfigID:   req.ConfigID,
		ScheduleID: req.ScheduleID,
		Status:     reports.ExecutionStatusRunning,
		StartedAt:  start,
		ExecutedBy: executedBy,
	}
	claimed, existing, err := e.repo.ClaimExecution(ctx, execution)
	if err != nil {
		return nil, err
	}
	if !claimed {
		if existing.Status == reports.ExecutionStatusCompleted {
			logger.Info("Execution already completed, skipping")
			return &Result{
				ExecutionID: executionID,
				ConfigID:    existing.ConfigID,
				ScheduleID:  existing.ScheduleID,
				Status:      existing.Status,
				Skipped:     true,
			}, nil
		}
		execution = existing
		execution.Status = reports.ExecutionStatusRunning
		execution.StartedAt = start
		if err := e.repo.UpdateExecution(ctx, execution); err != nil {
			return nil, err
		}
	}

	// Step 2: load configuration.
	logger.Info("Loading configuration", zap.String("stage", "config_loading"))

	config, err := e.repo.GetConfig(ctx, req.ConfigID)
	if err != nil {
		return e.fail(ctx, logger, execution, err)
	}
	if err := config.Parameters.Validate(); err != nil {
		return e.fail(ctx, logger, execution, fmt.Errorf("invalid parameters for config %d: %w", config.ID, err))
	}
	ds, err := e.repo.GetDatasource(ctx, config.DatasourceID)
	if err != nil {
		return e.fail(ctx, logger, execution, err)
	}

	// Step 3: compute the data window.
	var schedule *reports.ReportSchedule
	if req.ScheduleID != nil {
		schedule, err = e.repo.GetSchedule(ctx, *req.ScheduleID)
		if err != nil {
			if !errors.Is(err, reports.ErrNotFound) {
				return e.fail(ctx, logger, execution, err)
			}
			// A stale schedule id on a queued message falls back to the
			// scheduleless window.
			logger.Warn("Schedule not found, using default window",
				zap.Int64("schedule_id", *req.ScheduleID))
			schedule = nil
		}
	}

	var window timerange.Range
	if schedule != nil {
		window = timerange.Calculate(&timerange.Schedule{
			CronExpression: schedule.CronExpression,
			Timezone:       schedule.Timezone,
			LastRunAt:      schedule.LastRunAt,
		}, start)
	} else {
		window = timerange.Calculate(nil, start)
	}

	vars := window.Variables()
	for name, value := range querybuilder.FilterVariables(config.Parameters.Filters) {
		vars[name] = value
	}

	logger.Info("Time range calculated",
		zap.String("method", string(window.Method)),
		zap.String("start", vars["start_datetime"]),
		zap.String("end", vars["end_datetime"]))

	// Step 4: build the final query and persist the execution context, so a
	// crashed run still shows exactly what was about to execute.
	cronExpression := ""
	if schedule != nil {
		cronExpression = schedule.CronExpression
	}
	query := querybuilder.Build(config.ReportQuery, querybuilder.Params{
		DateField:      config.Parameters.DateField,
		CronExpression: cronExpression,
		Filters:        config.Parameters.Filters,
		Vars:           vars,
	})

	execution.ExecutionContext = reports.ExecutionContext{
		OriginalQuery:  config.ReportQuery,
		FinalQuery:     query.Interpolated(),
		QueryArgs:      query.Args,
		TimeRange:      vars,
		DatasourceType: string(ds.DBType),
		OutputFormat:   string(config.OutputFormat),
	}
	if err := e.repo.UpdateExecution(ctx, execution); err != nil {
		return e.fail(ctx, logger, execution, err)
	}

	// Step 5: run the query.
	runner, ok := e.runners[ds.DBType]
	if !ok {
		return e.fail(ctx, logger, execution, fmt.Errorf("unsupported datasource type: %s", ds.DBType))
	}

	timeout := e.queryTimeout
	if config.TimeoutSeconds > 0 {
		timeout = time.Duration(config.TimeoutSeconds) * time.Second
	}
	maxRows := e.defaultMaxRows
	if config.MaxRows > 0 {
		maxRows = config.MaxRows
	}

	logger.Info("Executing query",
		zap.String("datasource", ds.Name),
		zap.String("db_type", string(ds.DBType)),
		zap.String("stage", "query_executing"))

	queryStart := time.Now()
	resultSet, err := runner.Run(ctx, ds, query.Text, query.Args, datasource.Options{
		Timeout: timeout,
		MaxRows: maxRows,
	})
	if err != nil {
		return e.fail(ctx, logger, execution, fmt.Errorf("query failed: %w", err))
	}
	queryMs := time.Since(queryStart).Milliseconds()

	if resultSet.Truncated {
		logger.Warn("Result truncated at row cap", zap.Int("max_rows", maxRows))
	}
	logger.Info("Query executed",
		zap.Int("rows", resultSet.RowCount()),
		zap.Int64("duration_ms", queryMs),
		zap.String("stage", "query_completed"))

	// Step 6: render the file.
	resultSet = export.FilterColumns(resultSet, config.Parameters.DisplayColumns)

	fileName := e.buildFilename(config, vars, start)
	outputPath := filepath.Join(e.outputRoot, executionID, fileName)

	renderer, err := e.newRenderer(config.OutputFormat)
	if err != nil {
		return e.fail(ctx, logger, execution, err)
	}
	if err := renderer.Render(resultSet, outputPath); err != nil {
		return e.fail(ctx, logger, execution, fmt.Errorf("failed to render report: %w", err))
	}
	fileSize, err := export.FileSize(outputPath)
	if err != nil {
		return e.fail(ctx, logger, execution, fmt.Errorf("failed to stat report file: %w", err))
	}

	logger.Info("Report file generated",
		zap.String("file_path", outputPath),
		zap.Int64("file_size_bytes", fileSize),
		zap.String("stage", "file_generated"))

	rows := int64(resultSet.RowCount())
	execution.QueryExecutionTimeMs = &queryMs
	execution.RowsReturned = &rows
	execution.FileGeneratedPath = &outputPath
	execution.FileSizeBytes = &fileSize
	if err := e.repo.UpdateExecution(ctx, execution); err != nil {
		return e.fail(ctx, logger, execution, err)
	}

	// Step 7: deliveries. Channel failures live in their own log rows and
	// never fail the execution that produced the file.
	summary := e.dispatcher.Dispatch(ctx, &delivery.Request{
		Config:      config,
		ScheduleID:  req.ScheduleID,
		ExecutionID: executionID,
		FilePath:    outputPath,
		Vars:        vars,
	})

	// Step 8: mark completed.
	completedAt := e.now()
	execution.Status = reports.ExecutionStatusCompleted
	execution.CompletedAt = &completedAt
	if err := e.repo.UpdateExecution(ctx, execution); err != nil {
		return e.fail(ctx, logger, execution, err)
	}

	// Step 9: a schedule-driven run advances the schedule's marker to this
	// run's logical start, so the next window begins where this one ended.
	if schedule != nil {
		if err := e.repo.AdvanceLastRun(ctx, schedule.ID, start); err != nil {
			logger.Error("Failed to advance schedule last_run_at",
				zap.Error(err),
				zap.Int64("schedule_id", schedule.ID))
		}
	}

	totalMs := e.now().Sub(start).Milliseconds()

	logger.Info("Report execution completed",
		zap.Int64("rows", rows),
		zap.Int64("duration_ms", totalMs),
		zap.Int("deliveries_attempted", summary.Attempted),
		zap.String("stage", "completed"))

	return &Result{
		ExecutionID:   executionID,
		ConfigID:      config.ID,
		ConfigName:    config.ReportName,
		ScheduleID:    req.ScheduleID,
		Status:        reports.ExecutionStatusCompleted,
		RowsReturned:  rows,
		FilePath:      outputPath,
		FileSizeBytes: fileSize,
		Deliveries:    summary,
		QueryTimeMs:   queryMs,
		TotalTimeMs:   totalMs,
		TimeRange:     vars,
	}, nil
}

// fail persists the terminal failure on the execution record and returns the
// wrapped error to the caller.
func (e *Engine) fail(ctx context.Context, logger *zap.Logger, execution *reports.ReportExecution, cause error) (*Result, error) {
	logger.Error("Report execution failed", zap.Error(cause))

	completedAt := e.now()
	message := cause.Error()
	execution.Status = reports.ExecutionStatusFailed
	execution.CompletedAt = &completedAt
	execution.ErrorMessage = &message
	if err := e.repo.UpdateExecution(ctx, execution); err != nil {
		logger.Error("Failed to persist execution failure", zap.Error(err))
	}

	return nil, fmt.Errorf("report execution failed: %w", cause)
}

// buildFilename renders the configured template, or falls back to
// name_timestamp. Rendered names are sanitized for the filesystem.
func (e *Engine) buildFilename(config *reports.ReportConfig, vars timerange.Variables, start time.Time) string {
	ext := config.OutputFormat.Extension()

	if template := config.Parameters.FilenameTemplate; template != "" {
		base := timerange.Replace(template, vars)
		base = strings.NewReplacer(" ", "_", "/", "_", ":", "-").Replace(base)
		return base + "." + ext
	}

	safeName := strings.NewReplacer(" ", "_", "/", "_").Replace(config.ReportName)
	return fmt.Sprintf("%s_%s.%s", safeName, start.Format("20060102_150405"), ext)
}
