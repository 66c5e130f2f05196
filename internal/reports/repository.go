package reports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound marks lookups that matched no row. Callers branch with
// errors.Is.
var ErrNotFound = errors.New("not found")

// Repository defines the data access the execution engine needs.
type Repository interface {
	// Configuration reads. Config and datasource lookups are scoped to
	// active rows; schedules are returned regardless of active state so a
	// queued run of a just-disabled schedule still resolves its window.
	GetConfig(ctx context.Context, id int64) (*ReportConfig, error)
	GetDatasource(ctx context.Context, id int64) (*ReportDatasource, error)
	GetSchedule(ctx context.Context, id int64) (*ReportSchedule, error)
	ListDeliveries(ctx context.Context, configID int64) ([]ReportDelivery, error)

	// Execution lifecycle.
	ClaimExecution(ctx context.Context, execution *ReportExecution) (claimed bool, existing *ReportExecution, err error)
	UpdateExecution(ctx context.Context, execution *ReportExecution) error
	GetExecution(ctx context.Context, id string) (*ReportExecution, error)
	ListExecutions(ctx context.Context, configID int64, limit int) ([]ReportExecution, error)

	AdvanceLastRun(ctx context.Context, scheduleID int64, ranAt time.Time) error

	CreateDeliveryLog(ctx context.Context, log *ReportDeliveryLog) error
	UpdateDeliveryLog(ctx context.Context, log *ReportDeliveryLog) error

	Ping(ctx context.Context) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository wraps a gorm connection in the Repository interface.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetConfig(ctx context.Context, id int64) (*ReportConfig, error) {
	var config ReportConfig
	err := r.db.WithContext(ctx).
		Where("id = ? AND is_active = ?", id, true).
		First(&config).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("config %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config %d: %w", id, err)
	}
	return &config, nil
}

func (r *gormRepository) GetDatasource(ctx context.Context, id int64) (*ReportDatasource, error) {
	var datasource ReportDatasource
	err := r.db.WithContext(ctx).
		Where("id = ? AND is_active = ?", id, true).
		First(&datasource).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("datasource %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load datasource %d: %w", id, err)
	}
	return &datasource, nil
}

func (r *gormRepository) GetSchedule(ctx context.Context, id int64) (*ReportSchedule, error) {
	var schedule ReportSchedule
	err := r.db.WithContext(ctx).First(&schedule, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("schedule %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load schedule %d: %w", id, err)
	}
	return &schedule, nil
}

func (r *gormRepository) ListDeliveries(ctx context.Context, configID int64) ([]ReportDelivery, error) {
	var deliveries []ReportDelivery
	err := r.db.WithContext(ctx).
		Where("config_id = ? AND is_active = ?", configID, true).
		Preload("Recipients").
		Find(&deliveries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries for config %d: %w", configID, err)
	}
	return deliveries, nil
}

// ClaimExecution inserts the execution record if and only if its id is
// unused. When another run already claimed the id, the stored record is
// returned instead so the caller can decide between skip and resume.
func (r *gormRepository) ClaimExecution(ctx context.Context, execution *ReportExecution) (bool, *ReportExecution, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).
		Create(execution)
	if result.Error != nil {
		return false, nil, fmt.Errorf("failed to claim execution %s: %w", execution.ID, result.Error)
	}
	if result.RowsAffected > 0 {
		return true, nil, nil
	}

	existing, err := r.GetExecution(ctx, execution.ID)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func (r *gormRepository) UpdateExecution(ctx context.Context, execution *ReportExecution) error {
	if err := r.db.WithContext(ctx).Save(execution).Error; err != nil {
		return fmt.Errorf("failed to update execution %s: %w", execution.ID, err)
	}
	return nil
}

func (r *gormRepository) GetExecution(ctx context.Context, id string) (*ReportExecution, error) {
	var execution ReportExecution
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&execution).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution %s: %w", id, err)
	}
	return &execution, nil
}

func (r *gormRepository) ListExecutions(ctx context.Context, configID int64, limit int) ([]ReportExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	var executions []ReportExecution
	err := r.db.WithContext(ctx).
		Where("config_id = ?", configID).
		Order("started_at DESC").
		Limit(limit).
		Find(&executions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list executions for config %d: %w", configID, err)
	}
	return executions, nil
}

func (r *gormRepository) AdvanceLastRun(ctx context.Context, scheduleID int64, ranAt time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&ReportSchedule{}).
		Where("id = ?", scheduleID).
		Update("last_run_at", ranAt).Error
	if err != nil {
		return fmt.Errorf("failed to advance last_run_at for schedule %d: %w", scheduleID, err)
	}
	return nil
}

func (r *gormRepository) CreateDeliveryLog(ctx context.Context, log *ReportDeliveryLog) error {
	if err := r.db.WithContext(ctx).Create(log).Error; err != nil {
		return fmt.Errorf("failed to create delivery log: %w", err)
	}
	return nil
}

func (r *gormRepository) UpdateDeliveryLog(ctx context.Context, log *ReportDeliveryLog) error {
	if err := r.db.WithContext(ctx).Save(log).Error; err != nil {
		return fmt.Errorf("failed to update delivery log %d: %w", log.ID, err)
	}
	return nil
}

func (r *gormRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
