package reports

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"report-scheduler/execution-engine/internal/reports/querybuilder"
)

// =====================================================
// Enums and Constants
// =====================================================

// DatasourceType identifies the database engine a datasource points at.
type DatasourceType string

const (
	DatasourceTypeMySQL      DatasourceType = "mysql"
	DatasourceTypePostgreSQL DatasourceType = "postgresql"
	DatasourceTypeOracle     DatasourceType = "oracle"
	DatasourceTypeSQLServer  DatasourceType = "sqlserver"
	DatasourceTypeMongoDB    DatasourceType = "mongodb"
	DatasourceTypeBigQuery   DatasourceType = "bigquery"
	DatasourceTypeSnowflake  DatasourceType = "snowflake"
)

// OutputFormat is the rendered report file format.
type OutputFormat string

const (
	OutputFormatCSV  OutputFormat = "csv"
	OutputFormatXLSX OutputFormat = "xlsx"
)

// Extension returns the file extension without the dot.
func (f OutputFormat) Extension() string {
	if f == OutputFormatXLSX {
		return "xlsx"
	}
	return "csv"
}

// ContentType returns the MIME type for download responses.
func (f OutputFormat) ContentType() string {
	if f == OutputFormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv"
}

// DeliveryMethod identifies a delivery channel kind.
type DeliveryMethod string

const (
	DeliveryMethodEmail DeliveryMethod = "email"
	DeliveryMethodSFTP  DeliveryMethod = "sftp"
)

// ExecutionStatus tracks an execution record through its lifecycle.
type ExecutionStatus string

const (
	ExecutionStatusQueued    ExecutionStatus = "queued"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status can no longer change.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// DeliveryLogStatus tracks a single channel's delivery outcome.
type DeliveryLogStatus string

const (
	DeliveryLogStatusPending DeliveryLogStatus = "pending"
	DeliveryLogStatusSuccess DeliveryLogStatus = "success"
	DeliveryLogStatusFailed  DeliveryLogStatus = "failed"
	DeliveryLogStatusRetry   DeliveryLogStatus = "retry"
)

// =====================================================
// Typed JSON columns
// =====================================================

// ReportParameters is the typed shape of report_configs.parameters.
type ReportParameters struct {
	DateField        string                `json:"date_field,omitempty"`
	Filters          []querybuilder.Filter `json:"filters,omitempty"`
	FilenameTemplate string                `json:"filename_template,omitempty"`
	DisplayColumns   []string              `json:"display_columns,omitempty"`
}

// Value implements driver.Valuer
func (p ReportParameters) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Scan implements sql.Scanner
func (p *ReportParameters) Scan(value interface{}) error {
	if value == nil {
		*p = ReportParameters{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		if s, ok := value.(string); ok {
			bytes = []byte(s)
		} else {
			return fmt.Errorf("unsupported parameters column type %T", value)
		}
	}
	if len(bytes) == 0 {
		*p = ReportParameters{}
		return nil
	}
	return json.Unmarshal(bytes, p)
}

// Validate checks the parameters at load time so a misconfigured report
// fails before any query runs.
func (p ReportParameters) Validate() error {
	for i, f := range p.Filters {
		if f.Field == "" {
			return fmt.Errorf("filter %d: field is required", i)
		}
	}
	return nil
}

// ExecutionContext is persisted on the execution record before the query is
// dispatched, so a crashed run still shows exactly what was about to execute.
type ExecutionContext struct {
	OriginalQuery  string            `json:"original_query"`
	FinalQuery     string            `json:"final_query"`
	QueryArgs      []any             `json:"query_args,omitempty"`
	TimeRange      map[string]string `json:"time_range"`
	DatasourceType string            `json:"datasource_type"`
	OutputFormat   string            `json:"output_format"`
}

// Value implements driver.Valuer
func (c ExecutionContext) Value() (driver.Value, error) {
	if c.OriginalQuery == "" && c.FinalQuery == "" {
		return nil, nil
	}
	return json.Marshal(c)
}

// Scan implements sql.Scanner
func (c *ExecutionContext) Scan(value interface{}) error {
	if value == nil {
		*c = ExecutionContext{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		if s, ok := value.(string); ok {
			bytes = []byte(s)
		} else {
			return fmt.Errorf("unsupported execution_context column type %T", value)
		}
	}
	if len(bytes) == 0 {
		*c = ExecutionContext{}
		return nil
	}
	return json.Unmarshal(bytes, c)
}

// =====================================================
// Core Models
// =====================================================

// ReportDatasource is a database a report query runs against.
type ReportDatasource struct {
	ID               int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name             string         `gorm:"column:name;size:100" json:"name"`
	ConnectionURL    string         `gorm:"column:connection_url;type:text" json:"connection_url"`
	DBType           DatasourceType `gorm:"column:db_type" json:"db_type"`
	ConnectionConfig datatypes.JSON `gorm:"column:connection_config" json:"connection_config,omitempty"`
	IsActive         bool           `gorm:"column:is_active;default:true" json:"is_active"`
	CreatedAt        time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"column:updated_at" json:"updated_at"`
	CreatedBy        string         `gorm:"column:created_by;size:100" json:"created_by,omitempty"`
	UpdatedBy        string         `gorm:"column:updated_by;size:100" json:"updated_by,omitempty"`
}

func (ReportDatasource) TableName() string { return "report_datasources" }

// ReportConfig is one report definition: the query template, its output
// format, and the parameters steering filters and file naming.
type ReportConfig struct {
	ID             int64            `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ReportName     string           `gorm:"column:report_name;size:200" json:"report_name"`
	ReportQuery    string           `gorm:"column:report_query;type:text" json:"report_query"`
	OutputFormat   OutputFormat     `gorm:"column:output_format" json:"output_format"`
	DatasourceID   int64            `gorm:"column:datasource_id" json:"datasource_id"`
	Parameters     ReportParameters `gorm:"column:parameters" json:"parameters"`
	TimeoutSeconds int              `gorm:"column:timeout_seconds;default:300" json:"timeout_seconds"`
	MaxRows        int              `gorm:"column:max_rows;default:100000" json:"max_rows"`
	Version        int              `gorm:"column:version;default:1" json:"version"`
	IsActive       bool             `gorm:"column:is_active;default:true" json:"is_active"`
	CreatedAt      time.Time        `gorm:"column:created_at" json:"created_at"`
	UpdatedAt      time.Time        `gorm:"column:updated_at" json:"updated_at"`
	CreatedBy      string           `gorm:"column:created_by;size:100" json:"created_by,omitempty"`
	UpdatedBy      string           `gorm:"column:updated_by;size:100" json:"updated_by,omitempty"`
}

func (ReportConfig) TableName() string { return "report_configs" }

// ReportSchedule drives recurring executions of a config.
type ReportSchedule struct {
	ID             int64      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ConfigID       int64      `gorm:"column:config_id" json:"config_id"`
	CronExpression string     `gorm:"column:cron_expression;size:100" json:"cron_expression"`
	Timezone       string     `gorm:"column:timezone;size:50;default:UTC" json:"timezone"`
	IsActive       bool       `gorm:"column:is_active;default:true" json:"is_active"`
	LastRunAt      *time.Time `gorm:"column:last_run_at" json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `gorm:"column:next_run_at" json:"next_run_at,omitempty"`
	CreatedAt      time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"column:updated_at" json:"updated_at"`
	CreatedBy      string     `gorm:"column:created_by;size:100" json:"created_by,omitempty"`
	UpdatedBy      string     `gorm:"column:updated_by;size:100" json:"updated_by,omitempty"`
}

func (ReportSchedule) TableName() string { return "report_schedules" }

// ReportDelivery is one configured delivery channel for a config.
// DeliveryConfig holds the per-method settings blob; its shape depends on
// Method and is parsed by the channel implementation.
//
// RetryIntervalMinutes is minutes for email. The file-transfer channel
// interprets the same column as seconds; downstream pickups there expect the
// shorter cadence, so the unit split is intentional.
type ReportDelivery struct {
	ID                   int64                     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ConfigID             int64                     `gorm:"column:config_id" json:"config_id"`
	DeliveryName         string                    `gorm:"column:delivery_name;size:200" json:"delivery_name"`
	Method               DeliveryMethod            `gorm:"column:method" json:"method"`
	DeliveryConfig       datatypes.JSON            `gorm:"column:delivery_config" json:"delivery_config"`
	MaxRetry             int                       `gorm:"column:max_retry;default:3" json:"max_retry"`
	RetryIntervalMinutes int                       `gorm:"column:retry_interval_minutes;default:5" json:"retry_interval_minutes"`
	IsActive             bool                      `gorm:"column:is_active;default:true" json:"is_active"`
	Recipients           []ReportDeliveryRecipient `gorm:"foreignKey:DeliveryID" json:"recipients,omitempty"`
	CreatedAt            time.Time                 `gorm:"column:created_at" json:"created_at"`
	UpdatedAt            time.Time                 `gorm:"column:updated_at" json:"updated_at"`
	CreatedBy            string                    `gorm:"column:created_by;size:100" json:"created_by,omitempty"`
	UpdatedBy            string                    `gorm:"column:updated_by;size:100" json:"updated_by,omitempty"`
}

func (ReportDelivery) TableName() string { return "report_deliveries" }

// ActiveRecipients returns the active recipient addresses for a channel.
func (d *ReportDelivery) ActiveRecipients() []string {
	var out []string
	for _, r := range d.Recipients {
		if r.IsActive {
			out = append(out, r.RecipientValue)
		}
	}
	return out
}

// ReportDeliveryRecipient is one address attached to a delivery channel.
type ReportDeliveryRecipient struct {
	ID             int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	DeliveryID     int64     `gorm:"column:delivery_id" json:"delivery_id"`
	RecipientType  string    `gorm:"column:recipient_type;size:20;default:email" json:"recipient_type"`
	RecipientValue string    `gorm:"column:recipient_value;size:500" json:"recipient_value"`
	IsActive       bool      `gorm:"column:is_active;default:true" json:"is_active"`
	CreatedAt      time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (ReportDeliveryRecipient) TableName() string { return "report_delivery_recipients" }

// ReportExecution is the audit record of one run. The primary key is a
// caller-supplied or engine-minted UUID, which doubles as the idempotency
// key for queued requests.
type ReportExecution struct {
	ID                   string           `gorm:"column:id;primaryKey;size:36" json:"id"`
	ConfigID             int64            `gorm:"column:config_id" json:"config_id"`
	ScheduleID           *int64           `gorm:"column:schedule_id" json:"schedule_id,omitempty"`
	Status               ExecutionStatus  `gorm:"column:status;default:running" json:"status"`
	StartedAt            time.Time        `gorm:"column:started_at" json:"started_at"`
	CompletedAt          *time.Time       `gorm:"column:completed_at" json:"completed_at,omitempty"`
	ExecutedBy           string           `gorm:"column:executed_by;size:100;default:system" json:"executed_by"`
	ExecutionContext     ExecutionContext `gorm:"column:execution_context" json:"execution_context,omitempty"`
	QueryExecutionTimeMs *int64           `gorm:"column:query_execution_time_ms" json:"query_execution_time_ms,omitempty"`
	RowsReturned         *int64           `gorm:"column:rows_returned" json:"rows_returned,omitempty"`
	FileGeneratedPath    *string          `gorm:"column:file_generated_path;type:text" json:"file_generated_path,omitempty"`
	FileSizeBytes        *int64           `gorm:"column:file_size_bytes" json:"file_size_bytes,omitempty"`
	ErrorMessage         *string          `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	CreatedAt            time.Time        `gorm:"column:created_at" json:"created_at"`
}

func (ReportExecution) TableName() string { return "report_executions" }

// ReportDeliveryLog records one channel's outcome for one execution.
type ReportDeliveryLog struct {
	ID               int64             `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ConfigID         int64             `gorm:"column:config_id" json:"config_id"`
	DeliveryID       int64             `gorm:"column:delivery_id" json:"delivery_id"`
	ScheduleID       *int64            `gorm:"column:schedule_id" json:"schedule_id,omitempty"`
	ExecutionID      string            `gorm:"column:execution_id;size:36" json:"execution_id"`
	Status           DeliveryLogStatus `gorm:"column:status;default:pending" json:"status"`
	SentAt           time.Time         `gorm:"column:sent_at" json:"sent_at"`
	CompletedAt      *time.Time        `gorm:"column:completed_at" json:"completed_at,omitempty"`
	RecipientCount   int               `gorm:"column:recipient_count;default:0" json:"recipient_count"`
	SuccessCount     int               `gorm:"column:success_count;default:0" json:"success_count"`
	FailureCount     int               `gorm:"column:failure_count;default:0" json:"failure_count"`
	RetryCount       int               `gorm:"column:retry_count;default:0" json:"retry_count"`
	ErrorMessage     *string           `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	DeliveryDetails  datatypes.JSON    `gorm:"column:delivery_details" json:"delivery_details,omitempty"`
	FileSizeBytes    *int64            `gorm:"column:file_size_bytes" json:"file_size_bytes,omitempty"`
	ProcessingTimeMs *int64            `gorm:"column:processing_time_ms" json:"processing_time_ms,omitempty"`
}

func (ReportDeliveryLog) TableName() string { return "report_delivery_logs" }
