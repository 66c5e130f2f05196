package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"report-scheduler/execution-engine/internal/reports/datasource"
)

// CSVRenderer writes result sets as UTF-8 CSV with a header row.
type CSVRenderer struct {
	options CSVOptions
}

// CSVOptions configures CSV rendering behavior.
type CSVOptions struct {
	Delimiter       rune
	UseCRLF         bool
	IncludeHeader   bool
	DateFormat      string
	TimestampFormat string
	NullValue       string
	BoolTrueValue   string
	BoolFalseValue  string
}

// DefaultCSVOptions returns the rendering defaults.
func DefaultCSVOptions() CSVOptions {
	return CSVOptions{
		Delimiter:       ',',
		UseCRLF:         false,
		IncludeHeader:   true,
		DateFormat:      "2006-01-02",
		TimestampFormat: "2006-01-02 15:04:05",
		NullValue:       "",
		BoolTrueValue:   "true",
		BoolFalseValue:  "false",
	}
}

// NewCSVRenderer creates a CSV renderer.
func NewCSVRenderer(options CSVOptions) *CSVRenderer {
	return &CSVRenderer{options: options}
}

// Render writes the result set to outputPath.
func (r *CSVRenderer) Render(rs *datasource.ResultSet, outputPath string) error {
	if err := ensureDir(outputPath); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create csv file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	writer.Comma = r.options.Delimiter
	writer.UseCRLF = r.options.UseCRLF

	if r.options.IncludeHeader {
		if err := writer.Write(rs.Columns); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
	}

	record := make([]string, len(rs.Columns))
	for _, row := range rs.Rows {
		for i, val := range row {
			record[i] = r.formatValue(val)
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("failed to flush csv: %w", err)
	}
	return nil
}

func (r *CSVRenderer) formatValue(val interface{}) string {
	if val == nil {
		return r.options.NullValue
	}

	switch v := val.(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		if v {
			return r.options.BoolTrueValue
		}
		return r.options.BoolFalseValue
	case time.Time:
		if v.IsZero() {
			return r.options.NullValue
		}
		if v.Hour() != 0 || v.Minute() != 0 || v.Second() != 0 {
			return v.Format(r.options.TimestampFormat)
		}
		return v.Format(r.options.DateFormat)
	case *time.Time:
		if v == nil || v.IsZero() {
			return r.options.NullValue
		}
		return r.formatValue(*v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
