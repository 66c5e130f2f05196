package export

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"report-scheduler/execution-engine/internal/reports"
	"report-scheduler/execution-engine/internal/reports/datasource"
)

func sampleResultSet() *datasource.ResultSet {
	return &datasource.ResultSet{
		Columns: []string{"id", "name", "amount", "created_at"},
		Rows: [][]interface{}{
			{int64(1), "alpha", 12.5, time.Date(2025, 10, 6, 14, 30, 0, 0, time.UTC)},
			{int64(2), "beta", 7.0, time.Date(2025, 10, 7, 0, 0, 0, 0, time.UTC)},
			{int64(3), nil, 0.125, nil},
		},
	}
}

func TestForFormat(t *testing.T) {
	csvRenderer, err := ForFormat(reports.OutputFormatCSV)
	require.NoError(t, err)
	assert.IsType(t, &CSVRenderer{}, csvRenderer)

	xlsxRenderer, err := ForFormat(reports.OutputFormatXLSX)
	require.NoError(t, err)
	assert.IsType(t, &ExcelRenderer{}, xlsxRenderer)

	_, err = ForFormat(reports.OutputFormat("pdf"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "pdf")
}

func TestFilterColumnsProjectsInConfiguredOrder(t *testing.T) {
	rs := sampleResultSet()

	filtered := FilterColumns(rs, []string{"name", "id"})

	assert.Equal(t, []string{"name", "id"}, filtered.Columns)
	require.Len(t, filtered.Rows, 3)
	assert.Equal(t, []interface{}{"alpha", int64(1)}, filtered.Rows[0])
	assert.Equal(t, []interface{}{"beta", int64(2)}, filtered.Rows[1])
}

func TestFilterColumnsIgnoresUnknownColumns(t *testing.T) {
	rs := sampleResultSet()

	filtered := FilterColumns(rs, []string{"name", "no_such_column", "amount"})

	assert.Equal(t, []string{"name", "amount"}, filtered.Columns)
	assert.Equal(t, []interface{}{"alpha", 12.5}, filtered.Rows[0])
}

func TestFilterColumnsKeepsAllWhenNoneMatch(t *testing.T) {
	rs := sampleResultSet()

	filtered := FilterColumns(rs, []string{"ghost", "phantom"})

	assert.Equal(t, rs.Columns, filtered.Columns)
	assert.Equal(t, rs.Rows, filtered.Rows)
}

func TestFilterColumnsEmptyListKeepsAll(t *testing.T) {
	rs := sampleResultSet()

	filtered := FilterColumns(rs, nil)

	assert.Equal(t, rs.Columns, filtered.Columns)
	assert.Equal(t, rs.Rows, filtered.Rows)
}

func TestFilterColumnsPreservesTruncatedFlag(t *testing.T) {
	rs := sampleResultSet()
	rs.Truncated = true

	filtered := FilterColumns(rs, []string{"id"})

	assert.True(t, filtered.Truncated)
}

func TestCSVRendererWritesHeaderAndRows(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "nested", "report.csv")
	renderer := NewCSVRenderer(DefaultCSVOptions())

	err := renderer.Render(sampleResultSet(), outputPath)
	require.NoError(t, err)

	file, err := os.Open(outputPath)
	require.NoError(t, err)
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)

	assert.Equal(t, []string{"id", "name", "amount", "created_at"}, records[0])
	assert.Equal(t, []string{"1", "alpha", "12.5", "2025-10-06 14:30:00"}, records[1])
	// Midnight timestamps render as a bare date.
	assert.Equal(t, []string{"2", "beta", "7", "2025-10-07"}, records[2])
	assert.Equal(t, []string{"3", "", "0.125", ""}, records[3])
}

func TestCSVRendererWithoutHeader(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "report.csv")
	options := DefaultCSVOptions()
	options.IncludeHeader = false
	renderer := NewCSVRenderer(options)

	err := renderer.Render(sampleResultSet(), outputPath)
	require.NoError(t, err)

	file, err := os.Open(outputPath)
	require.NoError(t, err)
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestCSVFormatValue(t *testing.T) {
	renderer := NewCSVRenderer(DefaultCSVOptions())

	assert.Equal(t, "", renderer.formatValue(nil))
	assert.Equal(t, "hello", renderer.formatValue("hello"))
	assert.Equal(t, "42", renderer.formatValue(42))
	assert.Equal(t, "42", renderer.formatValue(int64(42)))
	assert.Equal(t, "3.14", renderer.formatValue(3.14))
	assert.Equal(t, "true", renderer.formatValue(true))
	assert.Equal(t, "false", renderer.formatValue(false))

	ts := time.Date(2025, 10, 6, 9, 15, 30, 0, time.UTC)
	assert.Equal(t, "2025-10-06 09:15:30", renderer.formatValue(ts))
	assert.Equal(t, "2025-10-06 09:15:30", renderer.formatValue(&ts))

	dateOnly := time.Date(2025, 10, 6, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "2025-10-06", renderer.formatValue(dateOnly))

	var nilTime *time.Time
	assert.Equal(t, "", renderer.formatValue(nilTime))
}

func TestExcelRendererWritesWorkbook(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "report.xlsx")
	renderer := NewExcelRenderer(DefaultExcelOptions())

	err := renderer.Render(sampleResultSet(), outputPath)
	require.NoError(t, err)

	size, err := FileSize(outputPath)
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))
}

func TestFileSizeMissingFile(t *testing.T) {
	_, err := FileSize(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}
