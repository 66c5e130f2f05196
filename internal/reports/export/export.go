// Package export renders query result sets into the report file formats.
package export

import (
	"fmt"
	"os"
	"path/filepath"

	"report-scheduler/execution-engine/internal/reports"
	"report-scheduler/execution-engine/internal/reports/datasource"
)

// Renderer writes a result set to a file at outputPath.
type Renderer interface {
	Render(rs *datasource.ResultSet, outputPath string) error
}

// ForFormat returns the renderer for an output format.
func ForFormat(format reports.OutputFormat) (Renderer, error) {
	switch format {
	case reports.OutputFormatCSV:
		return NewCSVRenderer(DefaultCSVOptions()), nil
	case reports.OutputFormatXLSX:
		return NewExcelRenderer(DefaultExcelOptions()), nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}

// FilterColumns projects the result onto the configured display columns, in
// the configured order. Unknown names are ignored; when none of the
// configured names exist in the result, the full result is kept.
func FilterColumns(rs *datasource.ResultSet, displayColumns []string) *datasource.ResultSet {
	if len(displayColumns) == 0 {
		return rs
	}

	index := make(map[string]int, len(rs.Columns))
	for i, col := range rs.Columns {
		index[col] = i
	}

	var picks []int
	var columns []string
	for _, name := range displayColumns {
		if i, ok := index[name]; ok {
			picks = append(picks, i)
			columns = append(columns, name)
		}
	}
	if len(picks) == 0 {
		return rs
	}

	out := &datasource.ResultSet{Columns: columns, Truncated: rs.Truncated}
	for _, row := range rs.Rows {
		projected := make([]any, len(picks))
		for j, i := range picks {
			projected[j] = row[i]
		}
		out.Rows = append(out.Rows, projected)
	}
	return out
}

// FileSize returns the size of a generated file in bytes.
func FileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func ensureDir(outputPath string) error {
	return os.MkdirAll(filepath.Dir(outputPath), 0o755)
}
