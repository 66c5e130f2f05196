package export

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"report-scheduler/execution-engine/internal/reports/datasource"
)

// ExcelRenderer writes result sets as XLSX workbooks.
type ExcelRenderer struct {
	options ExcelOptions
}

// ExcelOptions configures XLSX rendering behavior.
type ExcelOptions struct {
	SheetName       string
	IncludeHeader   bool
	FreezeHeader    bool
	AutoFilter      bool
	DateFormat      string
	TimestampFormat string
}

// DefaultExcelOptions returns the rendering defaults.
func DefaultExcelOptions() ExcelOptions {
	return ExcelOptions{
		SheetName:       "Report",
		IncludeHeader:   true,
		FreezeHeader:    true,
		AutoFilter:      true,
		DateFormat:      "2006-01-02",
		TimestampFormat: "2006-01-02 15:04:05",
	}
}

// NewExcelRenderer creates an XLSX renderer.
func NewExcelRenderer(options ExcelOptions) *ExcelRenderer {
	return &ExcelRenderer{options: options}
}

// Render writes the result set to outputPath.
func (r *ExcelRenderer) Render(rs *datasource.ResultSet, outputPath string) error {
	if err := ensureDir(outputPath); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	sheet := r.options.SheetName
	if sheet == "" {
		sheet = "Report"
	}
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("failed to rename sheet: %w", err)
	}

	rowOffset := 0
	if r.options.IncludeHeader {
		headerStyle, err := f.NewStyle(&excelize.Style{
			Font:      &excelize.Font{Bold: true, Color: "FFFFFF"},
			Fill:      excelize.Fill{Type: "pattern", Color: []string{"4472C4"}, Pattern: 1},
			Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
			Border: []excelize.Border{
				{Type: "left", Color: "D9D9D9", Style: 1},
				{Type: "right", Color: "D9D9D9", Style: 1},
				{Type: "top", Color: "D9D9D9", Style: 1},
				{Type: "bottom", Color: "D9D9D9", Style: 1},
			},
		})
		if err != nil {
			return fmt.Errorf("failed to create header style: %w", err)
		}

		for i, col := range rs.Columns {
			cell, err := excelize.CoordinatesToCellName(i+1, 1)
			if err != nil {
				return fmt.Errorf("failed to resolve header cell: %w", err)
			}
			if err := f.SetCellValue(sheet, cell, col); err != nil {
				return fmt.Errorf("failed to write header cell: %w", err)
			}
		}
		if len(rs.Columns) > 0 {
			lastCell, err := excelize.CoordinatesToCellName(len(rs.Columns), 1)
			if err != nil {
				return fmt.Errorf("failed to resolve header range: %w", err)
			}
			if err := f.SetCellStyle(sheet, "A1", lastCell, headerStyle); err != nil {
				return fmt.Errorf("failed to style header: %w", err)
			}
		}
		rowOffset = 1
	}

	for rowIdx, row := range rs.Rows {
		for colIdx, val := range row {
			cell, err := excelize.CoordinatesToCellName(colIdx+1, rowIdx+rowOffset+1)
			if err != nil {
				return fmt.Errorf("failed to resolve cell: %w", err)
			}
			if err := f.SetCellValue(sheet, cell, r.cellValue(val)); err != nil {
				return fmt.Errorf("failed to write cell: %w", err)
			}
		}
	}

	if r.options.IncludeHeader && len(rs.Columns) > 0 {
		if r.options.FreezeHeader {
			if err := f.SetPanes(sheet, &excelize.Panes{
				Freeze:      true,
				YSplit:      1,
				TopLeftCell: "A2",
				ActivePane:  "bottomLeft",
			}); err != nil {
				return fmt.Errorf("failed to freeze header: %w", err)
			}
		}
		if r.options.AutoFilter && len(rs.Rows) > 0 {
			lastCell, err := excelize.CoordinatesToCellName(len(rs.Columns), len(rs.Rows)+1)
			if err != nil {
				return fmt.Errorf("failed to resolve filter range: %w", err)
			}
			if err := f.AutoFilter(sheet, "A1:"+lastCell, nil); err != nil {
				return fmt.Errorf("failed to set autofilter: %w", err)
			}
		}
	}

	r.autoFitColumns(f, sheet, rs)

	if err := f.SaveAs(outputPath); err != nil {
		return fmt.Errorf("failed to save workbook: %w", err)
	}
	return nil
}

// cellValue maps driver values to types excelize renders natively. Timestamps
// become formatted strings so the workbook shows the same text as the CSV
// rendering of the same result set.
func (r *ExcelRenderer) cellValue(val interface{}) interface{} {
	switch v := val.(type) {
	case nil:
		return ""
	case time.Time:
		if v.IsZero() {
			return ""
		}
		if v.Hour() != 0 || v.Minute() != 0 || v.Second() != 0 {
			return v.Format(r.options.TimestampFormat)
		}
		return v.Format(r.options.DateFormat)
	case *time.Time:
		if v == nil || v.IsZero() {
			return ""
		}
		return r.cellValue(*v)
	case []byte:
		return string(v)
	default:
		return v
	}
}

// autoFitColumns widens each column to its longest header or a sampled cell
// value, capped so a single wide value cannot blow up the layout.
func (r *ExcelRenderer) autoFitColumns(f *excelize.File, sheet string, rs *datasource.ResultSet) {
	const (
		minWidth   = 10.0
		maxWidth   = 50.0
		sampleRows = 100
	)

	for i, col := range rs.Columns {
		width := float64(len(col))
		limit := len(rs.Rows)
		if limit > sampleRows {
			limit = sampleRows
		}
		for _, row := range rs.Rows[:limit] {
			if i >= len(row) {
				continue
			}
			if l := float64(len(fmt.Sprintf("%v", r.cellValue(row[i])))); l > width {
				width = l
			}
		}
		width += 2
		if width < minWidth {
			width = minWidth
		}
		if width > maxWidth {
			width = maxWidth
		}
		name, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			continue
		}
		_ = f.SetColWidth(sheet, name, name, width)
	}
}
