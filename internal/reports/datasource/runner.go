// Package datasource executes report queries against the configured
// databases and returns position-preserving result sets for rendering.
package datasource

import (
	"context"
	"time"

	"report-scheduler/execution-engine/internal/reports"
)

// ResultSet is a rendered-order snapshot of a query result. Rows hold
// driver values with byte slices already converted to strings.
type ResultSet struct {
	Columns []string
	Rows    [][]any

	// Truncated is set when the row cap cut the result short.
	Truncated bool
}

// RowCount returns the number of data rows.
func (rs *ResultSet) RowCount() int {
	return len(rs.Rows)
}

// Options bound a single query run.
type Options struct {
	Timeout time.Duration
	MaxRows int
}

// Runner executes a query against one datasource engine type.
type Runner interface {
	Run(ctx context.Context, ds *reports.ReportDatasource, query string, args []any, opts Options) (*ResultSet, error)
}
