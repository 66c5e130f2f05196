// Package querybuilder assembles the final SQL for a report run: template
// substitution, an automatic date filter derived from the schedule's cron
// granularity, and the statically configured filters.
//
// Filter values are bound as query parameters. Alongside the executable
// form, the builder renders an interpolated copy with the values inlined;
// that copy goes into the execution audit trail so an operator can re-run
// the exact query from the record.
package querybuilder

import (
	"fmt"
	"strings"
	"unicode"

	"report-scheduler/execution-engine/internal/reports/timerange"
)

// Granularity classifies how often a cron expression fires. It decides the
// shape of the automatic date filter.
type Granularity string

const (
	GranularityDaily     Granularity = "daily"
	GranularityHourly    Granularity = "hourly"
	GranularitySubHourly Granularity = "sub_hourly"
	GranularityWeekly    Granularity = "weekly"
	GranularityMonthly   Granularity = "monthly"
)

// Filter is one statically configured predicate from a report's parameters.
type Filter struct {
	Field    string `json:"field"`
	Operator string `json:"operator,omitempty"`
	Type     string `json:"type,omitempty"`
	Value    any    `json:"value"`
}

// Params carries everything Build needs for one run.
type Params struct {
	DateField      string
	CronExpression string
	Filters        []Filter
	Vars           timerange.Variables
}

// Query is the executable output: parameterized text plus bound arguments.
type Query struct {
	Text string
	Args []any

	audit string
}

// Interpolated returns the audit rendering with all values inlined.
func (q Query) Interpolated() string {
	return q.audit
}

// condition is one predicate in both renderings.
type condition struct {
	expr string // parameterized, e.g. "status = ?"
	lit  string // inlined, e.g. "status = 'paid'"
	args []any
}

// Build assembles the final query. Conditions are injected into the raw
// template first; template variables are substituted over the combined text
// last, so placeholders inside the template body resolve no matter where the
// author put them.
func Build(template string, p Params) Query {
	conds := make([]condition, 0, len(p.Filters)+1)

	if p.DateField != "" {
		conds = append(conds, autoDateCondition(p.DateField, p.CronExpression, p.Vars))
	}
	for _, f := range p.Filters {
		if c, ok := buildCondition(f, p.Vars); ok {
			conds = append(conds, c)
		}
	}

	if len(conds) == 0 {
		final := timerange.Replace(template, p.Vars)
		return Query{Text: final, audit: final}
	}

	exprs := make([]string, len(conds))
	lits := make([]string, len(conds))
	var args []any
	for i, c := range conds {
		exprs[i] = c.expr
		lits[i] = c.lit
		args = append(args, c.args...)
	}

	return Query{
		Text:  timerange.Replace(inject(template, strings.Join(exprs, " AND ")), p.Vars),
		Args:  args,
		audit: timerange.Replace(inject(template, strings.Join(lits, " AND ")), p.Vars),
	}
}

// Fields whose names look temporal. Date windows belong in the query body
// via template variables, so filters matching these are dropped.
var datePatterns = []string{
	"date(",
	"timestamp(",
	"created_at",
	"updated_at",
	"deleted_at",
	"date_",
	"_date",
	"datetime",
	"time_",
}

// IsDateFilter reports whether a filter targets a date and must be skipped.
func IsDateFilter(f Filter) bool {
	if f.Type == "date" {
		return true
	}
	field := strings.ToLower(f.Field)
	for _, pattern := range datePatterns {
		if strings.Contains(field, pattern) {
			return true
		}
	}
	return false
}

var comparisonOperators = map[string]bool{
	"=": true, "!=": true, ">": true, ">=": true, "<": true, "<=": true,
}

func buildCondition(f Filter, vars timerange.Variables) (condition, bool) {
	if IsDateFilter(f) {
		return condition{}, false
	}
	if f.Value == nil {
		return condition{}, false
	}

	operator := f.Operator
	if operator == "" {
		operator = "="
	}

	value := f.Value
	if s, ok := value.(string); ok {
		value = timerange.Replace(s, vars)
	}

	switch {
	case comparisonOperators[operator]:
		if f.Type == "number" {
			return condition{
				expr: fmt.Sprintf("%s %s ?", f.Field, operator),
				lit:  fmt.Sprintf("%s %s %v", f.Field, operator, value),
				args: []any{value},
			}, true
		}
		return condition{
			expr: fmt.Sprintf("%s %s ?", f.Field, operator),
			lit:  fmt.Sprintf("%s %s '%v'", f.Field, operator, value),
			args: []any{value},
		}, true

	case operator == "LIKE":
		pattern := fmt.Sprintf("%%%v%%", value)
		return condition{
			expr: f.Field + " LIKE ?",
			lit:  fmt.Sprintf("%s LIKE '%s'", f.Field, pattern),
			args: []any{pattern},
		}, true

	case operator == "IN":
		list, ok := value.([]any)
		if !ok {
			break
		}
		placeholders := make([]string, len(list))
		quoted := make([]string, len(list))
		args := make([]any, len(list))
		for i, v := range list {
			placeholders[i] = "?"
			quoted[i] = fmt.Sprintf("'%v'", v)
			args[i] = v
		}
		return condition{
			expr: fmt.Sprintf("%s IN (%s)", f.Field, strings.Join(placeholders, ", ")),
			lit:  fmt.Sprintf("%s IN (%s)", f.Field, strings.Join(quoted, ", ")),
			args: args,
		}, true
	}

	// Unknown operators, and IN without a list, fall back to equality.
	return condition{
		expr: f.Field + " = ?",
		lit:  fmt.Sprintf("%s = '%v'", f.Field, value),
		args: []any{value},
	}, true
}

// DetectGranularity classifies a 5-field cron expression. Branches are
// evaluated in order; a fixed minute with a wildcard hour counts as hourly
// even when the minute uses a step.
func DetectGranularity(cronExpression string) Granularity {
	parts := strings.Fields(cronExpression)
	if len(parts) < 5 {
		return GranularityDaily
	}
	minute, hour, day, month, weekday := parts[0], parts[1], parts[2], parts[3], parts[4]

	switch {
	case minute != "*" && hour == "*":
		return GranularityHourly
	case strings.HasPrefix(minute, "*/"):
		return GranularitySubHourly
	case weekday != "*":
		return GranularityWeekly
	case day == "1" && month == "*":
		return GranularityMonthly
	default:
		return GranularityDaily
	}
}

func autoDateCondition(dateField, cronExpression string, vars timerange.Variables) condition {
	switch DetectGranularity(cronExpression) {
	case GranularityHourly, GranularitySubHourly:
		return condition{
			expr: dateField + " BETWEEN ? AND ?",
			lit:  fmt.Sprintf("%s BETWEEN '%s' AND '%s'", dateField, vars["start_datetime"], vars["end_datetime"]),
			args: []any{vars["start_datetime"], vars["end_datetime"]},
		}
	case GranularityWeekly, GranularityMonthly:
		return condition{
			expr: fmt.Sprintf("DATE(%s) BETWEEN ? AND ?", dateField),
			lit:  fmt.Sprintf("DATE(%s) BETWEEN '%s' AND '%s'", dateField, vars["start_date"], vars["end_date"]),
			args: []any{vars["start_date"], vars["end_date"]},
		}
	default:
		return condition{
			expr: fmt.Sprintf("DATE(%s) = ?", dateField),
			lit:  fmt.Sprintf("DATE(%s) = '%s'", dateField, vars["yesterday"]),
			args: []any{vars["yesterday"]},
		}
	}
}

var insertionKeywords = []string{"ORDER BY", "LIMIT", "GROUP BY", "HAVING"}

// inject places a filter clause into the statement: before the earliest
// trailing keyword when one exists, appended otherwise. The prefix is WHERE
// for statements without one, AND for statements that already filter.
func inject(query, clause string) string {
	upper := strings.ToUpper(query)

	pos := len(query)
	for _, keyword := range insertionKeywords {
		if i := strings.Index(upper, keyword); i != -1 && i < pos {
			pos = i
		}
	}

	prefix := "WHERE "
	if strings.Contains(upper, "WHERE") {
		prefix = "AND "
	}

	head := strings.TrimRightFunc(query[:pos], unicode.IsSpace)
	return head + "\n" + prefix + clause + "\n" + query[pos:]
}

// FilterVariables exposes configured filter values as template variables,
// keyed by the field name with any table prefix removed. List values are
// joined with ", ". Mail templates use these for lines like
// "Merchant: {{merchant_id}}".
func FilterVariables(filters []Filter) map[string]string {
	vars := make(map[string]string)
	for _, f := range filters {
		if f.Field == "" || f.Value == nil {
			continue
		}
		name := f.Field
		if i := strings.LastIndex(name, "."); i != -1 {
			name = name[i+1:]
		}
		if list, ok := f.Value.([]any); ok {
			parts := make([]string, len(list))
			for i, v := range list {
				parts[i] = fmt.Sprintf("%v", v)
			}
			vars[name] = strings.Join(parts, ", ")
		} else {
			vars[name] = fmt.Sprintf("%v", f.Value)
		}
	}
	return vars
}
