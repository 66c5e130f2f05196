// Package timerange computes the data window a scheduled report run covers
// and exposes it as template variables for query and filename templates.
//
// All timestamps are handled timezone-naive: the execution instant is
// converted to the schedule's timezone and re-stamped in a neutral location,
// matching how the backing store keeps datetimes without zone information.
package timerange

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Method identifies how a window was derived.
type Method string

const (
	MethodLastRun       Method = "last_run_at"
	MethodCronDetection Method = "cron_detection"
	MethodDefaultDaily  Method = "default_daily"
)

const (
	dateTimeLayout = "2006-01-02 15:04:05"
	dateLayout     = "2006-01-02"
	clockLayout    = "15:04:05"
)

// Schedule is the slice of schedule state the calculation needs.
type Schedule struct {
	CronExpression string
	Timezone       string
	LastRunAt      *time.Time
}

// Range is a half-open data window [Start, End).
type Range struct {
	Start  time.Time
	End    time.Time
	Method Method
}

// Variables maps template variable names to their rendered values.
type Variables map[string]string

// Five standard fields, no seconds, no descriptors. The same parser the
// management plane validates expressions with.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Calculate derives the data window for an execution.
//
// Priority:
//  1. schedule.LastRunAt set: window is [last run, execution instant).
//  2. parseable cron expression: window spans the two most recent scheduled
//     occurrences strictly before the execution instant, covering exactly one
//     full schedule interval.
//  3. otherwise: the 24 hours ending at the execution instant.
func Calculate(schedule *Schedule, executionTime time.Time) Range {
	if schedule != nil {
		executionTime = naiveIn(executionTime, schedule.Timezone)
	} else {
		executionTime = stripZone(executionTime)
	}

	if schedule != nil && schedule.LastRunAt != nil {
		return Range{
			Start:  stripZone(*schedule.LastRunAt),
			End:    executionTime,
			Method: MethodLastRun,
		}
	}

	if schedule != nil && schedule.CronExpression != "" {
		if spec, err := parser.Parse(schedule.CronExpression); err == nil {
			if prev := previousOccurrences(spec, executionTime, 2); len(prev) == 2 {
				return Range{Start: prev[0], End: prev[1], Method: MethodCronDetection}
			}
		}
	}

	return Range{
		Start:  executionTime.Add(-24 * time.Hour),
		End:    executionTime,
		Method: MethodDefaultDaily,
	}
}

// Variables renders the window into the full template vocabulary. Relative
// anchors (yesterday, last_week, last_month) and the execution_* stamps are
// taken from the window end.
func (r Range) Variables() Variables {
	interval := r.End.Sub(r.Start)

	return Variables{
		"start_datetime":     r.Start.Format(dateTimeLayout),
		"end_datetime":       r.End.Format(dateTimeLayout),
		"start_date":         r.Start.Format(dateLayout),
		"end_date":           r.End.Format(dateLayout),
		"start_time":         r.Start.Format(clockLayout),
		"end_time":           r.End.Format(clockLayout),
		"interval_hours":     formatRounded(interval.Hours()),
		"interval_minutes":   formatRounded(interval.Minutes()),
		"calculation_method": string(r.Method),
		"yesterday":          r.End.Add(-24 * time.Hour).Format(dateLayout),
		"last_week":          r.End.Add(-7 * 24 * time.Hour).Format(dateLayout),
		"last_month":         r.End.Add(-30 * 24 * time.Hour).Format(dateLayout),
		"execution_time":     r.End.Format(dateTimeLayout),
		"execution_date":     r.End.Format(dateLayout),
		"execution_hour":     r.End.Format("15"),
	}
}

// Replace substitutes every {{name}} occurrence in s, including inside
// string literals the template author placed them in. Unknown placeholders
// are left untouched, so the operation is idempotent.
func Replace(s string, vars Variables) string {
	for key, value := range vars {
		s = strings.ReplaceAll(s, "{{"+key+"}}", value)
	}
	return s
}

// ValidateCron checks an expression against the schedule parser.
func ValidateCron(expression string) error {
	_, err := parser.Parse(expression)
	return err
}

// NextRuns lists the next n activations of the expression after from,
// evaluated in the given timezone (UTC when empty).
func NextRuns(expression, timezone string, from time.Time, n int) ([]time.Time, error) {
	spec, err := parser.Parse(expression)
	if err != nil {
		return nil, err
	}
	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", timezone, err)
		}
		loc = l
	}
	runs := make([]time.Time, 0, n)
	next := from.In(loc)
	for i := 0; i < n; i++ {
		next = spec.Next(next)
		if next.IsZero() {
			break
		}
		runs = append(runs, next)
	}
	return runs, nil
}

// naiveIn converts t to the named zone and drops the zone, keeping wall
// clock values. Unknown zone names leave t in its own location.
func naiveIn(t time.Time, timezone string) time.Time {
	if timezone != "" {
		if loc, err := time.LoadLocation(timezone); err == nil {
			t = t.In(loc)
		}
	}
	return stripZone(t)
}

func stripZone(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// Look-back ladder for previous-occurrence detection. Each rung must fully
// contain n occurrences for the scan to stop, so sparse expressions (yearly,
// Feb 29) keep widening until they fit.
var lookbacks = []time.Duration{
	2 * time.Hour,
	26 * time.Hour,
	8 * 24 * time.Hour,
	35 * 24 * time.Hour,
	370 * 24 * time.Hour,
	4 * 370 * 24 * time.Hour,
	9 * 370 * 24 * time.Hour,
}

// previousOccurrences returns the n most recent schedule activations strictly
// before the given instant, oldest first. The cron library only walks
// forward, so the scan starts from a widening look-back horizon and slides a
// window of the last n hits.
func previousOccurrences(spec cron.Schedule, before time.Time, n int) []time.Time {
	for _, lookback := range lookbacks {
		from := before.Add(-lookback)
		hits := make([]time.Time, 0, n)
		for t := spec.Next(from); !t.IsZero() && t.Before(before); t = spec.Next(t) {
			hits = append(hits, t)
			if len(hits) > n {
				hits = hits[1:]
			}
		}
		if len(hits) == n {
			return hits
		}
	}
	return nil
}

// formatRounded renders a 2-decimal-rounded interval without trailing
// zeros: 6 hours is "6", 90 minutes is "1.5" hours.
func formatRounded(f float64) string {
	return strconv.FormatFloat(math.Round(f*100)/100, 'f', -1, 64)
}
