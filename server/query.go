package main

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Statistic is the aggregate function a query asks for.
type Statistic string

const (
	StatMin     Statistic = "min"
	StatMax     Statistic = "max"
	StatSum     Statistic = "sum"
	StatAverage Statistic = "average"
)

// ParseStatistic validates the statistic query parameter before any
// window or store logic runs.
func ParseStatistic(s string) (Statistic, error) {
	switch Statistic(s) {
	case StatMin, StatMax, StatSum, StatAverage:
		return Statistic(s), nil
	}
	return "", fmt.Errorf("statistic must be one of min, max, sum, average (got %q)", s)
}

const (
	// defaultWindow is applied when the caller gives no bounds, or
	// derives the missing start from a supplied end.
	defaultWindow = 24 * time.Hour

	// maxWindow caps the queryable span. A span of exactly 31 days is
	// allowed; anything strictly greater is rejected.
	maxWindow = 31 * 24 * time.Hour
)

// rangeError is a user-correctable query window problem. Its text is
// part of the HTTP contract and must not change.
type rangeError string

func (e rangeError) Error() string { return string(e) }

var (
	errStartAfterEnd = rangeError("Start date cannot be after end date.")
	errWindowTooWide = rangeError("Query range cannot exceed 1 month (31 days).")
)

// deriveWindow resolves partial or absent query bounds against now.
// Precedence: no bounds -> [now-24h, now]; only start -> end = now;
// only end -> start = end-24h; both -> used as-is.
func deriveWindow(now time.Time, start, end *time.Time) (time.Time, time.Time) {
	switch {
	case start == nil && end == nil:
		return now.Add(-defaultWindow), now
	case start != nil && end == nil:
		return *start, now
	case start == nil && end != nil:
		return end.Add(-defaultWindow), *end
	default:
		return *start, *end
	}
}

// validateWindow checks ordering before width; first failure wins.
func validateWindow(start, end time.Time) error {
	if start.After(end) {
		return errStartAfterEnd
	}
	if end.Sub(start) > maxWindow {
		return errWindowTooWide
	}
	return nil
}

// IsRangeError reports whether err is a query window validation
// failure, i.e. a client error rather than a store fault.
func IsRangeError(err error) bool {
	var re rangeError
	return errors.As(err, &re)
}

// QueryResult is one per-metric-type aggregate in a query response.
type QueryResult struct {
	MetricType string  `json:"metric_type"`
	Statistic  string  `json:"statistic"`
	Value      float64 `json:"value"`
}

// QueryParams carries a decoded aggregate query. Nil bounds mean the
// caller omitted them.
type QueryParams struct {
	SensorIDs   []string
	MetricTypes []string
	Statistic   Statistic
	Start, End  *time.Time
}

// ResolveQuery derives and validates the window, runs one grouped
// aggregate against the store and shapes the rows. now is captured
// once by the caller so derivation and filtering agree.
func ResolveQuery(store Store, now time.Time, p QueryParams) ([]QueryResult, error) {
	start, end := deriveWindow(now, p.Start, p.End)
	if err := validateWindow(start, end); err != nil {
		return nil, err
	}

	rows, err := store.Aggregate(AggregateFilter{
		SensorIDs:   p.SensorIDs,
		MetricTypes: p.MetricTypes,
		Start:       start,
		End:         end,
	}, p.Statistic)
	if err != nil {
		return nil, err
	}

	return shapeResults(rows, p.Statistic), nil
}

// shapeResults emits one entry per group with at least one contributing
// row, in store discovery order. Groups whose aggregate came back NULL
// are dropped, never emitted as zero.
func shapeResults(rows []AggregateRow, stat Statistic) []QueryResult {
	results := make([]QueryResult, 0, len(rows))
	for _, row := range rows {
		if row.Count == 0 || !row.Value.Valid {
			continue
		}
		results = append(results, QueryResult{
			MetricType: row.MetricType,
			Statistic:  string(stat),
			Value:      round2(row.Value.Float64),
		})
	}
	return results
}

// round2 rounds half away from zero to 2 decimal places.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
