package runstore

import (
	"database/sql"
	"fmt"
	"math"
	"strings"
)

// Filter restricts aggregate computation; zero values mean no constraint.
type Filter struct {
	Project  string
	Target   string
	Strategy string
}

// Stats holds aggregate statistics over a set of runs.
type Stats struct {
	Count             int
	AvgDurationMs     float64
	MedianDurationMs  float64
	P95DurationMs     float64
	TotalCostUSD      float64
	AvgCostUSD        float64
	AvgMatchRate      float64
	AvgCoveragePct    *float64 // nil when no run in the set has coverage
	SuccessRatePct    float64
	AvgExpansionRatio float64
}

func (f Filter) where() (string, []any) {
	conditions := []string{"1=1"}
	var args []any
	if f.Project != "" {
		conditions = append(conditions, "project_name = ?")
		args = append(args, f.Project)
	}
	if f.Target != "" {
		conditions = append(conditions, "target_language = ?")
		args = append(args, f.Target)
	}
	if f.Strategy != "" {
		conditions = append(conditions, "strategy = ?")
		args = append(args, f.Strategy)
	}
	return strings.Join(conditions, " AND "), args
}

// Aggregate computes statistics over the filtered set of runs. Returns
// (nil, nil) when nothing matches, so callers can tell "no data" from a
// failed query. Runs without coverage are excluded from the coverage mean
// rather than counted as zero, and runs with zero source LOC are excluded
// from the expansion-ratio mean.
func (s *Store) Aggregate(f Filter) (*Stats, error) {
	where, args := f.where()

	var (
		count     int
		avgDur    sql.NullFloat64
		totalCost sql.NullFloat64
		avgCost   sql.NullFloat64
		avgMatch  sql.NullFloat64
		avgCov    sql.NullFloat64
		success   sql.NullFloat64
		avgExp    sql.NullFloat64
	)
	err := s.db.QueryRow(fmt.Sprintf(`
		SELECT
			COUNT(*),
			AVG(duration_ms),
			SUM(cost_usd),
			AVG(cost_usd),
			AVG(match_rate),
			AVG(coverage_pct),
			AVG(CASE WHEN status = 'success' THEN 1.0 ELSE 0.0 END) * 100,
			AVG(CAST(target_loc AS REAL) / NULLIF(source_loc, 0))
		FROM runs
		WHERE %s
	`, where), args...).Scan(&count, &avgDur, &totalCost, &avgCost, &avgMatch, &avgCov, &success, &avgExp)
	if err != nil {
		return nil, fmt.Errorf("runstore: aggregate: %w", err)
	}
	if count == 0 {
		return nil, nil
	}

	durations, err := s.sortedDurations(where, args)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		Count:             count,
		AvgDurationMs:     avgDur.Float64,
		MedianDurationMs:  percentile(durations, 50),
		P95DurationMs:     percentile(durations, 95),
		TotalCostUSD:      totalCost.Float64,
		AvgCostUSD:        avgCost.Float64,
		AvgMatchRate:      avgMatch.Float64,
		SuccessRatePct:    success.Float64,
		AvgExpansionRatio: avgExp.Float64,
	}
	if avgCov.Valid {
		cov := avgCov.Float64
		stats.AvgCoveragePct = &cov
	}
	return stats, nil
}

func (s *Store) sortedDurations(where string, args []any) ([]float64, error) {
	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT duration_ms FROM runs
		WHERE %s AND duration_ms IS NOT NULL
		ORDER BY duration_ms
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("runstore: durations: %w", err)
	}
	defer rows.Close()

	var durations []float64
	for rows.Next() {
		var d float64
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		durations = append(durations, d)
	}
	return durations, rows.Err()
}

// percentile computes the p-th percentile of an ascending-sorted list by
// linear interpolation: k = (n-1)*p/100, interpolating between the values
// at floor(k) and the next index.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	k := float64(len(sorted)-1) * p / 100
	f := int(math.Floor(k))
	c := f + 1
	if c >= len(sorted) {
		c = len(sorted) - 1
	}
	return sorted[f] + (sorted[c]-sorted[f])*(k-float64(f))
}

// groupColumns is the allow-list of GroupBy fields.
var groupColumns = map[string]string{
	"project":  "project_name",
	"target":   "target_language",
	"strategy": "strategy",
}

// GroupFields returns the valid GroupBy field names.
func GroupFields() []string {
	return []string{"project", "strategy", "target"}
}

// GroupBy computes Aggregate per distinct value of the given field. Any
// field outside the allow-list is an invalid-argument error.
func (s *Store) GroupBy(field string) (map[string]*Stats, error) {
	column, ok := groupColumns[field]
	if !ok {
		return nil, fmt.Errorf("runstore: invalid group field %q, must be one of %v", field, GroupFields())
	}

	values, err := s.distinct(column)
	if err != nil {
		return nil, err
	}

	results := make(map[string]*Stats, len(values))
	for _, value := range values {
		var f Filter
		switch field {
		case "project":
			f.Project = value
		case "target":
			f.Target = value
		case "strategy":
			f.Strategy = value
		}
		stats, err := s.Aggregate(f)
		if err != nil {
			return nil, err
		}
		if stats != nil {
			results[value] = stats
		}
	}
	return results, nil
}
