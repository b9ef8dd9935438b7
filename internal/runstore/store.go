// Package runstore persists finalized run records in an embedded SQLite
// database and answers aggregate questions over them.
//
// One row per run, keyed by run id. The fields used for filtering and
// sorting are denormalized into indexed columns and recomputed from the
// record at insert time; the serialized record itself is the lossless
// source of truth for retrieval.
package runstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hochfrequenz/migration-metrics/internal/metrics"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Get for an unknown run id.
var ErrNotFound = errors.New("runstore: run not found")

// startedAtLayout is fixed-width UTC RFC3339 so lexical comparison on the
// indexed column matches chronological order.
const startedAtLayout = "2006-01-02T15:04:05.000000000Z"

// Store provides SQLite-backed persistence for run records.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path and brings its schema up to
// date. Use ":memory:" for an ephemeral store.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("runstore: open %s: %w", path, err)
	}
	// A second pooled connection to ":memory:" would see its own empty
	// database; SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("runstore: apply schema: %w", err)
	}
	if err := applyAdditiveMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert upserts a record by run id. Re-inserting an existing id replaces
// every column wholesale: a finalized record supersedes any prior
// persistence of the same run.
func (s *Store) Insert(rec *metrics.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("runstore: encode record %s: %w", rec.Identity.RunID, err)
	}

	var completedAt any
	if rec.Identity.CompletedAt != nil {
		completedAt = formatTime(*rec.Identity.CompletedAt)
	}
	var coverage any
	if rec.Gates.Coverage.LinePct != nil {
		coverage = *rec.Gates.Coverage.LinePct
	}

	_, err = s.db.Exec(`
		INSERT INTO runs (
			run_id, project_name, source_language, target_language, strategy,
			started_at, completed_at, status, duration_ms, cost_usd,
			match_rate, coverage_pct, source_loc, target_loc, record_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			project_name = excluded.project_name,
			source_language = excluded.source_language,
			target_language = excluded.target_language,
			strategy = excluded.strategy,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			status = excluded.status,
			duration_ms = excluded.duration_ms,
			cost_usd = excluded.cost_usd,
			match_rate = excluded.match_rate,
			coverage_pct = excluded.coverage_pct,
			source_loc = excluded.source_loc,
			target_loc = excluded.target_loc,
			record_json = excluded.record_json
	`,
		rec.Identity.RunID,
		rec.Identity.ProjectName,
		rec.Identity.SourceLanguage,
		rec.Identity.TargetLanguage,
		rec.Identity.Strategy,
		formatTime(rec.Identity.StartedAt),
		completedAt,
		string(rec.Outcome.Status),
		rec.Timing.WallClockMs,
		rec.Cost.TotalUSD,
		rec.Contract.MatchRate(),
		coverage,
		rec.Source.ProductionLOC,
		rec.Target.ProductionLOC,
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("runstore: insert %s: %w", rec.Identity.RunID, err)
	}
	return nil
}

// Get returns the record for a run id, or ErrNotFound. A stored record
// that fails to decode is a hard error: only Insert writes rows, so a
// corrupt row means the database itself is damaged.
func (s *Store) Get(runID string) (*metrics.Record, error) {
	var payload string
	err := s.db.QueryRow(`SELECT record_json FROM runs WHERE run_id = ?`, runID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("runstore: get %s: %w", runID, err)
	}
	return decodeRecord(runID, payload)
}

// QueryOptions is a conjunction of optional filters. Zero values mean
// "no constraint"; Limit defaults to 100.
type QueryOptions struct {
	Project  string
	Target   string
	Strategy string
	Status   string
	Since    time.Time
	Until    time.Time
	Limit    int
}

// Query returns matching records ordered by start time descending. An
// empty result is an empty slice, not an error.
func (s *Store) Query(opts QueryOptions) ([]*metrics.Record, error) {
	conditions := []string{"1=1"}
	var args []any

	if opts.Project != "" {
		conditions = append(conditions, "project_name = ?")
		args = append(args, opts.Project)
	}
	if opts.Target != "" {
		conditions = append(conditions, "target_language = ?")
		args = append(args, opts.Target)
	}
	if opts.Strategy != "" {
		conditions = append(conditions, "strategy = ?")
		args = append(args, opts.Strategy)
	}
	if opts.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, opts.Status)
	}
	if !opts.Since.IsZero() {
		conditions = append(conditions, "started_at >= ?")
		args = append(args, formatTime(opts.Since))
	}
	if !opts.Until.IsZero() {
		conditions = append(conditions, "started_at <= ?")
		args = append(args, formatTime(opts.Until))
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT run_id, record_json FROM runs
		WHERE %s
		ORDER BY started_at DESC
		LIMIT ?
	`, strings.Join(conditions, " AND ")), args...)
	if err != nil {
		return nil, fmt.Errorf("runstore: query: %w", err)
	}
	defer rows.Close()

	var records []*metrics.Record
	for rows.Next() {
		var runID, payload string
		if err := rows.Scan(&runID, &payload); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(runID, payload)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// All returns up to limit records in insertion-independent, most recent
// first order. Intended for export.
func (s *Store) All(limit int) ([]*metrics.Record, error) {
	return s.Query(QueryOptions{Limit: limit})
}

// Delete removes a run. Returns whether a row was deleted.
func (s *Store) Delete(runID string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return false, fmt.Errorf("runstore: delete %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Count returns the total number of stored runs.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM runs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("runstore: count: %w", err)
	}
	return n, nil
}

// ListProjects returns all distinct project names, sorted.
func (s *Store) ListProjects() ([]string, error) {
	return s.distinct("project_name")
}

// ListTargets returns all distinct target languages, sorted.
func (s *Store) ListTargets() ([]string, error) {
	return s.distinct("target_language")
}

func (s *Store) distinct(column string) ([]string, error) {
	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT DISTINCT %s FROM runs ORDER BY %s`, column, column))
	if err != nil {
		return nil, fmt.Errorf("runstore: distinct %s: %w", column, err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

func decodeRecord(runID, payload string) (*metrics.Record, error) {
	var rec metrics.Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("runstore: decode record %s: %w", runID, err)
	}
	return &rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(startedAtLayout)
}
