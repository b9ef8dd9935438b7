package runstore

import (
	"database/sql"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/hochfrequenz/migration-metrics/internal/metrics"
)

var baseStart = time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)

// testRecord builds a valid record; mut tweaks it per test.
func testRecord(id string, mut func(*metrics.Record)) *metrics.Record {
	completed := baseStart.Add(30 * time.Minute)
	rec := &metrics.Record{
		Identity: metrics.Identity{
			RunID:          id,
			ProjectName:    "rpn2tex",
			SourceLanguage: "python",
			TargetLanguage: "rust",
			Strategy:       "module-by-module",
			StartedAt:      baseStart,
			CompletedAt:    &completed,
		},
		Timing: metrics.Timing{
			WallClockMs:    120000,
			PhaseDurations: map[string]int64{"setup": 1000},
		},
		Cost:     metrics.Cost{TotalUSD: 2.5},
		Tokens:   metrics.Tokens{Input: 100, Output: 5000, CacheRead: 30000},
		Agent:    metrics.Agent{TotalTurns: 10, ToolInvocations: map[string]int{"Bash": 4}},
		Source:   metrics.CodeMetrics{ProductionLOC: 1000, TestLOC: 300},
		Target:   metrics.CodeMetrics{ProductionLOC: 1500, TestLOC: 700},
		Contract: metrics.Contract{TotalCases: 50, Passed: 40, Failed: 10},
		Outcome:  metrics.Outcome{Status: metrics.StatusSuccess, ModulesCompleted: 7, ModulesTotal: 7},

		SchemaVersion: metrics.SchemaVersion,
	}
	if mut != nil {
		mut(rec)
	}
	return rec
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestInsertAndGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	cov := 88.5
	rec := testRecord("run-1", func(r *metrics.Record) {
		r.Gates.Coverage.LinePct = &cov
	})

	if err := store.Insert(rec); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	got, err := store.Get("run-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !reflect.DeepEqual(got, rec) {
		t.Errorf("Get() mismatch:\n got %+v\nwant %+v", got, rec)
	}
}

func TestGetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestInsertRejectsInvalidRecord(t *testing.T) {
	store := newTestStore(t)
	rec := testRecord("", nil)
	if err := store.Insert(rec); err == nil {
		t.Error("Insert() accepted a record without a run id")
	}
}

func TestUpsertReplacesWholesale(t *testing.T) {
	store := newTestStore(t)

	if err := store.Insert(testRecord("run-1", func(r *metrics.Record) {
		r.Cost.TotalUSD = 1.0
	})); err != nil {
		t.Fatal(err)
	}
	if err := store.Insert(testRecord("run-1", func(r *metrics.Record) {
		r.Cost.TotalUSD = 9.0
	})); err != nil {
		t.Fatal(err)
	}

	count, err := store.Count()
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("Count() = %d, want 1 after re-insert of same run id", count)
	}

	got, err := store.Get("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Cost.TotalUSD != 9.0 {
		t.Errorf("TotalUSD = %v, want most recent insert's 9.0", got.Cost.TotalUSD)
	}
}

func TestQueryFiltersAndOrder(t *testing.T) {
	store := newTestStore(t)

	inserts := []struct {
		id     string
		target string
		status metrics.Status
		offset time.Duration
	}{
		{"run-a", "rust", metrics.StatusSuccess, 0},
		{"run-b", "rust", metrics.StatusFailure, time.Hour},
		{"run-c", "java", metrics.StatusSuccess, 2 * time.Hour},
	}
	for _, in := range inserts {
		rec := testRecord(in.id, func(r *metrics.Record) {
			r.Identity.TargetLanguage = in.target
			r.Identity.StartedAt = baseStart.Add(in.offset)
			r.Outcome.Status = in.status
		})
		if err := store.Insert(rec); err != nil {
			t.Fatal(err)
		}
	}

	all, err := store.Query(QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("Query() returned %d records, want 3", len(all))
	}
	if all[0].Identity.RunID != "run-c" || all[2].Identity.RunID != "run-a" {
		t.Errorf("Query() order = [%s %s %s], want most recent first",
			all[0].Identity.RunID, all[1].Identity.RunID, all[2].Identity.RunID)
	}

	rust, err := store.Query(QueryOptions{Target: "rust"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rust) != 2 {
		t.Errorf("Query(rust) = %d records, want 2", len(rust))
	}

	ok, err := store.Query(QueryOptions{Target: "rust", Status: "success"})
	if err != nil {
		t.Fatal(err)
	}
	if len(ok) != 1 || ok[0].Identity.RunID != "run-a" {
		t.Errorf("Query(rust, success) = %v", ids(ok))
	}

	since, err := store.Query(QueryOptions{Since: baseStart.Add(30 * time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	if len(since) != 2 {
		t.Errorf("Query(since) = %d records, want 2", len(since))
	}

	limited, err := store.Query(QueryOptions{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 || limited[0].Identity.RunID != "run-c" {
		t.Errorf("Query(limit 1) = %v, want [run-c]", ids(limited))
	}
}

func TestQueryEmptyIsNoData(t *testing.T) {
	store := newTestStore(t)
	got, err := store.Query(QueryOptions{Project: "does-not-exist"})
	if err != nil {
		t.Fatalf("Query() on empty store error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Query() = %d records, want 0", len(got))
	}
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	if err := store.Insert(testRecord("run-1", nil)); err != nil {
		t.Fatal(err)
	}

	deleted, err := store.Delete("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if !deleted {
		t.Error("Delete() = false, want true")
	}

	deleted, err = store.Delete("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if deleted {
		t.Error("Delete() of missing run = true, want false")
	}
}

func TestListProjectsAndTargets(t *testing.T) {
	store := newTestStore(t)
	for _, in := range []struct{ id, project, target string }{
		{"r1", "rpn2tex", "rust"},
		{"r2", "rpn2tex", "java"},
		{"r3", "calc", "rust"},
	} {
		rec := testRecord(in.id, func(r *metrics.Record) {
			r.Identity.ProjectName = in.project
			r.Identity.TargetLanguage = in.target
		})
		if err := store.Insert(rec); err != nil {
			t.Fatal(err)
		}
	}

	projects, err := store.ListProjects()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(projects, []string{"calc", "rpn2tex"}) {
		t.Errorf("ListProjects() = %v", projects)
	}

	targets, err := store.ListTargets()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(targets, []string{"java", "rust"}) {
		t.Errorf("ListTargets() = %v", targets)
	}
}

func TestCorruptRecordIsHardError(t *testing.T) {
	store := newTestStore(t)
	if err := store.Insert(testRecord("run-1", nil)); err != nil {
		t.Fatal(err)
	}
	if _, err := store.db.Exec(`UPDATE runs SET record_json = '{broken' WHERE run_id = 'run-1'`); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Get("run-1"); err == nil {
		t.Error("Get() returned no error for a corrupt stored record")
	}
	if _, err := store.Query(QueryOptions{}); err == nil {
		t.Error("Query() returned no error for a corrupt stored record")
	}
}

// oldSchema is the runs table as shipped before coverage_pct existed.
const oldSchema = `
CREATE TABLE runs (
    run_id TEXT PRIMARY KEY,
    project_name TEXT NOT NULL,
    source_language TEXT NOT NULL,
    target_language TEXT NOT NULL,
    strategy TEXT NOT NULL,
    started_at TEXT NOT NULL,
    completed_at TEXT,
    status TEXT,
    duration_ms INTEGER,
    cost_usd REAL,
    match_rate REAL,
    source_loc INTEGER,
    target_loc INTEGER,
    record_json TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

func TestAdditiveMigration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(oldSchema); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	store, err := New(path)
	if err != nil {
		t.Fatalf("New() on old-schema database error = %v", err)
	}
	defer store.Close()

	cov := 75.0
	rec := testRecord("run-1", func(r *metrics.Record) {
		r.Gates.Coverage.LinePct = &cov
	})
	if err := store.Insert(rec); err != nil {
		t.Fatalf("Insert() after migration error = %v", err)
	}

	cols, err := tableColumns(store.db, "runs")
	if err != nil {
		t.Fatal(err)
	}
	if !cols["coverage_pct"] {
		t.Error("coverage_pct column was not added")
	}
}

func TestReopenIsNoOp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")

	store, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Insert(testRecord("run-1", nil)); err != nil {
		t.Fatal(err)
	}
	store.Close()

	// Opening again must not disturb existing data or fail on columns
	// that already exist.
	store, err = New(path)
	if err != nil {
		t.Fatalf("New() on existing database error = %v", err)
	}
	defer store.Close()

	count, err := store.Count()
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("Count() after reopen = %d, want 1", count)
	}
}

func ids(records []*metrics.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Identity.RunID
	}
	return out
}
