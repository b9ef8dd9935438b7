package runstore

import (
	"database/sql"
	"fmt"
	"strings"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
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
    coverage_pct REAL,
    source_loc INTEGER,
    target_loc INTEGER,
    record_json TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_name);
CREATE INDEX IF NOT EXISTS idx_runs_target ON runs(target_language);
CREATE INDEX IF NOT EXISTS idx_runs_strategy ON runs(strategy);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
`

// additiveColumns lists columns introduced after the first released
// schema. Databases created before a column existed get it added on open;
// CREATE TABLE IF NOT EXISTS does not touch existing tables, so this is
// the only upgrade path.
var additiveColumns = []struct {
	name string
	ddl  string
}{
	{"coverage_pct", `ALTER TABLE runs ADD COLUMN coverage_pct REAL`},
}

// applyAdditiveMigrations adds any missing additive column. A column that
// already exists is a no-op, including the race where another process
// added it between the PRAGMA check and the ALTER.
func applyAdditiveMigrations(db *sql.DB) error {
	existing, err := tableColumns(db, "runs")
	if err != nil {
		return err
	}
	for _, col := range additiveColumns {
		if existing[col.name] {
			continue
		}
		if _, err := db.Exec(col.ddl); err != nil {
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("runstore: add column %s: %w", col.name, err)
		}
	}
	return nil
}

func tableColumns(db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("runstore: table_info: %w", err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}
