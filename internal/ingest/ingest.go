// Package ingest loads serialized run records into the store, either one
// shot or continuously via a filesystem watcher.
package ingest

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hochfrequenz/migration-metrics/internal/metrics"
	"github.com/hochfrequenz/migration-metrics/internal/runstore"
)

// Ingester reads run record files and inserts them into a store.
type Ingester struct {
	store *runstore.Store
}

// New creates an Ingester backed by the given store.
func New(store *runstore.Store) *Ingester {
	return &Ingester{store: store}
}

// File ingests one serialized record. Malformed JSON or a record that
// fails validation is a hard error; a file that claims to be a record but
// is not means something upstream is broken.
func (i *Ingester) File(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("ingest: read %s: %w", path, err)
	}
	var rec metrics.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return "", fmt.Errorf("ingest: decode %s: %w", path, err)
	}
	if err := i.store.Insert(&rec); err != nil {
		return "", fmt.Errorf("ingest: %s: %w", path, err)
	}
	return rec.Identity.RunID, nil
}

// DirResult reports the outcome of a directory scan.
type DirResult struct {
	Ingested []string         // run ids, in scan order
	Failed   map[string]error // file path -> error
}

// Dir ingests every .json file under dir. One bad file does not abort
// the scan; failures are collected per file so the caller can report
// them and continue.
func (i *Ingester) Dir(dir string) (*DirResult, error) {
	result := &DirResult{Failed: make(map[string]error)}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		runID, err := i.File(path)
		if err != nil {
			result.Failed[path] = err
			return nil
		}
		result.Ingested = append(result.Ingested, runID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ingest: scan %s: %w", dir, err)
	}
	return result, nil
}
