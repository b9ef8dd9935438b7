package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
)

// WatchOptions configure a Watcher. The zero value is usable: 500ms
// debounce, no periodic rescan, no callbacks.
type WatchOptions struct {
	// Debounce batches rapid writes to the same files into one flush.
	Debounce time.Duration
	// RescanCron is a standard 5-field cron expression for periodic full
	// directory rescans, catching files written while the watcher was
	// down. Empty disables rescanning.
	RescanCron string
	// OnIngest is called after each successfully ingested file.
	OnIngest func(runID, path string)
	// OnError is called for each file that failed to ingest.
	OnError func(path string, err error)
}

// Watcher monitors a metrics directory and ingests record files as they
// appear. Watching continues across individual bad files.
type Watcher struct {
	ingester *Ingester
	watcher  *fsnotify.Watcher
	dir      string
	opts     WatchOptions
	rescan   cron.Schedule

	pending    map[string]struct{}
	timer      *time.Timer
	lastRescan time.Time
	mu         sync.Mutex

	cancel context.CancelFunc
}

// NewWatcher creates a watcher over dir. The directory must exist; an
// invalid rescan cron expression is rejected here rather than at tick
// time.
func NewWatcher(ingester *Ingester, dir string, opts WatchOptions) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}

	var schedule cron.Schedule
	if opts.RescanCron != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		var err error
		schedule, err = parser.Parse(opts.RescanCron)
		if err != nil {
			return nil, fmt.Errorf("ingest: rescan cron %q: %w", opts.RescanCron, err)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("ingest: watcher: %w", err)
	}

	return &Watcher{
		ingester:   ingester,
		watcher:    fsw,
		dir:        dir,
		opts:       opts,
		rescan:     schedule,
		pending:    make(map[string]struct{}),
		lastRescan: time.Now(),
	}, nil
}

// Start adds watches for dir and its subdirectories and begins
// processing events until ctx is canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	err := filepath.Walk(w.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ingest: watch %s: %w", w.dir, err)
	}

	ctx, w.cancel = context.WithCancel(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case _, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	if w.rescan != nil {
		go w.rescanLoop(ctx)
	}
	return nil
}

// Stop cancels event processing and closes the underlying watcher.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watcher.Close()
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".json") {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[event.Name] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.opts.Debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	for path := range pending {
		runID, err := w.ingester.File(path)
		if err != nil {
			if w.opts.OnError != nil {
				w.opts.OnError(path, err)
			}
			continue
		}
		if w.opts.OnIngest != nil {
			w.opts.OnIngest(runID, path)
		}
	}
}

func (w *Watcher) rescanLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !w.shouldRescan(now) {
				continue
			}
			w.markRescan(now)
			result, err := w.ingester.Dir(w.dir)
			if err != nil {
				if w.opts.OnError != nil {
					w.opts.OnError(w.dir, err)
				}
				continue
			}
			for path, err := range result.Failed {
				if w.opts.OnError != nil {
					w.opts.OnError(path, err)
				}
			}
		}
	}
}

func (w *Watcher) shouldRescan(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return now.After(w.rescan.Next(w.lastRescan))
}

func (w *Watcher) markRescan(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastRescan = now
}
