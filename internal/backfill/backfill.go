// Package backfill reconstructs run records from orchestrator log files
// written before live metrics collection existed. It replays what the log
// shows (messages, tool uses, the final result line) through a collector,
// so backfilled records go through the same finalization path as live ones.
package backfill

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hochfrequenz/migration-metrics/internal/metrics"
)

var (
	startPattern    = regexp.MustCompile(`Starting Migration: (\w+) -> (\w+)`)
	strategyPattern = regexp.MustCompile(`Strategy: ([\w-]+)`)
	msgPattern      = regexp.MustCompile(`\[[\d:]+\] MSG #(\d+)`)
	toolUsePattern  = regexp.MustCompile(`ToolUseBlock\(.*?name='(\w+)'`)
	subagentPattern = regexp.MustCompile(`subagent_type='(\w+)'`)
	sessionPattern  = regexp.MustCompile(`session_id='([^']+)'`)

	resultPattern = regexp.MustCompile(
		`ResultMessage\(` +
			`.*?duration_ms=(\d+)` +
			`.*?duration_api_ms=(\d+)` +
			`.*?num_turns=(\d+)` +
			`.*?total_cost_usd=([\d.]+)`)
	usagePattern = regexp.MustCompile(
		`'input_tokens': (\d+).*?` +
			`'cache_creation_input_tokens': (\d+).*?` +
			`'cache_read_input_tokens': (\d+)`)
	outputTokensPattern = regexp.MustCompile(`'output_tokens': (\d+)`)

	timestampPattern = regexp.MustCompile(`\[([\d:]+)\]`)
	fileDatePattern  = regexp.MustCompile(`migration_(\d{8})_\d{6}`)
)

// headerLines is how far into the log the run header is searched for.
const headerLines = 20

// Options override fields the log states wrongly or not at all. Zero
// values mean "take what the log says".
type Options struct {
	Project        string
	Strategy       string
	SourceLanguage string
}

// Parse reads an orchestrator log and reconstructs the run record. Fields
// the log never mentions stay at their zero values; the record still
// validates and can be inserted like any live record.
func Parse(path string, opts Options) (*metrics.Record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("backfill: read %s: %w", path, err)
	}
	content := string(raw)
	lines := strings.Split(content, "\n")

	project, target, strategy := parseHeader(lines)
	if opts.Project != "" {
		project = opts.Project
	}
	if opts.Strategy != "" {
		strategy = opts.Strategy
	}
	source := opts.SourceLanguage
	if source == "" {
		source = "python"
	}

	c := metrics.NewCollector(project, source, target, strategy)

	// Last ResultMessage wins, field by field.
	result := make(map[string]any)
	usage := make(map[string]any)

	for _, line := range lines {
		if msgPattern.MatchString(line) {
			c.RecordMessage()
		}
		if m := toolUsePattern.FindStringSubmatch(line); m != nil {
			c.RecordToolUse(m[1])
		}
		if m := subagentPattern.FindStringSubmatch(line); m != nil {
			c.RecordSubagent(m[1])
		}

		if !strings.Contains(line, "ResultMessage") {
			continue
		}
		if m := resultPattern.FindStringSubmatch(line); m != nil {
			result["duration_ms"] = mustInt64(m[1])
			result["duration_api_ms"] = mustInt64(m[2])
			result["num_turns"] = mustInt64(m[3])
			result["total_cost_usd"] = mustFloat64(m[4])
		}
		if m := usagePattern.FindStringSubmatch(line); m != nil {
			usage["input_tokens"] = mustInt64(m[1])
			usage["cache_creation_input_tokens"] = mustInt64(m[2])
			usage["cache_read_input_tokens"] = mustInt64(m[3])
		}
		if m := outputTokensPattern.FindStringSubmatch(line); m != nil {
			usage["output_tokens"] = mustInt64(m[1])
		}
		if strings.Contains(line, "subtype='success'") {
			result["subtype"] = "success"
		}
	}

	if len(result) > 0 || len(usage) > 0 {
		if len(usage) > 0 {
			result["usage"] = usage
		}
		c.RecordResult(result)
	}

	rec := c.Finalize()

	started, completed := parseTimestamps(filepath.Base(path), content)
	if !started.IsZero() {
		rec.Identity.StartedAt = started
	}
	if !completed.IsZero() {
		rec.Identity.CompletedAt = &completed
	}
	// Without a result line the collector's own wall clock is the parse
	// time, which is meaningless here; the log timestamps are better.
	if _, ok := result["duration_ms"]; !ok && !started.IsZero() && !completed.IsZero() {
		rec.Timing.WallClockMs = completed.Sub(started).Milliseconds()
	}

	if m := sessionPattern.FindStringSubmatch(content); m != nil {
		rec.Identity.RunID = m[1]
	}

	return rec, nil
}

func parseHeader(lines []string) (project, target, strategy string) {
	project, target, strategy = "unknown", "unknown", "unknown"
	limit := min(len(lines), headerLines)
	for _, line := range lines[:limit] {
		if m := startPattern.FindStringSubmatch(line); m != nil {
			project, target = m[1], m[2]
		}
		if m := strategyPattern.FindStringSubmatch(line); m != nil {
			strategy = m[1]
		}
	}
	return project, target, strategy
}

// parseTimestamps combines the date from the log filename
// (migration_YYYYMMDD_HHMMSS.log) with the first and last [HH:MM:SS]
// markers in the body. Either may come back zero when the log lacks them.
func parseTimestamps(filename, content string) (started, completed time.Time) {
	dm := fileDatePattern.FindStringSubmatch(filename)
	if dm == nil {
		return started, completed
	}
	stamps := timestampPattern.FindAllStringSubmatch(content, -1)
	if len(stamps) == 0 {
		return started, completed
	}

	started = combine(dm[1], stamps[0][1])
	if len(stamps) > 1 {
		completed = combine(dm[1], stamps[len(stamps)-1][1])
	}
	return started, completed
}

func combine(date, clock string) time.Time {
	t, err := time.Parse("20060102 15:04:05", date+" "+clock)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func mustInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func mustFloat64(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
