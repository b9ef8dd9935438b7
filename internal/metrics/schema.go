// Package metrics defines the canonical record for a single migration run
// and the live collector that builds one during execution.
//
// A Record is the unit of persistence: everything a run produced (timing,
// cost, tokens, agent activity, code metrics, quality gates, behavioral
// contract results, outcome) in one nested structure. Its JSON encoding is
// the archival wire format; derived ratios are computed on read and never
// stored.
package metrics

import (
	"fmt"
	"time"
)

// SchemaVersion is stamped on every record for forward compatibility.
const SchemaVersion = "1.0.0"

// Status is the final outcome of a migration run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailure Status = "failure"
)

// Identity identifies a specific migration run.
type Identity struct {
	RunID          string     `json:"run_id"`
	ProjectName    string     `json:"project_name"`
	SourceLanguage string     `json:"source_language"`
	TargetLanguage string     `json:"target_language"`
	Strategy       string     `json:"strategy"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// ModuleTiming is the timing entry for one unit of migration work.
type ModuleTiming struct {
	Module     string `json:"module_name"`
	DurationMs int64  `json:"duration_ms"`
	Attempts   int    `json:"attempts"`
}

// Timing holds wall-clock and per-phase durations.
type Timing struct {
	WallClockMs    int64            `json:"wall_clock_duration_ms"`
	APIMs          int64            `json:"api_duration_ms"`
	PhaseDurations map[string]int64 `json:"phase_durations_ms"`
	ModuleTimings  []ModuleTiming   `json:"module_durations"`
}

// Cost is the monetary cost breakdown in USD.
type Cost struct {
	TotalUSD      float64 `json:"total_cost_usd"`
	InputUSD      float64 `json:"input_tokens_cost_usd"`
	OutputUSD     float64 `json:"output_tokens_cost_usd"`
	CacheWriteUSD float64 `json:"cache_creation_cost_usd"`
}

// Tokens holds the four token counters.
type Tokens struct {
	Input      int64 `json:"input_tokens"`
	Output     int64 `json:"output_tokens"`
	CacheWrite int64 `json:"cache_creation_input_tokens"`
	CacheRead  int64 `json:"cache_read_input_tokens"`
}

// CacheEfficiency returns the fraction of input tokens served from cache.
// Zero when no input tokens were processed at all.
func (t Tokens) CacheEfficiency() float64 {
	total := t.CacheRead + t.Input
	if total == 0 {
		return 0
	}
	return float64(t.CacheRead) / float64(total)
}

// Agent holds agent and tool usage counters.
type Agent struct {
	TotalTurns          int            `json:"total_turns"`
	TotalMessages       int            `json:"total_messages"`
	ToolInvocations     map[string]int `json:"tool_invocations"`
	SubagentInvocations map[string]int `json:"subagent_invocations"`
	RetryCount          int            `json:"retry_count"`
	ErrorRecoveries     int            `json:"error_recovery_events"`
}

// CodeMetrics describes the size and complexity of one side of the
// migration (source or target).
type CodeMetrics struct {
	ProductionLOC        int      `json:"production_loc"`
	TestLOC              int      `json:"test_loc"`
	TotalLOC             int      `json:"total_loc"`
	ModuleCount          int      `json:"module_count"`
	FunctionCount        int      `json:"function_count"`
	AvgComplexity        float64  `json:"avg_cyclomatic_complexity"`
	MaxComplexity        int      `json:"max_cyclomatic_complexity"`
	ExternalDependencies int      `json:"external_dependencies"`
	MaintainabilityIndex *float64 `json:"maintainability_index,omitempty"`
}

// CompilationResult is the compile quality gate.
type CompilationResult struct {
	Passed   bool `json:"passed"`
	Errors   int  `json:"error_count"`
	Warnings int  `json:"warning_count"`
}

// LintingResult is the lint quality gate.
type LintingResult struct {
	Passed   bool   `json:"passed"`
	Tool     string `json:"tool"`
	Errors   int    `json:"error_count"`
	Warnings int    `json:"warning_count"`
}

// FormattingResult is the formatter quality gate.
type FormattingResult struct {
	Passed bool   `json:"passed"`
	Tool   string `json:"tool"`
}

// TestOutcome is the unit-test quality gate.
type TestOutcome struct {
	Passed  bool `json:"passed"`
	Total   int  `json:"total"`
	Passes  int  `json:"passed_count"`
	Fails   int  `json:"failed_count"`
	Skipped int  `json:"skipped_count"`
}

// Coverage holds optional coverage percentages. Nil means the measurement
// was never taken, which is distinct from measured-as-zero.
type Coverage struct {
	LinePct     *float64 `json:"line_coverage_pct,omitempty"`
	BranchPct   *float64 `json:"branch_coverage_pct,omitempty"`
	FunctionPct *float64 `json:"function_coverage_pct,omitempty"`
}

// Idiomaticness is an optional categorical judgment of how idiomatic the
// generated code is, with free-text reasoning.
type Idiomaticness struct {
	Score     string `json:"score"`
	Reasoning string `json:"reasoning"`
}

// QualityGates bundles all quality gate results.
type QualityGates struct {
	Compilation   CompilationResult `json:"compilation"`
	Linting       LintingResult     `json:"linting"`
	Formatting    FormattingResult  `json:"formatting"`
	UnitTests     TestOutcome       `json:"unit_tests"`
	Coverage      Coverage          `json:"coverage"`
	Idiomaticness *Idiomaticness    `json:"idiomaticness,omitempty"`
}

// FeatureResult is the behavioral-contract result for a single feature.
type FeatureResult struct {
	Feature string `json:"feature"`
	Cases   int    `json:"test_count"`
	Passed  int    `json:"passed"`
	Status  string `json:"status"`
}

// Contract holds behavioral-contract validation results: how many
// predefined input/output cases the migrated system reproduced exactly.
type Contract struct {
	TotalCases  int             `json:"total_test_cases"`
	Passed      int             `json:"passed"`
	Failed      int             `json:"failed"`
	Unsupported int             `json:"unsupported"`
	Features    []FeatureResult `json:"feature_results,omitempty"`
}

// MatchRate returns the fraction of contract cases that passed, 0 when no
// cases were run.
func (c Contract) MatchRate() float64 {
	if c.TotalCases == 0 {
		return 0
	}
	return float64(c.Passed) / float64(c.TotalCases)
}

// Outcome is the final outcome block.
type Outcome struct {
	Status           Status   `json:"status"`
	ModulesCompleted int      `json:"modules_completed"`
	ModulesTotal     int      `json:"modules_total"`
	BlockingIssues   []string `json:"blocking_issues,omitempty"`
	Notes            string   `json:"notes,omitempty"`
}

// Record is the complete, immutable metrics record for one migration run.
// It is born from Collector.Finalize and replaced wholesale on re-insert;
// there are no partial-field updates.
type Record struct {
	Identity      Identity     `json:"identity"`
	Timing        Timing       `json:"timing"`
	Cost          Cost         `json:"cost"`
	Tokens        Tokens       `json:"tokens"`
	Agent         Agent        `json:"agent"`
	Source        CodeMetrics  `json:"source_metrics"`
	Target        CodeMetrics  `json:"target_metrics"`
	Gates         QualityGates `json:"quality_gates"`
	Contract      Contract     `json:"io_contract"`
	Outcome       Outcome      `json:"outcome"`
	SchemaVersion string       `json:"schema_version"`
}

// ExpansionRatio returns target production LOC over source production LOC,
// 0 when the source side is empty.
func (r *Record) ExpansionRatio() float64 {
	if r.Source.ProductionLOC == 0 {
		return 0
	}
	return float64(r.Target.ProductionLOC) / float64(r.Source.ProductionLOC)
}

// CostPerLOC returns total cost divided by source production LOC, 0 when
// the source side is empty.
func (r *Record) CostPerLOC() float64 {
	if r.Source.ProductionLOC == 0 {
		return 0
	}
	return r.Cost.TotalUSD / float64(r.Source.ProductionLOC)
}

// Validate checks the structural invariants: a run id is present and all
// counters are non-negative.
func (r *Record) Validate() error {
	if r.Identity.RunID == "" {
		return fmt.Errorf("metrics: record has no run id")
	}
	counters := map[string]int64{
		"wall_clock_duration_ms":      r.Timing.WallClockMs,
		"api_duration_ms":             r.Timing.APIMs,
		"input_tokens":                r.Tokens.Input,
		"output_tokens":               r.Tokens.Output,
		"cache_creation_input_tokens": r.Tokens.CacheWrite,
		"cache_read_input_tokens":     r.Tokens.CacheRead,
		"total_turns":                 int64(r.Agent.TotalTurns),
		"total_messages":              int64(r.Agent.TotalMessages),
		"retry_count":                 int64(r.Agent.RetryCount),
		"error_recovery_events":       int64(r.Agent.ErrorRecoveries),
		"source_production_loc":       int64(r.Source.ProductionLOC),
		"source_test_loc":             int64(r.Source.TestLOC),
		"target_production_loc":       int64(r.Target.ProductionLOC),
		"target_test_loc":             int64(r.Target.TestLOC),
		"contract_total_test_cases":   int64(r.Contract.TotalCases),
		"contract_passed":             int64(r.Contract.Passed),
		"contract_failed":             int64(r.Contract.Failed),
		"contract_unsupported":        int64(r.Contract.Unsupported),
		"modules_completed":           int64(r.Outcome.ModulesCompleted),
		"modules_total":               int64(r.Outcome.ModulesTotal),
	}
	for name, v := range counters {
		if v < 0 {
			return fmt.Errorf("metrics: %s is negative (%d)", name, v)
		}
	}
	for _, mt := range r.Timing.ModuleTimings {
		if mt.DurationMs < 0 {
			return fmt.Errorf("metrics: module %q has negative duration", mt.Module)
		}
	}
	return nil
}
