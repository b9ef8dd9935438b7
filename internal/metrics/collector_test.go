package metrics

import (
	"testing"
	"time"
)

func newTestCollector() *Collector {
	return NewCollector("rpn2tex", "python", "rust", "module-by-module")
}

func TestCollectorIdentity(t *testing.T) {
	c := newTestCollector()
	rec := c.Finalize()

	if rec.Identity.RunID == "" {
		t.Error("RunID is empty")
	}
	if rec.Identity.RunID != c.RunID() {
		t.Errorf("RunID() = %q, record has %q", c.RunID(), rec.Identity.RunID)
	}
	if rec.Identity.ProjectName != "rpn2tex" || rec.Identity.TargetLanguage != "rust" {
		t.Errorf("identity = %+v", rec.Identity)
	}
	if rec.Identity.CompletedAt == nil {
		t.Error("CompletedAt not set by Finalize")
	}
	if rec.SchemaVersion != SchemaVersion {
		t.Errorf("SchemaVersion = %q, want %q", rec.SchemaVersion, SchemaVersion)
	}

	other := NewCollector("rpn2tex", "python", "rust", "module-by-module")
	if other.RunID() == c.RunID() {
		t.Error("two collectors generated the same run id")
	}
}

func TestMessageCounting(t *testing.T) {
	c := newTestCollector()
	for i := 0; i < 100; i++ {
		c.RecordMessage()
	}
	rec := c.Finalize()
	if rec.Agent.TotalMessages != 100 {
		t.Errorf("TotalMessages = %d, want 100", rec.Agent.TotalMessages)
	}
}

func TestToolAndSubagentInvocations(t *testing.T) {
	c := newTestCollector()
	c.RecordToolUse("Bash")
	c.RecordToolUse("Bash")
	c.RecordToolUse("Read")
	c.RecordSubagent("reviewer")
	c.RecordRetry()
	c.RecordErrorRecovery()
	c.RecordErrorRecovery()

	rec := c.Finalize()
	if rec.Agent.ToolInvocations["Bash"] != 2 {
		t.Errorf("Bash invocations = %d, want 2", rec.Agent.ToolInvocations["Bash"])
	}
	if rec.Agent.ToolInvocations["Read"] != 1 {
		t.Errorf("Read invocations = %d, want 1", rec.Agent.ToolInvocations["Read"])
	}
	if rec.Agent.SubagentInvocations["reviewer"] != 1 {
		t.Errorf("reviewer invocations = %d, want 1", rec.Agent.SubagentInvocations["reviewer"])
	}
	if rec.Agent.RetryCount != 1 || rec.Agent.ErrorRecoveries != 2 {
		t.Errorf("retries = %d, recoveries = %d", rec.Agent.RetryCount, rec.Agent.ErrorRecoveries)
	}
}

func TestPhaseTiming(t *testing.T) {
	c := newTestCollector()
	sleep := 20 * time.Millisecond

	c.StartPhase("setup")
	time.Sleep(sleep)
	c.EndPhase("setup")

	rec := c.Finalize()
	got, ok := rec.Timing.PhaseDurations["setup"]
	if !ok {
		t.Fatal("no phase duration recorded for setup")
	}
	if got < sleep.Milliseconds() {
		t.Errorf("setup duration = %dms, want >= %dms", got, sleep.Milliseconds())
	}
}

func TestEndPhaseWithoutStartIsNoOp(t *testing.T) {
	c := newTestCollector()
	c.EndPhase("never-started")
	rec := c.Finalize()
	if len(rec.Timing.PhaseDurations) != 0 {
		t.Errorf("PhaseDurations = %v, want empty", rec.Timing.PhaseDurations)
	}
}

func TestModuleTiming(t *testing.T) {
	c := newTestCollector()

	c.StartModule("lexer")
	c.EndModule("lexer", 0)

	// Two starts means two tracked attempts.
	c.StartModule("parser")
	c.StartModule("parser")
	c.EndModule("parser", 0)

	// Explicit attempt count wins over the tracked one.
	c.StartModule("latex")
	c.EndModule("latex", 5)

	c.EndModule("never-started", 0)

	rec := c.Finalize()
	if len(rec.Timing.ModuleTimings) != 3 {
		t.Fatalf("module timings = %d, want 3", len(rec.Timing.ModuleTimings))
	}
	byName := map[string]ModuleTiming{}
	for _, mt := range rec.Timing.ModuleTimings {
		byName[mt.Module] = mt
	}
	if byName["lexer"].Attempts != 1 {
		t.Errorf("lexer attempts = %d, want 1", byName["lexer"].Attempts)
	}
	if byName["parser"].Attempts != 2 {
		t.Errorf("parser attempts = %d, want 2", byName["parser"].Attempts)
	}
	if byName["latex"].Attempts != 5 {
		t.Errorf("latex attempts = %d, want 5", byName["latex"].Attempts)
	}
}

func TestRecordResult(t *testing.T) {
	c := newTestCollector()
	c.RecordResult(map[string]any{
		"duration_ms":     float64(1500000), // JSON decoders hand numbers over as float64
		"duration_api_ms": int64(1900000),
		"total_cost_usd":  3.5,
		"num_turns":       15,
		"usage": map[string]any{
			"input_tokens":                float64(100),
			"output_tokens":               15000,
			"cache_creation_input_tokens": int64(50000),
			"cache_read_input_tokens":     float64(350000),
		},
		"subtype": "success",
	})

	rec := c.Finalize()
	if rec.Timing.WallClockMs != 1500000 {
		t.Errorf("WallClockMs = %d, want 1500000", rec.Timing.WallClockMs)
	}
	if rec.Timing.APIMs != 1900000 {
		t.Errorf("APIMs = %d, want 1900000", rec.Timing.APIMs)
	}
	if rec.Cost.TotalUSD != 3.5 {
		t.Errorf("TotalUSD = %v, want 3.5", rec.Cost.TotalUSD)
	}
	if rec.Agent.TotalTurns != 15 {
		t.Errorf("TotalTurns = %d, want 15", rec.Agent.TotalTurns)
	}
	if rec.Tokens.CacheRead != 350000 || rec.Tokens.Output != 15000 {
		t.Errorf("tokens = %+v", rec.Tokens)
	}
	if rec.Outcome.Status != StatusSuccess {
		t.Errorf("Status = %q, want success", rec.Outcome.Status)
	}
}

func TestRecordResultMissingKeys(t *testing.T) {
	c := newTestCollector()
	c.RecordResult(map[string]any{"unexpected": "shape"})

	rec := c.Finalize()
	if rec.Cost.TotalUSD != 0 || rec.Agent.TotalTurns != 0 || rec.Tokens.Input != 0 {
		t.Errorf("missing keys did not default to zero: %+v", rec)
	}
	if rec.Outcome.Status != StatusFailure {
		t.Errorf("Status = %q, want failure for missing subtype", rec.Outcome.Status)
	}
}

func TestSettersAndOutcome(t *testing.T) {
	c := newTestCollector()
	c.SetSourceMetrics(CodeMetrics{ProductionLOC: 1200, TestLOC: 400})
	c.SetTargetMetrics(CodeMetrics{ProductionLOC: 1800, TestLOC: 900})
	c.SetContract(Contract{TotalCases: 50, Passed: 48, Failed: 2})
	c.RecordCoverage(92.5)
	c.RecordIdiomaticness("good", "idiomatic error handling")
	c.SetOutcome(StatusPartial, 6, 7, []string{"latex module blocked"}, "needs follow-up")

	rec := c.Finalize()
	if rec.Source.ProductionLOC != 1200 || rec.Target.ProductionLOC != 1800 {
		t.Errorf("code metrics not set: source=%+v target=%+v", rec.Source, rec.Target)
	}
	if rec.Contract.MatchRate() != 0.96 {
		t.Errorf("MatchRate() = %v, want 0.96", rec.Contract.MatchRate())
	}
	if rec.Gates.Coverage.LinePct == nil || *rec.Gates.Coverage.LinePct != 92.5 {
		t.Errorf("coverage = %v, want 92.5", rec.Gates.Coverage.LinePct)
	}
	if rec.Gates.Idiomaticness == nil || rec.Gates.Idiomaticness.Score != "good" {
		t.Errorf("idiomaticness = %+v", rec.Gates.Idiomaticness)
	}
	if rec.Outcome.Status != StatusPartial || rec.Outcome.ModulesCompleted != 6 {
		t.Errorf("outcome = %+v", rec.Outcome)
	}
}

func TestFinalizeIdempotent(t *testing.T) {
	c := newTestCollector()
	c.RecordToolUse("Bash")
	c.RecordMessage()
	time.Sleep(2 * time.Millisecond) // ensure a nonzero wall clock on the first call

	first := c.Finalize()
	second := c.Finalize()

	if second.Agent.ToolInvocations["Bash"] != 1 {
		t.Errorf("second Finalize corrupted tool counters: %v", second.Agent.ToolInvocations)
	}
	if second.Agent.TotalMessages != 1 {
		t.Errorf("second Finalize corrupted message count: %d", second.Agent.TotalMessages)
	}
	if first.Timing.WallClockMs != second.Timing.WallClockMs {
		t.Errorf("wall clock changed between finalizes: %d vs %d",
			first.Timing.WallClockMs, second.Timing.WallClockMs)
	}

	// The returned record is detached from the collector.
	first.Agent.ToolInvocations["Bash"] = 99
	if c.Finalize().Agent.ToolInvocations["Bash"] != 1 {
		t.Error("mutating a finalized record leaked back into the collector")
	}
}

func TestFinalizeComputesWallClock(t *testing.T) {
	c := newTestCollector()
	time.Sleep(15 * time.Millisecond)
	rec := c.Finalize()
	if rec.Timing.WallClockMs < 15 {
		t.Errorf("WallClockMs = %d, want >= 15", rec.Timing.WallClockMs)
	}
}
