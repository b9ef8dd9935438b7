package metrics

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Collector accumulates metrics for exactly one run. It is owned by the
// single goroutine driving that run and is not safe for concurrent use.
//
// The collector is deliberately forgiving: EndPhase or EndModule without a
// matching start is silently dropped, and RecordResult tolerates any
// payload shape. Malformed call sequences reflect bugs in the orchestration
// loop, not data-integrity problems worth failing a run over.
type Collector struct {
	identity Identity
	timing   Timing
	cost     Cost
	tokens   Tokens
	agent    Agent
	source   CodeMetrics
	target   CodeMetrics
	gates    QualityGates
	contract Contract
	outcome  Outcome

	phaseStart     map[string]time.Time
	moduleStart    map[string]time.Time
	moduleAttempts map[string]int
	start          time.Time
	messages       int
}

// NewCollector creates a collector bound to a new run: a freshly generated
// run id and the current time as the start timestamp.
func NewCollector(project, sourceLang, targetLang, strategy string) *Collector {
	now := time.Now().UTC()
	return &Collector{
		identity: Identity{
			RunID:          uuid.NewString(),
			ProjectName:    project,
			SourceLanguage: sourceLang,
			TargetLanguage: targetLang,
			Strategy:       strategy,
			StartedAt:      now,
		},
		timing: Timing{
			PhaseDurations: make(map[string]int64),
		},
		agent: Agent{
			ToolInvocations:     make(map[string]int),
			SubagentInvocations: make(map[string]int),
		},
		outcome:        Outcome{Status: StatusFailure},
		phaseStart:     make(map[string]time.Time),
		moduleStart:    make(map[string]time.Time),
		moduleAttempts: make(map[string]int),
		start:          now,
	}
}

// RunID returns the run id assigned at creation.
func (c *Collector) RunID() string { return c.identity.RunID }

// StartPhase marks the start of a named phase.
func (c *Collector) StartPhase(name string) {
	c.phaseStart[name] = time.Now()
}

// EndPhase records the wall-clock span of a phase. A no-op when no
// matching StartPhase was seen.
func (c *Collector) EndPhase(name string) {
	start, ok := c.phaseStart[name]
	if !ok {
		return
	}
	c.timing.PhaseDurations[name] = time.Since(start).Milliseconds()
	delete(c.phaseStart, name)
}

// StartModule marks the start of one unit of migration work and counts an
// attempt for it.
func (c *Collector) StartModule(name string) {
	c.moduleStart[name] = time.Now()
	c.moduleAttempts[name]++
}

// EndModule appends a timing entry for the module. attempts <= 0 means use
// the internally tracked attempt count. A no-op when no matching
// StartModule was seen.
func (c *Collector) EndModule(name string, attempts int) {
	start, ok := c.moduleStart[name]
	if !ok {
		return
	}
	if attempts <= 0 {
		attempts = c.moduleAttempts[name]
		if attempts == 0 {
			attempts = 1
		}
	}
	c.timing.ModuleTimings = append(c.timing.ModuleTimings, ModuleTiming{
		Module:     name,
		DurationMs: time.Since(start).Milliseconds(),
		Attempts:   attempts,
	})
	delete(c.moduleStart, name)
}

// RecordToolUse counts one invocation of the named tool.
func (c *Collector) RecordToolUse(name string) {
	c.agent.ToolInvocations[name]++
}

// RecordSubagent counts one invocation of the named subagent role.
func (c *Collector) RecordSubagent(role string) {
	c.agent.SubagentInvocations[role]++
}

// RecordMessage counts one processed message.
func (c *Collector) RecordMessage() { c.messages++ }

// RecordRetry counts one retry attempt.
func (c *Collector) RecordRetry() { c.agent.RetryCount++ }

// RecordErrorRecovery counts one error-recovery event.
func (c *Collector) RecordErrorRecovery() { c.agent.ErrorRecoveries++ }

// RecordResult extracts timing, cost, token and outcome data from the
// final result payload of whatever executed the run. The payload is a
// loosely-typed key/value map; missing or oddly-typed keys default to
// zero and failure, so the collector keeps working even if the upstream
// event shape changes.
func (c *Collector) RecordResult(result map[string]any) {
	if result == nil {
		return
	}
	c.timing.WallClockMs = asInt64(result["duration_ms"])
	c.timing.APIMs = asInt64(result["duration_api_ms"])
	c.cost.TotalUSD = asFloat64(result["total_cost_usd"])
	c.agent.TotalTurns = int(asInt64(result["num_turns"]))

	if usage, ok := result["usage"].(map[string]any); ok {
		c.tokens.Input = asInt64(usage["input_tokens"])
		c.tokens.Output = asInt64(usage["output_tokens"])
		c.tokens.CacheWrite = asInt64(usage["cache_creation_input_tokens"])
		c.tokens.CacheRead = asInt64(usage["cache_read_input_tokens"])
	}

	if subtype, _ := result["subtype"].(string); subtype == "success" {
		c.outcome.Status = StatusSuccess
	} else {
		c.outcome.Status = StatusFailure
	}
}

// SetSourceMetrics sets the source-side code metrics.
func (c *Collector) SetSourceMetrics(m CodeMetrics) { c.source = m }

// SetTargetMetrics sets the target-side code metrics.
func (c *Collector) SetTargetMetrics(m CodeMetrics) { c.target = m }

// SetQualityGates sets all quality gate results at once.
func (c *Collector) SetQualityGates(g QualityGates) { c.gates = g }

// SetContract sets the behavioral-contract results.
func (c *Collector) SetContract(ct Contract) { c.contract = ct }

// RecordCoverage sets the line coverage percentage.
func (c *Collector) RecordCoverage(pct float64) {
	c.gates.Coverage.LinePct = &pct
}

// RecordIdiomaticness sets the idiomaticness judgment.
func (c *Collector) RecordIdiomaticness(score, reasoning string) {
	c.gates.Idiomaticness = &Idiomaticness{Score: score, Reasoning: reasoning}
}

// SetOutcome sets the final outcome block.
func (c *Collector) SetOutcome(status Status, completed, total int, issues []string, notes string) {
	c.outcome = Outcome{
		Status:           status,
		ModulesCompleted: completed,
		ModulesTotal:     total,
		BlockingIssues:   issues,
		Notes:            notes,
	}
}

// Finalize stamps the completion time and returns the complete record.
// When RecordResult never supplied a wall-clock duration it is computed
// from the collector's own start instant. Finalize is idempotent: calling
// it again recomputes the completion time but does not disturb any
// accumulated counters, and each call returns an independent deep copy.
func (c *Collector) Finalize() *Record {
	now := time.Now().UTC()
	c.identity.CompletedAt = &now
	c.agent.TotalMessages = c.messages
	if c.timing.WallClockMs == 0 {
		c.timing.WallClockMs = time.Since(c.start).Milliseconds()
	}

	rec := &Record{
		Identity:      c.identity,
		Timing:        c.timing,
		Cost:          c.cost,
		Tokens:        c.tokens,
		Agent:         c.agent,
		Source:        c.source,
		Target:        c.target,
		Gates:         c.gates,
		Contract:      c.contract,
		Outcome:       c.outcome,
		SchemaVersion: SchemaVersion,
	}
	return rec.clone()
}

// clone deep-copies the record so the returned value is detached from the
// collector's mutable maps and slices.
func (r *Record) clone() *Record {
	out := *r
	if r.Identity.CompletedAt != nil {
		t := *r.Identity.CompletedAt
		out.Identity.CompletedAt = &t
	}
	out.Timing.PhaseDurations = copyMap(r.Timing.PhaseDurations)
	if r.Timing.ModuleTimings != nil {
		out.Timing.ModuleTimings = append([]ModuleTiming(nil), r.Timing.ModuleTimings...)
	}
	out.Agent.ToolInvocations = copyMap(r.Agent.ToolInvocations)
	out.Agent.SubagentInvocations = copyMap(r.Agent.SubagentInvocations)
	out.Source.MaintainabilityIndex = copyPtr(r.Source.MaintainabilityIndex)
	out.Target.MaintainabilityIndex = copyPtr(r.Target.MaintainabilityIndex)
	out.Gates.Coverage.LinePct = copyPtr(r.Gates.Coverage.LinePct)
	out.Gates.Coverage.BranchPct = copyPtr(r.Gates.Coverage.BranchPct)
	out.Gates.Coverage.FunctionPct = copyPtr(r.Gates.Coverage.FunctionPct)
	if r.Gates.Idiomaticness != nil {
		i := *r.Gates.Idiomaticness
		out.Gates.Idiomaticness = &i
	}
	if r.Contract.Features != nil {
		out.Contract.Features = append([]FeatureResult(nil), r.Contract.Features...)
	}
	if r.Outcome.BlockingIssues != nil {
		out.Outcome.BlockingIssues = append([]string(nil), r.Outcome.BlockingIssues...)
	}
	return &out
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return nil
	}
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// asInt64 reads a numeric payload value regardless of how the upstream
// decoder typed it.
func asInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float32:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0
			}
			return int64(f)
		}
		return i
	default:
		return 0
	}
}

func asFloat64(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	case float64:
		return n
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}
