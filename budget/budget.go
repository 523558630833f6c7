// Package budget implements the accounting engine of the cost guard:
// period-windowed budget counters, per-run state, threshold-crossing
// detection, concurrent-run tracking, and optional synchronization with a
// persistent store shared across process instances.
package budget

import (
	"errors"
	"time"
)

// ErrContextUnknown reports an operation against a run_id the tracker has
// never seen (or has already evicted).
var ErrContextUnknown = errors.New("unknown run context")

// RunContext is the immutable identity of one agent run. All IDs are opaque
// strings owned by the host runtime.
type RunContext struct {
	TenantID   string
	StrandID   string
	WorkflowID string
	RunID      string
	StartedAt  time.Time
	Metadata   map[string]string
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusHalted    RunStatus = "halted"
	StatusRejected  RunStatus = "rejected"
)

// ModelUsage is the host's report of one completed model call.
type ModelUsage struct {
	Model            string
	Stage            string
	PromptTokens     int
	CachedTokens     int
	CompletionTokens int
	ReasoningTokens  int
	LatencyMs        float64
	// IdempotencyKey, when set, makes replays of the same report no-ops.
	IdempotencyKey string
}

// ToolUsage is the host's report of one completed tool call.
type ToolUsage struct {
	Tool           string
	InputBytes     int64
	OutputBytes    int64
	IdempotencyKey string
}

// Crossing is one soft-threshold crossing event. Emitted at most once per
// threshold per period per budget on this instance; at-least-once across a
// fleet sharing a persistent store.
type Crossing struct {
	BudgetID    string
	ScopeKey    string
	Threshold   float64
	Utilization float64
	Action      string
}

// AdmissionResult is the outcome of OpenRun.
type AdmissionResult struct {
	Allowed  bool
	RunID    string
	Reason   string
	Warnings []string
	// RemainingCost is the smallest cost headroom across applicable
	// budgets with a max_cost; negative infinity semantics are avoided by
	// HasRemaining.
	RemainingCost float64
	HasRemaining  bool
}

// CheckResult is the outcome of an iteration or tool admission check.
type CheckResult struct {
	Allowed  bool
	Reason   string
	Warnings []string
	// RemainingIterations / RemainingToolCalls are the tightest per-run
	// constraint headroom, nil when unconstrained.
	RemainingIterations *int
	RemainingToolCalls  *int
	RemainingCost       float64
	HasRemaining        bool
}

// ModelCheckResult is the outcome of a pre-model-call check plus the signal
// bundle the routing evaluator consumes.
type ModelCheckResult struct {
	Allowed  bool
	Reason   string
	Warnings []string

	// SoftThresholdExceeded is set when any applicable budget has crossed
	// a soft threshold whose configured action is DOWNGRADE_MODEL.
	SoftThresholdExceeded bool
	// CapabilitiesLimited is set when any applicable budget has crossed a
	// soft threshold whose configured action is LIMIT_CAPABILITIES.
	CapabilitiesLimited bool
	// MaxTokensRemaining carries the LIMIT_CAPABILITIES override or the
	// tightest per-run token constraint headroom. Nil when unconstrained.
	MaxTokensRemaining *int

	RemainingCost  float64
	HasRemaining   bool
	IterationCount int
	AvgLatencyMs   float64
}

// RecordResult is the outcome of recording model or tool usage.
type RecordResult struct {
	// Cost is the computed cost of this usage report (0 for no-ops).
	Cost      float64
	Crossings []Crossing
	Warnings  []string
	// Applied is false when the report was dropped (unknown run, ended
	// run past grace, duplicate idempotency key).
	Applied bool
}

// RunSnapshot is a read-only view of one run's accumulated state.
type RunSnapshot struct {
	Context      RunContext
	Status       RunStatus
	Iterations   int
	TotalCost    float64
	InputTokens  int64
	OutputTokens int64
	ToolCalls    int
	ModelCosts   map[string]float64
	ToolCosts    map[string]float64
	EndedAt      time.Time
}

// BudgetSnapshot is a read-only view of one budget's state for the current
// period.
type BudgetSnapshot struct {
	BudgetID           string
	ScopeKey           string
	PeriodStart        time.Time
	PeriodEnd          time.Time
	MaxCost            float64
	TotalCost          float64
	Utilization        float64
	TotalRuns          int64
	ConcurrentRuns     int
	ThresholdsCrossed  []float64
}
