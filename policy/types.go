// Package policy defines the declarative governance policies (budget specs
// and routing policies), their match and priority semantics, and the Store
// that resolves them for a run context.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrConfigInvalid marks policy documents that fail validation at load time.
var ErrConfigInvalid = errors.New("policy config invalid")

// Scope is the hierarchy level at which a budget applies.
type Scope string

const (
	ScopeGlobal   Scope = "global"
	ScopeTenant   Scope = "tenant"
	ScopeStrand   Scope = "strand"
	ScopeWorkflow Scope = "workflow"
)

// Period is the accounting window of a budget.
type Period string

const (
	PeriodHourly  Period = "hourly"
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// ThresholdAction is taken when a soft threshold is first crossed in a period.
type ThresholdAction string

const (
	ActionLogOnly           ThresholdAction = "LOG_ONLY"
	ActionDowngradeModel    ThresholdAction = "DOWNGRADE_MODEL"
	ActionLimitCapabilities ThresholdAction = "LIMIT_CAPABILITIES"
	ActionHaltNewRuns       ThresholdAction = "HALT_NEW_RUNS"
)

// HardLimitAction is taken when utilization reaches 1.0 on a hard-limit budget.
type HardLimitAction string

const (
	ActionRejectNewRuns HardLimitAction = "REJECT_NEW_RUNS"
	ActionHaltRun       HardLimitAction = "HALT_RUN"
)

// Match holds the three wildcard-capable patterns of a policy. A pattern is
// "*" (anything), a literal (exact), or a literal with a trailing "*"
// (prefix). Empty patterns behave as "*".
type Match struct {
	TenantID   string `yaml:"tenant_id" json:"tenant_id"`
	StrandID   string `yaml:"strand_id" json:"strand_id"`
	WorkflowID string `yaml:"workflow_id" json:"workflow_id"`
}

// Matches reports whether all three patterns match the given identifiers.
func (m Match) Matches(tenantID, strandID, workflowID string) bool {
	return matchPattern(m.TenantID, tenantID) &&
		matchPattern(m.StrandID, strandID) &&
		matchPattern(m.WorkflowID, workflowID)
}

func matchPattern(pattern, value string) bool {
	switch {
	case pattern == "" || pattern == "*":
		return true
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(value, pattern[:len(pattern)-1])
	default:
		return pattern == value
	}
}

func isWildcard(pattern string) bool {
	return pattern == "" || pattern == "*"
}

// Constraints are per-run limits attached to a budget. Zero values mean
// unconstrained.
type Constraints struct {
	MaxIterations int     `yaml:"max_iterations" json:"max_iterations"`
	MaxToolCalls  int     `yaml:"max_tool_calls" json:"max_tool_calls"`
	MaxTokens     int     `yaml:"max_tokens" json:"max_tokens"`
	MaxCost       float64 `yaml:"max_cost" json:"max_cost"`
}

// BudgetSpec is one declarative budget policy. Immutable after load;
// snapshots are replaced atomically on refresh.
type BudgetSpec struct {
	ID                       string          `yaml:"id" json:"id"`
	Scope                    Scope           `yaml:"scope" json:"scope"`
	Match                    Match           `yaml:"match" json:"match"`
	Period                   Period          `yaml:"period" json:"period"`
	MaxCost                  float64         `yaml:"max_cost" json:"max_cost"`
	SoftThresholds           []float64       `yaml:"soft_thresholds" json:"soft_thresholds"`
	HardLimit                bool            `yaml:"hard_limit" json:"hard_limit"`
	OnSoftThresholdExceeded  ThresholdAction `yaml:"on_soft_threshold_exceeded" json:"on_soft_threshold_exceeded"`
	OnHardLimitExceeded      HardLimitAction `yaml:"on_hard_limit_exceeded" json:"on_hard_limit_exceeded"`
	MaxRunsPerPeriod         int             `yaml:"max_runs_per_period" json:"max_runs_per_period"`
	MaxConcurrentRuns        int             `yaml:"max_concurrent_runs" json:"max_concurrent_runs"`
	Constraints              *Constraints    `yaml:"constraints" json:"constraints,omitempty"`
	Enabled                  bool            `yaml:"enabled" json:"enabled"`
}

// Validate normalizes defaults and checks field values. Soft thresholds are
// sorted ascending and must lie in (0, 1].
func (b *BudgetSpec) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("%w: budget without id", ErrConfigInvalid)
	}
	if b.Scope == "" {
		b.Scope = ScopeGlobal
	}
	switch b.Scope {
	case ScopeGlobal, ScopeTenant, ScopeStrand, ScopeWorkflow:
	default:
		return fmt.Errorf("%w: budget %q: unknown scope %q", ErrConfigInvalid, b.ID, b.Scope)
	}
	if b.Period == "" {
		b.Period = PeriodDaily
	}
	switch b.Period {
	case PeriodHourly, PeriodDaily, PeriodWeekly, PeriodMonthly:
	default:
		return fmt.Errorf("%w: budget %q: unknown period %q", ErrConfigInvalid, b.ID, b.Period)
	}
	if b.MaxCost < 0 {
		return fmt.Errorf("%w: budget %q: negative max_cost", ErrConfigInvalid, b.ID)
	}
	for _, t := range b.SoftThresholds {
		if t <= 0 || t > 1 {
			return fmt.Errorf("%w: budget %q: soft threshold %v outside (0,1]", ErrConfigInvalid, b.ID, t)
		}
	}
	sort.Float64s(b.SoftThresholds)
	if b.OnSoftThresholdExceeded == "" {
		b.OnSoftThresholdExceeded = ActionLogOnly
	}
	switch b.OnSoftThresholdExceeded {
	case ActionLogOnly, ActionDowngradeModel, ActionLimitCapabilities, ActionHaltNewRuns:
	default:
		return fmt.Errorf("%w: budget %q: unknown soft threshold action %q", ErrConfigInvalid, b.ID, b.OnSoftThresholdExceeded)
	}
	if b.OnHardLimitExceeded == "" {
		b.OnHardLimitExceeded = ActionRejectNewRuns
	}
	switch b.OnHardLimitExceeded {
	case ActionRejectNewRuns, ActionHaltRun:
	default:
		return fmt.Errorf("%w: budget %q: unknown hard limit action %q", ErrConfigInvalid, b.ID, b.OnHardLimitExceeded)
	}
	if b.MaxRunsPerPeriod < 0 || b.MaxConcurrentRuns < 0 {
		return fmt.Errorf("%w: budget %q: negative run limits", ErrConfigInvalid, b.ID)
	}
	return nil
}

// Matches reports whether this budget applies to the given identifiers.
func (b *BudgetSpec) Matches(tenantID, strandID, workflowID string) bool {
	return b.Match.Matches(tenantID, strandID, workflowID)
}

// Score is the priority of this budget for a matching context: the scope
// weight plus a bonus per non-wildcard pattern. Higher is more specific.
func (b *BudgetSpec) Score() int {
	score := 0
	switch b.Scope {
	case ScopeTenant:
		score = 10
	case ScopeStrand:
		score = 20
	case ScopeWorkflow:
		score = 30
	}
	if !isWildcard(b.Match.TenantID) {
		score += 1
	}
	if !isWildcard(b.Match.StrandID) {
		score += 2
	}
	if !isWildcard(b.Match.WorkflowID) {
		score += 4
	}
	return score
}

// DowngradeTrigger describes when a stage downgrades to its fallback model.
// Pointer fields are unconfigured when nil.
type DowngradeTrigger struct {
	SoftThresholdExceeded bool     `yaml:"soft_threshold_exceeded" json:"soft_threshold_exceeded"`
	RemainingBudgetBelow  *float64 `yaml:"remaining_budget_below" json:"remaining_budget_below,omitempty"`
	IterationCountAbove   *int     `yaml:"iteration_count_above" json:"iteration_count_above,omitempty"`
	LatencyAboveMs        *float64 `yaml:"latency_above_ms" json:"latency_above_ms,omitempty"`
}

// StageConfig is the routing configuration for one stage of a run.
type StageConfig struct {
	Stage         string           `yaml:"stage" json:"stage"`
	DefaultModel  string           `yaml:"default_model" json:"default_model"`
	FallbackModel string           `yaml:"fallback_model" json:"fallback_model"`
	MaxTokens     *int             `yaml:"max_tokens" json:"max_tokens,omitempty"`
	Temperature   *float64         `yaml:"temperature" json:"temperature,omitempty"`
	Trigger       DowngradeTrigger `yaml:"downgrade_trigger" json:"downgrade_trigger"`
}

// RoutingPolicy selects models per stage for a matching run context. Only
// the single highest-scoring matching policy applies; ties are broken by
// load order.
type RoutingPolicy struct {
	ID                   string        `yaml:"id" json:"id"`
	Match                Match         `yaml:"match" json:"match"`
	DefaultModel         string        `yaml:"default_model" json:"default_model"`
	DefaultFallbackModel string        `yaml:"default_fallback_model" json:"default_fallback_model"`
	Stages               []StageConfig `yaml:"stages" json:"stages"`
}

// Validate checks required fields.
func (p *RoutingPolicy) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: routing policy without id", ErrConfigInvalid)
	}
	if p.DefaultModel == "" {
		return fmt.Errorf("%w: routing policy %q: missing default_model", ErrConfigInvalid, p.ID)
	}
	for i := range p.Stages {
		if p.Stages[i].Stage == "" {
			return fmt.Errorf("%w: routing policy %q: stage %d without name", ErrConfigInvalid, p.ID, i)
		}
		if p.Stages[i].DefaultModel == "" {
			p.Stages[i].DefaultModel = p.DefaultModel
		}
		if p.Stages[i].FallbackModel == "" {
			p.Stages[i].FallbackModel = p.DefaultFallbackModel
		}
	}
	return nil
}

// Matches reports whether this policy applies to the given identifiers.
func (p *RoutingPolicy) Matches(tenantID, strandID, workflowID string) bool {
	return p.Match.Matches(tenantID, strandID, workflowID)
}

// Score mirrors the budget priority function: a bonus per non-wildcard
// pattern. Routing policies have no scope field, so only pattern bonuses
// apply.
func (p *RoutingPolicy) Score() int {
	score := 0
	if !isWildcard(p.Match.TenantID) {
		score += 1
	}
	if !isWildcard(p.Match.StrandID) {
		score += 2
	}
	if !isWildcard(p.Match.WorkflowID) {
		score += 4
	}
	return score
}

// Stage returns the stage config by name, or nil when unconfigured.
func (p *RoutingPolicy) Stage(name string) *StageConfig {
	for i := range p.Stages {
		if p.Stages[i].Stage == name {
			return &p.Stages[i]
		}
	}
	return nil
}
