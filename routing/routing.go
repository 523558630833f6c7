// Package routing turns budget-pressure signals into model selections:
// given the routing policy for a run context and the stage about to execute,
// it decides whether the stage runs on its default model or downgrades to
// its fallback.
package routing

import (
	"go.uber.org/zap"

	"github.com/wisemanIV/strand-cost-guard/policy"
)

// Trigger names identify which downgrade condition fired. They are stable
// strings surfaced in decisions and telemetry attributes.
const (
	TriggerSoftThreshold   = "soft_threshold_exceeded"
	TriggerRemainingBudget = "remaining_budget_below"
	TriggerIterationCount  = "iteration_count_above"
	TriggerLatency         = "latency_above_ms"
)

// Signals is the budget-pressure input to a routing decision, produced by
// the tracker's pre-model-call check.
type Signals struct {
	// SoftThresholdExceeded is true when a budget with a DOWNGRADE_MODEL
	// action has crossed a soft threshold.
	SoftThresholdExceeded bool
	RemainingCost         float64
	HasRemaining          bool
	IterationCount        int
	AvgLatencyMs          float64
}

// Decision is the model selection for one upcoming call.
type Decision struct {
	// Model is empty when no routing policy matched; the host keeps its
	// own default.
	Model      string
	Downgraded bool
	// Trigger is the name of the condition that forced the downgrade,
	// empty otherwise.
	Trigger     string
	MaxTokens   *int
	Temperature *float64
	PolicyID    string
	Stage       string
}

// Evaluator applies routing policies. Stateless; safe for concurrent use.
type Evaluator struct {
	logger *zap.Logger
}

func NewEvaluator(logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{logger: logger}
}

// Evaluate decides the model for one stage under the given policy and
// signals. A nil policy yields an empty decision. Triggers are evaluated in
// a fixed order and the first that fires wins; a fired trigger without a
// configured fallback model keeps the default.
func (e *Evaluator) Evaluate(p *policy.RoutingPolicy, stage string, sig Signals) Decision {
	if p == nil {
		return Decision{Stage: stage}
	}

	cfg := p.Stage(stage)
	if cfg == nil {
		// Unconfigured stages run on the policy defaults and downgrade
		// under soft-threshold pressure when a fallback exists.
		cfg = &policy.StageConfig{
			Stage:         stage,
			DefaultModel:  p.DefaultModel,
			FallbackModel: p.DefaultFallbackModel,
			Trigger:       policy.DowngradeTrigger{SoftThresholdExceeded: true},
		}
	}

	decision := Decision{
		Model:       cfg.DefaultModel,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		PolicyID:    p.ID,
		Stage:       stage,
	}

	trigger := firedTrigger(cfg.Trigger, sig)
	if trigger == "" {
		return decision
	}
	if cfg.FallbackModel == "" || cfg.FallbackModel == cfg.DefaultModel {
		e.logger.Debug("Downgrade triggered without a usable fallback",
			zap.String("policy_id", p.ID),
			zap.String("stage", stage),
			zap.String("trigger", trigger))
		return decision
	}

	decision.Model = cfg.FallbackModel
	decision.Downgraded = true
	decision.Trigger = trigger
	e.logger.Info("Model downgraded under budget pressure",
		zap.String("policy_id", p.ID),
		zap.String("stage", stage),
		zap.String("trigger", trigger),
		zap.String("from", cfg.DefaultModel),
		zap.String("to", cfg.FallbackModel))
	return decision
}

func firedTrigger(t policy.DowngradeTrigger, sig Signals) string {
	switch {
	case t.SoftThresholdExceeded && sig.SoftThresholdExceeded:
		return TriggerSoftThreshold
	case t.RemainingBudgetBelow != nil && sig.HasRemaining && sig.RemainingCost < *t.RemainingBudgetBelow:
		return TriggerRemainingBudget
	case t.IterationCountAbove != nil && sig.IterationCount > *t.IterationCountAbove:
		return TriggerIterationCount
	case t.LatencyAboveMs != nil && sig.AvgLatencyMs > *t.LatencyAboveMs:
		return TriggerLatency
	}
	return ""
}
