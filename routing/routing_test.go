package routing

import (
	"testing"

	"go.uber.org/zap"

	"github.com/wisemanIV/strand-cost-guard/policy"
)

func floatPtr(f float64) *float64 { return &f }
func intPtr(n int) *int           { return &n }

func researchPolicy() *policy.RoutingPolicy {
	p := &policy.RoutingPolicy{
		ID:                   "research",
		Match:                policy.Match{TenantID: "acme"},
		DefaultModel:         "premium",
		DefaultFallbackModel: "economy",
		Stages: []policy.StageConfig{
			{
				Stage:         "plan",
				DefaultModel:  "premium",
				FallbackModel: "economy",
				MaxTokens:     intPtr(8000),
				Trigger: policy.DowngradeTrigger{
					SoftThresholdExceeded: true,
					RemainingBudgetBelow:  floatPtr(5),
					IterationCountAbove:   intPtr(10),
					LatencyAboveMs:        floatPtr(2000),
				},
			},
			{
				Stage:         "summarize",
				DefaultModel:  "economy",
				FallbackModel: "",
				Trigger:       policy.DowngradeTrigger{SoftThresholdExceeded: true},
			},
		},
	}
	if err := p.Validate(); err != nil {
		panic(err)
	}
	return p
}

func TestEvaluate_NoPressureKeepsDefault(t *testing.T) {
	e := NewEvaluator(zap.NewNop())
	d := e.Evaluate(researchPolicy(), "plan", Signals{HasRemaining: true, RemainingCost: 50})
	if d.Model != "premium" || d.Downgraded || d.Trigger != "" {
		t.Fatalf("decision = %+v", d)
	}
	if d.MaxTokens == nil || *d.MaxTokens != 8000 {
		t.Fatalf("stage max tokens lost: %+v", d)
	}
	if d.PolicyID != "research" || d.Stage != "plan" {
		t.Fatalf("decision provenance = %+v", d)
	}
}

func TestEvaluate_TriggerOrder(t *testing.T) {
	e := NewEvaluator(zap.NewNop())
	tests := []struct {
		name    string
		sig     Signals
		trigger string
	}{
		{
			name:    "soft threshold wins over everything",
			sig:     Signals{SoftThresholdExceeded: true, HasRemaining: true, RemainingCost: 1, IterationCount: 20, AvgLatencyMs: 9000},
			trigger: TriggerSoftThreshold,
		},
		{
			name:    "remaining budget next",
			sig:     Signals{HasRemaining: true, RemainingCost: 4.99, IterationCount: 20, AvgLatencyMs: 9000},
			trigger: TriggerRemainingBudget,
		},
		{
			name:    "iteration count next",
			sig:     Signals{HasRemaining: true, RemainingCost: 50, IterationCount: 11, AvgLatencyMs: 9000},
			trigger: TriggerIterationCount,
		},
		{
			name:    "latency last",
			sig:     Signals{HasRemaining: true, RemainingCost: 50, IterationCount: 3, AvgLatencyMs: 2500},
			trigger: TriggerLatency,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := e.Evaluate(researchPolicy(), "plan", tc.sig)
			if !d.Downgraded || d.Model != "economy" || d.Trigger != tc.trigger {
				t.Fatalf("decision = %+v, want trigger %s", d, tc.trigger)
			}
		})
	}
}

func TestEvaluate_BoundaryConditions(t *testing.T) {
	e := NewEvaluator(zap.NewNop())

	// remaining_budget_below is strict: exactly at the bound keeps default.
	d := e.Evaluate(researchPolicy(), "plan", Signals{HasRemaining: true, RemainingCost: 5})
	if d.Downgraded {
		t.Fatalf("remaining == bound should not trigger: %+v", d)
	}
	// Without a known remaining cost the budget trigger cannot fire.
	d = e.Evaluate(researchPolicy(), "plan", Signals{RemainingCost: 0, HasRemaining: false})
	if d.Downgraded {
		t.Fatalf("unbounded budget should not trigger: %+v", d)
	}
	// iteration_count_above is strict.
	d = e.Evaluate(researchPolicy(), "plan", Signals{HasRemaining: true, RemainingCost: 50, IterationCount: 10})
	if d.Downgraded {
		t.Fatalf("count == bound should not trigger: %+v", d)
	}
}

func TestEvaluate_NoFallbackKeepsDefault(t *testing.T) {
	e := NewEvaluator(zap.NewNop())
	d := e.Evaluate(researchPolicy(), "summarize", Signals{SoftThresholdExceeded: true})
	if d.Downgraded || d.Model != "economy" {
		t.Fatalf("decision = %+v, want default kept without fallback", d)
	}
}

func TestEvaluate_UnconfiguredStageUsesPolicyDefaults(t *testing.T) {
	e := NewEvaluator(zap.NewNop())

	d := e.Evaluate(researchPolicy(), "review", Signals{})
	if d.Model != "premium" || d.Downgraded {
		t.Fatalf("decision = %+v", d)
	}
	// Default stages downgrade under soft-threshold pressure.
	d = e.Evaluate(researchPolicy(), "review", Signals{SoftThresholdExceeded: true})
	if !d.Downgraded || d.Model != "economy" || d.Trigger != TriggerSoftThreshold {
		t.Fatalf("decision = %+v", d)
	}
}

func TestEvaluate_NilPolicy(t *testing.T) {
	e := NewEvaluator(zap.NewNop())
	d := e.Evaluate(nil, "plan", Signals{SoftThresholdExceeded: true})
	if d.Model != "" || d.Downgraded {
		t.Fatalf("decision = %+v, want empty for nil policy", d)
	}
}
