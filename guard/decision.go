package guard

// Action tags the overall effect of a decision. Hosts switch on the tag;
// Reason and Warnings are for humans and logs.
type Action string

const (
	// ActionAllow admits the operation unchanged.
	ActionAllow Action = "ALLOW"
	// ActionReject refuses admission of a new run.
	ActionReject Action = "REJECT"
	// ActionHalt stops an in-flight run at the next hook.
	ActionHalt Action = "HALT"
	// ActionDowngrade allows a model call on the fallback model.
	ActionDowngrade Action = "DOWNGRADE"
	// ActionLimit allows with reduced capabilities (token ceiling).
	ActionLimit Action = "LIMIT"
)

// Decision is the structured return value of every lifecycle hook. The host
// runtime is required to honor it.
type Decision struct {
	Allowed bool
	Action  Action
	// Reason is set when the operation is denied or modified.
	Reason   string
	Warnings []string

	// RunID echoes (or supplies, when the host omitted one) the run
	// identifier. Set on admission decisions.
	RunID string

	// RemainingCost is the tightest cost headroom across applicable
	// budgets; meaningful only when HasRemainingCost.
	RemainingCost    float64
	HasRemainingCost bool
	// RemainingIterations / RemainingToolCalls are per-run constraint
	// headroom, nil when unconstrained.
	RemainingIterations *int
	RemainingToolCalls  *int
}

// ModelDecision is the decision for a model-call hook.
type ModelDecision struct {
	Decision

	// EffectiveModel is the model the host must call. Equal to the
	// requested model unless a routing policy downgraded it.
	EffectiveModel string
	OriginalModel  string
	WasDowngraded  bool
	// DowngradeTrigger names the condition that forced the downgrade.
	DowngradeTrigger string
	// MaxTokens is the token ceiling for this call: the stage limit, a
	// LIMIT_CAPABILITIES override, or per-run headroom, whichever is
	// tightest. Nil when unconstrained.
	MaxTokens   *int
	Temperature *float64
}

func allow() Decision {
	return Decision{Allowed: true, Action: ActionAllow}
}
