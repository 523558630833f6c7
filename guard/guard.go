// Package guard is the decision pipeline of the cost guard: it exposes the
// eight lifecycle hooks a host runtime calls around every agent run and
// composes the policy store, budget tracker, routing evaluator, and metrics
// emitter into structured decisions.
//
// Hooks never return errors to the host. Budget and constraint violations
// surface as Decision.Allowed=false with a reason; internal failures are
// absorbed by the configured failure mode.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wisemanIV/strand-cost-guard/budget"
	"github.com/wisemanIV/strand-cost-guard/metrics"
	"github.com/wisemanIV/strand-cost-guard/policy"
	"github.com/wisemanIV/strand-cost-guard/routing"
	"github.com/wisemanIV/strand-cost-guard/store"
)

// ErrInternalInvariant marks a failure inside the guard itself, as opposed
// to a policy outcome. It never reaches hook callers; it is logged and
// translated by the failure mode.
var ErrInternalInvariant = errors.New("internal invariant violated")

// FailMode decides what a hook returns when the guard itself fails.
type FailMode string

const (
	// FailOpen turns internal failures into allowing decisions with a
	// warning. The default: governance should not take down the host.
	FailOpen FailMode = "fail_open"
	// FailClosed turns internal failures into rejections.
	FailClosed FailMode = "fail_closed"
)

const tracerName = "github.com/wisemanIV/strand-cost-guard/guard"

// Guard orchestrates the lifecycle hooks. Safe for concurrent use.
type Guard struct {
	policies *policy.Store
	tracker  *budget.Tracker
	router   *routing.Evaluator
	emitter  metrics.Emitter
	logger   *zap.Logger
	tracer   trace.Tracer
	failMode FailMode

	trackerOpts []budget.TrackerOption
}

// Option customizes a Guard.
type Option func(*Guard)

// WithFailMode sets the failure mode. Default FailOpen.
func WithFailMode(m FailMode) Option {
	return func(g *Guard) {
		if m == FailClosed {
			g.failMode = FailClosed
		}
	}
}

// WithEmitter installs the telemetry emitter. Default metrics.Noop.
func WithEmitter(e metrics.Emitter) Option {
	return func(g *Guard) {
		if e != nil {
			g.emitter = e
		}
	}
}

// WithPersistence shares budget state through a persistent store.
func WithPersistence(s store.Store) Option {
	return func(g *Guard) {
		g.trackerOpts = append(g.trackerOpts, budget.WithPersistence(s))
	}
}

// WithClock injects a time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(g *Guard) {
		g.trackerOpts = append(g.trackerOpts, budget.WithTrackerClock(clock))
	}
}

// WithGraceWindow sets how long ended runs keep accepting usage reports.
func WithGraceWindow(d time.Duration) Option {
	return func(g *Guard) {
		g.trackerOpts = append(g.trackerOpts, budget.WithGraceWindow(d))
	}
}

// WithTracerProvider sets the provider for the per-hook spans. Defaults to
// the global provider (noop unless the host installed one).
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(g *Guard) { g.tracer = tp.Tracer(tracerName) }
}

// New builds a Guard resolving policies from the given store.
func New(policies *policy.Store, logger *zap.Logger, opts ...Option) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Guard{
		policies: policies,
		emitter:  metrics.Noop{},
		logger:   logger,
		tracer:   otel.GetTracerProvider().Tracer(tracerName),
		failMode: FailOpen,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.tracker = budget.NewTracker(policies, logger, g.trackerOpts...)
	g.router = routing.NewEvaluator(logger)
	return g
}

// OnRunStart admits or rejects a new run against every applicable budget.
// The returned RunID must be passed to all later hooks; it is generated when
// the host leaves it empty.
func (g *Guard) OnRunStart(ctx context.Context, rc budget.RunContext) (d Decision) {
	ctx, span := g.tracer.Start(ctx, "costguard.on_run_start")
	defer span.End()
	defer g.recoverDecision("on_run_start", &d)

	adm := g.tracker.OpenRun(ctx, rc)
	rc.RunID = adm.RunID
	attrs := g.attrs(rc)
	if !adm.Allowed {
		g.emitter.RecordRejection(ctx, attrs, adm.Reason)
		return Decision{
			Allowed: false,
			Action:  ActionReject,
			Reason:  adm.Reason,
			RunID:   adm.RunID,
		}
	}
	g.emitter.RecordRunStart(ctx, attrs)
	return Decision{
		Allowed:          true,
		Action:           ActionAllow,
		RunID:            adm.RunID,
		Warnings:         adm.Warnings,
		RemainingCost:    adm.RemainingCost,
		HasRemainingCost: adm.HasRemaining,
	}
}

// OnRunEnd closes a run, releasing its concurrency slots. Idempotent; an
// unknown run is a warning no-op.
func (g *Guard) OnRunEnd(ctx context.Context, runID string, status budget.RunStatus) (d Decision) {
	ctx, span := g.tracer.Start(ctx, "costguard.on_run_end")
	defer span.End()
	defer g.recoverDecision("on_run_end", &d)

	snap, changed, err := g.tracker.CloseRun(ctx, runID, status)
	if err != nil {
		return g.unknownRun("on_run_end", runID)
	}
	if !changed {
		return allow()
	}
	g.emitter.RecordRunEnd(ctx, g.attrs(snap.Context), string(snap.Status))
	return allow()
}

// BeforeIteration admits the run's next iteration (0-based index supplied by
// the host). Denials carry ActionHalt: the run must stop.
func (g *Guard) BeforeIteration(ctx context.Context, runID string, idx int) (d Decision) {
	ctx, span := g.tracer.Start(ctx, "costguard.before_iteration")
	defer span.End()
	defer g.recoverDecision("before_iteration", &d)

	res, err := g.tracker.CheckIteration(ctx, runID)
	if err != nil {
		return g.unknownRun("before_iteration", runID)
	}
	attrs := g.runAttrs(runID)
	if !res.Allowed {
		g.emitter.RecordHalt(ctx, attrs, res.Reason)
		return Decision{Allowed: false, Action: ActionHalt, Reason: res.Reason}
	}
	g.emitter.RecordIteration(ctx, attrs, idx)
	return Decision{
		Allowed:             true,
		Action:              ActionAllow,
		Warnings:            res.Warnings,
		RemainingCost:       res.RemainingCost,
		HasRemainingCost:    res.HasRemaining,
		RemainingIterations: res.RemainingIterations,
	}
}

// AfterIteration acknowledges the end of an iteration. No accounting happens
// here; usage is reported through the after_*_call hooks.
func (g *Guard) AfterIteration(ctx context.Context, runID string, idx int) (d Decision) {
	_, span := g.tracer.Start(ctx, "costguard.after_iteration")
	defer span.End()
	defer g.recoverDecision("after_iteration", &d)

	if _, err := g.tracker.RunSnapshot(runID); err != nil {
		return g.unknownRun("after_iteration", runID)
	}
	return allow()
}

// BeforeModelCall decides the effective model for one upcoming call: it
// checks budget hard limits and per-run token constraints, then lets the
// routing policy downgrade the requested model under pressure.
func (g *Guard) BeforeModelCall(ctx context.Context, runID, model, stage string, estTokens int) (d ModelDecision) {
	ctx, span := g.tracer.Start(ctx, "costguard.before_model_call")
	defer span.End()
	defer g.recoverModelDecision("before_model_call", model, &d)

	snap, err := g.tracker.RunSnapshot(runID)
	if err != nil {
		return ModelDecision{
			Decision:       g.unknownRun("before_model_call", runID),
			EffectiveModel: model,
			OriginalModel:  model,
		}
	}
	mc, err := g.tracker.CheckModel(ctx, runID)
	if err != nil {
		return ModelDecision{
			Decision:       g.unknownRun("before_model_call", runID),
			EffectiveModel: model,
			OriginalModel:  model,
		}
	}
	attrs := g.attrs(snap.Context)
	if !mc.Allowed {
		g.emitter.RecordHalt(ctx, attrs, mc.Reason)
		return ModelDecision{
			Decision:       Decision{Allowed: false, Action: ActionHalt, Reason: mc.Reason},
			EffectiveModel: model,
			OriginalModel:  model,
		}
	}

	rp := g.policies.RoutingFor(ctx, snap.Context.TenantID, snap.Context.StrandID, snap.Context.WorkflowID)
	route := g.router.Evaluate(rp, stage, routing.Signals{
		SoftThresholdExceeded: mc.SoftThresholdExceeded,
		RemainingCost:         mc.RemainingCost,
		HasRemaining:          mc.HasRemaining,
		IterationCount:        mc.IterationCount,
		AvgLatencyMs:          mc.AvgLatencyMs,
	})

	effective := route.Model
	if effective == "" {
		effective = model
	}
	d = ModelDecision{
		Decision: Decision{
			Allowed:          true,
			Action:           ActionAllow,
			Warnings:         mc.Warnings,
			RemainingCost:    mc.RemainingCost,
			HasRemainingCost: mc.HasRemaining,
		},
		EffectiveModel:   effective,
		OriginalModel:    model,
		WasDowngraded:    route.Downgraded,
		DowngradeTrigger: route.Trigger,
		MaxTokens:        tightest(route.MaxTokens, mc.MaxTokensRemaining),
		Temperature:      route.Temperature,
	}
	if route.Downgraded {
		d.Action = ActionDowngrade
		d.Reason = fmt.Sprintf("downgraded by %s", route.Trigger)
		g.emitter.RecordDowngrade(ctx, attrs, model, effective, route.Trigger)
	} else if mc.CapabilitiesLimited {
		d.Action = ActionLimit
		d.Reason = "token limit applied"
	}

	if estTokens > 0 && mc.HasRemaining {
		if est := g.policies.Pricing(ctx).EstimateModelCost(effective, estTokens); est > mc.RemainingCost {
			d.Warnings = append(d.Warnings,
				fmt.Sprintf("estimated cost %.4f exceeds remaining budget %.4f", est, mc.RemainingCost))
		}
	}
	return d
}

// AfterModelCall accounts one completed model call: computes its cost,
// updates the run and every applicable budget, and emits cost and token
// counters. Late or duplicate reports are warning no-ops.
func (g *Guard) AfterModelCall(ctx context.Context, runID string, usage budget.ModelUsage) (d Decision) {
	ctx, span := g.tracer.Start(ctx, "costguard.after_model_call")
	defer span.End()
	defer g.recoverDecision("after_model_call", &d)

	res, err := g.tracker.RecordModel(ctx, runID, usage)
	if err != nil {
		return g.unknownRun("after_model_call", runID)
	}
	if !res.Applied {
		if len(res.Warnings) > 0 {
			metrics.LateEvents.WithLabelValues("after_model_call").Inc()
			g.logger.Warn("Model usage dropped", zap.String("run_id", runID), zap.Strings("warnings", res.Warnings))
		}
		return Decision{Allowed: true, Action: ActionAllow, Warnings: res.Warnings}
	}

	attrs := g.runAttrs(runID)
	g.emitter.RecordCost(ctx, attrs, res.Cost)
	g.emitter.RecordModelCost(ctx, attrs, usage.Model, res.Cost)
	g.emitter.RecordTokens(ctx, attrs, usage.Model,
		int64(usage.PromptTokens), int64(usage.CompletionTokens+usage.ReasoningTokens))

	warnings := res.Warnings
	for _, c := range res.Crossings {
		warnings = append(warnings,
			fmt.Sprintf("budget %s crossed threshold %.0f%% (%s)", c.BudgetID, c.Threshold*100, c.Action))
	}
	return Decision{Allowed: true, Action: ActionAllow, Warnings: warnings}
}

// BeforeToolCall admits one tool call. Denials carry ActionHalt.
func (g *Guard) BeforeToolCall(ctx context.Context, runID, tool string) (d Decision) {
	ctx, span := g.tracer.Start(ctx, "costguard.before_tool_call")
	defer span.End()
	defer g.recoverDecision("before_tool_call", &d)

	res, err := g.tracker.CheckTool(ctx, runID, tool)
	if err != nil {
		return g.unknownRun("before_tool_call", runID)
	}
	if !res.Allowed {
		g.emitter.RecordHalt(ctx, g.runAttrs(runID), res.Reason)
		return Decision{Allowed: false, Action: ActionHalt, Reason: res.Reason}
	}
	return Decision{
		Allowed:            true,
		Action:             ActionAllow,
		Warnings:           res.Warnings,
		RemainingCost:      res.RemainingCost,
		HasRemainingCost:   res.HasRemaining,
		RemainingToolCalls: res.RemainingToolCalls,
	}
}

// AfterToolCall accounts one completed tool call.
func (g *Guard) AfterToolCall(ctx context.Context, runID string, usage budget.ToolUsage) (d Decision) {
	ctx, span := g.tracer.Start(ctx, "costguard.after_tool_call")
	defer span.End()
	defer g.recoverDecision("after_tool_call", &d)

	res, err := g.tracker.RecordTool(ctx, runID, usage)
	if err != nil {
		return g.unknownRun("after_tool_call", runID)
	}
	if !res.Applied {
		if len(res.Warnings) > 0 {
			metrics.LateEvents.WithLabelValues("after_tool_call").Inc()
		}
		return Decision{Allowed: true, Action: ActionAllow, Warnings: res.Warnings}
	}

	attrs := g.runAttrs(runID)
	g.emitter.RecordCost(ctx, attrs, res.Cost)
	g.emitter.RecordToolCost(ctx, attrs, usage.Tool, res.Cost)
	g.emitter.RecordToolCall(ctx, attrs, usage.Tool)

	warnings := res.Warnings
	for _, c := range res.Crossings {
		warnings = append(warnings,
			fmt.Sprintf("budget %s crossed threshold %.0f%% (%s)", c.BudgetID, c.Threshold*100, c.Action))
	}
	return Decision{Allowed: true, Action: ActionAllow, Warnings: warnings}
}

// RunSnapshot returns the accumulated state of one run.
func (g *Guard) RunSnapshot(runID string) (budget.RunSnapshot, error) {
	return g.tracker.RunSnapshot(runID)
}

// BudgetSnapshots returns the current-period state of every tracked budget.
func (g *Guard) BudgetSnapshots() []budget.BudgetSnapshot {
	return g.tracker.BudgetSnapshots()
}

func (g *Guard) attrs(rc budget.RunContext) metrics.Attributes {
	return metrics.Attributes{
		TenantID:   rc.TenantID,
		StrandID:   rc.StrandID,
		WorkflowID: rc.WorkflowID,
		RunID:      rc.RunID,
		Metadata:   rc.Metadata,
	}
}

// runAttrs resolves attributes from tracked run state; zero attributes when
// the run is unknown.
func (g *Guard) runAttrs(runID string) metrics.Attributes {
	snap, err := g.tracker.RunSnapshot(runID)
	if err != nil {
		return metrics.Attributes{RunID: runID}
	}
	return g.attrs(snap.Context)
}

// unknownRun handles hooks arriving for runs the tracker has never seen or
// already evicted: warn, count, and no-op.
func (g *Guard) unknownRun(hook, runID string) Decision {
	metrics.LateEvents.WithLabelValues(hook).Inc()
	g.logger.Warn("Hook called for unknown run",
		zap.String("hook", hook), zap.String("run_id", runID))
	return Decision{
		Allowed:  true,
		Action:   ActionAllow,
		Warnings: []string{fmt.Sprintf("unknown run %s", runID)},
	}
}

// recoverDecision translates a panic inside a hook into the configured
// failure mode. Deferred directly so recover() observes the hook's panic.
func (g *Guard) recoverDecision(hook string, d *Decision) {
	r := recover()
	if r == nil {
		return
	}
	g.logger.Error("Hook failed",
		zap.String("hook", hook),
		zap.Any("panic", r),
		zap.Error(ErrInternalInvariant),
		zap.Stack("stack"))
	*d = g.failureDecision(hook)
}

func (g *Guard) recoverModelDecision(hook, model string, d *ModelDecision) {
	r := recover()
	if r == nil {
		return
	}
	g.logger.Error("Hook failed",
		zap.String("hook", hook),
		zap.Any("panic", r),
		zap.Error(ErrInternalInvariant),
		zap.Stack("stack"))
	*d = ModelDecision{
		Decision:       g.failureDecision(hook),
		EffectiveModel: model,
		OriginalModel:  model,
	}
}

func (g *Guard) failureDecision(hook string) Decision {
	if g.failMode == FailClosed {
		return Decision{
			Allowed: false,
			Action:  ActionReject,
			Reason:  fmt.Sprintf("internal error in %s (fail_closed)", hook),
		}
	}
	return Decision{
		Allowed:  true,
		Action:   ActionAllow,
		Warnings: []string{fmt.Sprintf("internal error in %s, allowing (fail_open)", hook)},
	}
}

func tightest(a, b *int) *int {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *a < *b:
		return a
	default:
		return b
	}
}
