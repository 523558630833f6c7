package budget

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wisemanIV/strand-cost-guard/metrics"
	"github.com/wisemanIV/strand-cost-guard/policy"
	"github.com/wisemanIV/strand-cost-guard/pricing"
	"github.com/wisemanIV/strand-cost-guard/store"
)

const (
	defaultGraceWindow = 2 * time.Minute
	defaultCASAttempts = 8
)

// Tracker owns all run and budget accounting state for one process. Budget
// counters are kept per (budget, scope key) pair for the current period and
// optionally synchronized through a persistent store so a fleet of instances
// converges on shared totals.
//
// Every mutating operation applies its delta locally first; persistence is
// write-through with optimistic concurrency and degrades to local-only
// accounting when the backend is unavailable or CAS retries are exhausted.
type Tracker struct {
	policies *policy.Store
	persist  store.Store
	logger   *zap.Logger
	clock    func() time.Time

	graceWindow time.Duration
	casAttempts int

	// mu guards the two maps only. Each runState and budgetState carries
	// its own lock; budget locks are always taken in ascending scope-key
	// order, after the run lock when both are held.
	mu      sync.Mutex
	runs    map[string]*runState
	budgets map[string]*budgetState
}

// TrackerOption customizes a Tracker.
type TrackerOption func(*Tracker)

// WithPersistence enables write-through synchronization of budget state.
func WithPersistence(s store.Store) TrackerOption {
	return func(t *Tracker) { t.persist = s }
}

// WithTrackerClock injects a time source for tests.
func WithTrackerClock(clock func() time.Time) TrackerOption {
	return func(t *Tracker) { t.clock = clock }
}

// WithGraceWindow sets how long after a run completes its usage reports are
// still accepted. Reports for halted, rejected, or failed runs are never
// accepted.
func WithGraceWindow(d time.Duration) TrackerOption {
	return func(t *Tracker) { t.graceWindow = d }
}

// WithCASAttempts bounds optimistic-concurrency retries per sync.
func WithCASAttempts(n int) TrackerOption {
	return func(t *Tracker) {
		if n > 0 {
			t.casAttempts = n
		}
	}
}

// NewTracker builds a tracker resolving policies from the given store.
func NewTracker(policies *policy.Store, logger *zap.Logger, opts ...TrackerOption) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		policies:    policies,
		logger:      logger,
		clock:       time.Now,
		graceWindow: defaultGraceWindow,
		casAttempts: defaultCASAttempts,
		runs:        make(map[string]*runState),
		budgets:     make(map[string]*budgetState),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// statesFor resolves the budget states applicable to a run context, creating
// missing ones, and returns them sorted by scope key (the lock order).
// Specs are refreshed on every resolution so policy reloads take effect on
// live states.
func (t *Tracker) statesFor(ctx context.Context, rc RunContext, now time.Time) []*budgetState {
	specs := t.policies.MatchingBudgets(ctx, rc.TenantID, rc.StrandID, rc.WorkflowID)
	if len(specs) == 0 {
		return nil
	}
	t.mu.Lock()
	states := make([]*budgetState, 0, len(specs))
	for _, spec := range specs {
		key := ScopeKey(spec, rc)
		bs, ok := t.budgets[key]
		if !ok {
			bs = newBudgetState(spec, key, now)
			t.budgets[key] = bs
		}
		states = append(states, bs)
	}
	t.mu.Unlock()

	sort.Slice(states, func(i, j int) bool { return states[i].scopeKey < states[j].scopeKey })
	return states
}

// lockStates locks the given states in slice order (already sorted by scope
// key), refreshes their specs, and rolls expired periods. The returned
// function unlocks in reverse order.
func lockStates(states []*budgetState, specs map[string]*policy.BudgetSpec, now time.Time) func() {
	for _, bs := range states {
		bs.mu.Lock()
		if spec, ok := specs[bs.scopeKey]; ok {
			bs.spec = spec
		}
		bs.rollIfExpired(now)
	}
	return func() {
		for i := len(states) - 1; i >= 0; i-- {
			states[i].mu.Unlock()
		}
	}
}

func (t *Tracker) specIndex(ctx context.Context, rc RunContext) map[string]*policy.BudgetSpec {
	specs := t.policies.MatchingBudgets(ctx, rc.TenantID, rc.StrandID, rc.WorkflowID)
	idx := make(map[string]*policy.BudgetSpec, len(specs))
	for _, spec := range specs {
		idx[ScopeKey(spec, rc)] = spec
	}
	return idx
}

// fetchRemotes reads the persisted state of each budget before any state
// locks are taken, so admission decisions can see fleet totals without
// holding locks across store I/O. Best effort: read failures leave local
// totals in place.
func (t *Tracker) fetchRemotes(ctx context.Context, states []*budgetState) map[string]*store.BudgetStateData {
	if t.persist == nil || !t.persist.Healthy() {
		return nil
	}
	remotes := make(map[string]*store.BudgetStateData, len(states))
	for _, bs := range states {
		remote, err := t.persist.Get(ctx, bs.scopeKey)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				t.logger.Debug("Budget state read failed, using local totals",
					zap.String("scope_key", bs.scopeKey), zap.Error(err))
			}
			continue
		}
		remotes[bs.scopeKey] = remote
	}
	return remotes
}

// syncStates writes the given states through to the persistent store. Called
// after all run and budget locks are released; decisions on these budgets
// proceed while the writes are in flight.
func (t *Tracker) syncStates(ctx context.Context, states []*budgetState, now time.Time) {
	if t.persist == nil || !t.persist.Healthy() {
		return
	}
	for _, bs := range states {
		t.syncState(ctx, bs, now)
	}
}

// syncState reconciles one budget with the persistent store: merge any newer
// remote state (preserving the local delta), then compare-and-set the merged
// totals, retrying up to casAttempts times on conflicts. The state lock is
// held only for the merge and snapshot steps, never across store I/O.
// Exhaustion or backend failure keeps the local totals.
func (t *Tracker) syncState(ctx context.Context, bs *budgetState, now time.Time) {
	bs.syncMu.Lock()
	defer bs.syncMu.Unlock()
	for attempt := 0; attempt < t.casAttempts; attempt++ {
		remote, err := t.persist.Get(ctx, bs.scopeKey)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			t.logger.Debug("Budget state sync skipped, store unavailable",
				zap.String("scope_key", bs.scopeKey), zap.Error(err))
			return
		}

		bs.mu.Lock()
		expected := int64(0)
		if err == nil {
			bs.mergeRemote(remote, now)
			expected = remote.Version
		}
		payload := bs.toStoreData()
		periodEnd := bs.periodEnd
		bs.mu.Unlock()

		err = t.persist.CompareAndSet(ctx, bs.scopeKey, expected, payload, periodEnd)
		if err == nil {
			written := payload.Clone()
			written.Version = expected + 1
			bs.mu.Lock()
			if written.PeriodStart.Equal(bs.periodStart) {
				bs.synced = written
			}
			bs.mu.Unlock()
			return
		}
		if errors.Is(err, store.ErrCASConflict) {
			metrics.StoreCASConflicts.Inc()
			continue
		}
		t.logger.Warn("Budget state write failed, keeping local totals",
			zap.String("scope_key", bs.scopeKey), zap.Error(err))
		return
	}
	metrics.StoreCASExhausted.Inc()
	t.logger.Warn("Budget state sync gave up after repeated conflicts",
		zap.String("scope_key", bs.scopeKey), zap.Int("attempts", t.casAttempts))
}

// evictEnded drops ended runs whose grace window has passed. Caller must not
// hold t.mu.
func (t *Tracker) evictEnded(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, r := range t.runs {
		r.mu.Lock()
		expired := r.status != StatusRunning && now.Sub(r.endedAt) > t.graceWindow
		r.mu.Unlock()
		if expired {
			delete(t.runs, id)
		}
	}
}

func (t *Tracker) run(runID string) (*runState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.runs[runID]
	return r, ok
}

// OpenRun admits (or rejects) a new run against every applicable budget.
// Rejection reasons name the binding budget; warnings surface soft-threshold
// pressure on budgets that still admit. A missing RunID is generated.
func (t *Tracker) OpenRun(ctx context.Context, rc RunContext) AdmissionResult {
	now := t.clock()
	if rc.RunID == "" {
		rc.RunID = uuid.NewString()
	}
	if rc.StartedAt.IsZero() {
		rc.StartedAt = now
	}
	t.evictEnded(now)

	t.mu.Lock()
	if existing, ok := t.runs[rc.RunID]; ok {
		t.mu.Unlock()
		existing.mu.Lock()
		running := existing.status == StatusRunning
		existing.mu.Unlock()
		if running {
			return AdmissionResult{
				Allowed:  true,
				RunID:    rc.RunID,
				Warnings: []string{fmt.Sprintf("run %s already admitted", rc.RunID)},
			}
		}
		return AdmissionResult{
			Allowed: false,
			RunID:   rc.RunID,
			Reason:  fmt.Sprintf("run %s already ended", rc.RunID),
		}
	}
	t.mu.Unlock()

	states := t.statesFor(ctx, rc, now)
	remotes := t.fetchRemotes(ctx, states)
	specs := t.specIndex(ctx, rc)
	unlock := lockStates(states, specs, now)
	for _, bs := range states {
		bs.mergeRemote(remotes[bs.scopeKey], now)
	}

	result := AdmissionResult{Allowed: true, RunID: rc.RunID}
	for _, bs := range states {
		spec := bs.spec
		switch {
		case bs.hardLimitExceeded() && spec.OnHardLimitExceeded == policy.ActionRejectNewRuns:
			result = AdmissionResult{
				Allowed: false,
				RunID:   rc.RunID,
				Reason:  fmt.Sprintf("budget %s hard limit reached (%.1f%% used)", spec.ID, bs.utilization()*100),
			}
		case spec.OnSoftThresholdExceeded == policy.ActionHaltNewRuns && bs.softThresholdReached():
			result = AdmissionResult{
				Allowed: false,
				RunID:   rc.RunID,
				Reason:  fmt.Sprintf("budget %s halted new runs (%.1f%% used)", spec.ID, bs.utilization()*100),
			}
		case spec.MaxRunsPerPeriod > 0 && bs.totalRuns >= int64(spec.MaxRunsPerPeriod):
			result = AdmissionResult{
				Allowed: false,
				RunID:   rc.RunID,
				Reason:  fmt.Sprintf("budget %s run limit reached (%d per %s)", spec.ID, spec.MaxRunsPerPeriod, spec.Period),
			}
		case spec.MaxConcurrentRuns > 0 && len(bs.concurrent) >= spec.MaxConcurrentRuns:
			result = AdmissionResult{
				Allowed: false,
				RunID:   rc.RunID,
				Reason:  fmt.Sprintf("budget %s concurrent run limit reached (%d)", spec.ID, spec.MaxConcurrentRuns),
			}
		}
		if !result.Allowed {
			break
		}
		if bs.softThresholdReached() {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("budget %s past soft threshold (%.1f%% used)", spec.ID, bs.utilization()*100))
		}
		if remaining, ok := bs.remainingCost(); ok {
			if !result.HasRemaining || remaining < result.RemainingCost {
				result.RemainingCost = remaining
				result.HasRemaining = true
			}
		}
	}

	r := newRunState(rc)
	if !result.Allowed {
		unlock()
		// Keep a tombstone so late reports for the rejected run are
		// recognized and dropped instead of hitting ErrContextUnknown.
		r.status = StatusRejected
		r.endedAt = now
		t.mu.Lock()
		t.runs[rc.RunID] = r
		t.mu.Unlock()
		return result
	}

	for _, bs := range states {
		bs.totalRuns++
		bs.addConcurrent(rc.RunID, now)
	}
	unlock()

	t.mu.Lock()
	t.runs[rc.RunID] = r
	t.mu.Unlock()
	t.syncStates(ctx, states, now)
	return result
}

// CloseRun ends a run, releasing its concurrency slots. Idempotent: closing
// an already-ended run returns its snapshot with changed=false and no side
// effects.
func (t *Tracker) CloseRun(ctx context.Context, runID string, status RunStatus) (snap RunSnapshot, changed bool, err error) {
	now := t.clock()
	r, ok := t.run(runID)
	if !ok {
		return RunSnapshot{}, false, ErrContextUnknown
	}
	r.mu.Lock()
	if r.status != StatusRunning {
		snap := r.snapshotLocked()
		r.mu.Unlock()
		return snap, false, nil
	}
	if status == StatusRunning || status == "" {
		status = StatusCompleted
	}
	r.status = status
	r.endedAt = now
	rc := r.ctx
	snap = r.snapshotLocked()
	r.mu.Unlock()

	states := t.statesFor(ctx, rc, now)
	specs := t.specIndex(ctx, rc)
	unlock := lockStates(states, specs, now)
	for _, bs := range states {
		delete(bs.concurrent, runID)
	}
	unlock()
	t.syncStates(ctx, states, now)
	return snap, true, nil
}

// CheckIteration admits the run's next iteration and counts it. Denied when
// a per-run iteration cap is reached or a hard-limit budget with a HALT_RUN
// action is exhausted.
func (t *Tracker) CheckIteration(ctx context.Context, runID string) (CheckResult, error) {
	now := t.clock()
	r, ok := t.run(runID)
	if !ok {
		return CheckResult{}, ErrContextUnknown
	}
	r.mu.Lock()
	if r.status != StatusRunning {
		reason := fmt.Sprintf("run is %s", r.status)
		r.mu.Unlock()
		return CheckResult{Allowed: false, Reason: reason}, nil
	}
	rc := r.ctx
	iterations := r.iterations

	states := t.statesFor(ctx, rc, now)
	specs := t.specIndex(ctx, rc)
	unlock := lockStates(states, specs, now)

	result := CheckResult{Allowed: true}
	for _, bs := range states {
		spec := bs.spec
		if bs.hardLimitExceeded() && spec.OnHardLimitExceeded == policy.ActionHaltRun {
			result = CheckResult{
				Allowed: false,
				Reason:  fmt.Sprintf("budget %s exhausted, run must halt", spec.ID),
			}
			break
		}
		if c := spec.Constraints; c != nil && c.MaxIterations > 0 {
			if iterations >= c.MaxIterations {
				result = CheckResult{
					Allowed:             false,
					Reason:              fmt.Sprintf("budget %s iteration cap reached (%d)", spec.ID, c.MaxIterations),
					RemainingIterations: intPtr(0),
				}
				break
			}
			remaining := c.MaxIterations - iterations - 1
			if result.RemainingIterations == nil || remaining < *result.RemainingIterations {
				result.RemainingIterations = intPtr(remaining)
			}
		}
		if bs.softThresholdReached() {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("budget %s past soft threshold (%.1f%% used)", spec.ID, bs.utilization()*100))
		}
		if remaining, ok := bs.remainingCost(); ok {
			if !result.HasRemaining || remaining < result.RemainingCost {
				result.RemainingCost = remaining
				result.HasRemaining = true
			}
		}
	}

	if !result.Allowed {
		unlock()
		r.mu.Unlock()
		return result, nil
	}

	r.iterations++
	for _, bs := range states {
		bs.totalIterations++
	}
	unlock()
	r.mu.Unlock()
	t.syncStates(ctx, states, now)
	return result, nil
}

// CheckTool admits one tool call without counting it; the call is counted
// when its usage is recorded.
func (t *Tracker) CheckTool(ctx context.Context, runID, tool string) (CheckResult, error) {
	now := t.clock()
	r, ok := t.run(runID)
	if !ok {
		return CheckResult{}, ErrContextUnknown
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusRunning {
		return CheckResult{Allowed: false, Reason: fmt.Sprintf("run is %s", r.status)}, nil
	}
	rc := r.ctx
	toolCalls := r.toolCalls

	states := t.statesFor(ctx, rc, now)
	specs := t.specIndex(ctx, rc)
	unlock := lockStates(states, specs, now)
	defer unlock()

	result := CheckResult{Allowed: true}
	for _, bs := range states {
		spec := bs.spec
		if bs.hardLimitExceeded() && spec.OnHardLimitExceeded == policy.ActionHaltRun {
			return CheckResult{
				Allowed: false,
				Reason:  fmt.Sprintf("budget %s exhausted, run must halt", spec.ID),
			}, nil
		}
		if c := spec.Constraints; c != nil && c.MaxToolCalls > 0 {
			if toolCalls >= c.MaxToolCalls {
				return CheckResult{
					Allowed:            false,
					Reason:             fmt.Sprintf("budget %s tool call cap reached (%d)", spec.ID, c.MaxToolCalls),
					RemainingToolCalls: intPtr(0),
				}, nil
			}
			remaining := c.MaxToolCalls - toolCalls - 1
			if result.RemainingToolCalls == nil || remaining < *result.RemainingToolCalls {
				result.RemainingToolCalls = intPtr(remaining)
			}
		}
		if remaining, ok := bs.remainingCost(); ok {
			if !result.HasRemaining || remaining < result.RemainingCost {
				result.RemainingCost = remaining
				result.HasRemaining = true
			}
		}
	}
	return result, nil
}

// CheckModel gathers the budget signals a model-call decision needs:
// whether any budget wants a downgrade or capability limits, the tightest
// token headroom, remaining cost, and the run's iteration and latency
// history. Denied when a HALT_RUN budget is exhausted or the run has
// consumed a budget's per-run token cap.
func (t *Tracker) CheckModel(ctx context.Context, runID string) (ModelCheckResult, error) {
	now := t.clock()
	r, ok := t.run(runID)
	if !ok {
		return ModelCheckResult{}, ErrContextUnknown
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusRunning {
		return ModelCheckResult{Allowed: false, Reason: fmt.Sprintf("run is %s", r.status)}, nil
	}
	rc := r.ctx
	usedTokens := int(r.inputTokens + r.outputTokens)

	states := t.statesFor(ctx, rc, now)
	specs := t.specIndex(ctx, rc)
	unlock := lockStates(states, specs, now)
	defer unlock()

	result := ModelCheckResult{
		Allowed:        true,
		IterationCount: r.iterations,
		AvgLatencyMs:   r.avgLatencyMs(),
	}
	for _, bs := range states {
		spec := bs.spec
		if bs.hardLimitExceeded() && spec.OnHardLimitExceeded == policy.ActionHaltRun {
			return ModelCheckResult{
				Allowed: false,
				Reason:  fmt.Sprintf("budget %s exhausted, run must halt", spec.ID),
			}, nil
		}
		if bs.softThresholdReached() {
			switch spec.OnSoftThresholdExceeded {
			case policy.ActionDowngradeModel:
				result.SoftThresholdExceeded = true
			case policy.ActionLimitCapabilities:
				result.CapabilitiesLimited = true
				if c := spec.Constraints; c != nil && c.MaxTokens > 0 {
					mergeTokenLimit(&result, c.MaxTokens)
				}
			}
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("budget %s past soft threshold (%.1f%% used)", spec.ID, bs.utilization()*100))
		}
		if c := spec.Constraints; c != nil && c.MaxTokens > 0 {
			if usedTokens >= c.MaxTokens {
				return ModelCheckResult{
					Allowed: false,
					Reason:  fmt.Sprintf("budget %s token cap reached (%d)", spec.ID, c.MaxTokens),
				}, nil
			}
			mergeTokenLimit(&result, c.MaxTokens-usedTokens)
		}
		if remaining, ok := bs.remainingCost(); ok {
			if !result.HasRemaining || remaining < result.RemainingCost {
				result.RemainingCost = remaining
				result.HasRemaining = true
			}
		}
	}
	return result, nil
}

func mergeTokenLimit(result *ModelCheckResult, limit int) {
	if result.MaxTokensRemaining == nil || limit < *result.MaxTokensRemaining {
		result.MaxTokensRemaining = intPtr(limit)
	}
}

// RecordModel accounts one model call against the run and every applicable
// budget, returning the computed cost and any newly crossed thresholds.
// Reports for completed runs are accepted within the grace window; reports
// for halted, rejected, or failed runs are dropped. Duplicate idempotency
// keys are silent no-ops.
func (t *Tracker) RecordModel(ctx context.Context, runID string, u ModelUsage) (RecordResult, error) {
	now := t.clock()
	r, ok := t.run(runID)
	if !ok {
		return RecordResult{Warnings: []string{fmt.Sprintf("unknown run %s, usage dropped", runID)}}, ErrContextUnknown
	}
	r.mu.Lock()
	if drop, warn := t.lateReportLocked(r, now); drop {
		r.mu.Unlock()
		return RecordResult{Warnings: []string{warn}}, nil
	}
	if u.IdempotencyKey != "" {
		if _, dup := r.seen[u.IdempotencyKey]; dup {
			r.mu.Unlock()
			return RecordResult{}, nil
		}
		r.seen[u.IdempotencyKey] = struct{}{}
	}

	table := t.policies.Pricing(ctx)
	cost := table.ModelCost(u.Model, pricing.ModelTokens{
		PromptTokens:     u.PromptTokens,
		CachedTokens:     u.CachedTokens,
		CompletionTokens: u.CompletionTokens,
		ReasoningTokens:  u.ReasoningTokens,
	})
	inTokens := int64(clampInt(u.PromptTokens))
	outTokens := int64(clampInt(u.CompletionTokens) + clampInt(u.ReasoningTokens))

	r.totalCost += cost
	r.inputTokens += inTokens
	r.outputTokens += outTokens
	r.modelCosts[u.Model] += cost
	if u.LatencyMs > 0 {
		r.latencySumMs += u.LatencyMs
		r.latencyCount++
	}
	rc := r.ctx
	r.mu.Unlock()

	states := t.statesFor(ctx, rc, now)
	specs := t.specIndex(ctx, rc)
	unlock := lockStates(states, specs, now)

	result := RecordResult{Cost: cost, Applied: true}
	for _, bs := range states {
		bs.totalCost += cost
		bs.inputTokens += inTokens
		bs.outputTokens += outTokens
		bs.modelCosts[u.Model] += cost
		crossings := bs.detectCrossings()
		for _, c := range crossings {
			metrics.ThresholdCrossings.Inc()
			t.logger.Info("Budget threshold crossed",
				zap.String("budget_id", c.BudgetID),
				zap.String("scope_key", c.ScopeKey),
				zap.Float64("threshold", c.Threshold),
				zap.Float64("utilization", c.Utilization),
				zap.String("action", c.Action))
		}
		result.Crossings = append(result.Crossings, crossings...)
		if bs.hardLimitExceeded() {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("budget %s exhausted (%.1f%% used)", bs.spec.ID, bs.utilization()*100))
		}
	}
	unlock()
	t.syncStates(ctx, states, now)
	return result, nil
}

// RecordTool accounts one tool call against the run and every applicable
// budget. Same late-report and idempotency semantics as RecordModel.
func (t *Tracker) RecordTool(ctx context.Context, runID string, u ToolUsage) (RecordResult, error) {
	now := t.clock()
	r, ok := t.run(runID)
	if !ok {
		return RecordResult{Warnings: []string{fmt.Sprintf("unknown run %s, usage dropped", runID)}}, ErrContextUnknown
	}
	r.mu.Lock()
	if drop, warn := t.lateReportLocked(r, now); drop {
		r.mu.Unlock()
		return RecordResult{Warnings: []string{warn}}, nil
	}
	if u.IdempotencyKey != "" {
		if _, dup := r.seen[u.IdempotencyKey]; dup {
			r.mu.Unlock()
			return RecordResult{}, nil
		}
		r.seen[u.IdempotencyKey] = struct{}{}
	}

	cost := t.policies.Pricing(ctx).ToolCost(u.Tool, u.InputBytes, u.OutputBytes)
	r.totalCost += cost
	r.toolCalls++
	r.toolCosts[u.Tool] += cost
	rc := r.ctx
	r.mu.Unlock()

	states := t.statesFor(ctx, rc, now)
	specs := t.specIndex(ctx, rc)
	unlock := lockStates(states, specs, now)

	result := RecordResult{Cost: cost, Applied: true}
	for _, bs := range states {
		bs.totalCost += cost
		bs.totalToolCalls++
		bs.toolCosts[u.Tool] += cost
		crossings := bs.detectCrossings()
		for range crossings {
			metrics.ThresholdCrossings.Inc()
		}
		result.Crossings = append(result.Crossings, crossings...)
	}
	unlock()
	t.syncStates(ctx, states, now)
	return result, nil
}

// lateReportLocked decides whether a usage report against an ended run is
// dropped. Completed runs accept reports within the grace window; all other
// terminal states drop them.
func (t *Tracker) lateReportLocked(r *runState, now time.Time) (bool, string) {
	switch r.status {
	case StatusRunning:
		return false, ""
	case StatusCompleted:
		if now.Sub(r.endedAt) <= t.graceWindow {
			return false, ""
		}
		return true, fmt.Sprintf("run %s completed %s ago, usage dropped", r.ctx.RunID, now.Sub(r.endedAt).Round(time.Second))
	default:
		return true, fmt.Sprintf("run %s is %s, usage dropped", r.ctx.RunID, r.status)
	}
}

// RunSnapshot returns a copy of one run's accumulated state.
func (t *Tracker) RunSnapshot(runID string) (RunSnapshot, error) {
	r, ok := t.run(runID)
	if !ok {
		return RunSnapshot{}, ErrContextUnknown
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(), nil
}

// BudgetSnapshots returns the current-period state of every tracked budget,
// ordered by scope key.
func (t *Tracker) BudgetSnapshots() []BudgetSnapshot {
	now := t.clock()
	t.mu.Lock()
	states := make([]*budgetState, 0, len(t.budgets))
	for _, bs := range t.budgets {
		states = append(states, bs)
	}
	t.mu.Unlock()
	sort.Slice(states, func(i, j int) bool { return states[i].scopeKey < states[j].scopeKey })

	out := make([]BudgetSnapshot, 0, len(states))
	for _, bs := range states {
		bs.mu.Lock()
		bs.rollIfExpired(now)
		out = append(out, bs.snapshotLocked())
		bs.mu.Unlock()
	}
	return out
}

func intPtr(n int) *int { return &n }

func clampInt(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
