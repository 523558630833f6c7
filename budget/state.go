package budget

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wisemanIV/strand-cost-guard/policy"
	"github.com/wisemanIV/strand-cost-guard/store"
)

// runState is the mutable accounting record of one run, protected by its own
// mutex.
type runState struct {
	mu sync.Mutex

	ctx    RunContext
	status RunStatus

	iterations   int
	totalCost    float64
	inputTokens  int64
	outputTokens int64
	toolCalls    int
	modelCosts   map[string]float64
	toolCosts    map[string]float64

	latencySumMs float64
	latencyCount int

	// seen holds idempotency keys of usage reports already applied to this
	// run. Evicted with the run.
	seen map[string]struct{}

	endedAt time.Time
}

func newRunState(ctx RunContext) *runState {
	return &runState{
		ctx:        ctx,
		status:     StatusRunning,
		modelCosts: make(map[string]float64),
		toolCosts:  make(map[string]float64),
		seen:       make(map[string]struct{}),
	}
}

func (r *runState) avgLatencyMs() float64 {
	if r.latencyCount == 0 {
		return 0
	}
	return r.latencySumMs / float64(r.latencyCount)
}

func (r *runState) snapshotLocked() RunSnapshot {
	snap := RunSnapshot{
		Context:      r.ctx,
		Status:       r.status,
		Iterations:   r.iterations,
		TotalCost:    r.totalCost,
		InputTokens:  r.inputTokens,
		OutputTokens: r.outputTokens,
		ToolCalls:    r.toolCalls,
		ModelCosts:   make(map[string]float64, len(r.modelCosts)),
		ToolCosts:    make(map[string]float64, len(r.toolCosts)),
		EndedAt:      r.endedAt,
	}
	for k, v := range r.modelCosts {
		snap.ModelCosts[k] = v
	}
	for k, v := range r.toolCosts {
		snap.ToolCosts[k] = v
	}
	return snap
}

// budgetState is the mutable accumulator for one (budget, scope key) pair
// and its current period window, protected by its own mutex. When multiple
// budget states are mutated by a single operation, locks are taken in
// ascending scope-key order.
type budgetState struct {
	mu sync.Mutex

	spec     *policy.BudgetSpec
	scopeKey string

	periodStart time.Time
	periodEnd   time.Time

	totalCost       float64
	totalRuns       int64
	inputTokens     int64
	outputTokens    int64
	totalIterations int64
	totalToolCalls  int64
	modelCosts      map[string]float64
	toolCosts       map[string]float64

	// concurrent maps run_id to admission time. Admission time orders
	// eviction when a host never reports run end.
	concurrent map[string]time.Time

	crossed map[float64]bool

	// syncMu serializes persistence syncs for this budget. It is never
	// held together with mu across store I/O: syncs take mu only for the
	// brief merge and snapshot steps.
	syncMu sync.Mutex

	// synced is the last state agreed with the persistent store. Local
	// totals minus this base are the deltas not yet written through; nil
	// until the first successful read or write.
	synced *store.BudgetStateData
}

func newBudgetState(spec *policy.BudgetSpec, scopeKey string, now time.Time) *budgetState {
	start, end := Window(spec.Period, now)
	return &budgetState{
		spec:        spec,
		scopeKey:    scopeKey,
		periodStart: start,
		periodEnd:   end,
		modelCosts:  make(map[string]float64),
		toolCosts:   make(map[string]float64),
		concurrent:  make(map[string]time.Time),
		crossed:     make(map[float64]bool),
	}
}

// rollIfExpired resets all counters and opens a new window once now has
// reached period_end. The concurrent-run set survives the reset: runs span
// periods. Caller holds the lock.
func (bs *budgetState) rollIfExpired(now time.Time) {
	if now.Before(bs.periodEnd) {
		return
	}
	start, end := Window(bs.spec.Period, now)
	bs.periodStart = start
	bs.periodEnd = end
	bs.totalCost = 0
	bs.totalRuns = 0
	bs.inputTokens = 0
	bs.outputTokens = 0
	bs.totalIterations = 0
	bs.totalToolCalls = 0
	bs.modelCosts = make(map[string]float64)
	bs.toolCosts = make(map[string]float64)
	bs.crossed = make(map[float64]bool)
	bs.synced = nil
}

// utilization is total_cost / max_cost, or 0 when the budget has no cost
// ceiling. Caller holds the lock.
func (bs *budgetState) utilization() float64 {
	if bs.spec.MaxCost <= 0 {
		return 0
	}
	return bs.totalCost / bs.spec.MaxCost
}

// hardLimitExceeded reports utilization >= 1.0 on a hard-limit budget.
// Caller holds the lock.
func (bs *budgetState) hardLimitExceeded() bool {
	return bs.spec.HardLimit && bs.spec.MaxCost > 0 && bs.utilization() >= 1.0
}

// softThresholdReached reports whether any configured soft threshold is at
// or below the current utilization. Caller holds the lock.
func (bs *budgetState) softThresholdReached() bool {
	u := bs.utilization()
	for _, t := range bs.spec.SoftThresholds {
		if t <= u {
			return true
		}
	}
	return false
}

// detectCrossings records every soft threshold newly at or below the current
// utilization and returns the crossing events. Monotone within a period:
// a threshold never uncrosses. Caller holds the lock.
func (bs *budgetState) detectCrossings() []Crossing {
	if bs.spec.MaxCost <= 0 {
		return nil
	}
	u := bs.utilization()
	var out []Crossing
	for _, t := range bs.spec.SoftThresholds {
		if t <= u && !bs.crossed[t] {
			bs.crossed[t] = true
			out = append(out, Crossing{
				BudgetID:    bs.spec.ID,
				ScopeKey:    bs.scopeKey,
				Threshold:   t,
				Utilization: u,
				Action:      string(bs.spec.OnSoftThresholdExceeded),
			})
		}
	}
	return out
}

// addConcurrent inserts a run into the concurrency set, evicting the oldest
// entries beyond 2 × max_concurrent_runs for hosts that never report run
// end. Caller holds the lock.
func (bs *budgetState) addConcurrent(runID string, now time.Time) {
	bs.concurrent[runID] = now
	if bs.spec.MaxConcurrentRuns <= 0 {
		return
	}
	bound := bs.spec.MaxConcurrentRuns * 2
	for len(bs.concurrent) > bound {
		oldestID := ""
		var oldestAt time.Time
		for id, at := range bs.concurrent {
			if oldestID == "" || at.Before(oldestAt) {
				oldestID, oldestAt = id, at
			}
		}
		delete(bs.concurrent, oldestID)
	}
}

func (bs *budgetState) remainingCost() (float64, bool) {
	if bs.spec.MaxCost <= 0 {
		return 0, false
	}
	return bs.spec.MaxCost - bs.totalCost, true
}

// toStoreData snapshots the state into its wire form. Caller holds the lock.
func (bs *budgetState) toStoreData() *store.BudgetStateData {
	data := &store.BudgetStateData{
		BudgetID:          bs.spec.ID,
		ScopeKey:          bs.scopeKey,
		PeriodStart:       bs.periodStart,
		PeriodEnd:         bs.periodEnd,
		TotalCost:         bs.totalCost,
		TotalRuns:         bs.totalRuns,
		TotalInputTokens:  bs.inputTokens,
		TotalOutputTokens: bs.outputTokens,
		TotalIterations:   bs.totalIterations,
		TotalToolCalls:    bs.totalToolCalls,
		ModelCosts:        make(map[string]float64, len(bs.modelCosts)),
		ToolCosts:         make(map[string]float64, len(bs.toolCosts)),
		Version:           bs.syncedVersion(),
	}
	for k, v := range bs.modelCosts {
		data.ModelCosts[k] = v
	}
	for k, v := range bs.toolCosts {
		data.ToolCosts[k] = v
	}
	ids := make([]string, 0, len(bs.concurrent))
	for id := range bs.concurrent {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	data.ConcurrentRunIDs = ids
	return data
}

// syncedVersion is the persistent-store version the local totals are based
// on; zero until the first successful sync. Caller holds the lock.
func (bs *budgetState) syncedVersion() int64 {
	if bs.synced == nil {
		return 0
	}
	return bs.synced.Version
}

// mergeRemote folds state read from the persistent store into the local
// totals. The local contribution since the last sync (totals minus the
// synced base) is preserved on top of the remote counters, and the
// concurrent-run set is merged three-way against the same base, so deltas
// applied while a sync was in flight are never lost. The crossed set stays
// local so crossings fire at least once per instance. Caller holds the lock.
func (bs *budgetState) mergeRemote(remote *store.BudgetStateData, now time.Time) {
	if remote == nil || !remote.PeriodStart.Equal(bs.periodStart) || remote.Version <= bs.syncedVersion() {
		return
	}
	var base store.BudgetStateData
	if bs.synced != nil {
		base = *bs.synced
	}
	bs.totalCost = remote.TotalCost + (bs.totalCost - base.TotalCost)
	bs.totalRuns = remote.TotalRuns + (bs.totalRuns - base.TotalRuns)
	bs.inputTokens = remote.TotalInputTokens + (bs.inputTokens - base.TotalInputTokens)
	bs.outputTokens = remote.TotalOutputTokens + (bs.outputTokens - base.TotalOutputTokens)
	bs.totalIterations = remote.TotalIterations + (bs.totalIterations - base.TotalIterations)
	bs.totalToolCalls = remote.TotalToolCalls + (bs.totalToolCalls - base.TotalToolCalls)
	bs.modelCosts = mergeCostMap(remote.ModelCosts, bs.modelCosts, base.ModelCosts)
	bs.toolCosts = mergeCostMap(remote.ToolCosts, bs.toolCosts, base.ToolCosts)

	baseSet := make(map[string]struct{}, len(base.ConcurrentRunIDs))
	for _, id := range base.ConcurrentRunIDs {
		baseSet[id] = struct{}{}
	}
	remoteSet := make(map[string]struct{}, len(remote.ConcurrentRunIDs))
	for _, id := range remote.ConcurrentRunIDs {
		remoteSet[id] = struct{}{}
	}
	merged := make(map[string]time.Time, len(remoteSet))
	for id, at := range bs.concurrent {
		_, inBase := baseSet[id]
		_, inRemote := remoteSet[id]
		if inBase && !inRemote {
			// Closed by another instance.
			continue
		}
		merged[id] = at
	}
	for id := range remoteSet {
		if _, ok := merged[id]; ok {
			continue
		}
		if _, inBase := baseSet[id]; inBase {
			// Closed locally since the last sync.
			continue
		}
		merged[id] = now
	}
	bs.concurrent = merged
	bs.synced = remote.Clone()
}

// mergeCostMap returns remote plus the local delta over base, per key.
func mergeCostMap(remote, local, base map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(remote)+len(local))
	for k, v := range remote {
		out[k] = v
	}
	for k, v := range local {
		if delta := v - base[k]; delta != 0 {
			out[k] += delta
		}
	}
	return out
}

func (bs *budgetState) snapshotLocked() BudgetSnapshot {
	crossed := make([]float64, 0, len(bs.crossed))
	for t := range bs.crossed {
		crossed = append(crossed, t)
	}
	sort.Float64s(crossed)
	return BudgetSnapshot{
		BudgetID:          bs.spec.ID,
		ScopeKey:          bs.scopeKey,
		PeriodStart:       bs.periodStart,
		PeriodEnd:         bs.periodEnd,
		MaxCost:           bs.spec.MaxCost,
		TotalCost:         bs.totalCost,
		Utilization:       bs.utilization(),
		TotalRuns:         bs.totalRuns,
		ConcurrentRuns:    len(bs.concurrent),
		ThresholdsCrossed: crossed,
	}
}

// ScopeKey encodes the concrete identifiers a budget state is tracked
// under: {scope}:{tenant}:{strand}:{workflow}:{budget_id}, with levels below
// the budget's scope omitted.
func ScopeKey(spec *policy.BudgetSpec, ctx RunContext) string {
	switch spec.Scope {
	case policy.ScopeTenant:
		return fmt.Sprintf("tenant:%s:%s", ctx.TenantID, spec.ID)
	case policy.ScopeStrand:
		return fmt.Sprintf("strand:%s:%s:%s", ctx.TenantID, ctx.StrandID, spec.ID)
	case policy.ScopeWorkflow:
		return fmt.Sprintf("workflow:%s:%s:%s:%s", ctx.TenantID, ctx.StrandID, ctx.WorkflowID, spec.ID)
	default:
		return fmt.Sprintf("global:%s", spec.ID)
	}
}
