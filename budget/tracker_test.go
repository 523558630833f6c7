package budget

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/wisemanIV/strand-cost-guard/policy"
	"github.com/wisemanIV/strand-cost-guard/pricing"
	"github.com/wisemanIV/strand-cost-guard/store"
)

// premium costs $1 per 1K prompt tokens, so spending N dollars is a single
// call with N*1000 prompt tokens.
const trackerPricingYAML = `
currency: USD
models:
  premium:
    input_per_1k: 1.0
    output_per_1k: 2.0
  economy:
    input_per_1k: 0.1
    output_per_1k: 0.2
tools:
  web_search:
    cost_per_call: 0.05
fallback:
  input_per_1k: 0.5
  output_per_1k: 0.5
`

func testPolicies(t *testing.T, budgets []policy.BudgetSpec) *policy.Store {
	t.Helper()
	var cfg pricing.Config
	if err := yaml.Unmarshal([]byte(trackerPricingYAML), &cfg); err != nil {
		t.Fatalf("parse pricing: %v", err)
	}
	table, err := pricing.NewTable(cfg)
	if err != nil {
		t.Fatalf("pricing table: %v", err)
	}
	ps, err := policy.NewStore(policy.Static(policy.Documents{Budgets: budgets, Pricing: table}), zap.NewNop())
	if err != nil {
		t.Fatalf("policy store: %v", err)
	}
	return ps
}

func tenantBudget(id string) policy.BudgetSpec {
	return policy.BudgetSpec{
		ID:      id,
		Scope:   policy.ScopeTenant,
		Match:   policy.Match{TenantID: "acme"},
		Period:  policy.PeriodDaily,
		Enabled: true,
	}
}

func acmeRun(runID string) RunContext {
	return RunContext{TenantID: "acme", StrandID: "research", WorkflowID: "brief", RunID: runID}
}

// spend records a single premium model call costing the given dollar amount.
func spend(t *testing.T, tr *Tracker, runID string, dollars float64) RecordResult {
	t.Helper()
	res, err := tr.RecordModel(context.Background(), runID, ModelUsage{
		Model:        "premium",
		PromptTokens: int(dollars * 1000),
	})
	if err != nil {
		t.Fatalf("RecordModel: %v", err)
	}
	return res
}

func TestTracker_OpenAndCloseRun(t *testing.T) {
	b := tenantBudget("daily")
	b.MaxCost = 100
	tr := NewTracker(testPolicies(t, []policy.BudgetSpec{b}), zap.NewNop())
	ctx := context.Background()

	adm := tr.OpenRun(ctx, acmeRun("run-1"))
	if !adm.Allowed {
		t.Fatalf("admission denied: %s", adm.Reason)
	}
	if !adm.HasRemaining || adm.RemainingCost != 100 {
		t.Fatalf("remaining = %v/%v, want 100", adm.RemainingCost, adm.HasRemaining)
	}

	snaps := tr.BudgetSnapshots()
	if len(snaps) != 1 || snaps[0].TotalRuns != 1 || snaps[0].ConcurrentRuns != 1 {
		t.Fatalf("unexpected budget snapshots: %+v", snaps)
	}

	spend(t, tr, "run-1", 3)
	snap, changed, err := tr.CloseRun(ctx, "run-1", StatusCompleted)
	if err != nil || !changed {
		t.Fatalf("CloseRun: changed=%v, %v", changed, err)
	}
	if snap.Status != StatusCompleted || snap.TotalCost != 3 {
		t.Fatalf("run snapshot = %+v", snap)
	}

	// Closing again is a no-op that returns the same snapshot.
	again, changed, err := tr.CloseRun(ctx, "run-1", StatusFailed)
	if err != nil || changed || again.Status != StatusCompleted {
		t.Fatalf("second close = %+v, changed=%v, %v", again, changed, err)
	}

	snaps = tr.BudgetSnapshots()
	if snaps[0].ConcurrentRuns != 0 || snaps[0].TotalCost != 3 {
		t.Fatalf("post-close snapshots: %+v", snaps)
	}
}

func TestTracker_RejectsAtHardLimit(t *testing.T) {
	b := tenantBudget("daily")
	b.MaxCost = 10
	b.HardLimit = true
	b.OnHardLimitExceeded = policy.ActionRejectNewRuns
	tr := NewTracker(testPolicies(t, []policy.BudgetSpec{b}), zap.NewNop())
	ctx := context.Background()

	if adm := tr.OpenRun(ctx, acmeRun("run-1")); !adm.Allowed {
		t.Fatalf("first run denied: %s", adm.Reason)
	}
	spend(t, tr, "run-1", 10)

	adm := tr.OpenRun(ctx, acmeRun("run-2"))
	if adm.Allowed {
		t.Fatal("expected rejection at hard limit")
	}
	if !strings.Contains(adm.Reason, "daily") {
		t.Fatalf("reason should name the budget: %q", adm.Reason)
	}
	// The running run is not halted by REJECT_NEW_RUNS.
	if res := spend(t, tr, "run-1", 1); !res.Applied {
		t.Fatal("existing run should keep recording")
	}
}

func TestTracker_HaltNewRunsOnSoftThreshold(t *testing.T) {
	b := tenantBudget("daily")
	b.MaxCost = 10
	b.SoftThresholds = []float64{0.5}
	b.OnSoftThresholdExceeded = policy.ActionHaltNewRuns
	tr := NewTracker(testPolicies(t, []policy.BudgetSpec{b}), zap.NewNop())
	ctx := context.Background()

	tr.OpenRun(ctx, acmeRun("run-1"))
	res := spend(t, tr, "run-1", 5)
	if len(res.Crossings) != 1 || res.Crossings[0].Threshold != 0.5 {
		t.Fatalf("crossings = %+v", res.Crossings)
	}

	if adm := tr.OpenRun(ctx, acmeRun("run-2")); adm.Allowed {
		t.Fatal("expected new runs halted past soft threshold")
	}
}

func TestTracker_ConcurrencyCap(t *testing.T) {
	b := tenantBudget("daily")
	b.MaxConcurrentRuns = 2
	tr := NewTracker(testPolicies(t, []policy.BudgetSpec{b}), zap.NewNop())

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for _, id := range []string{"run-1", "run-2", "run-3"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if adm := tr.OpenRun(context.Background(), acmeRun(id)); adm.Allowed {
				admitted.Add(1)
			}
		}(id)
	}
	wg.Wait()
	if admitted.Load() != 2 {
		t.Fatalf("admitted = %d, want exactly 2", admitted.Load())
	}
}

func TestTracker_CrossingFiresOncePerPeriod(t *testing.T) {
	b := tenantBudget("daily")
	b.MaxCost = 10
	b.SoftThresholds = []float64{0.5, 0.9}
	tr := NewTracker(testPolicies(t, []policy.BudgetSpec{b}), zap.NewNop())
	ctx := context.Background()

	tr.OpenRun(ctx, acmeRun("run-1"))
	if res := spend(t, tr, "run-1", 6); len(res.Crossings) != 1 || res.Crossings[0].Threshold != 0.5 {
		t.Fatalf("first record crossings = %+v", res.Crossings)
	}
	// Still between 0.5 and 0.9: nothing new fires.
	if res := spend(t, tr, "run-1", 1); len(res.Crossings) != 0 {
		t.Fatalf("repeat crossings = %+v", res.Crossings)
	}
	if res := spend(t, tr, "run-1", 2.5); len(res.Crossings) != 1 || res.Crossings[0].Threshold != 0.9 {
		t.Fatalf("second threshold crossings = %+v", res.Crossings)
	}

	snaps := tr.BudgetSnapshots()
	if len(snaps[0].ThresholdsCrossed) != 2 {
		t.Fatalf("thresholds crossed = %v", snaps[0].ThresholdsCrossed)
	}
}

func TestTracker_PeriodRollover(t *testing.T) {
	now := time.Date(2027, 1, 6, 10, 30, 0, 0, time.UTC)
	b := tenantBudget("hourly")
	b.Period = policy.PeriodHourly
	b.MaxCost = 10
	b.SoftThresholds = []float64{0.5}
	tr := NewTracker(testPolicies(t, []policy.BudgetSpec{b}), zap.NewNop(),
		WithTrackerClock(func() time.Time { return now }))
	ctx := context.Background()

	tr.OpenRun(ctx, acmeRun("run-1"))
	if res := spend(t, tr, "run-1", 6); len(res.Crossings) != 1 {
		t.Fatalf("crossings = %+v", res.Crossings)
	}

	// At exactly period_end the counters reset and crossings re-arm.
	now = time.Date(2027, 1, 6, 11, 0, 0, 0, time.UTC)
	snaps := tr.BudgetSnapshots()
	if snaps[0].TotalCost != 0 || len(snaps[0].ThresholdsCrossed) != 0 {
		t.Fatalf("snapshot after rollover: %+v", snaps[0])
	}
	if res := spend(t, tr, "run-1", 6); len(res.Crossings) != 1 {
		t.Fatalf("crossings after rollover = %+v", res.Crossings)
	}
}

func TestTracker_AllMatchingBudgetsAccumulate(t *testing.T) {
	global := policy.BudgetSpec{
		ID:      "global",
		Scope:   policy.ScopeGlobal,
		Period:  policy.PeriodDaily,
		MaxCost: 1000,
		Enabled: true,
	}
	tenant := tenantBudget("acme-daily")
	tenant.MaxCost = 20
	tr := NewTracker(testPolicies(t, []policy.BudgetSpec{global, tenant}), zap.NewNop())
	ctx := context.Background()

	adm := tr.OpenRun(ctx, acmeRun("run-1"))
	if !adm.Allowed || adm.RemainingCost != 20 {
		t.Fatalf("admission = %+v, want tightest remaining 20", adm)
	}
	spend(t, tr, "run-1", 5)

	snaps := tr.BudgetSnapshots()
	if len(snaps) != 2 {
		t.Fatalf("snapshots = %+v", snaps)
	}
	for _, snap := range snaps {
		if snap.TotalCost != 5 {
			t.Fatalf("budget %s total = %v, want 5", snap.BudgetID, snap.TotalCost)
		}
	}
}

func TestTracker_IdempotentRecording(t *testing.T) {
	b := tenantBudget("daily")
	b.MaxCost = 100
	tr := NewTracker(testPolicies(t, []policy.BudgetSpec{b}), zap.NewNop())
	ctx := context.Background()

	tr.OpenRun(ctx, acmeRun("run-1"))
	usage := ModelUsage{Model: "premium", PromptTokens: 2000, IdempotencyKey: "call-1"}

	first, err := tr.RecordModel(ctx, "run-1", usage)
	if err != nil || !first.Applied || first.Cost != 2 {
		t.Fatalf("first record = %+v, %v", first, err)
	}
	second, err := tr.RecordModel(ctx, "run-1", usage)
	if err != nil || second.Applied || second.Cost != 0 {
		t.Fatalf("replay should be a no-op: %+v, %v", second, err)
	}

	snaps := tr.BudgetSnapshots()
	if snaps[0].TotalCost != 2 {
		t.Fatalf("total = %v, want 2", snaps[0].TotalCost)
	}
}

func TestTracker_LateAndUnknownReports(t *testing.T) {
	now := time.Date(2027, 1, 6, 10, 0, 0, 0, time.UTC)
	b := tenantBudget("daily")
	b.MaxCost = 100
	tr := NewTracker(testPolicies(t, []policy.BudgetSpec{b}), zap.NewNop(),
		WithTrackerClock(func() time.Time { return now }),
		WithGraceWindow(time.Minute))
	ctx := context.Background()

	if _, err := tr.RecordModel(ctx, "ghost", ModelUsage{Model: "premium", PromptTokens: 1000}); !errors.Is(err, ErrContextUnknown) {
		t.Fatalf("expected ErrContextUnknown, got %v", err)
	}

	tr.OpenRun(ctx, acmeRun("run-1"))
	tr.CloseRun(ctx, "run-1", StatusCompleted)

	// Within the grace window a completed run still accounts usage.
	now = now.Add(30 * time.Second)
	if res := spend(t, tr, "run-1", 1); !res.Applied {
		t.Fatalf("in-grace record dropped: %+v", res)
	}
	// Past it the report is dropped with a warning.
	now = now.Add(2 * time.Minute)
	res, err := tr.RecordModel(ctx, "run-1", ModelUsage{Model: "premium", PromptTokens: 1000})
	if err != nil || res.Applied || len(res.Warnings) == 0 {
		t.Fatalf("late record = %+v, %v", res, err)
	}

	// Halted runs never account late usage.
	tr.OpenRun(ctx, acmeRun("run-2"))
	tr.CloseRun(ctx, "run-2", StatusHalted)
	res, err = tr.RecordModel(ctx, "run-2", ModelUsage{Model: "premium", PromptTokens: 1000})
	if err != nil || res.Applied {
		t.Fatalf("halted-run record = %+v, %v", res, err)
	}
}

func TestTracker_IterationCap(t *testing.T) {
	b := tenantBudget("daily")
	b.Constraints = &policy.Constraints{MaxIterations: 2}
	tr := NewTracker(testPolicies(t, []policy.BudgetSpec{b}), zap.NewNop())
	ctx := context.Background()

	tr.OpenRun(ctx, acmeRun("run-1"))

	res, err := tr.CheckIteration(ctx, "run-1")
	if err != nil || !res.Allowed || res.RemainingIterations == nil || *res.RemainingIterations != 1 {
		t.Fatalf("first check = %+v, %v", res, err)
	}
	res, _ = tr.CheckIteration(ctx, "run-1")
	if !res.Allowed || *res.RemainingIterations != 0 {
		t.Fatalf("second check = %+v", res)
	}
	res, _ = tr.CheckIteration(ctx, "run-1")
	if res.Allowed {
		t.Fatal("third iteration should be denied")
	}
}

func TestTracker_ToolCap(t *testing.T) {
	b := tenantBudget("daily")
	b.Constraints = &policy.Constraints{MaxToolCalls: 1}
	tr := NewTracker(testPolicies(t, []policy.BudgetSpec{b}), zap.NewNop())
	ctx := context.Background()

	tr.OpenRun(ctx, acmeRun("run-1"))
	if res, err := tr.CheckTool(ctx, "run-1", "web_search"); err != nil || !res.Allowed {
		t.Fatalf("first tool check = %+v, %v", res, err)
	}
	rec, err := tr.RecordTool(ctx, "run-1", ToolUsage{Tool: "web_search"})
	if err != nil || !rec.Applied || rec.Cost != 0.05 {
		t.Fatalf("tool record = %+v, %v", rec, err)
	}
	if res, _ := tr.CheckTool(ctx, "run-1", "web_search"); res.Allowed {
		t.Fatal("second tool call should be denied")
	}
}

func TestTracker_HardLimitHaltsRunMidFlight(t *testing.T) {
	b := tenantBudget("daily")
	b.MaxCost = 10
	b.HardLimit = true
	b.OnHardLimitExceeded = policy.ActionHaltRun
	tr := NewTracker(testPolicies(t, []policy.BudgetSpec{b}), zap.NewNop())
	ctx := context.Background()

	tr.OpenRun(ctx, acmeRun("run-1"))
	res := spend(t, tr, "run-1", 11)
	if len(res.Warnings) == 0 {
		t.Fatalf("expected exhaustion warning, got %+v", res)
	}

	check, err := tr.CheckIteration(ctx, "run-1")
	if err != nil || check.Allowed {
		t.Fatalf("iteration past hard limit = %+v, %v", check, err)
	}
	mc, err := tr.CheckModel(ctx, "run-1")
	if err != nil || mc.Allowed {
		t.Fatalf("model check past hard limit = %+v, %v", mc, err)
	}
}

func TestTracker_ModelCheckSignals(t *testing.T) {
	downgrade := tenantBudget("downgrade")
	downgrade.MaxCost = 10
	downgrade.SoftThresholds = []float64{0.5}
	downgrade.OnSoftThresholdExceeded = policy.ActionDowngradeModel

	limited := tenantBudget("limited")
	limited.MaxCost = 100
	limited.SoftThresholds = []float64{0.05}
	limited.OnSoftThresholdExceeded = policy.ActionLimitCapabilities
	limited.Constraints = &policy.Constraints{MaxTokens: 40000}

	tr := NewTracker(testPolicies(t, []policy.BudgetSpec{downgrade, limited}), zap.NewNop())
	ctx := context.Background()

	tr.OpenRun(ctx, acmeRun("run-1"))

	mc, err := tr.CheckModel(ctx, "run-1")
	if err != nil || !mc.Allowed || mc.SoftThresholdExceeded {
		t.Fatalf("fresh run signals = %+v, %v", mc, err)
	}

	spend(t, tr, "run-1", 6)
	mc, err = tr.CheckModel(ctx, "run-1")
	if err != nil || !mc.Allowed {
		t.Fatalf("CheckModel: %+v, %v", mc, err)
	}
	if !mc.SoftThresholdExceeded {
		t.Fatal("expected downgrade signal past soft threshold")
	}
	if !mc.CapabilitiesLimited {
		t.Fatal("expected capability limit signal past soft threshold")
	}
	if mc.MaxTokensRemaining == nil || *mc.MaxTokensRemaining != 34000 {
		t.Fatalf("token headroom = %v, want 34000 after 6000 tokens", mc.MaxTokensRemaining)
	}
	if !mc.HasRemaining || mc.RemainingCost != 4 {
		t.Fatalf("remaining = %v/%v, want 4 from tightest budget", mc.RemainingCost, mc.HasRemaining)
	}
}

func TestTracker_PersistenceSharesTotals(t *testing.T) {
	now := time.Date(2027, 1, 6, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	shared := store.NewMemoryStore().WithClock(clock)

	b := tenantBudget("daily")
	b.MaxCost = 10
	b.HardLimit = true
	b.OnHardLimitExceeded = policy.ActionRejectNewRuns

	trA := NewTracker(testPolicies(t, []policy.BudgetSpec{b}), zap.NewNop(),
		WithPersistence(shared), WithTrackerClock(clock))
	trB := NewTracker(testPolicies(t, []policy.BudgetSpec{b}), zap.NewNop(),
		WithPersistence(shared), WithTrackerClock(clock))
	ctx := context.Background()

	trA.OpenRun(ctx, acmeRun("run-a"))
	spend(t, trA, "run-a", 10)

	// Instance B has no local spend but must see the fleet total.
	if adm := trB.OpenRun(ctx, acmeRun("run-b")); adm.Allowed {
		t.Fatal("expected rejection from shared totals")
	}

	data, err := shared.Get(ctx, "tenant:acme:daily")
	if err != nil {
		t.Fatalf("shared state missing: %v", err)
	}
	if data.TotalCost != 10 || data.TotalRuns != 1 {
		t.Fatalf("shared state = %+v", data)
	}
}

func TestTracker_PersistenceMergesConcurrentWriters(t *testing.T) {
	now := time.Date(2027, 1, 6, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	shared := store.NewMemoryStore().WithClock(clock)

	b := tenantBudget("daily")
	b.MaxCost = 100

	trA := NewTracker(testPolicies(t, []policy.BudgetSpec{b}), zap.NewNop(),
		WithPersistence(shared), WithTrackerClock(clock))
	trB := NewTracker(testPolicies(t, []policy.BudgetSpec{b}), zap.NewNop(),
		WithPersistence(shared), WithTrackerClock(clock))
	ctx := context.Background()

	trA.OpenRun(ctx, acmeRun("run-a"))
	trB.OpenRun(ctx, acmeRun("run-b"))
	spend(t, trA, "run-a", 3)
	spend(t, trB, "run-b", 4)

	data, err := shared.Get(ctx, "tenant:acme:daily")
	if err != nil {
		t.Fatalf("shared state missing: %v", err)
	}
	if data.TotalCost != 7 {
		t.Fatalf("merged total = %v, want 7", data.TotalCost)
	}
	if data.TotalRuns != 2 || len(data.ConcurrentRunIDs) != 2 {
		t.Fatalf("merged state = %+v", data)
	}
}

// stallingStore parks every write until released, so tests can observe
// tracker behavior while a sync is in flight.
type stallingStore struct {
	release chan struct{}
}

func newStallingStore() *stallingStore {
	return &stallingStore{release: make(chan struct{})}
}

func (s *stallingStore) Get(context.Context, string) (*store.BudgetStateData, error) {
	return nil, store.ErrNotFound
}

func (s *stallingStore) CompareAndSet(context.Context, string, int64, *store.BudgetStateData, time.Time) error {
	<-s.release
	return nil
}

func (s *stallingStore) SetWithTTL(context.Context, string, *store.BudgetStateData, time.Time) error {
	return nil
}

func (s *stallingStore) ListKeys(context.Context, string) ([]string, error) { return nil, nil }
func (s *stallingStore) Healthy() bool                                      { return true }
func (s *stallingStore) Close() error                                       { return nil }

func TestTracker_DecisionsProceedDuringSlowSync(t *testing.T) {
	b := tenantBudget("daily")
	b.MaxCost = 100
	slow := newStallingStore()
	tr := NewTracker(testPolicies(t, []policy.BudgetSpec{b}), zap.NewNop(), WithPersistence(slow))
	ctx := context.Background()

	opened := make(chan AdmissionResult, 1)
	go func() { opened <- tr.OpenRun(ctx, acmeRun("run-1")) }()

	// The run is registered before its state is written through.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := tr.RunSnapshot("run-1"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run never registered while sync in flight")
		}
		time.Sleep(time.Millisecond)
	}

	// Checks against the same budget must not wait for the store write.
	done := make(chan struct{})
	go func() {
		defer close(done)
		if mc, err := tr.CheckModel(ctx, "run-1"); err != nil || !mc.Allowed {
			t.Errorf("check during sync = %+v, %v", mc, err)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("model check blocked behind an in-flight store write")
	}

	close(slow.release)
	if adm := <-opened; !adm.Allowed {
		t.Fatalf("admission = %+v", adm)
	}
}

func TestTracker_TokenCapHaltsModelCalls(t *testing.T) {
	b := tenantBudget("daily")
	b.Constraints = &policy.Constraints{MaxTokens: 1000}
	tr := NewTracker(testPolicies(t, []policy.BudgetSpec{b}), zap.NewNop())
	ctx := context.Background()

	tr.OpenRun(ctx, acmeRun("run-1"))

	mc, err := tr.CheckModel(ctx, "run-1")
	if err != nil || !mc.Allowed {
		t.Fatalf("fresh check = %+v, %v", mc, err)
	}
	if mc.MaxTokensRemaining == nil || *mc.MaxTokensRemaining != 1000 {
		t.Fatalf("headroom = %v, want 1000", mc.MaxTokensRemaining)
	}
	if mc.CapabilitiesLimited {
		t.Fatal("plain token constraint should not flag limited capabilities")
	}

	// 600 of the 1000 tokens consumed: headroom shrinks, still allowed.
	spend(t, tr, "run-1", 0.6)
	mc, _ = tr.CheckModel(ctx, "run-1")
	if !mc.Allowed || mc.MaxTokensRemaining == nil || *mc.MaxTokensRemaining != 400 {
		t.Fatalf("mid-cap check = %+v", mc)
	}

	// A 5000-token call blows through the cap; the next call is denied.
	spend(t, tr, "run-1", 5)
	mc, err = tr.CheckModel(ctx, "run-1")
	if err != nil || mc.Allowed {
		t.Fatalf("post-cap check = %+v, %v", mc, err)
	}
	if !strings.Contains(mc.Reason, "token cap") {
		t.Fatalf("reason = %q, want mention of token cap", mc.Reason)
	}
}

func TestTracker_RejectedRunTombstone(t *testing.T) {
	b := tenantBudget("daily")
	b.MaxRunsPerPeriod = 1
	tr := NewTracker(testPolicies(t, []policy.BudgetSpec{b}), zap.NewNop())
	ctx := context.Background()

	tr.OpenRun(ctx, acmeRun("run-1"))
	if adm := tr.OpenRun(ctx, acmeRun("run-2")); adm.Allowed {
		t.Fatal("expected run-limit rejection")
	}

	// Usage reported against the rejected run is recognized and dropped,
	// not treated as an unknown context.
	res, err := tr.RecordModel(ctx, "run-2", ModelUsage{Model: "premium", PromptTokens: 1000})
	if err != nil || res.Applied {
		t.Fatalf("rejected-run record = %+v, %v", res, err)
	}
	snaps := tr.BudgetSnapshots()
	if snaps[0].TotalCost != 0 {
		t.Fatalf("rejected run accounted cost: %+v", snaps[0])
	}
}
