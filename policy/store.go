package policy

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wisemanIV/strand-cost-guard/metrics"
	"github.com/wisemanIV/strand-cost-guard/pricing"
)

// snapshot is one immutable policy generation. Readers hold a pointer to it
// and never observe partial updates.
type snapshot struct {
	budgets []BudgetSpec
	routing []RoutingPolicy
	pricing *pricing.Table
}

// Store caches policy snapshots and resolves applicable policies for a
// (tenant, strand, workflow) context. Reads are lock-free: the active
// snapshot is swapped atomically. The snapshot is reloaded lazily before a
// lookup once refreshInterval has elapsed; a failed reload keeps the prior
// snapshot and logs a warning.
type Store struct {
	source          Source
	refreshInterval time.Duration
	logger          *zap.Logger
	clock           func() time.Time

	snap     atomic.Pointer[snapshot]
	lastLoad atomic.Int64 // unix nanos of last successful or attempted load
	reloadMu sync.Mutex   // single-flight reloads
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithRefreshInterval sets how long a snapshot is served before the source
// is consulted again. Zero disables lazy refresh (explicit Refresh or
// Invalidate only).
func WithRefreshInterval(d time.Duration) StoreOption {
	return func(s *Store) { s.refreshInterval = d }
}

// WithClock injects a time source for tests.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) { s.clock = clock }
}

// NewStore loads the initial snapshot from source. The initial load must
// succeed; later reload failures degrade to the cached snapshot.
func NewStore(source Source, logger *zap.Logger, opts ...StoreOption) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		source:          source,
		refreshInterval: 30 * time.Second,
		logger:          logger,
		clock:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Refresh(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Refresh forces a reload from the source. On failure the previous snapshot
// is retained and the error returned.
func (s *Store) Refresh(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	docs, err := s.source.Load(ctx)
	if err != nil {
		s.lastLoad.Store(s.clock().UnixNano())
		metrics.PolicyReloads.WithLabelValues("error").Inc()
		if s.snap.Load() != nil {
			s.logger.Warn("Policy reload failed, keeping previous snapshot", zap.Error(err))
			return err
		}
		return err
	}

	snap := &snapshot{pricing: docs.Pricing}
	if snap.pricing == nil {
		snap.pricing = pricing.Empty()
	}
	for i := range docs.Budgets {
		b := docs.Budgets[i]
		if err := b.Validate(); err != nil {
			s.lastLoad.Store(s.clock().UnixNano())
			metrics.PolicyReloads.WithLabelValues("invalid").Inc()
			if s.snap.Load() != nil {
				s.logger.Warn("Policy reload invalid, keeping previous snapshot", zap.Error(err))
				return err
			}
			return err
		}
		if !b.Enabled {
			continue
		}
		snap.budgets = append(snap.budgets, b)
	}
	for i := range docs.Routing {
		p := docs.Routing[i]
		if err := p.Validate(); err != nil {
			s.lastLoad.Store(s.clock().UnixNano())
			metrics.PolicyReloads.WithLabelValues("invalid").Inc()
			if s.snap.Load() != nil {
				s.logger.Warn("Policy reload invalid, keeping previous snapshot", zap.Error(err))
				return err
			}
			return err
		}
		snap.routing = append(snap.routing, p)
	}

	s.snap.Store(snap)
	s.lastLoad.Store(s.clock().UnixNano())
	metrics.PolicyReloads.WithLabelValues("ok").Inc()
	metrics.PolicySnapshotBudgets.Set(float64(len(snap.budgets)))
	s.logger.Debug("Policy snapshot refreshed",
		zap.Int("budgets", len(snap.budgets)),
		zap.Int("routing_policies", len(snap.routing)))
	return nil
}

// Invalidate marks the snapshot stale so the next lookup reloads it.
func (s *Store) Invalidate() {
	s.lastLoad.Store(0)
}

func (s *Store) maybeRefresh(ctx context.Context) {
	if s.refreshInterval <= 0 {
		if s.lastLoad.Load() != 0 {
			return
		}
	} else if s.clock().Sub(time.Unix(0, s.lastLoad.Load())) < s.refreshInterval {
		return
	}
	// Best effort; failure keeps the cached snapshot.
	_ = s.Refresh(ctx)
}

func (s *Store) current(ctx context.Context) *snapshot {
	s.maybeRefresh(ctx)
	return s.snap.Load()
}

// MatchingBudgets returns every enabled budget whose patterns match the
// context, ordered by descending priority score (load order within equal
// scores). All returned budgets apply concurrently.
func (s *Store) MatchingBudgets(ctx context.Context, tenantID, strandID, workflowID string) []*BudgetSpec {
	snap := s.current(ctx)
	if snap == nil {
		return nil
	}
	type scored struct {
		spec  *BudgetSpec
		score int
		order int
	}
	var matched []scored
	for i := range snap.budgets {
		b := &snap.budgets[i]
		if b.Matches(tenantID, strandID, workflowID) {
			matched = append(matched, scored{spec: b, score: b.Score(), order: i})
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].score != matched[j].score {
			return matched[i].score > matched[j].score
		}
		return matched[i].order < matched[j].order
	})
	out := make([]*BudgetSpec, len(matched))
	for i, m := range matched {
		out[i] = m.spec
	}
	return out
}

// RoutingFor returns the single highest-scoring routing policy matching the
// context, with ties broken by load order. Nil when none match.
func (s *Store) RoutingFor(ctx context.Context, tenantID, strandID, workflowID string) *RoutingPolicy {
	snap := s.current(ctx)
	if snap == nil {
		return nil
	}
	var best *RoutingPolicy
	bestScore := -1
	for i := range snap.routing {
		p := &snap.routing[i]
		if !p.Matches(tenantID, strandID, workflowID) {
			continue
		}
		if score := p.Score(); score > bestScore {
			best = p
			bestScore = score
		}
	}
	return best
}

// Pricing returns the active pricing table. Never nil.
func (s *Store) Pricing(ctx context.Context) *pricing.Table {
	snap := s.current(ctx)
	if snap == nil {
		return pricing.Empty()
	}
	return snap.pricing
}
