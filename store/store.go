// Package store defines the persistent budget-state contract shared by
// process instances that account against the same budgets, plus a Redis
// implementation with optimistic concurrency and an in-memory implementation
// for tests and single-instance deployments.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound reports that no state exists for the scope key.
	ErrNotFound = errors.New("budget state not found")
	// ErrCASConflict reports that the state changed between read and write;
	// the caller should re-read and retry.
	ErrCASConflict = errors.New("compare-and-set conflict")
	// ErrBackendUnavailable reports that the backing store cannot be
	// reached. Callers degrade to in-memory accounting.
	ErrBackendUnavailable = errors.New("store backend unavailable")
)

// BudgetStateData is the wire form of one budget's accumulated state for a
// period window. Version implements optimistic concurrency: it increments on
// every successful write and CompareAndSet fails when the stored version no
// longer matches.
type BudgetStateData struct {
	BudgetID          string             `json:"budget_id"`
	ScopeKey          string             `json:"scope_key"`
	PeriodStart       time.Time          `json:"period_start"`
	PeriodEnd         time.Time          `json:"period_end"`
	TotalCost         float64            `json:"total_cost"`
	TotalRuns         int64              `json:"total_runs"`
	TotalInputTokens  int64              `json:"total_input_tokens"`
	TotalOutputTokens int64              `json:"total_output_tokens"`
	TotalIterations   int64              `json:"total_iterations"`
	TotalToolCalls    int64              `json:"total_tool_calls"`
	ModelCosts        map[string]float64 `json:"model_costs"`
	ToolCosts         map[string]float64 `json:"tool_costs"`
	ConcurrentRunIDs  []string           `json:"concurrent_run_ids"`
	Version           int64              `json:"version"`
}

// Clone returns a deep copy.
func (d *BudgetStateData) Clone() *BudgetStateData {
	if d == nil {
		return nil
	}
	out := *d
	out.ModelCosts = make(map[string]float64, len(d.ModelCosts))
	for k, v := range d.ModelCosts {
		out.ModelCosts[k] = v
	}
	out.ToolCosts = make(map[string]float64, len(d.ToolCosts))
	for k, v := range d.ToolCosts {
		out.ToolCosts[k] = v
	}
	out.ConcurrentRunIDs = append([]string(nil), d.ConcurrentRunIDs...)
	return &out
}

// Store is the persistent budget-state backend. All operations must be safe
// for concurrent use and degrade gracefully: transport failures surface as
// ErrBackendUnavailable, never panics.
type Store interface {
	// Get returns the state for a scope key, or ErrNotFound.
	Get(ctx context.Context, scopeKey string) (*BudgetStateData, error)

	// CompareAndSet writes data when the stored version equals
	// expectedVersion (0 for a key that must not exist yet). The written
	// record carries expectedVersion+1 and expires at expiresAt. Returns
	// ErrCASConflict when the version moved.
	CompareAndSet(ctx context.Context, scopeKey string, expectedVersion int64, data *BudgetStateData, expiresAt time.Time) error

	// SetWithTTL writes data unconditionally with expiry at expiresAt.
	SetWithTTL(ctx context.Context, scopeKey string, data *BudgetStateData, expiresAt time.Time) error

	// ListKeys returns all scope keys with the given prefix.
	ListKeys(ctx context.Context, prefix string) ([]string, error)

	// Healthy reports whether the backend is currently reachable.
	Healthy() bool

	// Close releases backend resources.
	Close() error
}
