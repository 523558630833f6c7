// Package metrics provides the telemetry surface of the cost guard: an
// Emitter interface with a stable counter schema, an OpenTelemetry-backed
// default implementation, and internal Prometheus counters for operational
// health. Emission never fails the calling hook; errors are logged and
// swallowed.
package metrics

import (
	"context"
)

// Attributes identifies the run a measurement belongs to. RunID is only
// attached when the emitter was built with run-id emission enabled
// (high-cardinality opt-in).
type Attributes struct {
	TenantID   string
	StrandID   string
	WorkflowID string
	RunID      string
	Metadata   map[string]string
}

// Emitter receives monotonic counter updates from the decision pipeline.
// Implementations must be safe for concurrent use and must never panic or
// block the caller.
type Emitter interface {
	// RecordCost adds to genai.cost.total.
	RecordCost(ctx context.Context, attrs Attributes, cost float64)
	// RecordModelCost adds to genai.cost.model for one model.
	RecordModelCost(ctx context.Context, attrs Attributes, model string, cost float64)
	// RecordToolCost adds to genai.cost.tool for one tool.
	RecordToolCost(ctx context.Context, attrs Attributes, tool string, cost float64)
	// RecordTokens adds to genai.tokens.input and genai.tokens.output.
	RecordTokens(ctx context.Context, attrs Attributes, model string, inputTokens, outputTokens int64)
	// RecordRunStart adds to genai.agent.runs with event=start.
	RecordRunStart(ctx context.Context, attrs Attributes)
	// RecordRunEnd adds to genai.agent.runs with event=end and the final status.
	RecordRunEnd(ctx context.Context, attrs Attributes, status string)
	// RecordIteration adds to genai.agent.iterations.
	RecordIteration(ctx context.Context, attrs Attributes, iteration int)
	// RecordToolCall adds to genai.agent.tool_calls.
	RecordToolCall(ctx context.Context, attrs Attributes, tool string)
	// RecordDowngrade adds to genai.cost.downgrade_events.
	RecordDowngrade(ctx context.Context, attrs Attributes, originalModel, fallbackModel, reason string)
	// RecordRejection adds to genai.cost.rejection_events.
	RecordRejection(ctx context.Context, attrs Attributes, reason string)
	// RecordHalt adds to genai.cost.halt_events.
	RecordHalt(ctx context.Context, attrs Attributes, reason string)
}

// Noop is an Emitter that discards everything.
type Noop struct{}

func (Noop) RecordCost(context.Context, Attributes, float64)                     {}
func (Noop) RecordModelCost(context.Context, Attributes, string, float64)        {}
func (Noop) RecordToolCost(context.Context, Attributes, string, float64)         {}
func (Noop) RecordTokens(context.Context, Attributes, string, int64, int64)      {}
func (Noop) RecordRunStart(context.Context, Attributes)                          {}
func (Noop) RecordRunEnd(context.Context, Attributes, string)                    {}
func (Noop) RecordIteration(context.Context, Attributes, int)                    {}
func (Noop) RecordToolCall(context.Context, Attributes, string)                  {}
func (Noop) RecordDowngrade(context.Context, Attributes, string, string, string) {}
func (Noop) RecordRejection(context.Context, Attributes, string)                 {}
func (Noop) RecordHalt(context.Context, Attributes, string)                      {}

var _ Emitter = Noop{}
