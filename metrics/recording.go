package metrics

import (
	"context"
	"sync"
)

// Event is one recorded emitter call. Name is the metric name; Value is the
// counter increment; Extra carries per-metric attributes (model, tool,
// status, reason).
type Event struct {
	Name  string
	Value float64
	Attrs Attributes
	Extra map[string]string
}

// Recording is an Emitter that captures events in memory for assertions in
// tests. Safe for concurrent use.
type Recording struct {
	mu     sync.Mutex
	events []Event
}

func NewRecording() *Recording {
	return &Recording{}
}

func (r *Recording) add(name string, value float64, attrs Attributes, extra map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Name: name, Value: value, Attrs: attrs, Extra: extra})
}

// Events returns a copy of everything recorded so far.
func (r *Recording) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByName returns recorded events for one metric name.
func (r *Recording) ByName(name string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many times a metric was emitted.
func (r *Recording) Count(name string) int {
	return len(r.ByName(name))
}

// Total sums the values emitted for a metric.
func (r *Recording) Total(name string) float64 {
	var sum float64
	for _, e := range r.ByName(name) {
		sum += e.Value
	}
	return sum
}

func (r *Recording) RecordCost(_ context.Context, attrs Attributes, cost float64) {
	r.add(metricCostTotal, cost, attrs, nil)
}

func (r *Recording) RecordModelCost(_ context.Context, attrs Attributes, model string, cost float64) {
	r.add(metricCostModel, cost, attrs, map[string]string{"model": model})
}

func (r *Recording) RecordToolCost(_ context.Context, attrs Attributes, tool string, cost float64) {
	r.add(metricCostTool, cost, attrs, map[string]string{"tool": tool})
}

func (r *Recording) RecordTokens(_ context.Context, attrs Attributes, model string, inputTokens, outputTokens int64) {
	r.add(metricTokensInput, float64(inputTokens), attrs, map[string]string{"model": model})
	r.add(metricTokensOutput, float64(outputTokens), attrs, map[string]string{"model": model})
}

func (r *Recording) RecordRunStart(_ context.Context, attrs Attributes) {
	r.add(metricRuns, 1, attrs, map[string]string{"event": "start"})
}

func (r *Recording) RecordRunEnd(_ context.Context, attrs Attributes, status string) {
	r.add(metricRuns, 1, attrs, map[string]string{"event": "end", "status": status})
}

func (r *Recording) RecordIteration(_ context.Context, attrs Attributes, iteration int) {
	r.add(metricIterations, 1, attrs, nil)
}

func (r *Recording) RecordToolCall(_ context.Context, attrs Attributes, tool string) {
	r.add(metricToolCalls, 1, attrs, map[string]string{"tool": tool})
}

func (r *Recording) RecordDowngrade(_ context.Context, attrs Attributes, originalModel, fallbackModel, reason string) {
	r.add(metricDowngradeEvents, 1, attrs, map[string]string{
		"original": originalModel, "fallback": fallbackModel, "reason": reason,
	})
}

func (r *Recording) RecordRejection(_ context.Context, attrs Attributes, reason string) {
	r.add(metricRejectionEvents, 1, attrs, map[string]string{"reason": reason})
}

func (r *Recording) RecordHalt(_ context.Context, attrs Attributes, reason string) {
	r.add(metricHaltEvents, 1, attrs, map[string]string{"reason": reason})
}

var _ Emitter = (*Recording)(nil)
