package metrics

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Metric names are stable and bit-compatible with existing deployments.
// Do not rename.
const (
	metricCostTotal       = "genai.cost.total"
	metricCostModel       = "genai.cost.model"
	metricCostTool        = "genai.cost.tool"
	metricTokensInput     = "genai.tokens.input"
	metricTokensOutput    = "genai.tokens.output"
	metricRuns            = "genai.agent.runs"
	metricIterations      = "genai.agent.iterations"
	metricToolCalls       = "genai.agent.tool_calls"
	metricDowngradeEvents = "genai.cost.downgrade_events"
	metricRejectionEvents = "genai.cost.rejection_events"
	metricHaltEvents      = "genai.cost.halt_events"
)

const (
	attrTenantID      = "strands.tenant_id"
	attrStrandID      = "strands.strand_id"
	attrWorkflowID    = "strands.workflow_id"
	attrRunID         = "strands.run_id"
	attrMetadataPfx   = "strands.metadata."
	attrEvent         = "strands.event"
	attrStatus        = "strands.status"
	attrIterationIdx  = "strands.iteration_idx"
	attrToolName      = "strands.tool.name"
	attrReason        = "strands.reason"
	attrModelName     = "genai.model.name"
	attrModelOriginal = "genai.model.original"
	attrModelFallback = "genai.model.fallback"
)

// OTelEmitter is the default Emitter. It wraps an OpenTelemetry Meter and
// emits the stable genai.* counter set. Instrument creation failures are
// logged once at construction; the affected instrument is then skipped.
type OTelEmitter struct {
	logger       *zap.Logger
	includeRunID bool

	costTotal   metric.Float64Counter
	costModel   metric.Float64Counter
	costTool    metric.Float64Counter
	tokensIn    metric.Int64Counter
	tokensOut   metric.Int64Counter
	runs        metric.Int64Counter
	iterations  metric.Int64Counter
	toolCalls   metric.Int64Counter
	downgrades  metric.Int64Counter
	rejections  metric.Int64Counter
	halts       metric.Int64Counter
}

// NewOTelEmitter builds an emitter on top of the given MeterProvider.
// includeRunID opts in to the high-cardinality run_id attribute.
func NewOTelEmitter(provider metric.MeterProvider, logger *zap.Logger, includeRunID bool) *OTelEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := provider.Meter("github.com/wisemanIV/strand-cost-guard")

	e := &OTelEmitter{logger: logger, includeRunID: includeRunID}

	newF64 := func(name, unit, desc string) metric.Float64Counter {
		c, err := meter.Float64Counter(name, metric.WithUnit(unit), metric.WithDescription(desc))
		if err != nil {
			logger.Warn("Failed to create counter", zap.String("name", name), zap.Error(err))
			return nil
		}
		return c
	}
	newI64 := func(name, unit, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithUnit(unit), metric.WithDescription(desc))
		if err != nil {
			logger.Warn("Failed to create counter", zap.String("name", name), zap.Error(err))
			return nil
		}
		return c
	}

	e.costTotal = newF64(metricCostTotal, "usd", "Total cost accrued across model and tool calls")
	e.costModel = newF64(metricCostModel, "usd", "Cost accrued per model")
	e.costTool = newF64(metricCostTool, "usd", "Cost accrued per tool")
	e.tokensIn = newI64(metricTokensInput, "{token}", "Input tokens consumed")
	e.tokensOut = newI64(metricTokensOutput, "{token}", "Output tokens produced")
	e.runs = newI64(metricRuns, "{run}", "Agent run lifecycle events")
	e.iterations = newI64(metricIterations, "{iteration}", "Agent loop iterations")
	e.toolCalls = newI64(metricToolCalls, "{call}", "Tool invocations")
	e.downgrades = newI64(metricDowngradeEvents, "{event}", "Model downgrade events under budget pressure")
	e.rejections = newI64(metricRejectionEvents, "{event}", "Run admissions rejected by budget policy")
	e.halts = newI64(metricHaltEvents, "{event}", "Runs halted by budget policy")

	return e
}

func (e *OTelEmitter) baseAttrs(attrs Attributes, extra ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, 4+len(attrs.Metadata)+len(extra))
	out = append(out,
		attribute.String(attrTenantID, attrs.TenantID),
		attribute.String(attrStrandID, attrs.StrandID),
		attribute.String(attrWorkflowID, attrs.WorkflowID),
	)
	if e.includeRunID && attrs.RunID != "" {
		out = append(out, attribute.String(attrRunID, attrs.RunID))
	}
	for k, v := range attrs.Metadata {
		out = append(out, attribute.String(attrMetadataPfx+k, v))
	}
	return append(out, extra...)
}

func (e *OTelEmitter) RecordCost(ctx context.Context, attrs Attributes, cost float64) {
	if e.costTotal == nil || cost <= 0 {
		return
	}
	e.costTotal.Add(ctx, cost, metric.WithAttributes(e.baseAttrs(attrs)...))
}

func (e *OTelEmitter) RecordModelCost(ctx context.Context, attrs Attributes, model string, cost float64) {
	if e.costModel == nil || cost <= 0 {
		return
	}
	e.costModel.Add(ctx, cost, metric.WithAttributes(e.baseAttrs(attrs,
		attribute.String(attrModelName, model))...))
}

func (e *OTelEmitter) RecordToolCost(ctx context.Context, attrs Attributes, tool string, cost float64) {
	if e.costTool == nil || cost <= 0 {
		return
	}
	e.costTool.Add(ctx, cost, metric.WithAttributes(e.baseAttrs(attrs,
		attribute.String(attrToolName, tool))...))
}

func (e *OTelEmitter) RecordTokens(ctx context.Context, attrs Attributes, model string, inputTokens, outputTokens int64) {
	opts := metric.WithAttributes(e.baseAttrs(attrs, attribute.String(attrModelName, model))...)
	if e.tokensIn != nil && inputTokens > 0 {
		e.tokensIn.Add(ctx, inputTokens, opts)
	}
	if e.tokensOut != nil && outputTokens > 0 {
		e.tokensOut.Add(ctx, outputTokens, opts)
	}
}

func (e *OTelEmitter) RecordRunStart(ctx context.Context, attrs Attributes) {
	if e.runs == nil {
		return
	}
	e.runs.Add(ctx, 1, metric.WithAttributes(e.baseAttrs(attrs,
		attribute.String(attrEvent, "start"))...))
}

func (e *OTelEmitter) RecordRunEnd(ctx context.Context, attrs Attributes, status string) {
	if e.runs == nil {
		return
	}
	e.runs.Add(ctx, 1, metric.WithAttributes(e.baseAttrs(attrs,
		attribute.String(attrEvent, "end"),
		attribute.String(attrStatus, status))...))
}

func (e *OTelEmitter) RecordIteration(ctx context.Context, attrs Attributes, iteration int) {
	if e.iterations == nil {
		return
	}
	e.iterations.Add(ctx, 1, metric.WithAttributes(e.baseAttrs(attrs,
		attribute.String(attrIterationIdx, strconv.Itoa(iteration)))...))
}

func (e *OTelEmitter) RecordToolCall(ctx context.Context, attrs Attributes, tool string) {
	if e.toolCalls == nil {
		return
	}
	e.toolCalls.Add(ctx, 1, metric.WithAttributes(e.baseAttrs(attrs,
		attribute.String(attrToolName, tool))...))
}

func (e *OTelEmitter) RecordDowngrade(ctx context.Context, attrs Attributes, originalModel, fallbackModel, reason string) {
	if e.downgrades == nil {
		return
	}
	e.downgrades.Add(ctx, 1, metric.WithAttributes(e.baseAttrs(attrs,
		attribute.String(attrModelOriginal, originalModel),
		attribute.String(attrModelFallback, fallbackModel),
		attribute.String(attrReason, reason))...))
}

func (e *OTelEmitter) RecordRejection(ctx context.Context, attrs Attributes, reason string) {
	if e.rejections == nil {
		return
	}
	e.rejections.Add(ctx, 1, metric.WithAttributes(e.baseAttrs(attrs,
		attribute.String(attrReason, reason))...))
}

func (e *OTelEmitter) RecordHalt(ctx context.Context, attrs Attributes, reason string) {
	if e.halts == nil {
		return
	}
	e.halts.Add(ctx, 1, metric.WithAttributes(e.baseAttrs(attrs,
		attribute.String(attrReason, reason))...))
}

var _ Emitter = (*OTelEmitter)(nil)
