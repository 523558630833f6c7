// Package pricing converts token and byte usage into currency cost. The
// table is immutable after construction and all methods are safe for
// concurrent use.
package pricing

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wisemanIV/strand-cost-guard/metrics"
)

// ModelPricing holds per-1K-token rates for one model key.
type ModelPricing struct {
	InputPer1K       float64 `yaml:"input_per_1k" json:"input_per_1k"`
	OutputPer1K      float64 `yaml:"output_per_1k" json:"output_per_1k"`
	CachedInputPer1K float64 `yaml:"cached_input_per_1k" json:"cached_input_per_1k,omitempty"`
	ReasoningPer1K   float64 `yaml:"reasoning_per_1k" json:"reasoning_per_1k,omitempty"`
}

// ToolPricing holds per-call and per-byte rates for one tool.
type ToolPricing struct {
	CostPerCall       float64 `yaml:"cost_per_call" json:"cost_per_call"`
	CostPerInputByte  float64 `yaml:"cost_per_input_byte" json:"cost_per_input_byte"`
	CostPerOutputByte float64 `yaml:"cost_per_output_byte" json:"cost_per_output_byte"`
}

// ModelTokens is the token breakdown of a single model call.
type ModelTokens struct {
	PromptTokens     int
	CachedTokens     int
	CompletionTokens int
	ReasoningTokens  int
}

// Table is the loaded pricing table. Model keys preserve document order so
// that prefix-resolution ties are deterministic.
type Table struct {
	currency   string
	models     map[string]ModelPricing
	modelOrder []string
	tools      map[string]ToolPricing

	fallbackInputPer1K  float64
	fallbackOutputPer1K float64
}

// Config is the document shape of the pricing section. Models is an ordered
// mapping; key order from the source document is preserved.
type Config struct {
	Currency string                 `yaml:"currency"`
	Models   orderedModels          `yaml:"models"`
	Tools    map[string]ToolPricing `yaml:"tools"`
	Fallback struct {
		InputPer1K  float64 `yaml:"input_per_1k"`
		OutputPer1K float64 `yaml:"output_per_1k"`
	} `yaml:"fallback"`
}

type orderedModels struct {
	byKey map[string]ModelPricing
	order []string
}

// UnmarshalYAML walks the mapping node directly so configured key order
// survives decoding.
func (m *orderedModels) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("pricing models: expected a mapping, got %v", node.Kind)
	}
	m.byKey = make(map[string]ModelPricing, len(node.Content)/2)
	m.order = make([]string, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		var mp ModelPricing
		if err := node.Content[i+1].Decode(&mp); err != nil {
			return fmt.Errorf("pricing model %q: %w", key, err)
		}
		if _, dup := m.byKey[key]; !dup {
			m.order = append(m.order, key)
		}
		m.byKey[key] = mp
	}
	return nil
}

// NewTable builds an immutable pricing table from a decoded config.
func NewTable(cfg Config) (*Table, error) {
	for key, mp := range cfg.Models.byKey {
		if mp.InputPer1K < 0 || mp.OutputPer1K < 0 || mp.CachedInputPer1K < 0 || mp.ReasoningPer1K < 0 {
			return nil, fmt.Errorf("pricing model %q: negative rate", key)
		}
	}
	for key, tp := range cfg.Tools {
		if tp.CostPerCall < 0 || tp.CostPerInputByte < 0 || tp.CostPerOutputByte < 0 {
			return nil, fmt.Errorf("pricing tool %q: negative rate", key)
		}
	}
	if cfg.Fallback.InputPer1K < 0 || cfg.Fallback.OutputPer1K < 0 {
		return nil, fmt.Errorf("pricing fallback: negative rate")
	}

	currency := cfg.Currency
	if currency == "" {
		currency = "USD"
	}
	models := make(map[string]ModelPricing, len(cfg.Models.byKey))
	for k, v := range cfg.Models.byKey {
		models[k] = v
	}
	tools := make(map[string]ToolPricing, len(cfg.Tools))
	for k, v := range cfg.Tools {
		tools[k] = v
	}
	return &Table{
		currency:            currency,
		models:              models,
		modelOrder:          append([]string(nil), cfg.Models.order...),
		tools:               tools,
		fallbackInputPer1K:  cfg.Fallback.InputPer1K,
		fallbackOutputPer1K: cfg.Fallback.OutputPer1K,
	}, nil
}

// Empty returns a table with no model or tool entries and zero fallback
// rates. Every calculation against it yields zero cost.
func Empty() *Table {
	t, _ := NewTable(Config{})
	return t
}

// Currency returns the table's currency code.
func (t *Table) Currency() string { return t.currency }

// ResolveModel finds the pricing entry for a model name: exact match first,
// then the longest configured key that is a prefix of the name (ties broken
// by configured-key order), then the fallback rates. The second return is
// false when the fallback was used.
func (t *Table) ResolveModel(model string) (ModelPricing, bool) {
	if mp, ok := t.models[model]; ok {
		return mp, true
	}
	bestLen := -1
	var best ModelPricing
	for _, key := range t.modelOrder {
		if len(key) > bestLen && strings.HasPrefix(model, key) {
			bestLen = len(key)
			best = t.models[key]
		}
	}
	if bestLen >= 0 {
		return best, true
	}
	return ModelPricing{
		InputPer1K:  t.fallbackInputPer1K,
		OutputPer1K: t.fallbackOutputPer1K,
	}, false
}

// ModelCost computes the cost of one model call.
//
//	cost = (prompt − cached)/1000 × input_per_1k
//	     + cached/1000 × cached_input_per_1k      (0 when unconfigured)
//	     + completion/1000 × output_per_1k
//	     + reasoning/1000 × reasoning_per_1k      (0 when unconfigured)
//
// Unknown models use the fallback input/output rates; the cached and
// reasoning terms are then zero.
func (t *Table) ModelCost(model string, u ModelTokens) float64 {
	prompt := clampTokens(u.PromptTokens)
	cached := clampTokens(u.CachedTokens)
	completion := clampTokens(u.CompletionTokens)
	reasoning := clampTokens(u.ReasoningTokens)
	if cached > prompt {
		cached = prompt
	}

	mp, ok := t.ResolveModel(model)
	if !ok {
		if model == "" {
			metrics.PricingFallbacks.WithLabelValues("missing_model").Inc()
		} else {
			metrics.PricingFallbacks.WithLabelValues("unknown_model").Inc()
		}
	}

	cost := (float64(prompt-cached) / 1000.0) * mp.InputPer1K
	if mp.CachedInputPer1K > 0 {
		cost += (float64(cached) / 1000.0) * mp.CachedInputPer1K
	}
	cost += (float64(completion) / 1000.0) * mp.OutputPer1K
	if mp.ReasoningPer1K > 0 {
		cost += (float64(reasoning) / 1000.0) * mp.ReasoningPer1K
	}
	return cost
}

// ToolCost computes the cost of one tool call. Tools without a configured
// entry cost nothing.
func (t *Table) ToolCost(tool string, inputBytes, outputBytes int64) float64 {
	tp, ok := t.tools[tool]
	if !ok {
		metrics.PricingFallbacks.WithLabelValues("unknown_tool").Inc()
		return 0
	}
	if inputBytes < 0 {
		inputBytes = 0
	}
	if outputBytes < 0 {
		outputBytes = 0
	}
	return tp.CostPerCall +
		float64(inputBytes)*tp.CostPerInputByte +
		float64(outputBytes)*tp.CostPerOutputByte
}

// EstimateModelCost prices an estimated token count before a call is made,
// assuming a 60/40 input/output split.
func (t *Table) EstimateModelCost(model string, estimatedTokens int) float64 {
	if estimatedTokens <= 0 {
		return 0
	}
	in := estimatedTokens * 6 / 10
	out := estimatedTokens - in
	return t.ModelCost(model, ModelTokens{PromptTokens: in, CompletionTokens: out})
}

func clampTokens(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
