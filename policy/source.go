package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/wisemanIV/strand-cost-guard/pricing"
)

// Documents is one loaded policy snapshot: the three logical documents of
// the configuration schema.
type Documents struct {
	Budgets []BudgetSpec
	Routing []RoutingPolicy
	Pricing *pricing.Table
}

// Source loads policy documents. Implementations must be safe to call from
// the store's refresh path.
type Source interface {
	Load(ctx context.Context) (*Documents, error)
}

type fileDocument struct {
	Budgets         []BudgetSpec    `yaml:"budgets"`
	RoutingPolicies []RoutingPolicy `yaml:"routing_policies"`
	Pricing         *pricing.Config `yaml:"pricing"`
}

var knownTopLevelKeys = map[string]bool{
	"budgets":          true,
	"routing_policies": true,
	"pricing":          true,
}

// FileSource reads every *.yaml / *.yml file in a directory. Each file may
// carry any of the three top-level documents; entries across files are
// concatenated in lexical file order. Unknown top-level keys are warnings,
// not errors.
type FileSource struct {
	dir    string
	logger *zap.Logger
}

func NewFileSource(dir string, logger *zap.Logger) *FileSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSource{dir: dir, logger: logger}
}

func (s *FileSource) Load(_ context.Context) (*Documents, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read policy dir %s: %w", s.dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	docs := &Documents{}
	var pricingCfg *pricing.Config
	for _, name := range names {
		path := filepath.Join(s.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read policy file %s: %w", path, err)
		}

		var root yaml.Node
		if err := yaml.Unmarshal(data, &root); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrConfigInvalid, path, err)
		}
		s.warnUnknownKeys(path, &root)

		var doc fileDocument
		if err := root.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", ErrConfigInvalid, path, err)
		}
		docs.Budgets = append(docs.Budgets, doc.Budgets...)
		docs.Routing = append(docs.Routing, doc.RoutingPolicies...)
		if doc.Pricing != nil {
			if pricingCfg != nil {
				s.logger.Warn("Multiple pricing documents found, keeping the last",
					zap.String("file", path))
			}
			pricingCfg = doc.Pricing
		}
	}

	if pricingCfg != nil {
		table, err := pricing.NewTable(*pricingCfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
		}
		docs.Pricing = table
	}
	return docs, nil
}

func (s *FileSource) warnUnknownKeys(path string, root *yaml.Node) {
	doc := root
	if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		doc = doc.Content[0]
	}
	if doc.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key := doc.Content[i].Value
		if !knownTopLevelKeys[key] {
			s.logger.Warn("Unknown key in policy document",
				zap.String("file", path),
				zap.String("key", key))
		}
	}
}

// Watch installs an fsnotify watcher on the policy directory and invokes
// onChange for every write or create event until ctx is cancelled. Watch
// supplements the store's lazy refresh; callers typically pass
// store.Invalidate.
func (s *FileSource) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					s.logger.Debug("Policy file changed", zap.String("file", ev.Name))
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("Policy watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// EnvSource synthesizes one global wildcard budget and one wildcard routing
// policy from environment variables: {PREFIX}MAX_COST, {PREFIX}PERIOD,
// {PREFIX}DEFAULT_MODEL, {PREFIX}FALLBACK_MODEL.
type EnvSource struct {
	prefix string
	logger *zap.Logger
}

func NewEnvSource(prefix string, logger *zap.Logger) *EnvSource {
	if prefix == "" {
		prefix = "COSTGUARD_"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnvSource{prefix: prefix, logger: logger}
}

func (s *EnvSource) Load(_ context.Context) (*Documents, error) {
	docs := &Documents{}

	if raw := os.Getenv(s.prefix + "MAX_COST"); raw != "" {
		maxCost, err := strconv.ParseFloat(raw, 64)
		if err != nil || maxCost < 0 {
			return nil, fmt.Errorf("%w: %sMAX_COST=%q", ErrConfigInvalid, s.prefix, raw)
		}
		period := PeriodDaily
		if rawPeriod := os.Getenv(s.prefix + "PERIOD"); rawPeriod != "" {
			period = Period(strings.ToLower(rawPeriod))
		}
		docs.Budgets = append(docs.Budgets, BudgetSpec{
			ID:                  "env-global",
			Scope:               ScopeGlobal,
			Match:               Match{TenantID: "*", StrandID: "*", WorkflowID: "*"},
			Period:              period,
			MaxCost:             maxCost,
			HardLimit:           true,
			OnHardLimitExceeded: ActionRejectNewRuns,
			Enabled:             true,
		})
	}

	if model := os.Getenv(s.prefix + "DEFAULT_MODEL"); model != "" {
		docs.Routing = append(docs.Routing, RoutingPolicy{
			ID:                   "env-default",
			Match:                Match{TenantID: "*", StrandID: "*", WorkflowID: "*"},
			DefaultModel:         model,
			DefaultFallbackModel: os.Getenv(s.prefix + "FALLBACK_MODEL"),
		})
	}

	return docs, nil
}

// Multi merges the documents of several sources in order. Later sources
// append to earlier ones; the last non-nil pricing table wins.
func Multi(sources ...Source) Source {
	return multiSource(sources)
}

type multiSource []Source

func (m multiSource) Load(ctx context.Context) (*Documents, error) {
	merged := &Documents{}
	for _, src := range m {
		docs, err := src.Load(ctx)
		if err != nil {
			return nil, err
		}
		merged.Budgets = append(merged.Budgets, docs.Budgets...)
		merged.Routing = append(merged.Routing, docs.Routing...)
		if docs.Pricing != nil {
			merged.Pricing = docs.Pricing
		}
	}
	return merged, nil
}

// Static returns a source that always yields the given documents. Used in
// tests and by hosts that assemble policies programmatically.
func Static(docs Documents) Source {
	return staticSource{docs: docs}
}

type staticSource struct {
	docs Documents
}

func (s staticSource) Load(context.Context) (*Documents, error) {
	out := s.docs
	return &out, nil
}
