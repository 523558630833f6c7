package guard

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/wisemanIV/strand-cost-guard/budget"
	"github.com/wisemanIV/strand-cost-guard/config"
	"github.com/wisemanIV/strand-cost-guard/metrics"
	"github.com/wisemanIV/strand-cost-guard/policy"
	"github.com/wisemanIV/strand-cost-guard/store"
)

// WithCASAttempts bounds persistent-store CAS retries per update.
func WithCASAttempts(n int) Option {
	return func(g *Guard) {
		g.trackerOpts = append(g.trackerOpts, budget.WithCASAttempts(n))
	}
}

// FromConfig assembles a ready-to-use Guard from the library configuration:
// policy sources (file directory, env), the policy store with lazy refresh
// and optional filesystem watching, the Redis persistent store when
// configured, and an OTel emitter on the global meter provider. ctx bounds
// the background tasks (policy watcher, store recovery probe).
func FromConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger, extra ...Option) (*Guard, error) {
	if cfg == nil {
		cfg = config.Defaults()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var sources []policy.Source
	var fileSrc *policy.FileSource
	if cfg.Policy.Dir != "" {
		fileSrc = policy.NewFileSource(cfg.Policy.Dir, logger)
		sources = append(sources, fileSrc)
	}
	sources = append(sources, policy.NewEnvSource(cfg.Policy.EnvPrefix, logger))

	ps, err := policy.NewStore(policy.Multi(sources...), logger,
		policy.WithRefreshInterval(cfg.RefreshInterval()))
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	if cfg.Policy.Watch && fileSrc != nil {
		if err := fileSrc.Watch(ctx, ps.Invalidate); err != nil {
			logger.Warn("Policy watching unavailable, relying on lazy refresh", zap.Error(err))
		}
	}

	opts := []Option{
		WithGraceWindow(cfg.GraceWindow()),
		WithCASAttempts(cfg.Store.CASAttempts),
		WithEmitter(metrics.NewOTelEmitter(otel.GetMeterProvider(), logger, cfg.Metrics.IncludeRunID)),
	}
	if cfg.FailClosed() {
		opts = append(opts, WithFailMode(FailClosed))
	}
	if cfg.Store.RedisAddr != "" {
		opts = append(opts, WithPersistence(store.NewRedisStore(store.RedisOptions{
			Addr:      cfg.Store.RedisAddr,
			Password:  cfg.Store.RedisPassword,
			DB:        cfg.Store.RedisDB,
			KeyPrefix: cfg.Store.KeyPrefix,
			Timeout:   cfg.StoreTimeout(),
		}, logger)))
	}
	opts = append(opts, extra...)
	return New(ps, logger, opts...), nil
}
