package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wisemanIV/strand-cost-guard/metrics"
)

// RedisStore persists budget state in Redis/Valkey. Keys are laid out as
// {prefix}:budget:{scope_key}; values are JSON-encoded BudgetStateData with
// an embedded version counter. CompareAndSet uses WATCH-based optimistic
// transactions. Every write expires at the period end so stale windows
// self-purge.
//
// The store tracks its own health: after a transport error it reports
// unhealthy and a background probe pings the backend until it recovers.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger

	healthy atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix defaults to "costguard".
	KeyPrefix string
	// Timeout bounds each read and write. Defaults to 3s.
	Timeout time.Duration
	// RecoveryInterval is the probe cadence while the backend is down.
	// Defaults to 5s.
	RecoveryInterval time.Duration
}

// NewRedisStore connects to Redis and starts the recovery probe. The initial
// ping failing is not fatal: the store starts degraded and recovers when the
// backend comes up.
func NewRedisStore(opts RedisOptions, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "costguard"
	}
	if opts.RecoveryInterval <= 0 {
		opts.RecoveryInterval = 5 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := &RedisStore{
		client:    client,
		keyPrefix: opts.KeyPrefix,
		logger:    logger,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("Redis unreachable at startup, starting degraded", zap.Error(err))
		s.setHealthy(false)
	} else {
		s.setHealthy(true)
	}
	pingCancel()

	go s.recoveryLoop(ctx, opts.RecoveryInterval)
	return s
}

// NewRedisStoreWithClient wraps an existing client (used in tests with
// miniredis).
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keyPrefix == "" {
		keyPrefix = "costguard"
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.setHealthy(true)
	go s.recoveryLoop(ctx, 5*time.Second)
	return s
}

func (s *RedisStore) key(scopeKey string) string {
	return fmt.Sprintf("%s:budget:%s", s.keyPrefix, scopeKey)
}

func (s *RedisStore) setHealthy(healthy bool) {
	if s.healthy.Swap(healthy) != healthy {
		if healthy {
			s.logger.Info("Persistent store recovered")
			metrics.StoreHealthy.Set(1)
		} else {
			s.logger.Warn("Persistent store degraded, falling back to in-memory accounting")
			metrics.StoreHealthy.Set(0)
		}
	}
}

func (s *RedisStore) recoveryLoop(ctx context.Context, interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.healthy.Load() {
				continue
			}
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := s.client.Ping(pingCtx).Err()
			cancel()
			if err == nil {
				s.setHealthy(true)
			}
		}
	}
}

// classify maps transport errors to ErrBackendUnavailable and flips the
// health flag.
func (s *RedisStore) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) || errors.Is(err, ErrCASConflict) || errors.Is(err, ErrNotFound) {
		return err
	}
	metrics.StoreErrors.WithLabelValues(op).Inc()
	s.setHealthy(false)
	return fmt.Errorf("%w: %s: %v", ErrBackendUnavailable, op, err)
}

func (s *RedisStore) Get(ctx context.Context, scopeKey string) (*BudgetStateData, error) {
	data, err := s.client.Get(ctx, s.key(scopeKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.classify("get", err)
	}
	var state BudgetStateData
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode budget state %s: %w", scopeKey, err)
	}
	s.setHealthy(true)
	return &state, nil
}

func (s *RedisStore) CompareAndSet(ctx context.Context, scopeKey string, expectedVersion int64, data *BudgetStateData, expiresAt time.Time) error {
	key := s.key(scopeKey)

	txn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		currentVersion := int64(0)
		switch {
		case errors.Is(err, redis.Nil):
			// Key absent: only expectedVersion 0 may create it.
		case err != nil:
			return err
		default:
			var state BudgetStateData
			if err := json.Unmarshal(current, &state); err != nil {
				return fmt.Errorf("decode budget state %s: %w", scopeKey, err)
			}
			currentVersion = state.Version
		}
		if currentVersion != expectedVersion {
			return ErrCASConflict
		}

		next := data.Clone()
		next.Version = expectedVersion + 1
		payload, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode budget state %s: %w", scopeKey, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.PExpireAt(ctx, key, expiresAt)
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txn, key)
	if errors.Is(err, redis.TxFailedErr) {
		metrics.StoreCASConflicts.Inc()
		return ErrCASConflict
	}
	if errors.Is(err, ErrCASConflict) {
		metrics.StoreCASConflicts.Inc()
		return ErrCASConflict
	}
	if err != nil {
		return s.classify("cas", err)
	}
	s.setHealthy(true)
	return nil
}

func (s *RedisStore) SetWithTTL(ctx context.Context, scopeKey string, data *BudgetStateData, expiresAt time.Time) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode budget state %s: %w", scopeKey, err)
	}
	key := s.key(scopeKey)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, payload, 0)
	pipe.PExpireAt(ctx, key, expiresAt)
	if _, err := pipe.Exec(ctx); err != nil {
		return s.classify("set", err)
	}
	s.setHealthy(true)
	return nil
}

func (s *RedisStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	pattern := s.key(prefix) + "*"
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	strip := len(s.key(""))
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[strip:])
	}
	if err := iter.Err(); err != nil {
		return nil, s.classify("list", err)
	}
	s.setHealthy(true)
	return keys, nil
}

func (s *RedisStore) Healthy() bool {
	return s.healthy.Load()
}

func (s *RedisStore) Close() error {
	s.cancel()
	<-s.done
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
