package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/mailgram-io/mailgram/internal/models"
)

const (
	flagNamespace   = "flag:"
	filterNamespace = "filters:"
)

var storeMetrics = struct {
	hits    prometheus.Counter
	misses  prometheus.Counter
	errors  prometheus.Counter
	sets    prometheus.Counter
	deletes prometheus.Counter
}{
	hits: promauto.NewCounter(prometheus.CounterOpts{
		Name: "flagstore_hits_total",
		Help: "Total number of flag store hits",
	}),
	misses: promauto.NewCounter(prometheus.CounterOpts{
		Name: "flagstore_misses_total",
		Help: "Total number of flag store misses",
	}),
	errors: promauto.NewCounter(prometheus.CounterOpts{
		Name: "flagstore_errors_total",
		Help: "Total number of flag store errors",
	}),
	sets: promauto.NewCounter(prometheus.CounterOpts{
		Name: "flagstore_sets_total",
		Help: "Total number of flag store sets",
	}),
	deletes: promauto.NewCounter(prometheus.CounterOpts{
		Name: "flagstore_deletes_total",
		Help: "Total number of flag store deletes",
	}),
}

// RedisFlagStore keeps per-mailbox listening flags and the cached
// filter lists that depend on them in Redis. Values are JSON.
type RedisFlagStore struct {
	client     redis.Cmdable
	keyPrefix  string
	defaultTTL time.Duration
	filterTTL  time.Duration
}

// FlagStoreOption customizes a RedisFlagStore.
type FlagStoreOption func(*RedisFlagStore)

// WithKeyPrefix namespaces every key written by the store.
func WithKeyPrefix(prefix string) FlagStoreOption {
	return func(s *RedisFlagStore) {
		s.keyPrefix = prefix
	}
}

// WithFlagTTL sets the expiry applied to status flags (0 = no expiry).
func WithFlagTTL(ttl time.Duration) FlagStoreOption {
	return func(s *RedisFlagStore) {
		s.defaultTTL = ttl
	}
}

// WithFilterTTL sets the expiry applied to cached filter lists.
func WithFilterTTL(ttl time.Duration) FlagStoreOption {
	return func(s *RedisFlagStore) {
		s.filterTTL = ttl
	}
}

// NewRedisFlagStore wraps an existing Redis client.
func NewRedisFlagStore(client redis.Cmdable, opts ...FlagStoreOption) *RedisFlagStore {
	s := &RedisFlagStore{
		client:    client,
		keyPrefix: "mailgram:",
		filterTTL: time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial connects to Redis and verifies the connection with a ping.
func Dial(addr, password string, db int, opts ...FlagStoreOption) (*RedisFlagStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisFlagStore(client, opts...), nil
}

// Get returns the status flag for a mailbox key, or nil when absent.
func (s *RedisFlagStore) Get(ctx context.Context, key string) (*models.StatusFlag, error) {
	val, err := s.client.Get(ctx, s.flagKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			storeMetrics.misses.Inc()
			return nil, nil
		}
		storeMetrics.errors.Inc()
		return nil, err
	}
	storeMetrics.hits.Inc()

	flag := &models.StatusFlag{}
	if err := json.Unmarshal(val, flag); err != nil {
		storeMetrics.errors.Inc()
		return nil, fmt.Errorf("corrupt status flag for %s: %w", key, err)
	}
	return flag, nil
}

// Set stores the status flag for a mailbox key.
func (s *RedisFlagStore) Set(ctx context.Context, key string, flag *models.StatusFlag) error {
	data, err := json.Marshal(flag)
	if err != nil {
		storeMetrics.errors.Inc()
		return err
	}
	if err := s.client.Set(ctx, s.flagKey(key), data, s.defaultTTL).Err(); err != nil {
		storeMetrics.errors.Inc()
		return err
	}
	storeMetrics.sets.Inc()
	return nil
}

// Delete removes the status flag for a mailbox key.
func (s *RedisFlagStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.flagKey(key)).Err(); err != nil {
		storeMetrics.errors.Inc()
		return err
	}
	storeMetrics.deletes.Inc()
	return nil
}

// GetFilters returns the cached filter list for a mailbox key. The
// second result reports whether a cached value was present.
func (s *RedisFlagStore) GetFilters(ctx context.Context, key string) ([]models.Filter, bool, error) {
	val, err := s.client.Get(ctx, s.filterKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			storeMetrics.misses.Inc()
			return nil, false, nil
		}
		storeMetrics.errors.Inc()
		return nil, false, err
	}
	storeMetrics.hits.Inc()

	var filters []models.Filter
	if err := json.Unmarshal(val, &filters); err != nil {
		storeMetrics.errors.Inc()
		return nil, false, fmt.Errorf("corrupt filter cache for %s: %w", key, err)
	}
	return filters, true, nil
}

// SetFilters caches a filter list for a mailbox key with bounded TTL.
func (s *RedisFlagStore) SetFilters(ctx context.Context, key string, filters []models.Filter) error {
	data, err := json.Marshal(filters)
	if err != nil {
		storeMetrics.errors.Inc()
		return err
	}
	if err := s.client.Set(ctx, s.filterKey(key), data, s.filterTTL).Err(); err != nil {
		storeMetrics.errors.Inc()
		return err
	}
	storeMetrics.sets.Inc()
	return nil
}

// InvalidateFilters drops the cached filter list for a mailbox key so
// stale reads are not served after a flag or filter change.
func (s *RedisFlagStore) InvalidateFilters(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.filterKey(key)).Err(); err != nil {
		storeMetrics.errors.Inc()
		return err
	}
	storeMetrics.deletes.Inc()
	return nil
}

func (s *RedisFlagStore) flagKey(key string) string {
	return s.keyPrefix + flagNamespace + key
}

func (s *RedisFlagStore) filterKey(key string) string {
	return s.keyPrefix + filterNamespace + key
}
