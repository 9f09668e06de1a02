package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"safety-aware-orchestrator/pkg/constants"
	"safety-aware-orchestrator/pkg/metrics"
)

// LeaseStore grants a key to the first caller for ttl using SET NX. It backs
// both the wellness-check cooldown and the escalation idempotency ledger.
type LeaseStore struct {
	rdb       *redis.Client
	metrics   *metrics.Metrics
	prefix    string
	operation string
}

// NewCooldownStore returns leases keyed per user for the wellness check-in.
func NewCooldownStore(rdb *redis.Client, metrics *metrics.Metrics) *LeaseStore {
	return &LeaseStore{rdb: rdb, metrics: metrics, prefix: constants.WellnessCooldownKey, operation: "wellness_cooldown"}
}

// NewLedgerStore returns leases keyed by escalation idempotency key.
func NewLedgerStore(rdb *redis.Client, metrics *metrics.Metrics) *LeaseStore {
	return &LeaseStore{rdb: rdb, metrics: metrics, prefix: constants.EscalationLedgerKey, operation: "escalation_claim"}
}

// TryAcquire reports whether the caller now holds key. A false result with a
// nil error means another caller holds it.
func (ls *LeaseStore) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	start := time.Now()
	defer func() {
		ls.metrics.RedisOperationDuration.WithLabelValues(ls.operation).Observe(time.Since(start).Seconds())
	}()

	ok, err := ls.rdb.SetNX(ctx, ls.prefix+key, start.UnixMilli(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire %s lease: %w", ls.operation, err)
	}
	return ok, nil
}

// MemoryLeaseStore is the in-process equivalent of LeaseStore, used when no
// Redis is configured and in tests.
type MemoryLeaseStore struct {
	mu    sync.Mutex
	items map[string]time.Time
	now   func() time.Time
}

func NewMemoryLeaseStore() *MemoryLeaseStore {
	return &MemoryLeaseStore{items: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryLeaseStore) TryAcquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expires, ok := m.items[key]; ok && now.Before(expires) {
		return false, nil
	}
	m.items[key] = now.Add(ttl)
	return true, nil
}
