package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"safety-aware-orchestrator/pkg/constants"
	"safety-aware-orchestrator/pkg/metrics"
	"safety-aware-orchestrator/pkg/models"
)

// ThreadStore persists completed conversation history per thread.
type ThreadStore struct {
	rdb     *redis.Client
	metrics *metrics.Metrics
	ttl     time.Duration
}

func NewThreadStore(rdb *redis.Client, metrics *metrics.Metrics, ttl time.Duration) *ThreadStore {
	return &ThreadStore{rdb: rdb, metrics: metrics, ttl: ttl}
}

// Load returns the saved history, or nil for a new thread.
func (ts *ThreadStore) Load(ctx context.Context, threadID string) ([]models.Message, error) {
	start := time.Now()
	defer func() {
		ts.metrics.RedisOperationDuration.WithLabelValues("load_thread").Observe(time.Since(start).Seconds())
	}()

	raw, err := ts.rdb.Get(ctx, constants.ThreadKeyPrefix+threadID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load thread: %w", err)
	}

	var msgs []models.Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, fmt.Errorf("invalid thread encoding: %w", err)
	}
	return msgs, nil
}

// Save overwrites the thread history, keeping the newest messages only.
func (ts *ThreadStore) Save(ctx context.Context, threadID string, msgs []models.Message) error {
	start := time.Now()
	defer func() {
		ts.metrics.RedisOperationDuration.WithLabelValues("save_thread").Observe(time.Since(start).Seconds())
	}()

	if len(msgs) > constants.MaxThreadMessagesKept {
		msgs = msgs[len(msgs)-constants.MaxThreadMessagesKept:]
	}

	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("failed to marshal thread: %w", err)
	}

	if err := ts.rdb.Set(ctx, constants.ThreadKeyPrefix+threadID, data, ts.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save thread: %w", err)
	}
	return nil
}
