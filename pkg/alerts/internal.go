package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"safety-aware-orchestrator/pkg/constants"
	"safety-aware-orchestrator/pkg/metrics"
	"safety-aware-orchestrator/pkg/models"
)

// InternalNotifier appends alerts to a Redis stream that staff tooling and
// the Relay consume.
type InternalNotifier struct {
	rdb     *redis.Client
	metrics *metrics.Metrics
	stream  string
	now     func() time.Time
}

func NewInternalNotifier(rdb *redis.Client, metrics *metrics.Metrics) *InternalNotifier {
	return &InternalNotifier{
		rdb:     rdb,
		metrics: metrics,
		stream:  constants.InternalAlertStream,
		now:     time.Now,
	}
}

func (n *InternalNotifier) Channel() models.Channel { return models.ChannelInternal }

func (n *InternalNotifier) Available() bool { return n.rdb != nil }

func (n *InternalNotifier) Send(ctx context.Context, recipient, message string) error {
	start := time.Now()
	defer func() {
		n.metrics.RedisOperationDuration.WithLabelValues("publish_internal_alert").Observe(time.Since(start).Seconds())
	}()

	err := n.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: n.stream,
		Values: map[string]interface{}{
			"recipient":  recipient,
			"message":    message,
			"created_at": n.now().UnixMilli(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish internal alert: %w", err)
	}
	return nil
}
