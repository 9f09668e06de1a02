// Package store holds the Redis-backed persistence used as side effects by the
// dialogue, crisis and tool components.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"safety-aware-orchestrator/pkg/constants"
	"safety-aware-orchestrator/pkg/metrics"
	"safety-aware-orchestrator/pkg/models"
)

// RecordStore appends mood logs, notifications, selfie requests and visual
// analyses to Redis streams. Notifications and mood logs are also kept per
// user for reads.
type RecordStore struct {
	rdb     *redis.Client
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewRecordStore(rdb *redis.Client, logger *logrus.Logger, metrics *metrics.Metrics) *RecordStore {
	return &RecordStore{
		rdb:     rdb,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

func (rs *RecordStore) AddMoodLog(ctx context.Context, entry models.MoodLog) error {
	start := time.Now()
	defer func() {
		rs.metrics.RedisOperationDuration.WithLabelValues("add_mood_log").Observe(time.Since(start).Seconds())
	}()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = rs.now()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal mood log: %w", err)
	}

	// the per-user set is scored by log time so backdated entries sort correctly
	key := constants.UserMoodLogsKey + entry.UserID
	pipe := rs.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: constants.MoodLogStream,
		Values: map[string]interface{}{
			"user_id":   entry.UserID,
			"mood":      entry.Mood,
			"intensity": entry.Intensity,
			"notes":     entry.Notes,
			"timestamp": entry.Timestamp.UnixMilli(),
		},
	})
	pipe.ZAdd(ctx, key, &redis.Z{Score: float64(entry.Timestamp.UnixMilli()), Member: data})
	pipe.ZRemRangeByRank(ctx, key, 0, -constants.MaxMoodLogsKept-1)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record mood log: %w", err)
	}
	return nil
}

// MoodHistory returns a user's mood logs, newest first.
func (rs *RecordStore) MoodHistory(ctx context.Context, userID string, limit int) ([]models.MoodLog, error) {
	start := time.Now()
	defer func() {
		rs.metrics.RedisOperationDuration.WithLabelValues("mood_history").Observe(time.Since(start).Seconds())
	}()

	if limit <= 0 {
		limit = 50
	}

	raw, err := rs.rdb.ZRevRange(ctx, constants.UserMoodLogsKey+userID, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read mood history: %w", err)
	}

	out := make([]models.MoodLog, 0, len(raw))
	for _, item := range raw {
		var entry models.MoodLog
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			rs.logger.WithError(err).WithField("user_id", userID).Warn("Skipping malformed mood log record")
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// AddNotification records a notification and returns it with its id filled in.
func (rs *RecordStore) AddNotification(ctx context.Context, n models.Notification) (models.Notification, error) {
	start := time.Now()
	defer func() {
		rs.metrics.RedisOperationDuration.WithLabelValues("add_notification").Observe(time.Since(start).Seconds())
	}()

	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = rs.now()
	}
	if n.Status == "" {
		n.Status = "sent"
	}

	data, err := json.Marshal(n)
	if err != nil {
		return n, fmt.Errorf("failed to marshal notification: %w", err)
	}

	key := constants.UserNotificationsKey + n.UserID
	pipe := rs.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: constants.NotificationStream,
		Values: map[string]interface{}{
			"id":        n.ID,
			"user_id":   n.UserID,
			"message":   n.Message,
			"type":      n.Type,
			"status":    n.Status,
			"timestamp": n.Timestamp.UnixMilli(),
		},
	})
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, constants.MaxNotificationsKept-1)

	if _, err := pipe.Exec(ctx); err != nil {
		return n, fmt.Errorf("failed to record notification: %w", err)
	}

	rs.logger.WithFields(logrus.Fields{
		"user_id": n.UserID,
		"type":    n.Type,
	}).Debug("Recorded notification")

	return n, nil
}

// ListNotifications returns the newest notifications for a user, newest first.
func (rs *RecordStore) ListNotifications(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	start := time.Now()
	defer func() {
		rs.metrics.RedisOperationDuration.WithLabelValues("list_notifications").Observe(time.Since(start).Seconds())
	}()

	if limit <= 0 {
		limit = 10
	}

	raw, err := rs.rdb.LRange(ctx, constants.UserNotificationsKey+userID, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}

	out := make([]models.Notification, 0, len(raw))
	for _, item := range raw {
		var n models.Notification
		if err := json.Unmarshal([]byte(item), &n); err != nil {
			rs.logger.WithError(err).WithField("user_id", userID).Warn("Skipping malformed notification record")
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (rs *RecordStore) AddSelfieRequest(ctx context.Context, req models.SelfieRequest) error {
	start := time.Now()
	defer func() {
		rs.metrics.RedisOperationDuration.WithLabelValues("add_selfie_request").Observe(time.Since(start).Seconds())
	}()

	if req.Timestamp.IsZero() {
		req.Timestamp = rs.now()
	}
	if req.Status == "" {
		req.Status = "requested"
	}

	return rs.appendRecord(ctx, constants.SelfieRequestStream, map[string]interface{}{
		"user_id":   req.UserID,
		"reason":    req.Reason,
		"status":    req.Status,
		"timestamp": req.Timestamp.UnixMilli(),
	})
}

func (rs *RecordStore) AddVisualAnalysis(ctx context.Context, userID, description, result string) error {
	return rs.appendRecord(ctx, constants.VisualAnalysisStream, map[string]interface{}{
		"user_id":     userID,
		"description": description,
		"result":      result,
		"timestamp":   rs.now().UnixMilli(),
	})
}

func (rs *RecordStore) AddMusicSession(ctx context.Context, userID, mood, recommendation string, minutes int) error {
	return rs.appendRecord(ctx, constants.MusicSessionStream, map[string]interface{}{
		"user_id":        userID,
		"mood":           mood,
		"recommendation": recommendation,
		"duration":       minutes,
		"timestamp":      rs.now().UnixMilli(),
	})
}

func (rs *RecordStore) appendRecord(ctx context.Context, stream string, values map[string]interface{}) error {
	if _, err := rs.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result(); err != nil {
		return fmt.Errorf("failed to append to %s: %w", stream, err)
	}
	return nil
}
