package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safety-aware-orchestrator/pkg/constants"
	"safety-aware-orchestrator/pkg/metrics"
	"safety-aware-orchestrator/pkg/models"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client, *metrics.Metrics) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb, metrics.NewMetricsWith(prometheus.NewRegistry())
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestRecordStore_NotificationsNewestFirst(t *testing.T) {
	_, rdb, m := setupTestRedis(t)
	rs := NewRecordStore(rdb, testLogger(), m)
	ctx := context.Background()

	first, err := rs.AddNotification(ctx, models.Notification{UserID: "u1", Message: "first", Type: "alert"})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "sent", first.Status)

	_, err = rs.AddNotification(ctx, models.Notification{UserID: "u1", Message: "second", Type: "alert"})
	require.NoError(t, err)

	list, err := rs.ListNotifications(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "second", list[0].Message)
	assert.Equal(t, "first", list[1].Message)

	entries, err := rdb.XRange(ctx, constants.NotificationStream, "-", "+").Result()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, "u1", entries[0].Values["user_id"])
}

func TestRecordStore_NotificationsTrimmed(t *testing.T) {
	_, rdb, m := setupTestRedis(t)
	rs := NewRecordStore(rdb, testLogger(), m)
	ctx := context.Background()

	for i := 0; i < constants.MaxNotificationsKept+5; i++ {
		_, err := rs.AddNotification(ctx, models.Notification{UserID: "u1", Message: fmt.Sprintf("n%d", i)})
		require.NoError(t, err)
	}

	n, err := rdb.LLen(ctx, constants.UserNotificationsKey+"u1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(constants.MaxNotificationsKept), n)
}

func TestRecordStore_AppendsStreams(t *testing.T) {
	_, rdb, m := setupTestRedis(t)
	rs := NewRecordStore(rdb, testLogger(), m)
	ctx := context.Background()

	require.NoError(t, rs.AddMoodLog(ctx, models.MoodLog{UserID: "u1", Mood: "sad", Intensity: 7}))
	require.NoError(t, rs.AddSelfieRequest(ctx, models.SelfieRequest{UserID: "u1", Reason: "check-in"}))
	require.NoError(t, rs.AddVisualAnalysis(ctx, "u1", "dark room", "concern"))
	require.NoError(t, rs.AddMusicSession(ctx, "u1", "sad", "ambient", 15))

	for _, stream := range []string{
		constants.MoodLogStream,
		constants.SelfieRequestStream,
		constants.VisualAnalysisStream,
		constants.MusicSessionStream,
	} {
		entries, err := rdb.XRange(ctx, stream, "-", "+").Result()
		require.NoError(t, err, stream)
		assert.Len(t, entries, 1, stream)
	}

	selfies, err := rdb.XRange(ctx, constants.SelfieRequestStream, "-", "+").Result()
	require.NoError(t, err)
	assert.Equal(t, "requested", selfies[0].Values["status"])
}

func TestThreadStore_LoadMissingThread(t *testing.T) {
	_, rdb, m := setupTestRedis(t)
	ts := NewThreadStore(rdb, m, time.Hour)

	msgs, err := ts.Load(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, msgs)
}

func TestThreadStore_SaveAndLoad(t *testing.T) {
	_, rdb, m := setupTestRedis(t)
	ts := NewThreadStore(rdb, m, time.Hour)
	ctx := context.Background()

	history := []models.Message{
		models.NewUserMessage("hello"),
		models.NewAssistantMessage("hi there", nil),
		models.NewVisualContextMessage("a dim room"),
	}
	require.NoError(t, ts.Save(ctx, "t1", history))

	loaded, err := ts.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, history, loaded)
}

func TestThreadStore_KeepsNewestMessages(t *testing.T) {
	_, rdb, m := setupTestRedis(t)
	ts := NewThreadStore(rdb, m, 0)
	ctx := context.Background()

	var history []models.Message
	for i := 0; i < constants.MaxThreadMessagesKept+10; i++ {
		history = append(history, models.NewUserMessage(fmt.Sprintf("m%d", i)))
	}
	require.NoError(t, ts.Save(ctx, "t1", history))

	loaded, err := ts.Load(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, loaded, constants.MaxThreadMessagesKept)
	assert.Equal(t, "m10", loaded[0].Content)
}

func TestMemoryStore_SearchRanksByOverlap(t *testing.T) {
	_, rdb, m := setupTestRedis(t)
	ms := NewMemoryStore(rdb, m)
	ctx := context.Background()

	require.NoError(t, ms.Add(ctx, "u1", MemorySemantic, "User enjoys walking the dog in the park"))
	require.NoError(t, ms.Add(ctx, "u1", MemoryEpisodic, "Had a rough week at work"))
	require.NoError(t, ms.Add(ctx, "u2", MemorySemantic, "Another user likes the park"))

	got, err := ms.Search(ctx, "u1", "walking in the park", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Content, "dog")
	assert.Greater(t, got[0].Score, 0.0)

	got, err = ms.Search(ctx, "u1", "nothing relevant here", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryStore_RecentByKind(t *testing.T) {
	_, rdb, m := setupTestRedis(t)
	ms := NewMemoryStore(rdb, m)
	ctx := context.Background()

	require.NoError(t, ms.Add(ctx, "u1", MemoryEpisodic, "first"))
	require.NoError(t, ms.Add(ctx, "u1", MemoryEpisodic, "second"))
	require.NoError(t, ms.Add(ctx, "u1", MemorySemantic, "fact"))

	got, err := ms.Recent(ctx, "u1", MemoryEpisodic, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"second", "first"}, got)

	assert.Error(t, ms.Add(ctx, "u1", MemoryGeneral, "   "))
}

func TestParseMemoryKind(t *testing.T) {
	k, ok := ParseMemoryKind(" Episodic ")
	assert.True(t, ok)
	assert.Equal(t, MemoryEpisodic, k)

	_, ok = ParseMemoryKind("dreams")
	assert.False(t, ok)
}

func TestLeaseStore_SingleHolderUntilExpiry(t *testing.T) {
	mr, rdb, m := setupTestRedis(t)
	ls := NewLedgerStore(rdb, m)
	ctx := context.Background()

	ok, err := ls.TryAcquire(ctx, "k1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ls.TryAcquire(ctx, "k1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = ls.TryAcquire(ctx, "k2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Minute)

	ok, err = ls.TryAcquire(ctx, "k1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLeaseStore_CooldownAndLedgerAreSeparate(t *testing.T) {
	_, rdb, m := setupTestRedis(t)
	ctx := context.Background()

	ok, err := NewCooldownStore(rdb, m).TryAcquire(ctx, "u1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = NewLedgerStore(rdb, m).TryAcquire(ctx, "u1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLeaseStore_RedisDown(t *testing.T) {
	mr, rdb, m := setupTestRedis(t)
	mr.Close()

	_, err := NewCooldownStore(rdb, m).TryAcquire(context.Background(), "u1", time.Hour)
	assert.Error(t, err)
}

func TestMemoryLeaseStore(t *testing.T) {
	ls := NewMemoryLeaseStore()
	now := time.Unix(1000, 0)
	ls.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := ls.TryAcquire(ctx, "k", time.Minute)
	assert.True(t, ok)
	ok, _ = ls.TryAcquire(ctx, "k", time.Minute)
	assert.False(t, ok)

	now = now.Add(61 * time.Second)
	ok, _ = ls.TryAcquire(ctx, "k", time.Minute)
	assert.True(t, ok)
}

func TestRecordStore_MoodHistoryNewestFirst(t *testing.T) {
	_, rdb, m := setupTestRedis(t)
	rs := NewRecordStore(rdb, testLogger(), m)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, rs.AddMoodLog(ctx, models.MoodLog{UserID: "u1", Mood: "Sad", Intensity: 6, Timestamp: base.Add(time.Hour)}))
	// backdated entry must not jump ahead of newer ones
	require.NoError(t, rs.AddMoodLog(ctx, models.MoodLog{UserID: "u1", Mood: "Anxious", Intensity: 8, Timestamp: base}))
	require.NoError(t, rs.AddMoodLog(ctx, models.MoodLog{UserID: "u1", Mood: "Happy", Intensity: 4, Notes: "walk", Timestamp: base.Add(2 * time.Hour)}))
	require.NoError(t, rs.AddMoodLog(ctx, models.MoodLog{UserID: "u2", Mood: "Angry", Intensity: 5, Timestamp: base}))

	history, err := rs.MoodHistory(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []string{"Happy", "Sad", "Anxious"}, []string{history[0].Mood, history[1].Mood, history[2].Mood})
	assert.Equal(t, "walk", history[0].Notes)
	assert.True(t, history[0].Timestamp.Equal(base.Add(2*time.Hour)))

	limited, err := rs.MoodHistory(ctx, "u1", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "Happy", limited[0].Mood)

	none, err := rs.MoodHistory(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRecordStore_MoodHistoryTrimmed(t *testing.T) {
	_, rdb, m := setupTestRedis(t)
	rs := NewRecordStore(rdb, testLogger(), m)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < constants.MaxMoodLogsKept+3; i++ {
		require.NoError(t, rs.AddMoodLog(ctx, models.MoodLog{
			UserID:    "u1",
			Mood:      "Neutral",
			Intensity: 5,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	n, err := rdb.ZCard(ctx, constants.UserMoodLogsKey+"u1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(constants.MaxMoodLogsKept), n)

	newest, err := rs.MoodHistory(ctx, "u1", 1)
	require.NoError(t, err)
	require.Len(t, newest, 1)
	assert.True(t, newest[0].Timestamp.Equal(base.Add(time.Duration(constants.MaxMoodLogsKept+2)*time.Second)))
}
