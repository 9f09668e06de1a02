package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/go-redis/redis/v8"

	"safety-aware-orchestrator/pkg/constants"
	"safety-aware-orchestrator/pkg/metrics"
	"safety-aware-orchestrator/pkg/models"
)

// MemoryKind partitions a user's recall memories.
type MemoryKind string

const (
	MemorySemantic    MemoryKind = "semantic"
	MemoryEpisodic    MemoryKind = "episodic"
	MemoryProcedural  MemoryKind = "procedural"
	MemoryAssociative MemoryKind = "associative"
	MemoryGeneral     MemoryKind = "general"
)

var AllMemoryKinds = []MemoryKind{MemorySemantic, MemoryEpisodic, MemoryProcedural, MemoryAssociative, MemoryGeneral}

func ParseMemoryKind(s string) (MemoryKind, bool) {
	for _, k := range AllMemoryKinds {
		if string(k) == strings.ToLower(strings.TrimSpace(s)) {
			return k, true
		}
	}
	return "", false
}

const memoryScanLimit = 200

type memoryRecord struct {
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// MemoryStore keeps recall snippets in per-user, per-kind Redis lists and ranks
// them by query term overlap. It is a stand-in for a vector index.
type MemoryStore struct {
	rdb     *redis.Client
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewMemoryStore(rdb *redis.Client, metrics *metrics.Metrics) *MemoryStore {
	return &MemoryStore{rdb: rdb, metrics: metrics, now: time.Now}
}

func memoryKey(userID string, kind MemoryKind) string {
	return constants.MemoryKeyPrefix + userID + ":" + string(kind)
}

func (ms *MemoryStore) Add(ctx context.Context, userID string, kind MemoryKind, content string) error {
	start := time.Now()
	defer func() {
		ms.metrics.RedisOperationDuration.WithLabelValues("add_memory").Observe(time.Since(start).Seconds())
	}()

	content = strings.TrimSpace(content)
	if content == "" {
		return fmt.Errorf("memory content is empty")
	}

	data, err := json.Marshal(memoryRecord{Content: content, CreatedAt: ms.now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("failed to marshal memory: %w", err)
	}

	key := memoryKey(userID, kind)
	pipe := ms.rdb.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, memoryScanLimit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add memory: %w", err)
	}
	return nil
}

// Recent returns the newest snippets of one kind, newest first.
func (ms *MemoryStore) Recent(ctx context.Context, userID string, kind MemoryKind, limit int) ([]string, error) {
	records, err := ms.load(ctx, userID, kind, limit)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Content)
	}
	return out, nil
}

// Search ranks every kind of memory for userID against query and returns at
// most limit snippets with a positive score.
func (ms *MemoryStore) Search(ctx context.Context, userID, query string, limit int) ([]models.MemorySnippet, error) {
	start := time.Now()
	defer func() {
		ms.metrics.RedisOperationDuration.WithLabelValues("search_memory").Observe(time.Since(start).Seconds())
	}()

	terms := tokenize(query)
	if len(terms) == 0 || limit <= 0 {
		return nil, nil
	}

	var ranked []models.MemorySnippet
	for _, kind := range AllMemoryKinds {
		records, err := ms.load(ctx, userID, kind, memoryScanLimit)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			if score := overlap(terms, tokenize(r.Content)); score > 0 {
				ranked = append(ranked, models.MemorySnippet{Content: r.Content, Score: score})
			}
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

func (ms *MemoryStore) load(ctx context.Context, userID string, kind MemoryKind, limit int) ([]memoryRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := ms.rdb.LRange(ctx, memoryKey(userID, kind), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read memories: %w", err)
	}
	out := make([]memoryRecord, 0, len(raw))
	for _, item := range raw {
		var r memoryRecord
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func tokenize(s string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len(f) > 2 {
			out[f] = struct{}{}
		}
	}
	return out
}

// overlap is the fraction of query terms present in the document.
func overlap(query, doc map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	hits := 0
	for term := range query {
		if _, ok := doc[term]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}
