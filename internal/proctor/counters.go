package proctor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/proctord/internal/config"
	"github.com/stemsi/proctord/internal/model"
)

// Field is one of the scalar entries kept per namespace.
type Field string

const (
	FieldEscapeKeyPresses  Field = "escKeyPressCount"
	FieldViolations        Field = "violationCount"
	FieldSwipeViolations   Field = "swipeViolationCount"
	FieldFullscreenExits   Field = "fullScreenExitCount"
	FieldLastViolationTime Field = "lastViolationTime"
)

var allFields = []Field{
	FieldEscapeKeyPresses,
	FieldViolations,
	FieldSwipeViolations,
	FieldFullscreenExits,
	FieldLastViolationTime,
}

// Namespace scopes counters to a learner inside an assignment.
type Namespace struct {
	WorkspaceID  string `json:"workspace_id"`
	AssignmentID string `json:"assignment_id"`
	LearnerID    string `json:"learner_id"`
}

func (n Namespace) String() string {
	return fmt.Sprintf("%s/%s/%s", n.WorkspaceID, n.AssignmentID, n.LearnerID)
}

// Counters is the snapshot type shared with the submission record.
type Counters = model.ProctoringCounters

// CounterStore persists strike counters across page reloads.
// Absent entries read as zero.
type CounterStore interface {
	Increment(ctx context.Context, ns Namespace, field Field) (int64, error)
	RecordTimestamp(ctx context.Context, ns Namespace, ms int64) error
	Snapshot(ctx context.Context, ns Namespace) (Counters, error)
	Clear(ctx context.Context, ns Namespace) error
}

func setField(c *Counters, f Field, v int64) {
	switch f {
	case FieldEscapeKeyPresses:
		c.EscapeKeyPresses = v
	case FieldViolations:
		c.GenericViolations = v
	case FieldSwipeViolations:
		c.SwipeViolations = v
	case FieldFullscreenExits:
		c.FullscreenExitCount = v
	case FieldLastViolationTime:
		c.LastViolationTime = v
	}
}

func getField(c Counters, f Field) int64 {
	switch f {
	case FieldEscapeKeyPresses:
		return c.EscapeKeyPresses
	case FieldViolations:
		return c.GenericViolations
	case FieldSwipeViolations:
		return c.SwipeViolations
	case FieldFullscreenExits:
		return c.FullscreenExitCount
	case FieldLastViolationTime:
		return c.LastViolationTime
	}
	return 0
}

// ─── Redis ──────────────────────────────────────────────────────────────────

// RedisCounterStore keeps each field under its own key so a single INCR is
// atomic. Keys expire after ttl so abandoned sessions clean themselves up.
type RedisCounterStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCounterStore(rdb *redis.Client, ttl time.Duration) *RedisCounterStore {
	return &RedisCounterStore{rdb: rdb, ttl: ttl}
}

func (s *RedisCounterStore) key(ns Namespace, f Field) string {
	return config.CacheKey.ViolationCounterKey(ns.WorkspaceID, ns.AssignmentID, ns.LearnerID, string(f))
}

func (s *RedisCounterStore) Increment(ctx context.Context, ns Namespace, field Field) (int64, error) {
	key := s.key(ns, field)

	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("increment %s: %w", field, err)
	}
	return incr.Val(), nil
}

func (s *RedisCounterStore) RecordTimestamp(ctx context.Context, ns Namespace, ms int64) error {
	if err := s.rdb.Set(ctx, s.key(ns, FieldLastViolationTime), ms, s.ttl).Err(); err != nil {
		return fmt.Errorf("record violation time: %w", err)
	}
	return nil
}

func (s *RedisCounterStore) Snapshot(ctx context.Context, ns Namespace) (Counters, error) {
	keys := make([]string, len(allFields))
	for i, f := range allFields {
		keys[i] = s.key(ns, f)
	}

	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return Counters{}, fmt.Errorf("read counters: %w", err)
	}

	var c Counters
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			continue
		}
		setField(&c, allFields[i], n)
	}
	return c, nil
}

func (s *RedisCounterStore) Clear(ctx context.Context, ns Namespace) error {
	keys := make([]string, len(allFields))
	for i, f := range allFields {
		keys[i] = s.key(ns, f)
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("clear counters: %w", err)
	}
	return nil
}

// ─── Memory ─────────────────────────────────────────────────────────────────

// MemoryCounterStore is a process-local CounterStore.
type MemoryCounterStore struct {
	mu   sync.Mutex
	data map[Namespace]Counters
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{data: make(map[Namespace]Counters)}
}

func (s *MemoryCounterStore) Increment(_ context.Context, ns Namespace, field Field) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.data[ns]
	v := getField(c, field) + 1
	setField(&c, field, v)
	s.data[ns] = c
	return v, nil
}

func (s *MemoryCounterStore) RecordTimestamp(_ context.Context, ns Namespace, ms int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.data[ns]
	c.LastViolationTime = ms
	s.data[ns] = c
	return nil
}

func (s *MemoryCounterStore) Snapshot(_ context.Context, ns Namespace) (Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[ns], nil
}

func (s *MemoryCounterStore) Clear(_ context.Context, ns Namespace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, ns)
	return nil
}
