package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/proctord/internal/config"
	"github.com/stemsi/proctord/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(kind string, strike bool) *model.ProctoringEvent {
	return &model.ProctoringEvent{
		EventID:      uuid.NewString(),
		WorkspaceID:  "ws-1",
		AssignmentID: "as-1",
		LearnerID:    "learner-1",
		Kind:         kind,
		Strike:       strike,
		Detail:       `{"key":"Escape"}`,
		RecordedAt:   1700000000000,
	}
}

func newViolationWorker(t *testing.T, db DB) (*ViolationWorker, func() int) {
	mr, rdb := newRedis(t)
	w := NewViolationWorker(db, rdb, zerolog.Nop())
	w.backoff = time.Millisecond
	return w, func() int { return queueLen(t, mr, config.WorkerKey.PersistViolationsQueue) }
}

func TestViolationWorker_BulkInsert(t *testing.T) {
	db := &fakeDB{}
	w, queued := newViolationWorker(t, db)

	batch := []*model.ProctoringEvent{event("escape_key", true), event("paste", false)}
	w.flushSafe(context.Background(), batch)

	require.Len(t, db.copied, 2)
	assert.Zero(t, db.execCount())
	assert.Zero(t, queued())

	row := db.copied[0]
	require.Len(t, row, len(eventColumns))
	assert.Equal(t, uuid.MustParse(batch[0].EventID), row[0])
	assert.Equal(t, "escape_key", row[4])
	assert.Equal(t, true, row[5])
	assert.Equal(t, `{"key":"Escape"}`, row[6])
}

func TestViolationWorker_FallbackAndRequeue(t *testing.T) {
	bad := event("window_blur", true)
	db := &fakeDB{
		copyErr: errDown,
		execErr: func(args []any) error {
			if args[0] == uuid.MustParse(bad.EventID) {
				return errDown
			}
			return nil
		},
	}
	w, queued := newViolationWorker(t, db)

	w.flushSafe(context.Background(), []*model.ProctoringEvent{event("escape_key", true), bad, event("paste", false)})

	assert.Equal(t, 2, db.execCount(), "good rows inserted one by one")
	assert.Contains(t, db.sqls[0], "ON CONFLICT (event_id) DO NOTHING")
	assert.Equal(t, 1, queued(), "rejected row requeued")
}

func TestViolationWorker_InvalidIDIsDropped(t *testing.T) {
	db := &fakeDB{}
	w, queued := newViolationWorker(t, db)

	broken := event("escape_key", true)
	broken.EventID = "not-a-uuid"
	w.flushSafe(context.Background(), []*model.ProctoringEvent{broken, event("paste", false)})

	assert.Empty(t, db.copied, "copy rejects the whole batch")
	assert.Equal(t, 1, db.execCount())
	assert.Zero(t, queued())
}

func TestViolationWorker_EmptyDetailIsNull(t *testing.T) {
	e := event("window_blur", true)
	e.Detail = ""
	row, err := eventRow(e)
	require.NoError(t, err)
	assert.Nil(t, row[6])
}

func TestViolationWorker_StartFlushesOnShutdown(t *testing.T) {
	mr, rdb := newRedis(t)
	db := &fakeDB{}
	w := NewViolationWorker(db, rdb, zerolog.Nop())

	for _, e := range []*model.ProctoringEvent{event("escape_key", true), event("swipe", true)} {
		raw, err := json.Marshal(e)
		require.NoError(t, err)
		_, err = mr.Push(config.WorkerKey.PersistViolationsQueue, string(raw))
		require.NoError(t, err)
	}
	_, err := mr.Push(config.WorkerKey.PersistViolationsQueue, "{broken")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return queueLen(t, mr, config.WorkerKey.PersistViolationsQueue) == 0
	}, 3*time.Second, 20*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	assert.Len(t, db.copied, 2)
}
