package submission

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/proctord/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	answersKey   = "workspace:ws-1:assignment:as-1:learner:learner-1:answers"
	languagesKey = "workspace:ws-1:assignment:as-1:learner:learner-1:languages"
)

func newBuffer(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *AnswerBuffer) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	b := NewAnswerBuffer(rdb, ttl)
	b.now = func() time.Time { return fixedAt }
	return mr, b
}

func TestAnswerBuffer_SaveAndRead(t *testing.T) {
	ctx := context.Background()
	mr, b := newBuffer(t, time.Hour)

	require.NoError(t, b.Save(ctx, testNS, model.DraftAnswer{Question: "q1", Code: "print(1)", Language: "python"}))
	require.NoError(t, b.Save(ctx, testNS, model.DraftAnswer{Question: "q2", Code: "int main(){}", Language: "c"}))
	require.NoError(t, b.Save(ctx, testNS, model.DraftAnswer{Question: "q1", Code: "print(2)", Language: "python"}))

	got, err := b.Answers(ctx, testNS)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"q1": "print(2)", "q2": "int main(){}"}, got.Code)
	assert.Equal(t, map[string]string{"q1": "python", "q2": "c"}, got.Languages)

	assert.Equal(t, time.Hour, mr.TTL(answersKey))
	assert.Equal(t, time.Hour, mr.TTL(languagesKey))

	queued, err := mr.List("persist_drafts_queue")
	require.NoError(t, err)
	require.Len(t, queued, 3, "every edit is queued")

	var last model.DraftPayload
	require.NoError(t, json.Unmarshal([]byte(queued[2]), &last))
	assert.Equal(t, model.DraftPayload{
		WorkspaceID:  "ws-1",
		AssignmentID: "as-1",
		LearnerID:    "learner-1",
		Question:     "q1",
		Code:         "print(2)",
		Language:     "python",
		SavedAt:      fixedAt.UnixMilli(),
	}, last)
}

func TestAnswerBuffer_EmptyAndDiscard(t *testing.T) {
	ctx := context.Background()
	mr, b := newBuffer(t, 0)

	got, err := b.Answers(ctx, testNS)
	require.NoError(t, err)
	assert.Empty(t, got.Code)

	require.NoError(t, b.Save(ctx, testNS, model.DraftAnswer{Question: "q1", Code: "x", Language: "java"}))
	assert.Zero(t, mr.TTL(answersKey), "no expiry when ttl is zero")

	require.NoError(t, b.Discard(ctx, testNS))
	assert.False(t, mr.Exists(answersKey))
	assert.False(t, mr.Exists(languagesKey))
}

func TestAnswerBuffer_Unavailable(t *testing.T) {
	mr, b := newBuffer(t, time.Hour)
	mr.Close()

	err := b.Save(context.Background(), testNS, model.DraftAnswer{Question: "q1", Language: "python"})
	assert.Error(t, err)
	_, err = b.Answers(context.Background(), testNS)
	assert.Error(t, err)
}
