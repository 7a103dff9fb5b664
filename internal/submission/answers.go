package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/proctord/internal/config"
	"github.com/stemsi/proctord/internal/model"
	"github.com/stemsi/proctord/internal/proctor"
)

var ErrEditingFrozen = errors.New("answers can no longer be edited")

// AnswerBuffer keeps the learner's in-progress answers in two Redis hashes
// (code and language per question) and queues every edit for durable
// persistence by the draft worker.
type AnswerBuffer struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

func NewAnswerBuffer(rdb *redis.Client, ttl time.Duration) *AnswerBuffer {
	return &AnswerBuffer{rdb: rdb, ttl: ttl, now: time.Now}
}

func keys(ns proctor.Namespace) (string, string) {
	return config.CacheKey.LearnerAnswersKey(ns.WorkspaceID, ns.AssignmentID, ns.LearnerID),
		config.CacheKey.LearnerLanguagesKey(ns.WorkspaceID, ns.AssignmentID, ns.LearnerID)
}

// Save stores one answer edit.
func (b *AnswerBuffer) Save(ctx context.Context, ns proctor.Namespace, draft model.DraftAnswer) error {
	answersKey, languagesKey := keys(ns)

	payload, err := json.Marshal(model.DraftPayload{
		WorkspaceID:  ns.WorkspaceID,
		AssignmentID: ns.AssignmentID,
		LearnerID:    ns.LearnerID,
		Question:     draft.Question,
		Code:         draft.Code,
		Language:     draft.Language,
		SavedAt:      b.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode draft: %w", err)
	}

	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, answersKey, draft.Question, draft.Code)
	pipe.HSet(ctx, languagesKey, draft.Question, draft.Language)
	if b.ttl > 0 {
		pipe.Expire(ctx, answersKey, b.ttl)
		pipe.Expire(ctx, languagesKey, b.ttl)
	}
	pipe.RPush(ctx, config.WorkerKey.PersistDraftsQueue, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}

// Answers implements AnswerSource.
func (b *AnswerBuffer) Answers(ctx context.Context, ns proctor.Namespace) (Answers, error) {
	answersKey, languagesKey := keys(ns)

	pipe := b.rdb.Pipeline()
	codeCmd := pipe.HGetAll(ctx, answersKey)
	langCmd := pipe.HGetAll(ctx, languagesKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Answers{}, fmt.Errorf("read answers: %w", err)
	}

	return Answers{Code: codeCmd.Val(), Languages: langCmd.Val()}, nil
}

// Discard implements AnswerSource.
func (b *AnswerBuffer) Discard(ctx context.Context, ns proctor.Namespace) error {
	answersKey, languagesKey := keys(ns)
	return b.rdb.Del(ctx, answersKey, languagesKey).Err()
}
