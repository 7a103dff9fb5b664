package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/proctord/internal/config"
	"github.com/stemsi/proctord/internal/model"
)

// DraftWorker consumes persist_drafts_queue and UPSERTs answer drafts to PostgreSQL.
type DraftWorker struct {
	db      DB
	rdb     *redis.Client
	log     zerolog.Logger
	backoff time.Duration
}

func NewDraftWorker(db DB, rdb *redis.Client, log zerolog.Logger) *DraftWorker {
	return &DraftWorker{
		db:      db,
		rdb:     rdb,
		log:     log.With().Str("component", "draft_worker").Logger(),
		backoff: 5 * time.Second,
	}
}

// Start begins the worker loop. Call in a goroutine.
func (w *DraftWorker) Start(ctx context.Context) {
	w.log.Info().Msg("DraftWorker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			w.drain(context.Background())
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *DraftWorker) processNext(ctx context.Context) {
	result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistDraftsQueue).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
			time.Sleep(time.Second)
		}
		return
	}
	if len(result) < 2 {
		return
	}

	var p model.DraftPayload
	if err := json.Unmarshal([]byte(result[1]), &p); err != nil {
		w.log.Error().Err(err).Msg("Discarding malformed draft")
		return
	}

	if err := w.persist(ctx, &p); err != nil {
		w.log.Error().Err(err).
			Str("learner_id", p.LearnerID).
			Str("assignment_id", p.AssignmentID).
			Msg("Persist error, retrying later")
		w.rdb.RPush(ctx, config.WorkerKey.PersistDraftsQueue, result[1])
		time.Sleep(w.backoff)
	}
}

// persist keeps only the newest edit per question; a stale retry never
// overwrites a newer draft.
func (w *DraftWorker) persist(ctx context.Context, p *model.DraftPayload) error {
	_, err := w.db.Exec(ctx,
		`INSERT INTO answer_drafts (workspace_id, assignment_id, learner_id, question, code, language, saved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (workspace_id, assignment_id, learner_id, question) DO UPDATE
		 SET code = EXCLUDED.code, language = EXCLUDED.language, saved_at = EXCLUDED.saved_at, updated_at = NOW()
		 WHERE answer_drafts.saved_at <= EXCLUDED.saved_at`,
		p.WorkspaceID, p.AssignmentID, p.LearnerID, p.Question, p.Code, p.Language, p.SavedAt,
	)
	return err
}

// drain persists what is left in the queue before shutdown.
func (w *DraftWorker) drain(ctx context.Context) {
	drained := 0
	for {
		raw, err := w.rdb.LPop(ctx, config.WorkerKey.PersistDraftsQueue).Result()
		if err != nil {
			break
		}

		var p model.DraftPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			w.log.Error().Err(err).Msg("Drain unmarshal error")
			continue
		}
		if err := w.persist(ctx, &p); err != nil {
			w.log.Error().Err(err).Msg("Drain persist error")
			w.rdb.RPush(ctx, config.WorkerKey.PersistDraftsQueue, raw)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining drafts")
	}
}
