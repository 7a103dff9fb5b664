package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/proctord/internal/config"
	"github.com/stemsi/proctord/internal/model"
)

// ViolationWorker batches proctoring events from Redis into the audit table.
type ViolationWorker struct {
	db      DB
	rdb     *redis.Client
	log     zerolog.Logger
	backoff time.Duration
}

func NewViolationWorker(db DB, rdb *redis.Client, log zerolog.Logger) *ViolationWorker {
	return &ViolationWorker{
		db:      db,
		rdb:     rdb,
		log:     log.With().Str("component", "violation_worker").Logger(),
		backoff: RetryBackoff,
	}
}

var eventColumns = []string{"event_id", "workspace_id", "assignment_id", "learner_id", "kind", "strike", "detail", "recorded_at"}

func (w *ViolationWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ViolationWorker started")

	buffer := make([]*model.ProctoringEvent, 0, BatchSize)
	lastFlush := time.Now()

	for {
		if len(buffer) > 0 && (len(buffer) >= BatchSize || time.Since(lastFlush) >= BatchTimeout) {
			w.flushSafe(ctx, buffer)
			buffer = buffer[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistViolationsQueue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				w.shutdown(buffer)
				return
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			time.Sleep(3 * time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}

		var ev model.ProctoringEvent
		if err := json.Unmarshal([]byte(result[1]), &ev); err != nil {
			// Malformed JSON can never succeed; drop it.
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed event")
			continue
		}
		buffer = append(buffer, &ev)
	}
}

// flushSafe tries one CopyFrom, falls back to row inserts and requeues rows
// the database still rejects.
func (w *ViolationWorker) flushSafe(ctx context.Context, batch []*model.ProctoringEvent) {
	if err := w.bulkInsert(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
		w.fallbackInsert(ctx, batch)
	}
}

func eventRow(e *model.ProctoringEvent) ([]any, error) {
	id, err := uuid.Parse(e.EventID)
	if err != nil {
		return nil, err
	}
	var detail any
	if e.Detail != "" {
		detail = e.Detail
	}
	return []any{id, e.WorkspaceID, e.AssignmentID, e.LearnerID, e.Kind, e.Strike, detail, e.RecordedAt}, nil
}

func (w *ViolationWorker) bulkInsert(ctx context.Context, batch []*model.ProctoringEvent) error {
	rows := make([][]any, 0, len(batch))
	for _, e := range batch {
		row, err := eventRow(e)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	_, err := w.db.CopyFrom(ctx, pgx.Identifier{"proctoring_events"}, eventColumns, pgx.CopyFromRows(rows))
	return err
}

func (w *ViolationWorker) fallbackInsert(ctx context.Context, batch []*model.ProctoringEvent) {
	var requeue []*model.ProctoringEvent

	for _, e := range batch {
		row, err := eventRow(e)
		if err != nil {
			w.log.Error().Str("event_id", e.EventID).Msg("Dropping event with invalid id")
			continue
		}

		_, err = w.db.Exec(ctx,
			`INSERT INTO proctoring_events (event_id, workspace_id, assignment_id, learner_id, kind, strike, detail, recorded_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
			 ON CONFLICT (event_id) DO NOTHING`,
			row...,
		)
		if err != nil {
			w.log.Error().Err(err).Str("learner_id", e.LearnerID).Msg("Insert failed, requeueing")
			requeue = append(requeue, e)
		}
	}

	if len(requeue) > 0 {
		w.requeue(ctx, requeue)
	}
}

func (w *ViolationWorker) requeue(ctx context.Context, items []*model.ProctoringEvent) {
	pipe := w.rdb.Pipeline()
	for _, e := range items {
		data, _ := json.Marshal(e)
		pipe.RPush(ctx, config.WorkerKey.PersistViolationsQueue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue events. Audit rows lost.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed events")
	time.Sleep(w.backoff)
}

func (w *ViolationWorker) shutdown(buffer []*model.ProctoringEvent) {
	w.log.Info().Int("buffered", len(buffer)).Msg("Worker stopping, flushing remaining buffer")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
}
