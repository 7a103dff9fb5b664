package proctor

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/proctord/internal/config"
	"github.com/stemsi/proctord/internal/model"
)

// MonitorMessage is what reviewers receive on the assignment monitor channel.
type MonitorMessage struct {
	Type       string         `json:"type"`
	EventID    string         `json:"event_id"`
	LearnerID  string         `json:"learner_id"`
	Kind       Kind           `json:"kind"`
	Strike     bool           `json:"strike"`
	Detail     map[string]any `json:"detail,omitempty"`
	RecordedAt int64          `json:"recorded_at"`
}

// RedisEventSink queues every signal for the audit log and fans it out to
// the reviewer monitor. Failures are logged and never block the session.
type RedisEventSink struct {
	rdb *redis.Client
	log zerolog.Logger
}

func NewRedisEventSink(rdb *redis.Client, log zerolog.Logger) *RedisEventSink {
	return &RedisEventSink{
		rdb: rdb,
		log: log.With().Str("component", "event_sink").Logger(),
	}
}

func (s *RedisEventSink) Record(ctx context.Context, ns Namespace, sig Signal, strike bool) {
	eventID := uuid.NewString()
	recordedAt := sig.Timestamp.UnixMilli()

	detail := ""
	if len(sig.Detail) > 0 {
		if raw, err := json.Marshal(sig.Detail); err == nil {
			detail = string(raw)
		}
	}

	row, err := json.Marshal(model.ProctoringEvent{
		EventID:      eventID,
		WorkspaceID:  ns.WorkspaceID,
		AssignmentID: ns.AssignmentID,
		LearnerID:    ns.LearnerID,
		Kind:         string(sig.Kind),
		Strike:       strike,
		Detail:       detail,
		RecordedAt:   recordedAt,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to encode proctoring event")
		return
	}

	msg, _ := json.Marshal(MonitorMessage{
		Type:       "violation",
		EventID:    eventID,
		LearnerID:  ns.LearnerID,
		Kind:       sig.Kind,
		Strike:     strike,
		Detail:     sig.Detail,
		RecordedAt: recordedAt,
	})

	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, config.WorkerKey.PersistViolationsQueue, row)
	pipe.Publish(ctx, config.CacheKey.AssignmentMonitorChannel(ns.WorkspaceID, ns.AssignmentID), msg)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Error().Err(err).
			Str("kind", string(sig.Kind)).
			Str("learner_id", ns.LearnerID).
			Msg("Failed to queue proctoring event")
	}
}
