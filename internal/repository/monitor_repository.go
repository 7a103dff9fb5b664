package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/proctord/internal/model"
)

// MonitorRepository provides data access for the reviewer live monitor.
type MonitorRepository struct {
	pool *pgxpool.Pool
}

// NewMonitorRepository creates a new MonitorRepository.
func NewMonitorRepository(pool *pgxpool.Pool) *MonitorRepository {
	return &MonitorRepository{pool: pool}
}

// GetViolationSummaries aggregates the audit log per learner for an assignment.
func (r *MonitorRepository) GetViolationSummaries(ctx context.Context, workspaceID, assignmentID string) ([]model.LearnerViolationSummary, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT learner_id,
		        COUNT(*) FILTER (WHERE strike),
		        COUNT(*),
		        MAX(recorded_at)
		 FROM proctoring_events
		 WHERE workspace_id = $1 AND assignment_id = $2
		 GROUP BY learner_id
		 ORDER BY learner_id`,
		workspaceID, assignmentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LearnerViolationSummary
	for rows.Next() {
		var s model.LearnerViolationSummary
		if err := rows.Scan(&s.LearnerID, &s.Strikes, &s.Events, &s.LastEventAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetSubmittedLearnerIDs returns the learners who already have a submission.
func (r *MonitorRepository) GetSubmittedLearnerIDs(ctx context.Context, workspaceID, assignmentID string) (map[string]bool, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT submitted_by FROM submissions WHERE workspace_id = $1 AND assignment_id = $2`,
		workspaceID, assignmentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// ListEvents returns the audit trail of one learner, oldest first.
func (r *MonitorRepository) ListEvents(ctx context.Context, workspaceID, assignmentID, learnerID string, limit int) ([]model.ProctoringEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT event_id, workspace_id, assignment_id, learner_id, kind, strike, COALESCE(detail::text, ''), recorded_at
		 FROM proctoring_events
		 WHERE workspace_id = $1 AND assignment_id = $2 AND learner_id = $3
		 ORDER BY recorded_at ASC
		 LIMIT $4`,
		workspaceID, assignmentID, learnerID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.ProctoringEvent
	for rows.Next() {
		var e model.ProctoringEvent
		if err := rows.Scan(&e.EventID, &e.WorkspaceID, &e.AssignmentID, &e.LearnerID, &e.Kind,
			&e.Strike, &e.Detail, &e.RecordedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
