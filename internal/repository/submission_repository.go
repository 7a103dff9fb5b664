package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/proctord/internal/model"
)

// SubmissionRepository handles submission data access.
type SubmissionRepository struct {
	pool *pgxpool.Pool
}

// NewSubmissionRepository creates a new SubmissionRepository.
func NewSubmissionRepository(pool *pgxpool.Pool) *SubmissionRepository {
	return &SubmissionRepository{pool: pool}
}

const submissionColumns = `submitted_by, submitted_at, answers, languages, marks, evaluations, violations, reason, violation_kind`

// UpsertSubmission stores the learner's submission, replacing any earlier one
// in the same statement so a reader never observes the learner without one.
func (r *SubmissionRepository) UpsertSubmission(ctx context.Context, workspaceID, assignmentID string, s *model.Submission) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO submissions (workspace_id, assignment_id, `+submissionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (workspace_id, assignment_id, submitted_by) DO UPDATE SET
		   submitted_at   = EXCLUDED.submitted_at,
		   answers        = EXCLUDED.answers,
		   languages      = EXCLUDED.languages,
		   marks          = EXCLUDED.marks,
		   evaluations    = EXCLUDED.evaluations,
		   violations     = EXCLUDED.violations,
		   reason         = EXCLUDED.reason,
		   violation_kind = EXCLUDED.violation_kind`,
		workspaceID, assignmentID,
		s.SubmittedBy, s.SubmittedAt, s.Answers, s.Languages, s.Marks, s.Evaluations, s.Violations,
		s.Reason, s.ViolationKind,
	)
	return err
}

// GetSubmission returns a learner's submission, or pgx.ErrNoRows.
func (r *SubmissionRepository) GetSubmission(ctx context.Context, workspaceID, assignmentID, learnerID string) (*model.Submission, error) {
	s := &model.Submission{}
	err := r.pool.QueryRow(ctx,
		`SELECT `+submissionColumns+`
		 FROM submissions
		 WHERE workspace_id = $1 AND assignment_id = $2 AND submitted_by = $3`,
		workspaceID, assignmentID, learnerID,
	).Scan(&s.SubmittedBy, &s.SubmittedAt, &s.Answers, &s.Languages, &s.Marks, &s.Evaluations,
		&s.Violations, &s.Reason, &s.ViolationKind)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListSubmissions returns every submission of an assignment, newest first.
func (r *SubmissionRepository) ListSubmissions(ctx context.Context, workspaceID, assignmentID string) ([]model.Submission, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+submissionColumns+`
		 FROM submissions
		 WHERE workspace_id = $1 AND assignment_id = $2
		 ORDER BY submitted_at DESC`, workspaceID, assignmentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []model.Submission
	for rows.Next() {
		var s model.Submission
		if err := rows.Scan(&s.SubmittedBy, &s.SubmittedAt, &s.Answers, &s.Languages, &s.Marks,
			&s.Evaluations, &s.Violations, &s.Reason, &s.ViolationKind); err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}
