package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/proctord/internal/model"
)

// AssignmentRepository reads assignments owned by the workspace service.
type AssignmentRepository struct {
	pool *pgxpool.Pool
}

// NewAssignmentRepository creates a new AssignmentRepository.
func NewAssignmentRepository(pool *pgxpool.Pool) *AssignmentRepository {
	return &AssignmentRepository{pool: pool}
}

// GetAssignment returns the questions and time window of an assignment.
// Returns pgx.ErrNoRows when it does not exist.
func (r *AssignmentRepository) GetAssignment(ctx context.Context, workspaceID, assignmentID string) (*model.Assignment, error) {
	a := &model.Assignment{}
	err := r.pool.QueryRow(ctx,
		`SELECT workspace_id, assignment_id, title, questions, activation_date, closing_date
		 FROM assignments
		 WHERE workspace_id = $1 AND assignment_id = $2`, workspaceID, assignmentID,
	).Scan(&a.WorkspaceID, &a.AssignmentID, &a.Title, &a.Questions, &a.ActivationDate, &a.ClosingDate)
	if err != nil {
		return nil, err
	}
	return a, nil
}
