package model

import (
	"time"
)

// Assignment is the slice of a workspace assignment the proctor needs:
// its questions and the window it is open for.
type Assignment struct {
	WorkspaceID    string     `json:"workspace_id"`
	AssignmentID   string     `json:"assignment_id"`
	Title          string     `json:"title"`
	Questions      []string   `json:"questions"`
	ActivationDate *time.Time `json:"activation_date,omitempty"`
	ClosingDate    *time.Time `json:"closing_date,omitempty"`
}

// IsOpen reports whether the assignment accepts work at the given instant.
func (a *Assignment) IsOpen(now time.Time) bool {
	if a.ActivationDate != nil && now.Before(*a.ActivationDate) {
		return false
	}
	if a.ClosingDate != nil && !now.Before(*a.ClosingDate) {
		return false
	}
	return true
}

// AssignmentRef identifies an assignment inside a workspace (URI binding).
type AssignmentRef struct {
	WorkspaceID  string `uri:"workspaceID" binding:"required,max=128"`
	AssignmentID string `uri:"assignmentID" binding:"required,max=128"`
}
