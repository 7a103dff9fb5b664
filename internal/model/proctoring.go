package model

// ProctoringCounters is the persisted strike tally for one learner in one
// assignment. Field names match the keys the counters are stored under.
type ProctoringCounters struct {
	EscapeKeyPresses    int64 `json:"escKeyPressCount"`
	GenericViolations   int64 `json:"violationCount"`
	SwipeViolations     int64 `json:"swipeViolationCount"`
	FullscreenExitCount int64 `json:"fullScreenExitCount"`
	// LastViolationTime is epoch milliseconds, zero when no strike was recorded.
	LastViolationTime int64 `json:"lastViolationTime"`
}

// Total sums every strike counter.
func (c ProctoringCounters) Total() int64 {
	return c.EscapeKeyPresses + c.GenericViolations + c.SwipeViolations + c.FullscreenExitCount
}

// ProctoringEvent is one audit-log row for a detected signal.
type ProctoringEvent struct {
	EventID      string `json:"event_id"`
	WorkspaceID  string `json:"workspace_id"`
	AssignmentID string `json:"assignment_id"`
	LearnerID    string `json:"learner_id"`
	Kind         string `json:"kind"`
	Strike       bool   `json:"strike"`
	Detail       string `json:"detail,omitempty"`
	RecordedAt   int64  `json:"recorded_at"`
}

// LearnerViolationSummary aggregates audit rows per learner for reviewers.
type LearnerViolationSummary struct {
	LearnerID    string `json:"learner_id"`
	Strikes      int64  `json:"strikes"`
	Events       int64  `json:"events"`
	LastEventAt  int64  `json:"last_event_at"`
	HasSubmitted bool   `json:"has_submitted"`
}
