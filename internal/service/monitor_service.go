package service

import (
	"context"
	"sort"
	"sync"

	"github.com/stemsi/proctord/internal/model"
)

// MonitorReader is the data the live monitor aggregates.
type MonitorReader interface {
	GetViolationSummaries(ctx context.Context, workspaceID, assignmentID string) ([]model.LearnerViolationSummary, error)
	GetSubmittedLearnerIDs(ctx context.Context, workspaceID, assignmentID string) (map[string]bool, error)
	ListEvents(ctx context.Context, workspaceID, assignmentID, learnerID string, limit int) ([]model.ProctoringEvent, error)
}

const (
	defaultEventLimit = 200
	maxEventLimit     = 1000
)

// MonitorService orchestrates the reviewer live monitor.
type MonitorService struct {
	monitorRepo MonitorReader
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(monitorRepo MonitorReader) *MonitorService {
	return &MonitorService{monitorRepo: monitorRepo}
}

// AssignmentSnapshot is the periodic refresh payload of the monitor stream.
type AssignmentSnapshot struct {
	Learners     []model.LearnerViolationSummary `json:"learners"`
	TotalStrikes int64                           `json:"total_strikes"`
	Submitted    int                             `json:"submitted"`
}

// GetAssignmentSnapshot fetches violation summaries and submitted learners
// concurrently. Summaries are required; submissions are best-effort.
func (s *MonitorService) GetAssignmentSnapshot(ctx context.Context, workspaceID, assignmentID string) (*AssignmentSnapshot, error) {
	var (
		summaries    []model.LearnerViolationSummary
		submitted    map[string]bool
		summariesErr error
		submittedErr error
		wg           sync.WaitGroup
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		summaries, summariesErr = s.monitorRepo.GetViolationSummaries(ctx, workspaceID, assignmentID)
	}()
	go func() {
		defer wg.Done()
		submitted, submittedErr = s.monitorRepo.GetSubmittedLearnerIDs(ctx, workspaceID, assignmentID)
	}()
	wg.Wait()

	if summariesErr != nil {
		return nil, summariesErr
	}
	if submittedErr != nil {
		submitted = nil
	}

	snapshot := &AssignmentSnapshot{Learners: make([]model.LearnerViolationSummary, 0, len(summaries))}
	seen := make(map[string]bool, len(summaries))
	for _, l := range summaries {
		l.HasSubmitted = submitted[l.LearnerID]
		snapshot.TotalStrikes += l.Strikes
		snapshot.Learners = append(snapshot.Learners, l)
		seen[l.LearnerID] = true
	}
	// Learners who submitted without a single recorded event.
	for id := range submitted {
		if !seen[id] {
			snapshot.Learners = append(snapshot.Learners, model.LearnerViolationSummary{LearnerID: id, HasSubmitted: true})
		}
	}
	snapshot.Submitted = len(submitted)

	sort.Slice(snapshot.Learners, func(i, j int) bool {
		return snapshot.Learners[i].LearnerID < snapshot.Learners[j].LearnerID
	})
	return snapshot, nil
}

// LearnerEvents returns one learner's audit trail. limit is clamped to
// [1, 1000] and defaults to 200.
func (s *MonitorService) LearnerEvents(ctx context.Context, workspaceID, assignmentID, learnerID string, limit int) ([]model.ProctoringEvent, error) {
	switch {
	case limit <= 0:
		limit = defaultEventLimit
	case limit > maxEventLimit:
		limit = maxEventLimit
	}
	events, err := s.monitorRepo.ListEvents(ctx, workspaceID, assignmentID, learnerID, limit)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []model.ProctoringEvent{}
	}
	return events, nil
}
