package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stemsi/proctord/internal/config"
	"github.com/stemsi/proctord/internal/model"
	"github.com/stemsi/proctord/internal/proctor"
	"github.com/stemsi/proctord/internal/submission"
)

var (
	ErrAssignmentNotFound = errors.New("assignment not found")
	ErrAssignmentClosed   = errors.New("assignment is not open")
)

// AssignmentReader loads assignments.
type AssignmentReader interface {
	GetAssignment(ctx context.Context, workspaceID, assignmentID string) (*model.Assignment, error)
}

// SubmissionReader looks up stored submissions.
type SubmissionReader interface {
	GetSubmission(ctx context.Context, workspaceID, assignmentID, learnerID string) (*model.Submission, error)
	ListSubmissions(ctx context.Context, workspaceID, assignmentID string) ([]model.Submission, error)
}

// ProctorService assembles proctoring sessions and answers state queries.
type ProctorService struct {
	assignments AssignmentReader
	submissions SubmissionReader
	counters    proctor.CounterStore
	pipeline    *submission.Pipeline
	sink        proctor.EventSink
	cfg         *config.Config
	now         func() time.Time
	log         zerolog.Logger
}

// NewProctorService creates a new ProctorService.
func NewProctorService(
	assignments AssignmentReader,
	submissions SubmissionReader,
	counters proctor.CounterStore,
	pipeline *submission.Pipeline,
	sink proctor.EventSink,
	cfg *config.Config,
	log zerolog.Logger,
) *ProctorService {
	return &ProctorService{
		assignments: assignments,
		submissions: submissions,
		counters:    counters,
		pipeline:    pipeline,
		sink:        sink,
		cfg:         cfg,
		now:         time.Now,
		log:         log.With().Str("component", "proctor_service").Logger(),
	}
}

// LearnerState is what the page needs before it opens the proctoring stream.
type LearnerState struct {
	Assignment      *model.Assignment        `json:"assignment"`
	Open            bool                     `json:"open"`
	Exempt          bool                     `json:"exempt"`
	Role            Role                     `json:"role"`
	TimeRemainingMs *int64                   `json:"time_remaining_ms,omitempty"`
	Counters        model.ProctoringCounters `json:"counters"`
	Submission      *model.Submission        `json:"submission,omitempty"`
	Submissions     []model.Submission       `json:"submissions,omitempty"`
}

func (s *ProctorService) loadAssignment(ctx context.Context, workspaceID, assignmentID string) (*model.Assignment, error) {
	a, err := s.assignments.GetAssignment(ctx, workspaceID, assignmentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAssignmentNotFound
		}
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	return a, nil
}

// findSubmission returns nil when the learner has not submitted.
func (s *ProctorService) findSubmission(ctx context.Context, ns proctor.Namespace) (*model.Submission, error) {
	sub, err := s.submissions.GetSubmission(ctx, ns.WorkspaceID, ns.AssignmentID, ns.LearnerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get submission: %w", err)
	}
	return sub, nil
}

// State returns the assignment, the caller's exemption and, for learners
// who already submitted, their stored submission.
func (s *ProctorService) State(ctx context.Context, ns proctor.Namespace, role Role) (*LearnerState, error) {
	a, err := s.loadAssignment(ctx, ns.WorkspaceID, ns.AssignmentID)
	if err != nil {
		return nil, err
	}

	st := &LearnerState{Assignment: a, Role: role, Open: a.IsOpen(s.now())}
	if a.ClosingDate != nil {
		rem := a.ClosingDate.Sub(s.now()).Milliseconds()
		st.TimeRemainingMs = &rem
	}

	if role == RoleReviewer {
		st.Exempt = true
		subs, err := s.submissions.ListSubmissions(ctx, ns.WorkspaceID, ns.AssignmentID)
		if err != nil {
			return nil, fmt.Errorf("list submissions: %w", err)
		}
		st.Submissions = subs
		return st, nil
	}

	sub, err := s.findSubmission(ctx, ns)
	if err != nil {
		return nil, err
	}
	if sub != nil {
		st.Exempt = true
		st.Submission = sub
		st.Counters = sub.Violations
		return st, nil
	}

	c, err := s.counters.Snapshot(ctx, ns)
	if err != nil {
		s.log.Warn().Err(err).Str("learner_id", ns.LearnerID).Msg("Failed to read counters for state")
	}
	st.Counters = c
	return st, nil
}

// Open builds and mounts a session for the caller. Reviewers and learners
// who already submitted get an exempt session with no detectors.
func (s *ProctorService) Open(ctx context.Context, ns proctor.Namespace, role Role, notifier proctor.Notifier) (*proctor.Session, error) {
	a, err := s.loadAssignment(ctx, ns.WorkspaceID, ns.AssignmentID)
	if err != nil {
		return nil, err
	}

	exemption := proctor.ExemptNone
	switch {
	case role == RoleReviewer:
		exemption = proctor.ExemptReviewer
	default:
		sub, err := s.findSubmission(ctx, ns)
		if err != nil {
			return nil, err
		}
		if sub != nil {
			exemption = proctor.ExemptSubmitted
		} else if a.ActivationDate != nil && s.now().Before(*a.ActivationDate) {
			return nil, ErrAssignmentClosed
		}
	}

	session := proctor.NewSession(proctor.SessionConfig{
		Namespace:     ns,
		ClosingDate:   a.ClosingDate,
		WarningPeriod: s.cfg.WarningPeriod,
		ReentryDelay:  s.cfg.ReentryDelay,
		DedupWindow:   s.cfg.DedupWindow,
		Counters:      s.counters,
		Submitter:     s.pipeline.For(ns, a.Questions),
		Notifier:      notifier,
		Sink:          s.sink,
		Now:           s.now,
		Log:           s.log,
	})
	session.Mount(ctx, exemption)
	return session, nil
}

// ListSubmissions is the reviewer read side.
func (s *ProctorService) ListSubmissions(ctx context.Context, workspaceID, assignmentID string) ([]model.Submission, error) {
	if _, err := s.loadAssignment(ctx, workspaceID, assignmentID); err != nil {
		return nil, err
	}
	subs, err := s.submissions.ListSubmissions(ctx, workspaceID, assignmentID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	return subs, nil
}
