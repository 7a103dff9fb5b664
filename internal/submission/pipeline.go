package submission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/proctord/internal/evaluation"
	"github.com/stemsi/proctord/internal/model"
	"github.com/stemsi/proctord/internal/proctor"
	"golang.org/x/sync/errgroup"
)

// Messages shown to the learner when the pipeline finishes.
const (
	MessageManual    = "Submission Successful! Your answers have been automatically evaluated."
	MessageViolation = "Your test has been automatically submitted due to security violation."
	MessageDeadline  = "Assignment has been auto-submitted due to reaching the closing time."
)

var ErrPersist = errors.New("failed to save submission")

// Evaluator grades one answer.
type Evaluator interface {
	Evaluate(ctx context.Context, req evaluation.Request) (evaluation.Result, error)
}

// Store persists the submission record with replace-by-learner semantics.
type Store interface {
	UpsertSubmission(ctx context.Context, workspaceID, assignmentID string, sub *model.Submission) error
}

// AnswerSource supplies the learner's current answers.
type AnswerSource interface {
	Answers(ctx context.Context, ns proctor.Namespace) (Answers, error)
	Discard(ctx context.Context, ns proctor.Namespace) error
}

// Answers holds code and language per question.
type Answers struct {
	Code      map[string]string
	Languages map[string]string
}

type Options struct {
	// Concurrency bounds parallel evaluation calls per submission.
	Concurrency int
	// Timeout caps the whole pipeline. It runs detached from the caller's
	// context so a dropped socket does not abandon a half-written submission.
	Timeout time.Duration
	Now     func() time.Time
}

// Pipeline turns a learner's answers into a persisted, evaluated submission.
type Pipeline struct {
	evaluator Evaluator
	store     Store
	answers   AnswerSource
	counters  proctor.CounterStore
	opts      Options
	log       zerolog.Logger
}

func NewPipeline(evaluator Evaluator, store Store, answers AnswerSource, counters proctor.CounterStore, opts Options, log zerolog.Logger) *Pipeline {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{
		evaluator: evaluator,
		store:     store,
		answers:   answers,
		counters:  counters,
		opts:      opts,
		log:       log.With().Str("component", "submission_pipeline").Logger(),
	}
}

// Request is a single pipeline run.
type Request struct {
	Namespace proctor.Namespace
	Questions []string
	Reason    proctor.Reason
	Kind      proctor.Kind
	Lockdown  proctor.Lockdown
}

// Result reports what was persisted. Err is non-nil when the submission
// could not be fully built or saved; teardown has still happened.
type Result struct {
	Submission *model.Submission
	Message    string
	Err        error
}

// Run executes freeze, evaluate, build, persist, clear and teardown in that
// order. Teardown runs on every path.
func (p *Pipeline) Run(ctx context.Context, req Request) (res Result) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.Timeout)
	defer cancel()

	ns := req.Namespace
	log := p.log.With().
		Str("workspace_id", ns.WorkspaceID).
		Str("assignment_id", ns.AssignmentID).
		Str("learner_id", ns.LearnerID).
		Str("reason", string(req.Reason)).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			res.Err = errors.Join(res.Err, fmt.Errorf("submission pipeline panic: %v", r))
		}
		res.Message = messageFor(req.Reason, res.Err)
		if req.Lockdown != nil {
			req.Lockdown.Teardown(res.Message)
		}
	}()

	if req.Lockdown != nil {
		req.Lockdown.Freeze()
	}

	var errs []error

	answers, err := p.answers.Answers(ctx, ns)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load answers")
		errs = append(errs, fmt.Errorf("load answers: %w", err))
		answers = Answers{}
	}

	questions := req.Questions
	if len(questions) == 0 {
		questions = sortedKeys(answers.Code)
	}

	sub := &model.Submission{
		SubmittedBy:   ns.LearnerID,
		SubmittedAt:   p.opts.Now().UnixMilli(),
		Answers:       make(map[string]string, len(questions)),
		Languages:     make(map[string]string, len(questions)),
		Reason:        string(req.Reason),
		ViolationKind: string(req.Kind),
	}
	for _, q := range questions {
		sub.Answers[q] = answers.Code[q]
		lang := answers.Languages[q]
		if lang == "" {
			lang = string(evaluation.DefaultLanguage)
		}
		sub.Languages[q] = lang
	}

	sub.Evaluations, sub.Marks = p.evaluateAll(ctx, questions, sub.Answers, sub.Languages)

	counters, err := p.counters.Snapshot(ctx, ns)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read counters, using session tally")
		if req.Lockdown != nil {
			counters = req.Lockdown.Counters()
		}
	}
	sub.Violations = counters

	if err := p.store.UpsertSubmission(ctx, ns.WorkspaceID, ns.AssignmentID, sub); err != nil {
		log.Error().Err(err).Msg("Failed to persist submission")
		errs = append(errs, fmt.Errorf("%w: %v", ErrPersist, err))
	} else {
		if err := p.answers.Discard(ctx, ns); err != nil {
			log.Warn().Err(err).Msg("Failed to discard answer buffer")
		}
		log.Info().
			Int("questions", len(questions)).
			Float64("marks", sub.TotalMarks()).
			Int64("strikes", counters.Total()).
			Msg("Submission persisted")
	}

	if err := p.counters.Clear(ctx, ns); err != nil {
		log.Error().Err(err).Msg("Failed to clear violation counters")
	}

	return Result{Submission: sub, Err: errors.Join(errs...)}
}

// evaluateAll grades every question in parallel. A failing question is
// recorded as an unsuccessful evaluation and never aborts the others.
func (p *Pipeline) evaluateAll(ctx context.Context, questions []string, code, languages map[string]string) (map[string]model.Evaluation, map[string]float64) {
	results := make([]model.Evaluation, len(questions))

	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)
	for i, q := range questions {
		g.Go(func() error {
			results[i] = p.evaluateOne(ctx, q, code[q], languages[q])
			return nil
		})
	}
	_ = g.Wait()

	evaluations := make(map[string]model.Evaluation, len(questions))
	marks := make(map[string]float64, len(questions))
	for i, q := range questions {
		evaluations[q] = results[i]
		if results[i].Success && results[i].Grade != nil {
			marks[q] = *results[i].Grade
		}
	}
	return evaluations, marks
}

func (p *Pipeline) evaluateOne(ctx context.Context, question, code, language string) (ev model.Evaluation) {
	defer func() {
		if r := recover(); r != nil {
			ev = failedEvaluation(fmt.Errorf("evaluator panic: %v", r))
		}
	}()

	res, err := p.evaluator.Evaluate(ctx, evaluation.Request{
		Question: question,
		Code:     code,
		Language: evaluation.Language(language),
	})
	if err != nil {
		p.log.Warn().Err(err).Str("question", question).Msg("Evaluation failed")
		return failedEvaluation(err)
	}
	return model.Evaluation{
		Success: res.Success,
		Grade:   res.Grade,
		Review:  res.Review,
		Error:   res.Error,
	}
}

func failedEvaluation(err error) model.Evaluation {
	review := "Failed to evaluate code: " + err.Error()
	if errors.Is(err, evaluation.ErrUnavailable) {
		review = "Evaluation service unavailable. Please try again later."
	}
	return model.Evaluation{Success: false, Error: err.Error(), Review: review}
}

func messageFor(reason proctor.Reason, err error) string {
	if err != nil {
		return "Failed to submit assignment: " + err.Error()
	}
	switch reason {
	case proctor.ReasonSecurityViolation:
		return MessageViolation
	case proctor.ReasonDeadline:
		return MessageDeadline
	default:
		return MessageManual
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// For binds the pipeline to one learner's assignment so a proctoring
// session can trigger it.
func (p *Pipeline) For(ns proctor.Namespace, questions []string) proctor.Submitter {
	return &boundPipeline{pipeline: p, ns: ns, questions: questions}
}

type boundPipeline struct {
	pipeline  *Pipeline
	ns        proctor.Namespace
	questions []string
}

func (b *boundPipeline) Submit(ctx context.Context, t proctor.Trigger, lock proctor.Lockdown) error {
	res := b.pipeline.Run(ctx, Request{
		Namespace: b.ns,
		Questions: b.questions,
		Reason:    t.Reason,
		Kind:      t.Kind,
		Lockdown:  lock,
	})
	return res.Err
}
