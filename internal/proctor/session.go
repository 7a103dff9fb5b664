package proctor

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/proctord/internal/metrics"
)

// Mode is the state of a proctoring session.
type Mode string

const (
	ModeInactive           Mode = "INACTIVE"
	ModeAwaitingPermission Mode = "AWAITING_PERMISSION"
	ModeArmed              Mode = "ARMED"
	ModeWarning            Mode = "WARNING"
	ModeSubmitting         Mode = "SUBMITTING"
	ModeTerminated         Mode = "TERMINATED"
)

// Exemption says why a session is never monitored.
type Exemption int

const (
	ExemptNone Exemption = iota
	ExemptReviewer
	ExemptSubmitted
)

var (
	ErrNotArmed = errors.New("session is not accepting submissions")
)

// Default timings.
const (
	DefaultWarningPeriod = 15 * time.Second
	DefaultReentryDelay  = 500 * time.Millisecond
	DefaultDedupWindow   = 500 * time.Millisecond
)

// SessionConfig wires a Session to its collaborators.
type SessionConfig struct {
	Namespace   Namespace
	ClosingDate *time.Time

	WarningPeriod time.Duration
	ReentryDelay  time.Duration
	// DedupWindow is how close two strikes of different kinds must be to be
	// treated as one physical gesture.
	DedupWindow time.Duration

	Counters  CounterStore
	Submitter Submitter
	Notifier  Notifier
	Sink      EventSink
	Now       func() time.Time
	Log       zerolog.Logger
}

// Session is the lockdown state machine for one open assignment tab.
//
// Every exported method is safe for concurrent use. The lock is released
// before the submission pipeline runs so the pipeline can call back into
// the session through Lockdown.
type Session struct {
	mu sync.Mutex

	ns        Namespace
	mode      Mode
	mounted   bool
	exempt    bool
	frozen    bool
	lockedURL string

	// fullscreen is the last state reported by the page. expectExit marks an
	// exit the session itself commanded so it is not counted against the learner.
	fullscreen bool
	expectExit bool

	warningDeadline time.Time
	warningGen      uint64
	warningKind     Kind
	lastCountdown   int

	closingDate   time.Time
	deadlineFired bool

	local      Counters
	lastStrike Signal

	warningPeriod time.Duration
	reentryDelay  time.Duration
	dedupWindow   time.Duration

	detectors *DetectorSet
	counters  CounterStore
	submitter Submitter
	notifier  Notifier
	sink      EventSink
	now       func() time.Time
	log       zerolog.Logger
}

func NewSession(cfg SessionConfig) *Session {
	s := &Session{
		ns:            cfg.Namespace,
		mode:          ModeInactive,
		warningPeriod: cfg.WarningPeriod,
		reentryDelay:  cfg.ReentryDelay,
		dedupWindow:   cfg.DedupWindow,
		counters:      cfg.Counters,
		submitter:     cfg.Submitter,
		notifier:      cfg.Notifier,
		sink:          cfg.Sink,
		now:           cfg.Now,
		log: cfg.Log.With().
			Str("workspace_id", cfg.Namespace.WorkspaceID).
			Str("assignment_id", cfg.Namespace.AssignmentID).
			Str("learner_id", cfg.Namespace.LearnerID).
			Logger(),
	}
	if cfg.ClosingDate != nil {
		s.closingDate = *cfg.ClosingDate
	}
	if s.warningPeriod <= 0 {
		s.warningPeriod = DefaultWarningPeriod
	}
	if s.reentryDelay <= 0 {
		s.reentryDelay = DefaultReentryDelay
	}
	if s.dedupWindow < 0 {
		s.dedupWindow = 0
	}
	if s.counters == nil {
		s.counters = NewMemoryCounterStore()
	}
	if s.notifier == nil {
		s.notifier = NotifierFunc(func(Command) {})
	}
	if s.sink == nil {
		s.sink = discardSink{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.detectors = NewDetectorSet(s.log)
	return s
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// Mount starts the session. Exempt sessions never arm: reviewers stay
// Inactive and learners with a stored submission go straight to Terminated.
func (s *Session) Mount(ctx context.Context, exemption Exemption) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mounted {
		return
	}
	s.mounted = true

	switch exemption {
	case ExemptReviewer:
		s.exempt = true
		s.notify(Command{Type: CmdModeChanged, Mode: s.mode})
		return
	case ExemptSubmitted:
		s.exempt = true
		s.frozen = true
		s.setMode(ModeTerminated)
		return
	}

	if c, err := s.counters.Snapshot(ctx, s.ns); err != nil {
		s.log.Error().Err(err).Msg("Failed to load violation counters, starting from local state")
	} else {
		s.local = c
	}

	s.setMode(ModeAwaitingPermission)
	s.notify(Command{Type: CmdShowPermission})
}

// GrantPermission is called once the page is in fullscreen after the
// learner accepted the permission dialog. lockedURL is the page URL the
// navigation guard pins.
func (s *Session) GrantPermission(lockedURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.mode {
	case ModeAwaitingPermission:
		s.fullscreen = true
		s.expectExit = false
		s.lockedURL = lockedURL
		policy := s.detectors.Attach(lockedURL)
		s.setMode(ModeArmed)
		s.notify(Command{Type: CmdAttachDetectors, Policy: &policy})
		s.log.Info().Msg("Proctoring armed")
	case ModeWarning:
		s.fullscreen = true
		s.expectExit = false
		s.restore()
	}
}

// PermissionFailed re-shows the permission dialog. It never counts a strike.
func (s *Session) PermissionFailed(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permissionFailed(reason)
}

func (s *Session) permissionFailed(reason string) {
	if s.mode != ModeAwaitingPermission && s.mode != ModeWarning {
		return
	}
	s.log.Warn().Str("reason", reason).Msg("Fullscreen request failed")
	s.notify(Command{Type: CmdShowPermission, Message: "Fullscreen could not be enabled: " + reason})
}

// ─── Events ─────────────────────────────────────────────────────────────────

// HandleEvent feeds a raw browser event through the detectors.
func (s *Session) HandleEvent(ctx context.Context, ev RawEvent) {
	s.mu.Lock()
	t := s.handleEvent(ctx, ev)
	s.mu.Unlock()
	s.runSubmission(ctx, t)
}

func (s *Session) handleEvent(ctx context.Context, ev RawEvent) *Trigger {
	switch ev.Type {
	case EventFullscreenChange:
		if ev.Fullscreen == nil {
			return nil
		}
		if *ev.Fullscreen {
			s.fullscreen = true
			s.expectExit = false
			if s.mode == ModeWarning {
				s.restore()
			}
			return nil
		}
		s.fullscreen = false
		if s.expectExit {
			s.expectExit = false
			return nil
		}
	case EventFullscreenError:
		s.permissionFailed("request rejected by the browser")
		return nil
	}

	for _, sig := range s.detectors.Dispatch(ev, s.now()) {
		if t := s.handleSignal(ctx, sig); t != nil {
			return t
		}
	}
	return nil
}

// HandleSignal applies the strike policy to an already detected signal.
func (s *Session) HandleSignal(ctx context.Context, sig Signal) {
	s.mu.Lock()
	t := s.handleSignal(ctx, sig)
	s.mu.Unlock()
	s.runSubmission(ctx, t)
}

func (s *Session) handleSignal(ctx context.Context, sig Signal) *Trigger {
	if s.mode != ModeArmed && s.mode != ModeWarning {
		return nil
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = s.now()
	}

	class := sig.Kind.Class()
	if s.isEcho(sig) {
		s.log.Debug().
			Str("kind", string(sig.Kind)).
			Str("previous", string(s.lastStrike.Kind)).
			Msg("Signal folded into previous strike")
		return nil
	}

	s.sink.Record(ctx, s.ns, sig, class != ClassPassive)
	metrics.SignalsTotal.WithLabelValues(string(sig.Kind)).Inc()

	switch class {
	case ClassPassive:
		s.log.Info().Str("kind", string(sig.Kind)).Interface("detail", sig.Detail).Msg("Security event")
		if sig.Kind == KindVisibilityHidden {
			s.notify(Command{Type: CmdReenterFullscreen, DelayMs: s.reentryDelay.Milliseconds()})
		}
		return nil

	case ClassImmediate:
		s.strike(ctx, sig)
		return s.beginSubmission(ReasonSecurityViolation, sig.Kind)

	default:
		count := s.strike(ctx, sig)
		if s.mode == ModeWarning || count >= 2 {
			return s.beginSubmission(ReasonSecurityViolation, sig.Kind)
		}
		s.enterWarning(sig.Kind)
		return nil
	}
}

// isEcho reports whether sig is the same physical gesture as the previous
// strike, e.g. the blur that accompanies Alt+Tab or the fullscreen exit
// caused by Escape. Same-kind repeats always count.
func (s *Session) isEcho(sig Signal) bool {
	if s.dedupWindow == 0 || s.lastStrike.Kind == "" || s.lastStrike.Kind == sig.Kind {
		return false
	}
	c := sig.Kind.Class()
	if c != ClassTwoStrike && c != ClassFullscreen {
		return false
	}
	gap := sig.Timestamp.Sub(s.lastStrike.Timestamp)
	return gap >= 0 && gap < s.dedupWindow
}

// strike increments the counter for sig and returns the new value. A store
// failure falls back to the session's local tally so no strike is lost.
func (s *Session) strike(ctx context.Context, sig Signal) int64 {
	field, ok := sig.Kind.Field()
	if !ok {
		return 0
	}

	n, err := s.counters.Increment(ctx, s.ns, field)
	if err != nil {
		n = getField(s.local, field) + 1
		s.log.Error().Err(err).Str("field", string(field)).Msg("Counter store unavailable, using local count")
	}
	setField(&s.local, field, n)

	ms := sig.Timestamp.UnixMilli()
	s.local.LastViolationTime = ms
	if err := s.counters.RecordTimestamp(ctx, s.ns, ms); err != nil {
		s.log.Error().Err(err).Msg("Failed to record violation time")
	}

	s.lastStrike = sig
	s.log.Warn().Str("kind", string(sig.Kind)).Int64("count", n).Msg("Strike recorded")
	return n
}

// ─── Warning ────────────────────────────────────────────────────────────────

func (s *Session) enterWarning(kind Kind) {
	if s.fullscreen {
		s.expectExit = true
		s.fullscreen = false
		s.notify(Command{Type: CmdExitFullscreen})
	}

	s.warningGen++
	s.warningDeadline = s.now().Add(s.warningPeriod)
	s.warningKind = kind
	s.lastCountdown = int(s.warningPeriod / time.Second)

	s.setMode(ModeWarning)
	s.notify(Command{Type: CmdShowWarning, Seconds: s.lastCountdown, Kind: kind, Generation: s.warningGen})
}

func (s *Session) clearCountdown() {
	if s.warningDeadline.IsZero() {
		return
	}
	s.warningGen++
	s.warningDeadline = time.Time{}
	s.lastCountdown = 0
}

// restore returns from Warning to Armed. Detectors were never detached;
// Attach is idempotent and only re-asserts that.
func (s *Session) restore() {
	s.clearCountdown()
	s.detectors.Attach(s.lockedURL)
	s.notify(Command{Type: CmdHideWarning})
	s.setMode(ModeArmed)
	s.log.Info().Msg("Fullscreen restored")
}

// ─── Timer ──────────────────────────────────────────────────────────────────

// Tick advances the warning countdown and the closing-date timer to now.
func (s *Session) Tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	t := s.tick(now)
	s.mu.Unlock()
	s.runSubmission(ctx, t)
}

func (s *Session) tick(now time.Time) *Trigger {
	if s.mode == ModeWarning && !s.warningDeadline.IsZero() {
		remaining := s.warningDeadline.Sub(now)
		if remaining <= 0 {
			s.clearCountdown()
			if !s.fullscreen {
				return s.beginSubmission(ReasonSecurityViolation, s.warningKind)
			}
			s.restore()
		} else if secs := int(math.Ceil(remaining.Seconds())); secs != s.lastCountdown {
			s.lastCountdown = secs
			s.notify(Command{Type: CmdCountdown, Seconds: secs, Generation: s.warningGen})
		}
	}

	if !s.timerActive() {
		return nil
	}
	remaining := s.closingDate.Sub(now)
	if remaining <= 0 {
		s.deadlineFired = true
		return s.beginSubmission(ReasonDeadline, "")
	}
	s.notify(Command{Type: CmdTimeRemaining, TimeRemainingMs: remaining.Milliseconds()})
	return nil
}

func (s *Session) timerActive() bool {
	if s.closingDate.IsZero() || s.exempt || s.deadlineFired || !s.mounted {
		return false
	}
	switch s.mode {
	case ModeAwaitingPermission, ModeArmed, ModeWarning:
		return true
	}
	return false
}

// Run drives Tick once per second until ctx is done or the session ends.
func (s *Session) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx, s.now())
			if s.Mode() == ModeTerminated {
				return
			}
		}
	}
}

// ─── Submission ─────────────────────────────────────────────────────────────

// Submit is the learner's manual submission.
func (s *Session) Submit(ctx context.Context) error {
	s.mu.Lock()
	if s.mode != ModeArmed && s.mode != ModeWarning {
		s.mu.Unlock()
		return ErrNotArmed
	}
	t := s.beginSubmission(ReasonManual, "")
	s.mu.Unlock()

	s.runSubmission(ctx, t)
	return nil
}

// beginSubmission moves to Submitting and detaches every detector so no
// further signal can race the pipeline. It returns nil if a submission is
// already under way.
func (s *Session) beginSubmission(reason Reason, kind Kind) *Trigger {
	if s.exempt || s.mode == ModeSubmitting || s.mode == ModeTerminated {
		return nil
	}

	wasWarning := s.mode == ModeWarning
	s.clearCountdown()
	if s.detectors.Attached() {
		s.detectors.Detach()
		s.notify(Command{Type: CmdDetachDetectors})
	}
	if wasWarning {
		s.notify(Command{Type: CmdHideWarning})
	}
	s.setMode(ModeSubmitting)

	metrics.SubmissionsTotal.WithLabelValues(string(reason), "started").Inc()
	s.log.Info().Str("reason", string(reason)).Str("kind", string(kind)).Msg("Submission started")
	return &Trigger{Reason: reason, Kind: kind}
}

func (s *Session) runSubmission(ctx context.Context, t *Trigger) {
	if t == nil {
		return
	}

	var err error
	if s.submitter == nil {
		err = errors.New("no submitter configured")
	} else {
		err = s.submitter.Submit(ctx, *t, s)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		s.log.Error().Err(err).Str("reason", string(t.Reason)).Msg("Submission failed")
	}
	metrics.SubmissionsTotal.WithLabelValues(string(t.Reason), outcome).Inc()

	// The pipeline tears down on every path; this only covers a submitter
	// that returned without doing so.
	s.mu.Lock()
	if s.mode != ModeTerminated {
		msg := "Submission finished."
		if err != nil {
			msg = "Submission failed: " + err.Error()
		}
		s.teardown(msg)
	}
	s.mu.Unlock()
}

// Freeze implements Lockdown.
func (s *Session) Freeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = true
	s.notify(Command{Type: CmdFreeze})
}

// Teardown implements Lockdown.
func (s *Session) Teardown(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardown(message)
}

func (s *Session) teardown(message string) {
	if s.mode == ModeTerminated {
		return
	}
	s.clearCountdown()
	if s.detectors.Attached() {
		s.detectors.Detach()
		s.notify(Command{Type: CmdDetachDetectors})
	}
	if s.fullscreen {
		s.expectExit = true
		s.fullscreen = false
		s.notify(Command{Type: CmdExitFullscreen})
	}
	s.exempt = true
	s.frozen = true
	s.setMode(ModeTerminated)
	if message != "" {
		s.notify(Command{Type: CmdAlert, Message: message})
	}
	s.notify(Command{Type: CmdNavigateAway})
}

// Counters implements Lockdown.
func (s *Session) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// ─── Queries ────────────────────────────────────────────────────────────────

func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Editable reports whether answer edits may still be accepted.
func (s *Session) Editable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.frozen && (s.mode == ModeArmed || s.mode == ModeWarning)
}

func (s *Session) Namespace() Namespace {
	return s.ns
}

// SessionState is a point-in-time view of a session.
type SessionState struct {
	Mode               Mode     `json:"mode"`
	Exempt             bool     `json:"exempt"`
	Fullscreen         bool     `json:"fullscreen"`
	Frozen             bool     `json:"frozen"`
	DetectorsAttached  bool     `json:"detectors_attached"`
	WarningRemainingMs int64    `json:"warning_remaining_ms,omitempty"`
	Counters           Counters `json:"counters"`
}

func (s *Session) Snapshot() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := SessionState{
		Mode:              s.mode,
		Exempt:            s.exempt,
		Fullscreen:        s.fullscreen,
		Frozen:            s.frozen,
		DetectorsAttached: s.detectors.Attached(),
		Counters:          s.local,
	}
	if !s.warningDeadline.IsZero() {
		if rem := s.warningDeadline.Sub(s.now()); rem > 0 {
			st.WarningRemainingMs = rem.Milliseconds()
		}
	}
	return st
}

func (s *Session) setMode(m Mode) {
	if s.mode == m {
		return
	}
	s.log.Debug().Str("from", string(s.mode)).Str("to", string(m)).Msg("Mode change")
	s.mode = m
	s.notify(Command{Type: CmdModeChanged, Mode: m})
}

func (s *Session) notify(cmd Command) {
	s.notifier.Notify(cmd)
}
