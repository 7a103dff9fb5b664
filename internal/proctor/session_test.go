package proctor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0     = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	testNS = Namespace{WorkspaceID: "ws-1", AssignmentID: "as-1", LearnerID: "learner-1"}
)

const lockedURL = "https://lms.example.com/ws-1/as-1"

// ─── Fakes ──────────────────────────────────────────────────────────────────

type recorder struct {
	mu   sync.Mutex
	cmds []Command
}

func (r *recorder) Notify(c Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, c)
}

func (r *recorder) count(t CommandType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.cmds {
		if c.Type == t {
			n++
		}
	}
	return n
}

func (r *recorder) last(t CommandType) (Command, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.cmds) - 1; i >= 0; i-- {
		if r.cmds[i].Type == t {
			return r.cmds[i], true
		}
	}
	return Command{}, false
}

func (r *recorder) all(t CommandType) []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Command
	for _, c := range r.cmds {
		if c.Type == t {
			out = append(out, c)
		}
	}
	return out
}

// fakeSubmitter mimics the pipeline: freeze, capture counters, clear, teardown.
type fakeSubmitter struct {
	mu       sync.Mutex
	store    CounterStore
	triggers []Trigger
	counters []Counters
	err      error
}

func (f *fakeSubmitter) Submit(ctx context.Context, t Trigger, lock Lockdown) error {
	lock.Freeze()

	c := lock.Counters()
	if f.store != nil {
		if snap, err := f.store.Snapshot(ctx, testNS); err == nil {
			c = snap
		}
		_ = f.store.Clear(ctx, testNS)
	}

	f.mu.Lock()
	f.triggers = append(f.triggers, t)
	f.counters = append(f.counters, c)
	err := f.err
	f.mu.Unlock()

	lock.Teardown("submitted: " + string(t.Reason))
	return err
}

func (f *fakeSubmitter) calls() []Trigger {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Trigger(nil), f.triggers...)
}

type sinkRecord struct {
	kind   Kind
	strike bool
}

type fakeSink struct {
	mu      sync.Mutex
	records []sinkRecord
}

func (s *fakeSink) Record(_ context.Context, _ Namespace, sig Signal, strike bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, sinkRecord{kind: sig.Kind, strike: strike})
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(at time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t0.Add(at)
	return c.now
}

// failingStore rejects every operation.
type failingStore struct{}

var errStoreDown = errors.New("store down")

func (failingStore) Increment(context.Context, Namespace, Field) (int64, error) {
	return 0, errStoreDown
}
func (failingStore) RecordTimestamp(context.Context, Namespace, int64) error { return errStoreDown }
func (failingStore) Snapshot(context.Context, Namespace) (Counters, error) {
	return Counters{}, errStoreDown
}
func (failingStore) Clear(context.Context, Namespace) error { return errStoreDown }

// ─── Harness ────────────────────────────────────────────────────────────────

type harness struct {
	s     *Session
	cmds  *recorder
	sub   *fakeSubmitter
	sink  *fakeSink
	clock *clock
	store CounterStore
}

type option func(*SessionConfig)

func withClosingDate(at time.Duration) option {
	return func(c *SessionConfig) {
		d := t0.Add(at)
		c.ClosingDate = &d
	}
}

func withStore(store CounterStore) option {
	return func(c *SessionConfig) { c.Counters = store }
}

func withDedup(d time.Duration) option {
	return func(c *SessionConfig) { c.DedupWindow = d }
}

func newHarness(opts ...option) *harness {
	h := &harness{
		cmds:  &recorder{},
		sink:  &fakeSink{},
		clock: &clock{now: t0},
	}
	cfg := SessionConfig{
		Namespace:   testNS,
		DedupWindow: DefaultDedupWindow,
		Counters:    NewMemoryCounterStore(),
		Notifier:    h.cmds,
		Sink:        h.sink,
		Now:         h.clock.Now,
		Log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.store = cfg.Counters
	h.sub = &fakeSubmitter{store: cfg.Counters}
	cfg.Submitter = h.sub
	h.s = NewSession(cfg)
	return h
}

func (h *harness) arm(t *testing.T) {
	t.Helper()
	h.s.Mount(context.Background(), ExemptNone)
	require.Equal(t, ModeAwaitingPermission, h.s.Mode())
	h.s.GrantPermission(lockedURL)
	require.Equal(t, ModeArmed, h.s.Mode())
}

func (h *harness) event(at time.Duration, ev RawEvent) {
	h.clock.Set(at)
	h.s.HandleEvent(context.Background(), ev)
}

func (h *harness) tick(at time.Duration) {
	h.s.Tick(context.Background(), h.clock.Set(at))
}

func (h *harness) counters(t *testing.T) Counters {
	t.Helper()
	c, err := h.store.Snapshot(context.Background(), testNS)
	require.NoError(t, err)
	return c
}

func keyDown(key string) RawEvent { return RawEvent{Type: EventKeyDown, Key: key} }

func altTab() RawEvent { return RawEvent{Type: EventKeyDown, Key: "Tab", AltKey: true} }

func fullscreen(on bool) RawEvent { return RawEvent{Type: EventFullscreenChange, Fullscreen: &on} }

func sec(n float64) time.Duration { return time.Duration(n * float64(time.Second)) }

// ─── Scenarios ──────────────────────────────────────────────────────────────

func TestSession_ManualSubmit(t *testing.T) {
	h := newHarness()
	h.arm(t)

	require.NoError(t, h.s.Submit(context.Background()))

	calls := h.sub.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, ReasonManual, calls[0].Reason)
	assert.Equal(t, ModeTerminated, h.s.Mode())
	assert.False(t, h.s.Editable())
	assert.Equal(t, 1, h.cmds.count(CmdFreeze))
	assert.Equal(t, 1, h.cmds.count(CmdDetachDetectors))
	assert.Equal(t, 1, h.cmds.count(CmdNavigateAway))
	assert.Equal(t, Counters{}, h.counters(t))
}

func TestSession_EscapeThenReenterRestoresArmed(t *testing.T) {
	h := newHarness()
	h.arm(t)

	h.event(sec(10), keyDown("Escape"))
	require.Equal(t, ModeWarning, h.s.Mode())
	warn, ok := h.cmds.last(CmdShowWarning)
	require.True(t, ok)
	assert.Equal(t, 15, warn.Seconds)
	assert.Equal(t, KindEscapeKey, warn.Kind)
	assert.Equal(t, 1, h.cmds.count(CmdExitFullscreen))

	// The exit the session itself commanded is not a strike.
	h.event(sec(10.1), fullscreen(false))

	h.tick(sec(15))
	cd, ok := h.cmds.last(CmdCountdown)
	require.True(t, ok)
	assert.Equal(t, 10, cd.Seconds)

	h.event(sec(20), fullscreen(true))
	assert.Equal(t, ModeArmed, h.s.Mode())
	assert.Equal(t, 1, h.cmds.count(CmdHideWarning))

	h.tick(sec(26))
	assert.Empty(t, h.sub.calls())
	assert.Equal(t, ModeArmed, h.s.Mode())

	c := h.counters(t)
	assert.EqualValues(t, 1, c.EscapeKeyPresses)
	assert.EqualValues(t, 0, c.FullscreenExitCount)
	assert.Equal(t, t0.Add(sec(10)).UnixMilli(), c.LastViolationTime)
}

func TestSession_WarningExpirySubmits(t *testing.T) {
	h := newHarness()
	h.arm(t)

	h.event(sec(10), keyDown("Escape"))
	h.event(sec(10.1), fullscreen(false))

	h.tick(sec(24))
	assert.Empty(t, h.sub.calls())

	h.tick(sec(25))
	calls := h.sub.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, ReasonSecurityViolation, calls[0].Reason)
	assert.Equal(t, KindEscapeKey, calls[0].Kind)
	assert.EqualValues(t, 1, h.sub.counters[0].EscapeKeyPresses)
	assert.Equal(t, ModeTerminated, h.s.Mode())
}

func TestSession_SecondEscapeSubmitsImmediately(t *testing.T) {
	h := newHarness()
	h.arm(t)

	h.event(sec(10), keyDown("Escape"))
	h.event(sec(11), keyDown("Escape"))

	calls := h.sub.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, ReasonSecurityViolation, calls[0].Reason)
	assert.EqualValues(t, 2, h.sub.counters[0].EscapeKeyPresses)

	// Nothing after teardown reaches the pipeline again.
	h.tick(sec(30))
	h.event(sec(31), keyDown("Escape"))
	assert.Len(t, h.sub.calls(), 1)
}

func TestSession_DeadlineSubmitsOnce(t *testing.T) {
	h := newHarness(withClosingDate(sec(30)))
	h.arm(t)

	h.tick(sec(29))
	rem, ok := h.cmds.last(CmdTimeRemaining)
	require.True(t, ok)
	assert.EqualValues(t, 1000, rem.TimeRemainingMs)

	h.tick(sec(30))
	h.tick(sec(31))
	h.tick(sec(45))

	calls := h.sub.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, ReasonDeadline, calls[0].Reason)
	assert.Zero(t, h.cmds.count(CmdShowWarning))
}

func TestSession_DeadlineDuringWarning(t *testing.T) {
	h := newHarness(withClosingDate(sec(12)))
	h.arm(t)

	h.event(sec(10), keyDown("Escape"))
	h.tick(sec(12))

	calls := h.sub.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, ReasonDeadline, calls[0].Reason)
	assert.Equal(t, 1, h.cmds.count(CmdHideWarning))
}

func TestSession_HistoryTamperSubmitsWithoutGrace(t *testing.T) {
	h := newHarness()
	h.arm(t)

	h.event(sec(5), RawEvent{Type: EventPopState})

	calls := h.sub.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, ReasonSecurityViolation, calls[0].Reason)
	assert.Equal(t, KindHistoryTamper, calls[0].Kind)
	assert.EqualValues(t, 1, h.sub.counters[0].GenericViolations)
	assert.Zero(t, h.cmds.count(CmdShowWarning))
}

func TestSession_URLChangeAndWindowOpenAreImmediate(t *testing.T) {
	for name, ev := range map[string]RawEvent{
		"url_change":  {Type: EventURLCheck, URL: lockedURL + "/elsewhere"},
		"window_open": {Type: EventWindowOpen, URL: "https://example.org"},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness()
			h.arm(t)
			h.event(sec(1), ev)
			calls := h.sub.calls()
			require.Len(t, calls, 1)
			assert.Equal(t, Kind(name), calls[0].Kind)
		})
	}
}

func TestSession_ExemptSubmittedNeverArms(t *testing.T) {
	h := newHarness(withClosingDate(sec(5)))
	h.s.Mount(context.Background(), ExemptSubmitted)

	assert.Equal(t, ModeTerminated, h.s.Mode())
	assert.Zero(t, h.cmds.count(CmdShowPermission))
	assert.Zero(t, h.cmds.count(CmdAttachDetectors))

	h.s.GrantPermission(lockedURL)
	h.event(sec(1), keyDown("Escape"))
	h.tick(sec(10))

	assert.Empty(t, h.sub.calls())
	assert.False(t, h.s.Snapshot().DetectorsAttached)
	assert.Equal(t, Counters{}, h.counters(t))
	assert.ErrorIs(t, h.s.Submit(context.Background()), ErrNotArmed)
}

func TestSession_ReviewerStaysInactive(t *testing.T) {
	h := newHarness(withClosingDate(sec(5)))
	h.s.Mount(context.Background(), ExemptReviewer)

	assert.Equal(t, ModeInactive, h.s.Mode())
	h.s.GrantPermission(lockedURL)
	h.event(sec(1), RawEvent{Type: EventPopState})
	h.tick(sec(10))

	assert.Equal(t, ModeInactive, h.s.Mode())
	assert.Empty(t, h.sub.calls())
	assert.Zero(t, h.cmds.count(CmdShowPermission))
	assert.True(t, h.s.Snapshot().Exempt)
}

func TestSession_VisibilityHiddenRequestsReentry(t *testing.T) {
	h := newHarness()
	h.arm(t)

	h.event(sec(3), RawEvent{Type: EventVisibilityChange, Visibility: "hidden"})

	cmd, ok := h.cmds.last(CmdReenterFullscreen)
	require.True(t, ok)
	assert.EqualValues(t, 500, cmd.DelayMs)
	assert.Equal(t, ModeArmed, h.s.Mode())
	assert.Equal(t, Counters{}, h.counters(t))
}

func TestSession_PassiveSignalsAreLoggedOnly(t *testing.T) {
	h := newHarness()
	h.arm(t)

	h.event(sec(1), RawEvent{Type: EventPaste, Target: "TEXTAREA"})
	h.event(sec(2), RawEvent{Type: EventContextMenu, PageX: 4, PageY: 8})
	h.event(sec(3), RawEvent{Type: EventKeyDown, Key: "I", CtrlKey: true, ShiftKey: true})
	h.event(sec(4), RawEvent{Type: EventKeyDown, Key: "t", CtrlKey: true})
	h.event(sec(5), RawEvent{Type: EventBeforeUnload})

	assert.Equal(t, ModeArmed, h.s.Mode())
	assert.Equal(t, Counters{}, h.counters(t))
	require.Len(t, h.sink.records, 5)
	for _, r := range h.sink.records {
		assert.False(t, r.strike, r.kind)
	}
}

func TestSession_WindowSwitchEchoIsFolded(t *testing.T) {
	h := newHarness()
	h.arm(t)

	h.event(sec(1), altTab())
	h.event(sec(1.1), RawEvent{Type: EventBlur})

	assert.Equal(t, ModeWarning, h.s.Mode())
	assert.Empty(t, h.sub.calls())
	assert.EqualValues(t, 1, h.counters(t).GenericViolations)
	require.Len(t, h.sink.records, 1)

	// A second, separate blur still forces submission from Warning.
	h.event(sec(2), RawEvent{Type: EventBlur})
	require.Len(t, h.sub.calls(), 1)
}

func TestSession_DedupDisabledCountsBoth(t *testing.T) {
	h := newHarness(withDedup(-1))
	h.arm(t)

	h.event(sec(1), altTab())
	h.event(sec(1.1), RawEvent{Type: EventBlur})

	calls := h.sub.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, KindWindowBlur, calls[0].Kind)
}

func TestSession_AltEscapeIsWindowSwitchNotEscape(t *testing.T) {
	h := newHarness()
	h.arm(t)

	h.event(sec(1), RawEvent{Type: EventKeyDown, Key: "Escape", AltKey: true})

	c := h.counters(t)
	assert.EqualValues(t, 0, c.EscapeKeyPresses)
	assert.EqualValues(t, 1, c.GenericViolations)
}

func TestSession_LearnerFullscreenExitIsCounted(t *testing.T) {
	h := newHarness()
	h.arm(t)

	h.event(sec(1), fullscreen(false))

	assert.Equal(t, ModeWarning, h.s.Mode())
	assert.EqualValues(t, 1, h.counters(t).FullscreenExitCount)
	// The page already left fullscreen; no exit command is needed.
	assert.Zero(t, h.cmds.count(CmdExitFullscreen))

	h.event(sec(3), fullscreen(true))
	assert.Equal(t, ModeArmed, h.s.Mode())

	h.event(sec(5), fullscreen(false))
	require.Len(t, h.sub.calls(), 1)
	assert.Equal(t, KindFullscreenExit, h.sub.calls()[0].Kind)
}

func TestSession_SingleCountdownAcrossWarnings(t *testing.T) {
	h := newHarness()
	h.arm(t)

	h.event(0, keyDown("Escape"))
	h.event(sec(0.1), fullscreen(false))
	h.event(sec(5), fullscreen(true))
	require.Equal(t, ModeArmed, h.s.Mode())

	h.event(sec(6), RawEvent{Type: EventBlur})
	require.Equal(t, ModeWarning, h.s.Mode())

	warnings := h.cmds.all(CmdShowWarning)
	require.Len(t, warnings, 2)
	assert.Greater(t, warnings[1].Generation, warnings[0].Generation)

	// The first countdown would have expired here; it must not fire.
	h.tick(sec(15.5))
	assert.Empty(t, h.sub.calls())

	h.tick(sec(21))
	calls := h.sub.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, KindWindowBlur, calls[0].Kind)
}

func TestSession_GrantPermissionDuringWarningRestores(t *testing.T) {
	h := newHarness()
	h.arm(t)

	h.event(sec(1), keyDown("Escape"))
	// Accepting the permission dialog again re-enters fullscreen.
	h.s.GrantPermission(lockedURL)
	assert.Equal(t, ModeArmed, h.s.Mode())

	h.tick(sec(20))
	assert.Empty(t, h.sub.calls())
}

func TestSession_CounterStoreFailureUsesLocalTally(t *testing.T) {
	h := newHarness(withStore(failingStore{}))
	h.arm(t)

	h.event(sec(1), keyDown("Escape"))
	require.Equal(t, ModeWarning, h.s.Mode())
	assert.EqualValues(t, 1, h.s.Counters().EscapeKeyPresses)

	h.event(sec(2), keyDown("Escape"))
	require.Len(t, h.sub.calls(), 1)
	assert.EqualValues(t, 2, h.sub.counters[0].EscapeKeyPresses)
}

func TestSession_MountResumesStoredStrikes(t *testing.T) {
	store := NewMemoryCounterStore()
	_, err := store.Increment(context.Background(), testNS, FieldEscapeKeyPresses)
	require.NoError(t, err)

	h := newHarness(withStore(store))
	h.arm(t)
	assert.EqualValues(t, 1, h.s.Snapshot().Counters.EscapeKeyPresses)

	h.event(sec(1), keyDown("Escape"))
	require.Len(t, h.sub.calls(), 1)
}

func TestSession_PermissionFailureIsNotAStrike(t *testing.T) {
	h := newHarness()
	h.s.Mount(context.Background(), ExemptNone)

	h.s.PermissionFailed("denied")
	h.event(sec(1), RawEvent{Type: EventFullscreenError})

	assert.Equal(t, ModeAwaitingPermission, h.s.Mode())
	assert.Equal(t, 3, h.cmds.count(CmdShowPermission))
	assert.Equal(t, Counters{}, h.counters(t))
}

func TestSession_SignalsIgnoredBeforeArming(t *testing.T) {
	h := newHarness()
	h.s.Mount(context.Background(), ExemptNone)

	h.event(sec(1), keyDown("Escape"))
	h.event(sec(2), RawEvent{Type: EventPopState})

	assert.Equal(t, ModeAwaitingPermission, h.s.Mode())
	assert.Empty(t, h.sub.calls())
	assert.ErrorIs(t, h.s.Submit(context.Background()), ErrNotArmed)
}

func TestSession_AttachSendsPolicy(t *testing.T) {
	h := newHarness()
	h.arm(t)

	cmd, ok := h.cmds.last(CmdAttachDetectors)
	require.True(t, ok)
	require.NotNil(t, cmd.Policy)
	assert.Equal(t, lockedURL, cmd.Policy.LockedURL)
	assert.True(t, cmd.Policy.BlockPaste)
	assert.True(t, cmd.Policy.BlockWindowOpen)
	assert.NotEmpty(t, cmd.Policy.PromptBeforeUnload)
	assert.True(t, h.s.Editable())
}

func TestSession_SubmitterErrorStillTerminates(t *testing.T) {
	h := newHarness()
	h.sub.err = errors.New("persist failed")
	h.arm(t)

	assert.NoError(t, h.s.Submit(context.Background()))
	assert.Equal(t, ModeTerminated, h.s.Mode())
	assert.Equal(t, 1, h.cmds.count(CmdNavigateAway))
}

func TestSession_ConcurrentStrikesSubmitOnce(t *testing.T) {
	h := newHarness()
	h.arm(t)
	h.clock.Set(sec(1))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Go(func() {
			h.s.HandleEvent(context.Background(), keyDown("Escape"))
		})
	}
	wg.Wait()

	assert.Len(t, h.sub.calls(), 1)
	assert.Equal(t, ModeTerminated, h.s.Mode())
}

func TestSession_RunFiresDeadline(t *testing.T) {
	closing := time.Now().Add(-time.Second)
	cmds := &recorder{}
	sub := &fakeSubmitter{}
	s := NewSession(SessionConfig{
		Namespace:   testNS,
		ClosingDate: &closing,
		Submitter:   sub,
		Notifier:    cmds,
		Log:         zerolog.Nop(),
	})
	s.Mount(context.Background(), ExemptNone)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return s.Mode() == ModeTerminated }, 4*time.Second, 20*time.Millisecond)
	<-done
	calls := sub.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, ReasonDeadline, calls[0].Reason)
}
