package proctor

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Raw event types relayed by the browser shim.
const (
	EventKeyDown          = "keydown"
	EventBlur             = "blur"
	EventVisibilityChange = "visibilitychange"
	EventFullscreenChange = "fullscreenchange"
	EventFullscreenError  = "fullscreenerror"
	EventPopState         = "popstate"
	EventHashChange       = "hashchange"
	EventURLCheck         = "url_check"
	EventWheel            = "wheel"
	EventTouchStart       = "touchstart"
	EventTouchMove        = "touchmove"
	EventWindowOpen       = "window_open"
	EventPaste            = "paste"
	EventContextMenu      = "contextmenu"
	EventBeforeUnload     = "beforeunload"
)

// Touch is one contact point of a touch event.
type Touch struct {
	ClientX float64 `json:"clientX"`
	ClientY float64 `json:"clientY"`
}

// RawEvent is a browser event as forwarded by the shim.
type RawEvent struct {
	Type       string         `json:"type"`
	Key        string         `json:"key,omitempty"`
	KeyCode    int            `json:"keyCode,omitempty"`
	AltKey     bool           `json:"altKey,omitempty"`
	CtrlKey    bool           `json:"ctrlKey,omitempty"`
	ShiftKey   bool           `json:"shiftKey,omitempty"`
	MetaKey    bool           `json:"metaKey,omitempty"`
	DeltaX     float64        `json:"deltaX,omitempty"`
	DeltaY     float64        `json:"deltaY,omitempty"`
	Touches    []Touch        `json:"touches,omitempty"`
	PageX      float64        `json:"pageX,omitempty"`
	PageY      float64        `json:"pageY,omitempty"`
	Visibility string         `json:"visibilityState,omitempty"`
	Fullscreen *bool          `json:"fullscreen,omitempty"`
	URL        string         `json:"url,omitempty"`
	Hash       string         `json:"hash,omitempty"`
	Target     string         `json:"target,omitempty"`
	Name       string         `json:"name,omitempty"`
	Features   string         `json:"features,omitempty"`
	State      map[string]any `json:"state,omitempty"`
}

// Detector turns matching raw events into signals.
type Detector interface {
	Name() string
	Detect(ev RawEvent, now time.Time) (Signal, bool)
}

// resettable detectors hold per-attachment state.
type resettable interface {
	Reset()
}

// Policy tells the shim what to suppress natively while detectors are attached.
type Policy struct {
	BlockedKeys        []KeyCombo `json:"blocked_keys"`
	SwipeThresholdPx   float64    `json:"swipe_threshold_px"`
	BlockPaste         bool       `json:"block_paste"`
	BlockContextMenu   bool       `json:"block_context_menu"`
	BlockWindowOpen    bool       `json:"block_window_open"`
	PromptBeforeUnload string     `json:"prompt_before_unload"`
	LockedURL          string     `json:"locked_url"`
}

const beforeUnloadPrompt = "Are you sure you want to leave? Your submission will be lost."

// DetectorSet owns every detector for one session. It is not safe for
// concurrent use; the owning Session serializes access.
type DetectorSet struct {
	detectors []Detector
	guard     *navigationGuard
	attached  bool
	policy    Policy
	log       zerolog.Logger
}

func NewDetectorSet(log zerolog.Logger) *DetectorSet {
	guard := &navigationGuard{}
	return &DetectorSet{
		detectors: []Detector{
			keyboardDetector{},
			fullscreenDetector{},
			blurDetector{},
			visibilityDetector{},
			historyDetector{},
			guard,
			&touchSwipeDetector{},
			wheelDetector{},
			windowOpenDetector{},
			pasteDetector{},
			contextMenuDetector{},
			unloadDetector{},
		},
		guard: guard,
		log:   log,
	}
}

// Attach arms the detectors and installs the navigation guard around
// lockedURL. Calling it while attached returns the current policy unchanged.
func (s *DetectorSet) Attach(lockedURL string) Policy {
	if s.attached {
		return s.policy
	}
	s.guard.lock(lockedURL)
	s.attached = true
	s.policy = Policy{
		BlockedKeys:        blockedKeys(),
		SwipeThresholdPx:   swipeThresholdPx,
		BlockPaste:         true,
		BlockContextMenu:   true,
		BlockWindowOpen:    true,
		PromptBeforeUnload: beforeUnloadPrompt,
		LockedURL:          s.guard.lockedURL,
	}
	return s.policy
}

// Detach disarms every detector and restores the navigation guard. Safe to
// call any number of times.
func (s *DetectorSet) Detach() {
	if !s.attached {
		return
	}
	s.attached = false
	for _, d := range s.detectors {
		if r, ok := d.(resettable); ok {
			r.Reset()
		}
	}
}

func (s *DetectorSet) Attached() bool {
	return s.attached
}

// Dispatch runs the event through every detector. A detached set yields nothing.
func (s *DetectorSet) Dispatch(ev RawEvent, now time.Time) []Signal {
	if !s.attached {
		return nil
	}
	var signals []Signal
	for _, d := range s.detectors {
		if sig, ok := s.detectSafe(d, ev, now); ok {
			signals = append(signals, sig)
		}
	}
	return signals
}

// detectSafe drops malformed input instead of letting one detector take the
// session down.
func (s *DetectorSet) detectSafe(d Detector, ev RawEvent, now time.Time) (sig Signal, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Str("detector", d.Name()).
				Str("event_type", ev.Type).
				Str("panic", fmt.Sprint(r)).
				Msg("Detector failed, event dropped")
			sig, ok = Signal{}, false
		}
	}()
	return d.Detect(ev, now)
}
