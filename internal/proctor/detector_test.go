package proctor

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyboardDetector(t *testing.T) {
	tests := []struct {
		name string
		ev   RawEvent
		want Kind
		ok   bool
	}{
		{"escape", RawEvent{Key: "Escape"}, KindEscapeKey, true},
		{"alt tab", RawEvent{Key: "Tab", AltKey: true}, KindWindowSwitch, true},
		{"alt escape", RawEvent{Key: "Escape", AltKey: true}, KindWindowSwitch, true},
		{"devtools", RawEvent{Key: "J", CtrlKey: true, ShiftKey: true}, KindDevtools, true},
		{"new tab", RawEvent{Key: "t", CtrlKey: true}, KindRestrictedKey, true},
		{"new tab upper", RawEvent{Key: "T", CtrlKey: true}, KindRestrictedKey, true},
		{"f11", RawEvent{Key: "F11"}, KindRestrictedKey, true},
		{"ctrl tab", RawEvent{Key: "Tab", CtrlKey: true}, KindRestrictedKey, true},
		{"plain tab", RawEvent{Key: "Tab"}, "", false},
		{"letter", RawEvent{Key: "a"}, "", false},
		{"t without ctrl", RawEvent{Key: "t"}, "", false},
	}

	now := time.Unix(100, 0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.ev.Type = EventKeyDown
			sig, ok := keyboardDetector{}.Detect(tt.ev, now)
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, sig.Kind)
				assert.Equal(t, now, sig.Timestamp)
			}
		})
	}
}

func TestKeyboardDetector_IgnoresOtherEventTypes(t *testing.T) {
	_, ok := keyboardDetector{}.Detect(RawEvent{Type: EventBlur, Key: "Escape"}, time.Now())
	assert.False(t, ok)
}

func TestWheelDetector(t *testing.T) {
	tests := []struct {
		name   string
		dx, dy float64
		ok     bool
	}{
		{"horizontal swipe", 60, 10, true},
		{"negative horizontal", -80, 5, true},
		{"below threshold", 40, 0, false},
		{"at threshold", 50, 0, false},
		{"vertical scroll", 60, 120, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, ok := wheelDetector{}.Detect(RawEvent{Type: EventWheel, DeltaX: tt.dx, DeltaY: tt.dy}, time.Now())
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, KindSwipe, sig.Kind)
				assert.Equal(t, "scroll", sig.Detail["type"])
			}
		})
	}
}

func twoFingers(x float64) []Touch {
	return []Touch{{ClientX: x, ClientY: 10}, {ClientX: x + 40, ClientY: 10}}
}

func TestTouchSwipeDetector(t *testing.T) {
	d := &touchSwipeDetector{}
	now := time.Now()

	_, ok := d.Detect(RawEvent{Type: EventTouchMove, Touches: twoFingers(300)}, now)
	assert.False(t, ok, "move without start")

	_, ok = d.Detect(RawEvent{Type: EventTouchStart, Touches: twoFingers(100)}, now)
	assert.False(t, ok)

	_, ok = d.Detect(RawEvent{Type: EventTouchMove, Touches: twoFingers(140)}, now)
	assert.False(t, ok, "40px is below threshold")

	_, ok = d.Detect(RawEvent{Type: EventTouchMove, Touches: []Touch{{ClientX: 400}}}, now)
	assert.False(t, ok, "single finger")

	sig, ok := d.Detect(RawEvent{Type: EventTouchMove, Touches: twoFingers(40)}, now)
	require.True(t, ok)
	assert.Equal(t, KindSwipe, sig.Kind)
	assert.InDelta(t, 60.0, sig.Detail["deltaX"], 0.001)

	_, ok = d.Detect(RawEvent{Type: EventTouchMove, Touches: twoFingers(0)}, now)
	assert.False(t, ok, "gesture ends after firing")
}

func TestNavigationGuard(t *testing.T) {
	g := &navigationGuard{}
	now := time.Now()

	_, ok := g.Detect(RawEvent{Type: EventURLCheck, URL: "https://a/1"}, now)
	assert.False(t, ok, "first URL is adopted when unlocked")
	assert.Equal(t, "https://a/1", g.lockedURL)

	_, ok = g.Detect(RawEvent{Type: EventURLCheck, URL: "https://a/1"}, now)
	assert.False(t, ok)

	sig, ok := g.Detect(RawEvent{Type: EventURLCheck, URL: "https://a/2"}, now)
	require.True(t, ok)
	assert.Equal(t, KindURLChange, sig.Kind)
	assert.Equal(t, "https://a/2", sig.Detail["attemptedUrl"])
	assert.Equal(t, "https://a/1", sig.Detail["originalUrl"])

	g.Reset()
	assert.Empty(t, g.lockedURL)
}

func TestHistoryDetector(t *testing.T) {
	sig, ok := historyDetector{}.Detect(RawEvent{Type: EventHashChange, Hash: "#q2"}, time.Now())
	require.True(t, ok)
	assert.Equal(t, KindHistoryTamper, sig.Kind)
	assert.Equal(t, "hashchange", sig.Detail["source"])

	sig, ok = historyDetector{}.Detect(RawEvent{Type: EventPopState}, time.Now())
	require.True(t, ok)
	assert.Equal(t, "popstate", sig.Detail["source"])
}

func TestVisibilityDetector(t *testing.T) {
	_, ok := visibilityDetector{}.Detect(RawEvent{Type: EventVisibilityChange, Visibility: "visible"}, time.Now())
	assert.False(t, ok)

	sig, ok := visibilityDetector{}.Detect(RawEvent{Type: EventVisibilityChange, Visibility: "hidden"}, time.Now())
	require.True(t, ok)
	assert.Equal(t, KindVisibilityHidden, sig.Kind)
}

func TestFullscreenDetector(t *testing.T) {
	on, off := true, false
	_, ok := fullscreenDetector{}.Detect(RawEvent{Type: EventFullscreenChange, Fullscreen: &on}, time.Now())
	assert.False(t, ok)
	_, ok = fullscreenDetector{}.Detect(RawEvent{Type: EventFullscreenChange}, time.Now())
	assert.False(t, ok, "missing state")

	sig, ok := fullscreenDetector{}.Detect(RawEvent{Type: EventFullscreenChange, Fullscreen: &off}, time.Now())
	require.True(t, ok)
	assert.Equal(t, KindFullscreenExit, sig.Kind)
}

func TestDetectorSet_AttachDetach(t *testing.T) {
	set := NewDetectorSet(zerolog.Nop())
	now := time.Now()

	assert.Nil(t, set.Dispatch(RawEvent{Type: EventBlur}, now), "detached set is silent")

	p1 := set.Attach("https://a/1")
	p2 := set.Attach("https://a/other")
	assert.Equal(t, p1, p2, "attach is idempotent")
	assert.Equal(t, "https://a/1", p1.LockedURL)
	assert.True(t, set.Attached())

	var hasEscape bool
	for _, k := range p1.BlockedKeys {
		if k.Key == "Escape" && k.Modifier == "" {
			hasEscape = true
		}
	}
	assert.True(t, hasEscape)
	assert.EqualValues(t, swipeThresholdPx, p1.SwipeThresholdPx)

	sigs := set.Dispatch(RawEvent{Type: EventBlur}, now)
	require.Len(t, sigs, 1)
	assert.Equal(t, KindWindowBlur, sigs[0].Kind)

	set.Detach()
	set.Detach()
	assert.False(t, set.Attached())
	assert.Empty(t, set.guard.lockedURL, "guard restored on detach")
	assert.Nil(t, set.Dispatch(RawEvent{Type: EventBlur}, now))
}

func TestDetectorSet_DetachResetsGesture(t *testing.T) {
	set := NewDetectorSet(zerolog.Nop())
	now := time.Now()
	set.Attach("https://a/1")
	set.Dispatch(RawEvent{Type: EventTouchStart, Touches: twoFingers(100)}, now)

	set.Detach()
	set.Attach("https://a/1")

	sigs := set.Dispatch(RawEvent{Type: EventTouchMove, Touches: twoFingers(300)}, now)
	assert.Empty(t, sigs)
}

type panickingDetector struct{}

func (panickingDetector) Name() string { return "panics" }

func (panickingDetector) Detect(RawEvent, time.Time) (Signal, bool) {
	var touches []Touch
	_ = touches[3]
	return Signal{}, false
}

func TestDetectorSet_RecoversFromDetectorPanic(t *testing.T) {
	set := NewDetectorSet(zerolog.Nop())
	set.detectors = append([]Detector{panickingDetector{}}, set.detectors...)
	set.Attach("https://a/1")

	var sigs []Signal
	require.NotPanics(t, func() {
		sigs = set.Dispatch(RawEvent{Type: EventBlur}, time.Now())
	})
	require.Len(t, sigs, 1)
	assert.Equal(t, KindWindowBlur, sigs[0].Kind)
}

func TestKindClassification(t *testing.T) {
	twoStrike := []Kind{KindEscapeKey, KindWindowBlur, KindWindowSwitch, KindSwipe}
	immediate := []Kind{KindHistoryTamper, KindWindowOpen, KindURLChange}
	passive := []Kind{KindVisibilityHidden, KindPaste, KindRestrictedKey, KindDevtools, KindContextMenu, KindPageExit}

	for _, k := range twoStrike {
		assert.Equal(t, ClassTwoStrike, k.Class(), k)
		_, ok := k.Field()
		assert.True(t, ok, k)
	}
	for _, k := range immediate {
		assert.Equal(t, ClassImmediate, k.Class(), k)
		f, ok := k.Field()
		assert.True(t, ok, k)
		assert.Equal(t, FieldViolations, f, k)
	}
	for _, k := range passive {
		assert.False(t, k.Strikes(), k)
		_, ok := k.Field()
		assert.False(t, ok, k)
	}
	assert.Equal(t, ClassFullscreen, KindFullscreenExit.Class())
}
