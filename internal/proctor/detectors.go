package proctor

import (
	"math"
	"strings"
	"time"
)

const swipeThresholdPx = 50

// KeyCombo is a key plus the modifier that must be held. An empty Modifier
// matches the bare key.
type KeyCombo struct {
	Key         string `json:"key"`
	Modifier    string `json:"modifier,omitempty"`
	Description string `json:"description"`
}

const (
	modAlt   = "alt"
	modCtrl  = "ctrl"
	modShift = "ctrl+shift"
)

var restrictedKeys = []KeyCombo{
	{Key: "Tab", Modifier: modCtrl, Description: "Ctrl+Tab"},
	{Key: "F4", Modifier: modAlt, Description: "Alt+F4"},
	{Key: "n", Modifier: modCtrl, Description: "Ctrl+N (New Window)"},
	{Key: "t", Modifier: modCtrl, Description: "Ctrl+T (New Tab)"},
	{Key: "w", Modifier: modCtrl, Description: "Ctrl+W (Close Tab)"},
	{Key: "F11", Description: "F11 (Toggle Full Screen)"},
	{Key: "u", Modifier: modCtrl, Description: "Ctrl+U"},
	{Key: "o", Modifier: modCtrl, Description: "Ctrl+O"},
	{Key: "p", Modifier: modCtrl, Description: "Ctrl+P"},
	{Key: "s", Modifier: modCtrl, Description: "Ctrl+S"},
	{Key: "r", Modifier: modCtrl, Description: "Ctrl+R"},
	{Key: "f", Modifier: modCtrl, Description: "Ctrl+F"},
	{Key: "`", Modifier: modAlt, Description: "Alt+` (Toggle Console)"},
}

var windowSwitchKeys = []KeyCombo{
	{Key: "Tab", Modifier: modAlt, Description: "Alt+Tab"},
	{Key: "Escape", Modifier: modAlt, Description: "Alt+Escape"},
}

var devtoolsKeys = []KeyCombo{
	{Key: "I", Modifier: modShift, Description: "Ctrl+Shift+I"},
	{Key: "J", Modifier: modShift, Description: "Ctrl+Shift+J"},
	{Key: "C", Modifier: modShift, Description: "Ctrl+Shift+C"},
	{Key: "O", Modifier: modShift, Description: "Ctrl+Shift+O"},
}

// blockedKeys is every combo the shim must swallow, Escape included.
func blockedKeys() []KeyCombo {
	keys := []KeyCombo{{Key: "Escape", Description: "Escape"}}
	keys = append(keys, windowSwitchKeys...)
	keys = append(keys, devtoolsKeys...)
	keys = append(keys, restrictedKeys...)
	return keys
}

func (k KeyCombo) matches(ev RawEvent) bool {
	if !strings.EqualFold(ev.Key, k.Key) {
		return false
	}
	switch k.Modifier {
	case "":
		return true
	case modAlt:
		return ev.AltKey
	case modCtrl:
		return ev.CtrlKey
	case modShift:
		return ev.CtrlKey && ev.ShiftKey
	}
	return false
}

func matchCombo(combos []KeyCombo, ev RawEvent) (KeyCombo, bool) {
	for _, c := range combos {
		if c.matches(ev) {
			return c, true
		}
	}
	return KeyCombo{}, false
}

// ─── Keyboard ───────────────────────────────────────────────────────────────

type keyboardDetector struct{}

func (keyboardDetector) Name() string { return "keyboard" }

// Detect checks window-switch chords before plain Escape so Alt+Escape is
// never counted as an Escape press.
func (keyboardDetector) Detect(ev RawEvent, now time.Time) (Signal, bool) {
	if ev.Type != EventKeyDown {
		return Signal{}, false
	}
	if c, ok := matchCombo(windowSwitchKeys, ev); ok {
		return newSignal(KindWindowSwitch, now, map[string]any{"keyCombo": c.Description}), true
	}
	if ev.Key == "Escape" {
		return newSignal(KindEscapeKey, now, nil), true
	}
	if c, ok := matchCombo(devtoolsKeys, ev); ok {
		return newSignal(KindDevtools, now, map[string]any{"keyCombo": c.Description}), true
	}
	if c, ok := matchCombo(restrictedKeys, ev); ok {
		return newSignal(KindRestrictedKey, now, map[string]any{
			"description": c.Description,
			"keyCode":     ev.KeyCode,
		}), true
	}
	return Signal{}, false
}

// ─── Window ─────────────────────────────────────────────────────────────────

type fullscreenDetector struct{}

func (fullscreenDetector) Name() string { return "fullscreen" }

func (fullscreenDetector) Detect(ev RawEvent, now time.Time) (Signal, bool) {
	if ev.Type != EventFullscreenChange || ev.Fullscreen == nil || *ev.Fullscreen {
		return Signal{}, false
	}
	return newSignal(KindFullscreenExit, now, nil), true
}

type blurDetector struct{}

func (blurDetector) Name() string { return "blur" }

func (blurDetector) Detect(ev RawEvent, now time.Time) (Signal, bool) {
	if ev.Type != EventBlur {
		return Signal{}, false
	}
	return newSignal(KindWindowBlur, now, nil), true
}

type visibilityDetector struct{}

func (visibilityDetector) Name() string { return "visibility" }

func (visibilityDetector) Detect(ev RawEvent, now time.Time) (Signal, bool) {
	if ev.Type != EventVisibilityChange || ev.Visibility != "hidden" {
		return Signal{}, false
	}
	return newSignal(KindVisibilityHidden, now, map[string]any{"visibilityState": "hidden"}), true
}

// ─── Navigation ─────────────────────────────────────────────────────────────

type historyDetector struct{}

func (historyDetector) Name() string { return "history" }

func (historyDetector) Detect(ev RawEvent, now time.Time) (Signal, bool) {
	switch ev.Type {
	case EventPopState:
		return newSignal(KindHistoryTamper, now, map[string]any{"source": "popstate", "state": ev.State}), true
	case EventHashChange:
		return newSignal(KindHistoryTamper, now, map[string]any{"source": "hashchange", "newHash": ev.Hash}), true
	}
	return Signal{}, false
}

// navigationGuard compares reported URLs against the URL captured when the
// detectors were attached. Reset restores it to the unlocked state.
type navigationGuard struct {
	lockedURL string
}

func (g *navigationGuard) Name() string { return "navigation" }

func (g *navigationGuard) lock(url string) {
	g.lockedURL = url
}

func (g *navigationGuard) Reset() {
	g.lockedURL = ""
}

func (g *navigationGuard) Detect(ev RawEvent, now time.Time) (Signal, bool) {
	if ev.Type != EventURLCheck || ev.URL == "" {
		return Signal{}, false
	}
	if g.lockedURL == "" {
		g.lockedURL = ev.URL
		return Signal{}, false
	}
	if ev.URL == g.lockedURL {
		return Signal{}, false
	}
	return newSignal(KindURLChange, now, map[string]any{
		"attemptedUrl": ev.URL,
		"originalUrl":  g.lockedURL,
	}), true
}

type windowOpenDetector struct{}

func (windowOpenDetector) Name() string { return "window_open" }

func (windowOpenDetector) Detect(ev RawEvent, now time.Time) (Signal, bool) {
	if ev.Type != EventWindowOpen {
		return Signal{}, false
	}
	return newSignal(KindWindowOpen, now, map[string]any{
		"url":      ev.URL,
		"name":     ev.Name,
		"features": ev.Features,
	}), true
}

// ─── Gestures ───────────────────────────────────────────────────────────────

// touchSwipeDetector tracks the x position of a two-finger gesture from
// touchstart until it has travelled past the threshold.
type touchSwipeDetector struct {
	startX  float64
	tracked bool
}

func (d *touchSwipeDetector) Name() string { return "touch_swipe" }

func (d *touchSwipeDetector) Reset() {
	d.tracked = false
	d.startX = 0
}

func (d *touchSwipeDetector) Detect(ev RawEvent, now time.Time) (Signal, bool) {
	if len(ev.Touches) != 2 {
		return Signal{}, false
	}
	switch ev.Type {
	case EventTouchStart:
		d.startX = ev.Touches[0].ClientX
		d.tracked = true
	case EventTouchMove:
		if !d.tracked {
			return Signal{}, false
		}
		dx := math.Abs(ev.Touches[0].ClientX - d.startX)
		if dx > swipeThresholdPx {
			d.Reset()
			return newSignal(KindSwipe, now, map[string]any{"type": "swipe", "deltaX": dx}), true
		}
	}
	return Signal{}, false
}

type wheelDetector struct{}

func (wheelDetector) Name() string { return "wheel" }

func (wheelDetector) Detect(ev RawEvent, now time.Time) (Signal, bool) {
	if ev.Type != EventWheel {
		return Signal{}, false
	}
	dx, dy := math.Abs(ev.DeltaX), math.Abs(ev.DeltaY)
	if dx > dy && dx > swipeThresholdPx {
		return newSignal(KindSwipe, now, map[string]any{"type": "scroll", "deltaX": ev.DeltaX}), true
	}
	return Signal{}, false
}

// ─── Logged only ────────────────────────────────────────────────────────────

type pasteDetector struct{}

func (pasteDetector) Name() string { return "paste" }

func (pasteDetector) Detect(ev RawEvent, now time.Time) (Signal, bool) {
	if ev.Type != EventPaste {
		return Signal{}, false
	}
	return newSignal(KindPaste, now, map[string]any{"target": ev.Target}), true
}

type contextMenuDetector struct{}

func (contextMenuDetector) Name() string { return "context_menu" }

func (contextMenuDetector) Detect(ev RawEvent, now time.Time) (Signal, bool) {
	if ev.Type != EventContextMenu {
		return Signal{}, false
	}
	return newSignal(KindContextMenu, now, map[string]any{"x": ev.PageX, "y": ev.PageY}), true
}

type unloadDetector struct{}

func (unloadDetector) Name() string { return "before_unload" }

func (unloadDetector) Detect(ev RawEvent, now time.Time) (Signal, bool) {
	if ev.Type != EventBeforeUnload {
		return Signal{}, false
	}
	return newSignal(KindPageExit, now, nil), true
}
