package proctor

import (
	"time"
)

// Kind names a detected behaviour.
type Kind string

const (
	KindEscapeKey        Kind = "escape_key"
	KindWindowBlur       Kind = "window_blur"
	KindWindowSwitch     Kind = "window_switch"
	KindFullscreenExit   Kind = "fullscreen_exit"
	KindSwipe            Kind = "swipe"
	KindHistoryTamper    Kind = "history_tamper"
	KindWindowOpen       Kind = "window_open"
	KindURLChange        Kind = "url_change"
	KindVisibilityHidden Kind = "visibility_hidden"
	KindPaste            Kind = "paste"
	KindRestrictedKey    Kind = "restricted_key"
	KindDevtools         Kind = "devtools"
	KindContextMenu      Kind = "context_menu"
	KindPageExit         Kind = "page_exit"
)

// Class groups kinds by how the strike policy treats them.
type Class int

const (
	// ClassPassive kinds are logged and never counted.
	ClassPassive Class = iota
	// ClassTwoStrike kinds open a timed warning on the first occurrence and
	// force submission on the second.
	ClassTwoStrike
	// ClassFullscreen is a learner-initiated fullscreen exit.
	ClassFullscreen
	// ClassImmediate kinds force submission on the first occurrence.
	ClassImmediate
)

func (k Kind) Class() Class {
	switch k {
	case KindEscapeKey, KindWindowBlur, KindWindowSwitch, KindSwipe:
		return ClassTwoStrike
	case KindFullscreenExit:
		return ClassFullscreen
	case KindHistoryTamper, KindWindowOpen, KindURLChange:
		return ClassImmediate
	default:
		return ClassPassive
	}
}

// Strikes reports whether a signal of this kind is counted.
func (k Kind) Strikes() bool {
	return k.Class() != ClassPassive
}

// Field returns the counter a strike of this kind increments.
func (k Kind) Field() (Field, bool) {
	switch k {
	case KindEscapeKey:
		return FieldEscapeKeyPresses, true
	case KindSwipe:
		return FieldSwipeViolations, true
	case KindFullscreenExit:
		return FieldFullscreenExits, true
	case KindWindowBlur, KindWindowSwitch, KindHistoryTamper, KindWindowOpen, KindURLChange:
		return FieldViolations, true
	}
	return "", false
}

// Signal is a single detected behaviour.
type Signal struct {
	Kind      Kind           `json:"kind"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func newSignal(kind Kind, now time.Time, detail map[string]any) Signal {
	return Signal{Kind: kind, Detail: detail, Timestamp: now}
}
