package websocket

import (
	"github.com/stemsi/proctord/internal/model"
	"github.com/stemsi/proctord/internal/proctor"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionEvent           Action = "event"
	ActionGrantPermission Action = "grant_permission"
	ActionFullscreenError Action = "fullscreen_error"
	ActionAutosave        Action = "autosave"
	ActionSubmit          Action = "submit"
	ActionState           Action = "state"
	ActionPing            Action = "ping"
)

// Request is every message the shim sends. Only the fields of the given
// action are populated.
type Request struct {
	Action Action `json:"action"`

	// event
	Event *proctor.RawEvent `json:"event,omitempty"`

	// grant_permission
	URL string `json:"url,omitempty"`

	// fullscreen_error
	Reason string `json:"reason,omitempty"`

	// autosave
	Draft *model.DraftAnswer `json:"draft,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventCommand Event = "command"
	EventState   Event = "state"
	EventSuccess Event = "success"
	EventError   Event = "error"
	EventPong    Event = "pong"
)

type CommandResponse struct {
	Event   Event           `json:"event"`
	Command proctor.Command `json:"command"`
}

type StateResponse struct {
	Event Event                `json:"event"`
	State proctor.SessionState `json:"state"`
}

type SuccessResponse struct {
	Event  Event  `json:"event"`
	Status string `json:"status"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
