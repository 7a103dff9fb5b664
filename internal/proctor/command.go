package proctor

import (
	"context"
)

// CommandType is an instruction the shim must carry out.
type CommandType string

const (
	CmdShowPermission    CommandType = "show_permission"
	CmdAttachDetectors   CommandType = "attach_detectors"
	CmdDetachDetectors   CommandType = "detach_detectors"
	CmdExitFullscreen    CommandType = "exit_fullscreen"
	CmdReenterFullscreen CommandType = "reenter_fullscreen"
	CmdShowWarning       CommandType = "show_warning"
	CmdCountdown         CommandType = "countdown"
	CmdHideWarning       CommandType = "hide_warning"
	CmdFreeze            CommandType = "freeze"
	CmdAlert             CommandType = "alert"
	CmdNavigateAway      CommandType = "navigate_away"
	CmdTimeRemaining     CommandType = "time_remaining"
	CmdModeChanged       CommandType = "mode"
)

// Command is sent to the shim over the proctoring stream.
type Command struct {
	Type            CommandType `json:"type"`
	Mode            Mode        `json:"mode,omitempty"`
	Seconds         int         `json:"seconds,omitempty"`
	Generation      uint64      `json:"generation,omitempty"`
	DelayMs         int64       `json:"delay_ms,omitempty"`
	TimeRemainingMs int64       `json:"time_remaining_ms,omitempty"`
	Message         string      `json:"message,omitempty"`
	Reason          Reason      `json:"reason,omitempty"`
	Kind            Kind        `json:"kind,omitempty"`
	Policy          *Policy     `json:"policy,omitempty"`
}

// Notifier delivers commands to the learner's page.
type Notifier interface {
	Notify(cmd Command)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(cmd Command)

func (f NotifierFunc) Notify(cmd Command) { f(cmd) }

// Reason records why a submission happened.
type Reason string

const (
	ReasonManual            Reason = "manual"
	ReasonSecurityViolation Reason = "security_violation"
	ReasonDeadline          Reason = "deadline"
)

// Lockdown is the slice of the session the submission pipeline drives.
type Lockdown interface {
	// Freeze makes the answers read-only.
	Freeze()
	// Teardown leaves fullscreen, detaches detectors, shows message and
	// navigates away. It must run whatever the pipeline outcome.
	Teardown(message string)
	// Counters is the session's local view of the strike tally, used when
	// the store cannot be read.
	Counters() Counters
}

// Trigger describes a submission request raised by the session.
type Trigger struct {
	Reason Reason
	Kind   Kind
}

// Submitter runs the submission pipeline for one session.
type Submitter interface {
	Submit(ctx context.Context, t Trigger, lock Lockdown) error
}

// EventSink receives every signal a session handles.
type EventSink interface {
	Record(ctx context.Context, ns Namespace, sig Signal, strike bool)
}

type discardSink struct{}

func (discardSink) Record(context.Context, Namespace, Signal, bool) {}
