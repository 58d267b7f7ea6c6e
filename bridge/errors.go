package bridge

import (
	"errors"
	"fmt"
)

// Failure kinds. Every error returned by Run matches at least one of them
// with errors.Is.
var (
	// ErrMalformedMessage is logged for a dropped frame. It never ends a bridge.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrLegFailed means a leg's transport reported an error.
	ErrLegFailed = errors.New("leg failed")
	// ErrLegClosed means a leg closed without an error.
	ErrLegClosed = errors.New("leg closed")
	// ErrSetupFailed means the conversation could not be opened or initiated.
	ErrSetupFailed = errors.New("ai leg setup failed")
	// ErrHangupFailed wraps a failed call termination.
	ErrHangupFailed = errors.New("hangup failed")
	// ErrStreamStopped means Twilio sent stop. Run reports it as nil.
	ErrStreamStopped = errors.New("media stream stopped")
	// ErrSuperseded means another bridge took over the call.
	ErrSuperseded = errors.New("superseded by a newer bridge for the same call")
	// ErrShutdown means the bridge was canceled from outside.
	ErrShutdown = errors.New("bridge shut down")
)

// Leg names one side of a bridge.
type Leg string

const (
	// LegTelephony is the Twilio media stream.
	LegTelephony Leg = "telephony"
	// LegAI is the ElevenLabs conversation.
	LegAI Leg = "ai"
)

// LegError attributes a failure kind and its cause to one leg.
type LegError struct {
	Leg  Leg
	Kind error
	Err  error
}

func (e *LegError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s leg: %v", e.Leg, e.Kind)
	}
	return fmt.Sprintf("%s leg: %v: %v", e.Leg, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause.
func (e *LegError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func legErr(leg Leg, kind, err error) *LegError {
	return &LegError{Leg: leg, Kind: kind, Err: err}
}
