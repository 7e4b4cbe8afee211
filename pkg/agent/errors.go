package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrNoModelLoaded is returned when no model is active at turn start.
	ErrNoModelLoaded = errors.New("no model loaded")
	// ErrStreamUnavailable wraps failures to open the primary stream.
	ErrStreamUnavailable = errors.New("completion stream unavailable")
	// ErrNoBackend is returned when the turn has no CompletionStreamProvider.
	ErrNoBackend = errors.New("completion backend is required")
	// ErrTurnAborted wraps the context error of a turn cancelled by Abort
	// or by its caller.
	ErrTurnAborted = errors.New("turn aborted")
)

// TurnErrorKind classifies soft failures recorded during a turn.
type TurnErrorKind string

const (
	TransportError         TurnErrorKind = "transport"
	ToolArgumentParseError TurnErrorKind = "tool_argument_parse"
	ToolExecutionError     TurnErrorKind = "tool_execution"
	ContinuationError      TurnErrorKind = "continuation"
)

// TurnError is a non-fatal failure. The turn still produces text.
type TurnError struct {
	Kind TurnErrorKind `json:"kind"`
	Tool string        `json:"tool,omitempty"`
	Err  error         `json:"-"`
}

func (e TurnError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Tool, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e TurnError) Unwrap() error {
	return e.Err
}

// HasError reports whether the result recorded an error of the given kind.
func (r TurnResult) HasError(kind TurnErrorKind) bool {
	for _, e := range r.Errors {
		if e.Kind == kind {
			return true
		}
	}
	return false
}
