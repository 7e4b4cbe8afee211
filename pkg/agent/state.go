package agent

import (
	"strings"

	"github.com/rs/zerolog"
)

// turnState is owned by the single goroutine running a turn.
type turnState struct {
	buffer             strings.Builder
	scanner            Scanner
	executed           map[string]struct{}
	continuationNeeded bool

	outcomes   []ToolOutcome
	duplicates int
	phases     []TurnPhase
	errors     []TurnError
	chunks     int
	logger     zerolog.Logger
}

func newTurnState(logger zerolog.Logger) *turnState {
	return &turnState{
		executed: make(map[string]struct{}),
		logger:   logger,
	}
}

func (s *turnState) enter(phase TurnPhase) {
	s.phases = append(s.phases, phase)
	s.logger.Debug().Str("phase", string(phase)).Msg("Turn phase")
}

func (s *turnState) entered(phase TurnPhase) bool {
	for _, p := range s.phases {
		if p == phase {
			return true
		}
	}
	return false
}

func (s *turnState) text() string {
	return s.buffer.String()
}

// appendModel appends model output. It remains subject to scanning.
func (s *turnState) appendModel(delta string) {
	s.buffer.WriteString(delta)
	s.chunks++
}

// splice appends text that must not be scanned for tool calls.
func (s *turnState) splice(text string) {
	s.buffer.WriteString(text)
	s.scanner.SkipTo(s.buffer.Len())
}

// markExecuted records sig and reports whether it was new.
func (s *turnState) markExecuted(sig string) bool {
	if _, ok := s.executed[sig]; ok {
		return false
	}
	s.executed[sig] = struct{}{}
	return true
}

func (s *turnState) recordError(kind TurnErrorKind, tool string, err error) {
	s.errors = append(s.errors, TurnError{Kind: kind, Tool: tool, Err: err})
}
