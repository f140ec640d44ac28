package ocr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrEnginesExhausted is matched by every ExhaustedError.
	ErrEnginesExhausted = errors.New("all extraction engines failed")
	ErrEngineFailed     = errors.New("engine reported failure")
	ErrEmptyDocument    = errors.New("empty document")
)

// AttemptOutcome records what happened to one engine in the chain.
type AttemptOutcome string

const (
	OutcomeSuccess   AttemptOutcome = "success"
	OutcomeFailed    AttemptOutcome = "failed"
	OutcomeUnhealthy AttemptOutcome = "unhealthy"
)

// Attempt is one step of the fallback chain.
type Attempt struct {
	Engine   string         `json:"engine"`
	Outcome  AttemptOutcome `json:"outcome"`
	Reason   string         `json:"reason,omitempty"`
	Duration time.Duration  `json:"duration_ns"`
}

// ExhaustedError is returned when no engine in the chain produced text.
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return ErrEnginesExhausted.Error() + ": no engine configured"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s (%s: %s)", a.Engine, a.Outcome, a.Reason))
	}
	return ErrEnginesExhausted.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrEnginesExhausted
}

// Engines lists the attempted engine names in order.
func (e *ExhaustedError) Engines() []string {
	names := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		names = append(names, a.Engine)
	}
	return names
}
