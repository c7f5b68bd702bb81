package agent

import (
	"errors"
	"fmt"
)

// Errors returned to the caller of a conversation turn. Their text is shown
// to end users, so each message must stay client safe.
var (
	// ErrOrgContextRequired means the caller carries no organization at all.
	ErrOrgContextRequired = errors.New("Organization context is required")

	// ErrSessionNotFound covers both missing sessions and sessions of an
	// organization the caller cannot see.
	ErrSessionNotFound = errors.New("Session not found")

	// ErrSessionNotActive is returned for closed or expired sessions.
	ErrSessionNotActive = errors.New("Session is not active")

	// ErrSessionExpired is returned when a turn finds the session past its
	// age or idle limit.
	ErrSessionExpired = errors.New("Session has expired")

	// ErrSessionUnavailable is returned when the session cannot be read.
	ErrSessionUnavailable = errors.New("Unable to verify session, try again")

	// ErrTurnNotRecorded means the session changed between the checks and
	// the turn claim.
	ErrTurnNotRecorded = errors.New("Session is not active or its turn limit was reached")

	// ErrEmptyMessage is returned for messages with no text left after sanitizing.
	ErrEmptyMessage = errors.New("Message text is required")

	// ErrEmptyQuery is returned by a search without a query.
	ErrEmptyQuery = errors.New("Search query is required")

	// ErrAccessDenied is returned when creating a session for a foreign organization.
	ErrAccessDenied = errors.New("Access denied to this organization")

	// ErrContextTooLarge is returned when the estimated prompt exceeds the ceiling.
	ErrContextTooLarge = errors.New("Conversation context is too large. Please start a new session.")

	// ErrToolTimeout indicates a tool ran past the tool timeout.
	ErrToolTimeout = errors.New("Tool execution timed out")

	// ErrToolPanic indicates a tool panicked during execution.
	ErrToolPanic = errors.New("tool panicked")

	// ErrNoProvider indicates no LLM provider is configured.
	ErrNoProvider = errors.New("no provider configured")
)

// TurnLimitError is returned when a session has used all of its turns.
type TurnLimitError struct {
	MaxTurns int
}

func (e *TurnLimitError) Error() string {
	return fmt.Sprintf("Session turn limit reached (%d)", e.MaxTurns)
}

// LoopError represents an error that occurred during the agentic loop execution
// with context about which phase and iteration the error occurred in.
type LoopError struct {
	// Phase is the loop phase where the error occurred
	Phase LoopPhase

	// Iteration is the loop iteration where the error occurred
	Iteration int

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *LoopError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("loop error at %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
	}
	return fmt.Sprintf("loop error at %s (iteration %d)", e.Phase, e.Iteration)
}

// Unwrap returns the underlying error.
func (e *LoopError) Unwrap() error {
	return e.Cause
}

// LoopPhase represents a distinct phase in the agentic loop lifecycle.
type LoopPhase string

const (
	// PhaseInit covers preconditions, governance and history loading.
	PhaseInit LoopPhase = "init"

	// PhaseStream is the LLM streaming phase
	PhaseStream LoopPhase = "stream"

	// PhaseExecuteTools is the tool execution phase
	PhaseExecuteTools LoopPhase = "execute_tools"

	// PhaseContinue is the continuation phase after tool results
	PhaseContinue LoopPhase = "continue"

	// PhaseComplete is the completion phase
	PhaseComplete LoopPhase = "complete"
)
