// Package opencode runs opencode CLI turns under a global concurrency cap
// and reduces their stream-json output to turn outcomes.
package opencode

import "fmt"

// TurnOutcome is the reduction of one opencode invocation's event stream.
type TurnOutcome struct {
	// ExternalSessionID is the opencode session ID (ses_XXX), captured from
	// the first event that carries one.
	ExternalSessionID string
	// ResponseText is the concatenation of all text fragments, in arrival
	// order, no separators.
	ResponseText string
	// Completed reports whether a definitive stop signal was observed and
	// the session ID was captured.
	Completed bool
	// Failed is set when an error event, an inconsistent session ID, or a
	// stream without a completion signal was observed.
	Failed bool
	// FailureReason is present iff Failed.
	FailureReason string
	// ToolCalls counts tool_use events, for diagnostics only.
	ToolCalls int
}

// FailureKind classifies how a turn failed.
type FailureKind string

const (
	// KindLaunch: the opencode process could not be started.
	KindLaunch FailureKind = "launch"
	// KindExit: the process exited with a non-zero code.
	KindExit FailureKind = "exit"
	// KindProtocol: the event stream reported an error, an inconsistent
	// session ID, or ended without a completion signal.
	KindProtocol FailureKind = "protocol"
	// KindEmpty: the turn completed cleanly but produced no text.
	KindEmpty FailureKind = "empty"
)

// TurnError is the discriminated failure returned by RunTurn. The
// dispatcher never retries; the caller decides user-visible messaging.
type TurnError struct {
	Kind   FailureKind
	Reason string
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("opencode: %s failure: %s", e.Kind, e.Reason)
}
