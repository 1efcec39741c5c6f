package opencode

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"github.com/kanzaki/switchboard/internal/logging"
)

// streamEvent is used for initial type dispatch. Every opencode event
// carries a type discriminator and (usually) the session ID.
type streamEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionID"`
}

// partEvent extracts the part payload of text/tool_use/step_finish events.
type partEvent struct {
	Part struct {
		Text   string `json:"text"`
		Tool   string `json:"tool"`
		Reason string `json:"reason"`
		State  struct {
			Title  string `json:"title"`
			Status string `json:"status"`
		} `json:"state"`
	} `json:"part"`
}

// errorEvent extracts the message from error events.
type errorEvent struct {
	Error struct {
		Name string `json:"name"`
		Data struct {
			Message string `json:"message"`
		} `json:"data"`
	} `json:"error"`
}

// Step-finish reasons with defined meaning. Any other reason is treated as
// "not completed yet" and the stream keeps being reduced.
const (
	finishReasonStop      = "stop"
	finishReasonToolCalls = "tool-calls"
)

// Parser incrementally reduces stream-json lines from opencode into a
// TurnOutcome. Feed each stdout line in arrival order, then call Finalize
// once the stream has ended.
//
// Once a failure is recorded (error event or session ID switch), further
// lines are drained without contributing to the outcome, so the child
// process never blocks on a full pipe.
type Parser struct {
	log zerolog.Logger

	sessionID string
	text      strings.Builder
	toolCalls int
	stopSeen  bool
	failed    bool
	reason    string
}

// NewParser creates a Parser.
func NewParser(log zerolog.Logger) *Parser {
	return &Parser{log: log.With().Str("component", "parser").Logger()}
}

// Feed reduces a single stdout line. Blank and non-JSON lines are skipped.
func (p *Parser) Feed(line string) {
	line = strings.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		if len(line) > 0 {
			p.log.Warn().Str("line", logging.Truncate(line, 200)).Msg("non-JSON line from opencode")
		}
		return
	}

	var evt streamEvent
	if err := json.Unmarshal([]byte(line), &evt); err != nil {
		p.log.Warn().Str("line", logging.Truncate(line, 200)).Msg("unparseable line from opencode")
		return
	}

	if p.failed {
		return // drain only
	}

	// First-seen session ID wins; a later event reporting a different one
	// is a protocol inconsistency, not a silent switch.
	if evt.SessionID != "" {
		if p.sessionID == "" {
			p.sessionID = evt.SessionID
		} else if evt.SessionID != p.sessionID {
			p.fail("session ID changed mid-stream: " + p.sessionID + " -> " + evt.SessionID)
			return
		}
	}

	switch evt.Type {
	case "text":
		var pe partEvent
		if err := json.Unmarshal([]byte(line), &pe); err == nil && pe.Part.Text != "" {
			p.text.WriteString(pe.Part.Text)
		}

	case "tool_use":
		p.toolCalls++
		var pe partEvent
		if err := json.Unmarshal([]byte(line), &pe); err == nil {
			p.log.Info().Str("tool", pe.Part.Tool).Str("status", pe.Part.State.Status).
				Str("title", pe.Part.State.Title).Msg("opencode tool use")
		}

	case "step_finish":
		var pe partEvent
		if err := json.Unmarshal([]byte(line), &pe); err != nil {
			return
		}
		switch pe.Part.Reason {
		case finishReasonStop:
			p.stopSeen = true
		case finishReasonToolCalls:
			// More events are coming; not a completion.
		default:
			p.log.Debug().Str("reason", pe.Part.Reason).Msg("step_finish with unknown reason")
		}

	case "error":
		var ee errorEvent
		msg := "unknown error"
		if err := json.Unmarshal([]byte(line), &ee); err == nil {
			if ee.Error.Data.Message != "" {
				msg = ee.Error.Data.Message
			} else if ee.Error.Name != "" {
				msg = ee.Error.Name
			}
		}
		p.fail(msg)

	case "step_start", "session-start":
		// Session ID already captured above; nothing else to extract.

	default:
		p.log.Debug().Str("type", evt.Type).Msg("ignoring unrecognized event type")
	}
}

// fail records a failure reason. Text accumulated before the failure is
// kept for diagnostics but the turn is failed regardless.
func (p *Parser) fail(reason string) {
	p.failed = true
	p.reason = reason
	p.log.Error().Str("reason", reason).Msg("opencode stream failure")
}

// Finalize returns the reduced outcome after the stream has ended. A stream
// that ended without a stop-reason step_finish, or without ever reporting a
// session ID, is a failure: downstream cannot distinguish "said nothing"
// from "still working".
func (p *Parser) Finalize() TurnOutcome {
	out := TurnOutcome{
		ExternalSessionID: p.sessionID,
		ResponseText:      p.text.String(),
		ToolCalls:         p.toolCalls,
	}

	switch {
	case p.failed:
		out.Failed = true
		out.FailureReason = p.reason
	case !p.stopSeen:
		out.Failed = true
		out.FailureReason = "stream ended without completion signal"
	case p.sessionID == "":
		out.Failed = true
		out.FailureReason = "stream completed without a session ID"
	default:
		out.Completed = true
	}
	return out
}
