package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kanzaki/switchboard/internal/logging"
	"github.com/kanzaki/switchboard/internal/models"
	"github.com/kanzaki/switchboard/internal/opencode"
	"github.com/kanzaki/switchboard/internal/store"
)

// User-visible reply templates.
const (
	msgNewSession    = "Started a new conversation. The AI context has been cleared."
	msgQueued        = "The assistant is busy; your request is queued, please wait..."
	msgEmptyReply    = "The assistant returned no reply."
	msgTurnFailed    = "The assistant ran into a problem. Please try again later."
	msgInternalError = "Internal error while handling your message."
)

// NotifyFn delivers an interim notice (e.g. "queued") to the message source
// before the final reply is ready.
type NotifyFn func(text string)

// Handler processes normalized inbound messages: commands go to the session
// store directly, everything else becomes an opencode turn. Turns are
// serialized per sourceKey so two processes never race to continue the same
// opencode session, even when the global dispatcher cap allows more
// concurrency.
type Handler struct {
	store      *store.Store
	dispatcher *opencode.Dispatcher
	log        zerolog.Logger

	mu        sync.Mutex
	turnLocks map[string]*sync.Mutex
}

// NewHandler creates a Handler.
func NewHandler(st *store.Store, d *opencode.Dispatcher, log zerolog.Logger) (*Handler, error) {
	if st == nil {
		return nil, fmt.Errorf("relay: store is required")
	}
	if d == nil {
		return nil, fmt.Errorf("relay: dispatcher is required")
	}
	return &Handler{
		store:      st,
		dispatcher: d,
		log:        log.With().Str("component", "relay").Logger(),
		turnLocks:  make(map[string]*sync.Mutex),
	}, nil
}

// HandleMessage runs one inbound message through the pipeline and returns
// the reply text. An empty reply means the message was ignored (group
// message without @bot). notify, if non-nil, receives interim notices.
//
// The returned error reports what went wrong for logging; the reply text is
// already user-safe and should be sent regardless.
func (h *Handler) HandleMessage(ctx context.Context, msg Message, notify NotifyFn) (string, error) {
	// Group messages only reach the assistant when the bot is mentioned.
	if msg.Kind == KindGroup && !msg.AtBot {
		h.log.Debug().Str("source", msg.SourceKey).Str("user", msg.SenderName).
			Msg("ignored group message without @bot")
		return "", nil
	}

	h.log.Info().Str("source", msg.SourceKey).Str("user", msg.SenderName).
		Str("text", logging.Truncate(msg.Text, 100)).Msg("processing message")

	if cmd := ParseCommand(msg.Text); cmd != CommandNone {
		return h.handleCommand(cmd, msg)
	}
	return h.handleTurn(ctx, msg, notify)
}

// handleCommand executes /new, /help and unknown commands.
func (h *Handler) handleCommand(cmd Command, msg Message) (string, error) {
	h.log.Info().Str("command", string(cmd)).Str("source", msg.SourceKey).Msg("command received")

	switch cmd {
	case CommandNew:
		if _, err := h.store.ArchiveActiveAndCreate(msg.SourceKey); err != nil {
			h.log.Error().Err(err).Str("source", msg.SourceKey).Msg("new conversation failed")
			return msgInternalError, err
		}
		return msgNewSession, nil
	default:
		return helpText, nil
	}
}

// handleTurn runs one opencode turn for a regular message.
func (h *Handler) handleTurn(ctx context.Context, msg Message, notify NotifyFn) (string, error) {
	// One turn at a time per source.
	l := h.turnLock(msg.SourceKey)
	l.Lock()
	defer l.Unlock()

	conv, err := h.store.GetOrCreateActive(msg.SourceKey)
	if err != nil {
		h.log.Error().Err(err).Str("source", msg.SourceKey).Msg("resolve conversation failed")
		return msgInternalError, err
	}

	prompt := BuildPrompt(msg)

	// Advisory: tell the user they are queued before blocking on a slot.
	if h.dispatcher.AtCapacity() && notify != nil {
		notify(msgQueued)
	}

	start := time.Now()
	outcome, turnErr := h.dispatcher.RunTurn(ctx, conv.ExternalSessionID, prompt)
	latency := time.Since(start)

	// First successful contact assigns the opencode session; bind it
	// write-once. A conflict here means two turns raced on one
	// conversation, which the per-source lock is supposed to prevent.
	if conv.ExternalSessionID == "" && outcome.ExternalSessionID != "" {
		if err := h.store.BindExternalSession(conv.ID, outcome.ExternalSessionID); err != nil {
			h.log.Error().Err(err).Str("conversation", conv.ID).
				Str("session", outcome.ExternalSessionID).Msg("bind external session failed")
		}
	}

	reply, failKind := h.replyFor(outcome, turnErr)
	h.recordTurn(conv, msg, prompt, reply, outcome, failKind, latency)

	if turnErr != nil {
		h.log.Error().Err(turnErr).Str("source", msg.SourceKey).Msg("opencode turn failed")
		return reply, turnErr
	}
	h.log.Info().Str("source", msg.SourceKey).Int("chars", len(reply)).
		Dur("latency", latency).Msg("sending AI reply")
	return reply, nil
}

// replyFor maps a turn result to user-visible text and a failure kind.
func (h *Handler) replyFor(outcome opencode.TurnOutcome, turnErr error) (string, opencode.FailureKind) {
	if turnErr == nil {
		return outcome.ResponseText, ""
	}
	var te *opencode.TurnError
	if errors.As(turnErr, &te) {
		if te.Kind == opencode.KindEmpty {
			return msgEmptyReply, te.Kind
		}
		return msgTurnFailed, te.Kind
	}
	return msgTurnFailed, opencode.KindProtocol
}

// recordTurn persists the audit record for one turn; failures are logged
// but never affect the reply.
func (h *Handler) recordTurn(conv *models.Conversation, msg Message, prompt, reply string,
	outcome opencode.TurnOutcome, failKind opencode.FailureKind, latency time.Duration) {

	status := "ok"
	if failKind != "" {
		status = "failed"
	}
	rec := models.TurnRecord{
		ConversationID:    conv.ID,
		SourceKey:         msg.SourceKey,
		Prompt:            prompt,
		Reply:             reply,
		ExternalSessionID: outcome.ExternalSessionID,
		Status:            status,
		FailureKind:       string(failKind),
		FailureReason:     outcome.FailureReason,
		LatencyMs:         int(latency.Milliseconds()),
	}
	if err := h.store.RecordTurn(rec); err != nil {
		h.log.Error().Err(err).Str("conversation", conv.ID).Msg("record turn failed")
	}
}

// turnLock returns the mutex serializing turns for a sourceKey.
func (h *Handler) turnLock(sourceKey string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.turnLocks[sourceKey]
	if !ok {
		l = &sync.Mutex{}
		h.turnLocks[sourceKey] = l
	}
	return l
}
