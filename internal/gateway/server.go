// Package gateway is the OneBot 11 WebSocket boundary: NapCat connects to
// this server, inbound events flow to the relay handler, and replies go
// back as OneBot API calls correlated by echo IDs.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kanzaki/switchboard/internal/logging"
	"github.com/kanzaki/switchboard/internal/relay"
)

// apiTimeout bounds how long a reply waits for the OneBot API response.
const apiTimeout = 10 * time.Second

// Server accepts one NapCat connection and pumps OneBot events through the
// relay pipeline. Message events are handled in their own goroutines so a
// long opencode turn never blocks the read loop.
type Server struct {
	host    string
	port    int
	handler *relay.Handler
	log     zerolog.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex // gorilla allows one concurrent writer
	botID   int64
	pending map[string]chan Event
}

// NewServer creates a Server.
func NewServer(host string, port int, handler *relay.Handler, log zerolog.Logger) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("gateway: handler is required")
	}
	return &Server{
		host:    host,
		port:    port,
		handler: handler,
		log:     log.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			// NapCat is a local backend process, not a browser.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		pending: make(map[string]chan Event),
	}, nil
}

// Run starts the WebSocket listener and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	host := s.host
	if host == "0.0.0.0" {
		host = "" // bind all interfaces, IPv4 and IPv6
	}
	addr := net.JoinHostPort(host, strconv.Itoa(s.port))

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS(ctx))

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	s.log.Info().Str("addr", addr).Msg("gateway listening, waiting for NapCat")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: listen on %s: %w", addr, err)
	}
	return nil
}

// Handler returns the HTTP handler accepting WebSocket upgrades. Exposed
// for tests; Run wires it to a listener.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS(ctx))
	return mux
}

// handleWS upgrades the connection and runs the read loop until the peer
// disconnects.
func (s *Server) handleWS(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		s.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("NapCat connected")

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		defer func() {
			s.mu.Lock()
			if s.conn == conn {
				s.conn = nil
			}
			s.mu.Unlock()
			conn.Close()
			s.log.Info().Msg("NapCat disconnected")
		}()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				s.log.Warn().Err(err).Msg("connection closed")
				return
			}

			var ev Event
			if err := json.Unmarshal(raw, &ev); err != nil {
				s.log.Warn().Str("raw", logging.Truncate(string(raw), 200)).Msg("non-JSON frame received")
				continue
			}

			// API response frames are matched to their pending request.
			if ev.Echo != "" && s.deliverResponse(ev) {
				continue
			}

			s.dispatchEvent(ctx, ev)
		}
	}
}

// dispatchEvent routes one inbound OneBot event.
func (s *Server) dispatchEvent(ctx context.Context, ev Event) {
	// The bot learns its own QQ ID from the first event carrying self_id.
	s.mu.Lock()
	if s.botID == 0 && ev.SelfID != 0 {
		s.botID = ev.SelfID
		s.log.Info().Int64("bot_id", ev.SelfID).Msg("bot QQ ID learned")
	}
	botID := s.botID
	s.mu.Unlock()

	switch ev.PostType {
	case "meta_event":
		if ev.MetaEventType == "lifecycle" {
			s.log.Info().Str("sub_type", ev.SubType).Msg("lifecycle event")
		} else {
			s.log.Debug().Str("meta", ev.MetaEventType).Msg("meta event")
		}

	case "message":
		if botID == 0 {
			s.log.Warn().Msg("message before bot ID was learned, ignoring")
			return
		}
		// Long turns must not stall the read loop.
		go s.handleMessage(ctx, ev, botID)

	case "notice", "request":
		s.log.Debug().Str("post_type", ev.PostType).Msg("unhandled event")

	default:
		s.log.Debug().Str("post_type", ev.PostType).Msg("unknown post_type")
	}
}

// handleMessage runs one message event through the relay pipeline and sends
// the reply.
func (s *Server) handleMessage(ctx context.Context, ev Event, botID int64) {
	msg := ParseMessage(ev, botID)

	notify := func(text string) {
		if err := s.reply(ctx, ev, text); err != nil {
			s.log.Warn().Err(err).Msg("send notice failed")
		}
	}

	reply, err := s.handler.HandleMessage(ctx, msg, notify)
	if err != nil {
		s.log.Error().Err(err).Str("source", msg.SourceKey).Msg("handle message")
	}
	if reply == "" {
		return
	}
	if err := s.reply(ctx, ev, reply); err != nil {
		s.log.Error().Err(err).Str("source", msg.SourceKey).Msg("send reply failed")
	}
}

// reply sends text back to the source of ev via the OneBot API.
func (s *Server) reply(ctx context.Context, ev Event, text string) error {
	echo := uuid.NewString()[:8]
	req, err := replyAction(ev, text, echo)
	if err != nil {
		return err
	}

	resp, err := s.sendAPI(ctx, req)
	if err != nil {
		return err
	}
	if resp.Retcode != nil && *resp.Retcode != 0 {
		return fmt.Errorf("gateway: %s failed: retcode %d", req.Action, *resp.Retcode)
	}
	return nil
}

// sendAPI writes an API request frame and waits for the matching response.
func (s *Server) sendAPI(ctx context.Context, req apiRequest) (*Event, error) {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("gateway: no active connection for %s", req.Action)
	}
	ch := make(chan Event, 1)
	s.pending[req.Echo] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, req.Echo)
		s.mu.Unlock()
	}()

	s.writeMu.Lock()
	err := conn.WriteJSON(req)
	s.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("gateway: write %s: %w", req.Action, err)
	}

	select {
	case resp := <-ch:
		return &resp, nil
	case <-time.After(apiTimeout):
		return nil, fmt.Errorf("gateway: %s timed out", req.Action)
	case <-ctx.Done():
		return nil, fmt.Errorf("gateway: %s: %w", req.Action, ctx.Err())
	}
}

// deliverResponse hands an API response to its waiter. Returns false when
// no request is pending for the echo (e.g. a late response after timeout).
func (s *Server) deliverResponse(ev Event) bool {
	s.mu.Lock()
	ch, ok := s.pending[ev.Echo]
	if ok {
		delete(s.pending, ev.Echo)
	}
	s.mu.Unlock()
	if ok {
		ch <- ev
	}
	return ok
}
