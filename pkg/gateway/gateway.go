// Package gateway wires the inbound IM transport to the debouncing
// ingress: it accepts the long-lived duplex WebSocket connection,
// decodes each frame into a wire.InboundEvent, and hands it to an
// ingress.Debouncer keyed by session id. On flush it assembles an
// orchestrator.Input from the batch, drives the orchestrator, and,
// if a reply was produced, sends a send_msg API call back down the
// same connection.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kitsune-ai/anima/pkg/ingress"
	"github.com/kitsune-ai/anima/pkg/orchestrator"
	"github.com/kitsune-ai/anima/pkg/proactive"
	"github.com/kitsune-ai/anima/pkg/wire"
)

// Runner is the seam the gateway drives per debounced batch,
// satisfied by *orchestrator.Orchestrator.
type Runner interface {
	Run(ctx context.Context, in orchestrator.Input) orchestrator.Result
}

// Tracker is notified of session activity so the proactive scheduler
// knows which sessions are recently live.
type Tracker interface {
	Track(meta proactive.SessionMeta)
}

// Server accepts inbound WebSocket connections and dispatches their
// events through a Debouncer into the orchestrator.
type Server struct {
	authToken string
	debouncer *ingress.Debouncer
	orch      Runner
	tracker   Tracker
	log       zerolog.Logger

	mu          sync.Mutex
	conns       map[string]*connHandle // self_id -> active connection
	sessionSelf map[string]string      // session id -> self_id of the connection that last saw it

	echoCounter  int64
	lastActivity int64 // unix nanoseconds of the last decoded inbound event
}

// connHandle is one accepted connection, identified by the bot
// account (self_id) it speaks for.
type connHandle struct {
	conn   *websocket.Conn
	selfID string
}

// New builds a Server. authToken, if non-empty, is required as a
// bearer token on the upgrade request; connections without it are
// rejected with close code 4003.
func New(authToken string, orch Runner, tracker Tracker, debounceWait time.Duration, log zerolog.Logger) *Server {
	s := &Server{
		authToken:   authToken,
		orch:        orch,
		tracker:     tracker,
		log:         log.With().Str("component", "gateway").Logger(),
		conns:       map[string]*connHandle{},
		sessionSelf: map[string]string{},
	}
	s.debouncer = ingress.New(debounceWait, s.onFlush, log)
	return s
}

// SetTracker wires the proactive scheduler in after construction,
// breaking the construction cycle: the scheduler's deliver callback
// is a Server method, so the scheduler itself can only be built once
// the Server already exists.
func (s *Server) SetTracker(t Tracker) { s.tracker = t }

// authFailureCode is the close code sent on a failed bearer-token
// check.
const authFailureCode websocket.StatusCode = 4003

// ServeHTTP upgrades the request to a WebSocket duplex connection and
// runs its read loop until the connection closes or ctx is done.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("gateway: accept failed")
		return
	}
	handle := &connHandle{conn: c}
	defer c.CloseNow()

	if s.authToken != "" {
		header := r.Header.Get("Authorization")
		if header != "Bearer "+s.authToken {
			_ = c.Close(authFailureCode, "missing or invalid bearer token")
			return
		}
	}

	ctx := r.Context()
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			s.log.Debug().Err(err).Msg("gateway: connection closed")
			s.forget(handle)
			return
		}
		var evt wire.InboundEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.log.Warn().Err(err).Msg("gateway: malformed inbound event, dropping")
			continue
		}
		if handle.selfID == "" {
			handle.selfID = evt.SelfID
			s.remember(handle)
		}
		atomic.StoreInt64(&s.lastActivity, time.Now().UnixNano())
		sessionID := SessionID(evt)
		s.mu.Lock()
		s.sessionSelf[sessionID] = evt.SelfID
		s.mu.Unlock()
		s.debouncer.Add(sessionID, evt)
		if s.tracker != nil {
			s.tracker.Track(proactive.SessionMeta{
				SessionID: sessionID,
				SenderID:  evt.UserID,
				IsGroup:   evt.IsGroup(),
			})
		}
	}
}

func (s *Server) remember(h *connHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[h.selfID] = h
}

func (s *Server) forget(h *connHandle) {
	if h.selfID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[h.selfID] == h {
		delete(s.conns, h.selfID)
	}
}

// LastActivity returns when the most recent inbound event was
// decoded, across every session. The dream consolidator's
// quiet-period gate reads this to avoid write contention with a live
// conversation. Returns the zero time if nothing has arrived yet.
func (s *Server) LastActivity() time.Time {
	ns := atomic.LoadInt64(&s.lastActivity)
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// SessionID derives the per-session key an event belongs to: one
// session per group, one session per private correspondent. The
// per-session mutex and the short-term history are both keyed at
// this granularity.
func SessionID(evt wire.InboundEvent) string {
	if evt.IsGroup() {
		return "group:" + evt.GroupID
	}
	return "private:" + evt.UserID
}

// onFlush is the Debouncer's callback: it assembles one
// orchestrator.Input from a batch of same-session events and drives
// the orchestrator.
func (s *Server) onFlush(sessionID string, events []ingress.Event) {
	if len(events) == 0 {
		return
	}
	in := buildInput(sessionID, events)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	result := s.orch.Run(ctx, in)
	if !result.ShouldReply || result.AssistantText == "" {
		return
	}
	s.deliver(in.SenderID, events, result.AssistantText)
}

// deliver sends a send_msg API call for the assistant's reply back
// down the connection that owns the last event's self_id.
func (s *Server) deliver(senderID string, events []ingress.Event, text string) {
	last, ok := events[len(events)-1].Payload.(wire.InboundEvent)
	if !ok {
		return
	}
	s.mu.Lock()
	h, ok := s.conns[last.SelfID]
	s.mu.Unlock()
	if !ok {
		s.log.Warn().Str("self_id", last.SelfID).Msg("gateway: no live connection to deliver reply on")
		return
	}

	params := map[string]any{
		"message_type": wire.MessageTypePrivate,
		"user_id":      last.UserID,
		"message":      text,
	}
	if last.IsGroup() {
		params["message_type"] = wire.MessageTypeGroup
		params["group_id"] = last.GroupID
		delete(params, "user_id")
	}

	req := wire.APIRequest{
		EchoID: wire.FormatEchoID(atomic.AddInt64(&s.echoCounter, 1)),
		Call:   wire.APISendMsg,
		Params: params,
	}
	data, err := json.Marshal(req)
	if err != nil {
		s.log.Error().Err(err).Msg("gateway: marshal outbound request")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.log.Warn().Err(err).Str("self_id", last.SelfID).Msg("gateway: outbound write failed")
	}
}

// buildInput folds a debounced batch of wire.InboundEvent into the
// orchestrator's Input, combining every text segment's body in
// arrival order and collecting every image reference.
func buildInput(sessionID string, events []ingress.Event) orchestrator.Input {
	in := orchestrator.Input{SessionID: sessionID}
	var mentioned bool
	for _, e := range events {
		evt, ok := e.Payload.(wire.InboundEvent)
		if !ok {
			continue
		}
		in.SenderID = evt.UserID
		in.SenderName = evt.Sender.Nickname
		in.IsGroup = evt.IsGroup()
		if text := strings.TrimSpace(evt.PlainText()); text != "" {
			in.Texts = append(in.Texts, text)
		}
		for _, seg := range evt.ImageSegments() {
			in.ImageURLs = append(in.ImageURLs, orchestrator.ImageRef{URL: seg.URL, StickerHint: seg.StickerHint})
		}
		if evt.IsMentioned(evt.SelfID) {
			mentioned = true
		}
		in.LastInteractionTime = e.Arrived
	}
	in.IsMentioned = mentioned
	return in
}

// NewConnectionID returns a process-unique identifier for a freshly
// accepted connection, used only for logging correlation; the
// session id itself (SessionID) is what state is keyed by.
func NewConnectionID() string {
	return uuid.NewString()
}

// RunProactiveDeliver builds the deliver callback the proactive
// scheduler uses to push an unprompted message down the same
// connection machinery, keyed by the session's sender rather than a
// debounced batch.
func (s *Server) RunProactiveDeliver() func(sessionID, text string) {
	return func(sessionID, text string) {
		parts := strings.SplitN(sessionID, ":", 2)
		if len(parts) != 2 {
			s.log.Warn().Str("session_id", sessionID).Msg("gateway: malformed session id for proactive delivery")
			return
		}
		kind, target := parts[0], parts[1]
		s.mu.Lock()
		selfID := s.sessionSelf[sessionID]
		h := s.conns[selfID]
		s.mu.Unlock()
		if h == nil {
			return
		}
		params := map[string]any{
			"message_type": wire.MessageTypePrivate,
			"user_id":      target,
			"message":      text,
		}
		if kind == "group" {
			params["message_type"] = wire.MessageTypeGroup
			params["group_id"] = target
			delete(params, "user_id")
		}
		req := wire.APIRequest{
			EchoID: wire.FormatEchoID(atomic.AddInt64(&s.echoCounter, 1)),
			Call:   wire.APISendMsg,
			Params: params,
		}
		data, err := json.Marshal(req)
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.conn.Write(ctx, websocket.MessageText, data); err != nil {
			s.log.Warn().Err(err).Msg("gateway: proactive delivery failed")
		}
	}
}

// Shutdown flushes any pending debounced batches and closes tracked
// connections: stop accepting new ingress, drain in-flight sessions.
func (s *Server) Shutdown() {
	s.debouncer.FlushAll()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, h := range s.conns {
		_ = h.conn.Close(websocket.StatusNormalClosure, "shutting down")
		delete(s.conns, id)
	}
}
