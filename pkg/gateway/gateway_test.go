package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/kitsune-ai/anima/pkg/ingress"
	"github.com/kitsune-ai/anima/pkg/orchestrator"
	"github.com/kitsune-ai/anima/pkg/wire"
)

// fakeRunner is a scriptable Runner: it records every Input it's
// handed and returns a fixed Result, letting tests drive the
// gateway's event-loop → debounce → orchestrator → deliver path
// without a real Orchestrator.
type fakeRunner struct {
	result  orchestrator.Result
	runs    chan orchestrator.Input
}

func newFakeRunner(result orchestrator.Result) *fakeRunner {
	return &fakeRunner{result: result, runs: make(chan orchestrator.Input, 8)}
}

func (f *fakeRunner) Run(_ context.Context, in orchestrator.Input) orchestrator.Result {
	f.runs <- in
	return f.result
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestSessionID(t *testing.T) {
	group := wire.InboundEvent{MessageType: wire.MessageTypeGroup, GroupID: "g1", UserID: "u1"}
	if got, want := SessionID(group), "group:g1"; got != want {
		t.Fatalf("SessionID(group) = %q, want %q", got, want)
	}
	private := wire.InboundEvent{MessageType: wire.MessageTypePrivate, UserID: "u1"}
	if got, want := SessionID(private), "private:u1"; got != want {
		t.Fatalf("SessionID(private) = %q, want %q", got, want)
	}
}

func TestBuildInput_CombinesBatchInArrivalOrder(t *testing.T) {
	base := wire.InboundEvent{
		MessageType: wire.MessageTypeGroup,
		SelfID:      "bot1",
		GroupID:     "g1",
		UserID:      "u1",
		Sender:      wire.Sender{UserID: "u1", Nickname: "Alice"},
	}
	e1 := base
	e1.Message = []wire.Segment{{Type: wire.SegText, Text: "hello"}}
	e2 := base
	e2.Message = []wire.Segment{
		{Type: wire.SegAt, QQ: "bot1"},
		{Type: wire.SegText, Text: "world"},
		{Type: wire.SegImage, URL: "http://x/1.png", StickerHint: true},
	}

	events := []ingress.Event{
		{Payload: e1, Arrived: time.Unix(0, 1)},
		{Payload: e2, Arrived: time.Unix(0, 2)},
	}

	in := buildInput("group:g1", events)

	if in.SessionID != "group:g1" {
		t.Fatalf("session id = %q", in.SessionID)
	}
	if len(in.Texts) != 2 || in.Texts[0] != "hello" || in.Texts[1] != "world" {
		t.Fatalf("texts = %v, want [hello world] in arrival order", in.Texts)
	}
	if !in.IsMentioned {
		t.Fatalf("expected IsMentioned=true from the @bot1 segment")
	}
	if !in.IsGroup {
		t.Fatalf("expected IsGroup=true")
	}
	if len(in.ImageURLs) != 1 || in.ImageURLs[0].URL != "http://x/1.png" || !in.ImageURLs[0].StickerHint {
		t.Fatalf("image refs = %v", in.ImageURLs)
	}
	if in.SenderName != "Alice" {
		t.Fatalf("sender name = %q", in.SenderName)
	}
}

func TestBuildInput_EmptyBatchYieldsNoTexts(t *testing.T) {
	in := buildInput("private:1", nil)
	if len(in.Texts) != 0 || len(in.ImageURLs) != 0 {
		t.Fatalf("expected empty Input for an empty batch, got %+v", in)
	}
}

// TestServer_AuthFailureClosesWith4003: a connection without the
// bearer token is closed with code 4003.
func TestServer_AuthFailureClosesWith4003(t *testing.T) {
	runner := newFakeRunner(orchestrator.Result{})
	srv := New("secret-token", runner, nil, 50*time.Millisecond, zerolog.Nop())
	ts := httptest.NewServer(http.HandlerFunc(srv.ServeHTTP))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(ts.URL), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	_, _, err = conn.Read(ctx)
	if err == nil {
		t.Fatalf("expected the connection to be closed for missing auth")
	}
	if status := websocket.CloseStatus(err); status != authFailureCode {
		t.Fatalf("close status = %v, want %v", status, authFailureCode)
	}
}

// TestServer_EndToEndFlushAndDeliver: an inbound event is decoded,
// debounced, handed to the orchestrator, and, when the orchestrator
// produces a reply, delivered back down the same connection as a
// send_msg API call.
func TestServer_EndToEndFlushAndDeliver(t *testing.T) {
	runner := newFakeRunner(orchestrator.Result{ShouldReply: true, AssistantText: "hi there"})
	srv := New("", runner, nil, 50*time.Millisecond, zerolog.Nop())
	ts := httptest.NewServer(http.HandlerFunc(srv.ServeHTTP))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(ts.URL), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	evt := wire.InboundEvent{
		PostType:    "message",
		MessageType: wire.MessageTypePrivate,
		SelfID:      "bot1",
		UserID:      "u1",
		Sender:      wire.Sender{UserID: "u1", Nickname: "Alice"},
		Message:     []wire.Segment{{Type: wire.SegText, Text: "hello there"}},
	}
	data, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case in := <-runner.runs:
		if in.SessionID != "private:u1" {
			t.Fatalf("session id = %q", in.SessionID)
		}
		if len(in.Texts) != 1 || in.Texts[0] != "hello there" {
			t.Fatalf("texts = %v", in.Texts)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("orchestrator was never invoked after the debounce window")
	}

	_, reply, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	var req wire.APIRequest
	if err := json.Unmarshal(reply, &req); err != nil {
		t.Fatalf("unmarshal outbound request: %v", err)
	}
	if req.Call != wire.APISendMsg {
		t.Fatalf("call = %v, want %v", req.Call, wire.APISendMsg)
	}
	if req.Params["message"] != "hi there" {
		t.Fatalf("message param = %v, want %q", req.Params["message"], "hi there")
	}
}

// TestServer_SilentResultDeliversNothing exercises the gate's
// silent path reaching the gateway: no reply means no outbound frame.
func TestServer_SilentResultDeliversNothing(t *testing.T) {
	runner := newFakeRunner(orchestrator.Result{ShouldReply: false})
	srv := New("", runner, nil, 50*time.Millisecond, zerolog.Nop())
	ts := httptest.NewServer(http.HandlerFunc(srv.ServeHTTP))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(ts.URL), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	evt := wire.InboundEvent{
		MessageType: wire.MessageTypeGroup,
		SelfID:      "bot1",
		GroupID:     "g1",
		UserID:      "u1",
		Message:     []wire.Segment{{Type: wire.SegText, Text: "unmentioned chatter"}},
	}
	data, _ := json.Marshal(evt)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-runner.runs:
	case <-time.After(3 * time.Second):
		t.Fatalf("orchestrator was never invoked")
	}

	readCtx, readCancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer readCancel()
	_, _, err = conn.Read(readCtx)
	if err == nil {
		t.Fatalf("expected no outbound frame for a silent result")
	}
}

func TestServer_LastActivityTracksInboundEvents(t *testing.T) {
	runner := newFakeRunner(orchestrator.Result{})
	srv := New("", runner, nil, 50*time.Millisecond, zerolog.Nop())
	if !srv.LastActivity().IsZero() {
		t.Fatalf("expected zero LastActivity before any event")
	}
	ts := httptest.NewServer(http.HandlerFunc(srv.ServeHTTP))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(ts.URL), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	evt := wire.InboundEvent{MessageType: wire.MessageTypePrivate, SelfID: "bot1", UserID: "u1"}
	data, _ := json.Marshal(evt)
	_ = conn.Write(ctx, websocket.MessageText, data)

	select {
	case <-runner.runs:
	case <-time.After(3 * time.Second):
		t.Fatalf("orchestrator was never invoked")
	}

	if srv.LastActivity().IsZero() {
		t.Fatalf("expected LastActivity to be set after an inbound event")
	}
}
