package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/animachat/relay/internal/auth"
	"github.com/animachat/relay/internal/bus"
	"github.com/animachat/relay/internal/frame"
	"github.com/coder/websocket"
)

// testServer accepts WebSocket connections and hands each to handler.
// accepts counts physical connections.
type testServer struct {
	*httptest.Server
	accepts atomic.Int64
}

func newTestServer(t *testing.T, handler func(ctx context.Context, conn *websocket.Conn)) *testServer {
	t.Helper()
	ts := &testServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{"jwt"},
		})
		if err != nil {
			t.Logf("Accept failed: %v", err)
			return
		}
		ts.accepts.Add(1)
		handler(r.Context(), conn)
	}))
	t.Cleanup(ts.Close)
	return ts
}

// readFrames reads inbound frames into out until the connection drops.
func readFrames(ctx context.Context, conn *websocket.Conn, out chan<- frame.Frame) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		f, err := frame.Decode(data)
		if err != nil {
			continue
		}
		out <- f
	}
}

func testConfig(endpoint string) Config {
	return Config{
		Endpoint:          endpoint,
		HeartbeatInterval: time.Second,
		MissTolerance:     3,
		BaseDelay:         20 * time.Millisecond,
		MaxDelay:          100 * time.Millisecond,
		MaxAttempts:       5,
		DedupeWindow:      300 * time.Millisecond,
		DialTimeout:       2 * time.Second,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestConnect_Idempotent(t *testing.T) {
	received := make(chan frame.Frame, 16)
	ts := newTestServer(t, func(ctx context.Context, conn *websocket.Conn) {
		readFrames(ctx, conn, received)
	})

	s := New(testConfig(ts.URL), auth.NewStaticProvider("tok"), bus.New())
	defer s.Close(websocket.StatusNormalClosure, "test done")

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Second Connect failed: %v", err)
	}

	// A second physical connection must not appear.
	time.Sleep(100 * time.Millisecond)
	if got := ts.accepts.Load(); got != 1 {
		t.Errorf("Expected 1 physical connection, got %d", got)
	}
	if s.State() != StateOpen {
		t.Errorf("Expected state open, got %v", s.State())
	}
}

func TestConnect_MissingCredential(t *testing.T) {
	ts := newTestServer(t, func(ctx context.Context, conn *websocket.Conn) {})

	b := bus.New()
	var authMissing atomic.Int64
	b.On(EventAuthMissing, func(any) { authMissing.Add(1) })

	s := New(testConfig(ts.URL), auth.NewStaticProvider(""), b)

	err := s.Connect(context.Background())
	if err != auth.ErrNoCredential {
		t.Errorf("Expected ErrNoCredential, got %v", err)
	}
	if authMissing.Load() != 1 {
		t.Errorf("Expected 1 auth-missing signal, got %d", authMissing.Load())
	}
	if ts.accepts.Load() != 0 {
		t.Error("Expected no network attempt without a credential")
	}
}

func TestSend_DeduplicatesWithinWindow(t *testing.T) {
	received := make(chan frame.Frame, 16)
	ts := newTestServer(t, func(ctx context.Context, conn *websocket.Conn) {
		readFrames(ctx, conn, received)
	})

	s := New(testConfig(ts.URL), auth.NewStaticProvider("tok"), bus.New())
	defer s.Close(websocket.StatusNormalClosure, "test done")

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	chat, _ := frame.NewChat(frame.ChatPayload{Text: "hello", AgentID: "anima"})
	if err := s.Send(chat); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := s.Send(chat); err != nil {
		t.Fatalf("Duplicate Send failed: %v", err)
	}

	select {
	case f := <-received:
		if f.Type != frame.TypeChatMessage {
			t.Fatalf("Expected chat.message, got %s", f.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for first transmission")
	}
	select {
	case f := <-received:
		t.Fatalf("Expected duplicate suppressed, server received %s", f.Type)
	case <-time.After(150 * time.Millisecond):
	}

	// Beyond the window the same frame transmits independently.
	time.Sleep(300 * time.Millisecond)
	if err := s.Send(chat); err != nil {
		t.Fatalf("Send after window failed: %v", err)
	}
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("Expected transmission after dedupe window elapsed")
	}
}

func TestSend_NotOpenDoesNotArmDedupe(t *testing.T) {
	received := make(chan frame.Frame, 16)
	ts := newTestServer(t, func(ctx context.Context, conn *websocket.Conn) {
		readFrames(ctx, conn, received)
	})

	cfg := testConfig(ts.URL)
	cfg.DedupeWindow = 2 * time.Second
	s := New(cfg, auth.NewStaticProvider("tok"), bus.New())
	defer s.Close(websocket.StatusNormalClosure, "test done")

	chat, _ := frame.NewChat(frame.ChatPayload{Text: "resend me", AgentID: "anima"})
	if err := s.Send(chat); err != ErrNotOpen {
		t.Fatalf("Expected ErrNotOpen, got %v", err)
	}

	// The failed attempt triggered a background connect. Once open, the
	// outbox replay of the same frame lands well inside the window and must
	// still transmit, since nothing reached the wire the first time.
	if !waitFor(t, 2*time.Second, func() bool { return s.State() == StateOpen }) {
		t.Fatal("Expected triggered connect to open the transport")
	}
	if err := s.Send(chat); err != nil {
		t.Fatalf("Replay send failed: %v", err)
	}

	select {
	case f := <-received:
		if f.Type != frame.TypeChatMessage {
			t.Fatalf("Expected chat.message, got %s", f.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected replay transmitted, frame was suppressed as duplicate")
	}
}

func TestSend_NotOpen(t *testing.T) {
	// Endpoint with nothing listening; the triggered connect fails fast.
	s := New(testConfig("http://127.0.0.1:1"), auth.NewStaticProvider("tok"), bus.New())
	defer s.Close(websocket.StatusNormalClosure, "test done")

	chat, _ := frame.NewChat(frame.ChatPayload{Text: "queued", AgentID: "anima"})
	if err := s.Send(chat); err != ErrNotOpen {
		t.Errorf("Expected ErrNotOpen, got %v", err)
	}
}

func TestUnauthorizedClose_IsTerminal(t *testing.T) {
	ts := newTestServer(t, func(ctx context.Context, conn *websocket.Conn) {
		_ = conn.Close(StatusUnauthorized, "token rejected")
	})

	b := bus.New()
	var authMissing atomic.Int64
	b.On(EventAuthMissing, func(any) { authMissing.Add(1) })

	creds := auth.NewStaticProvider("tok")
	s := New(testConfig(ts.URL), creds, b)
	defer s.Close(websocket.StatusNormalClosure, "test done")

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if !waitFor(t, time.Second, func() bool { return authMissing.Load() == 1 }) {
		t.Fatalf("Expected exactly 1 auth-missing signal, got %d", authMissing.Load())
	}
	if creds.Token() != "" {
		t.Error("Expected credential cleared after unauthorized close")
	}

	// No reconnection may be scheduled: connection count stays at 1 well
	// past the backoff delay.
	time.Sleep(200 * time.Millisecond)
	if got := ts.accepts.Load(); got != 1 {
		t.Errorf("Expected no reconnect after 4401, got %d connections", got)
	}
	if authMissing.Load() != 1 {
		t.Errorf("Expected auth-missing emitted exactly once, got %d", authMissing.Load())
	}
}

func TestNonTerminalClose_Reconnects(t *testing.T) {
	ts := newTestServer(t, func(ctx context.Context, conn *websocket.Conn) {
		_ = conn.Close(websocket.StatusGoingAway, "rolling restart")
	})

	s := New(testConfig(ts.URL), auth.NewStaticProvider("tok"), bus.New())
	defer s.Close(websocket.StatusNormalClosure, "test done")

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if !waitFor(t, 2*time.Second, func() bool { return ts.accepts.Load() >= 2 }) {
		t.Errorf("Expected automatic reconnect, got %d connections", ts.accepts.Load())
	}
}

func TestReconnect_ReusesSessionID(t *testing.T) {
	paths := make(chan string, 8)
	ts := &testServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ts.accepts.Add(1)
		_ = conn.Close(websocket.StatusGoingAway, "again")
	}))
	t.Cleanup(ts.Close)

	s := New(testConfig(ts.URL), auth.NewStaticProvider("tok"), bus.New())
	defer s.Close(websocket.StatusNormalClosure, "test done")

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	first := <-paths
	var second string
	select {
	case second = <-paths:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for reconnect")
	}

	if first != second {
		t.Errorf("Expected session ID stable across reconnects, got %q then %q", first, second)
	}
	if !strings.HasSuffix(first, "/"+s.SessionID()) {
		t.Errorf("Expected path to end with session ID %q, got %q", s.SessionID(), first)
	}
}

func TestLivenessTimeout_ForcesReconnect(t *testing.T) {
	ts := newTestServer(t, func(ctx context.Context, conn *websocket.Conn) {
		// Silent peer: read but never write, so liveness can only come
		// from pong traffic that never arrives.
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	cfg := testConfig(ts.URL)
	cfg.HeartbeatInterval = 30 * time.Millisecond
	cfg.MissTolerance = 2

	s := New(cfg, auth.NewStaticProvider("tok"), bus.New())
	defer s.Close(websocket.StatusNormalClosure, "test done")

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if !waitFor(t, 3*time.Second, func() bool { return ts.accepts.Load() >= 2 }) {
		t.Errorf("Expected liveness timeout to trigger reconnect, got %d connections", ts.accepts.Load())
	}
}

func TestInboundDispatch_RepublishesByType(t *testing.T) {
	ts := newTestServer(t, func(ctx context.Context, conn *websocket.Conn) {
		frames := []string{
			`{"type":"model.info","payload":{"model":"sft-large"}}`,
			`{"type":"custom.unknown","payload":{"x":1}}`,
			`this is not json`,
			`{"type":"memory.banner","payload":{"text":"context trimmed"}}`,
		}
		for _, f := range frames {
			if err := conn.Write(ctx, websocket.MessageText, []byte(f)); err != nil {
				return
			}
		}
		// Hold the connection open so the reads complete.
		_, _, _ = conn.Read(ctx)
	})

	b := bus.New()
	custom := make(chan frame.Frame, 1)
	modelInfo := make(chan frame.Frame, 1)
	b.On("custom.unknown", func(p any) { custom <- p.(frame.Frame) })
	b.On(frame.TypeModelInfo, func(p any) { modelInfo <- p.(frame.Frame) })

	s := New(testConfig(ts.URL), auth.NewStaticProvider("tok"), b)
	defer s.Close(websocket.StatusNormalClosure, "test done")

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	select {
	case <-modelInfo:
	case <-time.After(time.Second):
		t.Fatal("Expected model.info republished on the bus")
	}
	select {
	case f := <-custom:
		if f.Type != "custom.unknown" {
			t.Errorf("Expected unknown frame passed through, got %s", f.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected unknown frame republished on the bus")
	}

	// Special handlers ran: the malformed frame was dropped without
	// killing the session, and state updates landed.
	if !waitFor(t, time.Second, func() bool { return s.Stats().Model == "sft-large" }) {
		t.Errorf("Expected model recorded, got %q", s.Stats().Model)
	}
	if !waitFor(t, time.Second, func() bool { return s.Stats().MemoryBanner == "context trimmed" }) {
		t.Errorf("Expected memory banner recorded, got %q", s.Stats().MemoryBanner)
	}
	if s.State() != StateOpen {
		t.Errorf("Expected session to survive malformed frame, state %v", s.State())
	}
}

func TestInboundStreamRedelivery_Suppressed(t *testing.T) {
	ts := newTestServer(t, func(ctx context.Context, conn *websocket.Conn) {
		frames := []string{
			`{"type":"stream.end","payload":{"message_id":"m1","meta":{"tokens":9}}}`,
			`{"type":"stream.end","payload":{"message_id":"m1","meta":{"tokens":9}}}`,
			`{"type":"stream.end","payload":{"message_id":"m2"}}`,
		}
		for _, f := range frames {
			if err := conn.Write(ctx, websocket.MessageText, []byte(f)); err != nil {
				return
			}
		}
		_, _, _ = conn.Read(ctx)
	})

	b := bus.New()
	ends := make(chan frame.Frame, 8)
	b.On(frame.TypeStreamEnd, func(p any) { ends <- p.(frame.Frame) })

	s := New(testConfig(ts.URL), auth.NewStaticProvider("tok"), b)
	defer s.Close(websocket.StatusNormalClosure, "test done")

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// m1 once and m2 once; the redelivered m1 never reaches subscribers.
	for i := 0; i < 2; i++ {
		select {
		case <-ends:
		case <-time.After(time.Second):
			t.Fatalf("Timed out waiting for stream.end %d", i+1)
		}
	}
	select {
	case <-ends:
		t.Fatal("Expected redelivered stream frame suppressed")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestLiveness_MalformedTrafficKeepsConnection(t *testing.T) {
	ts := newTestServer(t, func(ctx context.Context, conn *websocket.Conn) {
		ticker := time.NewTicker(15 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
					return
				}
			}
		}
	})

	cfg := testConfig(ts.URL)
	cfg.HeartbeatInterval = 30 * time.Millisecond
	cfg.MissTolerance = 2

	s := New(cfg, auth.NewStaticProvider("tok"), bus.New())
	defer s.Close(websocket.StatusNormalClosure, "test done")

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Several liveness windows pass with only unparseable frames flowing.
	time.Sleep(300 * time.Millisecond)
	if s.State() != StateOpen {
		t.Errorf("Expected malformed traffic to count as liveness, state %v", s.State())
	}
	if got := ts.accepts.Load(); got != 1 {
		t.Errorf("Expected no forced reconnect, got %d connections", got)
	}
}

func TestClose_CancelsPendingReconnect(t *testing.T) {
	ts := newTestServer(t, func(ctx context.Context, conn *websocket.Conn) {
		_ = conn.Close(websocket.StatusGoingAway, "bye")
	})

	cfg := testConfig(ts.URL)
	cfg.BaseDelay = 150 * time.Millisecond

	s := New(cfg, auth.NewStaticProvider("tok"), bus.New())
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Wait for the disconnect to schedule the retry, then close before
	// the timer fires.
	if !waitFor(t, time.Second, func() bool { return s.State() == StateIdle }) {
		t.Fatal("Expected session to return to idle")
	}
	s.Close(websocket.StatusNormalClosure, "shutdown")

	time.Sleep(400 * time.Millisecond)
	if got := ts.accepts.Load(); got != 1 {
		t.Errorf("Expected cancelled reconnect, got %d connections", got)
	}
}

func TestDeriveWebSocketURL(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
	}{
		{"http://example.com/chat", "ws://example.com/chat/s1"},
		{"https://example.com/chat/", "wss://example.com/chat/s1"},
		{"https://example.com", "wss://example.com/s1"},
	}
	for _, tt := range tests {
		got, err := deriveWebSocketURL(tt.endpoint, "s1")
		if err != nil {
			t.Errorf("deriveWebSocketURL(%q) failed: %v", tt.endpoint, err)
			continue
		}
		if got != tt.want {
			t.Errorf("deriveWebSocketURL(%q) = %q, want %q", tt.endpoint, got, tt.want)
		}
	}

	if _, err := deriveWebSocketURL("ftp://example.com", "s1"); err == nil {
		t.Error("Expected error for unsupported scheme")
	}
}
