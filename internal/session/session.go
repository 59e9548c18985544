// Package session owns the single persistent WebSocket connection to the
// chat backend: authentication handshake, heartbeat liveness, reconnection
// backoff, and inbound/outbound frame traffic.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/animachat/relay/internal/auth"
	"github.com/animachat/relay/internal/bus"
	"github.com/animachat/relay/internal/frame"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// State is the connection lifecycle state.
type State int

// Lifecycle states. Normal path is Idle → Connecting → Open → Closing → Idle;
// a failed dial or a non-terminal close returns to Idle and schedules a retry.
const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Close codes with first-class meaning on this connection.
const (
	// StatusUnauthorized is the peer's close code for a rejected credential.
	StatusUnauthorized websocket.StatusCode = 4401
	// StatusLivenessTimeout is used for local force-closes when the peer
	// goes silent past the liveness window.
	StatusLivenessTimeout websocket.StatusCode = 4002
)

// Event names published on the bus.
const (
	EventConnected   = "ws:connected"
	EventClosed      = "ws:closed"
	EventAuthMissing = "auth:missing"
)

// ErrNotOpen is returned by Send when no connection is open. The send is
// fire-and-forget: a connect attempt is triggered, but the frame is not
// retained. Callers needing guaranteed delivery use the offline outbox.
var ErrNotOpen = errors.New("connection not open")

// ClosedPayload accompanies EventClosed.
type ClosedPayload struct {
	Code   websocket.StatusCode
	Reason string
}

// Config holds connection tuning. Zero values are replaced with defaults.
type Config struct {
	// Endpoint is the backend origin plus base path, http(s) scheme.
	Endpoint string
	// SessionID pre-seeds the logical session identity; when empty, a
	// UUID is generated on first connect and reused across reconnects.
	SessionID string

	HeartbeatInterval time.Duration
	MissTolerance     int

	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	DedupeWindow time.Duration
	DialTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.MissTolerance <= 0 {
		c.MissTolerance = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = 1200 * time.Millisecond
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	return c
}

// Stats is a point-in-time view of connection metrics for the status surface.
type Stats struct {
	FramesIn         uint64          `json:"frames_in"`
	FramesOut        uint64          `json:"frames_out"`
	ReconnectAttempt int             `json:"reconnect_attempt"`
	TimeToFirstByte  time.Duration   `json:"time_to_first_byte"`
	Model            string          `json:"model,omitempty"`
	MemoryBanner     string          `json:"memory_banner,omitempty"`
	AnalysisStatus   string          `json:"analysis_status,omitempty"`
	LastStreamMeta   json.RawMessage `json:"last_stream_meta,omitempty"`
}

// Session maintains at most one live transport connection and mediates all
// frame traffic. The websocket handle is exclusively owned here.
type Session struct {
	cfg    Config
	creds  auth.Provider
	events *bus.Bus

	handlers map[string]func(frame.Frame)

	mu            sync.Mutex
	state         State
	conn          *websocket.Conn
	connCancel    context.CancelFunc
	sessionID     string
	attempt       int
	reconnectT    *time.Timer
	lastPongAt    time.Time
	lastChatKey   string
	lastChatAt    time.Time
	lastStreamKey string
	lastStreamAt  time.Time
	chatSentAt    time.Time
	stats         Stats
}

// New creates a Session. Nothing is dialed until Connect.
func New(cfg Config, creds auth.Provider, events *bus.Bus) *Session {
	s := &Session{
		cfg:       cfg.withDefaults(),
		creds:     creds,
		events:    events,
		sessionID: cfg.SessionID,
	}
	s.handlers = map[string]func(frame.Frame){
		frame.TypePong:           func(frame.Frame) {}, // liveness refreshed for all inbound frames
		frame.TypeAuthRequired:   s.onAuthRequired,
		frame.TypeStreamStart:    s.onStreamStart,
		frame.TypeStreamEnd:      s.onStreamEnd,
		frame.TypeModelInfo:      s.onModelInfo,
		frame.TypeModelFallback:  s.onModelFallback,
		frame.TypeMemoryBanner:   s.onMemoryBanner,
		frame.TypeAnalysisStatus: s.onAnalysisStatus,
	}
	return s
}

// SessionID returns the stable logical session identity, or "" before the
// first connect. Hosts persist it so a process restart resumes the session.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a copy of the current connection metrics.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	stats.ReconnectAttempt = s.attempt
	return stats
}

// Connect opens the transport connection. It is idempotent: a call while
// already connecting or open is a no-op. A missing credential aborts before
// any network I/O and emits EventAuthMissing.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateOpen {
		s.mu.Unlock()
		return nil
	}

	token := s.creds.Token()
	if token == "" {
		s.mu.Unlock()
		slog.Warn("Connect aborted: no credential available")
		s.events.Emit(EventAuthMissing, nil)
		return auth.ErrNoCredential
	}

	if s.sessionID == "" {
		s.sessionID = uuid.NewString()
	}
	sessionID := s.sessionID
	s.state = StateConnecting
	s.mu.Unlock()

	wsURL, err := deriveWebSocketURL(s.cfg.Endpoint, sessionID)
	if err != nil {
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
		// A bad endpoint is a configuration error; retrying cannot fix it.
		return fmt.Errorf("derive websocket url: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	// The credential rides the subprotocol negotiation list.
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{"jwt", token},
	})
	if err != nil {
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
		slog.Warn("Dial failed", "error", err)
		s.scheduleReconnect()
		return fmt.Errorf("dial: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.state != StateConnecting {
		// Close raced the dial; discard the fresh connection.
		s.mu.Unlock()
		connCancel()
		if closeErr := conn.Close(websocket.StatusNormalClosure, "superseded"); closeErr != nil {
			slog.Debug("Failed to close superseded connection", "error", closeErr)
		}
		return nil
	}
	s.conn = conn
	s.connCancel = connCancel
	s.state = StateOpen
	s.attempt = 0
	s.lastPongAt = time.Now()
	s.mu.Unlock()

	go s.readLoop(connCtx, conn)
	go s.heartbeatLoop(connCtx, conn)

	slog.Info("Connection open", "session_id", sessionID)
	s.events.Emit(EventConnected, sessionID)
	return nil
}

// Send transmits a frame. Duplicate chat.message frames inside the dedupe
// window are dropped silently. When no connection is open, a connect is
// triggered and ErrNotOpen is returned without blocking.
func (s *Session) Send(f frame.Frame) error {
	now := time.Now()
	key, hasKey := f.DedupeKey()
	if hasKey {
		s.mu.Lock()
		dup := key == s.lastChatKey && now.Sub(s.lastChatAt) < s.cfg.DedupeWindow
		s.mu.Unlock()
		if dup {
			slog.Warn("Suppressing duplicate chat frame", "window", s.cfg.DedupeWindow)
			return nil
		}
	}

	s.mu.Lock()
	conn := s.conn
	open := s.state == StateOpen && conn != nil
	s.mu.Unlock()

	if !open {
		slog.Debug("Send while not open, triggering connect", "type", f.Type)
		go func() {
			if err := s.Connect(context.Background()); err != nil {
				slog.Debug("Background connect failed", "error", err)
			}
		}()
		return ErrNotOpen
	}

	if err := s.writeFrame(context.Background(), conn, f); err != nil {
		slog.Warn("Frame write failed", "type", f.Type, "error", err)
		return fmt.Errorf("send frame: %w", err)
	}

	s.mu.Lock()
	s.stats.FramesOut++
	if hasKey {
		// The window arms only once the frame reached the wire. A failed
		// attempt must not suppress its own outbox replay after reconnect.
		s.lastChatKey = key
		s.lastChatAt = now
	}
	if f.Type == frame.TypeChatMessage {
		s.chatSentAt = now
	}
	s.mu.Unlock()
	return nil
}

// Close shuts the connection down and cancels the heartbeat and any pending
// reconnect. It is always safe to call, in any state, any number of times.
func (s *Session) Close(code websocket.StatusCode, reason string) {
	s.mu.Lock()
	if s.reconnectT != nil {
		s.reconnectT.Stop()
		s.reconnectT = nil
	}
	conn := s.conn
	cancel := s.connCancel
	s.conn = nil
	s.connCancel = nil
	s.state = StateClosing
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(code, reason); err != nil {
			slog.Debug("Close error", "error", err)
		}
	}

	s.mu.Lock()
	s.state = StateIdle
	s.mu.Unlock()
}

// ResetBackoff zeroes the reconnect attempt counter. External triggers
// (fresh credential, explicit login) call it before re-invoking Connect so
// an exhausted backoff does not suppress the retry chain.
func (s *Session) ResetBackoff() {
	s.mu.Lock()
	s.attempt = 0
	s.mu.Unlock()
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.handleDisconnect(conn, err)
			return
		}
		// Any server activity proves liveness, not only pong replies, and
		// even frames that fail to parse.
		s.mu.Lock()
		s.lastPongAt = time.Now()
		s.mu.Unlock()
		s.dispatch(data)
	}
}

// dispatch parses one inbound frame, drops redelivered stream frames, runs
// the type-specific handler, then republishes the frame under its own name
// so uninterested consumers are unaffected.
func (s *Session) dispatch(data []byte) {
	f, err := frame.Decode(data)
	if err != nil {
		slog.Warn("Dropping malformed inbound frame", "error", err)
		return
	}

	s.mu.Lock()
	s.stats.FramesIn++
	s.mu.Unlock()

	if f.Type == frame.TypeStreamStart || f.Type == frame.TypeStreamEnd {
		if key, ok := f.DedupeKey(); ok {
			s.mu.Lock()
			if key == s.lastStreamKey && time.Since(s.lastStreamAt) < s.cfg.DedupeWindow {
				s.mu.Unlock()
				slog.Warn("Suppressing redelivered stream frame", "type", f.Type)
				return
			}
			s.lastStreamKey = key
			s.lastStreamAt = time.Now()
			s.mu.Unlock()
		}
	}

	if h, ok := s.handlers[f.Type]; ok {
		h(f)
	}
	s.events.Emit(f.Type, f)
}

func (s *Session) handleDisconnect(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		// A stale read loop from a replaced or explicitly closed
		// connection must not touch live session state.
		s.mu.Unlock()
		return
	}
	s.conn = nil
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}
	s.state = StateIdle
	s.mu.Unlock()

	status := websocket.CloseStatus(err)
	if status == StatusUnauthorized || status == websocket.StatusPolicyViolation {
		slog.Warn("Connection rejected as unauthorized", "code", status)
		s.cancelReconnect()
		s.creds.Clear()
		s.events.Emit(EventAuthMissing, nil)
		return
	}

	reason := ""
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		reason = ce.Reason
	}
	slog.Info("Connection closed", "code", status, "reason", reason)
	s.events.Emit(EventClosed, ClosedPayload{Code: status, Reason: reason})
	s.scheduleReconnect()
}

func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reconnectT != nil || s.state != StateIdle {
		return
	}
	if s.attempt >= s.cfg.MaxAttempts {
		slog.Warn("Reconnect attempts exhausted, waiting for external trigger", "attempts", s.attempt)
		return
	}

	delay := s.cfg.BaseDelay << uint(s.attempt)
	if delay > s.cfg.MaxDelay || delay <= 0 {
		delay = s.cfg.MaxDelay
	}
	s.attempt++
	slog.Info("Scheduling reconnect", "attempt", s.attempt, "delay", delay)

	s.reconnectT = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.reconnectT = nil
		s.mu.Unlock()
		if err := s.Connect(context.Background()); err != nil {
			slog.Debug("Reconnect attempt failed", "error", err)
		}
	})
}

func (s *Session) cancelReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reconnectT != nil {
		s.reconnectT.Stop()
		s.reconnectT = nil
	}
}

func (s *Session) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	window := s.cfg.HeartbeatInterval * time.Duration(s.cfg.MissTolerance)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			silence := time.Since(s.lastPongAt)
			s.mu.Unlock()

			if silence > window {
				slog.Warn("No server activity within liveness window, forcing close",
					"silence", silence, "window", window)
				// The read loop unblocks on the closed connection and
				// schedules the reconnect.
				if err := conn.Close(StatusLivenessTimeout, "liveness timeout"); err != nil {
					slog.Debug("Liveness close error", "error", err)
				}
				return
			}

			if err := s.writeFrame(ctx, conn, frame.Ping()); err != nil {
				slog.Debug("Heartbeat ping failed", "error", err)
				return
			}
		}
	}
}

func (s *Session) writeFrame(ctx context.Context, conn *websocket.Conn, f frame.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Session) onAuthRequired(frame.Frame) {
	slog.Warn("Server signaled re-authentication required")
	s.events.Emit(EventAuthMissing, nil)
}

func (s *Session) onStreamStart(frame.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.chatSentAt.IsZero() {
		s.stats.TimeToFirstByte = time.Since(s.chatSentAt)
		s.chatSentAt = time.Time{}
	}
}

func (s *Session) onStreamEnd(f frame.Frame) {
	var p frame.StreamEndPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		slog.Debug("Unparseable stream.end payload", "error", err)
		return
	}
	s.mu.Lock()
	s.stats.LastStreamMeta = p.Meta
	s.mu.Unlock()
}

func (s *Session) onModelInfo(f frame.Frame) {
	var p frame.ModelPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		slog.Debug("Unparseable model.info payload", "error", err)
		return
	}
	s.mu.Lock()
	s.stats.Model = p.Model
	s.mu.Unlock()
}

func (s *Session) onModelFallback(f frame.Frame) {
	var p frame.ModelPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		slog.Debug("Unparseable model.fallback payload", "error", err)
		return
	}
	slog.Warn("Server fell back to a different model", "model", p.Model, "reason", p.Reason)
	s.mu.Lock()
	s.stats.Model = p.Model
	s.mu.Unlock()
}

func (s *Session) onMemoryBanner(f frame.Frame) {
	var p struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		slog.Debug("Unparseable memory.banner payload", "error", err)
		return
	}
	s.mu.Lock()
	s.stats.MemoryBanner = p.Text
	s.mu.Unlock()
}

func (s *Session) onAnalysisStatus(f frame.Frame) {
	var p struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		slog.Debug("Unparseable analysis.status payload", "error", err)
		return
	}
	s.mu.Lock()
	s.stats.AnalysisStatus = p.Status
	s.mu.Unlock()
}

// deriveWebSocketURL maps the configured http(s) endpoint to its ws(s)
// equivalent and appends the session ID as the final path segment.
func deriveWebSocketURL(endpoint, sessionID string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + sessionID
	return u.String(), nil
}
