// Package offline bridges network-reachability transitions with the durable
// store and the connection session: it hydrates cached state while offline,
// queues outbound frames, and drains the outbox when connectivity resumes.
package offline

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/animachat/relay/internal/bus"
	"github.com/animachat/relay/internal/frame"
	"github.com/animachat/relay/internal/store"
)

// Event names published or consumed on the bus.
const (
	// EventSend is emitted by outer layers to inject outbound frames.
	EventSend = "ws:send"
	// EventThreadUpdated carries a store.ThreadSnapshot worth persisting.
	EventThreadUpdated = "thread:updated"
	// EventThreadHydrated carries a HydratedThread read back from cache.
	EventThreadHydrated = "thread:hydrated"
	// EventConnectivityChanged carries a bool, true when online.
	EventConnectivityChanged = "connectivity:changed"
	// EventToast carries a Toast on connectivity transition edges only.
	EventToast = "ui:toast"
)

// Sender is the subset of the connection session the coordinator drives.
type Sender interface {
	Send(f frame.Frame) error
	Connect(ctx context.Context) error
}

// Prober answers whether the backend is currently reachable.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProbeFunc adapts a function to the Prober interface.
type ProbeFunc func(ctx context.Context) bool

// Probe implements Prober.
func (f ProbeFunc) Probe(ctx context.Context) bool { return f(ctx) }

// HTTPProber checks reachability with a HEAD request against the endpoint.
// Any HTTP response counts as reachable; only transport failure is offline.
type HTTPProber struct {
	url    string
	client *http.Client
}

// NewHTTPProber creates a prober against the given URL.
func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{
		url:    url,
		client: &http.Client{Timeout: 3 * time.Second},
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	if closeErr := resp.Body.Close(); closeErr != nil {
		slog.Debug("Failed to close probe response body", "error", closeErr)
	}
	return true
}

// HydratedThread is a cached snapshot re-emitted for consumers while
// offline. Offline is always true so consumers can distinguish cached
// data from live data.
type HydratedThread struct {
	store.ThreadSnapshot
	Offline bool `json:"offline"`
}

// Toast is a user-facing notification emitted on transition edges.
type Toast struct {
	Online  bool   `json:"online"`
	Message string `json:"message"`
}

// Config holds coordinator tuning. Zero values are replaced with defaults.
type Config struct {
	SnapshotCap   int
	FlushDebounce time.Duration
	// ProbeInterval enables periodic reachability probing when > 0.
	ProbeInterval time.Duration
	// PruneInterval enables the background snapshot-prune worker when > 0.
	PruneInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.SnapshotCap <= 0 {
		c.SnapshotCap = store.DefaultSnapshotCap
	}
	if c.FlushDebounce <= 0 {
		c.FlushDebounce = 750 * time.Millisecond
	}
	return c
}

// Coordinator owns the connectivity signal and resume semantics. It never
// mutates storage internals directly; everything goes through Store
// operations.
type Coordinator struct {
	cfg    Config
	store  store.Store
	sender Sender
	events *bus.Bus
	prober Prober

	mu         sync.Mutex
	started    bool
	online     bool
	flushing   bool
	flushTimer *time.Timer
	unsubs     []func()
}

// New creates a Coordinator. A nil prober means reachability is assumed
// online until SetOnline reports otherwise.
func New(cfg Config, st store.Store, sender Sender, events *bus.Bus, prober Prober) *Coordinator {
	return &Coordinator{
		cfg:    cfg.withDefaults(),
		store:  st,
		sender: sender,
		events: events,
		prober: prober,
	}
}

// Online reports the current connectivity signal.
func (c *Coordinator) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Start determines initial reachability, hydrates cached state when
// offline, and wires the event subscriptions. Background workers stop when
// ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("coordinator already started")
	}
	c.started = true

	online := true
	if c.prober != nil {
		online = c.prober.Probe(ctx)
	}
	c.online = online
	c.mu.Unlock()

	slog.Info("Connectivity determined", "online", online)
	c.events.Emit(EventConnectivityChanged, online)

	if online {
		// Entries queued in a previous run are flushed on startup too.
		c.scheduleFlush()
	} else {
		c.hydrate(ctx)
	}

	unsubUpdated := c.events.On(EventThreadUpdated, func(payload any) {
		c.persistSnapshot(ctx, payload)
	})
	unsubSend := c.events.On(EventSend, func(payload any) {
		c.handleOutbound(ctx, payload)
	})

	c.mu.Lock()
	c.unsubs = append(c.unsubs, unsubUpdated, unsubSend)
	c.mu.Unlock()

	if c.cfg.ProbeInterval > 0 && c.prober != nil {
		go c.probeLoop(ctx)
	}
	if c.cfg.PruneInterval > 0 {
		go c.pruneLoop(ctx)
	}

	return nil
}

// Stop removes the event subscriptions and cancels a pending flush.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// SetOnline records a reachability transition. Hosts with OS-level
// reachability callbacks call this directly; the probe loop feeds it too.
// Repeated reports of the same state are ignored, so toasts fire on edges
// only.
func (c *Coordinator) SetOnline(online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	if !online && c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
	c.mu.Unlock()

	slog.Info("Connectivity changed", "online", online)
	c.events.Emit(EventConnectivityChanged, online)

	if online {
		c.events.Emit(EventToast, Toast{Online: true, Message: "Back online"})
		c.scheduleFlush()
	} else {
		c.events.Emit(EventToast, Toast{Online: false, Message: "You are offline"})
	}
}

// Flush drains the outbox through the normal send path, oldest first. Each
// entry is deleted once its send attempt has been issued (at-least-once
// delivery). If connectivity flips to offline mid-flush, the remaining
// entries stay queued for the next online transition.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.mu.Lock()
	if c.flushing || !c.online {
		c.mu.Unlock()
		return nil
	}
	c.flushing = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.flushing = false
		c.mu.Unlock()
	}()

	entries, err := c.store.ListOutbox(ctx)
	if err != nil {
		return fmt.Errorf("list outbox: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	slog.Info("Flushing outbox", "entries", len(entries))
	flushed := 0
	for _, entry := range entries {
		if !c.Online() {
			slog.Info("Flush interrupted by offline transition",
				"flushed", flushed, "remaining", len(entries)-flushed)
			break
		}

		if err := c.sender.Send(entry.Frame); err != nil {
			slog.Warn("Outbox send attempt failed", "uid", entry.UID, "error", err)
		}
		// The attempt was issued, so the entry leaves the queue even if
		// the transmission itself failed.
		if err := c.store.DeleteOutboxItem(ctx, entry.UID); err != nil {
			slog.Warn("Failed to delete flushed outbox entry", "uid", entry.UID, "error", err)
		}
		flushed++
	}

	return nil
}

func (c *Coordinator) scheduleFlush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flushTimer != nil {
		return
	}
	// Debounced so a connection still stabilizing is not flooded.
	c.flushTimer = time.AfterFunc(c.cfg.FlushDebounce, func() {
		c.mu.Lock()
		c.flushTimer = nil
		c.mu.Unlock()
		if err := c.Flush(context.Background()); err != nil {
			slog.Warn("Outbox flush failed", "error", err)
		}
	})
}

// hydrate republishes cached snapshots so consumers can render last known
// state without any network call. Hydrated data is marked offline.
func (c *Coordinator) hydrate(ctx context.Context) {
	snaps, err := c.store.RecentSnapshots(ctx, c.cfg.SnapshotCap)
	if err != nil {
		slog.Warn("Snapshot hydration failed", "error", err)
		return
	}
	for _, snap := range snaps {
		c.events.Emit(EventThreadHydrated, HydratedThread{ThreadSnapshot: snap, Offline: true})
	}
	if len(snaps) > 0 {
		slog.Info("Hydrated cached threads", "count", len(snaps))
	}
}

func (c *Coordinator) persistSnapshot(ctx context.Context, payload any) {
	var snap store.ThreadSnapshot
	switch v := payload.(type) {
	case store.ThreadSnapshot:
		snap = v
	case *store.ThreadSnapshot:
		snap = *v
	default:
		slog.Debug("Ignoring thread update with unexpected payload type")
		return
	}

	// Best-effort: the peer remains the source of truth.
	if err := c.store.SaveSnapshot(ctx, snap); err != nil {
		slog.Warn("Snapshot write failed", "thread_id", snap.ID, "error", err)
		return
	}
	if _, err := c.store.PruneSnapshots(ctx, c.cfg.SnapshotCap); err != nil {
		slog.Warn("Snapshot prune failed", "error", err)
	}
}

func (c *Coordinator) handleOutbound(ctx context.Context, payload any) {
	var f frame.Frame
	switch v := payload.(type) {
	case frame.Frame:
		f = v
	case *frame.Frame:
		f = *v
	default:
		slog.Debug("Ignoring outbound event with unexpected payload type")
		return
	}

	// The session attempt itself fails fast while disconnected and retries
	// via its own reconnection logic; the outbox is the durability net for
	// frames issued while definitely offline.
	if err := c.sender.Send(f); err != nil {
		slog.Debug("Send attempt did not transmit", "type", f.Type, "error", err)
	}

	if !c.Online() {
		uid, err := c.store.EnqueueFrame(ctx, f)
		if err != nil {
			slog.Warn("Failed to queue outbound frame", "type", f.Type, "error", err)
			return
		}
		slog.Info("Queued outbound frame while offline", "type", f.Type, "uid", uid)
	}
}

func (c *Coordinator) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SetOnline(c.prober.Probe(ctx))
		}
	}
}

// pruneLoop keeps the snapshot cache bounded even when no thread updates
// arrive. Failures degrade silently; this is maintenance, not correctness.
func (c *Coordinator) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := c.store.PruneSnapshots(ctx, c.cfg.SnapshotCap)
			if err != nil {
				slog.Debug("Background snapshot prune failed", "error", err)
				continue
			}
			if removed > 0 {
				slog.Info("Pruned snapshots", "removed", removed)
			}
		}
	}
}
