package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/animachat/relay/internal/frame"
	"github.com/animachat/relay/internal/session"
	"github.com/animachat/relay/internal/store"
)

type fakeSession struct {
	state session.State
	id    string
	stats session.Stats
}

func (f *fakeSession) State() session.State { return f.state }
func (f *fakeSession) SessionID() string    { return f.id }
func (f *fakeSession) Stats() session.Stats { return f.stats }

type fakeConnectivity struct{ online bool }

func (f *fakeConnectivity) Online() bool { return f.online }

func TestHandleHealth(t *testing.T) {
	h := NewHandler(store.NewMemory(), &fakeSession{}, &fakeConnectivity{})
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}

func TestHandleStatus(t *testing.T) {
	st := store.NewMemory()
	f, _ := frame.NewChat(frame.ChatPayload{Text: "queued", AgentID: "anima"})
	if _, err := st.EnqueueFrame(context.Background(), f); err != nil {
		t.Fatalf("EnqueueFrame failed: %v", err)
	}

	sess := &fakeSession{
		state: session.StateOpen,
		id:    "abc-123",
		stats: session.Stats{FramesIn: 7, Model: "sft-large"},
	}
	h := NewHandler(st, sess, &fakeConnectivity{online: true})
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var got statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !got.Online {
		t.Error("Expected online true")
	}
	if got.State != "open" {
		t.Errorf("Expected state open, got %q", got.State)
	}
	if got.SessionID != "abc-123" {
		t.Errorf("Expected session ID abc-123, got %q", got.SessionID)
	}
	if got.OutboxDepth != 1 {
		t.Errorf("Expected outbox depth 1, got %d", got.OutboxDepth)
	}
	if got.Stats.FramesIn != 7 || got.Stats.Model != "sft-large" {
		t.Errorf("Expected stats propagated, got %+v", got.Stats)
	}
}
