// Package status exposes a small local HTTP surface with the connectivity
// indicator and connection metrics, for UI badges and operational checks.
package status

import (
	"encoding/json"
	"net/http"

	"github.com/animachat/relay/internal/middleware"
	"github.com/animachat/relay/internal/session"
	"github.com/animachat/relay/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// SessionInfo is the read-only view of the connection session.
type SessionInfo interface {
	State() session.State
	SessionID() string
	Stats() session.Stats
}

// ConnectivityInfo is the read-only view of the offline coordinator.
type ConnectivityInfo interface {
	Online() bool
}

// Handler serves /healthz and /status.
type Handler struct {
	st   store.Store
	sess SessionInfo
	conn ConnectivityInfo
}

// NewHandler creates a status handler.
func NewHandler(st store.Store, sess SessionInfo, conn ConnectivityInfo) *Handler {
	return &Handler{st: st, sess: sess, conn: conn}
}

// Routes builds the router for the status surface.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))
	r.Get("/healthz", h.handleHealth)
	r.Get("/status", h.handleStatus)
	return r
}

type statusResponse struct {
	Online      bool          `json:"online"`
	State       string        `json:"state"`
	SessionID   string        `json:"session_id,omitempty"`
	OutboxDepth int           `json:"outbox_depth"`
	Stats       session.Stats `json:"stats"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.st.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	entries, err := h.st.ListOutbox(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read outbox")
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Online:      h.conn.Online(),
		State:       h.sess.State().String(),
		SessionID:   h.sess.SessionID(),
		OutboxDepth: len(entries),
		Stats:       h.sess.Stats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
