// Package frame defines the JSON envelope exchanged over the relay connection.
package frame

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Frame type tags recognized by the transport layer. A frame's type fully
// determines how its payload is interpreted; unknown types are republished
// to subscribers unmodified.
const (
	TypePing           = "ping"
	TypePong           = "pong"
	TypeAuthRequired   = "auth.required"
	TypeChatMessage    = "chat.message"
	TypeStreamStart    = "stream.start"
	TypeStreamEnd      = "stream.end"
	TypeModelInfo      = "model.info"
	TypeModelFallback  = "model.fallback"
	TypeMemoryBanner   = "memory.banner"
	TypeAnalysisStatus = "analysis.status"
)

// Frame is the unit of wire exchange. Payload is kept opaque so unknown
// frame types pass through untouched.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ChatPayload is the payload of an outbound chat.message frame.
type ChatPayload struct {
	Text    string `json:"text"`
	AgentID string `json:"agent_id"`
	UseRAG  bool   `json:"use_rag"`
}

// StreamEndPayload carries trailing metadata attached to a stream.end frame.
type StreamEndPayload struct {
	MessageID string          `json:"message_id,omitempty"`
	Meta      json.RawMessage `json:"meta,omitempty"`
}

// ModelPayload is the payload of model.info and model.fallback frames.
type ModelPayload struct {
	Model  string `json:"model"`
	Reason string `json:"reason,omitempty"`
}

// Ping returns the liveness probe frame. It carries no payload.
func Ping() Frame {
	return Frame{Type: TypePing}
}

// NewChat builds a chat.message frame from the given payload.
func NewChat(p ChatPayload) (Frame, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal chat payload: %w", err)
	}
	return Frame{Type: TypeChatMessage, Payload: data}, nil
}

// Decode parses a wire frame. An empty or missing type is rejected so a
// stray non-frame JSON object is not silently dispatched as type "".
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("decode frame: missing type")
	}
	return f, nil
}

// Encode serializes the frame for transmission.
func (f Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// Chat unmarshals the payload of a chat.message frame.
func (f Frame) Chat() (ChatPayload, error) {
	var p ChatPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return ChatPayload{}, fmt.Errorf("decode chat payload: %w", err)
	}
	return p, nil
}

// DedupeKey derives the duplicate-suppression key. chat.message frames key
// on the agent ID plus the whitespace-normalized text; stream.start and
// stream.end frames key on their type and message ID, so a redelivered
// stream frame collapses without the start and end of one message ever
// colliding. The second return reports participation.
func (f Frame) DedupeKey() (string, bool) {
	switch f.Type {
	case TypeChatMessage:
		p, err := f.Chat()
		if err != nil {
			return "", false
		}
		return p.AgentID + "\x00" + normalizeText(p.Text), true
	case TypeStreamStart, TypeStreamEnd:
		var p struct {
			MessageID string `json:"message_id"`
		}
		if err := json.Unmarshal(f.Payload, &p); err != nil || p.MessageID == "" {
			return "", false
		}
		return f.Type + "\x00" + p.MessageID, true
	}
	return "", false
}

// normalizeText collapses runs of whitespace to single spaces and trims,
// so cosmetic edits do not defeat duplicate detection.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
