package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// RecordedRequest captures one request received by a ChatServer.
type RecordedRequest struct {
	Path          string
	Authorization string
	Payload       map[string]any
}

// Prompt returns the first user message content from the payload, or "".
func (r RecordedRequest) Prompt() string {
	messages, _ := r.Payload["messages"].([]any)
	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		if msg["role"] == "user" {
			if content, ok := msg["content"].(string); ok {
				return content
			}
		}
	}
	return ""
}

// ChatReply is one scripted chat-completions response.
type ChatReply struct {
	Status int
	Body   string
}

// ChatContent builds a 200 reply whose first choice carries content, in the
// standard chat-completions shape.
func ChatContent(content string) ChatReply {
	body, _ := json.Marshal(map[string]any{
		"id":    "chatcmpl-test",
		"model": "test-model",
		"choices": []any{
			map[string]any{
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     7,
			"completion_tokens": 5,
			"total_tokens":      12,
		},
	})
	return ChatReply{Status: http.StatusOK, Body: string(body)}
}

// ChatServer is an httptest stub for an OpenAI-compatible chat-completions
// endpoint. The respond callback decides each reply from the recorded
// request, so scripting stays deterministic under concurrent dispatch.
type ChatServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests []RecordedRequest
}

// NewChatServer starts a stub endpoint; it is closed with the test. A nil
// respond always answers ChatContent("ok").
func NewChatServer(t *testing.T, respond func(req RecordedRequest) ChatReply) *ChatServer {
	t.Helper()

	s := &ChatServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, `{"error": {"message": "bad payload: %v"}}`, err)
			return
		}

		rec := RecordedRequest{
			Path:          r.URL.Path,
			Authorization: r.Header.Get("Authorization"),
			Payload:       payload,
		}

		s.mu.Lock()
		s.requests = append(s.requests, rec)
		s.mu.Unlock()

		reply := ChatContent("ok")
		if respond != nil {
			reply = respond(rec)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(reply.Status)
		_, _ = w.Write([]byte(reply.Body))
	}))
	t.Cleanup(s.Close)
	return s
}

// Requests returns a snapshot of the recorded requests in arrival order.
func (s *ChatServer) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecordedRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// RequestCount returns how many requests the server has received.
func (s *ChatServer) RequestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}
