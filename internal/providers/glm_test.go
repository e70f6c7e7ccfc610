package providers

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/winnowml/winnow/internal/extraction"
	"github.com/winnowml/winnow/internal/schema"
)

func testGLM(t *testing.T, server *ChatServer, mutate func(*Config)) *GLM {
	t.Helper()
	cfg := Config{
		ModelID: "glm-4",
		APIKey:  "test-key",
		BaseURL: server.URL,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	g, err := NewGLM(cfg)
	if err != nil {
		t.Fatalf("NewGLM() error = %v", err)
	}
	return g
}

func TestNewGLM(t *testing.T) {
	t.Run("missing model id", func(t *testing.T) {
		_, err := NewGLM(Config{APIKey: "k"})
		var ce *ConfigError
		if !errors.As(err, &ce) {
			t.Fatalf("error = %v, want ConfigError", err)
		}
	})

	t.Run("missing api key makes no network calls", func(t *testing.T) {
		server := NewChatServer(t, nil)
		_, err := NewGLM(Config{ModelID: "glm-4", BaseURL: server.URL})
		var ce *ConfigError
		if !errors.As(err, &ce) {
			t.Fatalf("error = %v, want ConfigError", err)
		}
		if !strings.Contains(err.Error(), "glm-4") {
			t.Errorf("error %q does not name the model", err.Error())
		}
		if n := server.RequestCount(); n != 0 {
			t.Errorf("server received %d requests during failed construction, want 0", n)
		}
	})

	t.Run("default base url", func(t *testing.T) {
		g, err := NewGLM(Config{ModelID: "glm-4", APIKey: "k"})
		if err != nil {
			t.Fatalf("NewGLM() error = %v", err)
		}
		if g.baseURL != GLMBaseURL {
			t.Errorf("baseURL = %q, want %q", g.baseURL, GLMBaseURL)
		}
	})

	t.Run("trailing slash trimmed", func(t *testing.T) {
		g, err := NewGLM(Config{ModelID: "glm-4", APIKey: "k", BaseURL: "https://example.com/v4/"})
		if err != nil {
			t.Fatalf("NewGLM() error = %v", err)
		}
		if g.baseURL != "https://example.com/v4" {
			t.Errorf("baseURL = %q", g.baseURL)
		}
	})
}

func TestGLMInferRequestShape(t *testing.T) {
	server := NewChatServer(t, nil)
	g := testGLM(t, server, nil)
	defer g.Close()

	results, err := g.Infer(context.Background(), []string{"extract the meds"})
	if err != nil {
		t.Fatalf("Infer() error = %v", err)
	}
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("results = %+v", results)
	}

	reqs := server.Requests()
	if len(reqs) != 1 {
		t.Fatalf("server received %d requests, want 1", len(reqs))
	}
	req := reqs[0]
	if req.Path != "/chat/completions" {
		t.Errorf("path = %q, want /chat/completions", req.Path)
	}
	if req.Authorization != "Bearer test-key" {
		t.Errorf("authorization = %q, want Bearer test-key", req.Authorization)
	}
	if got := req.Payload["model"]; got != "glm-4" {
		t.Errorf("model = %v, want glm-4", got)
	}
	if got := req.Prompt(); got != "extract the meds" {
		t.Errorf("prompt = %q", got)
	}

	// Temperature is always on the wire, zero included: 0.0 is a deliberate
	// decoding choice, not an absent setting.
	temp, ok := req.Payload["temperature"]
	if !ok {
		t.Error("temperature missing from payload")
	} else if temp != 0.0 {
		t.Errorf("temperature = %v, want 0", temp)
	}

	// Unset sampling knobs stay off the wire entirely.
	for _, key := range []string{"max_tokens", "top_p", "frequency_penalty", "presence_penalty", "response_format"} {
		if _, ok := req.Payload[key]; ok {
			t.Errorf("payload contains %q for an unset option", key)
		}
	}
}

func TestGLMInferSamplingParams(t *testing.T) {
	server := NewChatServer(t, nil)
	g := testGLM(t, server, func(cfg *Config) {
		cfg.Temperature = 0.7
		cfg.MaxTokens = 256
		cfg.TopP = 0.9
		cfg.FrequencyPenalty = 0.5
		cfg.PresencePenalty = 0.25
	})
	defer g.Close()

	if _, err := g.Infer(context.Background(), []string{"p"}); err != nil {
		t.Fatalf("Infer() error = %v", err)
	}

	payload := server.Requests()[0].Payload
	want := map[string]float64{
		"temperature":       0.7,
		"max_tokens":        256,
		"top_p":             0.9,
		"frequency_penalty": 0.5,
		"presence_penalty":  0.25,
	}
	for key, val := range want {
		got, ok := payload[key]
		if !ok {
			t.Errorf("payload missing %q", key)
			continue
		}
		if got != val {
			t.Errorf("payload[%q] = %v, want %v", key, got, val)
		}
	}
}

func TestGLMInferOrderAndScore(t *testing.T) {
	// Reply latency is inverted relative to prompt order so completion
	// order differs from dispatch order.
	delays := map[string]time.Duration{"a": 40 * time.Millisecond, "b": 20 * time.Millisecond, "c": 0}
	server := NewChatServer(t, func(req RecordedRequest) ChatReply {
		time.Sleep(delays[req.Prompt()])
		return ChatContent("echo:" + req.Prompt())
	})
	g := testGLM(t, server, nil)
	defer g.Close()

	prompts := []string{"a", "b", "c"}
	results, err := g.Infer(context.Background(), prompts)
	if err != nil {
		t.Fatalf("Infer() error = %v", err)
	}
	if len(results) != len(prompts) {
		t.Fatalf("len(results) = %d, want %d", len(results), len(prompts))
	}
	for i, prompt := range prompts {
		if results[i].Err != nil {
			t.Errorf("results[%d].Err = %v", i, results[i].Err)
			continue
		}
		if len(results[i].Outputs) != 1 {
			t.Errorf("results[%d] has %d outputs", i, len(results[i].Outputs))
			continue
		}
		out := results[i].Outputs[0]
		if out.Output != "echo:"+prompt {
			t.Errorf("results[%d].Output = %q, want echo:%s", i, out.Output, prompt)
		}
		if out.Score != 1.0 {
			t.Errorf("results[%d].Score = %v, want 1.0", i, out.Score)
		}
	}
}

func TestGLMInferPerItemFailure(t *testing.T) {
	server := NewChatServer(t, func(req RecordedRequest) ChatReply {
		if req.Prompt() == "b" {
			return ChatReply{Status: 500, Body: `{"error": {"message": "upstream exploded"}}`}
		}
		return ChatContent("echo:" + req.Prompt())
	})
	g := testGLM(t, server, nil)
	defer g.Close()

	results, err := g.Infer(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Infer() error = %v", err)
	}

	if results[0].Err != nil || results[2].Err != nil {
		t.Fatalf("sibling items failed: [0]=%v [2]=%v", results[0].Err, results[2].Err)
	}
	if results[0].Outputs[0].Output != "echo:a" || results[2].Outputs[0].Output != "echo:c" {
		t.Errorf("sibling outputs = %q, %q", results[0].Outputs[0].Output, results[2].Outputs[0].Output)
	}

	var re *RuntimeError
	if !errors.As(results[1].Err, &re) {
		t.Fatalf("results[1].Err = %v, want RuntimeError", results[1].Err)
	}
	if re.StatusCode != 500 {
		t.Errorf("StatusCode = %d, want 500", re.StatusCode)
	}
	if !re.Transient() {
		t.Error("a 500 should be transient")
	}
	if !strings.Contains(re.Error(), "upstream exploded") {
		t.Errorf("error %q does not carry the response body", re.Error())
	}
}

func TestGLMInferUsage(t *testing.T) {
	server := NewChatServer(t, nil)
	g := testGLM(t, server, nil)
	defer g.Close()

	results, err := g.Infer(context.Background(), []string{"p"})
	if err != nil {
		t.Fatalf("Infer() error = %v", err)
	}
	got := results[0].Usage
	if got.PromptTokens != 7 || got.CompletionTokens != 5 || got.TotalTokens != 12 {
		t.Errorf("usage = %+v", got)
	}
}

func TestGLMInferBadResponses(t *testing.T) {
	tests := []struct {
		name      string
		reply     ChatReply
		wantInMsg string
		transient bool
	}{
		{
			name:      "api error in 200 body",
			reply:     ChatReply{Status: 200, Body: `{"error": {"message": "quota exceeded"}}`},
			wantInMsg: "quota exceeded",
			transient: false,
		},
		{
			name:      "empty choices",
			reply:     ChatReply{Status: 200, Body: `{"id": "x", "model": "glm-4", "choices": []}`},
			wantInMsg: "empty choices",
			transient: false,
		},
		{
			name:      "malformed json",
			reply:     ChatReply{Status: 200, Body: `{"choices": [`},
			wantInMsg: "decode",
			transient: false,
		},
		{
			name:      "throttled",
			reply:     ChatReply{Status: 429, Body: `{"error": {"message": "slow down"}}`},
			wantInMsg: "slow down",
			transient: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := NewChatServer(t, func(RecordedRequest) ChatReply { return tt.reply })
			g := testGLM(t, server, nil)
			defer g.Close()

			results, err := g.Infer(context.Background(), []string{"p"})
			if err != nil {
				t.Fatalf("Infer() error = %v", err)
			}
			var re *RuntimeError
			if !errors.As(results[0].Err, &re) {
				t.Fatalf("item error = %v, want RuntimeError", results[0].Err)
			}
			if !strings.Contains(re.Error(), tt.wantInMsg) {
				t.Errorf("error %q does not contain %q", re.Error(), tt.wantInMsg)
			}
			if re.Transient() != tt.transient {
				t.Errorf("Transient() = %v, want %v", re.Transient(), tt.transient)
			}
		})
	}
}

func TestGLMApplySchema(t *testing.T) {
	server := NewChatServer(t, nil)
	g := testGLM(t, server, nil)
	defer g.Close()

	constraint := schema.FromExamples([]extraction.Example{
		{
			Text: "Patient took 400mg ibuprofen",
			Extractions: []extraction.Extraction{
				{Class: "medication", Text: "ibuprofen", Attributes: map[string]string{"dosage": "400mg"}},
			},
		},
	})

	ctx := context.Background()
	if _, err := g.Infer(ctx, []string{"before"}); err != nil {
		t.Fatalf("Infer() error = %v", err)
	}

	g.ApplySchema(constraint)
	if _, err := g.Infer(ctx, []string{"with schema"}); err != nil {
		t.Fatalf("Infer() error = %v", err)
	}

	g.ApplySchema(nil)
	if _, err := g.Infer(ctx, []string{"after clear"}); err != nil {
		t.Fatalf("Infer() error = %v", err)
	}

	reqs := server.Requests()
	if len(reqs) != 3 {
		t.Fatalf("server received %d requests, want 3", len(reqs))
	}

	if _, ok := reqs[0].Payload["response_format"]; ok {
		t.Error("response_format present before ApplySchema")
	}

	rf, ok := reqs[1].Payload["response_format"].(map[string]any)
	if !ok {
		t.Fatal("response_format missing after ApplySchema")
	}
	if rf["type"] != "json_object" {
		t.Errorf("response_format type = %v, want json_object", rf["type"])
	}

	if _, ok := reqs[2].Payload["response_format"]; ok {
		t.Error("response_format still present after ApplySchema(nil)")
	}
}

func TestGLMClose(t *testing.T) {
	t.Run("idempotent", func(t *testing.T) {
		server := NewChatServer(t, nil)
		g := testGLM(t, server, nil)

		if _, err := g.Infer(context.Background(), []string{"p"}); err != nil {
			t.Fatalf("Infer() error = %v", err)
		}
		if err := g.Close(); err != nil {
			t.Fatalf("first Close() error = %v", err)
		}
		if err := g.Close(); err != nil {
			t.Fatalf("second Close() error = %v", err)
		}
	})

	t.Run("before first use", func(t *testing.T) {
		g, err := NewGLM(Config{ModelID: "glm-4", APIKey: "k"})
		if err != nil {
			t.Fatalf("NewGLM() error = %v", err)
		}
		if err := g.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})

	t.Run("infer after close recreates transport", func(t *testing.T) {
		server := NewChatServer(t, nil)
		g := testGLM(t, server, nil)

		if _, err := g.Infer(context.Background(), []string{"p"}); err != nil {
			t.Fatalf("Infer() error = %v", err)
		}
		if err := g.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}

		results, err := g.Infer(context.Background(), []string{"again"})
		if err != nil {
			t.Fatalf("Infer() after Close error = %v", err)
		}
		if results[0].Err != nil {
			t.Errorf("item error after reopen = %v", results[0].Err)
		}
		if server.RequestCount() != 2 {
			t.Errorf("server received %d requests, want 2", server.RequestCount())
		}
	})
}

func TestGLMInferOnce(t *testing.T) {
	server := NewChatServer(t, nil)
	g := testGLM(t, server, nil)

	results, err := g.InferOnce(context.Background(), []string{"one shot"})
	if err != nil {
		t.Fatalf("InferOnce() error = %v", err)
	}
	if results[0].Err != nil {
		t.Fatalf("item error = %v", results[0].Err)
	}
	if results[0].Outputs[0].Output != "ok" {
		t.Errorf("output = %q", results[0].Outputs[0].Output)
	}

	g.mu.Lock()
	leaked := g.client != nil
	g.mu.Unlock()
	if leaked {
		t.Error("InferOnce left a persistent transport behind")
	}
}

func TestGLMInferOnceOrder(t *testing.T) {
	// Same inverted-latency setup as the persistent-transport order test:
	// the throwaway transport must give the same ordering guarantee.
	delays := map[string]time.Duration{"a": 40 * time.Millisecond, "b": 20 * time.Millisecond, "c": 0}
	server := NewChatServer(t, func(req RecordedRequest) ChatReply {
		time.Sleep(delays[req.Prompt()])
		return ChatContent("echo:" + req.Prompt())
	})
	g := testGLM(t, server, nil)

	prompts := []string{"a", "b", "c"}
	results, err := g.InferOnce(context.Background(), prompts)
	if err != nil {
		t.Fatalf("InferOnce() error = %v", err)
	}
	for i, prompt := range prompts {
		if results[i].Err != nil {
			t.Errorf("results[%d].Err = %v", i, results[i].Err)
			continue
		}
		if got := results[i].Outputs[0].Output; got != "echo:"+prompt {
			t.Errorf("results[%d].Output = %q, want echo:%s", i, got, prompt)
		}
	}
}

func TestGLMTimeout(t *testing.T) {
	server := NewChatServer(t, func(RecordedRequest) ChatReply {
		time.Sleep(200 * time.Millisecond)
		return ChatContent("late")
	})
	g := testGLM(t, server, func(cfg *Config) {
		cfg.Timeout = 50 * time.Millisecond
	})
	defer g.Close()

	results, err := g.Infer(context.Background(), []string{"p"})
	if err != nil {
		t.Fatalf("Infer() error = %v", err)
	}
	var re *RuntimeError
	if !errors.As(results[0].Err, &re) {
		t.Fatalf("item error = %v, want RuntimeError", results[0].Err)
	}
	if !re.Transient() {
		t.Error("timeout should be transient")
	}
}

func TestGLMContextCancellation(t *testing.T) {
	server := NewChatServer(t, func(RecordedRequest) ChatReply {
		time.Sleep(200 * time.Millisecond)
		return ChatContent("late")
	})
	g := testGLM(t, server, nil)
	defer g.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	results, err := g.Infer(ctx, []string{"p"})
	if err != nil {
		t.Fatalf("Infer() error = %v", err)
	}
	if results[0].Err == nil {
		t.Fatal("expected item error after cancellation")
	}
	if !errors.Is(results[0].Err, context.Canceled) {
		t.Errorf("item error = %v, want context.Canceled in chain", results[0].Err)
	}
}
