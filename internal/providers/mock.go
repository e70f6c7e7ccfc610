package providers

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/winnowml/winnow/internal/schema"
)

const (
	MockName    = "mock"
	MockPattern = "^mock-"
)

// MockProvider is a Provider for testing. Behavior is scripted per prompt via
// RespondFunc; everything else falls back to ResponseText.
type MockProvider struct {
	Model        string
	ResponseText string
	Latency      time.Duration

	// RespondFunc, when set, decides the output or error for each prompt.
	RespondFunc func(prompt string) (string, error)

	requestCount   atomic.Int64
	inferOnceCalls atomic.Int64
	closeCalls     atomic.Int64

	mu        sync.Mutex
	schemaCfg *schema.Config
}

// NewMockProvider creates a mock with sensible defaults.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Model:        "mock-1",
		ResponseText: `{"extractions": []}`,
	}
}

// ModelID returns the mock model identifier.
func (m *MockProvider) ModelID() string {
	return m.Model
}

// ApplySchema records the applied constraint for assertions.
func (m *MockProvider) ApplySchema(c *schema.Constraint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c == nil {
		m.schemaCfg = nil
		return
	}
	cfg := c.ProviderConfig()
	m.schemaCfg = &cfg
}

// SchemaConfig returns the last applied provider config, or nil.
func (m *MockProvider) SchemaConfig() *schema.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.schemaCfg
}

// Infer returns one scripted result per prompt, in order.
func (m *MockProvider) Infer(ctx context.Context, prompts []string) ([]Result, error) {
	results := make([]Result, len(prompts))
	for i, prompt := range prompts {
		results[i] = m.respond(ctx, prompt)
	}
	return results, nil
}

// InferOnce behaves like Infer and counts its calls separately so tests can
// assert which entry point was used.
func (m *MockProvider) InferOnce(ctx context.Context, prompts []string) ([]Result, error) {
	m.inferOnceCalls.Add(1)
	return m.Infer(ctx, prompts)
}

// Close counts teardown calls; always succeeds.
func (m *MockProvider) Close() error {
	m.closeCalls.Add(1)
	return nil
}

func (m *MockProvider) respond(ctx context.Context, prompt string) Result {
	m.requestCount.Add(1)

	if m.Latency > 0 {
		select {
		case <-time.After(m.Latency):
		case <-ctx.Done():
			return Result{Err: runtimeError(0, ctx.Err(), "request cancelled")}
		}
	}

	if m.RespondFunc != nil {
		out, err := m.RespondFunc(prompt)
		if err != nil {
			return Result{Err: err}
		}
		return Result{Outputs: []ScoredOutput{{Score: 1.0, Output: out}}}
	}
	return Result{Outputs: []ScoredOutput{{Score: 1.0, Output: m.ResponseText}}}
}

// RequestCount returns the number of prompts served.
func (m *MockProvider) RequestCount() int64 {
	return m.requestCount.Load()
}

// InferOnceCount returns the number of InferOnce calls.
func (m *MockProvider) InferOnceCount() int64 {
	return m.inferOnceCalls.Load()
}

// CloseCount returns the number of Close calls.
func (m *MockProvider) CloseCount() int64 {
	return m.closeCalls.Load()
}

// Reset clears all counters.
func (m *MockProvider) Reset() {
	m.requestCount.Store(0)
	m.inferOnceCalls.Store(0)
	m.closeCalls.Store(0)
}

// Compile-time interface check.
var _ Provider = (*MockProvider)(nil)
