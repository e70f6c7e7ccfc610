package providers

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/winnowml/winnow/internal/schema"
)

const (
	GLMName     = "glm"
	GLMPattern  = "^glm-"
	GLMPriority = 10

	// GLMBaseURL is the well-known OpenAI-compatible endpoint for GLM
	// models, used when Config.BaseURL is unset.
	GLMBaseURL = "https://open.bigmodel.cn/api/paas/v4"
)

// GLM talks to any GLM model behind an OpenAI-compatible chat-completions
// endpoint. One instance owns at most one persistent transport, created on
// first Infer and released by Close; concurrent Infer calls share it.
type GLM struct {
	modelID string
	apiKey  string
	baseURL string

	temperature      float64
	maxTokens        int
	topP             float64
	frequencyPenalty float64
	presencePenalty  float64

	timeout   time.Duration
	tlsConfig *tls.Config
	logger    *slog.Logger

	// httpOverride short-circuits transport ownership (tests).
	httpOverride *http.Client

	mu         sync.Mutex
	client     *http.Client
	structured *chatResponseFormat
}

// NewGLM builds a GLM provider. A missing API key fails immediately with a
// ConfigError, before any network activity: a misconfigured provider must
// never attempt an unauthenticated call. The CA bundle, if configured, is
// loaded here for the same reason.
func NewGLM(cfg Config) (*GLM, error) {
	if cfg.ModelID == "" {
		return nil, configErrorf("model id is required")
	}
	if cfg.APIKey == "" {
		return nil, configErrorf("api key is required for model %s", cfg.ModelID)
	}

	tlsConfig, err := cfg.TLS.clientTLSConfig()
	if err != nil {
		return nil, err
	}

	logger := cfg.logger().With("provider", GLMName, "model", cfg.ModelID)
	if cfg.TLS.SkipVerify {
		logger.Warn("TLS certificate verification disabled")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = GLMBaseURL
	}

	return &GLM{
		modelID:          cfg.ModelID,
		apiKey:           cfg.APIKey,
		baseURL:          strings.TrimSuffix(baseURL, "/"),
		temperature:      cfg.Temperature,
		maxTokens:        cfg.MaxTokens,
		topP:             cfg.TopP,
		frequencyPenalty: cfg.FrequencyPenalty,
		presencePenalty:  cfg.PresencePenalty,
		timeout:          cfg.timeout(),
		tlsConfig:        tlsConfig,
		logger:           logger,
		httpOverride:     cfg.HTTPClient,
	}, nil
}

// ModelID returns the bound model identifier.
func (g *GLM) ModelID() string {
	return g.modelID
}

// ApplySchema attaches an output constraint; requests made afterwards ask the
// endpoint for its native JSON response mode. A nil constraint detaches the
// schema and disables structured output.
func (g *GLM) ApplySchema(c *schema.Constraint) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.structured = nil
	if c != nil && c.ProviderConfig().StructuredOutputEnabled {
		g.structured = &chatResponseFormat{Type: "json_object"}
	}
}

// Infer runs one chat completion per prompt on the persistent transport and
// returns results in prompt order. Items fail independently.
func (g *GLM) Infer(ctx context.Context, prompts []string) ([]Result, error) {
	return g.run(ctx, g.ensureClient(), prompts)
}

// InferOnce runs the batch on a private transport that is torn down before
// returning. The persistent transport, if any, is untouched.
func (g *GLM) InferOnce(ctx context.Context, prompts []string) ([]Result, error) {
	if g.httpOverride != nil {
		return g.run(ctx, g.httpOverride, prompts)
	}
	client := newHTTPClient(g.timeout, g.tlsConfig)
	defer client.CloseIdleConnections()
	return g.run(ctx, client, prompts)
}

// Close releases the persistent transport. Idempotent; valid before first
// use. A later Infer lazily recreates the transport.
func (g *GLM) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		g.client.CloseIdleConnections()
		g.client = nil
	}
	return nil
}

// ensureClient returns the persistent transport, creating it on first use.
// Creation is guarded so concurrent first calls share one client.
func (g *GLM) ensureClient() *http.Client {
	if g.httpOverride != nil {
		return g.httpOverride
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == nil {
		g.client = newHTTPClient(g.timeout, g.tlsConfig)
	}
	return g.client
}

func (g *GLM) run(ctx context.Context, client *http.Client, prompts []string) ([]Result, error) {
	// Snapshot the response format once so ApplySchema during a batch
	// cannot split it across items.
	g.mu.Lock()
	rf := g.structured
	g.mu.Unlock()

	results := make([]Result, len(prompts))
	var wg sync.WaitGroup
	for i, prompt := range prompts {
		wg.Add(1)
		go func(i int, prompt string) {
			defer wg.Done()
			results[i] = g.execute(ctx, client, prompt, rf)
		}(i, prompt)
	}
	wg.Wait()
	return results, nil
}

// execute performs one full request/response cycle for a single prompt.
func (g *GLM) execute(ctx context.Context, client *http.Client, prompt string, rf *chatResponseFormat) Result {
	body := chatRequest{
		Model:            g.modelID,
		Messages:         []chatMessage{{Role: "user", Content: prompt}},
		Temperature:      g.temperature,
		MaxTokens:        g.maxTokens,
		TopP:             g.topP,
		FrequencyPenalty: g.frequencyPenalty,
		PresencePenalty:  g.presencePenalty,
		ResponseFormat:   rf,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Result{Err: runtimeError(0, err, "failed to marshal request")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Result{Err: runtimeError(0, err, "failed to create request")}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := client.Do(req)
	if err != nil {
		// Timeouts and transport failures surface the same way as any
		// other request failure.
		return Result{Err: runtimeError(0, err, "request failed")}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{Err: runtimeError(resp.StatusCode, nil, "chat completion failed: %s", errorExcerpt(resp.Body))}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{Err: runtimeError(resp.StatusCode, err, "failed to read response")}
	}

	var cr chatResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return Result{Err: runtimeError(resp.StatusCode, err, "failed to decode response")}
	}
	if cr.Error != nil {
		return Result{Err: runtimeError(resp.StatusCode, nil, "api error: %s", cr.Error.Message)}
	}
	if len(cr.Choices) == 0 {
		return Result{Err: runtimeError(resp.StatusCode, nil, "empty choices in response (model=%s, id=%s)", cr.Model, cr.ID)}
	}

	return Result{
		Outputs: []ScoredOutput{{Score: 1.0, Output: cr.Choices[0].Message.Content}},
		Usage: Usage{
			PromptTokens:     cr.Usage.PromptTokens,
			CompletionTokens: cr.Usage.CompletionTokens,
			TotalTokens:      cr.Usage.TotalTokens,
		},
	}
}

// errorExcerpt reads a bounded prefix of an error response body for the error
// message.
func errorExcerpt(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return "(no response body)"
	}
	return strings.TrimSpace(string(data))
}

// Compile-time interface check.
var _ Provider = (*GLM)(nil)

// String implements fmt.Stringer for log output.
func (g *GLM) String() string {
	return fmt.Sprintf("glm(%s)", g.modelID)
}
