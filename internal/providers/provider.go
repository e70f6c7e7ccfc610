// Package providers implements model providers for structured extraction and
// the registry that selects one from a model identifier.
//
// A Provider binds a model id, credentials, an optional output constraint,
// and an exclusively-owned HTTP transport into one addressable unit. The
// transport is created lazily on first inference and released by Close;
// InferOnce runs on a private transport instead, leaving no connections
// behind. Providers never retry and never throttle: retry policy and
// admission control belong to the caller.
package providers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/winnowml/winnow/internal/schema"
)

// defaultTimeout is the wall-clock request timeout applied when
// Config.Timeout is zero.
const defaultTimeout = 120 * time.Second

// ScoredOutput is the raw text a model returned for one prompt, paired with a
// confidence score. Providers that return a single candidate use score 1.0;
// the field exists for implementations that rank multiple candidates.
type ScoredOutput struct {
	Score  float64 `json:"score"`
	Output string  `json:"output"`
}

// Usage is the token accounting a provider reported for one request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage record into u.
func (u *Usage) Add(o Usage) {
	u.PromptTokens += o.PromptTokens
	u.CompletionTokens += o.CompletionTokens
	u.TotalTokens += o.TotalTokens
}

// Result is the outcome for one prompt of a batch. A failed item carries its
// own error without affecting sibling items; Outputs is nil when Err is set.
type Result struct {
	Outputs []ScoredOutput
	Usage   Usage
	Err     error
}

// Provider runs model inference. Implementations are safe for concurrent use
// by multiple callers sharing one instance.
type Provider interface {
	// Infer performs one request per prompt on the provider's persistent
	// transport (created lazily on first use) and returns results in
	// prompt order regardless of completion order. Requests are
	// dispatched concurrently with no internal cap; each item reports its
	// own error.
	Infer(ctx context.Context, prompts []string) ([]Result, error)

	// InferOnce is Infer on a private transport created for this call and
	// torn down before it returns. It never touches the persistent
	// transport, so one-shot callers leak no connections across calls.
	InferOnce(ctx context.Context, prompts []string) ([]Result, error)

	// ApplySchema attaches an output constraint, switching the provider
	// into structured-output mode. A nil constraint detaches any
	// previously applied one. Valid in any state.
	ApplySchema(c *schema.Constraint)

	// ModelID returns the bound model identifier.
	ModelID() string

	// Close releases the persistent transport if one was created. It is
	// idempotent and valid before first use; a later Infer lazily
	// recreates the transport.
	Close() error
}

// Factory constructs a Provider from configuration. Registry resolution
// returns factories, not instances: instantiation with credentials happens at
// the call site.
type Factory func(cfg Config) (Provider, error)

// Config holds provider construction parameters. ModelID and APIKey are
// required; everything else has a provider-specific default. The sampling
// fields' zero values mean "absent" and are left out of the wire payload;
// Temperature is the exception and is always sent (zero is a meaningful
// setting).
type Config struct {
	ModelID string
	APIKey  string
	BaseURL string

	Temperature      float64
	MaxTokens        int
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64

	Timeout time.Duration
	TLS     TLSOptions

	// HTTPClient overrides the persistent transport (tests).
	HTTPClient *http.Client

	Logger *slog.Logger
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return defaultTimeout
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
