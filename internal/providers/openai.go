package providers

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/winnowml/winnow/internal/schema"
)

const (
	OpenAIName     = "openai"
	OpenAIPattern  = "^(gpt-|o[0-9])"
	OpenAIPriority = 10

	// OpenAIBaseURL is used when Config.BaseURL is unset.
	OpenAIBaseURL = "https://api.openai.com/v1"
)

// OpenAI implements Provider for OpenAI models using the official SDK. The
// contract matches GLM: lazy persistent transport, no internal retries
// (SDK retries are disabled), per-item batch errors, order-preserving
// results.
type OpenAI struct {
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
	client     *openai.Client
	httpClient *http.Client
	structured bool
}

// NewOpenAI builds an OpenAI provider. Like NewGLM, a missing API key is a
// ConfigError raised before any network activity.
func NewOpenAI(cfg Config) (*OpenAI, error) {
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

	logger := cfg.logger().With("provider", OpenAIName, "model", cfg.ModelID)
	if cfg.TLS.SkipVerify {
		logger.Warn("TLS certificate verification disabled")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = OpenAIBaseURL
	}

	return &OpenAI{
		modelID:          cfg.ModelID,
		apiKey:           cfg.APIKey,
		baseURL:          baseURL,
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
func (o *OpenAI) ModelID() string {
	return o.modelID
}

// ApplySchema attaches or detaches an output constraint.
func (o *OpenAI) ApplySchema(c *schema.Constraint) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.structured = c != nil && c.ProviderConfig().StructuredOutputEnabled
}

// Infer runs one chat completion per prompt on the persistent SDK client.
func (o *OpenAI) Infer(ctx context.Context, prompts []string) ([]Result, error) {
	return o.run(ctx, o.ensureClient(), prompts)
}

// InferOnce runs the batch on a throwaway SDK client around a private
// transport, torn down before returning.
func (o *OpenAI) InferOnce(ctx context.Context, prompts []string) ([]Result, error) {
	if o.httpOverride != nil {
		client := o.newSDKClient(o.httpOverride)
		return o.run(ctx, &client, prompts)
	}
	httpClient := newHTTPClient(o.timeout, o.tlsConfig)
	defer httpClient.CloseIdleConnections()
	client := o.newSDKClient(httpClient)
	return o.run(ctx, &client, prompts)
}

// Close releases the persistent transport. Idempotent.
func (o *OpenAI) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.httpClient != nil {
		o.httpClient.CloseIdleConnections()
		o.httpClient = nil
	}
	o.client = nil
	return nil
}

func (o *OpenAI) ensureClient() *openai.Client {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.client == nil {
		httpClient := o.httpOverride
		if httpClient == nil {
			httpClient = newHTTPClient(o.timeout, o.tlsConfig)
			o.httpClient = httpClient
		}
		client := o.newSDKClient(httpClient)
		o.client = &client
	}
	return o.client
}

func (o *OpenAI) newSDKClient(httpClient *http.Client) openai.Client {
	return openai.NewClient(
		option.WithAPIKey(o.apiKey),
		option.WithBaseURL(o.baseURL),
		option.WithHTTPClient(httpClient),
		// Retry policy belongs to the caller.
		option.WithMaxRetries(0),
	)
}

func (o *OpenAI) run(ctx context.Context, client *openai.Client, prompts []string) ([]Result, error) {
	o.mu.Lock()
	structured := o.structured
	o.mu.Unlock()

	results := make([]Result, len(prompts))
	var wg sync.WaitGroup
	for i, prompt := range prompts {
		wg.Add(1)
		go func(i int, prompt string) {
			defer wg.Done()
			results[i] = o.execute(ctx, client, prompt, structured)
		}(i, prompt)
	}
	wg.Wait()
	return results, nil
}

func (o *OpenAI) execute(ctx context.Context, client *openai.Client, prompt string, structured bool) Result {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.modelID),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(o.temperature),
	}
	if o.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(o.maxTokens))
	}
	if o.topP > 0 {
		params.TopP = openai.Float(o.topP)
	}
	if o.frequencyPenalty != 0 {
		params.FrequencyPenalty = openai.Float(o.frequencyPenalty)
	}
	if o.presencePenalty != 0 {
		params.PresencePenalty = openai.Float(o.presencePenalty)
	}
	if structured {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apierr *openai.Error
		if errors.As(err, &apierr) {
			return Result{Err: runtimeError(apierr.StatusCode, err, "chat completion failed")}
		}
		return Result{Err: runtimeError(0, err, "request failed")}
	}
	if len(resp.Choices) == 0 {
		return Result{Err: runtimeError(0, nil, "empty choices in response (model=%s, id=%s)", resp.Model, resp.ID)}
	}

	return Result{
		Outputs: []ScoredOutput{{Score: 1.0, Output: resp.Choices[0].Message.Content}},
		Usage: Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
}

// Compile-time interface check.
var _ Provider = (*OpenAI)(nil)
