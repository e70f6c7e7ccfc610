package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/winnowml/winnow/internal/providers"
)

// Config is the full configuration schema.
type Config struct {
	Logging  LoggingCfg  `mapstructure:"logging" yaml:"logging"`
	Provider ProviderCfg `mapstructure:"provider" yaml:"provider"`
	Extract  ExtractCfg  `mapstructure:"extract" yaml:"extract"`
}

// LoggingCfg controls log output.
type LoggingCfg struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// ProviderCfg holds the model provider connection settings.
type ProviderCfg struct {
	Model   string `mapstructure:"model" yaml:"model"`
	APIKey  string `mapstructure:"api_key" yaml:"api_key"` // supports ${ENV_VAR} syntax
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	Temperature      float64 `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens        int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	TopP             float64 `mapstructure:"top_p" yaml:"top_p"`
	FrequencyPenalty float64 `mapstructure:"frequency_penalty" yaml:"frequency_penalty"`
	PresencePenalty  float64 `mapstructure:"presence_penalty" yaml:"presence_penalty"`

	TimeoutSeconds int `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`

	// TLSVerify is "true", "false", or a path to a PEM CA bundle.
	TLSVerify string `mapstructure:"tls_verify" yaml:"tls_verify"`
}

// ExtractCfg holds the extraction pipeline settings.
type ExtractCfg struct {
	MaxCharBuffer     int     `mapstructure:"max_char_buffer" yaml:"max_char_buffer"`
	MaxWorkers        int     `mapstructure:"max_workers" yaml:"max_workers"`
	Passes            int     `mapstructure:"passes" yaml:"passes"`
	MaxRetries        int     `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelaySeconds int     `mapstructure:"retry_delay_seconds" yaml:"retry_delay_seconds"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	ValidateOutput    bool    `mapstructure:"validate_output" yaml:"validate_output"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingCfg{
			Level: "info",
		},
		Provider: ProviderCfg{
			Model:          "glm-4",
			APIKey:         "${GLM_API_KEY}",
			TimeoutSeconds: 120,
			TLSVerify:      "true",
		},
		Extract: ExtractCfg{
			MaxCharBuffer:     1200,
			MaxWorkers:        8,
			Passes:            1,
			MaxRetries:        2,
			RetryDelaySeconds: 2,
			ValidateOutput:    true,
		},
	}
}

// ToProviderConfig converts the provider section to a providers.Config.
// It resolves ${ENV_VAR} references in the API key.
func (p ProviderCfg) ToProviderConfig() providers.Config {
	return providers.Config{
		ModelID:          p.Model,
		APIKey:           ResolveEnvVars(p.APIKey),
		BaseURL:          p.BaseURL,
		Temperature:      p.Temperature,
		MaxTokens:        p.MaxTokens,
		TopP:             p.TopP,
		FrequencyPenalty: p.FrequencyPenalty,
		PresencePenalty:  p.PresencePenalty,
		Timeout:          time.Duration(p.TimeoutSeconds) * time.Second,
		TLS:              providers.ParseTLSSetting(p.TLSVerify),
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging level %q", c.Logging.Level)
	}

	if c.Provider.Model == "" {
		return fmt.Errorf("provider model is required")
	}
	if c.Provider.TimeoutSeconds < 0 {
		return fmt.Errorf("provider timeout_seconds must not be negative, got %d", c.Provider.TimeoutSeconds)
	}
	if tls := providers.ParseTLSSetting(c.Provider.TLSVerify); tls.CAFile != "" {
		if _, err := os.Stat(tls.CAFile); err != nil {
			return fmt.Errorf("provider tls_verify CA bundle: %w", err)
		}
	}

	if c.Extract.MaxCharBuffer <= 0 {
		return fmt.Errorf("extract max_char_buffer must be positive, got %d", c.Extract.MaxCharBuffer)
	}
	if c.Extract.MaxWorkers <= 0 {
		return fmt.Errorf("extract max_workers must be positive, got %d", c.Extract.MaxWorkers)
	}
	if c.Extract.Passes <= 0 {
		return fmt.Errorf("extract passes must be positive, got %d", c.Extract.Passes)
	}
	if c.Extract.MaxRetries < 0 {
		return fmt.Errorf("extract max_retries must not be negative, got %d", c.Extract.MaxRetries)
	}
	if c.Extract.RetryDelaySeconds < 0 {
		return fmt.Errorf("extract retry_delay_seconds must not be negative, got %d", c.Extract.RetryDelaySeconds)
	}
	if c.Extract.RequestsPerSecond < 0 {
		return fmt.Errorf("extract requests_per_second must not be negative, got %v", c.Extract.RequestsPerSecond)
	}
	return nil
}
