// Package config loads winnow configuration from a YAML file with
// environment variable overrides and optional hot-reloading.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

// Manager owns the loaded Config and swaps it atomically when the
// file on disk changes.
type Manager struct {
	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
}

// NewManager reads configuration from cfgFile (or the search path when
// cfgFile is empty), applies environment overrides, and returns a
// manager holding the result.
func NewManager(cfgFile string) (*Manager, error) {
	cm := &Manager{}

	if err := cm.initViper(cfgFile); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// initViper registers defaults, env bindings, and the config file
// search path on the process-global viper.
func (cm *Manager) initViper(cfgFile string) error {
	// Defaults are registered per leaf key so WINNOW_* environment
	// overrides apply to nested keys.
	d := DefaultConfig()
	viper.SetDefault("logging.level", d.Logging.Level)
	viper.SetDefault("provider.model", d.Provider.Model)
	viper.SetDefault("provider.api_key", d.Provider.APIKey)
	viper.SetDefault("provider.base_url", d.Provider.BaseURL)
	viper.SetDefault("provider.temperature", d.Provider.Temperature)
	viper.SetDefault("provider.max_tokens", d.Provider.MaxTokens)
	viper.SetDefault("provider.top_p", d.Provider.TopP)
	viper.SetDefault("provider.frequency_penalty", d.Provider.FrequencyPenalty)
	viper.SetDefault("provider.presence_penalty", d.Provider.PresencePenalty)
	viper.SetDefault("provider.timeout_seconds", d.Provider.TimeoutSeconds)
	viper.SetDefault("provider.tls_verify", d.Provider.TLSVerify)
	viper.SetDefault("extract.max_char_buffer", d.Extract.MaxCharBuffer)
	viper.SetDefault("extract.max_workers", d.Extract.MaxWorkers)
	viper.SetDefault("extract.passes", d.Extract.Passes)
	viper.SetDefault("extract.max_retries", d.Extract.MaxRetries)
	viper.SetDefault("extract.retry_delay_seconds", d.Extract.RetryDelaySeconds)
	viper.SetDefault("extract.requests_per_second", d.Extract.RequestsPerSecond)
	viper.SetDefault("extract.validate_output", d.Extract.ValidateOutput)

	// Environment variables with WINNOW_ prefix, e.g. WINNOW_PROVIDER_API_KEY.
	viper.SetEnvPrefix("WINNOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// An explicit path wins; otherwise search the working directory
	// and ~/.winnow.
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.winnow")
	}

	// A missing file is not an error: defaults plus environment
	// overrides are a complete configuration.
	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// load snapshots the current viper state into a Config.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Get returns the active config. Safe for concurrent use with
// WatchConfig; callers must not mutate the result.
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// OnChange registers fn to run after each successful reload.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig starts watching the config file. A reload that fails to
// parse keeps the previous config in place.
func (cm *Manager) WatchConfig() {
	viper.OnConfigChange(func(_ fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	viper.WatchConfig()
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ResolveEnvVars expands ${ENV_VAR} references in a string. Unset
// variables expand to the empty string so downstream validation fails
// fast instead of shipping a placeholder as a credential.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	return envVarPattern.ReplaceAllStringFunc(value, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// WriteDefault writes a commented starter config to path.
func WriteDefault(path string) error {
	cfg := DefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# Winnow configuration
# API keys use ${ENV_VAR} syntax to reference environment variables
# Set these in your shell: export GLM_API_KEY=xxx

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}
