package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/winnowml/winnow/internal/config"
	"github.com/winnowml/winnow/internal/home"
	"github.com/winnowml/winnow/internal/providers"
	"github.com/winnowml/winnow/version"
)

var (
	cfgFile  string
	homeDir  string
	logLevel string

	winnowHome *home.Dir
	cfgManager *config.Manager
	logger     *slog.Logger

	// registry is owned here so provider registration stays explicit:
	// nothing registers itself via package init side effects.
	registry = providers.NewDefaultRegistry()
)

var rootCmd = &cobra.Command{
	Use:   "winnow",
	Short: "Structured extraction from text using few-shot prompted models",
	Long: `Winnow runs structured extraction over plain text using few-shot
prompted language models.

A task file defines what to extract: a prompt description plus worked
examples. Winnow chunks the input, fans requests out to the model
provider, and aligns every extraction back to a character interval in
the source text.

Providers are selected by model id: glm-* ids route to the GLM
provider, gpt-* and o-series ids to the OpenAI-compatible provider.`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.winnow/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "winnow home directory (default: ~/.winnow)",
	)
	rootCmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "", "log level: debug, info, warn or error (default: from config)",
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		winnowHome = h

		// An explicit --config wins; otherwise fall back to the home
		// directory config when one exists.
		file := cfgFile
		if file == "" && h.ConfigExists() {
			file = h.ConfigPath()
		}
		mgr, err := config.NewManager(file)
		if err != nil {
			return err
		}
		cfgManager = mgr

		level := mgr.Get().Logging.Level
		if logLevel != "" {
			level = logLevel
		}
		lvl, err := parseLogLevel(level)
		if err != nil {
			return err
		}

		// Logs go to stderr so extract output on stdout stays parseable.
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: lvl,
		}))
		slog.SetDefault(logger)
		registry.SetLogger(logger)

		return nil
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(providersCmd)
	rootCmd.AddCommand(configCmd)
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
