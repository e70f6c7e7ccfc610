package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/winnowml/winnow/internal/annotate"
	"github.com/winnowml/winnow/internal/config"
	"github.com/winnowml/winnow/internal/extraction"
	"github.com/winnowml/winnow/internal/prompts"
	"github.com/winnowml/winnow/internal/providers"
	"github.com/winnowml/winnow/internal/schema"
)

var (
	extractTask       string
	extractModel      string
	extractAPIKey     string
	extractBaseURL    string
	extractOutput     string
	extractWorkers    int
	extractPasses     int
	extractCharBuffer int
	extractNoSchema   bool
	extractTLSVerify  string
)

var extractCmd = &cobra.Command{
	Use:   "extract [file]",
	Short: "Run structured extraction over a text document",
	Long: `Extract reads a text document, prompts the configured model provider
chunk by chunk, and writes the annotated document as JSON.

The task file (--task) defines the extraction: a prompt description and
few-shot examples. Each extraction in the output carries the class and
text the model produced, plus the character interval where the text was
found in the source document.

Input is read from the file argument, or from stdin when the argument
is "-" or omitted.

Examples:
  winnow extract --task meds.yaml notes.txt
  cat notes.txt | winnow extract --task meds.yaml
  winnow extract --task meds.yaml --model glm-4.5-air --passes 2 notes.txt
  winnow extract --task meds.yaml --output result.json notes.txt`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		task, err := extraction.LoadTask(extractTask)
		if err != nil {
			return err
		}

		text, err := readInput(args)
		if err != nil {
			return err
		}

		cfg := cfgManager.Get()
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		pcfg := providerConfig(cmd, cfg)
		desc, factory, err := registry.ResolveDescriptor(pcfg.ModelID)
		if err != nil {
			return fmt.Errorf("model %q: %w (run 'winnow providers' to list registered patterns)", pcfg.ModelID, err)
		}
		logger.Debug("resolved provider", "model", pcfg.ModelID, "provider", desc.Name, "pattern", desc.Pattern)
		provider, err := factory(pcfg)
		if err != nil {
			return err
		}
		defer provider.Close()

		if !extractNoSchema {
			provider.ApplySchema(schema.FromExamples(task.Examples))
		}

		tpl := &prompts.Template{
			Description: task.Description,
			Examples:    task.Examples,
		}
		annotator, err := annotate.New(provider, tpl, annotateOptions(cmd, cfg))
		if err != nil {
			return err
		}

		annotated, err := annotator.Annotate(ctx, extraction.NewDocument(text))
		if err != nil {
			return err
		}

		return writeOutput(annotated, extractOutput)
	},
}

// providerConfig builds the provider configuration from the config file with
// flag overrides applied on top.
func providerConfig(cmd *cobra.Command, cfg *config.Config) providers.Config {
	pcfg := cfg.Provider.ToProviderConfig()
	if extractModel != "" {
		pcfg.ModelID = extractModel
	}
	if extractAPIKey != "" {
		pcfg.APIKey = extractAPIKey
	}
	if extractBaseURL != "" {
		pcfg.BaseURL = extractBaseURL
	}
	if cmd.Flags().Changed("tls-verify") {
		pcfg.TLS = providers.ParseTLSSetting(extractTLSVerify)
	}
	pcfg.Logger = logger
	return pcfg
}

func annotateOptions(cmd *cobra.Command, cfg *config.Config) annotate.Options {
	opts := annotate.Options{
		MaxCharBuffer:     cfg.Extract.MaxCharBuffer,
		MaxWorkers:        cfg.Extract.MaxWorkers,
		Passes:            cfg.Extract.Passes,
		MaxRetries:        cfg.Extract.MaxRetries,
		RetryDelay:        time.Duration(cfg.Extract.RetryDelaySeconds) * time.Second,
		RequestsPerSecond: cfg.Extract.RequestsPerSecond,
		// --no-schema turns off every constraint derived from the task
		// examples, output validation included.
		Validate: cfg.Extract.ValidateOutput && !extractNoSchema,
		Logger:   logger,
	}
	if cmd.Flags().Changed("workers") {
		opts.MaxWorkers = extractWorkers
	}
	if cmd.Flags().Changed("passes") {
		opts.Passes = extractPasses
	}
	if cmd.Flags().Changed("char-buffer") {
		opts.MaxCharBuffer = extractCharBuffer
	}
	return opts
}

func readInput(args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("failed to read input file: %w", err)
	}
	return string(data), nil
}

func writeOutput(doc *extraction.AnnotatedDocument, path string) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	data = append(data, '\n')

	if path == "" || path == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	logger.Info("wrote extraction output", "path", path, "extractions", len(doc.Extractions))
	return nil
}

func init() {
	extractCmd.Flags().StringVar(&extractTask, "task", "", "task file with prompt description and examples (required)")
	extractCmd.Flags().StringVar(&extractModel, "model", "", "model id (overrides config)")
	extractCmd.Flags().StringVar(&extractAPIKey, "api-key", "", "provider API key (overrides config)")
	extractCmd.Flags().StringVar(&extractBaseURL, "base-url", "", "provider base URL (overrides config)")
	extractCmd.Flags().StringVarP(&extractOutput, "output", "o", "", "output file (default: stdout)")
	extractCmd.Flags().IntVar(&extractWorkers, "workers", 0, "concurrent requests (overrides config)")
	extractCmd.Flags().IntVar(&extractPasses, "passes", 0, "extraction passes over the document (overrides config)")
	extractCmd.Flags().IntVar(&extractCharBuffer, "char-buffer", 0, "max chunk size in bytes (overrides config)")
	extractCmd.Flags().BoolVar(&extractNoSchema, "no-schema", false, "do not derive output constraints from the task examples")
	extractCmd.Flags().StringVar(&extractTLSVerify, "tls-verify", "", `TLS verification: "true", "false" or a CA bundle path (overrides config)`)

	if err := extractCmd.MarkFlagRequired("task"); err != nil {
		panic(err)
	}
}
