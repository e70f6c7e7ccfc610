package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/winnowml/winnow/internal/config"
)

var configInitForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage winnow configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default config file to the home directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := winnowHome.EnsureExists(); err != nil {
			return err
		}

		path := winnowHome.ConfigPath()
		if winnowHome.ConfigExists() && !configInitForce {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}

		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after merging defaults, the config file and
WINNOW_* environment overrides. Literal API keys are redacted;
${ENV_VAR} references are shown as written.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := *cfgManager.Get()
		cfg.Provider.APIKey = redactSecret(cfg.Provider.APIKey)

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

// redactSecret hides literal credentials. ${ENV_VAR} references are not
// secrets and stay visible so users can see which variable is consulted.
func redactSecret(s string) string {
	if s == "" || strings.Contains(s, "${") {
		return s
	}
	return "(redacted)"
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing config file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}
