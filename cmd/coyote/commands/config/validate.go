package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/coyote/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the Coyote configuration file.

Checks for syntax errors, missing required fields, and invalid values.

Examples:
  # Validate default config
  coyote config validate

  # Validate specific config file
  coyote config validate --config /etc/coyote/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	displayPath := configPath
	if displayPath == "" {
		displayPath = config.GetDefaultConfigPath()
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Configuration file: %s\n", displayPath)
	_, _ = fmt.Fprintln(out, "Validation: OK")

	if warnings := Warnings(cfg); len(warnings) > 0 {
		_, _ = fmt.Fprintln(out, "\nWarnings:")
		for _, w := range warnings {
			_, _ = fmt.Fprintf(out, "  - %s\n", w)
		}
	}

	_, _ = fmt.Fprintf(out, "\nConfiguration summary:\n")
	_, _ = fmt.Fprintf(out, "  Protocol:        %s\n", cfg.Connector.Protocol)
	_, _ = fmt.Fprintf(out, "  Connector port:  %d\n", cfg.Connector.Port)
	_, _ = fmt.Fprintf(out, "  API enabled:     %t\n", cfg.API.Enabled)
	_, _ = fmt.Fprintf(out, "  API port:        %d\n", cfg.API.Port)
	_, _ = fmt.Fprintf(out, "  Digest users:    %d\n", len(cfg.Digest.Users))
	_, _ = fmt.Fprintf(out, "  Log level:       %s\n", cfg.Logging.Level)

	return nil
}

// Warnings lists settings that are valid but probably not intended.
func Warnings(cfg *config.Config) []string {
	var warnings []string

	if cfg.API.Enabled && cfg.API.RequireAuth && cfg.Digest.Key == "" {
		warnings = append(warnings, "Digest key not configured - nonces will not survive a restart")
	}
	if cfg.Metrics.Enabled && !cfg.API.Enabled {
		warnings = append(warnings, "Metrics enabled but the API server is disabled - /metrics will not be served")
	}
	if cfg.Connector.AsyncTimeout < cfg.Connector.TimeoutScanInterval {
		warnings = append(warnings, "Async timeout is shorter than the timeout scan interval - timeouts fire late")
	}

	return warnings
}
