package config

import (
	"github.com/spf13/cobra"

	"github.com/marmos91/coyote/internal/cli/output"
	"github.com/marmos91/coyote/pkg/config"
)

var showOutput string

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display current configuration",
	Long: `Display the current Coyote configuration with defaults applied.

By default outputs YAML format. Use --output to change format.

Examples:
  # Show default config as YAML
  coyote config show

  # Show as JSON
  coyote config show --output json

  # Show specific config file
  coyote config show --config /etc/coyote/config.yaml`,
	RunE: runConfigShow,
}

func init() {
	showCmd.Flags().StringVarP(&showOutput, "output", "o", "yaml", "Output format (yaml|json)")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	format, err := output.ParseFormat(showOutput)
	if err != nil {
		return err
	}

	if format == output.FormatJSON {
		return output.PrintJSON(cmd.OutOrStdout(), cfg)
	}
	return output.PrintYAML(cmd.OutOrStdout(), cfg)
}
