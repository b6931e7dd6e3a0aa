// Package commands implements the coyote CLI.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/marmos91/coyote/cmd/coyote/commands/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "coyote",
	Short: "Coyote - TCP connector with async request handling",
	Long: `Coyote is a TCP connector that binds pooled protocol processors to
sockets, suspends requests into async mode, resumes them from worker
goroutines and upgrades connections to other protocols in place.

A small HTTP API exposes health, status and metrics, optionally behind
Digest authentication.

Use "coyote [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. It is called once by main.main().
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/coyote/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(config.Cmd)
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}
