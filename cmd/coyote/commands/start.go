package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/marmos91/coyote/internal/logger"
	"github.com/marmos91/coyote/internal/telemetry"
	"github.com/marmos91/coyote/pkg/config"
	"github.com/marmos91/coyote/pkg/metrics"
	"github.com/marmos91/coyote/pkg/server"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Coyote server",
	Long: `Start the Coyote server in the foreground with the specified configuration.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/coyote/config.yaml.

Examples:
  # Start with the default config
  coyote start

  # Start with custom config file
  coyote start --config /etc/coyote/config.yaml

  # Start with environment variable overrides
  COYOTE_LOGGING_LEVEL=DEBUG COYOTE_CONNECTOR_PORT=7171 coyote start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	undoMaxprocs, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Debug(fmt.Sprintf(format, args...))
	}))
	if err != nil {
		logger.Warn("Failed to set GOMAXPROCS", logger.KeyError, err)
	}
	defer undoMaxprocs()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "coyote",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		// ctx is already cancelled once a signal arrived.
		if err := telemetryShutdown(context.Background()); err != nil {
			logger.Error("telemetry shutdown error", logger.KeyError, err)
		}
	}()

	profilingShutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "coyote",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", logger.KeyError, err)
		}
	}()

	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Coyote - TCP connector with async request handling")
	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))
	if telemetry.IsEnabled() {
		logger.Info("Telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	} else {
		logger.Info("Telemetry disabled")
	}
	if telemetry.IsProfilingEnabled() {
		logger.Info("Profiling enabled", "endpoint", cfg.Telemetry.Profiling.Endpoint, "profile_types", cfg.Telemetry.Profiling.ProfileTypes)
	} else {
		logger.Info("Profiling disabled")
	}

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		if cfg.API.Enabled {
			logger.Info("Metrics enabled", "port", cfg.API.Port, "path", "/metrics")
		} else {
			logger.Warn("Metrics enabled but the API server is disabled; nothing will serve /metrics")
		}
	} else {
		logger.Info("Metrics collection disabled")
	}

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	logger.Info("Server is running. Press Ctrl+C to stop.")
	if err := srv.Serve(ctx); err != nil {
		logger.Error("Server error", logger.KeyError, err)
		return err
	}
	logger.Info("Server stopped gracefully")
	return nil
}
