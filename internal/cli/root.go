package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/zoneq/internal/config"
	"github.com/me/zoneq/internal/logging"
	"github.com/me/zoneq/internal/observability"
)

var (
	flagConfig    string
	flagDB        string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string
	flagTrace     string

	logger        *slog.Logger
	queueConfig   config.QueueConfig
	traceShutdown func(context.Context) error
)

// defaultDB returns the snapshot database path, checking ZONEQ_DB first.
func defaultDB() string {
	if s := os.Getenv("ZONEQ_DB"); s != "" {
		return s
	}
	return "zoneq.db"
}

// NewRootCmd creates the root cobra command for the zoneq CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "zoneq",
		Short: "zoneq schedules document zones onto extraction tools",
		Long: "zoneq runs the zone processing queue against simulated or local " +
			"extraction tools and keeps snapshots of finished runs.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultQueueConfig()
			if flagConfig != "" {
				loaded, err := config.LoadFile(flagConfig)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			cfg.Normalize()
			queueConfig = cfg

			level := flagLogLevel
			if !cmd.Flags().Changed("log-level") && cfg.LogLevel != "" {
				level = cfg.LogLevel
			}
			format := flagLogFormat
			if !cmd.Flags().Changed("log-format") && cfg.LogFormat != "" {
				format = cfg.LogFormat
			}
			if flagDebug {
				level = "debug"
			}
			logger = logging.NewLoggerWithWriter(logging.ParseLevel(level), format, cmd.ErrOrStderr())

			shutdown, err := observability.InitTracing(flagTrace, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			traceShutdown = shutdown
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if traceShutdown == nil {
				return nil
			}
			if err := traceShutdown(context.Background()); err != nil {
				return fmt.Errorf("flush traces: %w", err)
			}
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "", "Queue configuration file (YAML)")
	root.PersistentFlags().StringVar(&flagDB, "db", defaultDB(), "Snapshot database path (or ZONEQ_DB env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")
	root.PersistentFlags().StringVar(&flagTrace, "trace", "none", "Trace exporter (none, stdout)")

	root.AddCommand(
		newSimulateCmd(),
		newConfigCmd(),
		newSnapshotsCmd(),
		newServeCmd(),
	)

	return root
}
