// Command backfill-orchestrator runs backfills and manages their runs.
//
//	backfill-orchestrator serve                        hunt leases and run partitions
//	backfill-orchestrator create --backfill users ...  plan and store a new run
//	backfill-orchestrator start RUN_ID                 resume or begin a run
//	backfill-orchestrator pause RUN_ID                 pause a run
//	backfill-orchestrator status RUN_ID                show partitions and counters
//	backfill-orchestrator list                         list runs
//	backfill-orchestrator migrate                      print or apply the schema
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/getpup/backfill-orchestrator/config"
	"github.com/getpup/backfill-orchestrator/logging"
	"github.com/getpup/backfill-orchestrator/pkg/version"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
)

const programName = "backfill-orchestrator"

var (
	globalFlags = struct {
		debug bool
	}{}
	configFile string
)

func slogPrintf(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), "component", programName)
}

// setupLogging installs the default slog logger described by cfg.
func setupLogging(cfg *config.Config) *slog.Logger {
	level := cfg.Logging.Level
	if globalFlags.debug {
		level = "debug"
	}
	logger := slog.New(logging.NewHandler(os.Stderr, cfg.Logging.Format, level))
	slog.SetDefault(logger)
	return logger
}

func main() {
	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "Run and manage keyed datastore backfills",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().
		BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")
	rootCmd.PersistentFlags().
		StringVar(&configFile, "config", "", "path to config file")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		setupLogging(cfg)
		cmd.SetContext(config.WithContext(cmd.Context(), cfg))
		return nil
	}

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(createCommand())
	rootCmd.AddCommand(startCommand())
	rootCmd.AddCommand(pauseCommand())
	rootCmd.AddCommand(statusCommand())
	rootCmd.AddCommand(listCommand())
	rootCmd.AddCommand(migrateCommand())
	rootCmd.AddCommand(versionCommand())

	if err := rootCmd.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		// The version needs no config.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}

// mustConfig returns the config loaded by the root command.
func mustConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.FromContext(cmd.Context())
	if cfg == nil {
		return nil, fmt.Errorf("no config found in context")
	}
	return cfg, nil
}

// setMaxProcs sizes GOMAXPROCS to the container quota for long-running commands.
func setMaxProcs() error {
	if _, err := maxprocs.Set(maxprocs.Logger(slogPrintf)); err != nil {
		return fmt.Errorf("failed to set GOMAXPROCS: %w", err)
	}
	return nil
}
