package main

import (
	"fmt"
	"log/slog"

	"github.com/getpup/backfill-orchestrator/pkg/migrations"
	"github.com/spf13/cobra"
)

func migrateCommand() *cobra.Command {
	var (
		apply    bool
		output   string
		filename string
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Print, write or apply the run state schema",
		Long: `Renders the schema for the configured database driver and table prefix.
By default the SQL is printed. --output writes it to a migration file instead,
and --apply runs it against the configured database.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := mustConfig(cmd)
			if err != nil {
				return err
			}
			dialect, err := migrations.ParseDialect(cfg.Database.Driver)
			if err != nil {
				return err
			}

			if apply {
				st, db, err := openStore(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				defer func() { _ = db.Close() }()
				if err := st.Migrate(cmd.Context()); err != nil {
					return err
				}
				slog.Info("schema migrated", "component", programName, "dialect", dialect)
				return nil
			}

			if output != "" {
				mc := migrations.DefaultConfig()
				mc.OutputFolder = output
				mc.Tables = cfg.Tables()
				if filename != "" {
					mc.OutputFilename = filename
				}
				if err := migrations.Generate(dialect, &mc); err != nil {
					return fmt.Errorf("failed to generate migration: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Generated %s migration: %s/%s\n", dialect, mc.OutputFolder, mc.OutputFilename)
				return nil
			}

			sql, err := migrations.SQL(dialect, cfg.Tables())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), sql)
			return nil
		},
	}

	cmd.Flags().BoolVar(&apply, "apply", false, "apply the schema to the configured database")
	cmd.Flags().StringVar(&output, "output", "", "write a migration file into this folder")
	cmd.Flags().StringVar(&filename, "filename", "", "migration file name (default: timestamp-based)")
	return cmd
}
