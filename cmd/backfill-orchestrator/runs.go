package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/getpup/backfill-orchestrator"
	"github.com/getpup/backfill-orchestrator/client/grpcclient"
	"github.com/getpup/backfill-orchestrator/config"
	"github.com/getpup/backfill-orchestrator/lifecycle"
	"github.com/getpup/backfill-orchestrator/logging"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// withManager opens the store and hands a lifecycle manager to fn.
// A client connection is opened only when dial is set.
func withManager(cmd *cobra.Command, dial bool, fn func(ctx context.Context, m *lifecycle.Manager) error) error {
	cfg, err := mustConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	st, db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	mc := lifecycle.Config{
		Store:  st,
		Logger: logging.New(slog.Default()),
	}
	if dial {
		cl, err := dialClient(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = cl.Close() }()
		mc.Client = cl
	}

	return fn(ctx, lifecycle.New(mc))
}

func dialClient(cfg *config.Config) (*grpcclient.Client, error) {
	return grpcclient.Dial(cfg.Client.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
}

func createCommand() *cobra.Command {
	var req lifecycle.CreateRequest

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Plan a new run with the client service and store it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(cmd, true, func(ctx context.Context, m *lifecycle.Manager) error {
				run, err := m.Create(ctx, req)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", run.ID, run.State)
				return nil
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&req.BackfillName, "backfill", "", "backfill name on the client service")
	flags.StringVar(&req.ServiceName, "service", "", "client service owning the backfill")
	flags.StringToStringVar(&req.Parameters, "param", nil, "backfill parameter as key=value (repeatable)")
	flags.Int64Var(&req.BatchSize, "batch-size", lifecycle.DefaultBatchSize, "matching records per batch")
	flags.Int64Var(&req.ScanSize, "scan-size", lifecycle.DefaultScanSize, "records scanned per compute call")
	flags.IntVar(&req.Threads, "threads", lifecycle.DefaultThreads, "concurrent batches per partition")
	flags.BoolVar(&req.DryRun, "dry-run", false, "ask the client service not to mutate data")
	flags.StringVar(&req.BackoffSchedule, "backoff-schedule", "", "comma separated failure delays in milliseconds")
	flags.Int64Var(&req.ExtraSleepMs, "extra-sleep", 0, "delay in milliseconds after every batch")
	flags.BoolVar(&req.Start, "start", false, "create the run RUNNING instead of PAUSED")
	_ = cmd.MarkFlagRequired("backfill")

	return cmd
}

func startCommand() *cobra.Command {
	return stateCommand("start", "Start or resume a run", (*lifecycle.Manager).Start)
}

func pauseCommand() *cobra.Command {
	return stateCommand("pause", "Pause a run", (*lifecycle.Manager).Pause)
}

func stateCommand(use, short string, transition func(*lifecycle.Manager, context.Context, string) (backfill.BackfillRun, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " RUN_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, false, func(ctx context.Context, m *lifecycle.Manager) error {
				run, err := transition(m, ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", run.ID, run.State)
				return nil
			})
		},
	}
}

func statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status RUN_ID",
		Short: "Show the partitions and counters of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, false, func(ctx context.Context, m *lifecycle.Manager) error {
				status, err := m.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return printStatus(cmd.OutOrStdout(), status)
			})
		},
	}
}

func listCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(cmd, false, func(ctx context.Context, m *lifecycle.Manager) error {
				runs, err := m.List(ctx)
				if err != nil {
					return err
				}
				return printRuns(cmd.OutOrStdout(), runs)
			})
		},
	}
}

func printStatus(out io.Writer, status lifecycle.Status) error {
	run := status.Run
	scanned, matching, computedScanned, computedMatching := status.Totals()

	fmt.Fprintf(out, "Run:        %s\n", run.ID)
	fmt.Fprintf(out, "Backfill:   %s/%s\n", run.ServiceName, run.BackfillName)
	fmt.Fprintf(out, "State:      %s\n", run.State)
	fmt.Fprintf(out, "Dry run:    %t\n", run.DryRun)
	fmt.Fprintf(out, "Partitions: %d/%d complete\n", status.CompletedPartitions(), len(status.Partitions))
	fmt.Fprintf(out, "Matching:   %d of %d computed\n", matching, computedMatching)
	fmt.Fprintf(out, "Scanned:    %d of %d computed\n\n", scanned, computedScanned)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PARTITION\tSTATE\tCURSOR\tSCANNED\tMATCHING\tMATCHING/MIN\tLEASE EXPIRES")
	for _, p := range status.Partitions {
		lease := "-"
		if !p.LeaseExpiresAt.IsZero() {
			lease = p.LeaseExpiresAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%q\t%d\t%d\t%d\t%s\n",
			p.PartitionName, p.RunState, p.PkeyCursor,
			p.BackfilledScannedRecordCount, p.BackfilledMatchingRecordCount,
			p.MatchingRecordsPerMinute, lease)
	}
	return w.Flush()
}

func printRuns(out io.Writer, runs []backfill.BackfillRun) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSERVICE\tBACKFILL\tSTATE\tDRY RUN\tCREATED")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
			run.ID, run.ServiceName, run.BackfillName, run.State, run.DryRun,
			run.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}
