package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"fetchsched/internal/app"
	"fetchsched/internal/queue"
)

// withApp wires an app for a one-shot command and closes it afterwards.
func withApp(cmd *cobra.Command, cfgPath string, fn func(ctx context.Context, a *app.App) error) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func parseFetchID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid fetch id %q", s)
	}
	return id, nil
}

func serveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the worker pool until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := app.New(ctx, *cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			reason := app.StopAppStop
			select {
			case sig := <-sigCh:
				reason = app.StopSIGINT
				if sig == syscall.SIGTERM {
					reason = app.StopSIGTERM
				}
			case <-a.Done():
				reason = app.StopFatalError
			}
			fatal := a.Err()

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer stopCancel()
			_ = a.Stop(stopCtx, reason)
			if reason == app.StopFatalError && fatal != nil && !errors.Is(fatal, context.Canceled) {
				return fatal
			}
			return nil
		},
	}
}

func enqueueCmd(cfgPath *string) *cobra.Command {
	var (
		at string
		in time.Duration
	)
	cmd := &cobra.Command{
		Use:   "enqueue <fetch-id>",
		Short: "Queue one execution of a fetch definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseFetchID(args[0])
			if err != nil {
				return err
			}
			runAt := time.Now().Add(in)
			if at != "" {
				if runAt, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("--at: %w", err)
				}
			}
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				jobID, err := a.Enqueue(ctx, id, runAt)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "queued %s for fetch %d at %s\n", jobID, id, runAt.Format(time.RFC3339))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "run time (RFC3339); overrides --in")
	cmd.Flags().DurationVar(&in, "in", 0, "delay from now")
	return cmd
}

func runCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run <fetch-id>",
		Short: "Execute a fetch definition now, outside the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseFetchID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				res, err := a.RunOnce(ctx, id)
				if err != nil {
					return err
				}
				if res.Skipped {
					fmt.Fprintf(cmd.OutOrStdout(), "fetch %d is inactive; nothing sent\n", id)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "fetch %d: status %d, record %d\n", id, res.StatusCode, res.RecordID)
				return nil
			})
		},
	}
}

func jobsCmd(cfgPath *string) *cobra.Command {
	var (
		status  string
		fetchID int64
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List queued jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st := queue.Status(status)
			if status != "" && !st.Valid() {
				return fmt.Errorf("--status: unknown status %q", status)
			}
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				jobs, err := a.Jobs(ctx, queue.Filter{Status: st, FetchID: fetchID, Limit: limit})
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no jobs")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tFETCH\tSTATUS\tATTEMPTS\tRUN AT\tLAST ERROR")
				for _, j := range jobs {
					fmt.Fprintf(w, "%s\t%d\t%s\t%d/%d\t%s\t%s\n",
						j.ID, j.FetchID, j.Status, j.Attempts, j.MaxAttempts, j.RunAt.Format(time.RFC3339), j.LastError)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending, leased, done or dead")
	cmd.Flags().Int64Var(&fetchID, "fetch", 0, "only jobs of this fetch definition")
	cmd.Flags().IntVar(&limit, "limit", queue.DefaultListLimit, "max rows")
	return cmd
}

func requeueCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <job-id>",
		Short: "Move a dead job back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				if err := a.Requeue(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %s moved from dead to pending\n", args[0])
				return nil
			})
		},
	}
}

func historyCmd(cfgPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [fetch-id]",
		Short: "Show archived execution records, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id int64
			if len(args) == 1 {
				var err error
				if id, err = parseFetchID(args[0]); err != nil {
					return err
				}
			}
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				recs, err := a.History(ctx, id, limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tSTATUS\tCREATED")
				for _, r := range recs {
					fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", r.ID, r.Name, r.StatusCode, r.CreatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max rows")
	return cmd
}

func seedCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Upsert schedules, header sets and definitions from a seed file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				if err := a.Seed(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "seeded %s\n", args[0])
				return nil
			})
		},
	}
}
