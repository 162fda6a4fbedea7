package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"capsule/internal/api"
	"capsule/internal/daemonctl"
	"capsule/internal/daemonrun"
	"capsule/internal/store"
)

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	var logLevel string
	var development bool

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the capsule daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				LogLevel:    logLevel,
				Development: development,
			})
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level")
	cmd.Flags().BoolVar(&development, "dev", false, "Include source locations in log output")

	cmd.AddCommand(newDaemonStopCommand(ctx))
	return cmd
}

func newDaemonStopCommand(ctx *commandContext) *cobra.Command {
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			result, err := daemonctl.Stop(daemonrun.PIDPath(cfg), grace)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(out, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.ForcedKill {
				fmt.Fprintf(out, "Daemon (pid %d) did not exit within %s and was killed\n", result.PID, grace)
				return nil
			}
			fmt.Fprintf(out, "Daemon (pid %d) stopped\n", result.PID)
			return nil
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", 10*time.Second, "How long to wait before force killing")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status and record counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			reqCtx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			client := daemonctl.NewClient(cfg)
			status, statusErr := client.Status(reqCtx)
			if statusErr != nil && !errors.Is(statusErr, daemonctl.ErrDaemonNotRunning) {
				return statusErr
			}
			running := statusErr == nil

			var counts store.HealthSummary
			if err := ctx.withStore(func(st *store.Store) error {
				summary, err := st.Health(reqCtx)
				counts = summary
				return err
			}); err != nil {
				return fmt.Errorf("read record counts: %w", err)
			}

			if asJSON {
				var daemonStatus *api.DaemonStatus
				if running {
					daemonStatus = &status
				}
				return writeJSON(cmd, struct {
					Running bool                `json:"running"`
					Daemon  *api.DaemonStatus   `json:"daemon,omitempty"`
					Records store.HealthSummary `json:"records"`
				}{Running: running, Daemon: daemonStatus, Records: counts})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Daemon:     %s\n", runningLabel(running))
			if running {
				fmt.Fprintf(out, "PID:        %d\n", status.PID)
				fmt.Fprintf(out, "Transport:  %s\n", status.Transport)
				fmt.Fprintf(out, "Workers:    %d (processed %d, reclaimed %d)\n",
					status.Workflow.Workers, status.Workflow.Processed, status.Workflow.Reclaimed)
				if status.Workflow.LastError != "" {
					fmt.Fprintf(out, "Last error: %s\n", status.Workflow.LastError)
				}
			}
			rows := [][]string{
				{"queued", fmt.Sprint(counts.Queued)},
				{"processing", fmt.Sprint(counts.Processing)},
				{"processed", fmt.Sprint(counts.Processed)},
				{"failed", fmt.Sprint(counts.Failed)},
				{"total", fmt.Sprint(counts.Total)},
			}
			fmt.Fprintln(out, renderTable(out, []string{"Records", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func runningLabel(running bool) string {
	if running {
		return "running"
	}
	return "not running"
}
