package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/loanrenew/internal/observability"
	"github.com/harun/loanrenew/pkg/cron"
)

var statusLast int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scheduler state and recent runs",
	Long: `Show whether a scheduler is running, when the configured schedule fires
next, and the most recent renewal runs from the run history.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusLast, "last", 5, "number of recent runs to show")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	now := time.Now()

	pidFile := getPIDFilePath(cfg)
	if pid, err := readPID(pidFile); err == nil && isRunning(pidFile) {
		fmt.Fprintf(out, "Scheduler: running (PID %d)\n", pid)
	} else {
		fmt.Fprintln(out, "Scheduler: stopped")
	}

	schedule := cron.Schedule{Expr: cfg.Schedule.Expr, TZ: cfg.Schedule.TZ}
	if next, err := cron.CalculateNextRun(schedule, now); err == nil {
		fmt.Fprintf(out, "Schedule: %s (next %s, in %s)\n",
			schedule.Expr, next.Format(time.RFC3339), formatDuration(next.Sub(now)))
	}

	events, err := observability.ReadHistory(historyPath(cfg), statusLast)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(out, "No runs recorded yet")
		return nil
	}

	fmt.Fprintln(out, "Recent runs:")
	for i := len(events) - 1; i >= 0; i-- {
		evt := events[i]
		fmt.Fprintf(out, "  %s  %-16s loans=%d due=%d took=%s",
			evt.Timestamp.Local().Format(time.RFC3339), evt.Outcome, evt.Loans, evt.DueLoans, formatDuration(evt.Duration))
		if evt.Stage != "" {
			fmt.Fprintf(out, "  stage=%s", evt.Stage)
		}
		if evt.Error != "" {
			fmt.Fprintf(out, "  error=%q", evt.Error)
		}
		fmt.Fprintln(out)
	}

	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
