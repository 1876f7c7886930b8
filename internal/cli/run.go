package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/harun/loanrenew/pkg/renewal"
)

var (
	runStrict bool
	runDryRun bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one renewal pass",
	Long: `Log in, list the open loans and renew them all if any is due.
Failures are logged with the stage they happened in. The exit status is 0
unless --strict is given, in which case it reflects the outcome:
3 login failed, 4 listing failed, 5 due dates unreadable, 6 renewal failed.`,
	Args: cobra.NoArgs,
	RunE: runRenewal,
}

func init() {
	runCmd.Flags().BoolVar(&runStrict, "strict", false, "exit non-zero when the run fails")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "decide but never submit the renewal")
	rootCmd.AddCommand(runCmd)
}

func runRenewal(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	lg, err := setupLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer lg.Close()

	shutdown := setupTracing(cfg)
	defer shutdown()

	deps := orchestratorDeps{dryRun: runDryRun}
	if history := openHistory(cfg); history != nil {
		defer history.Close()
		deps.history = history
	}

	orch, err := newOrchestrator(cfg, deps)
	if err != nil {
		return err
	}

	report := orch.Run(cmd.Context())
	printReport(cmd.OutOrStdout(), report)

	if runStrict && report.Outcome.Failed() {
		return &ExitError{
			Code: report.Outcome.ExitCode(),
			Err:  fmt.Errorf("renewal run %s: %s", report.Outcome, errString(report.Err)),
		}
	}
	return nil
}

// printReport writes a one-line summary of the run
func printReport(w io.Writer, r renewal.Report) {
	fmt.Fprintf(w, "Outcome: %s", r.Outcome)
	switch {
	case r.Outcome.Failed():
		fmt.Fprintf(w, " (stage %s)", r.Stage)
	case r.Outcome == renewal.OutcomeNothingToRenew:
	default:
		fmt.Fprintf(w, " (%d loans, %d due)", r.Loans, r.DueLoans)
	}
	fmt.Fprintln(w)
}

func errString(err error) string {
	if err == nil {
		return "no error detail"
	}
	return err.Error()
}
