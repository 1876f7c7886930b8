package renewal

import (
	"context"
	"time"

	"github.com/harun/loanrenew/pkg/library"
)

// StageDecide is the local eligibility check between listing and renewal.
const StageDecide library.Stage = "decide"

// LibraryClient is the session client the orchestrator drives
type LibraryClient interface {
	Authenticate(ctx context.Context, creds library.Credentials) (*library.Session, error)
	ListOpenLoans(ctx context.Context, s *library.Session) (*library.LoanBatch, error)
	SubmitRenewal(ctx context.Context, s *library.Session, batch *library.LoanBatch) (*library.RenewalOutcome, error)
}

// Outcome is the terminal state of a run
type Outcome string

const (
	OutcomeRenewed        Outcome = "renewed"
	OutcomeNothingToRenew Outcome = "nothing_to_renew"
	OutcomeNotDue         Outcome = "not_due"
	OutcomeDryRun         Outcome = "dry_run"
	OutcomeAuthFailed     Outcome = "auth_failed"
	OutcomeListFailed     Outcome = "list_failed"
	OutcomeDecisionFailed Outcome = "decision_failed"
	OutcomeRenewalFailed  Outcome = "renewal_failed"
	OutcomeAborted        Outcome = "aborted"
)

// Failed reports whether the run ended on an error.
func (o Outcome) Failed() bool {
	switch o {
	case OutcomeRenewed, OutcomeNothingToRenew, OutcomeNotDue, OutcomeDryRun:
		return false
	default:
		return true
	}
}

// ExitCode maps the outcome to a process exit status for schedulers that
// alert on failures.
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeRenewed, OutcomeNothingToRenew, OutcomeNotDue, OutcomeDryRun:
		return 0
	case OutcomeAuthFailed:
		return 3
	case OutcomeListFailed:
		return 4
	case OutcomeDecisionFailed:
		return 5
	case OutcomeRenewalFailed:
		return 6
	default:
		return 1
	}
}

// Report summarizes one run
type Report struct {
	RunID        string
	Outcome      Outcome
	Stage        library.Stage // stage that failed, empty on success
	Loans        int
	DueLoans     int
	Confirmation string
	Err          error
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Duration returns how long the run took.
func (r Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Recorder receives every finished run. ctx still carries the run span.
type Recorder interface {
	RecordRun(ctx context.Context, r Report)
}

// Recorders fans a report out to several recorders in order.
type Recorders []Recorder

// RecordRun implements Recorder
func (rs Recorders) RecordRun(ctx context.Context, r Report) {
	for _, rec := range rs {
		if rec != nil {
			rec.RecordRun(ctx, r)
		}
	}
}
