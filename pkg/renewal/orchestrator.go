package renewal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/harun/loanrenew/internal/tracing"
	"github.com/harun/loanrenew/pkg/library"
)

const tracerName = "loanrenew/renewal"

// Options configures an Orchestrator
type Options struct {
	Credentials library.Credentials
	Location    *time.Location   // zone of the backend's due dates, default time.Local
	DryRun      bool             // decide but never submit the renewal
	Now         func() time.Time // default time.Now
	Logger      *zerolog.Logger  // default global logger
	Recorder    Recorder
}

// Orchestrator runs authenticate, list, decide and renew once per Run.
type Orchestrator struct {
	client   LibraryClient
	creds    library.Credentials
	loc      *time.Location
	dryRun   bool
	now      func() time.Time
	logger   zerolog.Logger
	recorder Recorder
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(client LibraryClient, opts Options) *Orchestrator {
	o := &Orchestrator{
		client:   client,
		creds:    opts.Credentials,
		loc:      opts.Location,
		dryRun:   opts.DryRun,
		now:      opts.Now,
		logger:   log.Logger,
		recorder: opts.Recorder,
	}
	if o.loc == nil {
		o.loc = time.Local
	}
	if o.now == nil {
		o.now = time.Now
	}
	if opts.Logger != nil {
		o.logger = *opts.Logger
	}
	return o
}

// Run performs one renewal run. It never returns an error: every failure is
// logged with its stage and reported in the Report.
func (o *Orchestrator) Run(ctx context.Context) (report Report) {
	runID := tracing.NewRunID()
	ctx = tracing.WithRunID(ctx, runID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "renewal.run", attribute.String("run_id", runID))

	report = Report{RunID: runID, StartedAt: o.now()}
	logger := tracing.LoggerFromContext(ctx, o.logger)

	defer func() {
		if r := recover(); r != nil {
			report.Outcome = OutcomeAborted
			report.Err = fmt.Errorf("panic: %v", r)
			logger.Error().Err(report.Err).Str("stage", string(report.Stage)).Msg("Renewal run aborted")
		}
		report.FinishedAt = o.now()

		span.SetAttributes(
			attribute.String("outcome", string(report.Outcome)),
			attribute.Int("loans", report.Loans),
			attribute.Int("due_loans", report.DueLoans),
		)
		if report.Outcome.Failed() {
			span.SetStatus(codes.Error, errString(report.Err))
		}
		if o.recorder != nil {
			o.recorder.RecordRun(ctx, report)
		}
		span.End()

		logger.Info().
			Str("outcome", string(report.Outcome)).
			Dur("duration", report.Duration()).
			Msg("Renewal run finished")
	}()

	logger.Info().Msg("Starting renewal run")

	// authenticate
	report.Stage = library.StageAuthenticate
	sess, err := o.authenticate(ctx)
	if err != nil {
		o.fail(ctx, &report, OutcomeAuthFailed, err)
		return report
	}

	// list
	report.Stage = library.StageList
	batch, err := o.list(ctx, sess)
	if err != nil {
		o.fail(ctx, &report, OutcomeListFailed, err)
		return report
	}
	report.Loans = len(batch.Records)

	if batch.Empty() {
		report.Stage = ""
		report.Outcome = OutcomeNothingToRenew
		logger.Info().Int("total", batch.Total).Msg("no loans to renew")
		return report
	}

	// decide
	report.Stage = StageDecide
	due, err := DueForRenewal(batch.Records, o.now(), o.loc)
	if err != nil {
		o.fail(ctx, &report, OutcomeDecisionFailed, err)
		return report
	}
	report.DueLoans = due

	if due == 0 {
		report.Stage = ""
		report.Outcome = OutcomeNotDue
		logger.Info().Int("loans", report.Loans).Msg("not yet due, skipping")
		return report
	}

	logger.Info().
		Int("loans", report.Loans).
		Int("due", due).
		Msg("Loans due, renewing the whole batch")

	if o.dryRun {
		report.Stage = ""
		report.Outcome = OutcomeDryRun
		logger.Warn().Msg("Dry run: renewal not submitted")
		return report
	}

	// renew
	report.Stage = library.StageRenew
	outcome, err := o.renew(ctx, sess, batch)
	if err != nil {
		o.fail(ctx, &report, OutcomeRenewalFailed, err)
		return report
	}

	report.Stage = ""
	report.Outcome = OutcomeRenewed
	report.Confirmation = outcome.Text
	logger.Info().
		Int("status", outcome.StatusCode).
		Str("confirmation", outcome.Text).
		Msg("Renewal submitted")

	return report
}

func (o *Orchestrator) authenticate(ctx context.Context) (*library.Session, error) {
	ctx, span := o.startStage(ctx, library.StageAuthenticate)
	defer span.End()

	sess, err := o.client.Authenticate(ctx, o.creds)
	recordSpanError(span, err)
	return sess, err
}

func (o *Orchestrator) list(ctx context.Context, sess *library.Session) (*library.LoanBatch, error) {
	ctx, span := o.startStage(ctx, library.StageList)
	defer span.End()

	batch, err := o.client.ListOpenLoans(ctx, sess)
	if err == nil && batch == nil {
		err = errors.New("listing returned no batch")
	}
	recordSpanError(span, err)
	return batch, err
}

func (o *Orchestrator) renew(ctx context.Context, sess *library.Session, batch *library.LoanBatch) (*library.RenewalOutcome, error) {
	ctx, span := o.startStage(ctx, library.StageRenew)
	defer span.End()

	out, err := o.client.SubmitRenewal(ctx, sess, batch)
	if err == nil && out == nil {
		err = errors.New("renewal returned no outcome")
	}
	recordSpanError(span, err)
	return out, err
}

func (o *Orchestrator) startStage(ctx context.Context, stage library.Stage) (context.Context, trace.Span) {
	ctx = tracing.WithStage(ctx, string(stage))
	return tracing.StartSpan(ctx, tracerName, "renewal."+string(stage))
}

// fail logs err under the failing stage and sets the terminal outcome.
func (o *Orchestrator) fail(ctx context.Context, report *Report, outcome Outcome, err error) {
	report.Outcome = outcome
	report.Err = err

	logger := tracing.LoggerFromContext(tracing.WithStage(ctx, string(report.Stage)), o.logger)
	event := logger.Error().Err(err)

	var (
		pe *library.ProtocolError
		te *library.TransportError
	)
	switch {
	case errors.As(err, &pe):
		event.Int("status", pe.StatusCode).Msgf("HTTP error during %s", report.Stage)
	case errors.As(err, &te):
		event.Msgf("Request error during %s", report.Stage)
	default:
		event.Msgf("Error during %s", report.Stage)
	}
}

func recordSpanError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
