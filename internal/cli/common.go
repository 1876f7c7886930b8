package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/harun/loanrenew/internal/config"
	"github.com/harun/loanrenew/internal/logger"
	"github.com/harun/loanrenew/internal/metrics"
	"github.com/harun/loanrenew/internal/observability"
	"github.com/harun/loanrenew/internal/tracing"
	"github.com/harun/loanrenew/pkg/hooks"
	"github.com/harun/loanrenew/pkg/library"
	"github.com/harun/loanrenew/pkg/renewal"
)

// ExitCodeConfig is returned when the configuration cannot be loaded or is invalid
const ExitCodeConfig = 2

// ExitError carries a process exit status up to main
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode returns the exit status for err: 0 for nil, the carried code for
// an ExitError, 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

// loadConfig loads and validates the configuration. --log-level wins over the
// file only when given explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return nil, &ExitError{Code: ExitCodeConfig, Err: fmt.Errorf("failed to load config: %w", err)}
	}

	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		cfg.Logging.Level = logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, &ExitError{Code: ExitCodeConfig, Err: err}
	}

	return cfg, nil
}

// setupLogger installs the global logger. Console output goes to the
// command's stderr so reports on stdout stay clean.
func setupLogger(cmd *cobra.Command, cfg *config.Config) (*logger.Logger, error) {
	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
		Output:    cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return lg, nil
}

// setupTracing installs the tracer provider when enabled and returns its shutdown.
func setupTracing(cfg *config.Config) func() {
	if !cfg.Tracing.Enabled {
		return func() {}
	}
	err := tracing.Init(tracing.Settings{
		Service:     "loanrenew",
		Version:     GetVersion(),
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
		return func() {}
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to shut down tracing")
		}
	}
}

// historyPath is the run history file inside the data directory
func historyPath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, observability.HistoryFile)
}

// openHistory opens the run history. Failure only costs the history, so it
// is logged and the run goes on.
func openHistory(cfg *config.Config) *observability.AuditLogger {
	audit, err := observability.OpenAuditLogger(historyPath(cfg))
	if err != nil {
		log.Warn().Err(err).Msg("Run history disabled")
		return nil
	}
	return audit
}

type orchestratorDeps struct {
	metrics *metrics.Metrics
	history *observability.AuditLogger
	dryRun  bool
}

// newOrchestrator wires the library client and recorders from cfg
func newOrchestrator(cfg *config.Config, deps orchestratorDeps) (*renewal.Orchestrator, error) {
	var opts []library.Option
	var recorders renewal.Recorders
	if deps.metrics != nil {
		opts = append(opts, library.WithObserver(deps.metrics))
		recorders = append(recorders, deps.metrics)
	}
	if deps.history != nil {
		recorders = append(recorders, deps.history)
	}
	if cfg.Hooks.Enabled {
		hm, err := newHookManager(cfg)
		if err != nil {
			return nil, &ExitError{Code: ExitCodeConfig, Err: err}
		}
		recorders = append(recorders, hm)
	}

	client, err := library.NewClient(cfg.ClientConfig(), opts...)
	if err != nil {
		return nil, &ExitError{Code: ExitCodeConfig, Err: err}
	}

	loc, err := cfg.DueDateLocation()
	if err != nil {
		return nil, &ExitError{Code: ExitCodeConfig, Err: err}
	}

	// the run still starts so the failure is logged under the authenticate stage
	if err := cfg.CheckCredentials(); err != nil {
		log.Warn().Err(err).Msgf("Set %s/%s or %s_CREDENTIALS_IDENTIFIER/%s_CREDENTIALS_SECRET",
			config.LegacyIdentifierEnv, config.LegacySecretEnv, config.EnvPrefix, config.EnvPrefix)
	}

	return renewal.NewOrchestrator(client, renewal.Options{
		Credentials: cfg.LibraryCredentials(),
		Location:    loc,
		DryRun:      deps.dryRun,
		Recorder:    recorders,
	}), nil
}

// newHookManager builds the post-run hooks. Secrets stay out of the hook
// environment.
func newHookManager(cfg *config.Config) (*hooks.Manager, error) {
	hs := make([]hooks.Hook, 0, len(cfg.Hooks.Hooks))
	for _, h := range cfg.Hooks.Hooks {
		hs = append(hs, hooks.Hook{
			ID:      h.ID,
			Event:   h.Event,
			Script:  h.Script,
			Timeout: time.Duration(h.TimeoutSeconds) * time.Second,
			Enabled: h.Enabled,
		})
	}
	return hooks.NewManager(hooks.Config{
		Enabled: cfg.Hooks.Enabled,
		Hooks:   hs,
		Logger:  log.Logger,
		RedactEnv: []string{
			config.LegacySecretEnv,
			config.EnvPrefix + "_CREDENTIALS_SECRET",
			config.EnvPrefix + "_SERVER_TRIGGER_SECRET",
		},
	})
}
