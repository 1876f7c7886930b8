package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/harun/loanrenew/internal/config"
	"github.com/harun/loanrenew/internal/metrics"
	"github.com/harun/loanrenew/pkg/cron"
	"github.com/harun/loanrenew/pkg/renewal"
	"github.com/harun/loanrenew/pkg/webhook"
)

var (
	scheduleRunOnStart bool
	scheduleDryRun     bool
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run renewals on the configured cron schedule",
	Long: `Stay in the foreground and run a renewal pass on every tick of the
configured cron expression. A tick that fires while a pass is still running
is skipped. Edits to the config file are picked up without a restart
(schedule, library, credentials and hooks) unless schedule.reload is false.
With the server enabled, /health and Prometheus /metrics are
served, plus a signed POST /run when a trigger secret is configured.
SIGINT or SIGTERM (see "loanrenew stop") shuts it down.`,
	Args: cobra.NoArgs,
	RunE: runSchedule,
}

func init() {
	scheduleCmd.Flags().BoolVar(&scheduleRunOnStart, "run-on-start", false, "run once immediately (also settable in config)")
	scheduleCmd.Flags().BoolVar(&scheduleDryRun, "dry-run", false, "decide but never submit renewals")
	rootCmd.AddCommand(scheduleCmd)
}

func runSchedule(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if scheduleRunOnStart {
		cfg.Schedule.RunOnStart = true
	}

	lg, err := setupLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer lg.Close()

	pidFile := getPIDFilePath(cfg)
	if err := writePIDFile(pidFile); err != nil {
		return err
	}
	defer os.Remove(pidFile)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serveSchedule(ctx, cfg, scheduleDeps{
		dryRun: scheduleDryRun,
		loader: config.NewLoader(cfgFile),
	})
}

type scheduleDeps struct {
	dryRun   bool
	loader   *config.Loader // nil disables reload
	onEvent  func(cron.Event)
	onReady  func(serverAddr string)
	onReload func(cfg *config.Config, err error) // called after each reload attempt
}

// serveSchedule runs the scheduler until ctx is done
func serveSchedule(ctx context.Context, cfg *config.Config, deps scheduleDeps) error {
	shutdown := setupTracing(cfg)
	defer shutdown()

	m := metrics.NewMetrics()
	od := orchestratorDeps{metrics: m, dryRun: deps.dryRun}
	if history := openHistory(cfg); history != nil {
		defer history.Close()
		od.history = history
	}

	first, err := newOrchestrator(cfg, od)
	if err != nil {
		return err
	}
	var orch atomic.Pointer[renewal.Orchestrator]
	orch.Store(first)

	svc, err := cron.NewService(cron.ServiceOptions{
		Name:       "renewal",
		Schedule:   cron.Schedule{Expr: cfg.Schedule.Expr, TZ: cfg.Schedule.TZ},
		RunOnStart: cfg.Schedule.RunOnStart,
		Job: func(ctx context.Context) error {
			report := orch.Load().Run(ctx)
			if report.Outcome.Failed() {
				return fmt.Errorf("%s at stage %s: %s", report.Outcome, report.Stage, errString(report.Err))
			}
			return nil
		},
		OnEvent: func(evt cron.Event) {
			if evt.Action == cron.EventActionFinished {
				log.Info().Time("nextRun", evt.NextRun).Msg("Next renewal scheduled")
			}
			if deps.onEvent != nil {
				deps.onEvent(evt)
			}
		},
	})
	if err != nil {
		return &ExitError{Code: ExitCodeConfig, Err: err}
	}

	var server *webhook.Server
	serverErr := make(chan error, 1)
	serverAddr := ""
	if cfg.Server.Enabled {
		server, err = webhook.NewServer(webhook.ServerOptions{
			Addr:               cfg.Server.Addr,
			TriggerSecret:      cfg.Server.TriggerSecret,
			RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
			TrustProxyHeaders:  cfg.Server.TrustProxyHeaders,
		}, svc.Trigger, schedulerStatus(svc), m.Handler(), log.Logger.With().Str("component", "http").Logger())
		if err != nil {
			return &ExitError{Code: ExitCodeConfig, Err: err}
		}
		if err := server.Listen(); err != nil {
			return err
		}
		serverAddr = server.Addr()
		go func() {
			if err := server.Serve(); err != nil {
				serverErr <- err
			}
		}()
	}

	if err := svc.Start(); err != nil {
		return err
	}

	if deps.loader != nil && cfg.Schedule.Reload {
		var reloadMu sync.Mutex
		current := cfg
		watcher, err := deps.loader.Watch(0, func(next *config.Config, err error) {
			reloadMu.Lock()
			defer reloadMu.Unlock()
			if err == nil {
				err = applyReload(current, next, svc, &orch, od)
				if err == nil {
					current = next
				}
			}
			if deps.onReload != nil {
				deps.onReload(next, err)
			}
		})
		if err != nil {
			log.Warn().Err(err).Msg("Config reload disabled")
		} else {
			defer watcher.Stop()
		}
	}
	if deps.onReady != nil {
		deps.onReady(serverAddr)
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown requested")
	case runErr = <-serverErr:
		log.Error().Err(runErr).Msg("HTTP server failed")
	}

	select {
	case <-svc.Stop().Done():
	case <-time.After(30 * time.Second):
		log.Warn().Msg("Shutdown timeout reached, a renewal run is still in progress")
	}

	if server != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Stop(sctx); err != nil {
			log.Warn().Err(err).Msg("Failed to shut down HTTP server")
		}
	}

	log.Info().Msg("Scheduler exited")
	return runErr
}

// applyReload swaps in a new orchestrator built from next and moves the cron
// entry when the schedule changed. Server, tracing, logging and data_dir
// are bound at startup and only take effect after a restart.
func applyReload(current, next *config.Config, svc *cron.Service, orch *atomic.Pointer[renewal.Orchestrator], od orchestratorDeps) error {
	o, err := newOrchestrator(next, od)
	if err != nil {
		log.Warn().Err(err).Msg("Config change rejected, keeping current settings")
		return err
	}

	if next.Schedule.Expr != current.Schedule.Expr || next.Schedule.TZ != current.Schedule.TZ {
		if err := svc.Reschedule(cron.Schedule{Expr: next.Schedule.Expr, TZ: next.Schedule.TZ}); err != nil {
			log.Warn().Err(err).Msg("Config change rejected, keeping current settings")
			return err
		}
	}
	orch.Store(o)

	if next.Server != current.Server || next.Tracing != current.Tracing ||
		next.Logging != current.Logging || next.DataDir != current.DataDir {
		log.Warn().Msg("Server, tracing, logging and data_dir changes apply after a restart")
	}
	return nil
}

// schedulerStatus adapts the job state for the /health endpoint
func schedulerStatus(svc *cron.Service) webhook.StatusFunc {
	return func() webhook.Status {
		st := svc.State()
		return webhook.Status{
			Running:           st.Running,
			Runs:              st.Runs,
			LastRunAt:         st.LastRunAt,
			LastStatus:        st.LastStatus,
			LastError:         st.LastError,
			ConsecutiveErrors: st.ConsecutiveErrors,
			NextRun:           svc.NextRun(),
		}
	}
}
