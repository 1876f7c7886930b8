package hooks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/loanrenew/pkg/renewal"
)

// Run events. A finished run fires EventRunFinished, then "run:<outcome>",
// then EventRunFailed when the outcome is a failure.
const (
	EventRunFinished = "run:finished"
	EventRunFailed   = "run:failed"
)

// EnvPrefix prefixes the variables passed to hook scripts
const EnvPrefix = "LOANRENEW_HOOK_"

// Hook defines a shell script run on a run event.
type Hook struct {
	ID      string
	Event   string
	Script  string
	Timeout time.Duration
	Enabled bool
}

// Config configures a Hook manager.
type Config struct {
	Enabled bool
	Hooks   []Hook
	Logger  zerolog.Logger
	// Env variables hidden from hook scripts, e.g. the account password
	RedactEnv []string
}

// Manager executes configured hooks for run events.
type Manager struct {
	enabled   bool
	logger    zerolog.Logger
	redactEnv map[string]struct{}

	mu           sync.RWMutex
	hooksByEvent map[string][]Hook
}

// NewManager creates a hook manager.
func NewManager(cfg Config) (*Manager, error) {
	manager := &Manager{
		enabled:      cfg.Enabled,
		logger:       cfg.Logger.With().Str("component", "hooks").Logger(),
		redactEnv:    make(map[string]struct{}, len(cfg.RedactEnv)),
		hooksByEvent: make(map[string][]Hook),
	}
	for _, name := range cfg.RedactEnv {
		manager.redactEnv[name] = struct{}{}
	}

	if !cfg.Enabled {
		return manager, nil
	}

	for _, hook := range cfg.Hooks {
		if !hook.Enabled {
			continue
		}
		event := strings.TrimSpace(hook.Event)
		if event == "" {
			return nil, fmt.Errorf("hook event is required")
		}
		if strings.TrimSpace(hook.Script) == "" {
			return nil, fmt.Errorf("hook script is required for event %q", event)
		}
		manager.hooksByEvent[event] = append(manager.hooksByEvent[event], hook)
	}

	return manager, nil
}

// RecordRun implements renewal.Recorder. Hook failures are logged and never
// change the run outcome.
func (m *Manager) RecordRun(ctx context.Context, r renewal.Report) {
	if m == nil || !m.enabled {
		return
	}

	data := map[string]interface{}{
		"run_id":    r.RunID,
		"outcome":   string(r.Outcome),
		"stage":     string(r.Stage),
		"loans":     r.Loans,
		"due_loans": r.DueLoans,
		"exit_code": r.Outcome.ExitCode(),
	}
	if r.Err != nil {
		data["error"] = r.Err.Error()
	}

	events := []string{EventRunFinished, "run:" + string(r.Outcome)}
	if r.Outcome.Failed() {
		events = append(events, EventRunFailed)
	}

	for _, event := range events {
		if err := m.Trigger(ctx, event, data); err != nil {
			m.logger.Warn().Err(err).Str("event", event).Str("run_id", r.RunID).Msg("Hook failed")
		}
	}
}

// Trigger executes hooks registered for an event.
func (m *Manager) Trigger(ctx context.Context, event string, data map[string]interface{}) error {
	if m == nil || !m.enabled {
		return nil
	}
	event = strings.TrimSpace(event)
	if event == "" {
		return fmt.Errorf("event is required")
	}

	m.mu.RLock()
	hooks := append([]Hook(nil), m.hooksByEvent[event]...)
	m.mu.RUnlock()
	if len(hooks) == 0 {
		return nil
	}

	var errs []error
	for _, hook := range hooks {
		if err := m.executeHook(ctx, event, hook, data); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (m *Manager) executeHook(ctx context.Context, event string, hook Hook, data map[string]interface{}) error {
	if ctx == nil {
		ctx = context.Background()
	}

	hookID := hook.ID
	if strings.TrimSpace(hookID) == "" {
		hookID = event
	}

	runCtx := ctx
	cancel := func() {}
	if hook.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, hook.Timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", hook.Script)
	cmd.Env = m.buildHookEnvironment(event, data)

	start := time.Now()
	output, err := cmd.CombinedOutput()
	outputText := strings.TrimSpace(string(output))
	if err != nil {
		if outputText != "" {
			return fmt.Errorf("hook %s failed: %w: %s", hookID, err, outputText)
		}
		return fmt.Errorf("hook %s failed: %w", hookID, err)
	}

	m.logger.Debug().
		Str("event", event).
		Str("hook_id", hookID).
		Dur("duration", time.Since(start)).
		Str("output", outputText).
		Msg("Hook executed")

	return nil
}

func (m *Manager) buildHookEnvironment(event string, data map[string]interface{}) []string {
	env := make([]string, 0, len(os.Environ())+len(data)+1)
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if _, hidden := m.redactEnv[name]; hidden {
			continue
		}
		env = append(env, kv)
	}
	env = append(env, EnvPrefix+"EVENT="+event)

	if len(data) == 0 {
		return env
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		envKey := EnvPrefix + "DATA_" + normalizeEnvKey(key)
		env = append(env, envKey+"="+fmt.Sprintf("%v", data[key]))
	}
	return env
}

func normalizeEnvKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "UNKNOWN"
	}

	upper := strings.ToUpper(key)
	builder := strings.Builder{}
	builder.Grow(len(upper))
	for _, r := range upper {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			builder.WriteRune(r)
			continue
		}
		builder.WriteRune('_')
	}
	return builder.String()
}
