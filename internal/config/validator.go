package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/harun/loanrenew/pkg/cron"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateBaseURL validates the library base URL
func (v *Validator) ValidateBaseURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("library base_url cannot be empty")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid library base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("library base_url must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("library base_url has no host")
	}

	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateTimezone validates an IANA time zone name; empty means local
func (v *Validator) ValidateTimezone(tz string) error {
	if tz == "" {
		return nil
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return nil
}

// ValidateSchedule validates the cron expression and zone
func (v *Validator) ValidateSchedule(s ScheduleConfig) error {
	if s.Expr == "" {
		return nil // only needed in schedule mode
	}
	if _, _, err := cron.ParseSchedule(cron.Schedule{Expr: s.Expr, TZ: s.TZ}); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	return nil
}

// ValidateConfig performs the checks struct tags cannot express
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := v.ValidateBaseURL(cfg.Library.BaseURL); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateTimezone(cfg.Library.DueDateTimezone); err != nil {
		errors = append(errors, fmt.Errorf("library due_date_timezone: %w", err))
	}
	if err := v.ValidateSchedule(cfg.Schedule); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}
	if cfg.Server.Enabled && cfg.Server.Addr == "" {
		errors = append(errors, fmt.Errorf("server addr is required when the server is enabled"))
	}

	return errors
}
