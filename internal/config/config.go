package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/harun/loanrenew/pkg/library"
)

// ErrMissingCredentials is returned when the library identifier or secret is not configured
var ErrMissingCredentials = errors.New("missing library credentials")

// Config represents the main loanrenew configuration
type Config struct {
	// Library backend
	Library LibraryConfig `json:"library" mapstructure:"library"`

	// Account credentials, normally injected through the environment
	Credentials CredentialsConfig `json:"credentials" mapstructure:"credentials"`

	// Schedule mode
	Schedule ScheduleConfig `json:"schedule" mapstructure:"schedule"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// HTTP server (schedule mode only)
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Shell hooks run after each renewal run
	Hooks HooksConfig `json:"hooks" mapstructure:"hooks"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// LibraryConfig holds the library web API settings
type LibraryConfig struct {
	BaseURL         string `json:"base_url" mapstructure:"base_url" validate:"required,url"`
	LoginPath       string `json:"login_path" mapstructure:"login_path" validate:"required,startswith=/"`
	ListPath        string `json:"list_path" mapstructure:"list_path" validate:"required,startswith=/"`
	RenewPath       string `json:"renew_path" mapstructure:"renew_path" validate:"required,startswith=/"`
	TimeoutSeconds  int    `json:"timeout_seconds" mapstructure:"timeout_seconds" validate:"gte=0,lte=600"`
	UserAgent       string `json:"user_agent" mapstructure:"user_agent"`
	DueDateTimezone string `json:"due_date_timezone" mapstructure:"due_date_timezone"` // empty = local
}

// CredentialsConfig holds the account identifier and password
type CredentialsConfig struct {
	Identifier string `json:"identifier" mapstructure:"identifier"`
	Secret     string `json:"secret" mapstructure:"secret"`
}

// ScheduleConfig configures the long-running schedule mode
type ScheduleConfig struct {
	Expr       string `json:"expr" mapstructure:"expr"` // 5-field cron expression
	TZ         string `json:"tz" mapstructure:"tz"`
	RunOnStart bool   `json:"run_on_start" mapstructure:"run_on_start"`
	Reload     bool   `json:"reload" mapstructure:"reload"` // re-read the config file when it changes
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level" validate:"oneof=debug info warn error"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size" validate:"gte=0"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age" validate:"gte=0"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// ServerConfig holds the schedule mode HTTP server settings: /health,
// /metrics and the signed POST /run trigger
type ServerConfig struct {
	Enabled            bool   `json:"enabled" mapstructure:"enabled"`
	Addr               string `json:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
	TriggerSecret      string `json:"trigger_secret,omitempty" mapstructure:"trigger_secret"` // empty disables POST /run
	RateLimitPerMinute int    `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute" validate:"gte=0"`
	TrustProxyHeaders  bool   `json:"trust_proxy_headers" mapstructure:"trust_proxy_headers"` // only behind a proxy that overwrites X-Forwarded-For
}

// HooksConfig holds the post-run hook scripts
type HooksConfig struct {
	Enabled bool         `json:"enabled" mapstructure:"enabled"`
	Hooks   []HookConfig `json:"hooks" mapstructure:"hooks" validate:"dive"`
}

// HookConfig is one script bound to a run event such as "run:failed"
type HookConfig struct {
	ID             string `json:"id,omitempty" mapstructure:"id"`
	Event          string `json:"event" mapstructure:"event" validate:"required,startswith=run:"`
	Script         string `json:"script" mapstructure:"script" validate:"required"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" mapstructure:"timeout_seconds" validate:"gte=0"`
	Enabled        bool   `json:"enabled" mapstructure:"enabled"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Library: LibraryConfig{
			BaseURL:        library.DefaultBaseURL,
			LoginPath:      library.DefaultLoginPath,
			ListPath:       library.DefaultListPath,
			RenewPath:      library.DefaultRenewPath,
			TimeoutSeconds: int(library.DefaultTimeout / time.Second),
			UserAgent:      "loanrenew/" + Version,
		},
		Schedule: ScheduleConfig{
			Expr:   "0 8 * * *",
			Reload: true,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   10,
			MaxAge:    30,
			Compress:  true,
			Redaction: true,
		},
		Server: ServerConfig{
			Enabled:            false,
			Addr:               "127.0.0.1:9464",
			RateLimitPerMinute: 10,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			SampleRatio: 1,
		},
	}
}

// Version is the application version, shared by the CLI and the user agent
const Version = "0.3.0"

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	cp := *c
	if cp.Credentials.Secret != "" {
		cp.Credentials.Secret = "[REDACTED]"
	}
	if cp.Server.TriggerSecret != "" {
		cp.Server.TriggerSecret = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(cp, "", "  ")
	return string(data)
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks if the configuration is valid. Missing credentials are not
// a validation error; see CheckCredentials.
func (c *Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	v := NewValidator()
	if errs := v.ValidateConfig(c); len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// CheckCredentials reports which credential fields are missing
func (c *Config) CheckCredentials() error {
	var missing []string
	if strings.TrimSpace(c.Credentials.Identifier) == "" {
		missing = append(missing, "identifier")
	}
	if c.Credentials.Secret == "" {
		missing = append(missing, "secret")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s not set", ErrMissingCredentials, strings.Join(missing, " and "))
	}
	return nil
}

// LibraryCredentials converts the configured credentials for the client
func (c *Config) LibraryCredentials() library.Credentials {
	return library.Credentials{
		Identifier: strings.TrimSpace(c.Credentials.Identifier),
		Secret:     c.Credentials.Secret,
	}
}

// ClientConfig converts the library section for library.NewClient
func (c *Config) ClientConfig() library.ClientConfig {
	return library.ClientConfig{
		BaseURL:   c.Library.BaseURL,
		LoginPath: c.Library.LoginPath,
		ListPath:  c.Library.ListPath,
		RenewPath: c.Library.RenewPath,
		Timeout:   time.Duration(c.Library.TimeoutSeconds) * time.Second,
		UserAgent: c.Library.UserAgent,
	}
}

// DueDateLocation returns the zone due dates are read in
func (c *Config) DueDateLocation() (*time.Location, error) {
	if c.Library.DueDateTimezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Library.DueDateTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid due date timezone: %w", err)
	}
	return loc, nil
}
