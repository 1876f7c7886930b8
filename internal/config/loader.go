package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment override, e.g. LOANRENEW_LOGGING_LEVEL
	EnvPrefix = "LOANRENEW"

	// Legacy variable names for the account identifier and password
	LegacyIdentifierEnv = "identificacao"
	LegacySecretEnv     = "psw"
)

// envKeys are the settings that can be overridden from the environment
var envKeys = []string{
	"library.base_url",
	"library.renew_path",
	"library.timeout_seconds",
	"library.due_date_timezone",
	"schedule.expr",
	"schedule.tz",
	"schedule.reload",
	"logging.level",
	"logging.file",
	"server.enabled",
	"server.addr",
	"server.trigger_secret",
	"server.rate_limit_per_minute",
	"server.trust_proxy_headers",
	"hooks.enabled",
	"tracing.enabled",
	"data_dir",
}

// Loader handles configuration loading
type Loader struct {
	configPath string
	envFile    string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		envFile:    ".env",
	}
}

// WithEnvFile sets the dotenv file read before the environment. Empty disables it.
func (l *Loader) WithEnvFile(path string) *Loader {
	l.envFile = path
	return l
}

// Load loads the configuration. Precedence: environment, dotenv file, config
// file, defaults. A missing config file is not an error.
func (l *Loader) Load() (*Config, error) {
	if err := loadDotEnv(l.envFile); err != nil {
		return nil, err
	}

	configPath := l.GetConfigPath()

	// Setup viper
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}
	if err := v.BindEnv("credentials.identifier", EnvPrefix+"_CREDENTIALS_IDENTIFIER", LegacyIdentifierEnv); err != nil {
		return nil, fmt.Errorf("failed to bind credentials: %w", err)
	}
	if err := v.BindEnv("credentials.secret", EnvPrefix+"_CREDENTIALS_SECRET", LegacySecretEnv); err != nil {
		return nil, fmt.Errorf("failed to bind credentials: %w", err)
	}

	// Read config file if present
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			v.SetConfigType("json")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	// Unmarshal into config struct
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Set data directory if not specified
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".loanrenew")
	}

	// Set logging file path if not specified
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "loanrenew.log")
	}

	return cfg, nil
}

// loadDotEnv copies variables from a dotenv file into the process
// environment without overriding what is already set.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read env file %s: %w", path, err)
	}

	for _, key := range v.AllKeys() {
		name := envName(key)
		if _, set := os.LookupEnv(name); set {
			continue
		}
		if err := os.Setenv(name, v.GetString(key)); err != nil {
			return fmt.Errorf("failed to set %s: %w", name, err)
		}
	}

	return nil
}

// envName restores the conventional case of a dotenv key; viper lowercases keys.
func envName(key string) string {
	if strings.HasPrefix(key, strings.ToLower(EnvPrefix)+"_") {
		return strings.ToUpper(key)
	}
	return key
}

// Save saves the configuration to file. Credentials and the trigger secret
// are never written.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to determine config path")
	}

	// Ensure directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Setup viper
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("library", cfg.Library)
	v.Set("schedule", cfg.Schedule)
	v.Set("logging", cfg.Logging)
	server := cfg.Server
	server.TriggerSecret = ""
	v.Set("server", server)
	v.Set("hooks", cfg.Hooks)
	v.Set("tracing", cfg.Tracing)
	v.Set("data_dir", cfg.DataDir)

	// Write config file
	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".loanrenew", "loanrenew.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
