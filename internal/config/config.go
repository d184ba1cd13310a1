// Package config loads and validates the calwatch configuration from YAML
// and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the root configuration structure.
type Config struct {
	Database  DatabaseConfig   `mapstructure:"database"`
	Log       LogConfig        `mapstructure:"log"`
	Calendars []CalendarConfig `mapstructure:"calendars"`
	Provider  ProviderConfig   `mapstructure:"provider"`
	Daemon    DaemonConfig     `mapstructure:"daemon"`
	Webhook   WebhookConfig    `mapstructure:"webhook"`
	Debug     bool             `mapstructure:"debug"`
}

// DatabaseConfig holds the SQLite storage location.
type DatabaseConfig struct {
	// Path is the SQLite database file. Shared between the daemon and the
	// CLI data commands.
	Path string `mapstructure:"path"`
}

// LogConfig holds logging preferences.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`

	// File is the log file path.
	File string `mapstructure:"file"`
}

// CalendarConfig is one ICS feed subscription.
type CalendarConfig struct {
	// ID is the stable calendar identifier. Must be unique and must not
	// change once records reference it.
	ID int64 `mapstructure:"id"`

	// Name is the display name.
	Name string `mapstructure:"name"`

	// URL is the ICS endpoint.
	URL string `mapstructure:"url"`

	// Enabled gates whether this calendar's alerts are handled.
	Enabled bool `mapstructure:"enabled"`

	// Color is a display hint (0xRRGGBB).
	Color int `mapstructure:"color"`
}

// ProviderConfig holds feed fetching preferences.
type ProviderConfig struct {
	// CacheDir is where feed bodies are cached on disk.
	CacheDir string `mapstructure:"cache_dir"`

	// RefreshInterval is how long a fetched feed snapshot stays fresh.
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`

	// DefaultReminders are the offsets applied to events without VALARM.
	DefaultReminders []time.Duration `mapstructure:"default_reminders"`
}

// WebhookConfig configures notification delivery to an HTTP endpoint.
type WebhookConfig struct {
	// Enabled indicates whether webhook notifications are active.
	Enabled bool `mapstructure:"enabled"`

	// URL is the endpoint notifications are POSTed to.
	URL string `mapstructure:"url"`

	// MaxRetries is the retry budget per delivery.
	MaxRetries int `mapstructure:"max_retries"`

	// Timeout is the per-request HTTP timeout.
	Timeout time.Duration `mapstructure:"timeout"`
}

// CalendarHandled reports whether alerts from the given calendar should be
// handled. Unknown calendar IDs are not handled.
func (c *Config) CalendarHandled(calendarID int64) bool {
	for i := range c.Calendars {
		if c.Calendars[i].ID == calendarID {
			return c.Calendars[i].Enabled
		}
	}

	return false
}

// LoadConfig loads configuration from the YAML file and environment
// variables.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.config/calwatch")
	viper.AddConfigPath(".")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("CALWATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	applyDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file: defaults only, zero calendars.
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := ValidateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// LoadConfigFromPath loads configuration from an explicit file path,
// bypassing the search paths. Used when the daemon is launched by the
// service manager with --config.
func LoadConfigFromPath(path string) (*Config, error) {
	viper.SetConfigFile(path)

	viper.AutomaticEnv()
	viper.SetEnvPrefix("CALWATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	applyDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := ValidateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// ValidateConfig validates the configuration values.
func ValidateConfig(cfg *Config) error {
	if cfg.Database.Path == "" {
		return fmt.Errorf("database.path cannot be empty")
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	validLevel := false
	for _, l := range validLevels {
		if cfg.Log.Level == l {
			validLevel = true
			break
		}
	}
	if !validLevel {
		return fmt.Errorf("log.level must be one of: %v, got %s", validLevels, cfg.Log.Level)
	}

	seen := make(map[int64]bool)
	for i, cal := range cfg.Calendars {
		if cal.ID <= 0 {
			return fmt.Errorf("calendars[%d]: id must be a positive integer, got %d", i, cal.ID)
		}
		if seen[cal.ID] {
			return fmt.Errorf("calendars[%d]: duplicate calendar id %d", i, cal.ID)
		}
		seen[cal.ID] = true

		if cal.Name == "" {
			return fmt.Errorf("calendars[%d]: name is required", i)
		}
		if cal.URL == "" {
			return fmt.Errorf("calendars[%d] %q: url is required", i, cal.Name)
		}
		if !strings.HasPrefix(cal.URL, "http://") && !strings.HasPrefix(cal.URL, "https://") &&
			!strings.HasPrefix(cal.URL, "file://") {
			return fmt.Errorf("calendars[%d] %q: url must be http(s) or file, got %s", i, cal.Name, cal.URL)
		}
	}

	if cfg.Provider.RefreshInterval < time.Minute || cfg.Provider.RefreshInterval > 24*time.Hour {
		return fmt.Errorf("provider.refresh_interval must be between 1m and 24h, got %v",
			cfg.Provider.RefreshInterval)
	}

	for i, d := range cfg.Provider.DefaultReminders {
		if d <= 0 || d > 7*24*time.Hour {
			return fmt.Errorf("provider.default_reminders[%d] must be between 1ms and 168h, got %v", i, d)
		}
	}

	if err := ValidateDaemonConfig(&cfg.Daemon); err != nil {
		return err
	}

	if cfg.Webhook.Enabled && cfg.Webhook.URL == "" {
		return fmt.Errorf("webhook.url is required when webhook is enabled")
	}
	if cfg.Webhook.MaxRetries < 0 || cfg.Webhook.MaxRetries > 10 {
		return fmt.Errorf("webhook.max_retries must be between 0 and 10, got %d", cfg.Webhook.MaxRetries)
	}

	return nil
}

// applyDefaults sets default configuration values.
func applyDefaults() {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	viper.SetDefault("database.path", filepath.Join(home, ".local", "share", "calwatch", "calwatch.db"))

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.file", filepath.Join(home, ".config", "calwatch", "calwatch.log"))

	viper.SetDefault("provider.cache_dir", filepath.Join(home, ".cache", "calwatch", "ics"))
	viper.SetDefault("provider.refresh_interval", "5m")
	viper.SetDefault("provider.default_reminders", []string{"15m"})

	applyDaemonDefaults()

	viper.SetDefault("webhook.enabled", false)
	viper.SetDefault("webhook.url", "")
	viper.SetDefault("webhook.max_retries", 3)
	viper.SetDefault("webhook.timeout", "10s")

	viper.SetDefault("debug", false)
}
