package config

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// DaemonConfig holds configuration for the calwatch daemon.
type DaemonConfig struct {
	// RescanCron is the standard cron expression for periodic full
	// calendar scans.
	RescanCron string `mapstructure:"rescan_cron"`

	// ReloadInterval is how often registered records are reconciled
	// against the live calendar.
	ReloadInterval time.Duration `mapstructure:"reload_interval"`

	// HeartbeatInterval is the daemon's housekeeping tick: it observes
	// CLI-requested rescans and keeps the status row fresh.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`

	// Retention configures pruning of handled alerts and the dismissed
	// archive.
	Retention DaemonRetentionConfig `mapstructure:"retention"`

	// PIDFile is the daemon PID file path. Empty disables it.
	PIDFile string `mapstructure:"pid_file"`
}

// DaemonRetentionConfig configures data retention periods.
// All periods must be >= 1h and <= 2160h (90 days).
type DaemonRetentionConfig struct {
	Dismissed     time.Duration `mapstructure:"dismissed"`      // Dismissed archive (default: 720h/30d)
	PruneInterval time.Duration `mapstructure:"prune_interval"` // How often pruning runs (default: 1h)
}

// ValidateDaemonConfig validates the daemon configuration.
func ValidateDaemonConfig(cfg *DaemonConfig) error {
	if cfg.RescanCron != "" {
		if _, err := cron.ParseStandard(cfg.RescanCron); err != nil {
			return fmt.Errorf("daemon.rescan_cron is not a valid cron expression: %w", err)
		}
	}

	if cfg.ReloadInterval < time.Minute || cfg.ReloadInterval > 24*time.Hour {
		return fmt.Errorf("daemon.reload_interval must be between 1m and 24h, got %v", cfg.ReloadInterval)
	}

	if cfg.HeartbeatInterval < time.Second || cfg.HeartbeatInterval > 5*time.Minute {
		return fmt.Errorf("daemon.heartbeat_interval must be between 1s and 5m, got %v", cfg.HeartbeatInterval)
	}

	minRetention := 1 * time.Hour
	maxRetention := 2160 * time.Hour

	if cfg.Retention.Dismissed < minRetention || cfg.Retention.Dismissed > maxRetention {
		return fmt.Errorf("daemon.retention.dismissed must be between %v and %v, got %v",
			minRetention, maxRetention, cfg.Retention.Dismissed)
	}

	if cfg.Retention.PruneInterval < time.Minute || cfg.Retention.PruneInterval > 24*time.Hour {
		return fmt.Errorf("daemon.retention.prune_interval must be between 1m and 24h, got %v",
			cfg.Retention.PruneInterval)
	}

	return nil
}

// applyDaemonDefaults sets default daemon configuration values.
func applyDaemonDefaults() {
	viper.SetDefault("daemon.rescan_cron", "*/15 * * * *")
	viper.SetDefault("daemon.reload_interval", "10m")
	viper.SetDefault("daemon.heartbeat_interval", "30s")
	viper.SetDefault("daemon.retention.dismissed", "720h")
	viper.SetDefault("daemon.retention.prune_interval", "1h")
	viper.SetDefault("daemon.pid_file", "")
}
