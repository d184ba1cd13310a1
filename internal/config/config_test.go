package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "/tmp/calwatch.db"},
		Log:      LogConfig{Level: "info", File: "/tmp/calwatch.log"},
		Calendars: []CalendarConfig{
			{ID: 1, Name: "Work", URL: "https://example.com/work.ics", Enabled: true},
			{ID: 2, Name: "Home", URL: "https://example.com/home.ics", Enabled: false},
		},
		Provider: ProviderConfig{
			CacheDir:         "/tmp/cache",
			RefreshInterval:  5 * time.Minute,
			DefaultReminders: []time.Duration{15 * time.Minute},
		},
		Daemon: DaemonConfig{
			RescanCron:        "*/15 * * * *",
			ReloadInterval:    10 * time.Minute,
			HeartbeatInterval: 30 * time.Second,
			Retention: DaemonRetentionConfig{
				Dismissed:     720 * time.Hour,
				PruneInterval: time.Hour,
			},
		},
		Webhook: WebhookConfig{
			Enabled:    false,
			MaxRetries: 3,
			Timeout:    10 * time.Second,
		},
	}
}

func TestValidateConfig_Valid(t *testing.T) {
	if err := ValidateConfig(validConfig()); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestValidateConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{
			name:    "empty database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantMsg: "database.path",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Log.Level = "verbose" },
			wantMsg: "log.level",
		},
		{
			name:    "non-positive calendar id",
			mutate:  func(c *Config) { c.Calendars[0].ID = 0 },
			wantMsg: "positive integer",
		},
		{
			name:    "duplicate calendar id",
			mutate:  func(c *Config) { c.Calendars[1].ID = 1 },
			wantMsg: "duplicate calendar id",
		},
		{
			name:    "missing calendar name",
			mutate:  func(c *Config) { c.Calendars[0].Name = "" },
			wantMsg: "name is required",
		},
		{
			name:    "missing calendar url",
			mutate:  func(c *Config) { c.Calendars[0].URL = "" },
			wantMsg: "url is required",
		},
		{
			name:    "bad calendar url scheme",
			mutate:  func(c *Config) { c.Calendars[0].URL = "ftp://example.com/a.ics" },
			wantMsg: "http(s) or file",
		},
		{
			name:    "refresh interval too small",
			mutate:  func(c *Config) { c.Provider.RefreshInterval = time.Second },
			wantMsg: "refresh_interval",
		},
		{
			name:    "reminder too long",
			mutate:  func(c *Config) { c.Provider.DefaultReminders = []time.Duration{200 * time.Hour} },
			wantMsg: "default_reminders",
		},
		{
			name:    "bad rescan cron",
			mutate:  func(c *Config) { c.Daemon.RescanCron = "not a cron" },
			wantMsg: "rescan_cron",
		},
		{
			name:    "reload interval too small",
			mutate:  func(c *Config) { c.Daemon.ReloadInterval = time.Second },
			wantMsg: "reload_interval",
		},
		{
			name:    "webhook enabled without url",
			mutate:  func(c *Config) { c.Webhook.Enabled = true },
			wantMsg: "webhook.url",
		},
		{
			name:    "webhook retries out of range",
			mutate:  func(c *Config) { c.Webhook.MaxRetries = 11 },
			wantMsg: "max_retries",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := ValidateConfig(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("expected error containing %q, got %q", tt.wantMsg, err.Error())
			}
		})
	}
}

func TestCalendarHandled(t *testing.T) {
	cfg := validConfig()

	if !cfg.CalendarHandled(1) {
		t.Error("enabled calendar must be handled")
	}
	if cfg.CalendarHandled(2) {
		t.Error("disabled calendar must not be handled")
	}
	if cfg.CalendarHandled(999) {
		t.Error("unknown calendar must not be handled")
	}
}
