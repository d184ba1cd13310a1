package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/kardianos/service"

	"calwatch/internal/config"
)

// Exit codes for the service management commands.
const (
	ExitSuccess          = 0
	ExitPermissionDenied = 1
	ExitServiceExists    = 2
	ExitConfigError      = 3
	ExitServiceNotFound  = 1
	ExitAlreadyRunning   = 2
	ExitStartFailed      = 3
	ExitNotRunning       = 1
	ExitStopFailed       = 2
	ExitRestartFailed    = 2
	ExitStopped          = 2
	ExitUnhealthy        = 3
)

// ServiceConfig holds configuration for creating the service.
type ServiceConfig struct {
	ConfigPath string
	UserMode   bool
	Debug      bool
}

// program implements the service.Program interface for kardianos/service.
type program struct {
	daemon     *Daemon
	cfg        *config.Config
	configPath string
	debug      bool
	exit       chan struct{}
}

// Start is called when the service starts.
// Per kardianos/service, this must return quickly - start work in goroutine.
func (p *program) Start(s service.Service) error {
	var cfg *config.Config
	var err error

	if p.configPath != "" {
		cfg, err = config.LoadConfigFromPath(p.configPath)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	p.cfg = cfg

	d, err := New(cfg, p.debug)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	p.daemon = d

	go func() {
		if err := p.daemon.Start(); err != nil {
			// Log error but don't crash - service manager will restart
			fmt.Fprintf(os.Stderr, "Daemon start error: %v\n", err)
		}
	}()

	return nil
}

// Stop is called when the service stops.
func (p *program) Stop(s service.Service) error {
	if p.daemon != nil {
		return p.daemon.Stop()
	}
	return nil
}

// NewService creates a new service instance.
func NewService(svcConfig ServiceConfig) (service.Service, error) {
	prg := &program{
		configPath: svcConfig.ConfigPath,
		debug:      svcConfig.Debug,
		exit:       make(chan struct{}),
	}

	cfg := &service.Config{
		Name:        "calwatch",
		DisplayName: "Calwatch Calendar Alert Daemon",
		Description: "Background daemon that monitors calendar feeds and fires event alerts.",
	}

	// Auto-detect if this is a user service by checking if plist exists in LaunchAgents
	userMode := svcConfig.UserMode
	if !userMode {
		userMode = isUserServiceInstalled()
	}

	if userMode {
		cfg.Option = service.KeyValue{
			"UserService": true,
		}
	}

	// Platform-specific configuration
	switch runtime.GOOS {
	case "darwin":
		cfg.Option = mergeOptions(cfg.Option, service.KeyValue{
			"KeepAlive":      true,
			"RunAtLoad":      true,
			"LaunchOnlyOnce": false,
		})
	case "linux":
		cfg.Option = mergeOptions(cfg.Option, service.KeyValue{
			"Restart": "on-failure",
		})
	case "windows":
		cfg.Option = mergeOptions(cfg.Option, service.KeyValue{
			"OnFailure":              "restart",
			"OnFailureDelayDuration": "5s",
			"OnFailureResetPeriod":   10,
		})
	}

	if svcConfig.ConfigPath != "" {
		cfg.Arguments = []string{"run", "--config", svcConfig.ConfigPath}
	} else {
		cfg.Arguments = []string{"run"}
	}

	if svcConfig.Debug {
		cfg.Arguments = append(cfg.Arguments, "--debug")
	}

	return service.New(prg, cfg)
}

// mergeOptions merges two KeyValue maps.
func mergeOptions(base, additional service.KeyValue) service.KeyValue {
	if base == nil {
		base = service.KeyValue{}
	}
	for k, v := range additional {
		base[k] = v
	}
	return base
}

// Install installs the service.
func Install(svcConfig ServiceConfig) error {
	svc, err := NewService(svcConfig)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	status, err := svc.Status()
	if err == nil && status != service.StatusUnknown {
		return fmt.Errorf("service already installed")
	}

	if err := svc.Install(); err != nil {
		if os.IsPermission(err) {
			return &PermissionError{Err: err}
		}
		return fmt.Errorf("failed to install service: %w", err)
	}

	return nil
}

// Uninstall removes the service.
func Uninstall() error {
	svc, err := NewService(ServiceConfig{})
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	status, err := svc.Status()
	if err != nil || status == service.StatusUnknown {
		return fmt.Errorf("service not installed")
	}

	if status == service.StatusRunning {
		_ = svc.Stop()
	}

	if err := svc.Uninstall(); err != nil {
		if os.IsPermission(err) {
			return &PermissionError{Err: err}
		}
		return fmt.Errorf("failed to uninstall service: %w", err)
	}

	return nil
}

// Start starts the installed service.
func Start() error {
	svc, err := NewService(ServiceConfig{})
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	status, err := svc.Status()
	if err != nil {
		return fmt.Errorf("service not installed")
	}

	if status == service.StatusRunning {
		return fmt.Errorf("service already running")
	}

	if err := svc.Start(); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}

	return nil
}

// Stop stops the running service.
func Stop() error {
	svc, err := NewService(ServiceConfig{})
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	status, err := svc.Status()
	if err != nil {
		return fmt.Errorf("service not installed")
	}

	if status != service.StatusRunning {
		return fmt.Errorf("service not running")
	}

	if err := svc.Stop(); err != nil {
		return fmt.Errorf("failed to stop service: %w", err)
	}

	return nil
}

// Restart restarts the service.
func Restart() error {
	svc, err := NewService(ServiceConfig{})
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	if _, err := svc.Status(); err != nil {
		return fmt.Errorf("service not installed")
	}

	if err := svc.Restart(); err != nil {
		return fmt.Errorf("failed to restart service: %w", err)
	}

	return nil
}

// Status represents the service status for CLI output.
type Status struct {
	State      string  `json:"state"`
	PID        int     `json:"pid,omitempty"`
	Uptime     string  `json:"uptime,omitempty"`
	LastPass   string  `json:"last_pass,omitempty"`
	NextWake   string  `json:"next_wake,omitempty"`
	Version    string  `json:"version,omitempty"`
	ConfigHash string  `json:"config_hash,omitempty"`
	ScanAvgMs  float64 `json:"scan_avg_ms,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

// GetStatus retrieves the service status, enriched from the shared
// database when the daemon is running.
func GetStatus(cfg *config.Config) (*Status, error) {
	svc, err := NewService(ServiceConfig{})
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}

	svcStatus, err := svc.Status()
	if err != nil {
		return &Status{State: "not_installed"}, nil
	}

	status := &Status{
		Errors: []string{},
	}

	switch svcStatus {
	case service.StatusRunning:
		status.State = "running"
	case service.StatusStopped:
		status.State = "stopped"
	default:
		status.State = "unknown"
	}

	if svcStatus == service.StatusRunning && cfg != nil {
		if ds, err := readDaemonStatus(cfg.Database.Path); err == nil {
			status.PID = ds.PID
			status.Version = ds.Version
			status.ConfigHash = ds.ConfigHash
			status.ScanAvgMs = ds.ScanAvgMs
			if !ds.LastPass.IsZero() {
				status.LastPass = ds.LastPass.Format(time.RFC3339)
			}
			if !ds.StartTime.IsZero() {
				status.Uptime = formatUptime(ds.StartTime)
			}
			if ds.ErrorCount > 0 && ds.LastError != "" {
				status.Errors = append(status.Errors, ds.LastError)
			}
		}
	}

	return status, nil
}

// PermissionError indicates an operation requires elevated privileges.
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string {
	if runtime.GOOS == "windows" {
		return "administrator privileges required"
	}
	return "permission denied (try with sudo)"
}

func (e *PermissionError) Unwrap() error {
	return e.Err
}

// isUserServiceInstalled checks if the service plist exists in user's LaunchAgents.
func isUserServiceInstalled() bool {
	if runtime.GOOS != "darwin" {
		return false
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return false
	}
	plistPath := filepath.Join(homeDir, "Library", "LaunchAgents", "calwatch.plist")
	_, err = os.Stat(plistPath)
	return err == nil
}

// isSystemServiceInstalled checks if the service plist exists in system LaunchDaemons.
func isSystemServiceInstalled() bool {
	if runtime.GOOS != "darwin" {
		return false
	}
	_, err := os.Stat("/Library/LaunchDaemons/calwatch.plist")
	return err == nil
}

// IsRunningAsRoot returns true if the process is running with root privileges.
func IsRunningAsRoot() bool {
	return os.Geteuid() == 0
}

// RequiresSudo returns true if the installed service requires sudo to manage.
func RequiresSudo() bool {
	return isSystemServiceInstalled() && !IsRunningAsRoot()
}
