// Package config loads the agent's environment-variable driven process
// configuration (as opposed to the persisted per-install RuntimeConfig
// owned by internal/state).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// Config holds all agent configuration from environment variables. The
// poll-interval-style fields can be changed at runtime (e.g. by a future
// server-pushed policy) and are guarded by mu; everything else is set once
// at Load and never mutated.
type Config struct {
	DataDir    string
	InstallDir string
	ServerURL  string
	LogJSON    bool

	MaxQueueSize        int
	MaxParallelCommands int
	RequestTimeout      time.Duration
	CommandTimeout      time.Duration
	ShutdownGrace       time.Duration

	ReconnectDelayInitial time.Duration
	ReconnectDelayMax     time.Duration

	ServiceWaitTimeout time.Duration
	WatchdogPeriod     time.Duration
	GracePeriodOffline time.Duration

	MetricsEnabled bool
	MetricsAddr    string

	mu                   sync.RWMutex
	statusReportInterval time.Duration
	autoUpdateInterval   time.Duration
	autoUpdateEnabled    bool
	updateSchedule       string // optional cron expression overriding autoUpdateInterval
}

// Load reads all configuration from environment variables with defaults,
// per the documented AGENT_ defaults table.
func Load() *Config {
	return &Config{
		DataDir:    envStr("AGENT_DATA_DIR", "/var/lib/endpoint-agent"),
		InstallDir: envStr("AGENT_INSTALL_DIR", "/opt/endpoint-agent"),
		ServerURL:  envStr("AGENT_SERVER_URL", ""),
		LogJSON:    envBool("AGENT_LOG_JSON", true),

		MaxQueueSize:        envInt("AGENT_MAX_QUEUE_SIZE", 256),
		MaxParallelCommands: envInt("AGENT_MAX_PARALLEL_COMMANDS", 4),
		RequestTimeout:      envDuration("AGENT_REQUEST_TIMEOUT_SEC", 30*time.Second),
		CommandTimeout:      envDuration("AGENT_COMMAND_TIMEOUT_SEC", 60*time.Second),
		ShutdownGrace:       envDuration("AGENT_SHUTDOWN_GRACE_SEC", 10*time.Second),

		ReconnectDelayInitial: envDuration("AGENT_RECONNECT_DELAY_INITIAL_SEC", 1*time.Second),
		ReconnectDelayMax:     envDuration("AGENT_RECONNECT_DELAY_MAX_SEC", 30*time.Second),

		ServiceWaitTimeout: envDuration("AGENT_SERVICE_WAIT_TIMEOUT_SEC", 60*time.Second),
		WatchdogPeriod:     envDuration("AGENT_WATCHDOG_PERIOD_SEC", 120*time.Second),
		GracePeriodOffline: envDuration("AGENT_GRACE_PERIOD_OFFLINE_SEC", 300*time.Second),

		MetricsEnabled: envBool("AGENT_METRICS_ENABLED", false),
		MetricsAddr:    envStr("AGENT_METRICS_ADDR", ":9090"),

		statusReportInterval: envDuration("AGENT_STATUS_REPORT_INTERVAL_SEC", 30*time.Second),
		autoUpdateInterval:   envDuration("AGENT_AUTO_UPDATE_INTERVAL_SEC", 6*time.Hour),
		autoUpdateEnabled:    envBool("AGENT_AUTO_UPDATE_ENABLED", true),
		updateSchedule:       envStr("AGENT_UPDATE_SCHEDULE", ""),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.ServerURL == "" {
		errs = append(errs, fmt.Errorf("AGENT_SERVER_URL must be set"))
	}
	if c.MaxQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("AGENT_MAX_QUEUE_SIZE must be > 0, got %d", c.MaxQueueSize))
	}
	if c.MaxParallelCommands <= 0 {
		errs = append(errs, fmt.Errorf("AGENT_MAX_PARALLEL_COMMANDS must be > 0, got %d", c.MaxParallelCommands))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("AGENT_REQUEST_TIMEOUT_SEC must be > 0, got %s", c.RequestTimeout))
	}
	if c.ReconnectDelayMax < c.ReconnectDelayInitial {
		errs = append(errs, fmt.Errorf("AGENT_RECONNECT_DELAY_MAX_SEC must be >= AGENT_RECONNECT_DELAY_INITIAL_SEC"))
	}
	if c.StatusReportInterval() <= 0 {
		errs = append(errs, fmt.Errorf("AGENT_STATUS_REPORT_INTERVAL_SEC must be > 0"))
	}
	if c.updateSchedule != "" {
		if _, err := cronScheduleParser().Parse(c.updateSchedule); err != nil {
			errs = append(errs, fmt.Errorf("AGENT_UPDATE_SCHEDULE invalid cron expression %q: %w", c.updateSchedule, err))
		}
	}
	return errors.Join(errs...)
}

// Values returns all configuration as a string map for display (configure
// mode and startup banner).
func (c *Config) Values() map[string]string {
	return map[string]string{
		"AGENT_DATA_DIR":                    c.DataDir,
		"AGENT_INSTALL_DIR":                 c.InstallDir,
		"AGENT_SERVER_URL":                  c.ServerURL,
		"AGENT_LOG_JSON":                    fmt.Sprintf("%t", c.LogJSON),
		"AGENT_MAX_QUEUE_SIZE":              strconv.Itoa(c.MaxQueueSize),
		"AGENT_MAX_PARALLEL_COMMANDS":       strconv.Itoa(c.MaxParallelCommands),
		"AGENT_REQUEST_TIMEOUT_SEC":         c.RequestTimeout.String(),
		"AGENT_COMMAND_TIMEOUT_SEC":         c.CommandTimeout.String(),
		"AGENT_SHUTDOWN_GRACE_SEC":          c.ShutdownGrace.String(),
		"AGENT_RECONNECT_DELAY_INITIAL_SEC": c.ReconnectDelayInitial.String(),
		"AGENT_RECONNECT_DELAY_MAX_SEC":     c.ReconnectDelayMax.String(),
		"AGENT_SERVICE_WAIT_TIMEOUT_SEC":    c.ServiceWaitTimeout.String(),
		"AGENT_WATCHDOG_PERIOD_SEC":         c.WatchdogPeriod.String(),
		"AGENT_GRACE_PERIOD_OFFLINE_SEC":    c.GracePeriodOffline.String(),
		"AGENT_METRICS_ENABLED":             fmt.Sprintf("%t", c.MetricsEnabled),
		"AGENT_STATUS_REPORT_INTERVAL_SEC":  c.StatusReportInterval().String(),
		"AGENT_AUTO_UPDATE_INTERVAL_SEC":    c.AutoUpdateInterval().String(),
		"AGENT_AUTO_UPDATE_ENABLED":         fmt.Sprintf("%t", c.AutoUpdateEnabled()),
		"AGENT_UPDATE_SCHEDULE":             c.UpdateSchedule(),
	}
}

// StatusReportInterval returns the current telemetry sampling interval
// (thread-safe; may be adjusted at runtime by a policy update).
func (c *Config) StatusReportInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.statusReportInterval
}

// SetStatusReportInterval updates the telemetry sampling interval at runtime.
func (c *Config) SetStatusReportInterval(d time.Duration) {
	c.mu.Lock()
	c.statusReportInterval = d
	c.mu.Unlock()
}

// AutoUpdateInterval returns the current update-check polling interval.
func (c *Config) AutoUpdateInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.autoUpdateInterval
}

// SetAutoUpdateInterval updates the update-check polling interval at runtime.
func (c *Config) SetAutoUpdateInterval(d time.Duration) {
	c.mu.Lock()
	c.autoUpdateInterval = d
	c.mu.Unlock()
}

// AutoUpdateEnabled reports whether the update engine's periodic timer runs.
func (c *Config) AutoUpdateEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.autoUpdateEnabled
}

// SetAutoUpdateEnabled toggles the update engine's periodic timer at runtime.
func (c *Config) SetAutoUpdateEnabled(b bool) {
	c.mu.Lock()
	c.autoUpdateEnabled = b
	c.mu.Unlock()
}

// UpdateSchedule returns the optional cron expression overriding
// AutoUpdateInterval, or "" when unset.
func (c *Config) UpdateSchedule() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updateSchedule
}

// SetUpdateSchedule updates the cron expression at runtime.
func (c *Config) SetUpdateSchedule(s string) {
	c.mu.Lock()
	c.updateSchedule = s
	c.mu.Unlock()
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
