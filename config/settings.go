package config

import (
	"fmt"
	"time"

	"github.com/xonfour/horizont-sub000/errors"
)

// Store kinds
const (
	StoreMemory = "memory"
	StoreNATS   = "nats"
)

// Settings holds the framework settings of one Horizont process.
type Settings struct {
	// CallTimeout bounds module-management calls such as control commands.
	CallTimeout time.Duration `json:"call_timeout"`
	// LifecycleTimeout bounds each initialize/startup/shutdown phase call.
	LifecycleTimeout time.Duration `json:"lifecycle_timeout"`
	// DataCallTimeout bounds guarded data-plane queries between modules.
	DataCallTimeout time.Duration `json:"data_call_timeout"`
	// ShutdownTimeout bounds draining of background queues on exit.
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`

	Log     LogSettings     `json:"log"`
	Store   StoreSettings   `json:"store"`
	Metrics MetricsSettings `json:"metrics"`
}

// LogSettings selects the root logger
type LogSettings struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// StoreSettings selects the configuration store backend
type StoreSettings struct {
	Kind   string `json:"kind"`
	URL    string `json:"url,omitempty"`
	Bucket string `json:"bucket,omitempty"`
}

// MetricsSettings configures the metrics endpoint. Port 0 disables it.
type MetricsSettings struct {
	Port int    `json:"port"`
	Path string `json:"path"`
}

// DefaultSettings returns the settings used when nothing overrides them
func DefaultSettings() *Settings {
	return &Settings{
		CallTimeout:      5 * time.Second,
		LifecycleTimeout: 10 * time.Second,
		DataCallTimeout:  30 * time.Second,
		ShutdownTimeout:  10 * time.Second,
		Log: LogSettings{
			Level:  "info",
			Format: "text",
		},
		Store: StoreSettings{
			Kind:   StoreMemory,
			Bucket: "horizont_config",
		},
		Metrics: MetricsSettings{
			Port: 9090,
			Path: "/metrics",
		},
	}
}

// Validate checks the settings for consistency
func (s *Settings) Validate() error {
	timeouts := map[string]time.Duration{
		"call_timeout":      s.CallTimeout,
		"lifecycle_timeout": s.LifecycleTimeout,
		"data_call_timeout": s.DataCallTimeout,
		"shutdown_timeout":  s.ShutdownTimeout,
	}
	for name, d := range timeouts {
		if d <= 0 {
			return errors.WrapInvalid(
				fmt.Errorf("%w: %s must be positive, got %s", errors.ErrInvalidConfig, name, d),
				"Settings", "Validate", "timeout validation")
		}
	}

	switch s.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: unknown log level %q", errors.ErrInvalidConfig, s.Log.Level),
			"Settings", "Validate", "log level validation")
	}
	switch s.Log.Format {
	case "text", "json":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: unknown log format %q", errors.ErrInvalidConfig, s.Log.Format),
			"Settings", "Validate", "log format validation")
	}

	switch s.Store.Kind {
	case StoreMemory:
	case StoreNATS:
		if s.Store.URL == "" || s.Store.Bucket == "" {
			return errors.WrapInvalid(
				fmt.Errorf("%w: nats store requires url and bucket", errors.ErrMissingConfig),
				"Settings", "Validate", "store validation")
		}
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: unknown store kind %q", errors.ErrInvalidConfig, s.Store.Kind),
			"Settings", "Validate", "store validation")
	}

	if s.Metrics.Port < 0 || s.Metrics.Port > 65535 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: metrics port %d out of range", errors.ErrInvalidConfig, s.Metrics.Port),
			"Settings", "Validate", "metrics validation")
	}

	return nil
}
