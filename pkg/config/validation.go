package config

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/dbehnke/ambetools/pkg/dv3000"
)

// validate checks every section and reports all problems at once.
func validate(cfg *Config) error {
	var errs []error

	// Device
	if cfg.Device.Port == "" {
		errs = append(errs, errors.New("device.port is required"))
	}
	if !dv3000.IsValidSpeed(cfg.Device.Speed) {
		errs = append(errs, fmt.Errorf("device.speed %d is not one of %v", cfg.Device.Speed, dv3000.ValidSpeeds))
	}
	if cfg.Device.Timeout <= 0 {
		errs = append(errs, errors.New("device.timeout must be positive"))
	}
	if cfg.Device.ResetTimeout <= 0 {
		errs = append(errs, errors.New("device.reset_timeout must be positive"))
	}

	// Vocoder
	if mode, err := dv3000.ParseMode(cfg.Vocoder.Mode); err != nil {
		errs = append(errs, fmt.Errorf("vocoder.mode: %w", err))
	} else if _, err := dv3000.Resolve(mode, cfg.Vocoder.FEC); err != nil {
		errs = append(errs, fmt.Errorf("vocoder.mode %s with fec=%v: %w", mode, cfg.Vocoder.FEC, err))
	}
	a := cfg.Vocoder.Amplitude
	if a <= 0 || math.IsInf(a, 0) || math.IsNaN(a) {
		errs = append(errs, fmt.Errorf("vocoder.amplitude must be a positive number, got %v", a))
	}

	// Logging
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q must be debug, info, warn or error", cfg.Logging.Level))
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be text or json", cfg.Logging.Format))
	}

	// Metrics
	if cfg.Metrics.Enabled && cfg.Metrics.Prometheus.Enabled {
		if cfg.Metrics.Prometheus.Port <= 0 || cfg.Metrics.Prometheus.Port > 65535 {
			errs = append(errs, errors.New("metrics.prometheus.port must be between 1 and 65535"))
		}
		if !strings.HasPrefix(cfg.Metrics.Prometheus.Path, "/") {
			errs = append(errs, errors.New("metrics.prometheus.path must start with /"))
		}
	}

	// History
	if cfg.History.Enabled && cfg.History.Path == "" {
		errs = append(errs, errors.New("history.path is required when history is enabled"))
	}

	return errors.Join(errs...)
}
