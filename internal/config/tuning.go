package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for tuning parameters.
// Fields are pointers so that a partial JSON file only overrides what it
// names; the Get* accessors fall back to defaults for nil fields.
type TuningConfig struct {
	// Correlation params
	ToleranceMs       *float64 `json:"tolerance_ms,omitempty"`
	SignalToleranceMs *float64 `json:"signal_tolerance_ms,omitempty"`
	SpatialMode       *bool    `json:"spatial_mode,omitempty"`
	MinIoU            *float64 `json:"min_iou,omitempty"`

	// Broadcast params
	SubscriberBuffer *int `json:"subscriber_buffer,omitempty"`

	// Session params
	IdleWarnAfter *string `json:"idle_warn_after,omitempty"` // duration string like "30s"

	// Signal port params
	SignalBaudRate *int    `json:"signal_baud_rate,omitempty"`
	SignalReadWait *string `json:"signal_read_wait,omitempty"` // duration string like "100ms"
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the
// max file size. Fields omitted from the JSON file retain their default
// values, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON into empty config. The Get* methods provide fallback
	// defaults for any fields not specified in the JSON.
	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	// Try paths from current dir up to repo root
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.ToleranceMs != nil && *c.ToleranceMs <= 0 {
		return fmt.Errorf("tolerance_ms must be positive, got %f", *c.ToleranceMs)
	}
	if c.SignalToleranceMs != nil && *c.SignalToleranceMs <= 0 {
		return fmt.Errorf("signal_tolerance_ms must be positive, got %f", *c.SignalToleranceMs)
	}
	if c.MinIoU != nil {
		if *c.MinIoU < 0 || *c.MinIoU > 1 {
			return fmt.Errorf("min_iou must be between 0 and 1, got %f", *c.MinIoU)
		}
	}
	if c.SubscriberBuffer != nil && *c.SubscriberBuffer < 2 {
		return fmt.Errorf("subscriber_buffer must be at least 2, got %d", *c.SubscriberBuffer)
	}
	if c.IdleWarnAfter != nil && *c.IdleWarnAfter != "" {
		if _, err := time.ParseDuration(*c.IdleWarnAfter); err != nil {
			return fmt.Errorf("invalid idle_warn_after '%s': %w", *c.IdleWarnAfter, err)
		}
	}
	if c.SignalReadWait != nil && *c.SignalReadWait != "" {
		if _, err := time.ParseDuration(*c.SignalReadWait); err != nil {
			return fmt.Errorf("invalid signal_read_wait '%s': %w", *c.SignalReadWait, err)
		}
	}
	if c.SignalBaudRate != nil && *c.SignalBaudRate <= 0 {
		return fmt.Errorf("signal_baud_rate must be positive, got %d", *c.SignalBaudRate)
	}
	return nil
}

// GetToleranceMs returns the tolerance_ms value or the default.
func (c *TuningConfig) GetToleranceMs() float64 {
	if c.ToleranceMs == nil {
		return 100 // default
	}
	return *c.ToleranceMs
}

// GetSignalToleranceMs returns the signal_tolerance_ms value or the
// detection tolerance when unset.
func (c *TuningConfig) GetSignalToleranceMs() float64 {
	if c.SignalToleranceMs == nil {
		return c.GetToleranceMs()
	}
	return *c.SignalToleranceMs
}

// GetSpatialMode returns the spatial_mode value or the default.
func (c *TuningConfig) GetSpatialMode() bool {
	if c.SpatialMode == nil {
		return false // default: time-only correlation
	}
	return *c.SpatialMode
}

// GetMinIoU returns the min_iou value or the default.
func (c *TuningConfig) GetMinIoU() float64 {
	if c.MinIoU == nil {
		return 0.5
	}
	return *c.MinIoU
}

// GetSubscriberBuffer returns the subscriber_buffer value or the default.
func (c *TuningConfig) GetSubscriberBuffer() int {
	if c.SubscriberBuffer == nil {
		return 64
	}
	return *c.SubscriberBuffer
}

// GetIdleWarnAfter parses and returns the idle_warn_after as a time.Duration.
func (c *TuningConfig) GetIdleWarnAfter() time.Duration {
	if c.IdleWarnAfter == nil || *c.IdleWarnAfter == "" {
		return 30 * time.Second // default
	}
	d, err := time.ParseDuration(*c.IdleWarnAfter)
	if err != nil {
		return 30 * time.Second // default on parse error
	}
	return d
}

// GetSignalBaudRate returns the signal_baud_rate value or the default.
func (c *TuningConfig) GetSignalBaudRate() int {
	if c.SignalBaudRate == nil {
		return 115200
	}
	return *c.SignalBaudRate
}

// GetSignalReadWait parses and returns the signal_read_wait as a time.Duration.
func (c *TuningConfig) GetSignalReadWait() time.Duration {
	if c.SignalReadWait == nil || *c.SignalReadWait == "" {
		return 100 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.SignalReadWait)
	if err != nil {
		return 100 * time.Millisecond // default on parse error
	}
	return d
}
