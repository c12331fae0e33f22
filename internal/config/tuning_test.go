package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadTuningConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_config.json")

	testJSON := `{
  "tolerance_ms": 250,
  "signal_tolerance_ms": 80,
  "spatial_mode": true,
  "min_iou": 0.3,
  "subscriber_buffer": 128,
  "idle_warn_after": "10s"
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadTuningConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.ToleranceMs == nil || *cfg.ToleranceMs != 250 {
		t.Errorf("Expected ToleranceMs 250, got %v", cfg.ToleranceMs)
	}
	if cfg.SignalToleranceMs == nil || *cfg.SignalToleranceMs != 80 {
		t.Errorf("Expected SignalToleranceMs 80, got %v", cfg.SignalToleranceMs)
	}
	if cfg.SpatialMode == nil || *cfg.SpatialMode != true {
		t.Errorf("Expected SpatialMode true, got %v", cfg.SpatialMode)
	}
	if cfg.MinIoU == nil || *cfg.MinIoU != 0.3 {
		t.Errorf("Expected MinIoU 0.3, got %v", cfg.MinIoU)
	}
	if cfg.SubscriberBuffer == nil || *cfg.SubscriberBuffer != 128 {
		t.Errorf("Expected SubscriberBuffer 128, got %v", cfg.SubscriberBuffer)
	}
	if cfg.GetIdleWarnAfter() != 10*time.Second {
		t.Errorf("GetIdleWarnAfter() = %v, want 10s", cfg.GetIdleWarnAfter())
	}
}

func TestLoadTuningConfigMissing(t *testing.T) {
	_, err := LoadTuningConfig("/nonexistent/path/to/config.json")
	if err == nil {
		t.Error("Expected error when loading missing file, got nil")
	}
}

func TestLoadTuningConfigInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid_config.json")

	invalidJSON := `{
  "tolerance_ms": "invalid"
`
	if err := os.WriteFile(configPath, []byte(invalidJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := LoadTuningConfig(configPath)
	if err == nil {
		t.Error("Expected error when loading invalid JSON, got nil")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *TuningConfig
		wantErr bool
	}{
		{
			name:    "empty config is valid",
			cfg:     &TuningConfig{},
			wantErr: false,
		},
		{
			name: "full valid config",
			cfg: &TuningConfig{
				ToleranceMs:       ptrFloat64(100),
				SignalToleranceMs: ptrFloat64(100),
				SpatialMode:       ptrBool(true),
				MinIoU:            ptrFloat64(0.5),
				SubscriberBuffer:  ptrInt(64),
				IdleWarnAfter:     ptrString("30s"),
			},
			wantErr: false,
		},
		{
			name:    "zero tolerance",
			cfg:     &TuningConfig{ToleranceMs: ptrFloat64(0)},
			wantErr: true,
		},
		{
			name:    "negative signal tolerance",
			cfg:     &TuningConfig{SignalToleranceMs: ptrFloat64(-5)},
			wantErr: true,
		},
		{
			name:    "min_iou below range",
			cfg:     &TuningConfig{MinIoU: ptrFloat64(-0.1)},
			wantErr: true,
		},
		{
			name:    "min_iou above range",
			cfg:     &TuningConfig{MinIoU: ptrFloat64(1.5)},
			wantErr: true,
		},
		{
			name:    "subscriber buffer too small",
			cfg:     &TuningConfig{SubscriberBuffer: ptrInt(1)},
			wantErr: true,
		},
		{
			name:    "invalid idle warn duration",
			cfg:     &TuningConfig{IdleWarnAfter: ptrString("invalid")},
			wantErr: true,
		},
		{
			name:    "invalid signal read wait",
			cfg:     &TuningConfig{SignalReadWait: ptrString("invalid")},
			wantErr: true,
		},
		{
			name:    "zero baud rate",
			cfg:     &TuningConfig{SignalBaudRate: ptrInt(0)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetIdleWarnAfter(t *testing.T) {
	tests := []struct {
		name string
		cfg  *TuningConfig
		want time.Duration
	}{
		{
			name: "10 seconds",
			cfg:  &TuningConfig{IdleWarnAfter: ptrString("10s")},
			want: 10 * time.Second,
		},
		{
			name: "2 minutes",
			cfg:  &TuningConfig{IdleWarnAfter: ptrString("2m")},
			want: 2 * time.Minute,
		},
		{
			name: "nil pointer returns default",
			cfg:  &TuningConfig{},
			want: 30 * time.Second,
		},
		{
			name: "empty string returns default",
			cfg:  &TuningConfig{IdleWarnAfter: ptrString("")},
			want: 30 * time.Second,
		},
		{
			name: "invalid duration returns default",
			cfg:  &TuningConfig{IdleWarnAfter: ptrString("invalid")},
			want: 30 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.cfg.GetIdleWarnAfter()
			if got != tt.want {
				t.Errorf("GetIdleWarnAfter() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMustLoadDefaultConfig(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	if cfg.GetToleranceMs() != 100 {
		t.Errorf("Expected 100, got %f", cfg.GetToleranceMs())
	}
	if cfg.GetSpatialMode() != false {
		t.Errorf("Expected false, got %v", cfg.GetSpatialMode())
	}
	if cfg.GetSignalBaudRate() != 115200 {
		t.Errorf("Expected 115200, got %d", cfg.GetSignalBaudRate())
	}
}

func TestLoadTuningConfigPartial(t *testing.T) {
	// Partial config: only override tolerance; everything else should keep defaults.
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "partial.json")

	partialJSON := `{
  "tolerance_ms": 150
}`
	if err := os.WriteFile(configPath, []byte(partialJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadTuningConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load partial config: %v", err)
	}

	// Overridden value
	if cfg.GetToleranceMs() != 150 {
		t.Errorf("Expected overridden ToleranceMs 150, got %f", cfg.GetToleranceMs())
	}
	// Signal tolerance tracks the detection tolerance when unset
	if cfg.GetSignalToleranceMs() != 150 {
		t.Errorf("Expected SignalToleranceMs to follow ToleranceMs, got %f", cfg.GetSignalToleranceMs())
	}
	// Default values should be preserved
	if cfg.GetMinIoU() != 0.5 {
		t.Errorf("Expected default MinIoU 0.5, got %f", cfg.GetMinIoU())
	}
	if cfg.GetSubscriberBuffer() != 64 {
		t.Errorf("Expected default SubscriberBuffer 64, got %d", cfg.GetSubscriberBuffer())
	}
	if cfg.GetIdleWarnAfter() != 30*time.Second {
		t.Errorf("Expected default IdleWarnAfter 30s, got %v", cfg.GetIdleWarnAfter())
	}
}

func TestLoadTuningConfigRejectsNonJSON(t *testing.T) {
	_, err := LoadTuningConfig("/some/path/config.yaml")
	if err == nil {
		t.Error("Expected error for non-.json extension, got nil")
	}
}

func TestLoadTuningConfigRejectsLargeFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "large.json")

	// Create a file larger than 1MB
	largeData := make([]byte, 2*1024*1024) // 2MB
	if err := os.WriteFile(configPath, largeData, 0644); err != nil {
		t.Fatalf("Failed to write large file: %v", err)
	}

	_, err := LoadTuningConfig(configPath)
	if err == nil {
		t.Error("Expected error for file size > 1MB, got nil")
	}
}

func TestGetterDefaults(t *testing.T) {
	cfg := &TuningConfig{} // empty config

	if cfg.GetToleranceMs() != 100 {
		t.Errorf("GetToleranceMs() = %f, want 100", cfg.GetToleranceMs())
	}
	if cfg.GetSignalToleranceMs() != 100 {
		t.Errorf("GetSignalToleranceMs() = %f, want 100", cfg.GetSignalToleranceMs())
	}
	if cfg.GetSpatialMode() != false {
		t.Errorf("GetSpatialMode() = %v, want false", cfg.GetSpatialMode())
	}
	if cfg.GetMinIoU() != 0.5 {
		t.Errorf("GetMinIoU() = %f, want 0.5", cfg.GetMinIoU())
	}
	if cfg.GetSubscriberBuffer() != 64 {
		t.Errorf("GetSubscriberBuffer() = %d, want 64", cfg.GetSubscriberBuffer())
	}
	if cfg.GetSignalReadWait() != 100*time.Millisecond {
		t.Errorf("GetSignalReadWait() = %v, want 100ms", cfg.GetSignalReadWait())
	}
}
