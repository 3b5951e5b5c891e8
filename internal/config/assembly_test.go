package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultAssemblyConfig(t *testing.T) {
	cfg := DefaultAssemblyConfig()

	if cfg.TargetFrame == nil || *cfg.TargetFrame != "map" {
		t.Errorf("Expected TargetFrame map, got %v", cfg.TargetFrame)
	}
	if cfg.Interpolate == nil || *cfg.Interpolate != true {
		t.Errorf("Expected Interpolate true, got %v", cfg.Interpolate)
	}
	if cfg.TFLookupTimeout == nil || *cfg.TFLookupTimeout != "100ms" {
		t.Errorf("Expected TFLookupTimeout '100ms', got %v", cfg.TFLookupTimeout)
	}
	if cfg.ScansPerCloud == nil || *cfg.ScansPerCloud != 1 {
		t.Errorf("Expected ScansPerCloud 1, got %v", cfg.ScansPerCloud)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config failed validation: %v", err)
	}

	if cfg.GetTargetFrame() != "map" {
		t.Errorf("GetTargetFrame() = %q, want map", cfg.GetTargetFrame())
	}
	if cfg.GetTFLookupTimeout() != 100*time.Millisecond {
		t.Errorf("GetTFLookupTimeout() = %v, want 100ms", cfg.GetTFLookupTimeout())
	}
	if cfg.GetCloudLayout() != "xyzi" {
		t.Errorf("GetCloudLayout() = %q, want xyzi", cfg.GetCloudLayout())
	}
	if cfg.GetMaxCloudAge() != 0 {
		t.Errorf("GetMaxCloudAge() = %v, want 0", cfg.GetMaxCloudAge())
	}
}

func TestEmptyAssemblyConfigDefaults(t *testing.T) {
	cfg := EmptyAssemblyConfig()

	if cfg.GetTargetFrame() != "map" {
		t.Errorf("GetTargetFrame() = %q, want map", cfg.GetTargetFrame())
	}
	if cfg.GetRecoveryFrame() != "" {
		t.Errorf("GetRecoveryFrame() = %q, want empty", cfg.GetRecoveryFrame())
	}
	if !cfg.GetInterpolate() {
		t.Error("GetInterpolate() = false, want true")
	}
	if cfg.GetMinRangeCutoffPct() != 1.0 || cfg.GetMaxRangeCutoffPct() != 1.0 {
		t.Errorf("cutoffs = %v/%v, want 1.0/1.0", cfg.GetMinRangeCutoffPct(), cfg.GetMaxRangeCutoffPct())
	}
	if cfg.GetScanQueueSize() != 64 {
		t.Errorf("GetScanQueueSize() = %d, want 64", cfg.GetScanQueueSize())
	}
	if q := cfg.GetRecoveryQuaternion(); q != [4]float64{1, 0, 0, 0} {
		t.Errorf("GetRecoveryQuaternion() = %v, want identity", q)
	}
}

func TestLoadAssemblyConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "assembly.json")

	testJSON := `{
  "target_frame": "odom",
  "interpolate": false,
  "min_range_cutoff_pct": 1.05,
  "max_range_cutoff_pct": 0.95,
  "tf_lookup_timeout": "250ms",
  "cloud_layout": "xyzrgb",
  "scans_per_cloud": 4,
  "max_cloud_age": "2s"
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadAssemblyConfig(configPath)
	if err != nil {
		t.Fatalf("LoadAssemblyConfig() error = %v", err)
	}

	if cfg.GetTargetFrame() != "odom" {
		t.Errorf("GetTargetFrame() = %q, want odom", cfg.GetTargetFrame())
	}
	if cfg.GetInterpolate() {
		t.Error("GetInterpolate() = true, want false")
	}
	if cfg.GetMinRangeCutoffPct() != 1.05 {
		t.Errorf("GetMinRangeCutoffPct() = %v, want 1.05", cfg.GetMinRangeCutoffPct())
	}
	if cfg.GetTFLookupTimeout() != 250*time.Millisecond {
		t.Errorf("GetTFLookupTimeout() = %v, want 250ms", cfg.GetTFLookupTimeout())
	}
	if cfg.GetCloudLayout() != "xyzrgb" {
		t.Errorf("GetCloudLayout() = %q, want xyzrgb", cfg.GetCloudLayout())
	}
	if cfg.GetScansPerCloud() != 4 {
		t.Errorf("GetScansPerCloud() = %d, want 4", cfg.GetScansPerCloud())
	}
	if cfg.GetMaxCloudAge() != 2*time.Second {
		t.Errorf("GetMaxCloudAge() = %v, want 2s", cfg.GetMaxCloudAge())
	}

	// Omitted fields keep their defaults.
	if cfg.GetScanQueueSize() != 64 {
		t.Errorf("GetScanQueueSize() = %d, want default 64", cfg.GetScanQueueSize())
	}
}

func TestLoadAssemblyConfig_Rejections(t *testing.T) {
	tmpDir := t.TempDir()

	write := func(name, content string) string {
		t.Helper()
		p := filepath.Join(tmpDir, name)
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
		return p
	}

	tests := []struct {
		name string
		path string
	}{
		{"wrong extension", write("assembly.yaml", `{}`)},
		{"missing file", filepath.Join(tmpDir, "absent.json")},
		{"malformed json", write("bad.json", `{"target_frame": `)},
		{"empty target frame", write("frame.json", `{"target_frame": ""}`)},
		{"negative cutoff", write("cutoff.json", `{"min_range_cutoff_pct": -0.5}`)},
		{"bad timeout", write("timeout.json", `{"tf_lookup_timeout": "fast"}`)},
		{"negative timeout", write("negtimeout.json", `{"tf_lookup_timeout": "-1s"}`)},
		{"bad layout", write("layout.json", `{"cloud_layout": "rgbxyz"}`)},
		{"zero scans per cloud", write("scans.json", `{"scans_per_cloud": 0}`)},
		{"zero quaternion", write("quat.json", `{"recovery_quaternion": [0,0,0,0]}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadAssemblyConfig(tt.path); err == nil {
				t.Errorf("LoadAssemblyConfig(%s) succeeded, expected an error", tt.name)
			}
		})
	}
}

func TestAssemblyConfig_PartialOverride(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "partial.json")
	if err := os.WriteFile(configPath, []byte(`{"recovery_frame": "odom"}`), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadAssemblyConfig(configPath)
	if err != nil {
		t.Fatalf("LoadAssemblyConfig() error = %v", err)
	}
	if cfg.GetRecoveryFrame() != "odom" {
		t.Errorf("GetRecoveryFrame() = %q, want odom", cfg.GetRecoveryFrame())
	}
	// Everything else stays at defaults.
	if cfg.GetTargetFrame() != "map" || !cfg.GetInterpolate() {
		t.Errorf("unexpected defaults: frame=%q interpolate=%v", cfg.GetTargetFrame(), cfg.GetInterpolate())
	}
	if cfg.TargetFrame != nil {
		t.Error("TargetFrame pointer set for an omitted field")
	}
}

func TestAssemblyConfig_Resolved(t *testing.T) {
	partial := EmptyAssemblyConfig()
	frame := "odom"
	partial.RecoveryFrame = &frame

	full := partial.Resolved()
	if full.TargetFrame == nil || *full.TargetFrame != "map" {
		t.Errorf("resolved TargetFrame = %v, expected map", full.TargetFrame)
	}
	if full.RecoveryFrame == nil || *full.RecoveryFrame != "odom" {
		t.Errorf("resolved RecoveryFrame = %v, expected the configured odom", full.RecoveryFrame)
	}
	if full.TFLookupTimeout == nil || *full.TFLookupTimeout != "100ms" {
		t.Errorf("resolved TFLookupTimeout = %v, expected 100ms", full.TFLookupTimeout)
	}
	if full.RecoveryQuaternion == nil || *full.RecoveryQuaternion != [4]float64{1, 0, 0, 0} {
		t.Errorf("resolved RecoveryQuaternion = %v, expected identity", full.RecoveryQuaternion)
	}
	if full.ScanQueueSize == nil || *full.ScanQueueSize != 64 {
		t.Errorf("resolved ScanQueueSize = %v, expected 64", full.ScanQueueSize)
	}

	// Resolving is a copy, not a mutation.
	if partial.TargetFrame != nil {
		t.Error("Resolved() filled in the receiver's fields")
	}
}
