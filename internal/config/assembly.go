// Package config loads the assembly service configuration from JSON.
// All fields are pointers so a partial file overrides only what it names;
// the Get* accessors supply defaults for everything else. The schema
// matches the /api/params endpoint so the same JSON works for startup
// configuration and runtime inspection.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// AssemblyConfig is the root configuration for the scan assembly service.
type AssemblyConfig struct {
	// Frames and pose handling
	TargetFrame   *string `json:"target_frame,omitempty"`
	RecoveryFrame *string `json:"recovery_frame,omitempty"`
	Interpolate   *bool   `json:"interpolate,omitempty"`

	// RecoveryTranslation and RecoveryQuaternion seed the stored
	// recovery-to-target transform: [x y z] and [w x y z].
	RecoveryTranslation *[3]float64 `json:"recovery_translation,omitempty"`
	RecoveryQuaternion  *[4]float64 `json:"recovery_quaternion,omitempty"`

	// Range gating
	MinRangeCutoffPct *float64 `json:"min_range_cutoff_pct,omitempty"`
	MaxRangeCutoffPct *float64 `json:"max_range_cutoff_pct,omitempty"`

	// Pose lookup
	TFLookupTimeout *string `json:"tf_lookup_timeout,omitempty"` // duration string like "100ms"

	// Cloud batching
	CloudLayout   *string `json:"cloud_layout,omitempty"` // xyz, xyzi or xyzrgb
	ScansPerCloud *int    `json:"scans_per_cloud,omitempty"`
	MaxCloudAge   *string `json:"max_cloud_age,omitempty"` // duration string; "0s" disables

	// Pipeline
	ScanQueueSize *int `json:"scan_queue_size,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyAssemblyConfig returns an AssemblyConfig with all fields nil.
func EmptyAssemblyConfig() *AssemblyConfig {
	return &AssemblyConfig{}
}

// DefaultAssemblyConfig returns an AssemblyConfig with every field set to
// its default, for tests and for serving the full parameter set.
func DefaultAssemblyConfig() *AssemblyConfig {
	return &AssemblyConfig{
		TargetFrame:       ptrString("map"),
		RecoveryFrame:     ptrString(""),
		Interpolate:       ptrBool(true),
		MinRangeCutoffPct: ptrFloat64(1.0),
		MaxRangeCutoffPct: ptrFloat64(1.0),
		TFLookupTimeout:   ptrString("100ms"),
		CloudLayout:       ptrString("xyzi"),
		ScansPerCloud:     ptrInt(1),
		MaxCloudAge:       ptrString("0s"),
		ScanQueueSize:     ptrInt(64),
	}
}

// LoadAssemblyConfig loads an AssemblyConfig from a JSON file. The file
// must carry a .json extension and stay under 1MB. Fields omitted from the
// file keep their defaults, so partial configs are safe.
func LoadAssemblyConfig(path string) (*AssemblyConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyAssemblyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that every configured value is usable.
func (c *AssemblyConfig) Validate() error {
	if c.TargetFrame != nil && *c.TargetFrame == "" {
		return fmt.Errorf("target_frame must not be empty")
	}
	if c.MinRangeCutoffPct != nil {
		if v := *c.MinRangeCutoffPct; !(v > 0) || math.IsInf(v, 0) {
			return fmt.Errorf("min_range_cutoff_pct must be a positive finite factor, got %v", v)
		}
	}
	if c.MaxRangeCutoffPct != nil {
		if v := *c.MaxRangeCutoffPct; !(v > 0) || math.IsInf(v, 0) {
			return fmt.Errorf("max_range_cutoff_pct must be a positive finite factor, got %v", v)
		}
	}
	if c.TFLookupTimeout != nil && *c.TFLookupTimeout != "" {
		d, err := time.ParseDuration(*c.TFLookupTimeout)
		if err != nil {
			return fmt.Errorf("invalid tf_lookup_timeout %q: %w", *c.TFLookupTimeout, err)
		}
		if d < 0 {
			return fmt.Errorf("tf_lookup_timeout must not be negative, got %q", *c.TFLookupTimeout)
		}
	}
	if c.CloudLayout != nil {
		switch *c.CloudLayout {
		case "", "xyz", "xyzi", "xyzrgb":
		default:
			return fmt.Errorf("unknown cloud_layout %q", *c.CloudLayout)
		}
	}
	if c.ScansPerCloud != nil && *c.ScansPerCloud < 1 {
		return fmt.Errorf("scans_per_cloud must be at least 1, got %d", *c.ScansPerCloud)
	}
	if c.MaxCloudAge != nil && *c.MaxCloudAge != "" {
		if _, err := time.ParseDuration(*c.MaxCloudAge); err != nil {
			return fmt.Errorf("invalid max_cloud_age %q: %w", *c.MaxCloudAge, err)
		}
	}
	if c.ScanQueueSize != nil && *c.ScanQueueSize < 1 {
		return fmt.Errorf("scan_queue_size must be at least 1, got %d", *c.ScanQueueSize)
	}
	if c.RecoveryQuaternion != nil {
		q := *c.RecoveryQuaternion
		if q[0] == 0 && q[1] == 0 && q[2] == 0 && q[3] == 0 {
			return fmt.Errorf("recovery_quaternion must not be all zero")
		}
	}
	return nil
}

// GetTargetFrame returns the target_frame value or the default.
func (c *AssemblyConfig) GetTargetFrame() string {
	if c.TargetFrame == nil {
		return "map"
	}
	return *c.TargetFrame
}

// GetRecoveryFrame returns the recovery_frame value or the default
// (empty: recovery disabled).
func (c *AssemblyConfig) GetRecoveryFrame() string {
	if c.RecoveryFrame == nil {
		return ""
	}
	return *c.RecoveryFrame
}

// GetInterpolate returns the interpolate value or the default.
func (c *AssemblyConfig) GetInterpolate() bool {
	if c.Interpolate == nil {
		return true
	}
	return *c.Interpolate
}

// GetMinRangeCutoffPct returns the min_range_cutoff_pct value or the default.
func (c *AssemblyConfig) GetMinRangeCutoffPct() float64 {
	if c.MinRangeCutoffPct == nil {
		return 1.0
	}
	return *c.MinRangeCutoffPct
}

// GetMaxRangeCutoffPct returns the max_range_cutoff_pct value or the default.
func (c *AssemblyConfig) GetMaxRangeCutoffPct() float64 {
	if c.MaxRangeCutoffPct == nil {
		return 1.0
	}
	return *c.MaxRangeCutoffPct
}

// GetTFLookupTimeout parses and returns tf_lookup_timeout as a duration.
func (c *AssemblyConfig) GetTFLookupTimeout() time.Duration {
	if c.TFLookupTimeout == nil || *c.TFLookupTimeout == "" {
		return 100 * time.Millisecond
	}
	d, err := time.ParseDuration(*c.TFLookupTimeout)
	if err != nil {
		return 100 * time.Millisecond
	}
	return d
}

// GetCloudLayout returns the cloud_layout value or the default.
func (c *AssemblyConfig) GetCloudLayout() string {
	if c.CloudLayout == nil || *c.CloudLayout == "" {
		return "xyzi"
	}
	return *c.CloudLayout
}

// GetScansPerCloud returns the scans_per_cloud value or the default.
func (c *AssemblyConfig) GetScansPerCloud() int {
	if c.ScansPerCloud == nil {
		return 1
	}
	return *c.ScansPerCloud
}

// GetMaxCloudAge parses and returns max_cloud_age as a duration.
// Zero disables age-based cloud cuts.
func (c *AssemblyConfig) GetMaxCloudAge() time.Duration {
	if c.MaxCloudAge == nil || *c.MaxCloudAge == "" {
		return 0
	}
	d, err := time.ParseDuration(*c.MaxCloudAge)
	if err != nil {
		return 0
	}
	return d
}

// GetScanQueueSize returns the scan_queue_size value or the default.
func (c *AssemblyConfig) GetScanQueueSize() int {
	if c.ScanQueueSize == nil {
		return 64
	}
	return *c.ScanQueueSize
}

// GetRecoveryTranslation returns the recovery translation seed or zero.
func (c *AssemblyConfig) GetRecoveryTranslation() [3]float64 {
	if c.RecoveryTranslation == nil {
		return [3]float64{}
	}
	return *c.RecoveryTranslation
}

// Resolved returns a copy with every field populated, configured values
// where present and defaults elsewhere. This is what /api/params serves,
// so operators see the effective configuration rather than just the
// overrides.
func (c *AssemblyConfig) Resolved() *AssemblyConfig {
	translation := c.GetRecoveryTranslation()
	quaternion := c.GetRecoveryQuaternion()
	return &AssemblyConfig{
		TargetFrame:         ptrString(c.GetTargetFrame()),
		RecoveryFrame:       ptrString(c.GetRecoveryFrame()),
		Interpolate:         ptrBool(c.GetInterpolate()),
		RecoveryTranslation: &translation,
		RecoveryQuaternion:  &quaternion,
		MinRangeCutoffPct:   ptrFloat64(c.GetMinRangeCutoffPct()),
		MaxRangeCutoffPct:   ptrFloat64(c.GetMaxRangeCutoffPct()),
		TFLookupTimeout:     ptrString(c.GetTFLookupTimeout().String()),
		CloudLayout:         ptrString(c.GetCloudLayout()),
		ScansPerCloud:       ptrInt(c.GetScansPerCloud()),
		MaxCloudAge:         ptrString(c.GetMaxCloudAge().String()),
		ScanQueueSize:       ptrInt(c.GetScanQueueSize()),
	}
}

// GetRecoveryQuaternion returns the recovery rotation seed or identity.
func (c *AssemblyConfig) GetRecoveryQuaternion() [4]float64 {
	if c.RecoveryQuaternion == nil {
		return [4]float64{1, 0, 0, 0}
	}
	return *c.RecoveryQuaternion
}
