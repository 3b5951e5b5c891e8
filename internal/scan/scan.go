// Package scan defines the 2-D laser scan model shared by the scan
// sources and the assembler, the polar-to-Cartesian projection cache,
// and the UDP wire codec for scan datagrams.
package scan

import (
	"fmt"
	"time"
)

// LaserScan is one angular sweep of range measurements from a 2-D laser
// sensor. Sample i was taken at Stamp + i*TimeIncrement looking along
// AngleMin + i*AngleIncrement radians in the sensor's X-Y plane.
// Instances are treated as immutable once handed to the assembler.
type LaserScan struct {
	// Frame is the sensor's coordinate frame id.
	Frame string

	// Stamp is the acquisition time of sample 0.
	Stamp time.Time

	// TimeIncrement is the time between consecutive samples.
	TimeIncrement time.Duration

	// AngleMin is the bearing of sample 0 in radians.
	AngleMin float64

	// AngleIncrement is the angular step between samples in radians.
	AngleIncrement float64

	// RangeMin and RangeMax are the sensor-advertised usable limits in
	// metres. Effective acceptance cutoffs are derived from these.
	RangeMin float64
	RangeMax float64

	// Ranges holds one distance per sample, metres. Entries may be NaN
	// or Inf where the sensor reported no return.
	Ranges []float32

	// Intensities optionally holds return strengths. It may be nil or
	// shorter than Ranges; missing entries read as 0.
	Intensities []float32
}

// Count returns the number of samples in the scan.
func (s *LaserScan) Count() int { return len(s.Ranges) }

// EndTime returns the acquisition time of the last sample.
func (s *LaserScan) EndTime() time.Time {
	if n := s.Count(); n > 1 {
		return s.Stamp.Add(time.Duration(n-1) * s.TimeIncrement)
	}
	return s.Stamp
}

// MidTime returns the time halfway through the sweep.
func (s *LaserScan) MidTime() time.Time {
	if n := s.Count(); n > 1 {
		return s.Stamp.Add(time.Duration(n-1) * s.TimeIncrement / 2)
	}
	return s.Stamp
}

// Intensity returns the intensity of sample i, defaulting to 0 when the
// intensity array is absent or shorter than the range array.
func (s *LaserScan) Intensity(i int) float32 {
	if i < len(s.Intensities) {
		return s.Intensities[i]
	}
	return 0
}

// Validate checks the structural constraints a scan must satisfy before
// integration. It does not inspect individual range values; non-finite
// ranges are legal and filtered per sample.
func (s *LaserScan) Validate() error {
	if s.Frame == "" {
		return fmt.Errorf("scan has no frame id")
	}
	if len(s.Ranges) == 0 {
		return fmt.Errorf("scan has no samples")
	}
	if len(s.Intensities) > len(s.Ranges) {
		return fmt.Errorf("scan has %d intensities for %d ranges", len(s.Intensities), len(s.Ranges))
	}
	if s.TimeIncrement < 0 {
		return fmt.Errorf("scan has negative time increment %v", s.TimeIncrement)
	}
	return nil
}
