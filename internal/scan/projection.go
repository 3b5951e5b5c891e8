package scan

import (
	"math"

	"gonum.org/v1/gonum/floats/scalar"
)

// angleTolerance is the absolute tolerance used when comparing cached
// angular geometry against an incoming scan. Sensors reproduce these
// fields bit-identically scan to scan, so the tolerance only has to
// absorb serialization round-trips.
const angleTolerance = 1e-9

// ProjectionCache memoizes the per-sample cos/sin table for a scan
// geometry. A sensor emits thousands of scans with identical geometry,
// so the trig is recomputed only when the sample count, starting angle
// or angular step actually changes.
//
// A cache belongs to exactly one integrator and is not safe for
// concurrent use.
type ProjectionCache struct {
	count          int
	angleMin       float64
	angleIncrement float64
	cos            []float64
	sin            []float64
}

// Refresh makes the cache valid for s's geometry. It returns false
// without touching the table when the geometry already matches, true
// after rebuilding it. All three geometry fields participate in the
// match; the range limits do not.
func (c *ProjectionCache) Refresh(s *LaserScan) bool {
	n := s.Count()
	if c.count == n &&
		scalar.EqualWithinAbs(c.angleMin, s.AngleMin, angleTolerance) &&
		scalar.EqualWithinAbs(c.angleIncrement, s.AngleIncrement, angleTolerance) {
		return false
	}

	if cap(c.cos) < n {
		c.cos = make([]float64, n)
		c.sin = make([]float64, n)
	} else {
		c.cos = c.cos[:n]
		c.sin = c.sin[:n]
	}
	for i := 0; i < n; i++ {
		theta := s.AngleMin + float64(i)*s.AngleIncrement
		c.cos[i] = math.Cos(theta)
		c.sin[i] = math.Sin(theta)
	}

	c.count = n
	c.angleMin = s.AngleMin
	c.angleIncrement = s.AngleIncrement
	return true
}

// Len returns the number of cached samples.
func (c *ProjectionCache) Len() int { return c.count }

// Cos returns cos(θᵢ) for sample i of the cached geometry.
func (c *ProjectionCache) Cos(i int) float64 { return c.cos[i] }

// Sin returns sin(θᵢ) for sample i of the cached geometry.
func (c *ProjectionCache) Sin(i int) float64 { return c.sin[i] }
