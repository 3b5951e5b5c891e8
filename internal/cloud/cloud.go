// Package cloud holds the assembled point cloud model: a pooled
// structure-of-arrays container, the Sink contract the integrator feeds,
// an Accumulator that batches scans into clouds and fans them out to
// publishers, and PCD/ASC exporters.
package cloud

import (
	"fmt"
	"sync"
	"time"
)

// Layout selects which per-point channels a cloud carries.
type Layout int

const (
	// LayoutXYZ carries coordinates only.
	LayoutXYZ Layout = iota
	// LayoutXYZI adds the sensor intensity channel.
	LayoutXYZI
	// LayoutXYZRGB adds both intensity and a colour derived from it.
	LayoutXYZRGB
)

func (l Layout) String() string {
	switch l {
	case LayoutXYZ:
		return "xyz"
	case LayoutXYZI:
		return "xyzi"
	case LayoutXYZRGB:
		return "xyzrgb"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

// ParseLayout maps a config string to a Layout.
func ParseLayout(s string) (Layout, error) {
	switch s {
	case "xyz":
		return LayoutXYZ, nil
	case "xyzi", "":
		return LayoutXYZI, nil
	case "xyzrgb":
		return LayoutXYZRGB, nil
	default:
		return 0, fmt.Errorf("unknown cloud layout %q", s)
	}
}

// PointCloud is an assembled cloud in structure-of-arrays form. X, Y and Z
// always run in lockstep; Intensity is populated for LayoutXYZI and
// LayoutXYZRGB, RGB (packed 0x00RRGGBB) for LayoutXYZRGB only.
type PointCloud struct {
	ID     string
	Frame  string
	Stamp  time.Time
	Layout Layout
	Scans  int

	X, Y, Z   []float32
	Intensity []float32
	RGB       []uint32
}

// Len returns the number of points.
func (c *PointCloud) Len() int { return len(c.X) }

// Clone returns an independent pooled copy. Publishers that need to keep a
// cloud past PublishCloud must clone it.
func (c *PointCloud) Clone() *PointCloud {
	out := GetPointCloud(c.Layout)
	out.ID = c.ID
	out.Frame = c.Frame
	out.Stamp = c.Stamp
	out.Scans = c.Scans
	out.X = append(out.X, c.X...)
	out.Y = append(out.Y, c.Y...)
	out.Z = append(out.Z, c.Z...)
	out.Intensity = append(out.Intensity, c.Intensity...)
	out.RGB = append(out.RGB, c.RGB...)
	return out
}

// grow reserves capacity for n additional points.
func (c *PointCloud) grow(n int) {
	if n <= 0 {
		return
	}
	c.X = growSlice(c.X, n)
	c.Y = growSlice(c.Y, n)
	c.Z = growSlice(c.Z, n)
	if c.Layout != LayoutXYZ {
		c.Intensity = growSlice(c.Intensity, n)
	}
	if c.Layout == LayoutXYZRGB {
		c.RGB = growSlice(c.RGB, n)
	}
}

func growSlice[T any](s []T, n int) []T {
	if cap(s)-len(s) >= n {
		return s
	}
	out := make([]T, len(s), len(s)+n)
	copy(out, s)
	return out
}

func (c *PointCloud) reset() {
	c.ID = ""
	c.Frame = ""
	c.Stamp = time.Time{}
	c.Layout = LayoutXYZ
	c.Scans = 0
	c.X = c.X[:0]
	c.Y = c.Y[:0]
	c.Z = c.Z[:0]
	c.Intensity = c.Intensity[:0]
	c.RGB = c.RGB[:0]
}

var cloudPool = sync.Pool{
	New: func() any { return new(PointCloud) },
}

// GetPointCloud returns an empty cloud from the pool with its backing
// arrays retained from previous use.
func GetPointCloud(layout Layout) *PointCloud {
	c := cloudPool.Get().(*PointCloud)
	c.Layout = layout
	return c
}

// Release resets the cloud and returns it to the pool. The caller must not
// touch the cloud afterwards.
func (c *PointCloud) Release() {
	c.reset()
	cloudPool.Put(c)
}
