// Package tf tracks rigid transforms between named coordinate frames
// over time. The Provider interface is what the assembler consumes; the
// Buffer is the in-process implementation fed by pose sources.
//
// Frame relationships form a tree: every child frame has one parent at
// a time, and a lookup composes the chain through their common
// ancestor. Histories are interpolated, never extrapolated.
package tf

import (
	"errors"
	"time"

	"github.com/calyx-robotics/scancloud/internal/geom"
)

// ErrNotAvailable reports that a transform chain could not be evaluated
// within the allotted time: a frame is unknown, the tree has a gap, or
// the requested instant lies outside the recorded history. Callers test
// for it with errors.Is and treat it as recoverable.
var ErrNotAvailable = errors.New("transform not available")

// Provider supplies transforms between named frames at arbitrary
// timestamps. Implementations block up to the given timeout waiting for
// the transform tree to cover the requested instant.
type Provider interface {
	// Lookup returns T_target←source at a single instant.
	Lookup(target, source string, at time.Time, timeout time.Duration) (geom.Transform, error)

	// LookupLatest returns T_target←source using the newest data on
	// each link, with no constraint on the instant. Used for bridging
	// via quasi-static frames.
	LookupLatest(target, source string, timeout time.Duration) (geom.Transform, error)

	// Sample collects k ≥ 2 transforms at evenly spaced instants
	// spanning [t0, t1] inclusive, ordered by time. Instants that
	// cannot be served are skipped; at least one transform must
	// resolve or the call fails with ErrNotAvailable.
	Sample(target, source string, t0, t1 time.Time, k int, timeout time.Duration) ([]geom.Transform, error)
}
