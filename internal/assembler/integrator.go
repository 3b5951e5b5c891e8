// Package assembler contains the scan-to-cloud integrator. For every
// incoming laser scan it obtains the sensor pose over the scan interval,
// projects each range sample from polar to Cartesian coordinates,
// motion-compensates it into the target frame and emits it to the cloud
// sink. When the direct transform chain is unavailable it can bridge the
// gap through a configured recovery frame.
package assembler

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calyx-robotics/scancloud/internal/cloud"
	"github.com/calyx-robotics/scancloud/internal/diag"
	"github.com/calyx-robotics/scancloud/internal/geom"
	"github.com/calyx-robotics/scancloud/internal/scan"
	"github.com/calyx-robotics/scancloud/internal/tf"
)

const (
	defaultLookupTimeout = 100 * time.Millisecond
	defaultCutoffPct     = 1.0
)

// Config holds the integrator parameters. Zero values select the default
// noted on each field.
type Config struct {
	// TargetFrame is the frame the output cloud is expressed in. Required.
	TargetFrame string

	// MinCutoffPct scales the sensor's advertised minimum range to the
	// effective lower gate: samples with r <= RangeMin*MinCutoffPct are
	// dropped. Default 1.0.
	MinCutoffPct float64

	// MaxCutoffPct scales the sensor's advertised maximum range to the
	// effective upper gate: samples with r >= RangeMax*MaxCutoffPct are
	// dropped. Values a little under 1.0 leave a safety margin. Default 1.0.
	MaxCutoffPct float64

	// Interpolate enables per-sample motion compensation between the poses
	// at the scan's start and end. When off, a single pose at the scan
	// midpoint is applied to every sample.
	Interpolate bool

	// LookupTimeout bounds how long a pose query may block. Default 100ms.
	LookupTimeout time.Duration

	// RecoveryFrame enables the two-hop fallback: when the direct chain to
	// TargetFrame fails, poses are looked up against this frame instead and
	// lifted into the target frame with the stored recovery transform.
	// Empty disables recovery.
	RecoveryFrame string

	// RecoveryTransform seeds the stored recovery-to-target transform used
	// when the recovery path cannot refresh it. Nil means identity.
	RecoveryTransform *geom.Transform
}

// Stats is a snapshot of the integrator counters. ScansInCloud and
// PointsInCloud cover the cloud currently being assembled and reset when
// the sink cuts a cloud; the rest are totals since start.
type Stats struct {
	ScansInCloud   uint64 `json:"scans_in_cloud"`
	PointsInCloud  uint64 `json:"points_in_cloud"`
	CloudsProduced uint64 `json:"clouds_produced"`
	TotalScans     uint64 `json:"total_scans"`
	TotalPoints    uint64 `json:"total_points"`
	DroppedScans   uint64 `json:"dropped_scans"`
	Recoveries     uint64 `json:"recoveries"`
}

// Integrator converts laser scans into target-frame measurements. One
// instance must be driven from a single goroutine; the counter accessors
// and SetRecoveryFrame are safe to call from others.
type Integrator struct {
	cfg   Config
	poses tf.Provider
	sink  cloud.Sink
	cache scan.ProjectionCache

	mu            sync.Mutex // guards the recovery pair below
	recoveryFrame string
	recoveryTr    geom.Transform

	scansInCloud   atomic.Uint64
	pointsInCloud  atomic.Uint64
	cloudsProduced atomic.Uint64
	totalScans     atomic.Uint64
	totalPoints    atomic.Uint64
	droppedScans   atomic.Uint64
	recoveries     atomic.Uint64
}

// NewIntegrator validates cfg and returns an Integrator feeding sink.
func NewIntegrator(cfg Config, poses tf.Provider, sink cloud.Sink) (*Integrator, error) {
	if cfg.TargetFrame == "" {
		return nil, fmt.Errorf("target frame is required")
	}
	if poses == nil {
		return nil, fmt.Errorf("pose provider is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("cloud sink is required")
	}
	if cfg.MinCutoffPct == 0 {
		cfg.MinCutoffPct = defaultCutoffPct
	}
	if cfg.MaxCutoffPct == 0 {
		cfg.MaxCutoffPct = defaultCutoffPct
	}
	if !(cfg.MinCutoffPct > 0) || math.IsInf(cfg.MinCutoffPct, 0) {
		return nil, fmt.Errorf("min range cutoff must be a positive finite factor, got %v", cfg.MinCutoffPct)
	}
	if !(cfg.MaxCutoffPct > 0) || math.IsInf(cfg.MaxCutoffPct, 0) {
		return nil, fmt.Errorf("max range cutoff must be a positive finite factor, got %v", cfg.MaxCutoffPct)
	}
	if cfg.LookupTimeout < 0 {
		return nil, fmt.Errorf("lookup timeout must not be negative, got %v", cfg.LookupTimeout)
	}
	if cfg.LookupTimeout == 0 {
		cfg.LookupTimeout = defaultLookupTimeout
	}

	recovery := geom.Identity()
	if cfg.RecoveryTransform != nil {
		recovery = *cfg.RecoveryTransform
	}
	return &Integrator{
		cfg:           cfg,
		poses:         poses,
		sink:          sink,
		recoveryFrame: cfg.RecoveryFrame,
		recoveryTr:    recovery,
	}, nil
}

// Integrate processes one scan. It returns true when a pose chain was
// obtained and the scan was emitted to the sink, false when none was
// available; in the latter case no sink callback runs and the per-cloud
// counters are untouched.
func (g *Integrator) Integrate(s *scan.LaserScan) bool {
	if s == nil || s.Count() == 0 {
		g.droppedScans.Add(1)
		return false
	}
	n := s.Count()
	// A single-sample scan has no time extent to compensate over.
	interpolate := g.cfg.Interpolate && n >= 2

	poses, err := g.acquirePoses(s, interpolate)
	if err != nil {
		g.droppedScans.Add(1)
		diag.Diagf("scan in %s dropped: %v", s.Frame, err)
		return false
	}

	g.cache.Refresh(s)

	rMin := float64(s.RangeMin) * g.cfg.MinCutoffPct
	rMax := float64(s.RangeMax) * g.cfg.MaxCutoffPct
	stepFrac := 0.0
	if n > 1 {
		stepFrac = 1 / float64(n-1)
	}

	// A sample query may legitimately come back with a single pose when
	// only part of the interval was covered; that degenerates to the
	// constant-pose path.
	first := poses[0]
	last := poses[len(poses)-1]
	constant := !interpolate || len(poses) == 1

	g.sink.BeginScan(n)
	emitted := uint64(0)
	for i := 0; i < n; i++ {
		r := float64(s.Ranges[i])
		if r <= rMin || r >= rMax {
			continue
		}
		sx := r * g.cache.Cos(i)
		sy := r * g.cache.Sin(i)
		pose := first
		if !constant {
			pose = geom.Interpolate(first, last, float64(i)*stepFrac)
		}
		x, y, z := pose.Apply(sx, sy, 0)
		if !finite(x) || !finite(y) || !finite(z) {
			continue
		}
		g.sink.AddMeasurement(x, y, z, s.Intensity(i))
		emitted++
	}
	g.sink.FinishScan()

	g.pointsInCloud.Add(emitted)
	g.totalPoints.Add(emitted)
	g.scansInCloud.Add(1)
	g.totalScans.Add(1)
	return true
}

// acquirePoses runs the primary pose query and, when that fails and a
// recovery frame is configured, the two-hop fallback.
func (g *Integrator) acquirePoses(s *scan.LaserScan, interpolate bool) ([]geom.Transform, error) {
	poses, err := g.queryPoses(g.cfg.TargetFrame, s, interpolate)
	if err == nil {
		return poses, nil
	}
	return g.recover(s, interpolate, err)
}

// queryPoses fetches the pose set between frame and the scan's source:
// start and end poses when interpolating, a single midpoint pose otherwise.
func (g *Integrator) queryPoses(frame string, s *scan.LaserScan, interpolate bool) ([]geom.Transform, error) {
	if interpolate {
		return g.poses.Sample(frame, s.Frame, s.Stamp, s.EndTime(), 2, g.cfg.LookupTimeout)
	}
	tr, err := g.poses.Lookup(frame, s.Frame, s.MidTime(), g.cfg.LookupTimeout)
	if err != nil {
		return nil, err
	}
	return []geom.Transform{tr}, nil
}

// recover bridges a broken chain through the recovery frame: it refreshes
// the recovery-to-target transform (reusing the stored one when even that
// lookup fails), fetches scan poses against the recovery frame and lifts
// them into the target frame.
func (g *Integrator) recover(s *scan.LaserScan, interpolate bool, cause error) ([]geom.Transform, error) {
	g.mu.Lock()
	frame := g.recoveryFrame
	lift := g.recoveryTr
	g.mu.Unlock()
	if frame == "" {
		return nil, fmt.Errorf("no pose from %s to %s: %w", s.Frame, g.cfg.TargetFrame, cause)
	}

	if tr, err := g.poses.LookupLatest(g.cfg.TargetFrame, frame, g.cfg.LookupTimeout); err == nil {
		g.mu.Lock()
		g.recoveryTr = tr
		g.mu.Unlock()
		lift = tr
	} else {
		diag.Diagf("recovery transform %s to %s not refreshed, reusing stored: %v",
			frame, g.cfg.TargetFrame, err)
	}

	poses, err := g.queryPoses(frame, s, interpolate)
	if err != nil {
		return nil, fmt.Errorf("no pose from %s to %s directly or via %s: %w",
			s.Frame, g.cfg.TargetFrame, frame, err)
	}
	for i := range poses {
		poses[i] = geom.Compose(lift, poses[i])
	}
	g.recoveries.Add(1)
	diag.Opsf("recovery engaged: transforming %s into %s via %s", s.Frame, g.cfg.TargetFrame, frame)
	return poses, nil
}

// SetRecoveryFrame replaces the recovery frame and its stored transform as
// one unit. An empty name disables recovery.
func (g *Integrator) SetRecoveryFrame(name string, tr geom.Transform) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recoveryFrame = name
	g.recoveryTr = tr
}

// ResetCloudCounters closes out the current cloud: the per-cloud scan and
// point counters return to zero and the produced-cloud counter advances.
// The cloud sink owns the batch boundary and calls this when it cuts.
func (g *Integrator) ResetCloudCounters() {
	g.cloudsProduced.Add(1)
	g.scansInCloud.Store(0)
	g.pointsInCloud.Store(0)
}

// Stats returns a snapshot of the counters.
func (g *Integrator) Stats() Stats {
	return Stats{
		ScansInCloud:   g.scansInCloud.Load(),
		PointsInCloud:  g.pointsInCloud.Load(),
		CloudsProduced: g.cloudsProduced.Load(),
		TotalScans:     g.totalScans.Load(),
		TotalPoints:    g.totalPoints.Load(),
		DroppedScans:   g.droppedScans.Load(),
		Recoveries:     g.recoveries.Load(),
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
