package cloud

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/calyx-robotics/scancloud/internal/diag"
	"github.com/calyx-robotics/scancloud/internal/timeutil"
)

// Sink receives the measurements of one scan at a time. BeginScan opens a
// scan with a capacity hint, AddMeasurement appends one transformed point,
// FinishScan closes the scan. Calls are not safe for concurrent use; the
// integrator is the single producer.
type Sink interface {
	BeginScan(hint int)
	AddMeasurement(x, y, z float64, intensity float32)
	FinishScan()
}

// Publisher consumes finished clouds. PublishCloud must not retain the
// cloud after returning; the accumulator recycles it. Publishers that need
// the data afterwards take a Clone.
type Publisher interface {
	PublishCloud(c *PointCloud)
}

// AccumulatorConfig controls how scans are batched into clouds. Zero values
// select the defaults.
type AccumulatorConfig struct {
	// Frame is the frame ID stamped on every published cloud.
	Frame string

	// Layout selects the per-point channels.
	Layout Layout

	// ScansPerCloud cuts a cloud after this many scans. Default 1, which
	// publishes one cloud per scan.
	ScansPerCloud int

	// MaxCloudAge cuts a cloud once the oldest scan in it is this old,
	// checked at scan boundaries. Zero disables age cuts.
	MaxCloudAge time.Duration
}

const defaultScansPerCloud = 1

// Accumulator is the production Sink: it batches scans into point clouds,
// cuts a cloud when the configured scan count or age is reached, and hands
// it to the registered publishers. After each cut it runs the registered
// cut hooks, which is how per-cloud statistics elsewhere get reset.
type Accumulator struct {
	cfg   AccumulatorConfig
	clock timeutil.Clock

	mu         sync.Mutex
	publishers []Publisher
	cutHooks   []func()
	cur        *PointCloud
	openedAt   time.Time

	cloudsPublished atomic.Uint64
	pointsPublished atomic.Uint64
}

// NewAccumulator returns an Accumulator for the given config. A nil clock
// selects the real clock.
func NewAccumulator(cfg AccumulatorConfig, clock timeutil.Clock) *Accumulator {
	if cfg.ScansPerCloud <= 0 {
		cfg.ScansPerCloud = defaultScansPerCloud
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Accumulator{cfg: cfg, clock: clock}
}

// AddPublisher registers a consumer for finished clouds. Publishers run in
// registration order on the integration goroutine.
func (a *Accumulator) AddPublisher(p Publisher) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.publishers = append(a.publishers, p)
}

// OnCloudCut registers fn to run after each cloud is published.
func (a *Accumulator) OnCloudCut(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cutHooks = append(a.cutHooks, fn)
}

// BeginScan opens a scan, starting a new cloud if none is pending. hint is
// the expected number of measurements.
func (a *Accumulator) BeginScan(hint int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur == nil {
		a.cur = GetPointCloud(a.cfg.Layout)
		a.cur.Frame = a.cfg.Frame
		a.openedAt = a.clock.Now()
	}
	a.cur.grow(hint)
}

// AddMeasurement appends one point to the pending cloud.
func (a *Accumulator) AddMeasurement(x, y, z float64, intensity float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.cur
	if c == nil {
		return
	}
	c.X = append(c.X, float32(x))
	c.Y = append(c.Y, float32(y))
	c.Z = append(c.Z, float32(z))
	if c.Layout != LayoutXYZ {
		c.Intensity = append(c.Intensity, intensity)
	}
	if c.Layout == LayoutXYZRGB {
		c.RGB = append(c.RGB, intensityRGB(intensity))
	}
}

// FinishScan closes the current scan and cuts the cloud when the batching
// policy says so.
func (a *Accumulator) FinishScan() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur == nil {
		return
	}
	a.cur.Scans++
	if a.cur.Scans >= a.cfg.ScansPerCloud {
		a.cutLocked()
		return
	}
	if a.cfg.MaxCloudAge > 0 && a.clock.Now().Sub(a.openedAt) >= a.cfg.MaxCloudAge {
		a.cutLocked()
	}
}

// Flush cuts whatever is pending, publishing a partial cloud. Called on
// shutdown so buffered scans are not lost.
func (a *Accumulator) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur == nil || a.cur.Scans == 0 {
		return
	}
	a.cutLocked()
}

// CloudsPublished returns the number of clouds cut so far.
func (a *Accumulator) CloudsPublished() uint64 { return a.cloudsPublished.Load() }

// PointsPublished returns the total points across all published clouds.
func (a *Accumulator) PointsPublished() uint64 { return a.pointsPublished.Load() }

func (a *Accumulator) cutLocked() {
	c := a.cur
	a.cur = nil
	c.ID = uuid.New().String()
	c.Stamp = a.clock.Now()

	for _, p := range a.publishers {
		p.PublishCloud(c)
	}
	a.cloudsPublished.Add(1)
	a.pointsPublished.Add(uint64(c.Len()))
	diag.Tracef("cloud %s cut: %d points from %d scans", c.ID, c.Len(), c.Scans)
	for _, fn := range a.cutHooks {
		fn()
	}
	c.Release()
}
