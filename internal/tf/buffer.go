package tf

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/calyx-robotics/scancloud/internal/geom"
	"github.com/calyx-robotics/scancloud/internal/timeutil"
)

// BufferConfig holds tuning for a Buffer.
type BufferConfig struct {
	// Retention is how much history each link keeps, measured from its
	// newest sample. Default 10s.
	Retention time.Duration

	// PollInterval is the granularity at which blocking lookups
	// re-check the tree while waiting out their timeout. Default 2ms.
	PollInterval time.Duration
}

// DefaultBufferConfig returns the standard buffer tuning.
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		Retention:    10 * time.Second,
		PollInterval: 2 * time.Millisecond,
	}
}

// maxChainDepth bounds the parent walk so a corrupted link table cannot
// spin a lookup forever.
const maxChainDepth = 64

// stamped is one observation of a child's pose in its parent frame.
type stamped struct {
	at time.Time
	tr geom.Transform // T_parent←child
}

// link is the time-ordered pose history of one child frame relative to
// its parent. Static links carry a single timeless transform.
type link struct {
	parent  string
	static  bool
	samples []stamped
}

// Buffer is a thread-safe, time-indexed transform store implementing
// Provider. Pose sources write into it while the assembler reads.
type Buffer struct {
	cfg   BufferConfig
	clock timeutil.Clock

	mu    sync.RWMutex
	links map[string]*link // keyed by child frame
}

// NewBuffer creates a Buffer. Zero config fields take their defaults;
// a nil clock means the real one.
func NewBuffer(cfg BufferConfig, clock timeutil.Clock) *Buffer {
	def := DefaultBufferConfig()
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Buffer{
		cfg:   cfg,
		clock: clock,
		links: make(map[string]*link),
	}
}

// Set records child's pose in parent at the given instant. Out-of-order
// inserts are tolerated; history older than the retention window
// (measured from the link's newest sample) is pruned. Re-parenting a
// child replaces its history.
func (b *Buffer) Set(parent, child string, at time.Time, tr geom.Transform) error {
	if parent == "" || child == "" {
		return fmt.Errorf("set transform: empty frame name")
	}
	if parent == child {
		return fmt.Errorf("set transform: frame %q cannot parent itself", child)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	l := b.links[child]
	if l == nil || l.parent != parent || l.static {
		l = &link{parent: parent}
		b.links[child] = l
	}

	s := stamped{at: at, tr: tr}
	n := len(l.samples)
	switch {
	case n == 0 || !at.Before(l.samples[n-1].at):
		l.samples = append(l.samples, s)
	default:
		i := sort.Search(n, func(i int) bool { return l.samples[i].at.After(at) })
		l.samples = append(l.samples, stamped{})
		copy(l.samples[i+1:], l.samples[i:])
		l.samples[i] = s
	}

	// Prune against the newest stamp so replayed history stays intact.
	cutoff := l.samples[len(l.samples)-1].at.Add(-b.cfg.Retention)
	first := 0
	for first < len(l.samples)-1 && l.samples[first].at.Before(cutoff) {
		first++
	}
	if first > 0 {
		l.samples = append(l.samples[:0], l.samples[first:]...)
	}
	return nil
}

// SetStatic records a timeless parent←child transform, replacing any
// dynamic history for the child.
func (b *Buffer) SetStatic(parent, child string, tr geom.Transform) error {
	if parent == "" || child == "" {
		return fmt.Errorf("set static transform: empty frame name")
	}
	if parent == child {
		return fmt.Errorf("set static transform: frame %q cannot parent itself", child)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.links[child] = &link{
		parent:  parent,
		static:  true,
		samples: []stamped{{tr: tr}},
	}
	return nil
}

// Frames returns every frame the buffer knows about, sorted.
func (b *Buffer) Frames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[string]bool, 2*len(b.links))
	for child, l := range b.links {
		seen[child] = true
		seen[l.parent] = true
	}
	frames := make([]string, 0, len(seen))
	for f := range seen {
		frames = append(frames, f)
	}
	sort.Strings(frames)
	return frames
}

// Lookup implements Provider.
func (b *Buffer) Lookup(target, source string, at time.Time, timeout time.Duration) (geom.Transform, error) {
	return b.wait(timeout, func() (geom.Transform, error) {
		return b.evaluate(target, source, at, false)
	})
}

// LookupLatest implements Provider.
func (b *Buffer) LookupLatest(target, source string, timeout time.Duration) (geom.Transform, error) {
	return b.wait(timeout, func() (geom.Transform, error) {
		return b.evaluate(target, source, time.Time{}, true)
	})
}

// Sample implements Provider. The instants are t0 + i*(t1-t0)/(k-1).
// All lookups share one deadline; instants that never resolve are
// dropped from the result.
func (b *Buffer) Sample(target, source string, t0, t1 time.Time, k int, timeout time.Duration) ([]geom.Transform, error) {
	if k < 2 {
		return nil, fmt.Errorf("sample %s<-%s: k=%d, need at least 2", target, source, k)
	}
	if t1.Before(t0) {
		return nil, fmt.Errorf("sample %s<-%s: interval ends before it starts", target, source)
	}

	deadline := b.clock.Now().Add(timeout)
	span := t1.Sub(t0)
	out := make([]geom.Transform, 0, k)
	var lastErr error

	for i := 0; i < k; i++ {
		at := t0.Add(span * time.Duration(i) / time.Duration(k-1))
		tr, err := b.waitUntil(deadline, func() (geom.Transform, error) {
			return b.evaluate(target, source, at, false)
		})
		if err != nil {
			lastErr = err
			continue
		}
		out = append(out, tr)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("sample %s<-%s over %v: %w", target, source, span, firstCause(lastErr))
	}
	return out, nil
}

func firstCause(err error) error {
	if err != nil {
		return err
	}
	return ErrNotAvailable
}

// wait retries eval until it succeeds or the timeout lapses. A zero or
// negative timeout means a single attempt.
func (b *Buffer) wait(timeout time.Duration, eval func() (geom.Transform, error)) (geom.Transform, error) {
	return b.waitUntil(b.clock.Now().Add(timeout), eval)
}

func (b *Buffer) waitUntil(deadline time.Time, eval func() (geom.Transform, error)) (geom.Transform, error) {
	for {
		tr, err := eval()
		if err == nil {
			return tr, nil
		}
		if !b.clock.Now().Before(deadline) {
			return geom.Transform{}, err
		}
		b.clock.Sleep(b.cfg.PollInterval)
	}
}

// evaluate composes T_target←source. With latest set, each link
// contributes its newest sample; otherwise links are interpolated at
// the requested instant.
func (b *Buffer) evaluate(target, source string, at time.Time, latest bool) (geom.Transform, error) {
	if target == "" || source == "" {
		return geom.Transform{}, fmt.Errorf("lookup with empty frame name: %w", ErrNotAvailable)
	}
	if target == source {
		return geom.Identity(), nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	// Walk source up the tree, recording T_ancestor←source for every
	// ancestor reachable at this instant.
	up := make(map[string]geom.Transform, 8)
	up[source] = geom.Identity()

	var sourceSideErr error
	acc := geom.Identity()
	frame := source
	for depth := 0; depth < maxChainDepth; depth++ {
		l := b.links[frame]
		if l == nil {
			break
		}
		step, err := b.linkAt(l, at, latest)
		if err != nil {
			// The chain above this frame is unusable at this instant;
			// a lower common ancestor may still serve the lookup.
			sourceSideErr = fmt.Errorf("link %s<-%s: %w", l.parent, frame, err)
			break
		}
		acc = geom.Compose(step, acc)
		frame = l.parent
		if _, dup := up[frame]; dup {
			return geom.Transform{}, fmt.Errorf("frame tree cycle at %q: %w", frame, ErrNotAvailable)
		}
		up[frame] = acc
		if frame == target {
			return acc, nil
		}
	}

	// Walk target up until we meet one of source's ancestors.
	down := geom.Identity() // T_frame←target as frame climbs
	frame = target
	for depth := 0; depth < maxChainDepth; depth++ {
		if tr, ok := up[frame]; ok {
			return geom.Compose(down.Invert(), tr), nil
		}
		l := b.links[frame]
		if l == nil {
			if sourceSideErr != nil {
				return geom.Transform{}, fmt.Errorf("no chain between %q and %q (%v): %w",
					target, source, sourceSideErr, ErrNotAvailable)
			}
			return geom.Transform{}, fmt.Errorf("no chain between %q and %q: %w", target, source, ErrNotAvailable)
		}
		step, err := b.linkAt(l, at, latest)
		if err != nil {
			return geom.Transform{}, fmt.Errorf("link %s<-%s: %w", l.parent, frame, err)
		}
		down = geom.Compose(step, down)
		frame = l.parent
	}
	return geom.Transform{}, fmt.Errorf("chain between %q and %q exceeds depth %d: %w", target, source, maxChainDepth, ErrNotAvailable)
}

// linkAt evaluates one link at an instant (or its newest sample).
func (b *Buffer) linkAt(l *link, at time.Time, latest bool) (geom.Transform, error) {
	if l.static {
		return l.samples[0].tr, nil
	}
	n := len(l.samples)
	if n == 0 {
		return geom.Transform{}, fmt.Errorf("empty history: %w", ErrNotAvailable)
	}
	if latest {
		return l.samples[n-1].tr, nil
	}

	first, last := l.samples[0].at, l.samples[n-1].at
	if at.Before(first) || at.After(last) {
		return geom.Transform{}, fmt.Errorf("instant %v outside history [%v, %v]: %w",
			at.UnixNano(), first.UnixNano(), last.UnixNano(), ErrNotAvailable)
	}

	i := sort.Search(n, func(i int) bool { return !l.samples[i].at.Before(at) })
	if l.samples[i].at.Equal(at) {
		return l.samples[i].tr, nil
	}

	lo, hi := l.samples[i-1], l.samples[i]
	u := float64(at.Sub(lo.at)) / float64(hi.at.Sub(lo.at))
	return geom.Interpolate(lo.tr, hi.tr, u), nil
}
