package assembler

import (
	"context"
	"sync/atomic"

	"github.com/calyx-robotics/scancloud/internal/diag"
	"github.com/calyx-robotics/scancloud/internal/scan"
)

const defaultQueueSize = 64

// Pipeline serializes scans from any number of producers onto a single
// integration goroutine, which is what keeps the Integrator's
// single-caller contract honest when scans arrive from the network.
type Pipeline struct {
	integrator *Integrator
	scans      chan *scan.LaserScan
	submitted  atomic.Uint64
	dropped    atomic.Uint64
}

// NewPipeline returns a Pipeline feeding g. queue is the submission buffer
// size; zero selects the default of 64 scans.
func NewPipeline(g *Integrator, queue int) *Pipeline {
	if queue <= 0 {
		queue = defaultQueueSize
	}
	return &Pipeline{
		integrator: g,
		scans:      make(chan *scan.LaserScan, queue),
	}
}

// Submit queues a scan for integration without blocking. When the queue is
// full the scan is dropped and false returned; integration falling behind
// the sensor must not stall the network reader.
func (p *Pipeline) Submit(s *scan.LaserScan) bool {
	select {
	case p.scans <- s:
		p.submitted.Add(1)
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// Run drains the queue one scan at a time until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	diag.Opsf("integration pipeline running (queue %d)", cap(p.scans))
	for {
		select {
		case <-ctx.Done():
			diag.Opsf("integration pipeline stopped: %d scans submitted, %d dropped at the queue",
				p.Submitted(), p.Dropped())
			return
		case s := <-p.scans:
			p.integrator.Integrate(s)
		}
	}
}

// Submitted returns the number of scans accepted into the queue.
func (p *Pipeline) Submitted() uint64 { return p.submitted.Load() }

// Dropped returns the number of scans rejected because the queue was full.
func (p *Pipeline) Dropped() uint64 { return p.dropped.Load() }
