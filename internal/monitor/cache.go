// Package monitor serves the HTTP status surface of the assembler:
// health and status pages, JSON stats and parameter endpoints, cloud
// history out of the store, on-demand exports and debug charts of the
// most recent cloud.
package monitor

import (
	"sync"

	"github.com/calyx-robotics/scancloud/internal/cloud"
)

// CloudCache keeps the most recent assembled cloud for the HTTP surface.
// It implements cloud.Publisher: PublishCloud stores a clone, so the
// accumulator is free to recycle the original immediately.
type CloudCache struct {
	mu     sync.Mutex
	latest *cloud.PointCloud
}

// NewCloudCache returns an empty cache.
func NewCloudCache() *CloudCache {
	return &CloudCache{}
}

// PublishCloud replaces the cached cloud with a clone of c.
func (cc *CloudCache) PublishCloud(c *cloud.PointCloud) {
	clone := c.Clone()
	cc.mu.Lock()
	prev := cc.latest
	cc.latest = clone
	cc.mu.Unlock()
	if prev != nil {
		prev.Release()
	}
}

// Latest returns a copy of the most recent cloud, or nil before the
// first publish. The caller owns the copy and should Release it.
func (cc *CloudCache) Latest() *cloud.PointCloud {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.latest == nil {
		return nil
	}
	return cc.latest.Clone()
}

// Len returns the point count of the cached cloud without copying it.
func (cc *CloudCache) Len() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.latest == nil {
		return 0
	}
	return cc.latest.Len()
}
