// Package admission implements the resolver's fail-fast upstream admission
// gate: a counting semaphore that never blocks a caller. Queries that can't
// get a permit are dropped immediately rather than queued.
package admission

import (
	"golang.org/x/sync/semaphore"

	"github.com/resilientdns/resilientdns/pkg/metrics"
)

// Controller gates upstream work with a fixed number of permits.
type Controller struct {
	sem *semaphore.Weighted
	m   *metrics.Metrics
}

// New creates a Controller allowing at most maxInflight concurrent
// upstream calls.
func New(maxInflight int64, m *metrics.Metrics) *Controller {
	if maxInflight <= 0 {
		maxInflight = 1
	}
	return &Controller{sem: semaphore.NewWeighted(maxInflight), m: m}
}

// TryAcquire attempts to take one permit without blocking. It returns a
// release function on success, or ok=false if the controller is saturated
// (counted as DroppedMaxInflight).
func (c *Controller) TryAcquire() (release func(), ok bool) {
	if !c.sem.TryAcquire(1) {
		c.m.DroppedMaxInflight.Inc()
		return nil, false
	}
	return func() { c.sem.Release(1) }, true
}
