package broker

import (
	"context"
	"time"

	"github.com/zjrosen/orrery/internal/log"
)

// Reaper periodically evicts sessions idle past the registry's timeout.
// The list handler also reaps on demand; the reaper exists so idle
// sessions die even when nobody is looking.
type Reaper struct {
	registry *Registry
	interval time.Duration
}

// NewReaper builds a reaper that scans every interval.
func NewReaper(registry *Registry, interval time.Duration) *Reaper {
	return &Reaper{registry: registry, interval: interval}
}

// Start launches the reap loop in its own goroutine. Cancelling ctx
// stops the loop; sessions already being ended finish their teardown.
func (rp *Reaper) Start(ctx context.Context) {
	log.SafeGo("idle-reaper", func() {
		ticker := time.NewTicker(rp.interval)
		defer ticker.Stop()

		log.Info(log.CatReaper, "idle reaper started", "interval", rp.interval.String())
		for {
			select {
			case <-ctx.Done():
				log.Info(log.CatReaper, "idle reaper stopped")
				return
			case <-ticker.C:
				if n := rp.registry.ReapIdle(); n > 0 {
					log.Info(log.CatReaper, "idle sessions reaped", "count", n)
				}
			}
		}
	})
}
