package registry

import (
	"context"
	"log"
	"time"
)

// LivenessMonitor periodically sweeps the registry for stale heartbeats.
type LivenessMonitor struct {
	registry *Registry
	interval time.Duration
	window   time.Duration
}

func NewLivenessMonitor(r *Registry, interval, window time.Duration) *LivenessMonitor {
	return &LivenessMonitor{
		registry: r,
		interval: interval,
		window:   window,
	}
}

func (m *LivenessMonitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *LivenessMonitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Printf("Starting unit liveness monitor (interval: %v, window: %v)", m.interval, m.window)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dropped := m.registry.SweepStale(m.window)
			for _, d := range dropped {
				log.Printf("LivenessMonitor: unit %s stale while holding %s/%s", d.UnitID, d.Ref.Type, d.Ref.ID)
			}
		}
	}
}
