package patrol

import (
	"context"
	"log"
	"time"

	"github.com/dkoval7/AegisOps/command_center/clock"
	"github.com/dkoval7/AegisOps/command_center/observability"
	"github.com/dkoval7/AegisOps/command_center/registry"
	"github.com/dkoval7/AegisOps/command_center/streaming"
)

// UnitSource is the registry read surface the reconciler needs. The
// reconciler never mutates registry or incident state; it only surfaces
// coverage conditions.
type UnitSource interface {
	Get(id string) *registry.Unit
}

// Reconciler compares scheduled patrol routes against actual unit occupancy
// on a slow cadence and flags coverage gaps.
type Reconciler struct {
	routes       *Store
	units        UnitSource
	pub          streaming.Publisher
	clk          clock.Clock
	gapThreshold time.Duration
}

func NewReconciler(routes *Store, units UnitSource, pub streaming.Publisher, clk clock.Clock, gapThreshold time.Duration) *Reconciler {
	return &Reconciler{
		routes:       routes,
		units:        units,
		pub:          pub,
		clk:          clk,
		gapThreshold: gapThreshold,
	}
}

func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	go r.loop(ctx, interval)
}

func (r *Reconciler) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("Starting coverage reconciler (interval: %v, gap threshold: %v)", interval, r.gapThreshold)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReconcileNow(ctx)
		}
	}
}

// ReconcileNow runs one reconciliation pass. Also invoked on demand.
func (r *Reconciler) ReconcileNow(ctx context.Context) {
	now := r.clk.Now()
	gaps := 0

	for _, route := range r.routes.List() {
		if route.Status != StatusActive || !route.Schedule.Contains(now) {
			continue
		}

		covered := r.occupancy(route) > 0
		flippedOn, gap := r.routes.evaluateCoverage(route.ID, covered, now, r.gapThreshold)
		if !covered && gap >= r.gapThreshold {
			gaps++
		}

		if flippedOn {
			log.Printf("coverage: route %s (%s) uncovered for %v", route.ID, route.Name, gap)
			if r.pub != nil {
				payload := map[string]interface{}{
					"route_id":    route.ID,
					"route_name":  route.Name,
					"gap_seconds": gap.Seconds(),
				}
				if err := r.pub.Publish(ctx, streaming.TopicCoverageGap, payload); err != nil {
					observability.EventPublishFailures.WithLabelValues(streaming.TopicCoverageGap, "publish").Inc()
				}
			}
		}
	}

	observability.CoverageGaps.Set(float64(gaps))
}

// occupancy counts route-assigned units still able to patrol.
func (r *Reconciler) occupancy(route *Route) int {
	count := 0
	for _, unitID := range route.AssignedUnits {
		u := r.units.Get(unitID)
		if u == nil {
			continue
		}
		if u.Status == registry.StatusUnavailable || u.Status == registry.StatusFault {
			continue
		}
		count++
	}
	return count
}
