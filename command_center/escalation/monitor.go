package escalation

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dkoval7/AegisOps/command_center/clock"
	"github.com/dkoval7/AegisOps/command_center/incident"
	"github.com/dkoval7/AegisOps/command_center/observability"
	"github.com/dkoval7/AegisOps/command_center/streaming"
)

// IncidentSource is the store surface the monitor needs. Reads go to the
// latest committed state every pass; nothing is cached between ticks.
type IncidentSource interface {
	ListOpen() []*incident.Incident
	Escalate(id string) (*incident.Incident, error)
}

// Monitor evaluates SLA deadlines once per tick. Breaches transition the
// incident to Escalated with a permanent sla-breach timeline record;
// intermediate budget warnings are notification events only. The monitor
// never calls dispatch: escalation changes priority ranking, which the next
// dispatch pass picks up on its own.
type Monitor struct {
	incidents IncidentSource
	pub       streaming.Publisher
	clk       clock.Clock

	// warnFractions are remaining-budget fractions, checked largest first.
	warnFractions []float64

	mu     sync.Mutex
	warned map[string]map[float64]bool
}

func NewMonitor(incidents IncidentSource, pub streaming.Publisher, clk clock.Clock, warnFractions []float64) *Monitor {
	return &Monitor{
		incidents:     incidents,
		pub:           pub,
		clk:           clk,
		warnFractions: warnFractions,
		warned:        make(map[string]map[float64]bool),
	}
}

func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	go m.loop(ctx, interval)
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("Starting SLA monitor (interval: %v, warn fractions: %v)", interval, m.warnFractions)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one evaluation pass over all open incidents.
func (m *Monitor) Check(ctx context.Context) {
	now := m.clk.Now()

	for _, inc := range m.incidents.ListOpen() {
		if inc.Status != incident.StatusOpen && inc.Status != incident.StatusResponding {
			continue
		}

		remaining := inc.SLADeadline.Sub(now)
		if remaining <= 0 {
			m.escalate(ctx, inc)
			continue
		}
		m.warn(ctx, inc, remaining)
	}

	m.pruneWarned()
}

func (m *Monitor) escalate(ctx context.Context, inc *incident.Incident) {
	escalated, err := m.incidents.Escalate(inc.ID)
	if err != nil {
		// A concurrent transition can beat us to it; that's fine.
		log.Printf("sla-monitor: escalate %s: %v", inc.ID, err)
		return
	}

	observability.SLABreaches.WithLabelValues(string(escalated.Severity)).Inc()
	log.Printf("sla-monitor: incident %s breached its SLA deadline (severity %s)", inc.ID, inc.Severity)

	if m.pub != nil {
		if err := m.pub.Publish(ctx, streaming.TopicIncidentEscalated, escalated); err != nil {
			observability.EventPublishFailures.WithLabelValues(streaming.TopicIncidentEscalated, "publish").Inc()
		}
	}
}

func (m *Monitor) warn(ctx context.Context, inc *incident.Incident, remaining time.Duration) {
	budget := inc.SLADeadline.Sub(inc.CreatedAt)
	if budget <= 0 {
		return
	}

	for _, fraction := range m.warnFractions {
		if remaining > time.Duration(float64(budget)*fraction) {
			continue
		}
		if m.alreadyWarned(inc.ID, fraction) {
			continue
		}

		observability.SLAWarnings.WithLabelValues(fmt.Sprintf("%.2f", fraction)).Inc()
		if m.pub != nil {
			payload := map[string]interface{}{
				"incident_id":       inc.ID,
				"severity":          inc.Severity,
				"remaining_seconds": remaining.Seconds(),
				"fraction":          fraction,
			}
			if err := m.pub.Publish(ctx, streaming.TopicSLAWarning, payload); err != nil {
				observability.EventPublishFailures.WithLabelValues(streaming.TopicSLAWarning, "publish").Inc()
			}
		}
	}
}

func (m *Monitor) alreadyWarned(id string, fraction float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	fired, ok := m.warned[id]
	if !ok {
		fired = make(map[float64]bool)
		m.warned[id] = fired
	}
	if fired[fraction] {
		return true
	}
	fired[fraction] = true
	return false
}

// pruneWarned drops warning state for incidents no longer open.
func (m *Monitor) pruneWarned() {
	open := make(map[string]bool)
	for _, inc := range m.incidents.ListOpen() {
		open[inc.ID] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.warned {
		if !open[id] {
			delete(m.warned, id)
		}
	}
}
