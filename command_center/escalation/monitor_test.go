package escalation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkoval7/AegisOps/command_center/clock"
	"github.com/dkoval7/AegisOps/command_center/incident"
)

type capturePublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *capturePublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.topics {
		if t == topic {
			n++
		}
	}
	return n
}

func newTestMonitor(t *testing.T) (*Monitor, *incident.Store, *clock.Manual, *capturePublisher) {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	pub := &capturePublisher{}
	store := incident.NewStore(incident.Rules{
		SeverityByThreat: map[string]incident.Severity{
			"HUMAN":  incident.SeverityCritical,
			"SENSOR": incident.SeverityLow,
		},
		SLATiers: map[incident.Severity]time.Duration{
			incident.SeverityCritical: 30 * time.Second,
			incident.SeverityMedium:   5 * time.Minute,
			incident.SeverityLow:      15 * time.Minute,
		},
	}, clk, nil)
	return NewMonitor(store, pub, clk, []float64{0.5, 0.2}), store, clk, pub
}

// A critical incident with a 30s budget: warning at half budget, escalation
// once the deadline passes, and the breach recorded permanently.
func TestDeadlinePassageEscalates(t *testing.T) {
	monitor, store, clk, pub := newTestMonitor(t)
	ctx := context.Background()

	inc, _ := store.Ingest(incident.Alert{ThreatType: "HUMAN"})

	// Well inside the budget: nothing fires.
	clk.Advance(5 * time.Second)
	monitor.Check(ctx)
	if pub.count("incident-sla-warning") != 0 {
		t.Fatal("no warning expected at 5s of a 30s budget")
	}

	// Past the 50% mark.
	clk.Advance(12 * time.Second)
	monitor.Check(ctx)
	if pub.count("incident-sla-warning") != 1 {
		t.Fatalf("warnings = %d, want 1 at half budget", pub.count("incident-sla-warning"))
	}

	// Same window again: the warning does not repeat.
	clk.Advance(time.Second)
	monitor.Check(ctx)
	if pub.count("incident-sla-warning") != 1 {
		t.Error("warning for the same fraction fired twice")
	}

	// Past the 20% mark: the second fraction fires once.
	clk.Advance(8 * time.Second)
	monitor.Check(ctx)
	if pub.count("incident-sla-warning") != 2 {
		t.Fatalf("warnings = %d, want 2 after the 20%% mark", pub.count("incident-sla-warning"))
	}

	// Deadline passes.
	clk.Advance(10 * time.Second)
	monitor.Check(ctx)

	got, _ := store.Get(inc.ID)
	if got.Status != incident.StatusEscalated {
		t.Fatalf("status = %s, want escalated after deadline", got.Status)
	}
	if !got.Breached() {
		t.Error("escalated incident missing sla-breach timeline record")
	}
	if pub.count("incident-escalated") != 1 {
		t.Errorf("escalation events = %d, want 1", pub.count("incident-escalated"))
	}

	// Further checks leave an already-escalated incident alone.
	clk.Advance(time.Minute)
	monitor.Check(ctx)
	if pub.count("incident-escalated") != 1 {
		t.Error("escalation fired again on an escalated incident")
	}
}

func TestResolvedIncidentIsNotEscalated(t *testing.T) {
	monitor, store, clk, pub := newTestMonitor(t)
	ctx := context.Background()

	inc, _ := store.Ingest(incident.Alert{ThreatType: "HUMAN"})
	store.Transition(inc.ID, incident.StatusResponding, "auto-dispatch", "")
	store.Transition(inc.ID, incident.StatusResolved, "operator", "handled")

	clk.Advance(time.Minute)
	monitor.Check(ctx)

	got, _ := store.Get(inc.ID)
	if got.Status != incident.StatusResolved {
		t.Errorf("status = %s, resolved incident must not escalate", got.Status)
	}
	if pub.count("incident-escalated") != 0 {
		t.Error("unexpected escalation event for a resolved incident")
	}
}

// Escalated incidents keep their original deadline: re-engaging one does not
// reset the budget, and it does not re-escalate while being worked.
func TestReEngagedIncidentKeepsBreachHistory(t *testing.T) {
	monitor, store, clk, _ := newTestMonitor(t)
	ctx := context.Background()

	inc, _ := store.Ingest(incident.Alert{ThreatType: "HUMAN"})
	clk.Advance(time.Minute)
	monitor.Check(ctx)

	if err := store.Transition(inc.ID, incident.StatusResponding, "operator", "re-engaged"); err != nil {
		t.Fatalf("re-engage: %v", err)
	}

	// The deadline is long past, so the next pass escalates again. The
	// timeline accumulates both breach records.
	clk.Advance(time.Second)
	monitor.Check(ctx)

	got, _ := store.Get(inc.ID)
	if got.Status != incident.StatusEscalated {
		t.Fatalf("status = %s, want escalated again", got.Status)
	}
	breaches := 0
	for _, e := range got.Timeline {
		if e.Type == incident.EntrySLABreach {
			breaches++
		}
	}
	if breaches != 2 {
		t.Errorf("breach records = %d, want 2", breaches)
	}
}

func TestWarningStatePrunedAfterClose(t *testing.T) {
	monitor, store, clk, _ := newTestMonitor(t)
	ctx := context.Background()

	inc, _ := store.Ingest(incident.Alert{ThreatType: "HUMAN"})
	clk.Advance(20 * time.Second)
	monitor.Check(ctx)
	store.Transition(inc.ID, incident.StatusClosed, "operator", "false alarm")
	monitor.Check(ctx)

	monitor.mu.Lock()
	defer monitor.mu.Unlock()
	if _, ok := monitor.warned[inc.ID]; ok {
		t.Error("warning state for a closed incident was not pruned")
	}
}
