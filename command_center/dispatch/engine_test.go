package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkoval7/AegisOps/command_center/clock"
	"github.com/dkoval7/AegisOps/command_center/incident"
	"github.com/dkoval7/AegisOps/command_center/patrol"
	"github.com/dkoval7/AegisOps/command_center/registry"
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

type fixture struct {
	clk       *clock.Manual
	reg       *registry.Registry
	incidents *incident.Store
	routes    *patrol.Store
	engine    *Engine
	pub       *capturePublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	pub := &capturePublisher{}
	rules := incident.Rules{
		SeverityByThreat: map[string]incident.Severity{
			"HUMAN":         incident.SeverityCritical,
			"ENVIRONMENTAL": incident.SeverityHigh,
			"SENSOR":        incident.SeverityLow,
		},
		SLATiers: map[incident.Severity]time.Duration{
			incident.SeverityCritical: 30 * time.Second,
			incident.SeverityHigh:     2 * time.Minute,
			incident.SeverityMedium:   5 * time.Minute,
			incident.SeverityLow:      15 * time.Minute,
		},
	}
	incidents := incident.NewStore(rules, clk, pub)
	reg := registry.New(clk)
	routes := patrol.NewStore(clk)
	engine := NewEngine(reg, incidents, routes, pub, clk, Config{
		RequiredCapabilities:   map[string][]string{"HUMAN": {"thermal"}},
		MultiIncidentThreshold: 2,
	})
	reg.SetHooks(engine.OnUnitAvailable, engine.OnUnitStale)
	return &fixture{clk: clk, reg: reg, incidents: incidents, routes: routes, engine: engine, pub: pub}
}

func (f *fixture) ingest(t *testing.T, threat string) *incident.Incident {
	t.Helper()
	inc, err := f.incidents.Ingest(incident.Alert{ThreatType: threat})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	f.engine.OnNewIncident(inc.ID)
	current, _ := f.incidents.Get(inc.ID)
	return current
}

func TestDispatchAssignsEligibleUnit(t *testing.T) {
	f := newFixture(t)
	f.reg.Register(&registry.Unit{ID: "drone-1", Kind: registry.KindDrone, Capabilities: []string{"thermal"}})

	inc := f.ingest(t, "HUMAN")
	if inc.AssignedUnit != "drone-1" {
		t.Fatalf("assigned unit = %q, want drone-1", inc.AssignedUnit)
	}
	if inc.Status != incident.StatusResponding {
		t.Errorf("status = %s, want responding after first response", inc.Status)
	}

	u := f.reg.Get("drone-1")
	if u.Assignment == nil || u.Assignment.ID != inc.ID {
		t.Errorf("unit assignment = %+v, want ref to %s", u.Assignment, inc.ID)
	}
}

func TestDispatchRequiresCapabilities(t *testing.T) {
	f := newFixture(t)
	f.reg.Register(&registry.Unit{ID: "drone-1", Kind: registry.KindDrone, Capabilities: []string{"camera"}})

	inc := f.ingest(t, "HUMAN")
	if inc.AssignedUnit != "" {
		t.Fatalf("unit without thermal capability was dispatched to %s", inc.ID)
	}
	if inc.AssignmentStatus != incident.AssignmentQueued {
		t.Errorf("assignment status = %q, want queued", inc.AssignmentStatus)
	}
}

// A queued incident is picked up as soon as a unit frees up, without any new
// alert arriving.
func TestQueuedIncidentAssignedWhenUnitFreesUp(t *testing.T) {
	f := newFixture(t)
	f.reg.Register(&registry.Unit{ID: "drone-1", Kind: registry.KindDrone, Capabilities: []string{"thermal"}})

	first := f.ingest(t, "HUMAN")
	second := f.ingest(t, "HUMAN")
	if second.AssignmentStatus != incident.AssignmentQueued {
		t.Fatalf("second incident should be queued, got %q", second.AssignmentStatus)
	}

	// The first incident resolves and its unit is released.
	f.incidents.Transition(first.ID, incident.StatusResolved, "operator", "handled")
	f.engine.ReleaseIncident(first.ID)

	got, _ := f.incidents.Get(second.ID)
	if got.AssignedUnit != "drone-1" {
		t.Fatalf("queued incident not picked up on release: %+v", got)
	}
	if got.Status != incident.StatusResponding {
		t.Errorf("status = %s, want responding", got.Status)
	}
}

func TestQueuedRescanHonorsPriority(t *testing.T) {
	f := newFixture(t)

	low := f.ingest(t, "SENSOR")
	f.clk.Advance(time.Second)
	high := f.ingest(t, "ENVIRONMENTAL")

	// One unit appears; the higher-severity incident wins even though the low
	// one was queued first.
	f.reg.Register(&registry.Unit{ID: "guard-1", Kind: registry.KindGuard})

	gotHigh, _ := f.incidents.Get(high.ID)
	gotLow, _ := f.incidents.Get(low.ID)
	if gotHigh.AssignedUnit != "guard-1" {
		t.Fatalf("high severity incident not served first: %+v", gotHigh)
	}
	if gotLow.AssignedUnit != "" || gotLow.AssignmentStatus != incident.AssignmentQueued {
		t.Errorf("low severity incident should stay queued: %+v", gotLow)
	}
}

// A stale unit loses its assignment; the incident records the reassignment and
// is re-matched immediately.
func TestStaleUnitTriggersReassignment(t *testing.T) {
	f := newFixture(t)
	f.reg.Register(&registry.Unit{ID: "drone-1", Kind: registry.KindDrone, Capabilities: []string{"thermal"}})
	f.reg.Register(&registry.Unit{ID: "drone-2", Kind: registry.KindDrone, Capabilities: []string{"thermal"}})

	inc := f.ingest(t, "HUMAN")
	firstUnit := inc.AssignedUnit
	if firstUnit == "" {
		t.Fatal("expected initial assignment")
	}

	// The assigned unit goes silent past the liveness window.
	f.clk.Advance(time.Minute)
	other := "drone-2"
	if firstUnit == "drone-2" {
		other = "drone-1"
	}
	f.reg.Heartbeat(other, registry.Telemetry{})
	f.reg.SweepStale(30 * time.Second)

	got, _ := f.incidents.Get(inc.ID)
	if got.AssignedUnit != other {
		t.Fatalf("incident not reassigned to %s: %+v", other, got)
	}

	var sawReassigned bool
	for _, e := range got.Timeline {
		if e.Type == incident.EntryReassigned && e.Detail["dropped_unit"] == firstUnit {
			sawReassigned = true
		}
	}
	if !sawReassigned {
		t.Error("timeline missing reassigned entry for the dropped unit")
	}

	if f.pub.count("unit-stale") != 1 {
		t.Errorf("unit-stale events = %d, want 1", f.pub.count("unit-stale"))
	}
	if f.pub.count("unit-reassigned") != 1 {
		t.Errorf("unit-reassigned events = %d, want 1", f.pub.count("unit-reassigned"))
	}
}

func TestStaleRouteUnitIsNotForceReassigned(t *testing.T) {
	f := newFixture(t)
	f.reg.Register(&registry.Unit{ID: "drone-1", Kind: registry.KindDrone})
	route, _ := f.routes.Upsert(&patrol.Route{Name: "perimeter", Status: patrol.StatusActive})
	if err := f.engine.AssignToRoute(route.ID, "drone-1", ByOperator); err != nil {
		t.Fatalf("AssignToRoute: %v", err)
	}

	f.clk.Advance(time.Minute)
	f.reg.SweepStale(30 * time.Second)

	got := f.routes.Get(route.ID)
	if len(got.AssignedUnits) != 0 {
		t.Errorf("stale unit should be detached from route, got %v", got.AssignedUnits)
	}
	// No replacement is dispatched; coverage loss surfaces via the reconciler.
	if u := f.reg.AssignedTo(registry.AssignmentRef{Type: registry.RefRoute, ID: route.ID}); u != nil {
		t.Errorf("route should have no auto-dispatched replacement, got %s", u.ID)
	}
}

func TestOperatorAssign(t *testing.T) {
	f := newFixture(t)
	f.reg.Register(&registry.Unit{ID: "drone-1", Kind: registry.KindDrone})
	f.reg.Register(&registry.Unit{ID: "guard-1", Kind: registry.KindGuard})

	auto := f.ingest(t, "SENSOR") // auto-dispatch claims drone-1 by id order
	if auto.AssignedUnit != "drone-1" {
		t.Fatalf("auto assignment = %q, want drone-1", auto.AssignedUnit)
	}

	// Ingested directly so the engine leaves it untouched.
	manual, _ := f.incidents.Ingest(incident.Alert{ThreatType: "SENSOR"})

	// A busy unit surfaces the conflict to the operator instead of silently
	// picking another unit.
	if err := f.engine.OperatorAssign(manual.ID, "drone-1"); !errors.Is(err, registry.ErrUnitBusy) {
		t.Errorf("OperatorAssign busy unit = %v, want ErrUnitBusy", err)
	}
	if err := f.engine.OperatorAssign("INC-999999", "guard-1"); !errors.Is(err, incident.ErrUnknownIncident) {
		t.Errorf("OperatorAssign unknown incident = %v, want ErrUnknownIncident", err)
	}

	if err := f.engine.OperatorAssign(manual.ID, "guard-1"); err != nil {
		t.Fatalf("OperatorAssign: %v", err)
	}
	got, _ := f.incidents.Get(manual.ID)
	if got.AssignedUnit != "guard-1" || got.Status != incident.StatusResponding {
		t.Errorf("manual assignment = %+v, want guard-1 responding", got)
	}
}

// The commit re-check releases a unit claimed for an incident that closed
// while matching was in flight.
func TestAssignmentCancelledForConcurrentlyClosedIncident(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	reg := registry.New(clk)
	reg.Register(&registry.Unit{ID: "drone-1", Kind: registry.KindDrone})

	src := &flippingIncidentSource{
		inc: &incident.Incident{
			ID:        "INC-000001",
			Severity:  incident.SeverityHigh,
			Status:    incident.StatusOpen,
			CreatedAt: clk.Now(),
		},
	}
	engine := NewEngine(reg, src, nil, nil, clk, Config{})
	engine.OnNewIncident("INC-000001")

	if src.recordedAssignment {
		t.Error("assignment must not be recorded for a closed incident")
	}
	u := reg.Get("drone-1")
	if u.Assignment != nil {
		t.Errorf("unit should be released after cancelled commit, got %+v", u.Assignment)
	}
	if !u.Eligible() {
		t.Error("unit should be eligible again after release")
	}
}

// flippingIncidentSource reports the incident open on the first read and
// closed on every later read, simulating a concurrent operator close.
type flippingIncidentSource struct {
	mu                 sync.Mutex
	inc                *incident.Incident
	reads              int
	recordedAssignment bool
}

func (s *flippingIncidentSource) Get(id string) (*incident.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	c := *s.inc
	if s.reads > 1 {
		c.Status = incident.StatusClosed
	}
	return &c, nil
}

func (s *flippingIncidentSource) ListOpen() []*incident.Incident            { return nil }
func (s *flippingIncidentSource) CountOpenAtOrAbove(incident.Severity) int  { return 0 }
func (s *flippingIncidentSource) Transition(string, incident.Status, string, string) error {
	return nil
}
func (s *flippingIncidentSource) RecordAssignment(string, string, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordedAssignment = true
	return nil
}
func (s *flippingIncidentSource) RecordReassignment(string, string) error { return nil }
func (s *flippingIncidentSource) MarkQueued(string) error                 { return nil }

func TestMultiIncidentMode(t *testing.T) {
	f := newFixture(t)

	f.ingest(t, "ENVIRONMENTAL")
	if f.engine.MultiIncidentMode() {
		t.Fatal("one high incident should not flip multi-incident mode")
	}

	second := f.ingest(t, "HUMAN")
	if !f.engine.MultiIncidentMode() {
		t.Fatal("two open critical/high incidents should flip multi-incident mode")
	}
	if f.pub.count("multi-incident-mode") != 1 {
		t.Errorf("mode toggle events = %d, want 1", f.pub.count("multi-incident-mode"))
	}

	// Low severity noise does not extend the count.
	f.ingest(t, "SENSOR")
	if !f.engine.MultiIncidentMode() {
		t.Error("mode should stay on while two critical/high incidents are open")
	}

	// Closing one critical incident drops below the threshold.
	f.incidents.Transition(second.ID, incident.StatusClosed, "operator", "stood down")
	f.ingest(t, "SENSOR") // any dispatch pass refreshes the flag
	if f.engine.MultiIncidentMode() {
		t.Error("mode should clear once open critical/high count drops below threshold")
	}
	if f.pub.count("multi-incident-mode") != 2 {
		t.Errorf("mode toggle events = %d, want 2", f.pub.count("multi-incident-mode"))
	}
}

func TestRankPrefersLocationThenFairness(t *testing.T) {
	f := newFixture(t)
	base := f.clk.Now()

	units := []*registry.Unit{
		{ID: "drone-3", Location: "sector-7", LastAssignedAt: base.Add(time.Hour)},
		{ID: "drone-1", Location: "sector-2", LastAssignedAt: base},
		{ID: "drone-2", Location: "sector-7", LastAssignedAt: base},
	}
	inc := &incident.Incident{ID: "INC-000001", Location: "sector-7"}

	ranked := f.engine.rank(units, inc)
	want := []string{"drone-2", "drone-3", "drone-1"}
	for i, id := range want {
		if ranked[i].ID != id {
			t.Errorf("rank[%d] = %s, want %s", i, ranked[i].ID, id)
		}
	}
}

func TestRouteAssignmentLifecycle(t *testing.T) {
	f := newFixture(t)
	f.reg.Register(&registry.Unit{ID: "drone-1", Kind: registry.KindDrone})
	route, _ := f.routes.Upsert(&patrol.Route{Name: "perimeter", Status: patrol.StatusActive})

	if err := f.engine.AssignToRoute(route.ID, "drone-1", ByOperator); err != nil {
		t.Fatalf("AssignToRoute: %v", err)
	}
	got := f.routes.Get(route.ID)
	if len(got.AssignedUnits) != 1 || got.AssignedUnits[0] != "drone-1" {
		t.Fatalf("route units = %v, want [drone-1]", got.AssignedUnits)
	}

	// A patrolling unit cannot be claimed for an incident without release.
	inc, _ := f.incidents.Ingest(incident.Alert{ThreatType: "SENSOR"})
	if err := f.engine.OperatorAssign(inc.ID, "drone-1"); !errors.Is(err, registry.ErrUnitBusy) {
		t.Errorf("OperatorAssign patrolling unit = %v, want ErrUnitBusy", err)
	}

	if err := f.engine.ReleaseFromRoute(route.ID, "drone-1"); err != nil {
		t.Fatalf("ReleaseFromRoute: %v", err)
	}
	if got := f.routes.Get(route.ID); len(got.AssignedUnits) != 0 {
		t.Errorf("route units after release = %v, want empty", got.AssignedUnits)
	}
}

func TestSnapshotReportsQueuedAndActive(t *testing.T) {
	f := newFixture(t)
	f.reg.Register(&registry.Unit{ID: "drone-1", Kind: registry.KindDrone})

	assigned := f.ingest(t, "ENVIRONMENTAL")
	queued := f.ingest(t, "ENVIRONMENTAL")

	snap := f.engine.GetSnapshot()
	if len(snap.QueuedIncidents) != 1 || snap.QueuedIncidents[0] != queued.ID {
		t.Errorf("queued = %v, want [%s]", snap.QueuedIncidents, queued.ID)
	}
	if len(snap.ActiveAssignments) != 1 || snap.ActiveAssignments[0].RefID != assigned.ID {
		t.Errorf("active = %+v, want one assignment for %s", snap.ActiveAssignments, assigned.ID)
	}
	if !snap.MultiIncidentMode {
		t.Error("snapshot should reflect multi-incident mode")
	}
}
