package patrol

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkoval7/AegisOps/command_center/clock"
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

func newTestReconciler(t *testing.T) (*Reconciler, *Store, *registry.Registry, *clock.Manual, *capturePublisher) {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	pub := &capturePublisher{}
	routes := NewStore(clk)
	reg := registry.New(clk)
	rec := NewReconciler(routes, reg, pub, clk, 30*time.Minute)
	return rec, routes, reg, clk, pub
}

// A route whose only unit goes dark: the gap condition appears once the
// uncovered span crosses the threshold, and clears when coverage returns.
func TestCoverageGapLifecycle(t *testing.T) {
	rec, routes, reg, clk, pub := newTestReconciler(t)
	ctx := context.Background()

	reg.Register(&registry.Unit{ID: "drone-1", Kind: registry.KindDrone})
	route, _ := routes.Upsert(&Route{Name: "perimeter", Status: StatusActive})
	routes.Attach(route.ID, "drone-1")
	reg.MarkAssigned("drone-1", registry.AssignmentRef{Type: registry.RefRoute, ID: route.ID})

	rec.ReconcileNow(ctx)
	if routes.Get(route.ID).HasCoverageGap {
		t.Fatal("covered route should not report a gap")
	}

	// The patrolling unit goes stale.
	clk.Advance(time.Minute)
	reg.SweepStale(30 * time.Second)

	// Uncovered, but not yet past the gap threshold.
	rec.ReconcileNow(ctx)
	if routes.Get(route.ID).HasCoverageGap {
		t.Fatal("gap must not be reported before the threshold elapses")
	}
	if pub.count("coverage-gap-detected") != 0 {
		t.Fatal("gap event published too early")
	}

	// The uncovered span crosses the threshold.
	clk.Advance(31 * time.Minute)
	rec.ReconcileNow(ctx)
	got := routes.Get(route.ID)
	if !got.HasCoverageGap {
		t.Fatal("gap should be reported after threshold")
	}
	if got.GapDuration < 30*time.Minute {
		t.Errorf("gap duration = %v, want >= 30m", got.GapDuration)
	}
	if pub.count("coverage-gap-detected") != 1 {
		t.Fatalf("gap events = %d, want 1", pub.count("coverage-gap-detected"))
	}

	// Still uncovered: the condition holds but the event does not repeat.
	clk.Advance(5 * time.Minute)
	rec.ReconcileNow(ctx)
	if pub.count("coverage-gap-detected") != 1 {
		t.Error("gap event repeated while the condition persisted")
	}

	// The unit comes back: the derived condition clears without operator action.
	reg.Heartbeat("drone-1", registry.Telemetry{})
	rec.ReconcileNow(ctx)
	got = routes.Get(route.ID)
	if got.HasCoverageGap {
		t.Error("gap should clear once coverage returns")
	}
	if got.GapDuration != 0 {
		t.Errorf("gap duration = %v, want 0 after recovery", got.GapDuration)
	}
}

func TestReconcilerIgnoresInactiveAndOutOfWindowRoutes(t *testing.T) {
	rec, routes, _, clk, _ := newTestReconciler(t)
	ctx := context.Background()

	draft, _ := routes.Upsert(&Route{Name: "draft", Status: StatusDraft})
	// Out of window at noon.
	night, _ := routes.Upsert(&Route{
		Name:     "night watch",
		Status:   StatusActive,
		Schedule: ScheduleWindow{Start: "22:00", End: "06:00"},
	})

	clk.Advance(31 * time.Minute)
	rec.ReconcileNow(ctx)
	clk.Advance(31 * time.Minute)
	rec.ReconcileNow(ctx)

	if routes.Get(draft.ID).HasCoverageGap {
		t.Error("draft route must not accumulate gaps")
	}
	if routes.Get(night.ID).HasCoverageGap {
		t.Error("route outside its schedule window must not accumulate gaps")
	}
}

func TestActiveUnscheduledRouteGapsWithoutUnits(t *testing.T) {
	rec, routes, _, clk, pub := newTestReconciler(t)
	ctx := context.Background()

	route, _ := routes.Upsert(&Route{Name: "perimeter", Status: StatusActive})

	rec.ReconcileNow(ctx)
	clk.Advance(31 * time.Minute)
	rec.ReconcileNow(ctx)

	if !routes.Get(route.ID).HasCoverageGap {
		t.Error("active route with no units should gap after threshold")
	}
	if pub.count("coverage-gap-detected") != 1 {
		t.Errorf("gap events = %d, want 1", pub.count("coverage-gap-detected"))
	}
}

func TestScheduleWindowContains(t *testing.T) {
	day := func(h, m int) time.Time {
		return time.Date(2026, 3, 1, h, m, 0, 0, time.UTC)
	}

	tests := []struct {
		name   string
		window ScheduleWindow
		at     time.Time
		want   bool
	}{
		{"empty window always matches", ScheduleWindow{}, day(3, 0), true},
		{"inside day window", ScheduleWindow{Start: "08:00", End: "18:00"}, day(12, 0), true},
		{"outside day window", ScheduleWindow{Start: "08:00", End: "18:00"}, day(19, 0), false},
		{"end is exclusive", ScheduleWindow{Start: "08:00", End: "18:00"}, day(18, 0), false},
		{"overnight late evening", ScheduleWindow{Start: "22:00", End: "06:00"}, day(23, 30), true},
		{"overnight early morning", ScheduleWindow{Start: "22:00", End: "06:00"}, day(5, 0), true},
		{"overnight midday", ScheduleWindow{Start: "22:00", End: "06:00"}, day(12, 0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.window.Contains(tt.at); got != tt.want {
				t.Errorf("Contains(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestUpsertPreservesLinksAndGapState(t *testing.T) {
	_, routes, _, _, _ := newTestReconciler(t)

	route, _ := routes.Upsert(&Route{Name: "perimeter", Status: StatusActive})
	routes.Attach(route.ID, "drone-1")

	// Editing the route must not drop its unit links.
	updated, err := routes.Upsert(&Route{ID: route.ID, Name: "perimeter v2", Status: StatusActive})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if len(updated.AssignedUnits) != 1 || updated.AssignedUnits[0] != "drone-1" {
		t.Errorf("assigned units after edit = %v, want [drone-1]", updated.AssignedUnits)
	}
	if updated.Name != "perimeter v2" {
		t.Errorf("name = %q, want updated name", updated.Name)
	}
}
