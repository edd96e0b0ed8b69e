package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkoval7/AegisOps/command_center/clock"
	"github.com/dkoval7/AegisOps/command_center/observability"
)

var (
	ErrUnknownUnit = errors.New("unknown unit")
	// ErrUnitBusy marks an assignment attempt on a unit that already holds a
	// different assignment. Expected under contention; the dispatch engine
	// handles it by trying the next candidate.
	ErrUnitBusy = errors.New("unit already assigned")
)

// Kind of response unit.
const (
	KindDrone = "drone"
	KindGuard = "guard"
)

// Unit statuses.
const (
	StatusActive      = "active"
	StatusIdle        = "idle"
	StatusCharging    = "charging"
	StatusFault       = "fault"
	StatusAssigned    = "assigned"
	StatusEnRoute     = "en-route"
	StatusUnavailable = "unavailable"
)

// AssignmentRef links a unit to the incident or route it is serving.
// A unit holds at most one.
type AssignmentRef struct {
	Type string `json:"type"` // "incident" or "route"
	ID   string `json:"id"`
}

const (
	RefIncident = "incident"
	RefRoute    = "route"
)

// Unit is a dispatchable responder: a drone or a human guard.
type Unit struct {
	ID           string         `json:"id"`
	Name         string         `json:"name,omitempty"`
	Kind         string         `json:"kind"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Status       string         `json:"status"`
	Battery      int            `json:"battery"` // 0-100; fatigue proxy for guards
	Location     string         `json:"location,omitempty"`
	Assignment   *AssignmentRef `json:"assignment,omitempty"`

	LastHeartbeat  time.Time `json:"last_heartbeat"`
	LastAssignedAt time.Time `json:"last_assigned_at,omitempty"`
	RegisteredAt   time.Time `json:"registered_at"`
}

// Telemetry is a heartbeat update from a unit.
type Telemetry struct {
	Status   string `json:"status,omitempty"`
	Battery  int    `json:"battery,omitempty"`
	Location string `json:"location,omitempty"`
}

// Eligible reports whether the unit can take a new assignment right now.
// Fault and charging units are never eligible; neither is a unit already
// holding an assignment.
func (u *Unit) Eligible() bool {
	if u.Assignment != nil {
		return false
	}
	return u.Status == StatusIdle || u.Status == StatusActive
}

// HasCapabilities reports whether the unit carries every required capability.
func (u *Unit) HasCapabilities(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range u.Capabilities {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (u *Unit) clone() *Unit {
	c := *u
	if u.Capabilities != nil {
		c.Capabilities = append([]string(nil), u.Capabilities...)
	}
	if u.Assignment != nil {
		ref := *u.Assignment
		c.Assignment = &ref
	}
	return &c
}

// Registry tracks known response units. The unit's assignment slot is the
// single shared resource mutated from multiple trigger paths, so every
// mutation runs under the registry lock; reads return copies.
type Registry struct {
	mu    sync.RWMutex
	units map[string]*Unit
	clk   clock.Clock

	// onAvailable fires when a unit becomes eligible again; onStale fires
	// when a unit holding an assignment goes stale or faults. Both are set
	// once at wiring time by the dispatch engine.
	onAvailable func(unitID string)
	onStale     func(unitID string, ref AssignmentRef)
}

func New(clk clock.Clock) *Registry {
	return &Registry{
		units: make(map[string]*Unit),
		clk:   clk,
	}
}

// SetHooks wires the dispatch engine's availability and staleness triggers.
// Hooks are invoked outside the registry lock.
func (r *Registry) SetHooks(onAvailable func(unitID string), onStale func(unitID string, ref AssignmentRef)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onAvailable = onAvailable
	r.onStale = onStale
}

// Register adds or updates a unit record.
func (r *Registry) Register(u *Unit) error {
	if u.ID == "" {
		return errors.New("unit id is required")
	}
	if u.Kind != KindDrone && u.Kind != KindGuard {
		return fmt.Errorf("unknown unit kind %q", u.Kind)
	}

	now := r.clk.Now()
	r.mu.Lock()
	existing, ok := r.units[u.ID]
	c := u.clone()
	if ok {
		// Re-registration keeps the live assignment and history.
		c.Assignment = existing.Assignment
		c.LastAssignedAt = existing.LastAssignedAt
		c.RegisteredAt = existing.RegisteredAt
	} else {
		c.RegisteredAt = now
	}
	if c.Status == "" {
		c.Status = StatusIdle
	}
	c.LastHeartbeat = now
	r.units[u.ID] = c
	available := c.Eligible()
	hook := r.onAvailable
	r.refreshGaugesLocked()
	r.mu.Unlock()

	if available && hook != nil {
		hook(u.ID)
	}
	return nil
}

// Heartbeat applies a telemetry update. Fails with ErrUnknownUnit for
// unregistered ids.
func (r *Registry) Heartbeat(id string, t Telemetry) error {
	r.mu.Lock()
	u, ok := r.units[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownUnit, id)
	}

	wasEligible := u.Eligible()
	if t.Status != "" {
		u.Status = t.Status
	} else if u.Status == StatusUnavailable {
		// A fresh heartbeat from a unit we gave up on brings it back.
		u.Status = StatusIdle
	}
	if t.Battery != 0 {
		u.Battery = t.Battery
	}
	if t.Location != "" {
		u.Location = t.Location
	}
	u.LastHeartbeat = r.clk.Now()

	becameEligible := !wasEligible && u.Eligible()
	faulted := u.Status == StatusFault && u.Assignment != nil
	var ref AssignmentRef
	if faulted {
		ref = *u.Assignment
	}
	availableHook := r.onAvailable
	staleHook := r.onStale
	r.refreshGaugesLocked()
	r.mu.Unlock()

	if becameEligible && availableHook != nil {
		availableHook(id)
	}
	if faulted && staleHook != nil {
		staleHook(id, ref)
	}
	return nil
}

// QueryAvailable snapshots the currently eligible units matching the
// capability filter, ordered by id for determinism. Callers re-invoke to
// restart the scan against fresh state.
func (r *Registry) QueryAvailable(capabilities []string) []*Unit {
	r.mu.RLock()
	result := make([]*Unit, 0, len(r.units))
	for _, u := range r.units {
		if u.Eligible() && u.HasCapabilities(capabilities) {
			result = append(result, u.clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// MarkAssigned claims the unit's assignment slot. Claiming the same ref again
// is a no-op; claiming a different ref without release fails with ErrUnitBusy.
func (r *Registry) MarkAssigned(id string, ref AssignmentRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.units[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUnit, id)
	}
	if u.Assignment != nil {
		if *u.Assignment == ref {
			return nil
		}
		return fmt.Errorf("%w: %s holds %s/%s", ErrUnitBusy, id, u.Assignment.Type, u.Assignment.ID)
	}
	if u.Status == StatusFault || u.Status == StatusCharging || u.Status == StatusUnavailable {
		return fmt.Errorf("%w: %s is %s", ErrUnitBusy, id, u.Status)
	}

	refCopy := ref
	u.Assignment = &refCopy
	u.Status = StatusAssigned
	u.LastAssignedAt = r.clk.Now()
	r.refreshGaugesLocked()
	return nil
}

// MarkReleased frees the unit's assignment slot. Idempotent.
func (r *Registry) MarkReleased(id string) error {
	r.mu.Lock()
	u, ok := r.units[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownUnit, id)
	}
	if u.Assignment == nil {
		r.mu.Unlock()
		return nil
	}

	u.Assignment = nil
	if u.Status == StatusAssigned || u.Status == StatusEnRoute {
		u.Status = StatusIdle
	}
	available := u.Eligible()
	hook := r.onAvailable
	r.refreshGaugesLocked()
	r.mu.Unlock()

	if available && hook != nil {
		hook(id)
	}
	return nil
}

// ForceRelease drops the assignment without touching status. Used when a
// stale or faulted unit loses its assignment to reassignment.
func (r *Registry) ForceRelease(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.units[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUnit, id)
	}
	u.Assignment = nil
	r.refreshGaugesLocked()
	return nil
}

// Retire removes a unit administratively. A unit is never silently dropped
// while holding an assignment; it must be released first.
func (r *Registry) Retire(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.units[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUnit, id)
	}
	if u.Assignment != nil {
		return fmt.Errorf("%w: %s must be released before retirement", ErrUnitBusy, id)
	}
	delete(r.units, id)
	r.refreshGaugesLocked()
	return nil
}

// Get returns a copy of the unit, or nil if absent.
func (r *Registry) Get(id string) *Unit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.units[id]
	if !ok {
		return nil
	}
	return u.clone()
}

// List returns copies of all units ordered by id.
func (r *Registry) List() []*Unit {
	r.mu.RLock()
	result := make([]*Unit, 0, len(r.units))
	for _, u := range r.units {
		result = append(result, u.clone())
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// AssignedTo returns the unit currently holding the given assignment, or nil.
func (r *Registry) AssignedTo(ref AssignmentRef) *Unit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.units {
		if u.Assignment != nil && *u.Assignment == ref {
			return u.clone()
		}
	}
	return nil
}

// SweepStale transitions units whose heartbeat exceeded the liveness window
// to unavailable. This is the registry's only unprompted status transition.
// Returns the stale units that were holding assignments.
func (r *Registry) SweepStale(window time.Duration) []StaleUnit {
	now := r.clk.Now()

	r.mu.Lock()
	var dropped []StaleUnit
	for _, u := range r.units {
		if u.Status == StatusUnavailable || u.Status == StatusFault || u.Status == StatusCharging {
			continue
		}
		if now.Sub(u.LastHeartbeat) <= window {
			continue
		}
		u.Status = StatusUnavailable
		observability.StaleUnits.Inc()
		if u.Assignment != nil {
			dropped = append(dropped, StaleUnit{UnitID: u.ID, Ref: *u.Assignment})
		}
	}
	staleHook := r.onStale
	r.refreshGaugesLocked()
	r.mu.Unlock()

	if staleHook != nil {
		for _, d := range dropped {
			staleHook(d.UnitID, d.Ref)
		}
	}
	return dropped
}

// StaleUnit reports a unit that went stale while holding an assignment.
type StaleUnit struct {
	UnitID string
	Ref    AssignmentRef
}

// refreshGaugesLocked recomputes the live-unit gauges. Caller holds mu.
func (r *Registry) refreshGaugesLocked() {
	counts := map[string]int{KindDrone: 0, KindGuard: 0}
	for _, u := range r.units {
		if u.Status != StatusUnavailable && u.Status != StatusFault {
			counts[u.Kind]++
		}
	}
	for kind, n := range counts {
		observability.ActiveUnits.WithLabelValues(kind).Set(float64(n))
	}
}
