package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dkoval7/AegisOps/command_center/clock"
	"github.com/dkoval7/AegisOps/command_center/incident"
	"github.com/dkoval7/AegisOps/command_center/observability"
	"github.com/dkoval7/AegisOps/command_center/registry"
	"github.com/dkoval7/AegisOps/command_center/streaming"
)

// UnitSource is the registry surface the engine needs. Matching works on
// snapshots; only the claim/release calls take registry-side locks.
type UnitSource interface {
	QueryAvailable(capabilities []string) []*registry.Unit
	MarkAssigned(id string, ref registry.AssignmentRef) error
	MarkReleased(id string) error
	ForceRelease(id string) error
	Get(id string) *registry.Unit
}

// IncidentSource is the incident store surface the engine needs.
type IncidentSource interface {
	Get(id string) (*incident.Incident, error)
	ListOpen() []*incident.Incident
	CountOpenAtOrAbove(min incident.Severity) int
	Transition(id string, to incident.Status, actor, reason string) error
	RecordAssignment(id, unitID, assignedBy string) error
	RecordReassignment(id, droppedUnit string) error
	MarkQueued(id string) error
}

// RouteAttacher reflects route assignment links into the patrol store.
type RouteAttacher interface {
	Attach(routeID, unitID string) error
	Detach(routeID, unitID string) error
}

// Config tunes the engine.
type Config struct {
	// RequiredCapabilities maps threat type to capabilities a responder
	// must carry.
	RequiredCapabilities map[string][]string
	// MultiIncidentThreshold is the open critical+high count that flips
	// multi-incident mode.
	MultiIncidentThreshold int
}

// Engine matches incidents to available units. Matching is serialized
// per-incident and may run in parallel across distinct incidents.
type Engine struct {
	units     UnitSource
	incidents IncidentSource
	routes    RouteAttacher
	pub       streaming.Publisher
	clk       clock.Clock
	cfg       Config

	mu            sync.Mutex
	incidentLocks map[string]*sync.Mutex
	multiMode     bool
	assignments   []*Assignment
	active        map[string]*Assignment // by unit id
}

func NewEngine(units UnitSource, incidents IncidentSource, routes RouteAttacher, pub streaming.Publisher, clk clock.Clock, cfg Config) *Engine {
	if cfg.MultiIncidentThreshold < 1 {
		cfg.MultiIncidentThreshold = 2
	}
	return &Engine{
		units:         units,
		incidents:     incidents,
		routes:        routes,
		pub:           pub,
		clk:           clk,
		cfg:           cfg,
		incidentLocks: make(map[string]*sync.Mutex),
		active:        make(map[string]*Assignment),
	}
}

// Start begins the periodic dispatch pass: queued incidents are re-matched
// and the multi-incident flag refreshed once per tick.
func (e *Engine) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.rescanQueued()
				e.refreshMultiMode()
			}
		}
	}()
}

// lockIncident serializes assignment attempts for one incident. Distinct
// incidents proceed in parallel.
func (e *Engine) lockIncident(id string) func() {
	e.mu.Lock()
	l, ok := e.incidentLocks[id]
	if !ok {
		l = &sync.Mutex{}
		e.incidentLocks[id] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// OnNewIncident triggers a matching attempt for a freshly ingested incident.
// Safe to invoke concurrently.
func (e *Engine) OnNewIncident(incidentID string) {
	unlock := e.lockIncident(incidentID)
	e.tryAssign(incidentID)
	unlock()
	e.refreshMultiMode()
}

// OnUnitAvailable re-scans queued incidents in priority order. This is the
// system's only retry mechanism: level-triggered, because unit availability,
// not engine health, is the blocking condition.
func (e *Engine) OnUnitAvailable(unitID string) {
	e.rescanQueued()
}

// OnUnitStale handles a unit lost mid-assignment (stale heartbeat or fault):
// the link is dropped and the incident re-matched immediately.
func (e *Engine) OnUnitStale(unitID string, ref registry.AssignmentRef) {
	if err := e.units.ForceRelease(unitID); err != nil {
		log.Printf("dispatch: force release %s: %v", unitID, err)
	}
	e.releaseRecord(unitID)
	e.publish(streaming.TopicUnitStale, map[string]string{
		"unit_id":  unitID,
		"ref_type": ref.Type,
		"ref_id":   ref.ID,
	})

	if ref.Type != registry.RefIncident {
		// Route coverage loss surfaces via the coverage reconciler; the
		// engine never force-reassigns patrol units.
		if e.routes != nil {
			if err := e.routes.Detach(ref.ID, unitID); err != nil {
				log.Printf("dispatch: detach %s from route %s: %v", unitID, ref.ID, err)
			}
		}
		return
	}

	if err := e.incidents.RecordReassignment(ref.ID, unitID); err != nil {
		log.Printf("dispatch: record reassignment for %s: %v", ref.ID, err)
		return
	}
	observability.Reassignments.Inc()
	e.logDecision(Decision{
		Component:  "dispatch",
		Decision:   "REASSIGN",
		IncidentID: ref.ID,
		UnitID:     unitID,
		Reason:     "unit stale or faulted",
	})

	unlock := e.lockIncident(ref.ID)
	assigned := e.tryAssign(ref.ID)
	unlock()

	payload := map[string]string{"incident_id": ref.ID, "dropped_unit": unitID}
	if assigned != "" {
		payload["new_unit"] = assigned
	}
	e.publish(streaming.TopicUnitReassigned, payload)
}

// rescanQueued attempts assignment for every queued incident, highest
// priority first.
func (e *Engine) rescanQueued() {
	for _, inc := range e.incidents.ListOpen() {
		if inc.AssignedUnit != "" {
			continue
		}
		unlock := e.lockIncident(inc.ID)
		e.tryAssign(inc.ID)
		unlock()
	}
}

// tryAssign runs one matching pass for the incident. Caller must hold the
// per-incident lock. Returns the assigned unit id, or "" if the incident was
// queued or the match cancelled.
func (e *Engine) tryAssign(incidentID string) string {
	inc, err := e.incidents.Get(incidentID)
	if err != nil || inc == nil {
		return ""
	}
	if !inc.Open() || inc.AssignedUnit != "" {
		return ""
	}

	required := e.cfg.RequiredCapabilities[inc.ThreatType]
	candidates := e.rank(e.units.QueryAvailable(required), inc)

	if len(candidates) == 0 {
		if err := e.incidents.MarkQueued(incidentID); err == nil {
			e.logDecision(Decision{
				Component:  "dispatch",
				Decision:   "QUEUED",
				IncidentID: incidentID,
				Reason:     "no eligible unit",
			})
		}
		return ""
	}

	ref := registry.AssignmentRef{Type: registry.RefIncident, ID: incidentID}
	for _, unit := range candidates {
		if err := e.units.MarkAssigned(unit.ID, ref); err != nil {
			if errors.Is(err, registry.ErrUnitBusy) {
				// Expected under contention: another trigger claimed the
				// unit between snapshot and commit. Try the next candidate.
				e.logDecision(Decision{
					Component:  "dispatch",
					Decision:   "SKIP_BUSY",
					IncidentID: incidentID,
					UnitID:     unit.ID,
				})
				continue
			}
			log.Printf("dispatch: mark assigned %s: %v", unit.ID, err)
			continue
		}

		// Optimistic commit check: the incident may have independently
		// resolved or closed while we were matching.
		cur, err := e.incidents.Get(incidentID)
		if err != nil || cur == nil || !cur.Open() {
			_ = e.units.MarkReleased(unit.ID)
			e.logDecision(Decision{
				Component:  "dispatch",
				Decision:   "CANCELLED",
				IncidentID: incidentID,
				UnitID:     unit.ID,
				Reason:     "incident no longer dispatchable",
			})
			return ""
		}

		if err := e.incidents.RecordAssignment(incidentID, unit.ID, ByAutoDispatch); err != nil {
			_ = e.units.MarkReleased(unit.ID)
			log.Printf("dispatch: record assignment for %s: %v", incidentID, err)
			return ""
		}
		e.recordAssignment(unit.ID, ref, ByAutoDispatch)

		// First response: open or re-engaged escalated incidents move to
		// responding.
		if cur.Status == incident.StatusOpen || cur.Status == incident.StatusEscalated {
			if err := e.incidents.Transition(incidentID, incident.StatusResponding, ByAutoDispatch, ""); err != nil {
				log.Printf("dispatch: transition %s to responding: %v", incidentID, err)
			}
		}

		observability.AssignmentLatency.Observe(e.clk.Now().Sub(inc.CreatedAt).Seconds())
		e.logDecision(Decision{
			Component:  "dispatch",
			Decision:   "DISPATCH",
			IncidentID: incidentID,
			UnitID:     unit.ID,
			Metadata:   map[string]string{"severity": string(inc.Severity)},
		})
		return unit.ID
	}

	// Every candidate was claimed from under us; stay queued.
	if err := e.incidents.MarkQueued(incidentID); err == nil {
		e.logDecision(Decision{
			Component:  "dispatch",
			Decision:   "QUEUED",
			IncidentID: incidentID,
			Reason:     "all candidates busy",
		})
	}
	return ""
}

// rank orders candidates: location match first, then least-recently-assigned
// for fairness, tie-broken by unit id for determinism.
func (e *Engine) rank(units []*registry.Unit, inc *incident.Incident) []*registry.Unit {
	sort.SliceStable(units, func(i, j int) bool {
		li := units[i].Location != "" && units[i].Location == inc.Location
		lj := units[j].Location != "" && units[j].Location == inc.Location
		if li != lj {
			return li
		}
		if !units[i].LastAssignedAt.Equal(units[j].LastAssignedAt) {
			return units[i].LastAssignedAt.Before(units[j].LastAssignedAt)
		}
		return units[i].ID < units[j].ID
	})
	return units
}

// OperatorAssign commits a manual assignment. ErrUnitBusy surfaces to the
// operator rather than silently picking another unit.
func (e *Engine) OperatorAssign(incidentID, unitID string) error {
	unlock := e.lockIncident(incidentID)
	defer unlock()

	inc, err := e.incidents.Get(incidentID)
	if err != nil {
		return err
	}
	if inc == nil {
		return incident.ErrUnknownIncident
	}
	if !inc.Open() {
		return incident.ErrTerminalState
	}

	ref := registry.AssignmentRef{Type: registry.RefIncident, ID: incidentID}
	if err := e.units.MarkAssigned(unitID, ref); err != nil {
		return err
	}
	if err := e.incidents.RecordAssignment(incidentID, unitID, ByOperator); err != nil {
		_ = e.units.MarkReleased(unitID)
		return err
	}
	e.recordAssignment(unitID, ref, ByOperator)

	if inc.Status == incident.StatusOpen || inc.Status == incident.StatusEscalated {
		if err := e.incidents.Transition(incidentID, incident.StatusResponding, ByOperator, ""); err != nil {
			log.Printf("dispatch: transition %s to responding: %v", incidentID, err)
		}
	}
	e.logDecision(Decision{
		Component:  "dispatch",
		Decision:   "DISPATCH",
		IncidentID: incidentID,
		UnitID:     unitID,
		Reason:     "operator override",
	})
	return nil
}

// ReleaseIncident frees the unit attached to a finished incident.
func (e *Engine) ReleaseIncident(incidentID string) {
	ref := registry.AssignmentRef{Type: registry.RefIncident, ID: incidentID}
	e.mu.Lock()
	var unitID string
	for id, a := range e.active {
		if a.RefType == ref.Type && a.RefID == ref.ID {
			unitID = id
			break
		}
	}
	e.mu.Unlock()

	if unitID == "" {
		return
	}
	if err := e.units.MarkReleased(unitID); err != nil {
		log.Printf("dispatch: release %s: %v", unitID, err)
	}
	e.releaseRecord(unitID)
}

// AssignToRoute places a unit on a patrol route. Route assignment is only
// ever operator-initiated or scheduled, never an automatic diversion.
func (e *Engine) AssignToRoute(routeID, unitID, assignedBy string) error {
	ref := registry.AssignmentRef{Type: registry.RefRoute, ID: routeID}
	if err := e.units.MarkAssigned(unitID, ref); err != nil {
		return err
	}
	if e.routes != nil {
		if err := e.routes.Attach(routeID, unitID); err != nil {
			_ = e.units.MarkReleased(unitID)
			return err
		}
	}
	e.recordAssignment(unitID, ref, assignedBy)
	return nil
}

// ReleaseFromRoute takes a unit off a patrol route.
func (e *Engine) ReleaseFromRoute(routeID, unitID string) error {
	if e.routes != nil {
		if err := e.routes.Detach(routeID, unitID); err != nil {
			return err
		}
	}
	if err := e.units.MarkReleased(unitID); err != nil {
		return err
	}
	e.releaseRecord(unitID)
	return nil
}

// refreshMultiMode recomputes the multi-incident flag and publishes toggles.
// The mode is advisory: it suggests pausing non-critical patrol dispatch but
// never reassigns patrol units without operator confirmation.
func (e *Engine) refreshMultiMode() {
	count := e.incidents.CountOpenAtOrAbove(incident.SeverityHigh)
	activeNow := count >= e.cfg.MultiIncidentThreshold

	e.mu.Lock()
	changed := activeNow != e.multiMode
	e.multiMode = activeNow
	e.mu.Unlock()

	if !changed {
		return
	}
	if activeNow {
		observability.MultiIncidentMode.Set(1)
		log.Printf("dispatch: multi-incident mode ON (%d open critical/high incidents)", count)
	} else {
		observability.MultiIncidentMode.Set(0)
		log.Printf("dispatch: multi-incident mode OFF")
	}
	payload := map[string]interface{}{
		"active": activeNow,
		"count":  count,
	}
	if activeNow {
		payload["suggestion"] = "consider pausing non-critical patrol dispatch to free units"
	}
	e.publish(streaming.TopicMultiIncidentMode, payload)
}

// MultiIncidentMode returns the current advisory flag.
func (e *Engine) MultiIncidentMode() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.multiMode
}

// Assignments returns the full assignment history, newest last.
func (e *Engine) Assignments() []Assignment {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Assignment, 0, len(e.assignments))
	for _, a := range e.assignments {
		out = append(out, *a)
	}
	return out
}

// GetSnapshot returns internal state for the debug endpoint.
func (e *Engine) GetSnapshot() Snapshot {
	var queued []string
	for _, inc := range e.incidents.ListOpen() {
		if inc.AssignmentStatus == incident.AssignmentQueued {
			queued = append(queued, inc.ID)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	activeList := make([]Assignment, 0, len(e.active))
	for _, a := range e.active {
		activeList = append(activeList, *a)
	}
	sort.Slice(activeList, func(i, j int) bool { return activeList[i].UnitID < activeList[j].UnitID })
	return Snapshot{
		QueuedIncidents:   queued,
		MultiIncidentMode: e.multiMode,
		ActiveAssignments: activeList,
		TotalAssignments:  len(e.assignments),
	}
}

func (e *Engine) recordAssignment(unitID string, ref registry.AssignmentRef, by string) {
	a := &Assignment{
		ID:         uuid.NewString(),
		UnitID:     unitID,
		RefType:    ref.Type,
		RefID:      ref.ID,
		AssignedBy: by,
		AssignedAt: e.clk.Now(),
	}
	e.mu.Lock()
	e.assignments = append(e.assignments, a)
	e.active[unitID] = a
	e.mu.Unlock()
}

func (e *Engine) releaseRecord(unitID string) {
	now := e.clk.Now()
	e.mu.Lock()
	if a, ok := e.active[unitID]; ok {
		a.ReleasedAt = &now
		delete(e.active, unitID)
	}
	e.mu.Unlock()
}

func (e *Engine) publish(topic string, payload interface{}) {
	if e.pub == nil {
		return
	}
	if err := e.pub.Publish(context.Background(), topic, payload); err != nil {
		observability.EventPublishFailures.WithLabelValues(topic, "publish").Inc()
	}
}

func (e *Engine) logDecision(d Decision) {
	d.Component = "dispatch"
	bytes, _ := json.Marshal(d)
	log.Println(string(bytes))
	observability.DispatchDecisions.WithLabelValues(d.Decision, d.Reason).Inc()
}
