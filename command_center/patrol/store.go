package patrol

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkoval7/AegisOps/command_center/clock"
)

var ErrUnknownRoute = errors.New("unknown route")

// Route statuses.
const (
	StatusActive    = "active"
	StatusScheduled = "scheduled"
	StatusDraft     = "draft"
)

// ScheduleWindow bounds a route to a time-of-day interval. Empty start/end
// means always in effect.
type ScheduleWindow struct {
	Start      string `json:"start,omitempty" yaml:"start"` // "15:04"
	End        string `json:"end,omitempty" yaml:"end"`
	Recurrence string `json:"recurrence,omitempty" yaml:"recurrence"`
}

// Contains reports whether t's time of day falls inside the window.
// Windows may wrap midnight.
func (w ScheduleWindow) Contains(t time.Time) bool {
	if w.Start == "" || w.End == "" {
		return true
	}
	start, err := time.Parse("15:04", w.Start)
	if err != nil {
		return true
	}
	end, err := time.Parse("15:04", w.End)
	if err != nil {
		return true
	}

	minutes := t.Hour()*60 + t.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()

	if startMin <= endMin {
		return minutes >= startMin && minutes < endMin
	}
	// Overnight window.
	return minutes >= startMin || minutes < endMin
}

// Route is a scheduled patrol path. HasCoverageGap and GapDuration are
// derived by the reconciler, never stored as authoritative state.
type Route struct {
	ID                    string         `json:"id"`
	Name                  string         `json:"name"`
	Waypoints             []string       `json:"waypoints,omitempty"`
	Schedule              ScheduleWindow `json:"schedule"`
	AssignedUnits         []string       `json:"assigned_units,omitempty"`
	RequiredCoverageRatio float64        `json:"required_coverage_ratio,omitempty"`
	Status                string         `json:"status"`

	HasCoverageGap bool          `json:"has_coverage_gap"`
	GapDuration    time.Duration `json:"gap_duration,omitempty"`

	uncoveredSince time.Time
}

func (r *Route) clone() *Route {
	c := *r
	if r.Waypoints != nil {
		c.Waypoints = append([]string(nil), r.Waypoints...)
	}
	if r.AssignedUnits != nil {
		c.AssignedUnits = append([]string(nil), r.AssignedUnits...)
	}
	return &c
}

// Store holds the patrol routes. Assignment links are written only through
// Attach/Detach, which the dispatch engine drives.
type Store struct {
	mu     sync.RWMutex
	routes map[string]*Route
	seq    int64
	clk    clock.Clock
}

func NewStore(clk clock.Clock) *Store {
	return &Store{
		routes: make(map[string]*Route),
		clk:    clk,
	}
}

// Upsert creates or updates a route. A new route without an id gets one.
func (s *Store) Upsert(r *Route) (*Route, error) {
	if r.Status == "" {
		r.Status = StatusDraft
	}
	switch r.Status {
	case StatusActive, StatusScheduled, StatusDraft:
	default:
		return nil, fmt.Errorf("unknown route status %q", r.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		s.seq++
		r.ID = fmt.Sprintf("RTE-%03d", s.seq)
	}
	c := r.clone()
	if existing, ok := s.routes[r.ID]; ok {
		// Assignment links and gap tracking survive route edits.
		c.AssignedUnits = existing.AssignedUnits
		c.uncoveredSince = existing.uncoveredSince
		c.HasCoverageGap = existing.HasCoverageGap
		c.GapDuration = existing.GapDuration
	}
	s.routes[r.ID] = c
	return c.clone(), nil
}

// Get returns a copy of the route, or nil if absent.
func (s *Store) Get(id string) *Route {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routes[id]
	if !ok {
		return nil
	}
	return r.clone()
}

// List returns copies of all routes ordered by id.
func (s *Store) List() []*Route {
	s.mu.RLock()
	result := make([]*Route, 0, len(s.routes))
	for _, r := range s.routes {
		result = append(result, r.clone())
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Attach links a unit to the route. Called by the dispatch engine only.
func (s *Store) Attach(routeID, unitID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routes[routeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRoute, routeID)
	}
	for _, id := range r.AssignedUnits {
		if id == unitID {
			return nil
		}
	}
	r.AssignedUnits = append(r.AssignedUnits, unitID)
	return nil
}

// Detach removes a unit link from the route. Called by the dispatch engine only.
func (s *Store) Detach(routeID, unitID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routes[routeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRoute, routeID)
	}
	for i, id := range r.AssignedUnits {
		if id == unitID {
			r.AssignedUnits = append(r.AssignedUnits[:i], r.AssignedUnits[i+1:]...)
			return nil
		}
	}
	return nil
}

// evaluateCoverage updates the derived gap state for one route and reports
// whether the gap flag flipped on this pass.
func (s *Store) evaluateCoverage(id string, covered bool, now time.Time, threshold time.Duration) (flippedOn bool, gap time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routes[id]
	if !ok {
		return false, 0
	}

	if covered {
		r.uncoveredSince = time.Time{}
		r.HasCoverageGap = false
		r.GapDuration = 0
		return false, 0
	}

	if r.uncoveredSince.IsZero() {
		r.uncoveredSince = now
	}
	gap = now.Sub(r.uncoveredSince)
	if gap >= threshold {
		flippedOn = !r.HasCoverageGap
		r.HasCoverageGap = true
		r.GapDuration = gap
	}
	return flippedOn, gap
}
