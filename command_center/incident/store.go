package incident

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dkoval7/AegisOps/command_center/clock"
	"github.com/dkoval7/AegisOps/command_center/observability"
	"github.com/dkoval7/AegisOps/command_center/streaming"
)

// Rules are the configurable ingestion tables: threat type to severity tier,
// and severity tier to SLA budget.
type Rules struct {
	SeverityByThreat map[string]Severity
	SLATiers         map[Severity]time.Duration
	// DefaultSeverity is used for threat types missing from the table.
	DefaultSeverity Severity
}

// Archiver receives closed incidents for durable storage. Enqueue must not
// block; the archive flushes on its own cadence.
type Archiver interface {
	Enqueue(inc *Incident)
}

// Store is the authoritative set of incidents. All mutations are serialized
// under the store lock, which guarantees strict per-incident timeline order.
// Reads return copies so callers never observe in-place mutation.
type Store struct {
	mu        sync.RWMutex
	incidents map[string]*Incident
	seq       int64

	rules    Rules
	clk      clock.Clock
	pub      streaming.Publisher
	archiver Archiver
}

func NewStore(rules Rules, clk clock.Clock, pub streaming.Publisher) *Store {
	if rules.DefaultSeverity == "" {
		rules.DefaultSeverity = SeverityMedium
	}
	return &Store{
		incidents: make(map[string]*Incident),
		rules:     rules,
		clk:       clk,
		pub:       pub,
	}
}

// SetArchiver attaches the closed-incident archive. Optional.
func (s *Store) SetArchiver(a Archiver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archiver = a
}

// Ingest creates a new incident from an alert event. Severity and SLA
// deadline are derived from the rules tables; the deadline is immutable
// afterwards.
func (s *Store) Ingest(alert Alert) (*Incident, error) {
	severity, ok := s.rules.SeverityByThreat[alert.ThreatType]
	if !ok {
		severity = s.rules.DefaultSeverity
	}
	budget, ok := s.rules.SLATiers[severity]
	if !ok {
		return nil, fmt.Errorf("no SLA tier configured for severity %q", severity)
	}

	now := s.clk.Now()

	s.mu.Lock()
	s.seq++
	inc := &Incident{
		ID:          fmt.Sprintf("INC-%06d", s.seq),
		Seq:         s.seq,
		ThreatType:  alert.ThreatType,
		Severity:    severity,
		Location:    alert.Location,
		CreatedAt:   now,
		SLADeadline: now.Add(budget),
		Status:      StatusOpen,
	}
	// Low-confidence detections carry a false-alarm score; resolving them
	// later requires an explicit reason or classification.
	if alert.DetectedConfidence > 0 && alert.DetectedConfidence < 0.5 {
		inc.FalseAlarmConfidence = 1 - alert.DetectedConfidence
	}
	inc.Timeline = append(inc.Timeline, TimelineEntry{
		EventID:   uuid.NewString(),
		Type:      EntryAlertTriggered,
		Timestamp: now,
		Actor:     "sensor",
		Detail: map[string]string{
			"threat_type": alert.ThreatType,
			"location":    alert.Location,
			"severity":    string(severity),
		},
	})
	s.incidents[inc.ID] = inc
	out := inc.clone()
	s.refreshGaugesLocked()
	s.mu.Unlock()

	observability.IncidentsIngested.WithLabelValues(alert.ThreatType, string(severity)).Inc()
	if s.pub != nil {
		if err := s.pub.Publish(context.Background(), streaming.TopicIncidentCreated, out); err != nil {
			observability.EventPublishFailures.WithLabelValues(streaming.TopicIncidentCreated, "publish").Inc()
		}
	}
	return out, nil
}

// Get returns a copy of the incident, or nil if absent.
func (s *Store) Get(id string) (*Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, nil
	}
	return inc.clone(), nil
}

// ListOpen returns all non-terminal, non-resolved incidents in priority
// order: severity rank, then longest elapsed, then sequence.
func (s *Store) ListOpen() []*Incident {
	s.mu.RLock()
	result := make([]*Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		if inc.Open() {
			result = append(result, inc.clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return Less(result[i], result[j])
	})
	return result
}

// CountOpenAtOrAbove counts open incidents with severity rank >= min's rank.
// Used for multi-incident mode detection.
func (s *Store) CountOpenAtOrAbove(min Severity) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, inc := range s.incidents {
		if inc.Open() && inc.Severity.Rank() >= min.Rank() {
			count++
		}
	}
	return count
}

// Transition validates and applies a status move, appending a timeline entry.
func (s *Store) Transition(id string, to Status, actor, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.incidents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIncident, id)
	}
	if err := CanTransition(inc.Status, to); err != nil {
		return err
	}
	if (to == StatusResolved || to == StatusClosed) &&
		inc.FalseAlarmConfidence >= 0.5 && reason == "" {
		return fmt.Errorf("%w: incident %s flagged as likely false alarm", ErrReasonRequired, id)
	}

	detail := map[string]string{
		"from": string(inc.Status),
		"to":   string(to),
	}
	if reason != "" {
		detail["reason"] = reason
	}
	inc.Timeline = append(inc.Timeline, TimelineEntry{
		EventID:   uuid.NewString(),
		Type:      EntryStatusChange,
		Timestamp: s.clk.Now(),
		Actor:     actor,
		Detail:    detail,
	})
	inc.Status = to

	if to == StatusClosed {
		inc.AssignmentStatus = AssignmentNone
		if s.archiver != nil {
			s.archiver.Enqueue(inc.clone())
		}
	}
	s.refreshGaugesLocked()
	return nil
}

// Escalate marks an SLA breach: the incident moves to Escalated and the
// timeline gains a permanent sla-breach record. Valid only while the incident
// is still Open or Responding.
func (s *Store) Escalate(id string) (*Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.incidents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIncident, id)
	}
	if inc.Status != StatusOpen && inc.Status != StatusResponding {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inc.Status, StatusEscalated)
	}

	inc.Timeline = append(inc.Timeline, TimelineEntry{
		EventID:   uuid.NewString(),
		Type:      EntrySLABreach,
		Timestamp: s.clk.Now(),
		Actor:     "sla-monitor",
		Detail: map[string]string{
			"from":     string(inc.Status),
			"deadline": inc.SLADeadline.Format(time.RFC3339),
		},
	})
	inc.Status = StatusEscalated
	s.refreshGaugesLocked()
	return inc.clone(), nil
}

// RecordAssignment reflects a committed unit assignment. Recording the same
// unit twice is a no-op: no state change, no extra timeline entry.
func (s *Store) RecordAssignment(id, unitID, assignedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.incidents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIncident, id)
	}
	if inc.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminalState, id)
	}
	if inc.AssignedUnit == unitID {
		return nil
	}

	inc.AssignedUnit = unitID
	inc.AssignmentStatus = AssignmentAssigned
	inc.Timeline = append(inc.Timeline, TimelineEntry{
		EventID:   uuid.NewString(),
		Type:      EntryAssigned,
		Timestamp: s.clk.Now(),
		Actor:     assignedBy,
		Detail:    map[string]string{"unit": unitID},
	})
	s.refreshGaugesLocked()
	return nil
}

// RecordReassignment notes the loss of the assigned unit and re-queues the
// incident for matching.
func (s *Store) RecordReassignment(id, droppedUnit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.incidents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIncident, id)
	}
	if inc.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminalState, id)
	}

	inc.AssignedUnit = ""
	inc.AssignmentStatus = AssignmentQueued
	inc.Timeline = append(inc.Timeline, TimelineEntry{
		EventID:   uuid.NewString(),
		Type:      EntryReassigned,
		Timestamp: s.clk.Now(),
		Actor:     "auto-dispatch",
		Detail:    map[string]string{"dropped_unit": droppedUnit},
	})
	s.refreshGaugesLocked()
	return nil
}

// MarkQueued flags an incident as waiting for an eligible unit.
func (s *Store) MarkQueued(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.incidents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIncident, id)
	}
	if inc.AssignmentStatus == AssignmentAssigned {
		return nil
	}
	inc.AssignmentStatus = AssignmentQueued
	s.refreshGaugesLocked()
	return nil
}

// ClearAssignment drops the assignment link without re-queueing (used when an
// incident leaves the dispatchable states while a unit was still attached).
func (s *Store) ClearAssignment(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.incidents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIncident, id)
	}
	inc.AssignedUnit = ""
	inc.AssignmentStatus = AssignmentNone
	s.refreshGaugesLocked()
	return nil
}

// refreshGaugesLocked recomputes the open-incident gauges. Caller holds mu.
func (s *Store) refreshGaugesLocked() {
	counts := map[Severity]int{
		SeverityCritical: 0,
		SeverityHigh:     0,
		SeverityMedium:   0,
		SeverityLow:      0,
	}
	queued := 0
	for _, inc := range s.incidents {
		if !inc.Open() {
			continue
		}
		counts[inc.Severity]++
		if inc.AssignmentStatus == AssignmentQueued {
			queued++
		}
	}
	for sev, n := range counts {
		observability.OpenIncidents.WithLabelValues(string(sev)).Set(float64(n))
	}
	observability.QueuedIncidents.Set(float64(queued))
}

// Snapshot returns debug state for the snapshot endpoint.
func (s *Store) Snapshot() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	open, queued, closed := 0, 0, 0
	for _, inc := range s.incidents {
		switch {
		case inc.Terminal():
			closed++
		case inc.Open():
			open++
		}
		if inc.AssignmentStatus == AssignmentQueued {
			queued++
		}
	}
	return map[string]interface{}{
		"total":  len(s.incidents),
		"open":   open,
		"queued": queued,
		"closed": closed,
		"seq":    s.seq,
	}
}
