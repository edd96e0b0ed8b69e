package incident

import (
	"time"
)

// Severity is an incident's response tier. Higher rank dispatches first.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

var severityRank = map[Severity]int{
	SeverityCritical: 3,
	SeverityHigh:     2,
	SeverityMedium:   1,
	SeverityLow:      0,
}

// Rank returns the priority rank of the severity. Unknown severities rank lowest.
func (s Severity) Rank() int {
	return severityRank[s]
}

// Status is the incident lifecycle state.
type Status string

const (
	StatusOpen       Status = "open"
	StatusResponding Status = "responding"
	StatusEscalated  Status = "escalated"
	StatusResolved   Status = "resolved"
	StatusClosed     Status = "closed"
)

// AssignmentStatus reflects the dispatch engine's view of an incident.
// Queued is a result state, not a failure: no eligible unit existed at the
// last matching pass.
type AssignmentStatus string

const (
	AssignmentNone     AssignmentStatus = ""
	AssignmentQueued   AssignmentStatus = "queued"
	AssignmentAssigned AssignmentStatus = "assigned"
)

// Timeline entry types.
const (
	EntryAlertTriggered = "alert-triggered"
	EntryStatusChange   = "status-change"
	EntryAssigned       = "assigned"
	EntryReassigned     = "reassigned"
	EntrySLABreach      = "sla-breach"
)

// Alert is the external ingestion input produced by out-of-scope sensor
// infrastructure.
type Alert struct {
	ThreatType         string    `json:"threat_type"`
	Location           string    `json:"location"`
	DetectedConfidence float64   `json:"detected_confidence"`
	Timestamp          time.Time `json:"timestamp"`
	Source             string    `json:"source,omitempty"`
}

// TimelineEntry is one append-only record in an incident's history.
// Entries are strictly ordered by append; they are never reordered or mutated.
type TimelineEntry struct {
	EventID   string            `json:"event_id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Actor     string            `json:"actor,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// Incident is a tracked security event with severity, SLA deadline, and
// lifecycle status. SLADeadline is set exactly once at creation.
type Incident struct {
	ID             string    `json:"id"`
	Seq            int64     `json:"seq"`
	ThreatType     string    `json:"threat_type"`
	Severity       Severity  `json:"severity"`
	Location       string    `json:"location"`
	CreatedAt      time.Time `json:"created_at"`
	SLADeadline    time.Time `json:"sla_deadline"`
	Status         Status    `json:"status"`
	AssignedUnit   string    `json:"assigned_unit,omitempty"`
	SecondaryUnits []string  `json:"secondary_units,omitempty"`

	AssignmentStatus AssignmentStatus `json:"assignment_status,omitempty"`

	// FalseAlarmConfidence is the ingestion-time score that the alert is a
	// false positive (0 = no signal).
	FalseAlarmConfidence float64 `json:"false_alarm_confidence,omitempty"`

	Timeline []TimelineEntry `json:"timeline"`
}

// Terminal reports whether the incident can no longer transition.
func (i *Incident) Terminal() bool {
	return i.Status == StatusClosed
}

// Open reports whether the incident still needs response coordination.
func (i *Incident) Open() bool {
	switch i.Status {
	case StatusOpen, StatusResponding, StatusEscalated:
		return true
	}
	return false
}

// Breached reports whether the timeline carries an SLA breach record. The
// record persists even after the incident resolves.
func (i *Incident) Breached() bool {
	for _, e := range i.Timeline {
		if e.Type == EntrySLABreach {
			return true
		}
	}
	return false
}

// Less orders incidents for dispatch: severity rank first, then elapsed time
// descending (longer-waiting wins ties), then sequence for determinism.
func Less(a, b *Incident) bool {
	if a.Severity.Rank() != b.Severity.Rank() {
		return a.Severity.Rank() > b.Severity.Rank()
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

func (i *Incident) clone() *Incident {
	c := *i
	c.Timeline = make([]TimelineEntry, len(i.Timeline))
	copy(c.Timeline, i.Timeline)
	if i.SecondaryUnits != nil {
		c.SecondaryUnits = append([]string(nil), i.SecondaryUnits...)
	}
	return &c
}
