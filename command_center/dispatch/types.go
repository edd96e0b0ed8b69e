package dispatch

import (
	"time"
)

// Who committed an assignment.
const (
	ByAutoDispatch = "auto-dispatch"
	ByOperator     = "operator"
)

// Assignment is the queryable record linking a unit to an incident or route.
// The dispatch engine is the sole writer of these links; the registry and
// incident store only reflect them.
type Assignment struct {
	ID         string     `json:"id"`
	UnitID     string     `json:"unit_id"`
	RefType    string     `json:"ref_type"` // "incident" or "route"
	RefID      string     `json:"ref_id"`
	AssignedBy string     `json:"assigned_by"`
	AssignedAt time.Time  `json:"assigned_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

// Decision is a structured log entry for dispatch engine actions.
type Decision struct {
	Component  string      `json:"component"`
	Decision   string      `json:"decision"` // DISPATCH, QUEUED, SKIP_BUSY, CANCELLED, REASSIGN
	IncidentID string      `json:"incident_id,omitempty"`
	UnitID     string      `json:"unit_id,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Metadata   interface{} `json:"metadata,omitempty"`
}

// Snapshot exposes internal engine state for the debug endpoint.
type Snapshot struct {
	QueuedIncidents   []string     `json:"queued_incidents"`
	MultiIncidentMode bool         `json:"multi_incident_mode"`
	ActiveAssignments []Assignment `json:"active_assignments"`
	TotalAssignments  int          `json:"total_assignments"`
}
