package incident

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownIncident = errors.New("unknown incident")
	// ErrInvalidTransition marks an illegal state machine move. These are
	// operator/programmer errors: reported to the caller, never retried.
	ErrInvalidTransition = errors.New("invalid incident transition")
	// ErrTerminalState marks an attempted move out of Closed.
	ErrTerminalState = errors.New("incident is closed")
	// ErrReasonRequired marks a resolve/close on a suspected false alarm
	// without a reason or classification.
	ErrReasonRequired = errors.New("resolution reason required")
)

// transitions is the incident state machine.
// Open/Responding may close directly via the false-alarm path; Escalated may
// re-engage back to Responding. Closed is terminal.
var transitions = map[Status][]Status{
	StatusOpen:       {StatusResponding, StatusEscalated, StatusClosed},
	StatusResponding: {StatusResolved, StatusEscalated, StatusClosed},
	StatusEscalated:  {StatusResponding, StatusResolved},
	StatusResolved:   {StatusClosed},
	StatusClosed:     {},
}

// CanTransition validates a status move against the state machine.
func CanTransition(from, to Status) error {
	if from == StatusClosed {
		return fmt.Errorf("%w: cannot leave %s", ErrTerminalState, from)
	}
	allowed, ok := transitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Replay reconstructs an incident's status by walking its timeline in append
// order, validating every move. A timeline that contradicts the state machine
// returns an error.
func Replay(entries []TimelineEntry) (Status, error) {
	var status Status
	started := false

	for _, e := range entries {
		switch e.Type {
		case EntryAlertTriggered:
			if started {
				return status, fmt.Errorf("duplicate %s entry", EntryAlertTriggered)
			}
			status = StatusOpen
			started = true

		case EntryStatusChange:
			if !started {
				return status, fmt.Errorf("%s before %s", EntryStatusChange, EntryAlertTriggered)
			}
			to := Status(e.Detail["to"])
			if err := CanTransition(status, to); err != nil {
				return status, err
			}
			status = to

		case EntrySLABreach:
			if !started {
				return status, fmt.Errorf("%s before %s", EntrySLABreach, EntryAlertTriggered)
			}
			if err := CanTransition(status, StatusEscalated); err != nil {
				return status, err
			}
			status = StatusEscalated

		case EntryAssigned, EntryReassigned:
			// Assignment history; no status effect.

		default:
			return status, fmt.Errorf("unknown timeline entry type %q", e.Type)
		}
	}

	if !started {
		return status, errors.New("timeline has no creation entry")
	}
	return status, nil
}
