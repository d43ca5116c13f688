package carousel

import (
	"fmt"
	"time"
)

// Transition identifies what a rotation event reports.
type Transition uint8

const (
	TransitionUnknown Transition = iota
	TransitionProvisioning
	TransitionHealthChecking
	TransitionActive
	TransitionDraining
	TransitionTerminating
	TransitionTerminated
	TransitionFailed
	TransitionCycleStarted
	TransitionCycleCompleted
	TransitionCycleFailed
	// TransitionGap is a stream marker, not a container transition: the
	// subscriber's buffer overflowed and events were dropped before this one.
	TransitionGap
)

var transitionNames = map[Transition]string{
	TransitionProvisioning:   "provisioning",
	TransitionHealthChecking: "health-checking",
	TransitionActive:         "active",
	TransitionDraining:       "draining",
	TransitionTerminating:    "terminating",
	TransitionTerminated:     "terminated",
	TransitionFailed:         "failed",
	TransitionCycleStarted:   "cycle-started",
	TransitionCycleCompleted: "cycle-completed",
	TransitionCycleFailed:    "cycle-failed",
	TransitionGap:            "gap",
}

func (t Transition) String() string {
	if name, ok := transitionNames[t]; ok {
		return name
	}
	return "unknown"
}

// MarshalText serializes the transition name for the event stream.
func (t Transition) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses a transition name from the event stream.
func (t *Transition) UnmarshalText(text []byte) error {
	for k, name := range transitionNames {
		if name == string(text) {
			*t = k
			return nil
		}
	}
	return fmt.Errorf("unknown transition %q", string(text))
}

// Event is one rotation lifecycle event. Events are append-only facts:
// consumers must not modify them after publication.
type Event struct {
	Time        time.Time  `json:"timestamp"`
	ContainerID string     `json:"container_id,omitempty"`
	Transition  Transition `json:"transition"`
	Detail      string     `json:"detail,omitempty"`
}

// TransitionForState maps a lifecycle state to the event kind announcing it.
func TransitionForState(s State) Transition {
	switch s {
	case StateProvisioning:
		return TransitionProvisioning
	case StateHealthChecking:
		return TransitionHealthChecking
	case StateActive:
		return TransitionActive
	case StateDraining:
		return TransitionDraining
	case StateTerminating:
		return TransitionTerminating
	case StateTerminated:
		return TransitionTerminated
	case StateFailed:
		return TransitionFailed
	default:
		return TransitionUnknown
	}
}
