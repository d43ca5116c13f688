// Package carousel holds the domain model shared by the rotation control
// plane: managed containers and their lifecycle states, rotation plans,
// pool membership, and the events emitted on every transition.
package carousel

import (
	"net/netip"
	"time"
)

// State is the rotation lifecycle state of a managed container.
type State uint8

const (
	StateUnknown State = iota
	StateProvisioning
	StateHealthChecking
	StateActive
	StateDraining
	StateTerminating
	StateTerminated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateProvisioning:
		return "provisioning"
	case StateHealthChecking:
		return "health-checking"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether a container in this state can never transition again.
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateFailed
}

// CanTransition reports whether the lifecycle permits moving from one state
// to another. Failed is reachable from Provisioning, HealthChecking, and
// Terminating; every other edge follows the replace-and-drain sequence.
func CanTransition(from, to State) bool {
	switch from {
	case StateUnknown:
		return to == StateProvisioning || to == StateActive
	case StateProvisioning:
		return to == StateHealthChecking || to == StateFailed
	case StateHealthChecking:
		return to == StateActive || to == StateFailed
	case StateActive:
		return to == StateDraining
	case StateDraining:
		return to == StateTerminating
	case StateTerminating:
		return to == StateTerminated || to == StateFailed
	default:
		return false
	}
}

// Container is one managed backend instance. The record is owned by the
// rotation scheduler; nothing else mutates State or InPool.
type Container struct {
	ID        string
	Name      string
	Image     string
	CreatedAt time.Time
	State     State
	LastProbe ProbeResult
	InPool    bool
	Addr      netip.AddrPort // host address the balancer routes to
}

// Member is one entry in the edge proxy's backend pool. Draining members
// stay enumerated so in-flight connections finish, but take no new traffic.
type Member struct {
	Addr     netip.AddrPort
	Weight   int
	Draining bool
}

// PoolMember returns the container's pool entry. Only meaningful while the
// container is in the pool.
func (c Container) PoolMember() Member {
	return Member{Addr: c.Addr, Weight: 1, Draining: c.State == StateDraining}
}

// BackendSpec describes how to create a backend container. Immutable after
// configuration load.
type BackendSpec struct {
	NamePrefix string
	Image      string
	Port       int // container port the readiness endpoint and traffic share
	Network    string
	Env        map[string]string
}

// Labels applied to every managed container so a restarted scheduler can
// adopt the observed fleet instead of creating duplicates.
const (
	LabelManaged = "carousel.managed"
	LabelService = "carousel.service"
)
