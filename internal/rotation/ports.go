// Package rotation drives the moving-target rotation of the backend fleet:
// a single control loop that replaces containers through the privileged
// runtime, verifies replacements with the prober, and reconciles the edge
// proxy's pool, never dropping below minimum healthy capacity.
package rotation

import (
	"context"
	"net/netip"
	"time"

	"carousel"
)

// ContainerRuntime is the privileged container surface, reached only
// through the broker.
type ContainerRuntime interface {
	CreateBackend(ctx context.Context, spec carousel.BackendSpec, name string) (string, error)
	StartContainer(ctx context.Context, id string) error
	InspectBackend(ctx context.Context, id string) (carousel.Container, error)
	StopContainer(ctx context.Context, id string, grace time.Duration) error
	RemoveContainer(ctx context.Context, id string, force bool) error
	ListBackends(ctx context.Context) ([]carousel.Container, error)
}

// Prober reports whether a candidate backend became healthy within its
// configured budget.
type Prober interface {
	Probe(ctx context.Context, addr netip.AddrPort) (carousel.ProbeResult, error)
}

// PoolReconciler applies desired backend-pool membership to the edge proxy
// and reports the last applied membership.
type PoolReconciler interface {
	Apply(ctx context.Context, members []carousel.Member) error
	Members() []carousel.Member
}

// Publisher receives every rotation event. Implementations must not block.
type Publisher interface {
	Publish(ev carousel.Event)
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock is the production clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
