package rotation

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"carousel"
	"carousel/internal/check"
)

// SelectionPolicy picks which active containers are replaced each cycle.
type SelectionPolicy uint8

const (
	SelectOldest SelectionPolicy = iota
	SelectRandom
)

// ShutdownPolicy decides the fate of an in-flight replacement pair when the
// daemon is asked to stop.
type ShutdownPolicy uint8

const (
	// ShutdownFinish lets started pairs run to completion on a detached
	// context before the loop exits.
	ShutdownFinish ShutdownPolicy = iota
	// ShutdownRollback cancels in-flight pairs; their replacements are torn
	// down and the old containers stay in the pool.
	ShutdownRollback
)

// ErrBelowMinHealthy is returned when a cycle is refused because the active
// fleet is already under the configured floor.
var ErrBelowMinHealthy = errors.New("active fleet below minimum healthy capacity")

// pairMargin bounds a replacement pair beyond its probe and drain budgets so
// a wedged daemon call cannot pin the loop forever.
const pairMargin = 2 * time.Minute

type Config struct {
	Plan        carousel.RotationPlan
	Backend     carousel.BackendSpec
	Interval    time.Duration
	Jitter      time.Duration
	GracePeriod time.Duration
	Retention   time.Duration
	Selection   SelectionPolicy
	Shutdown    ShutdownPolicy
}

// Scheduler owns the rotation control loop. Collaborators are injected;
// Run drives everything from a single goroutine, fanning out at most
// Plan.MaxConcurrent replacement pairs per cycle.
type Scheduler struct {
	Config  Config
	Runtime ContainerRuntime
	Prober  Prober
	Pool    PoolReconciler
	Events  Publisher
	Clock   Clock
	Tracer  trace.Tracer

	log *slog.Logger

	// applyMu serializes pool reconciliation so concurrent pairs never
	// publish memberships computed from stale fleet snapshots.
	applyMu sync.Mutex

	mu         sync.Mutex
	fleet      map[string]*carousel.Container
	retiredAt  map[string]time.Time
	trigger    chan struct{}
	lastCycle  time.Time
	cycleCount uint64
}

func (s *Scheduler) getClock() Clock {
	if s.Clock != nil {
		return s.Clock
	}
	return RealClock{}
}

func (s *Scheduler) tracer() trace.Tracer {
	if s.Tracer != nil {
		return s.Tracer
	}
	return otel.Tracer("carousel/rotation")
}

func (s *Scheduler) logger() *slog.Logger {
	if s.log == nil {
		s.log = slog.With("component", "rotation")
	}
	return s.log
}

func (s *Scheduler) init() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fleet == nil {
		s.fleet = make(map[string]*carousel.Container)
	}
	if s.retiredAt == nil {
		s.retiredAt = make(map[string]time.Time)
	}
	if s.trigger == nil {
		s.trigger = make(chan struct{}, 1)
	}
}

// Trigger requests an immediate cycle. It never blocks; a request made
// while one is already pending coalesces with it.
func (s *Scheduler) Trigger() {
	s.init()
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Snapshot returns the known fleet ordered oldest first.
func (s *Scheduler) Snapshot() []carousel.Container {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]carousel.Container, 0, len(s.fleet))
	for _, c := range s.fleet {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// LastCycle reports when the previous cycle ran and how many have run.
func (s *Scheduler) LastCycle() (time.Time, uint64) {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCycle, s.cycleCount
}

// Run adopts the existing fleet, brings it up to the planned replica count,
// then rotates on a jittered interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	check.Assert(s.Runtime != nil, "rotation requires a container runtime")
	check.Assert(s.Prober != nil, "rotation requires a prober")
	check.Assert(s.Pool != nil, "rotation requires a pool reconciler")
	check.Assert(s.Events != nil, "rotation requires an event publisher")
	s.init()

	if err := s.reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile fleet: %w", err)
	}

	timer := time.NewTimer(s.nextInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.trigger:
			if err := s.runCycle(ctx); err != nil {
				s.logger().Warn("rotation cycle failed", "err", err)
			}
		case <-timer.C:
			if err := s.runCycle(ctx); err != nil {
				s.logger().Warn("rotation cycle failed", "err", err)
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.nextInterval())
	}
}

// nextInterval spreads cycles across [Interval, Interval+Jitter) so multiple
// daemons sharing a host do not rotate in lockstep.
func (s *Scheduler) nextInterval() time.Duration {
	d := s.Config.Interval
	if d <= 0 {
		d = time.Hour
	}
	if s.Config.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(s.Config.Jitter)))
	}
	return d
}

// reconcile adopts managed containers the daemon already knows about and the
// proxy's live pool, prunes wreckage from a previous crash, and provisions
// up to the planned replica count. Running it against an already converged
// fleet changes nothing.
func (s *Scheduler) reconcile(ctx context.Context) error {
	s.init()
	observed, err := s.Runtime.ListBackends(ctx)
	if err != nil {
		return fmt.Errorf("list managed containers: %w", err)
	}

	pool := make(map[string]carousel.Member)
	for _, m := range s.Pool.Members() {
		pool[m.Addr.String()] = m
	}

	s.mu.Lock()
	for i := range observed {
		c := observed[i]
		if c.State != carousel.StateActive {
			// Created but never started, or stopped out of band. Not
			// serving, not in the pool; clear it out below.
			s.mu.Unlock()
			s.logger().Info("removing stale managed container", "container", c.ID, "state", c.State)
			if rmErr := s.Runtime.RemoveContainer(ctx, c.ID, true); rmErr != nil {
				return fmt.Errorf("remove stale container %s: %w", c.ID, rmErr)
			}
			s.mu.Lock()
			continue
		}
		// A running container missing from the pool is a crash between its
		// start and the pool apply; the heal below re-adds it.
		c.InPool = true
		if m, ok := pool[c.Addr.String()]; ok && m.Draining {
			c.State = carousel.StateDraining
		}
		cc := c
		s.fleet[c.ID] = &cc
	}
	adopted := len(s.fleet)
	missing := s.Config.Plan.Replicas - s.activeCountLocked()
	s.mu.Unlock()

	if adopted > 0 {
		s.logger().Info("adopted managed containers", "count", adopted)
	}
	for i := 0; i < missing; i++ {
		if _, err := s.provision(ctx); err != nil {
			return fmt.Errorf("provision initial backend: %w", err)
		}
	}

	// Heal the proxy pool if it disagrees with the adopted fleet, e.g.
	// after a crash between a container start and the pool apply.
	if err := s.applyFleetChange(ctx, func() {}, func() {}); err != nil {
		return err
	}

	// A container adopted mid-drain would otherwise sit in the pool as a
	// draining member forever; finish walking it out.
	s.mu.Lock()
	var resuming []string
	for id, c := range s.fleet {
		if c.State == carousel.StateDraining {
			resuming = append(resuming, id)
		}
	}
	s.mu.Unlock()
	for _, id := range resuming {
		s.logger().Info("resuming interrupted drain", "container", shortID(id))
		if err := s.resumeDraining(ctx, id); err != nil {
			s.logger().Warn("resume drain failed", "container", shortID(id), "err", err)
		}
	}
	return nil
}

func (s *Scheduler) resumeDraining(ctx context.Context, id string) error {
	ctx, cancel := s.pairContext(ctx)
	defer cancel()
	return s.drainAndRetire(ctx, id)
}

func (s *Scheduler) activeCountLocked() int {
	n := 0
	for _, c := range s.fleet {
		if c.State == carousel.StateActive {
			n++
		}
	}
	return n
}

func (s *Scheduler) poolMembersLocked() []carousel.Member {
	members := make([]carousel.Member, 0, len(s.fleet))
	for _, c := range s.fleet {
		if c.InPool {
			members = append(members, c.PoolMember())
		}
	}
	return members
}

// applyFleetChange performs a fleet mutation and pushes the resulting pool
// membership to the proxy as one serialized step. If the proxy rejects the
// membership the mutation is reverted, leaving the last good state live.
func (s *Scheduler) applyFleetChange(ctx context.Context, change, revert func()) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	prev := len(s.Pool.Members())
	s.mu.Lock()
	change()
	members := s.poolMembersLocked()
	s.mu.Unlock()

	// Growing toward the floor during bootstrap is fine; shrinking below
	// it never is.
	check.Assertf(len(members) >= s.Config.Plan.MinHealthy || len(members) >= prev,
		"pool shrank below minimum healthy: %d < %d", len(members), s.Config.Plan.MinHealthy)

	if err := s.Pool.Apply(ctx, members); err != nil {
		s.mu.Lock()
		revert()
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Scheduler) emit(containerID string, tr carousel.Transition, detail string) {
	s.Events.Publish(carousel.Event{
		Time:        s.getClock().Now().UTC(),
		ContainerID: containerID,
		Transition:  tr,
		Detail:      detail,
	})
}

func (s *Scheduler) setState(id string, to carousel.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.fleet[id]
	check.Assertf(ok, "state change for unknown container %s", id)
	if !ok {
		return
	}
	check.Assertf(carousel.CanTransition(c.State, to), "invalid transition %s -> %s for %s", c.State, to, id)
	c.State = to
}

// runCycle replaces up to Plan.MaxConcurrent active containers. The fleet
// must be strictly above the minimum healthy floor before anything moves.
func (s *Scheduler) runCycle(ctx context.Context) error {
	cycleCtx, span := s.tracer().Start(ctx, "rotation.cycle")
	defer span.End()

	s.mu.Lock()
	active := s.activeCountLocked()
	s.mu.Unlock()
	if active < s.Config.Plan.MinHealthy {
		err := fmt.Errorf("%w: %d active, floor %d", ErrBelowMinHealthy, active, s.Config.Plan.MinHealthy)
		s.emit("", carousel.TransitionCycleFailed, err.Error())
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	victims := s.selectVictims()
	span.SetAttributes(attribute.Int("rotation.victims", len(victims)))
	s.emit("", carousel.TransitionCycleStarted, fmt.Sprintf("replacing %d of %d", len(victims), active))
	s.logger().Info("rotation cycle started", "victims", len(victims), "active", active)

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	for _, id := range victims {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.rotateOne(cycleCtx, id); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
		}()
	}
	wg.Wait()

	s.gcRetired()
	s.mu.Lock()
	s.lastCycle = s.getClock().Now()
	s.cycleCount++
	s.mu.Unlock()

	if err := errors.Join(errs...); err != nil {
		s.emit("", carousel.TransitionCycleFailed, err.Error())
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	s.emit("", carousel.TransitionCycleCompleted, "")
	s.logger().Info("rotation cycle completed", "replaced", len(victims))
	return nil
}

func (s *Scheduler) selectVictims() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	candidates := make([]*carousel.Container, 0, len(s.fleet))
	for _, c := range s.fleet {
		if c.State == carousel.StateActive {
			candidates = append(candidates, c)
		}
	}
	switch s.Config.Selection {
	case SelectRandom:
		rand.Shuffle(len(candidates), func(i, j int) {
			candidates[i], candidates[j] = candidates[j], candidates[i]
		})
	default:
		sort.Slice(candidates, func(i, j int) bool {
			if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
				return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
			}
			return candidates[i].ID < candidates[j].ID
		})
	}
	n := min(s.Config.Plan.MaxConcurrent, len(candidates))
	ids := make([]string, 0, n)
	for _, c := range candidates[:n] {
		ids = append(ids, c.ID)
	}
	return ids
}

// pairContext scopes one replacement pair. Under the finish policy the pair
// is detached from the loop's cancellation so a shutdown mid-pair still ends
// with either the old or the new container serving, never neither.
func (s *Scheduler) pairContext(ctx context.Context) (context.Context, context.CancelFunc) {
	budget := s.Config.GracePeriod + s.probeBudget() + pairMargin
	if s.Config.Shutdown == ShutdownFinish {
		return context.WithTimeout(context.WithoutCancel(ctx), budget)
	}
	return context.WithTimeout(ctx, budget)
}

func (s *Scheduler) probeBudget() time.Duration {
	return s.Config.Plan.ProbeTimeout * time.Duration(max(s.Config.Plan.ProbeAttempts, 1))
}

// rotateOne drives a single replacement pair: provision and verify the new
// container, swap it into the pool, then drain and retire the old one. Any
// failure before the swap tears down the replacement and leaves the victim
// untouched.
func (s *Scheduler) rotateOne(ctx context.Context, victimID string) error {
	ctx, cancel := s.pairContext(ctx)
	defer cancel()
	ctx, span := s.tracer().Start(ctx, "rotation.pair",
		trace.WithAttributes(attribute.String("rotation.victim", victimID)))
	defer span.End()

	replacement, err := s.provision(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(attribute.String("rotation.replacement", replacement))

	if err := s.drainAndRetire(ctx, victimID); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// provision creates, starts, and health-verifies one backend, then swaps it
// into the proxy pool. On any failure the partial container is removed and
// the pool is left as it was. Returns the new container's id.
func (s *Scheduler) provision(ctx context.Context) (string, error) {
	name := s.Config.Backend.NamePrefix + "-" + randomSuffix()
	id, err := s.Runtime.CreateBackend(ctx, s.Config.Backend, name)
	if err != nil {
		s.emit("", carousel.TransitionFailed, fmt.Sprintf("create %s: %v", name, err))
		return "", fmt.Errorf("create backend %s: %w", name, err)
	}
	s.mu.Lock()
	s.fleet[id] = &carousel.Container{
		ID:        id,
		Name:      name,
		Image:     s.Config.Backend.Image,
		CreatedAt: s.getClock().Now(),
		State:     carousel.StateProvisioning,
	}
	s.mu.Unlock()
	s.emit(id, carousel.TransitionProvisioning, name)

	fail := func(stage string, cause error) (string, error) {
		err := fmt.Errorf("%s %s: %w", stage, name, cause)
		s.emit(id, carousel.TransitionFailed, err.Error())
		s.markFailed(id)
		s.teardown(ctx, id)
		return "", err
	}

	if err := s.Runtime.StartContainer(ctx, id); err != nil {
		return fail("start", err)
	}
	inspected, err := s.Runtime.InspectBackend(ctx, id)
	if err != nil {
		return fail("inspect", err)
	}
	if !inspected.Addr.IsValid() {
		return fail("inspect", errors.New("no published port"))
	}
	s.mu.Lock()
	c := s.fleet[id]
	c.Addr = inspected.Addr
	if !inspected.CreatedAt.IsZero() {
		c.CreatedAt = inspected.CreatedAt
	}
	s.mu.Unlock()

	s.setState(id, carousel.StateHealthChecking)
	s.emit(id, carousel.TransitionHealthChecking, inspected.Addr.String())
	result, probeErr := s.Prober.Probe(ctx, inspected.Addr)
	s.mu.Lock()
	s.fleet[id].LastProbe = result
	s.mu.Unlock()
	if result != carousel.ProbeHealthy {
		cause := fmt.Errorf("probe %s", result)
		if probeErr != nil {
			cause = fmt.Errorf("probe %s: %w", result, probeErr)
		}
		return fail("verify", cause)
	}

	err = s.applyFleetChange(ctx,
		func() {
			s.fleet[id].State = carousel.StateActive
			s.fleet[id].InPool = true
		},
		func() {
			s.fleet[id].State = carousel.StateHealthChecking
			s.fleet[id].InPool = false
		})
	if err != nil {
		return fail("enroll", err)
	}
	s.emit(id, carousel.TransitionActive, "")
	s.logger().Info("backend active", "container", shortID(id), "addr", inspected.Addr)
	return id, nil
}

// drainAndRetire walks a container out of service: mark it draining so the
// proxy stops routing new connections, wait out the grace period, drop it
// from the pool, then stop and remove it. A container that is already
// draining (an interrupted drain picked up at startup) skips straight to
// the grace period.
func (s *Scheduler) drainAndRetire(ctx context.Context, id string) error {
	s.mu.Lock()
	draining := s.fleet[id].State == carousel.StateDraining
	s.mu.Unlock()

	if !draining {
		err := s.applyFleetChange(ctx,
			func() { s.fleet[id].State = carousel.StateDraining },
			func() { s.fleet[id].State = carousel.StateActive })
		if err != nil {
			s.emit(id, carousel.TransitionFailed, fmt.Sprintf("drain: %v", err))
			return fmt.Errorf("drain %s: %w", shortID(id), err)
		}
		s.emit(id, carousel.TransitionDraining, "")
	}

	if s.Config.GracePeriod > 0 {
		if err := s.getClock().Sleep(ctx, s.Config.GracePeriod); err != nil {
			// Cancelled mid-drain. The replacement already serves, so
			// finish retiring on a detached context rather than leave a
			// half-drained container behind.
			detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.Config.GracePeriod+pairMargin)
			defer cancel()
			ctx = detached
		}
	}

	err := s.applyFleetChange(ctx,
		func() {
			s.fleet[id].State = carousel.StateTerminating
			s.fleet[id].InPool = false
		},
		func() {
			s.fleet[id].State = carousel.StateDraining
			s.fleet[id].InPool = true
		})
	if err != nil {
		s.emit(id, carousel.TransitionFailed, fmt.Sprintf("retire: %v", err))
		return fmt.Errorf("retire %s: %w", shortID(id), err)
	}
	s.emit(id, carousel.TransitionTerminating, "")

	if err := s.Runtime.StopContainer(ctx, id, s.Config.GracePeriod); err != nil {
		s.emit(id, carousel.TransitionFailed, fmt.Sprintf("stop: %v", err))
		s.markFailed(id)
		return fmt.Errorf("stop %s: %w", shortID(id), err)
	}
	if err := s.Runtime.RemoveContainer(ctx, id, true); err != nil {
		s.emit(id, carousel.TransitionFailed, fmt.Sprintf("remove: %v", err))
		s.markFailed(id)
		return fmt.Errorf("remove %s: %w", shortID(id), err)
	}
	s.setState(id, carousel.StateTerminated)
	s.retire(id)
	s.emit(id, carousel.TransitionTerminated, "")
	s.logger().Info("backend retired", "container", shortID(id))
	return nil
}

// teardown force-removes a failed replacement. It runs on a detached context
// so rollback still happens when the pair was cancelled.
func (s *Scheduler) teardown(ctx context.Context, id string) {
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), pairMargin)
	defer cancel()
	if err := s.Runtime.RemoveContainer(detached, id, true); err != nil {
		s.logger().Warn("teardown of failed replacement", "container", shortID(id), "err", err)
		return
	}
	s.retire(id)
}

func (s *Scheduler) markFailed(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.fleet[id]; ok {
		c.State = carousel.StateFailed
		c.InPool = false
	}
}

// retire stamps a terminal container for history retention; gcRetired drops
// it once the retention window passes.
func (s *Scheduler) retire(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retiredAt[id] = s.getClock().Now()
}

func (s *Scheduler) gcRetired() {
	retention := s.Config.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	cutoff := s.getClock().Now().Add(-retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, at := range s.retiredAt {
		if at.Before(cutoff) {
			delete(s.retiredAt, id)
			if c, ok := s.fleet[id]; ok && c.State.Terminal() {
				delete(s.fleet, id)
			}
		}
	}
	// Failed containers with no retirement stamp are torn-down replacements
	// kept for status visibility; expire them the same way.
	for id, c := range s.fleet {
		if c.State.Terminal() {
			if _, stamped := s.retiredAt[id]; !stamped {
				s.retiredAt[id] = s.getClock().Now()
			}
		}
	}
}

func randomSuffix() string {
	var b [4]byte
	if _, err := crand.Read(b[:]); err != nil {
		return fmt.Sprintf("%08x", rand.Uint32())
	}
	return hex.EncodeToString(b[:])
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
