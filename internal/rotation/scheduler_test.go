package rotation

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"carousel"
)

type fakeRuntime struct {
	mu         sync.Mutex
	containers map[string]carousel.Container
	nextPort   uint16
	created    []string
	removed    []string
	stopped    []string
	createErr  error
	startErr   error
	stopErr    error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: make(map[string]carousel.Container), nextPort: 40000}
}

func (r *fakeRuntime) seed(id string, created time.Time, port uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.containers[id] = carousel.Container{
		ID:        id,
		Name:      id,
		CreatedAt: created,
		State:     carousel.StateActive,
		Addr:      netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port),
	}
}

func (r *fakeRuntime) CreateBackend(_ context.Context, spec carousel.BackendSpec, name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return "", r.createErr
	}
	id := "ctr-" + name
	r.containers[id] = carousel.Container{
		ID:        id,
		Name:      name,
		Image:     spec.Image,
		CreatedAt: time.Now(),
		State:     carousel.StateProvisioning,
		Addr:      netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), r.nextPort),
	}
	r.nextPort++
	r.created = append(r.created, id)
	return id, nil
}

func (r *fakeRuntime) StartContainer(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	c, ok := r.containers[id]
	if !ok {
		return fmt.Errorf("no such container %s", id)
	}
	c.State = carousel.StateActive
	r.containers[id] = c
	return nil
}

func (r *fakeRuntime) InspectBackend(_ context.Context, id string) (carousel.Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return carousel.Container{}, fmt.Errorf("no such container %s", id)
	}
	return c, nil
}

func (r *fakeRuntime) StopContainer(_ context.Context, id string, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopErr != nil {
		return r.stopErr
	}
	r.stopped = append(r.stopped, id)
	return nil
}

func (r *fakeRuntime) RemoveContainer(_ context.Context, id string, _ bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.containers, id)
	r.removed = append(r.removed, id)
	return nil
}

func (r *fakeRuntime) ListBackends(_ context.Context) ([]carousel.Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]carousel.Container, 0, len(r.containers))
	for _, c := range r.containers {
		out = append(out, c)
	}
	return out, nil
}

func (r *fakeRuntime) removedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.removed...)
}

type fakeProber struct {
	mu      sync.Mutex
	results map[string]carousel.ProbeResult
	probed  []string
}

func (p *fakeProber) Probe(_ context.Context, addr netip.AddrPort) (carousel.ProbeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probed = append(p.probed, addr.String())
	if res, ok := p.results[addr.String()]; ok {
		if res != carousel.ProbeHealthy {
			return res, errors.New("probe failed")
		}
		return res, nil
	}
	return carousel.ProbeHealthy, nil
}

func (p *fakeProber) failAddr(addr string, res carousel.ProbeResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.results == nil {
		p.results = make(map[string]carousel.ProbeResult)
	}
	p.results[addr] = res
}

type fakePool struct {
	mu       sync.Mutex
	members  []carousel.Member
	history  [][]carousel.Member
	applyErr error
}

func (p *fakePool) Apply(_ context.Context, members []carousel.Member) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.applyErr != nil {
		return p.applyErr
	}
	snap := append([]carousel.Member(nil), members...)
	p.history = append(p.history, snap)
	p.members = snap
	return nil
}

func (p *fakePool) Members() []carousel.Member {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]carousel.Member(nil), p.members...)
}

func (p *fakePool) applies() [][]carousel.Member {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]carousel.Member(nil), p.history...)
}

func (p *fakePool) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = nil
}

type fakeSink struct {
	mu     sync.Mutex
	events []carousel.Event
}

func (s *fakeSink) Publish(ev carousel.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *fakeSink) transitions() []carousel.Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]carousel.Transition, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Transition)
	}
	return out
}

func (s *fakeSink) has(tr carousel.Transition) bool {
	for _, got := range s.transitions() {
		if got == tr {
			return true
		}
	}
	return false
}

type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func testScheduler(runtime *fakeRuntime, pool *fakePool, prober *fakeProber, sink *fakeSink, plan carousel.RotationPlan) *Scheduler {
	plan, err := plan.Normalize()
	if err != nil {
		panic(err)
	}
	return &Scheduler{
		Config: Config{
			Plan:        plan,
			Backend:     carousel.BackendSpec{NamePrefix: "web", Image: "app:latest", Port: 8080},
			Interval:    time.Hour,
			GracePeriod: 30 * time.Second,
			Retention:   time.Hour,
		},
		Runtime: runtime,
		Prober:  prober,
		Pool:    pool,
		Events:  sink,
		Clock:   &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
}

func addrSet(members []carousel.Member) map[string]bool {
	out := make(map[string]bool, len(members))
	for _, m := range members {
		out[m.Addr.String()] = m.Draining
	}
	return out
}

func seedPair(runtime *fakeRuntime, pool *fakePool) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	runtime.seed("ctr-a", base, 30001)
	runtime.seed("ctr-b", base.Add(time.Minute), 30002)
	pool.members = []carousel.Member{
		{Addr: netip.MustParseAddrPort("127.0.0.1:30001"), Weight: 1},
		{Addr: netip.MustParseAddrPort("127.0.0.1:30002"), Weight: 1},
	}
}

func TestCycleReplacesOldestWithoutDroppingCapacity(t *testing.T) {
	runtime := newFakeRuntime()
	pool := &fakePool{}
	seedPair(runtime, pool)
	prober := &fakeProber{}
	sink := &fakeSink{}
	s := testScheduler(runtime, pool, prober, sink, carousel.RotationPlan{Replicas: 2, MinHealthy: 2, MaxConcurrent: 1})

	ctx := context.Background()
	if err := s.reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	pool.reset()

	if err := s.runCycle(ctx); err != nil {
		t.Fatalf("runCycle: %v", err)
	}

	applies := pool.applies()
	if len(applies) != 3 {
		t.Fatalf("pool applies = %d, want 3 (add, drain, remove)", len(applies))
	}
	for i, members := range applies {
		if len(members) < 2 {
			t.Fatalf("apply %d dropped pool to %d members, floor is 2", i, len(members))
		}
	}

	newAddr := "127.0.0.1:40000"
	first := addrSet(applies[0])
	if draining, ok := first[newAddr]; !ok || draining {
		t.Fatalf("first apply should add replacement %s active, got %v", newAddr, first)
	}
	if first["127.0.0.1:30001"] {
		t.Fatal("victim draining before replacement confirmed active")
	}
	second := addrSet(applies[1])
	if !second["127.0.0.1:30001"] {
		t.Fatal("second apply should mark the oldest container draining")
	}
	last := addrSet(applies[2])
	if _, ok := last["127.0.0.1:30001"]; ok {
		t.Fatal("final apply should remove the victim from the pool")
	}
	if _, ok := last["127.0.0.1:30002"]; !ok {
		t.Fatal("untouched container evicted from the pool")
	}

	if removed := runtime.removedIDs(); len(removed) != 1 || removed[0] != "ctr-a" {
		t.Fatalf("removed = %v, want only the oldest container ctr-a", removed)
	}

	want := []carousel.Transition{
		carousel.TransitionCycleStarted,
		carousel.TransitionProvisioning,
		carousel.TransitionHealthChecking,
		carousel.TransitionActive,
		carousel.TransitionDraining,
		carousel.TransitionTerminating,
		carousel.TransitionTerminated,
		carousel.TransitionCycleCompleted,
	}
	got := sink.transitions()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transition %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestCycleRollsBackWhenReplacementNeverHealthy(t *testing.T) {
	runtime := newFakeRuntime()
	pool := &fakePool{}
	seedPair(runtime, pool)
	prober := &fakeProber{}
	prober.failAddr("127.0.0.1:40000", carousel.ProbeTimedOut)
	sink := &fakeSink{}
	s := testScheduler(runtime, pool, prober, sink, carousel.RotationPlan{Replicas: 2, MinHealthy: 2, MaxConcurrent: 1})

	ctx := context.Background()
	if err := s.reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	pool.reset()

	if err := s.runCycle(ctx); err == nil {
		t.Fatal("runCycle should fail when the replacement never becomes healthy")
	}

	if applies := pool.applies(); len(applies) != 0 {
		t.Fatalf("pool touched %d times during a failed provision, want 0", len(applies))
	}
	removed := runtime.removedIDs()
	if len(removed) != 1 || removed[0][:8] != "ctr-web-" {
		t.Fatalf("removed = %v, want only the torn-down replacement", removed)
	}
	if !sink.has(carousel.TransitionFailed) || !sink.has(carousel.TransitionCycleFailed) {
		t.Fatalf("missing failure events, got %v", sink.transitions())
	}
	if sink.has(carousel.TransitionDraining) {
		t.Fatal("victim started draining despite rollback")
	}

	for _, c := range s.Snapshot() {
		if c.ID == "ctr-a" && c.State != carousel.StateActive {
			t.Fatalf("victim state = %s after rollback, want active", c.State)
		}
	}
}

func TestCycleRollsBackWhenPoolRejectsReplacement(t *testing.T) {
	runtime := newFakeRuntime()
	pool := &fakePool{}
	seedPair(runtime, pool)
	prober := &fakeProber{}
	sink := &fakeSink{}
	s := testScheduler(runtime, pool, prober, sink, carousel.RotationPlan{Replicas: 2, MinHealthy: 2, MaxConcurrent: 1})

	ctx := context.Background()
	if err := s.reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	pool.reset()
	pool.applyErr = errors.New("validation failed")

	if err := s.runCycle(ctx); err == nil {
		t.Fatal("runCycle should fail when the pool rejects the new membership")
	}
	if removed := runtime.removedIDs(); len(removed) != 1 {
		t.Fatalf("removed = %v, want the torn-down replacement", removed)
	}
	if got := pool.Members(); len(got) != 2 {
		t.Fatalf("live pool = %d members after rollback, want 2", len(got))
	}
}

func TestCycleRefusedBelowMinHealthy(t *testing.T) {
	runtime := newFakeRuntime()
	pool := &fakePool{}
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	runtime.seed("ctr-a", base, 30001)
	pool.members = []carousel.Member{{Addr: netip.MustParseAddrPort("127.0.0.1:30001"), Weight: 1}}
	sink := &fakeSink{}
	s := testScheduler(runtime, pool, &fakeProber{}, sink, carousel.RotationPlan{Replicas: 2, MinHealthy: 2, MaxConcurrent: 1})
	// Adopt the lone container without provisioning the missing replica so
	// the fleet sits under the floor.
	s.init()
	s.mu.Lock()
	s.fleet["ctr-a"] = &carousel.Container{ID: "ctr-a", CreatedAt: base, State: carousel.StateActive, InPool: true,
		Addr: netip.MustParseAddrPort("127.0.0.1:30001")}
	s.mu.Unlock()

	err := s.runCycle(context.Background())
	if !errors.Is(err, ErrBelowMinHealthy) {
		t.Fatalf("err = %v, want ErrBelowMinHealthy", err)
	}
	if len(runtime.created) != 0 || len(runtime.removedIDs()) != 0 {
		t.Fatal("refused cycle must not touch containers")
	}
	if !sink.has(carousel.TransitionCycleFailed) {
		t.Fatalf("missing cycle-failed event, got %v", sink.transitions())
	}
}

func TestReconcileAdoptsExistingFleetWithoutDuplicates(t *testing.T) {
	runtime := newFakeRuntime()
	pool := &fakePool{}
	seedPair(runtime, pool)
	s := testScheduler(runtime, pool, &fakeProber{}, &fakeSink{}, carousel.RotationPlan{Replicas: 2, MinHealthy: 2, MaxConcurrent: 1})

	if err := s.reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(runtime.created) != 0 {
		t.Fatalf("created %v for an already converged fleet", runtime.created)
	}
	snap := s.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("fleet = %d, want 2 adopted", len(snap))
	}
	for _, c := range snap {
		if c.State != carousel.StateActive || !c.InPool {
			t.Fatalf("adopted %s state=%s inPool=%v, want active in pool", c.ID, c.State, c.InPool)
		}
	}

	// Running it again is a no-op too.
	if err := s.reconcile(context.Background()); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if len(runtime.created) != 0 {
		t.Fatalf("second reconcile created %v", runtime.created)
	}
}

func TestReconcileProvisionsMissingReplicas(t *testing.T) {
	runtime := newFakeRuntime()
	pool := &fakePool{}
	sink := &fakeSink{}
	s := testScheduler(runtime, pool, &fakeProber{}, sink, carousel.RotationPlan{Replicas: 2, MinHealthy: 1, MaxConcurrent: 1})

	if err := s.reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(runtime.created) != 2 {
		t.Fatalf("created = %v, want 2 backends", runtime.created)
	}
	if got := pool.Members(); len(got) != 2 {
		t.Fatalf("pool = %d members after bootstrap, want 2", len(got))
	}
	for _, tr := range []carousel.Transition{carousel.TransitionProvisioning, carousel.TransitionHealthChecking, carousel.TransitionActive} {
		if !sink.has(tr) {
			t.Fatalf("missing %s during bootstrap, got %v", tr, sink.transitions())
		}
	}
}

func TestReconcileRemovesStaleContainers(t *testing.T) {
	runtime := newFakeRuntime()
	pool := &fakePool{}
	seedPair(runtime, pool)
	runtime.mu.Lock()
	runtime.containers["ctr-stale"] = carousel.Container{ID: "ctr-stale", State: carousel.StateProvisioning}
	runtime.mu.Unlock()
	s := testScheduler(runtime, pool, &fakeProber{}, &fakeSink{}, carousel.RotationPlan{Replicas: 2, MinHealthy: 2, MaxConcurrent: 1})

	if err := s.reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	removed := runtime.removedIDs()
	if len(removed) != 1 || removed[0] != "ctr-stale" {
		t.Fatalf("removed = %v, want only the stale container", removed)
	}
	if len(s.Snapshot()) != 2 {
		t.Fatalf("fleet = %d, want 2", len(s.Snapshot()))
	}
}

func TestReconcileRestoresPoolOrphans(t *testing.T) {
	runtime := newFakeRuntime()
	pool := &fakePool{}
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	runtime.seed("ctr-a", base, 30001)
	runtime.seed("ctr-b", base.Add(time.Minute), 30002)
	// ctr-b started but the daemon died before the pool apply.
	pool.members = []carousel.Member{
		{Addr: netip.MustParseAddrPort("127.0.0.1:30001"), Weight: 1},
	}
	s := testScheduler(runtime, pool, &fakeProber{}, &fakeSink{}, carousel.RotationPlan{Replicas: 2, MinHealthy: 2, MaxConcurrent: 1})

	if err := s.reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(runtime.created) != 0 {
		t.Fatalf("created %v, want the running container adopted instead", runtime.created)
	}
	got := addrSet(pool.Members())
	if len(got) != 2 {
		t.Fatalf("pool = %v, want both running containers", got)
	}
	if draining, ok := got["127.0.0.1:30002"]; !ok || draining {
		t.Fatalf("pool = %v, want 127.0.0.1:30002 restored active", got)
	}
	for _, c := range s.Snapshot() {
		if !c.InPool {
			t.Fatalf("adopted %s not marked in pool", c.ID)
		}
	}
}

func TestReconcileFinishesInterruptedDrain(t *testing.T) {
	runtime := newFakeRuntime()
	pool := &fakePool{}
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	runtime.seed("ctr-a", base, 30001)
	runtime.seed("ctr-b", base.Add(time.Minute), 30002)
	// ctr-b was mid-drain when the daemon died.
	pool.members = []carousel.Member{
		{Addr: netip.MustParseAddrPort("127.0.0.1:30001"), Weight: 1},
		{Addr: netip.MustParseAddrPort("127.0.0.1:30002"), Weight: 1, Draining: true},
	}
	sink := &fakeSink{}
	s := testScheduler(runtime, pool, &fakeProber{}, sink, carousel.RotationPlan{Replicas: 2, MinHealthy: 1, MaxConcurrent: 1})

	if err := s.reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	// The draining container does not count toward the replica target, so a
	// fresh backend comes up before the drain completes.
	if len(runtime.created) != 1 {
		t.Fatalf("created = %v, want one replacement for the draining container", runtime.created)
	}
	removed := runtime.removedIDs()
	if len(removed) != 1 || removed[0] != "ctr-b" {
		t.Fatalf("removed = %v, want the draining container retired", removed)
	}
	if sink.has(carousel.TransitionDraining) {
		t.Fatalf("re-announced draining for an already draining container: %v", sink.transitions())
	}
	for _, tr := range []carousel.Transition{carousel.TransitionTerminating, carousel.TransitionTerminated} {
		if !sink.has(tr) {
			t.Fatalf("missing %s while finishing the drain, got %v", tr, sink.transitions())
		}
	}

	got := addrSet(pool.Members())
	if len(got) != 2 {
		t.Fatalf("pool = %v, want 2 members after the drain completes", got)
	}
	for addr, draining := range got {
		if draining {
			t.Fatalf("pool member %s still draining after reconcile", addr)
		}
	}
	if _, ok := got["127.0.0.1:30002"]; ok {
		t.Fatal("drained container still in the pool")
	}
}

func TestCycleBoundsConcurrentRotations(t *testing.T) {
	runtime := newFakeRuntime()
	pool := &fakePool{}
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	runtime.seed("ctr-a", base, 30001)
	runtime.seed("ctr-b", base.Add(time.Minute), 30002)
	runtime.seed("ctr-c", base.Add(2*time.Minute), 30003)
	pool.members = []carousel.Member{
		{Addr: netip.MustParseAddrPort("127.0.0.1:30001"), Weight: 1},
		{Addr: netip.MustParseAddrPort("127.0.0.1:30002"), Weight: 1},
		{Addr: netip.MustParseAddrPort("127.0.0.1:30003"), Weight: 1},
	}
	sink := &fakeSink{}
	s := testScheduler(runtime, pool, &fakeProber{}, sink, carousel.RotationPlan{Replicas: 3, MinHealthy: 2, MaxConcurrent: 2})

	ctx := context.Background()
	if err := s.reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	pool.reset()
	if err := s.runCycle(ctx); err != nil {
		t.Fatalf("runCycle: %v", err)
	}

	if len(runtime.created) != 2 {
		t.Fatalf("created = %d replacements, want 2 (max concurrent)", len(runtime.created))
	}
	removed := runtime.removedIDs()
	if len(removed) != 2 {
		t.Fatalf("removed = %v, want the 2 oldest containers", removed)
	}
	for _, id := range removed {
		if id != "ctr-a" && id != "ctr-b" {
			t.Fatalf("removed %s, oldest-first selection should spare ctr-c", id)
		}
	}
	for i, members := range pool.applies() {
		if len(members) < 2 {
			t.Fatalf("apply %d dropped pool to %d members, floor is 2", i, len(members))
		}
	}
}

func TestTriggerRunsCycleImmediately(t *testing.T) {
	runtime := newFakeRuntime()
	pool := &fakePool{}
	seedPair(runtime, pool)
	sink := &fakeSink{}
	s := testScheduler(runtime, pool, &fakeProber{}, sink, carousel.RotationPlan{Replicas: 2, MinHealthy: 2, MaxConcurrent: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	s.Trigger()
	deadline := time.After(5 * time.Second)
	for !sink.has(carousel.TransitionCycleCompleted) {
		select {
		case <-deadline:
			t.Fatal("triggered cycle never completed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, count := s.LastCycle(); count != 1 {
		t.Fatalf("cycle count = %d, want 1", count)
	}
}
