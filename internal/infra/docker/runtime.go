// Package docker adapts the Docker Engine API to the rotation scheduler's
// container runtime port. The client never dials the daemon directly: it is
// pointed at the broker socket and carries the broker bearer token, so every
// operation passes the allowlist.
package docker

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"strconv"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	dockerfilters "github.com/docker/docker/api/types/filters"
	dockernetwork "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"carousel"
)

// Runtime implements the scheduler's ContainerRuntime using the Engine API.
type Runtime struct {
	cli *client.Client
}

// NewRuntime creates a Runtime dialing host (normally the broker socket URL)
// with the given bearer token on every request.
func NewRuntime(host, token string) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithHTTPHeaders(map[string]string{"Authorization": "Bearer " + token}),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Runtime{cli: cli}, nil
}

// NewRuntimeFromClient wraps an existing Docker client. Used by tests.
func NewRuntimeFromClient(cli *client.Client) *Runtime {
	return &Runtime{cli: cli}
}

// WaitReady pings the daemon through the broker until it answers or ctx
// expires. Covers daemon restarts and the broker coming up after us.
func (r *Runtime) WaitReady(ctx context.Context) error {
	var lastErr error
	for {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_, lastErr = r.cli.Ping(pingCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("container daemon not reachable: %w", lastErr)
		case <-time.After(time.Second):
		}
	}
}

// CreateBackend creates (but does not start) a backend container from spec.
// The container port is published on an ephemeral 127.0.0.1 host port; the
// assigned port is resolved by InspectBackend after start.
func (r *Runtime) CreateBackend(ctx context.Context, spec carousel.BackendSpec, name string) (string, error) {
	port, err := nat.NewPort("tcp", strconv.Itoa(spec.Port))
	if err != nil {
		return "", fmt.Errorf("backend port %d: %w", spec.Port, err)
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          envList(spec.Env),
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels: map[string]string{
			carousel.LabelManaged: "true",
			carousel.LabelService: spec.NamePrefix,
		},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		},
	}
	var netCfg *dockernetwork.NetworkingConfig
	if spec.Network != "" {
		netCfg = &dockernetwork.NetworkingConfig{
			EndpointsConfig: map[string]*dockernetwork.EndpointSettings{
				spec.Network: {},
			},
		}
	}

	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container %q: %w", name, err)
	}
	for _, w := range resp.Warnings {
		slog.Warn("container create warning", "container", name, "warning", w)
	}
	return resp.ID, nil
}

func (r *Runtime) StartContainer(ctx context.Context, id string) error {
	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", shortID(id), err)
	}
	return nil
}

// InspectBackend returns the container's managed view, including the host
// address the balancer routes to. A stopped or portless container has a
// zero Addr.
func (r *Runtime) InspectBackend(ctx context.Context, id string) (carousel.Container, error) {
	info, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		return carousel.Container{}, fmt.Errorf("inspect container %s: %w", shortID(id), err)
	}

	c := carousel.Container{
		ID:    info.ID,
		Name:  trimSlash(info.Name),
		Image: info.Config.Image,
	}
	if created, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		c.CreatedAt = created
	}
	if info.State != nil && info.State.Running {
		c.State = carousel.StateActive
	}
	if info.NetworkSettings != nil {
		c.Addr = hostAddr(info.NetworkSettings.Ports)
	}
	return c, nil
}

// StopContainer stops the container, allowing grace for in-flight work.
func (r *Runtime) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	secs := int(grace.Round(time.Second) / time.Second)
	if err := r.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop container %s: %w", shortID(id), err)
	}
	return nil
}

// RemoveContainer removes the container. A missing container is not an
// error: teardown must be idempotent because rollback can race a crash.
func (r *Runtime) RemoveContainer(ctx context.Context, id string, force bool) error {
	if err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container %s: %w", shortID(id), err)
	}
	return nil
}

// ListBackends returns all carousel-managed containers, running or not.
// Restarted schedulers reconcile against this list before planning.
func (r *Runtime) ListBackends(ctx context.Context) ([]carousel.Container, error) {
	summaries, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: dockerfilters.NewArgs(dockerfilters.Arg("label", carousel.LabelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	out := make([]carousel.Container, 0, len(summaries))
	for _, s := range summaries {
		c, err := r.InspectBackend(ctx, s.ID)
		if err != nil {
			if errdefs.IsNotFound(err) {
				continue // removed between list and inspect
			}
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// hostAddr picks the 127.0.0.1 binding docker assigned for the backend port.
func hostAddr(ports nat.PortMap) netip.AddrPort {
	for _, bindings := range ports {
		for _, b := range bindings {
			port, err := strconv.ParseUint(b.HostPort, 10, 16)
			if err != nil || port == 0 {
				continue
			}
			addr, err := netip.ParseAddr(b.HostIP)
			if err != nil || addr.IsUnspecified() {
				addr = netip.AddrFrom4([4]byte{127, 0, 0, 1})
			}
			return netip.AddrPortFrom(addr, uint16(port))
		}
	}
	return netip.AddrPort{}
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func trimSlash(name string) string {
	if len(name) > 0 && name[0] == '/' {
		return name[1:]
	}
	return name
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
