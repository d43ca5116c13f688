// Package daemon wires the rotation scheduler, broker, prober, balancer,
// event fan-out, and control API into one process.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"carousel/config"
	"carousel/internal/balancer"
	"carousel/internal/broker"
	"carousel/internal/events"
	"carousel/internal/infra/docker"
	"carousel/internal/infra/sqlite"
	"carousel/internal/prober"
	"carousel/internal/rotation"
)

// eventBuffer sizes each subscriber's channel; slow consumers see a gap
// marker instead of stalling the scheduler.
const eventBuffer = 64

// Run wires every component from cfg and blocks until ctx is cancelled or a
// component fails.
func Run(ctx context.Context, cfg *config.Config) error {
	token, err := cfg.Broker.Token()
	if err != nil {
		return err
	}
	brokerSrv, err := newBrokerServer(cfg, token)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataRoot, 0o755); err != nil {
		return fmt.Errorf("create data root: %w", err)
	}
	history, err := sqlite.Open(filepath.Join(cfg.DataRoot, "history.db"))
	if err != nil {
		return fmt.Errorf("open event history: %w", err)
	}
	defer history.Close()

	publisher := events.New(eventBuffer)
	defer publisher.Close()

	pool, err := balancer.New(balancer.Config{
		ConfPath:     cfg.Balancer.ConfPath,
		TemplatePath: cfg.Balancer.TemplatePath,
		Upstream:     cfg.Balancer.Upstream,
		ValidateCmd:  cfg.Balancer.ValidateCmd,
		ReloadCmd:    cfg.Balancer.ReloadCmd,
	})
	if err != nil {
		return fmt.Errorf("balancer: %w", err)
	}
	if err := pool.Load(); err != nil {
		return fmt.Errorf("load balancer state: %w", err)
	}

	// The scheduler reaches the container daemon only through the broker
	// socket, with the same token any other client would present.
	runtime, err := docker.NewRuntime(broker.SocketURL(cfg.Broker.Socket), token)
	if err != nil {
		return fmt.Errorf("container runtime: %w", err)
	}

	plan, err := cfg.Plan().Normalize()
	if err != nil {
		return err
	}
	telemetry := newTelemetry()
	defer telemetry.Close()

	scheduler := &rotation.Scheduler{
		Config: rotation.Config{
			Plan:        plan,
			Backend:     cfg.BackendSpec(),
			Interval:    cfg.Rotation.Interval.Std(),
			Jitter:      cfg.Rotation.Jitter.Std(),
			GracePeriod: cfg.Rotation.GracePeriod.Std(),
			Retention:   cfg.Rotation.Retention.Std(),
			Selection:   selectionPolicy(cfg.Rotation.Selection),
			Shutdown:    shutdownPolicy(cfg.Rotation.ShutdownPolicy),
		},
		Runtime: runtime,
		Prober: prober.New(cfg.Probe.Path, prober.Budget{
			Timeout:        cfg.Probe.Timeout.Std(),
			Attempts:       cfg.Probe.Attempts,
			InitialBackoff: cfg.Probe.InitialBackoff.Std(),
			MaxBackoff:     cfg.Probe.MaxBackoff.Std(),
		}),
		Pool:   pool,
		Events: publisher,
		Tracer: telemetry.Tracer("carousel/rotation"),
	}

	api := NewServer(scheduler, publisher, history, pool)

	slog.Info("daemon starting",
		"broker_socket", cfg.Broker.Socket,
		"api_socket", cfg.API.Socket,
		"image", cfg.Backend.Image,
		"replicas", plan.Replicas)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return brokerSrv.ListenAndServe(gctx, cfg.Broker.Socket) })
	g.Go(func() error {
		if err := runtime.WaitReady(gctx); err != nil {
			return fmt.Errorf("wait for container daemon: %w", err)
		}
		return scheduler.Run(gctx)
	})
	g.Go(func() error { return recordHistory(gctx, publisher, history, cfg.Rotation.Retention.Std()) })
	g.Go(func() error { return api.ListenAndServe(gctx, cfg.API.Socket) })
	return g.Wait()
}

// RunBroker serves only the privileged broker, for deployments that isolate
// it in its own process or container.
func RunBroker(ctx context.Context, cfg *config.Config) error {
	token, err := cfg.Broker.Token()
	if err != nil {
		return err
	}
	srv, err := newBrokerServer(cfg, token)
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx, cfg.Broker.Socket)
}

func newBrokerServer(cfg *config.Config, token string) (*broker.Server, error) {
	entries := append([]broker.Entry(nil), broker.DefaultEntries...)
	if len(cfg.Broker.Allow) > 0 {
		extra, err := broker.ParseEntries(cfg.Broker.Allow)
		if err != nil {
			return nil, fmt.Errorf("broker allowlist: %w", err)
		}
		entries = append(entries, extra...)
	}
	allow, err := broker.Compile(entries)
	if err != nil {
		return nil, fmt.Errorf("broker allowlist: %w", err)
	}
	srv, err := broker.NewServer(broker.Config{
		Token:          token,
		DaemonSocket:   cfg.Broker.DaemonSocket,
		Allowlist:      allow,
		RequestTimeout: cfg.Broker.RequestTimeout.Std(),
		AllowedUID:     cfg.Broker.AllowedUID,
	})
	if err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}
	return srv, nil
}

func selectionPolicy(s string) rotation.SelectionPolicy {
	if s == "random" {
		return rotation.SelectRandom
	}
	return rotation.SelectOldest
}

func shutdownPolicy(s string) rotation.ShutdownPolicy {
	if s == "rollback" {
		return rotation.ShutdownRollback
	}
	return rotation.ShutdownFinish
}

// recordHistory persists every published event and prunes entries older
// than the retention window once an hour.
func recordHistory(ctx context.Context, pub *events.Publisher, history *sqlite.History, retention time.Duration) error {
	sub := pub.Subscribe(ctx)
	defer sub.Close()
	log := slog.With("component", "history")

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := history.Append(ctx, ev); err != nil {
				log.Warn("append event", "err", err)
			}
		case <-ticker.C:
			n, err := history.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				log.Warn("prune history", "err", err)
			} else if n > 0 {
				log.Debug("pruned history", "rows", n)
			}
		}
	}
}
