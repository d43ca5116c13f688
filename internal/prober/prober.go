// Package prober answers one question about a candidate backend: did it
// become healthy within its budget? The three-way verdict (healthy,
// actively unhealthy, never answered) drives the scheduler's rollback
// decisions, so the distinction is part of the contract.
package prober

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"carousel"
)

// Budget bounds one probe run.
type Budget struct {
	Timeout        time.Duration // per attempt
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (b Budget) normalize() Budget {
	if b.Timeout <= 0 {
		b.Timeout = 5 * time.Second
	}
	if b.Attempts < 1 {
		b.Attempts = 1
	}
	if b.InitialBackoff <= 0 {
		b.InitialBackoff = 500 * time.Millisecond
	}
	if b.MaxBackoff < b.InitialBackoff {
		b.MaxBackoff = b.InitialBackoff
	}
	return b
}

type Prober struct {
	path   string
	budget Budget
	client *http.Client
	log    *slog.Logger

	// sleep is injected so tests don't wait out real backoff.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a prober hitting the given readiness path on each candidate.
func New(path string, budget Budget) *Prober {
	return &Prober{
		path:   path,
		budget: budget.normalize(),
		client: &http.Client{},
		log:    slog.With("component", "prober"),
		sleep:  sleepCtx,
	}
}

// Probe polls the candidate's readiness endpoint with exponential backoff
// between attempts. It stops on the first success (ProbeHealthy), the first
// explicit unhealthy answer (ProbeUnhealthy, fail fast), or an exhausted
// attempt budget (ProbeTimedOut). The error carries the last failure detail.
func (p *Prober) Probe(ctx context.Context, addr netip.AddrPort) (carousel.ProbeResult, error) {
	url := fmt.Sprintf("http://%s%s", addr, p.path)
	backoff := p.budget.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= p.budget.Attempts; attempt++ {
		status, err := p.attempt(ctx, url)
		switch {
		case err == nil && status >= 200 && status < 300:
			p.log.Debug("probe healthy", "addr", addr.String(), "attempt", attempt)
			return carousel.ProbeHealthy, nil
		case err == nil:
			// The endpoint answered and said no. Retrying will not help.
			return carousel.ProbeUnhealthy, fmt.Errorf("readiness endpoint returned status %d", status)
		default:
			lastErr = err
		}

		if ctx.Err() != nil {
			return carousel.ProbeUnknown, ctx.Err()
		}
		if attempt < p.budget.Attempts {
			if err := p.sleep(ctx, backoff); err != nil {
				return carousel.ProbeUnknown, err
			}
			backoff = min(backoff*2, p.budget.MaxBackoff)
		}
	}

	return carousel.ProbeTimedOut, fmt.Errorf("no healthy answer in %d attempts: %w", p.budget.Attempts, lastErr)
}

func (p *Prober) attempt(ctx context.Context, url string) (int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.budget.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
