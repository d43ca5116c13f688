package carousel

import (
	"fmt"
	"time"
)

// RotationPlan bounds one rotation cycle. It is immutable for the duration
// of a cycle; the scheduler copies it when a cycle starts.
type RotationPlan struct {
	Replicas      int // desired backend count
	MinHealthy    int // pool floor enforced at every instant
	MaxConcurrent int // replacement pairs in flight at once

	// Per-attempt health check budget for a replacement container.
	ProbeTimeout  time.Duration
	ProbeAttempts int
}

// Normalize fills defaults and validates the plan.
func (p RotationPlan) Normalize() (RotationPlan, error) {
	if p.Replicas == 0 {
		p.Replicas = 2
	}
	if p.MinHealthy == 0 {
		p.MinHealthy = 1
	}
	if p.MaxConcurrent == 0 {
		p.MaxConcurrent = 1
	}
	if p.ProbeTimeout == 0 {
		p.ProbeTimeout = 5 * time.Second
	}
	if p.ProbeAttempts == 0 {
		p.ProbeAttempts = 10
	}

	if p.Replicas < 1 {
		return p, fmt.Errorf("replicas must be at least 1, got %d", p.Replicas)
	}
	if p.MinHealthy < 1 {
		return p, fmt.Errorf("min_healthy must be at least 1, got %d", p.MinHealthy)
	}
	if p.MinHealthy > p.Replicas {
		return p, fmt.Errorf("min_healthy %d exceeds replicas %d", p.MinHealthy, p.Replicas)
	}
	if p.MaxConcurrent < 1 {
		return p, fmt.Errorf("max_concurrent must be at least 1, got %d", p.MaxConcurrent)
	}
	if p.ProbeAttempts < 1 {
		return p, fmt.Errorf("probe attempts must be at least 1, got %d", p.ProbeAttempts)
	}
	return p, nil
}
