package carousel

// ProbeResult classifies the outcome of a health probe. The three-way split
// matters for rollback: a container that actively reported unhealthy fails
// fast, while one that never answered burns the whole retry budget first.
type ProbeResult uint8

const (
	ProbeUnknown ProbeResult = iota
	ProbeHealthy
	ProbeUnhealthy // explicit unhealthy signal from the container
	ProbeTimedOut  // retry budget exhausted without a verdict
)

func (r ProbeResult) String() string {
	switch r {
	case ProbeHealthy:
		return "healthy"
	case ProbeUnhealthy:
		return "unhealthy"
	case ProbeTimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}
