package breaker

import "time"

// State is the position of a circuit in the breaker state machine.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Status is a point-in-time view of one service's circuit.
type Status struct {
	Service       string        `json:"service"`
	State         State         `json:"state"`
	FailureCount  int           `json:"failure_count"`
	Threshold     int           `json:"threshold"`
	Timeout       time.Duration `json:"timeout"`
	LastFailureAt time.Time     `json:"last_failure_at,omitempty"`
	NextRetryAt   time.Time     `json:"next_retry_at,omitempty"`
	ProbeInFlight bool          `json:"probe_in_flight"`
	// ProbeEligible is set when the next call would be admitted as the
	// half-open probe: the cool-down has elapsed and no probe is running.
	ProbeEligible bool `json:"probe_eligible"`
}

// Admits reports whether a call made now would reach the operation.
func (s Status) Admits() bool {
	return s.State == StateClosed || s.ProbeEligible
}

// Metrics holds the request counters of one service's circuit.
type Metrics struct {
	Service            string    `json:"service"`
	TotalRequests      uint64    `json:"total_requests"`
	SuccessfulRequests uint64    `json:"successful_requests"`
	FailedRequests     uint64    `json:"failed_requests"`
	CircuitOpenCount   uint64    `json:"circuit_open_count"`
	LastResetAt        time.Time `json:"last_reset_at"`

	// AverageResponseTime is meaningful only once SuccessfulRequests > 0.
	AverageResponseTime time.Duration `json:"average_response_time"`
}

// HasAverage reports whether AverageResponseTime is defined.
func (m Metrics) HasAverage() bool {
	return m.SuccessfulRequests > 0
}

// LatencyAverager folds one call's duration into the running average.
// successes already includes the current call when it succeeded.
type LatencyAverager func(avg time.Duration, successes uint64, sample time.Duration, succeeded bool) time.Duration

// QuirkyRunningAverage is the default averager. It recomputes
// avg = (avg*(successes-1) + sample) / successes whenever successes > 0,
// including on failed calls, so failure latency leaks into the average under
// the success denominator. Kept for compatibility with existing dashboards.
func QuirkyRunningAverage(avg time.Duration, successes uint64, sample time.Duration, _ bool) time.Duration {
	if successes == 0 {
		return avg
	}
	n := time.Duration(successes)
	return (avg*(n-1) + sample) / n
}

// SuccessOnlyRunningAverage averages successful calls only.
func SuccessOnlyRunningAverage(avg time.Duration, successes uint64, sample time.Duration, succeeded bool) time.Duration {
	if !succeeded {
		return avg
	}
	return QuirkyRunningAverage(avg, successes, sample, true)
}
