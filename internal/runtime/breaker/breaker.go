// Package breaker implements a per-service circuit breaker. Each service gets
// its own lazily created circuit that moves between CLOSED, OPEN and
// HALF_OPEN based on the outcome of the calls it guards.
package breaker

import (
	"context"
	stderrors "errors"
	"strconv"
	"sync"
	"time"

	errspkg "github.com/drblury/ticketbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/ticketbus/internal/runtime/logging"
	"github.com/drblury/ticketbus/internal/runtime/shardmap"
	"github.com/drblury/ticketbus/internal/runtime/telemetry"
)

const (
	DefaultThreshold = 5
	DefaultTimeout   = 60 * time.Second
)

var errOperationPanicked = stderrors.New("breaker: operation panicked")

// Settings overrides the breaker defaults for one service.
type Settings struct {
	Threshold int
	Timeout   time.Duration
}

// Option customises a Breaker.
type Option func(*Breaker)

// WithThreshold sets the default number of failures that opens a circuit.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithTimeout sets the default open-state cool-down.
func WithTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithServiceSettings overrides threshold and timeout for a single service.
// Zero fields fall back to the defaults.
func WithServiceSettings(service string, s Settings) Option {
	return func(b *Breaker) { b.overrides[service] = s }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithLatencyAverager swaps the running-average policy.
func WithLatencyAverager(fn LatencyAverager) Option {
	return func(b *Breaker) {
		if fn != nil {
			b.averager = fn
		}
	}
}

// WithSink sends request samples and state transitions to s.
func WithSink(s telemetry.Sink) Option {
	return func(b *Breaker) { b.sink = s }
}

// WithLogger sets the logger used for state transitions.
func WithLogger(log loggingpkg.ServiceLogger) Option {
	return func(b *Breaker) { b.log = log }
}

// WithShards sets the number of shards of the circuit map.
func WithShards(n int) Option {
	return func(b *Breaker) { b.shards = n }
}

// Breaker tracks one circuit per service name. Circuits are created on first
// use and live as long as the Breaker.
type Breaker struct {
	threshold int
	timeout   time.Duration
	overrides map[string]Settings
	now       func() time.Time
	averager  LatencyAverager
	sink      telemetry.Sink
	log       loggingpkg.ServiceLogger
	shards    int

	circuits *shardmap.Map[*circuit]
}

type circuit struct {
	mu sync.Mutex

	service       string
	state         State
	failures      int
	threshold     int
	timeout       time.Duration
	lastFailureAt time.Time
	nextRetryAt   time.Time
	probeInFlight bool
	metrics       Metrics
}

// New builds a Breaker.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		threshold: DefaultThreshold,
		timeout:   DefaultTimeout,
		overrides: make(map[string]Settings),
		now:       time.Now,
		averager:  QuirkyRunningAverage,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.log = loggingpkg.OrNop(b.log)
	b.sink = telemetry.Guard(b.sink, b.log)
	b.circuits = shardmap.New[*circuit](b.shards)
	return b
}

func (b *Breaker) circuit(service string) *circuit {
	return b.circuits.GetOrCreate(service, func() *circuit {
		threshold, timeout := b.settingsFor(service)
		return &circuit{
			service:   service,
			state:     StateClosed,
			threshold: threshold,
			timeout:   timeout,
			metrics:   Metrics{Service: service, LastResetAt: b.now()},
		}
	})
}

// ticket records what admission decided for one call.
type ticket struct {
	probe      bool
	transition State
}

// admit decides whether a call may proceed. It performs the lazy OPEN to
// HALF_OPEN flip once the cool-down has elapsed.
func (b *Breaker) admit(c *circuit) (ticket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := b.now()
	var t ticket
	switch c.state {
	case StateOpen:
		if now.Before(c.nextRetryAt) {
			c.metrics.CircuitOpenCount++
			return t, &errspkg.BreakerOpenError{Service: c.service, RetryAt: c.nextRetryAt}
		}
		c.state = StateHalfOpen
		t.transition = StateHalfOpen
		fallthrough
	case StateHalfOpen:
		if c.probeInFlight {
			c.metrics.CircuitOpenCount++
			return t, &errspkg.BreakerOpenError{Service: c.service, RetryAt: c.nextRetryAt}
		}
		c.probeInFlight = true
		t.probe = true
	}
	return t, nil
}

// record applies the outcome of an admitted call and returns the state the
// circuit moved into, if any.
func (b *Breaker) record(c *circuit, t ticket, elapsed time.Duration, failed bool) (State, Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics.TotalRequests++
	if failed {
		c.metrics.FailedRequests++
	} else {
		c.metrics.SuccessfulRequests++
	}
	if c.metrics.SuccessfulRequests > 0 {
		c.metrics.AverageResponseTime = b.averager(c.metrics.AverageResponseTime, c.metrics.SuccessfulRequests, elapsed, !failed)
	}

	if t.probe {
		c.probeInFlight = false
	}

	var moved State
	if failed {
		now := b.now()
		c.failures++
		c.lastFailureAt = now
		switch {
		case t.probe:
			moved = StateOpen
		case c.state == StateClosed && c.failures >= c.threshold:
			moved = StateOpen
		}
		if moved == StateOpen {
			c.state = StateOpen
			c.nextRetryAt = now.Add(c.timeout)
		}
	} else if t.probe {
		c.failures = 0
		c.state = StateClosed
		c.nextRetryAt = time.Time{}
		moved = StateClosed
	}
	return moved, c.metrics
}

// Execute runs op under the circuit of service. While the circuit is open op
// is not invoked and a *errors.BreakerOpenError is returned. Otherwise the
// error of op, if any, is returned unchanged after bookkeeping.
func Execute[T any](ctx context.Context, b *Breaker, service string, op func(context.Context) (T, error)) (result T, err error) {
	c := b.circuit(service)

	t, err := b.admit(c)
	if t.transition != "" {
		b.announce(service, t.transition, nil)
	}
	if err != nil {
		b.sink.RecordMetric("breaker.rejected", 1, telemetry.Tags{"service": service})
		return result, err
	}

	start := b.now()
	completed := false
	defer func() {
		if completed {
			return
		}
		// op panicked: count it as a failure so the probe slot is released.
		b.finish(c, service, t, b.now().Sub(start), errOperationPanicked)
	}()

	result, err = op(ctx)
	completed = true
	b.finish(c, service, t, b.now().Sub(start), err)
	return result, err
}

// Do is the non-generic form of Execute.
func (b *Breaker) Do(ctx context.Context, service string, op func(context.Context) error) error {
	_, err := Execute(ctx, b, service, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func (b *Breaker) finish(c *circuit, service string, t ticket, elapsed time.Duration, err error) {
	moved, _ := b.record(c, t, elapsed, err != nil)

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	b.sink.RecordMetric("breaker.request_ms", float64(elapsed)/float64(time.Millisecond), telemetry.Tags{
		"service": service,
		"outcome": outcome,
	})
	if moved != "" {
		b.announce(service, moved, err)
	}
}

func (b *Breaker) announce(service string, to State, cause error) {
	props := telemetry.Properties{"service": service, "state": string(to)}
	fields := loggingpkg.LogFields{"service": service, "state": string(to)}

	switch to {
	case StateOpen:
		st := b.Status(service)
		props["failures"] = strconv.Itoa(st.FailureCount)
		fields["failures"] = st.FailureCount
		fields["next_retry_at"] = st.NextRetryAt
		b.log.Error("Circuit breaker opened", cause, fields)
		b.sink.RecordEvent("breaker.opened", props)
	case StateHalfOpen:
		b.log.Info("Circuit breaker half-open, probing", fields)
		b.sink.RecordEvent("breaker.half_open", props)
	case StateClosed:
		b.log.Info("Circuit breaker closed", fields)
		b.sink.RecordEvent("breaker.closed", props)
	}
}

// Status returns the circuit of service. Unknown services report a fresh
// closed circuit without creating one.
func (b *Breaker) Status(service string) Status {
	c, ok := b.circuits.Get(service)
	if !ok {
		threshold, timeout := b.settingsFor(service)
		return Status{Service: service, State: StateClosed, Threshold: threshold, Timeout: timeout}
	}
	return b.snapshot(c)
}

func (b *Breaker) settingsFor(service string) (int, time.Duration) {
	threshold, timeout := b.threshold, b.timeout
	if o, ok := b.overrides[service]; ok {
		if o.Threshold > 0 {
			threshold = o.Threshold
		}
		if o.Timeout > 0 {
			timeout = o.Timeout
		}
	}
	return threshold, timeout
}

func (b *Breaker) snapshot(c *circuit) Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Service:       c.service,
		State:         c.state,
		FailureCount:  c.failures,
		Threshold:     c.threshold,
		Timeout:       c.timeout,
		LastFailureAt: c.lastFailureAt,
		NextRetryAt:   c.nextRetryAt,
		ProbeInFlight: c.probeInFlight,
	}
	switch c.state {
	case StateOpen:
		st.ProbeEligible = !b.now().Before(c.nextRetryAt)
	case StateHalfOpen:
		st.ProbeEligible = !c.probeInFlight
	}
	return st
}

// Statuses returns every known circuit ordered by service name.
func (b *Breaker) Statuses() []Status {
	out := make([]Status, 0, b.circuits.Len())
	for _, name := range b.circuits.Keys() {
		if c, ok := b.circuits.Get(name); ok {
			out = append(out, b.snapshot(c))
		}
	}
	return out
}

// Metrics returns the counters of service.
func (b *Breaker) Metrics(service string) Metrics {
	c, ok := b.circuits.Get(service)
	if !ok {
		return Metrics{Service: service}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// AllMetrics returns the counters of every known circuit ordered by service.
func (b *Breaker) AllMetrics() []Metrics {
	keys := b.circuits.Keys()
	out := make([]Metrics, 0, len(keys))
	for _, name := range keys {
		out = append(out, b.Metrics(name))
	}
	return out
}

// Reset closes the circuit of service and clears its counters.
func (b *Breaker) Reset(service string) {
	c := b.circuit(service)
	c.mu.Lock()
	wasOpen := c.state != StateClosed
	c.state = StateClosed
	c.failures = 0
	c.lastFailureAt = time.Time{}
	c.nextRetryAt = time.Time{}
	c.probeInFlight = false
	c.metrics = Metrics{Service: service, LastResetAt: b.now()}
	c.mu.Unlock()

	b.log.Info("Circuit breaker reset", loggingpkg.LogFields{"service": service})
	if wasOpen {
		b.sink.RecordEvent("breaker.closed", telemetry.Properties{"service": service, "state": string(StateClosed), "reason": "reset"})
	}
}

// Threshold returns the failure threshold of service.
func (b *Breaker) Threshold(service string) int {
	return b.Status(service).Threshold
}

// SetThreshold changes the failure threshold of service. Non-positive values
// are ignored.
func (b *Breaker) SetThreshold(service string, n int) {
	if n <= 0 {
		return
	}
	c := b.circuit(service)
	c.mu.Lock()
	c.threshold = n
	c.mu.Unlock()
}

// Timeout returns the open-state cool-down of service.
func (b *Breaker) Timeout(service string) time.Duration {
	return b.Status(service).Timeout
}

// SetTimeout changes the cool-down of service. It applies from the next trip;
// an already open circuit keeps its retry time.
func (b *Breaker) SetTimeout(service string, d time.Duration) {
	if d <= 0 {
		return
	}
	c := b.circuit(service)
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}
