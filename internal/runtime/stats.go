package runtime

import (
	"cmp"
	"errors"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	wmmessage "github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/ticketbus/internal/runtime/errors"
	"github.com/drblury/ticketbus/internal/runtime/message"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// HandlerStats is a point-in-time view of dispatch activity for one message type.
type HandlerStats struct {
	MessageType         string    `json:"message_type"`
	Dispatched          uint64    `json:"dispatched"`
	Failed              uint64    `json:"failed"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastDispatchedAt    time.Time `json:"last_dispatched_at"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
	Backlog    BacklogMetrics    `json:"backlog"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
}

// ErrorBreakdown counts failures by how a caller should react to them.
type ErrorBreakdown struct {
	Transient uint64 `json:"transient"`
	Permanent uint64 `json:"permanent"`
	Unhandled uint64 `json:"unhandled"`
	LastError string `json:"last_error,omitempty"`
}

// BacklogMetrics tracks concurrency and how long messages waited in the inbox.
type BacklogMetrics struct {
	InFlight      uint64 `json:"in_flight"`
	MaxInFlight   uint64 `json:"max_in_flight"`
	LastLagMillis int64  `json:"last_lag_millis"`
}

func (e *ErrorBreakdown) record(err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, errspkg.ErrUnhandled):
		e.Unhandled++
	case errspkg.Classify(err) == errspkg.CategoryTransient:
		e.Transient++
	default:
		e.Permanent++
	}
	e.LastError = err.Error()
}

type typeStats struct {
	mu         sync.Mutex
	stats      HandlerStats
	latency    *latencyWindow
	throughput *throughputWindow
}

// dispatchStats aggregates HandlerStats per message type.
type dispatchStats struct {
	now func() time.Time

	mu     sync.RWMutex
	byType map[string]*typeStats
}

func newDispatchStats(now func() time.Time) *dispatchStats {
	if now == nil {
		now = time.Now
	}
	return &dispatchStats{now: now, byType: make(map[string]*typeStats)}
}

func (d *dispatchStats) forType(messageType string) *typeStats {
	d.mu.RLock()
	ts, ok := d.byType[messageType]
	d.mu.RUnlock()
	if ok {
		return ts
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if ts, ok = d.byType[messageType]; ok {
		return ts
	}
	ts = &typeStats{
		stats:      HandlerStats{MessageType: messageType, Backlog: BacklogMetrics{LastLagMillis: -1}},
		latency:    newLatencyWindow(latencySampleSize),
		throughput: newThroughputWindow(throughputWindowSize),
	}
	d.byType[messageType] = ts
	return ts
}

func (d *dispatchStats) start(messageType string, createdAt time.Time) *typeStats {
	ts := d.forType(messageType)
	now := d.now()

	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.stats.Backlog.InFlight++
	ts.stats.Backlog.MaxInFlight = max(ts.stats.Backlog.MaxInFlight, ts.stats.Backlog.InFlight)
	if !createdAt.IsZero() {
		ts.stats.Backlog.LastLagMillis = max(now.Sub(createdAt).Milliseconds(), 0)
	}
	return ts
}

func (d *dispatchStats) finish(ts *typeStats, elapsed time.Duration, err error) {
	now := d.now()

	ts.mu.Lock()
	defer ts.mu.Unlock()
	s := &ts.stats
	if s.Backlog.InFlight > 0 {
		s.Backlog.InFlight--
	}
	s.Dispatched++
	if err != nil {
		s.Failed++
	}
	s.TotalProcessingTime += int64(elapsed)
	s.LastDispatchedAt = now.UTC()

	ts.latency.Add(elapsed)
	s.Latency = ts.latency.Snapshot()
	s.Latency.AverageNs = s.TotalProcessingTime / int64(s.Dispatched)

	tp := ts.throughput.AddAndSnapshot(now)
	s.Throughput = ThroughputMetrics{
		CurrentRPS:       tp.CurrentRPS,
		WindowSeconds:    tp.WindowSeconds,
		MessagesInWindow: uint64(tp.Count),
	}
	s.Errors.record(err)
}

// Snapshot returns the statistics of every observed type sorted by type.
func (d *dispatchStats) Snapshot() []HandlerStats {
	d.mu.RLock()
	all := make([]*typeStats, 0, len(d.byType))
	for _, ts := range d.byType {
		all = append(all, ts)
	}
	d.mu.RUnlock()

	out := make([]HandlerStats, 0, len(all))
	for _, ts := range all {
		ts.mu.Lock()
		out = append(out, ts.stats)
		ts.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b HandlerStats) int {
		return cmp.Compare(a.MessageType, b.MessageType)
	})
	return out
}

func (d *dispatchStats) middleware() wmmessage.HandlerMiddleware {
	return func(h wmmessage.HandlerFunc) wmmessage.HandlerFunc {
		return func(msg *wmmessage.Message) ([]*wmmessage.Message, error) {
			envelope := message.FromWatermill(msg)
			ts := d.start(envelope.Type, envelope.CreatedAt)
			began := d.now()
			out, err := h(msg)
			d.finish(ts, d.now().Sub(began), err)
			return out, err
		}
	}
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

// Snapshot reports percentiles over the retained samples.
func (lw *latencyWindow) Snapshot() LatencyMetrics {
	m := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return m
	}
	samples := make([]int64, 0, lw.filled)
	if lw.filled < len(lw.samples) {
		samples = append(samples, lw.samples[:lw.filled]...)
	} else {
		samples = append(samples, lw.samples...)
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	m.SampleSize = len(samples)
	m.P50Ns = percentile(samples, 0.50)
	m.P95Ns = percentile(samples, 0.95)
	m.P99Ns = percentile(samples, 0.99)
	return m
}

// percentile interpolates linearly between the closest ranks of sorted samples.
func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{horizon: horizon, samples: make([]time.Time, 0, 64)}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	tw.samples = append(tw.samples, now)

	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	tw.samples = slices.Delete(tw.samples, 0, idx)

	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	return throughputSnapshot{
		Count:         len(tw.samples),
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(len(tw.samples)) / span.Seconds(),
	}
}
