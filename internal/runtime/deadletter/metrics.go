package deadletter

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks dead letter statistics per service and mirrors them into
// Prometheus collectors.
type Metrics struct {
	mu sync.RWMutex

	services map[string]*ServiceMetrics
	now      func() time.Time

	enqueuedTotal    *prometheus.CounterVec
	activeCurrent    *prometheus.GaugeVec
	retriedTotal     *prometheus.CounterVec
	retryFailedTotal *prometheus.CounterVec
	archivedTotal    *prometheus.CounterVec
	purgedTotal      *prometheus.CounterVec
	ageSecondsHist   *prometheus.HistogramVec
	retryCountHist   *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// ServiceMetrics holds the counters of one service's dead letters.
type ServiceMetrics struct {
	Service       string            `json:"service"`
	TotalEnqueued uint64            `json:"total_enqueued"`
	Active        uint64            `json:"active"`
	Retried       uint64            `json:"retried"`
	RetryFailed   uint64            `json:"retry_failed"`
	Archived      uint64            `json:"archived"`
	Purged        uint64            `json:"purged"`
	Reasons       map[string]uint64 `json:"reasons"`
	LastUpdatedAt time.Time         `json:"last_updated_at"`
}

func (s *ServiceMetrics) clone() ServiceMetrics {
	out := *s
	out.Reasons = make(map[string]uint64, len(s.Reasons))
	for k, v := range s.Reasons {
		out.Reasons[k] = v
	}
	return out
}

// MetricsSnapshot is a point-in-time view across all services.
type MetricsSnapshot struct {
	TotalActive   uint64                    `json:"total_active"`
	TotalEnqueued uint64                    `json:"total_enqueued"`
	TotalRetried  uint64                    `json:"total_retried"`
	TotalPurged   uint64                    `json:"total_purged"`
	Services      map[string]ServiceMetrics `json:"services"`
	CollectedAt   time.Time                 `json:"collected_at"`
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ticketbus",
			Subsystem: "dlq",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ticketbus",
			Subsystem: "dlq",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ticketbus",
			Subsystem: "dlq",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewMetrics creates the collectors. They are registered on registerer (the
// default registerer when nil) by Register.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		services:         make(map[string]*ServiceMetrics),
		now:              time.Now,
		registerer:       registerer,
		enqueuedTotal:    newCounterVec("enqueued_total", "Messages captured in the dead letter store", []string{"service"}),
		activeCurrent:    newGaugeVec("active", "Non-archived dead letters currently held", []string{"service"}),
		retriedTotal:     newCounterVec("retried_total", "Dead letters redelivered successfully", []string{"service"}),
		retryFailedTotal: newCounterVec("retry_failed_total", "Dead letter redelivery attempts that failed", []string{"service"}),
		archivedTotal:    newCounterVec("archived_total", "Dead letters archived for audit", []string{"service"}),
		purgedTotal:      newCounterVec("purged_total", "Dead letters purged by age", []string{"service"}),
		ageSecondsHist:   newHistogramVec("message_age_seconds", "Age of messages when captured (time since creation)", []float64{0.1, 1, 5, 30, 60, 300, 1800, 3600}, []string{"service"}),
		retryCountHist:   newHistogramVec("retry_count", "Retry attempts needed before a dead letter was redelivered", []float64{1, 2, 3, 5, 10}, []string{"service"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.enqueuedTotal,
		m.activeCurrent,
		m.retriedTotal,
		m.retryFailedTotal,
		m.archivedTotal,
		m.purgedTotal,
		m.ageSecondsHist,
		m.retryCountHist,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordEnqueued records a captured message and its failure reason.
func (m *Metrics) RecordEnqueued(service, reason string, age time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sm := m.serviceMetrics(service)
	sm.TotalEnqueued++
	sm.Active++
	sm.Reasons[reason]++
	sm.LastUpdatedAt = m.now()

	m.enqueuedTotal.WithLabelValues(service).Inc()
	m.activeCurrent.WithLabelValues(service).Set(float64(sm.Active))
	if age >= 0 {
		m.ageSecondsHist.WithLabelValues(service).Observe(age.Seconds())
	}
}

// RecordRetried records a successful redelivery after retryCount attempts.
func (m *Metrics) RecordRetried(service string, retryCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sm := m.serviceMetrics(service)
	sm.Retried++
	sm.Active = decrement(sm.Active, 1)
	sm.LastUpdatedAt = m.now()

	m.retriedTotal.WithLabelValues(service).Inc()
	m.activeCurrent.WithLabelValues(service).Set(float64(sm.Active))
	m.retryCountHist.WithLabelValues(service).Observe(float64(retryCount))
}

// RecordRetryFailed records a failed redelivery attempt.
func (m *Metrics) RecordRetryFailed(service string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sm := m.serviceMetrics(service)
	sm.RetryFailed++
	sm.LastUpdatedAt = m.now()

	m.retryFailedTotal.WithLabelValues(service).Inc()
}

// RecordArchived records an entry leaving the active set for the audit trail.
func (m *Metrics) RecordArchived(service string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sm := m.serviceMetrics(service)
	sm.Archived++
	sm.Active = decrement(sm.Active, 1)
	sm.LastUpdatedAt = m.now()

	m.archivedTotal.WithLabelValues(service).Inc()
	m.activeCurrent.WithLabelValues(service).Set(float64(sm.Active))
}

// RecordPurged records count entries removed by age.
func (m *Metrics) RecordPurged(service string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sm := m.serviceMetrics(service)
	sm.Purged += uint64(count)
	sm.Active = decrement(sm.Active, uint64(count))
	sm.LastUpdatedAt = m.now()

	m.purgedTotal.WithLabelValues(service).Add(float64(count))
	m.activeCurrent.WithLabelValues(service).Set(float64(sm.Active))
}

// RecordRemoved records an administrative deletion of an active entry.
func (m *Metrics) RecordRemoved(service string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sm := m.serviceMetrics(service)
	sm.Active = decrement(sm.Active, 1)
	sm.LastUpdatedAt = m.now()

	m.activeCurrent.WithLabelValues(service).Set(float64(sm.Active))
}

// Snapshot returns a point-in-time copy of all counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := MetricsSnapshot{
		Services:    make(map[string]ServiceMetrics, len(m.services)),
		CollectedAt: m.now(),
	}
	for service, sm := range m.services {
		snapshot.Services[service] = sm.clone()
		snapshot.TotalActive += sm.Active
		snapshot.TotalEnqueued += sm.TotalEnqueued
		snapshot.TotalRetried += sm.Retried
		snapshot.TotalPurged += sm.Purged
	}
	return snapshot
}

// Service returns the counters of one service.
func (m *Metrics) Service(service string) (ServiceMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sm, ok := m.services[service]
	if !ok {
		return ServiceMetrics{Service: service, Reasons: map[string]uint64{}}, false
	}
	return sm.clone(), true
}

func (m *Metrics) serviceMetrics(service string) *ServiceMetrics {
	if sm, ok := m.services[service]; ok {
		return sm
	}
	sm := &ServiceMetrics{Service: service, Reasons: make(map[string]uint64)}
	m.services[service] = sm
	return sm
}

// Reset clears all counters (useful for testing).
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.services = make(map[string]*ServiceMetrics)
	m.enqueuedTotal.Reset()
	m.activeCurrent.Reset()
	m.retriedTotal.Reset()
	m.retryFailedTotal.Reset()
	m.archivedTotal.Reset()
	m.purgedTotal.Reset()
	m.ageSecondsHist.Reset()
	m.retryCountHist.Reset()
}

func decrement(v, by uint64) uint64 {
	if v >= by {
		return v - by
	}
	return 0
}
