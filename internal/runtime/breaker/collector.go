package breaker

import "github.com/prometheus/client_golang/prometheus"

var (
	stateDesc = prometheus.NewDesc(
		"ticketbus_breaker_state",
		"Circuit state per service (0 closed, 1 half-open, 2 open).",
		[]string{"service"}, nil,
	)
	failuresDesc = prometheus.NewDesc(
		"ticketbus_breaker_failures",
		"Failure counter of the circuit.",
		[]string{"service"}, nil,
	)
	requestsDesc = prometheus.NewDesc(
		"ticketbus_breaker_requests_total",
		"Requests executed through the breaker by outcome.",
		[]string{"service", "outcome"}, nil,
	)
	rejectedDesc = prometheus.NewDesc(
		"ticketbus_breaker_rejected_total",
		"Calls rejected while the circuit was open.",
		[]string{"service"}, nil,
	)
	latencyDesc = prometheus.NewDesc(
		"ticketbus_breaker_average_response_seconds",
		"Running average response time reported by the breaker.",
		[]string{"service"}, nil,
	)
)

// Collector exposes the circuits of a Breaker as Prometheus metrics. Values
// are read at scrape time, so no bookkeeping happens on the hot path.
type Collector struct {
	b *Breaker
}

// NewCollector returns a collector for b.
func NewCollector(b *Breaker) *Collector {
	return &Collector{b: b}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- stateDesc
	ch <- failuresDesc
	ch <- requestsDesc
	ch <- rejectedDesc
	ch <- latencyDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.b.Statuses() {
		ch <- prometheus.MustNewConstMetric(stateDesc, prometheus.GaugeValue, stateValue(st.State), st.Service)
		ch <- prometheus.MustNewConstMetric(failuresDesc, prometheus.GaugeValue, float64(st.FailureCount), st.Service)

		m := c.b.Metrics(st.Service)
		ch <- prometheus.MustNewConstMetric(requestsDesc, prometheus.CounterValue, float64(m.SuccessfulRequests), st.Service, "success")
		ch <- prometheus.MustNewConstMetric(requestsDesc, prometheus.CounterValue, float64(m.FailedRequests), st.Service, "failure")
		ch <- prometheus.MustNewConstMetric(rejectedDesc, prometheus.CounterValue, float64(m.CircuitOpenCount), st.Service)
		if m.HasAverage() {
			ch <- prometheus.MustNewConstMetric(latencyDesc, prometheus.GaugeValue, m.AverageResponseTime.Seconds(), st.Service)
		}
	}
}

func stateValue(s State) float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}
