package deadletter

import "github.com/prometheus/client_golang/prometheus"

// noopRegisterer accepts collectors without exporting them.
type noopRegisterer struct{}

func (noopRegisterer) Register(prometheus.Collector) error  { return nil }
func (noopRegisterer) MustRegister(...prometheus.Collector) {}
func (noopRegisterer) Unregister(prometheus.Collector) bool { return true }
