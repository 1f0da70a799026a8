package metrics

import (
	csmetrics "github.com/gxo-labs/chatstate/pkg/chatstate/v1/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// PrometheusRegistryProvider owns a private Prometheus registry.
type PrometheusRegistryProvider struct {
	registry *prometheus.Registry
}

// NewPrometheusRegistryProvider creates an empty registry.
func NewPrometheusRegistryProvider() *PrometheusRegistryProvider {
	return &PrometheusRegistryProvider{
		registry: prometheus.NewRegistry(),
	}
}

// NewProcessRegistryProvider also registers the Go runtime and process
// collectors, for the CLI's /metrics endpoint.
func NewProcessRegistryProvider() *PrometheusRegistryProvider {
	p := NewPrometheusRegistryProvider()
	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

// Registry returns the underlying registry.
func (p *PrometheusRegistryProvider) Registry() *prometheus.Registry {
	return p.registry
}

var _ csmetrics.RegistryProvider = (*PrometheusRegistryProvider)(nil)
