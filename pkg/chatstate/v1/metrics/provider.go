package metrics

import "github.com/prometheus/client_golang/prometheus"

// RegistryProvider gives access to the registry holding the store layer's
// collectors, so callers can expose them however they like.
type RegistryProvider interface {
	Registry() *prometheus.Registry
}
