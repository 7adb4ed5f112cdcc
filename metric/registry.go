package metric

import (
	stderrors "errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dls-controls/odin-data/errors"
)

// Registry manages the registration and lifecycle of metrics
type Registry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
}

// NewRegistry creates a new metrics registry with all writer metrics and the
// Go runtime collectors registered
func NewRegistry() *Registry {
	r := &Registry{
		prometheusRegistry: prometheus.NewRegistry(),
		Metrics:            NewMetrics(),
	}

	r.prometheusRegistry.MustRegister(
		r.Metrics.MessagesReceived,
		r.Metrics.MessagesProcessed,
		r.Metrics.ErrorsTotal,
		r.Metrics.WritersActive,
		r.Metrics.ActiveProducers,
		r.Metrics.WritesTotal,
		r.Metrics.FlushesTotal,
		r.Metrics.FlushDuration,
		r.Metrics.SideChannelEvictions,
		r.Metrics.NATSConnected,
		r.Metrics.NATSReconnects,
	)

	r.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// Register adds a custom collector, for detector-specific metrics
func (r *Registry) Register(collector prometheus.Collector) error {
	if err := r.prometheusRegistry.Register(collector); err != nil {
		var alreadyRegErr prometheus.AlreadyRegisteredError
		if stderrors.As(err, &alreadyRegErr) {
			return errors.WrapInvalid(err, "Registry", "Register", "duplicate registration")
		}
		return errors.WrapFatal(err, "Registry", "Register", "register collector")
	}
	return nil
}
