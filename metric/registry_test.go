package metric

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry_RegistersCoreMetrics(t *testing.T) {
	r := NewRegistry()
	require.NotNil(t, r.Metrics)
	require.NotNil(t, r.PrometheusRegistry())

	// Counters start at zero and register without conflict
	r.Metrics.RecordMessageReceived("scan-1", "writeframe")
	r.Metrics.RecordMessageReceived("scan-1", "writeframe")
	assert.Equal(t, float64(2), testutil.ToFloat64(
		r.Metrics.MessagesReceived.WithLabelValues("scan-1", "writeframe")))
}

func TestMetrics_Recorders(t *testing.T) {
	m := NewMetrics()

	m.RecordWrite("scan-1")
	m.RecordWrite("scan-1")
	m.RecordFlush("scan-1", 5*time.Millisecond)
	m.RecordActiveProducers("scan-1", 4)
	m.RecordWritersActive(2)
	m.RecordSideChannelEviction("scan-1")
	m.RecordError("scan-1", "protocol")
	m.RecordNATSStatus(true)
	m.RecordNATSReconnect()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.WritesTotal.WithLabelValues("scan-1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FlushesTotal.WithLabelValues("scan-1")))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.ActiveProducers.WithLabelValues("scan-1")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.WritersActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SideChannelEvictions.WithLabelValues("scan-1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("scan-1", "protocol")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.NATSConnected))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.NATSReconnects))

	m.RecordNATSStatus(false)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.NATSConnected))
}

func TestRegistry_RejectsDuplicateRegistration(t *testing.T) {
	r := NewRegistry()

	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "odin",
		Name:      "custom_total",
	})
	require.NoError(t, r.Register(c))
	require.Error(t, r.Register(c))
}
