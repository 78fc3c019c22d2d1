package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// GatewayMetrics publishes per-virtual-model/per-instance counters and
// histograms, following internal/metrics/collector.go's
// promauto.New*Vec construction style. Unlike that Collector this
// type is injected and nil-safe at every call site — nothing in
// llm/gateway requires metrics to be wired.
type GatewayMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	breakerState    *prometheus.GaugeVec
	blacklistSize   *prometheus.GaugeVec
}

// NewGatewayMetrics registers the gateway's metric families under
// namespace. Pass "" to use the default "agentflow_gateway" namespace.
func NewGatewayMetrics(namespace string) *GatewayMetrics {
	if namespace == "" {
		namespace = "agentflow_gateway"
	}
	return &GatewayMetrics{
		requestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of gateway requests by virtual model, instance and outcome.",
		}, []string{"virtual_model", "instance", "status"}),
		requestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Gateway request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"virtual_model", "instance"}),
		breakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per instance (0=closed, 1=half_open, 2=open).",
		}, []string{"instance"}),
		blacklistSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blacklist_size",
			Help:      "Number of currently blacklisted instances per virtual model.",
		}, []string{"virtual_model"}),
	}
}

// ObserveRequest records one completed dispatch.
func (m *GatewayMetrics) ObserveRequest(vmID, instanceID string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	m.requestsTotal.WithLabelValues(vmID, instanceID, status).Inc()
	m.requestDuration.WithLabelValues(vmID, instanceID).Observe(d.Seconds())
}

// SetBreakerState publishes an instance's circuit breaker state.
func (m *GatewayMetrics) SetBreakerState(instanceID string, state BreakerState) {
	if m == nil {
		return
	}
	var v float64
	switch state {
	case BreakerClosed:
		v = 0
	case BreakerHalfOpen:
		v = 1
	case BreakerOpen:
		v = 2
	}
	m.breakerState.WithLabelValues(instanceID).Set(v)
}

// SetBlacklistSize publishes the current blacklist size for a virtual model.
func (m *GatewayMetrics) SetBlacklistSize(vmID string, n int) {
	if m == nil {
		return
	}
	m.blacklistSize.WithLabelValues(vmID).Set(float64(n))
}
