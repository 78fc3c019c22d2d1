package gateway

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var metricsTestSeq int

// uniqueNamespace avoids a duplicate-registration panic from promauto
// across subtests within this file, since each NewGatewayMetrics call
// registers new collectors against the default registry.
func uniqueNamespace() string {
	metricsTestSeq++
	return fmt.Sprintf("gateway_test_%d", metricsTestSeq)
}

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 8)
	c.Collect(ch)
	close(ch)
	var total float64
	for m := range ch {
		var pb dto.Metric
		require.NoError(t, m.Write(&pb))
		if pb.Counter != nil {
			total += pb.Counter.GetValue()
		}
	}
	return total
}

func TestGatewayMetrics_ObserveRequest(t *testing.T) {
	m := NewGatewayMetrics(uniqueNamespace())
	m.ObserveRequest("vm-1", "inst-1", true, 10*time.Millisecond)
	m.ObserveRequest("vm-1", "inst-1", false, 20*time.Millisecond)

	assert.Equal(t, float64(2), counterValue(t, m.requestsTotal))
}

func TestGatewayMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *GatewayMetrics
	assert.NotPanics(t, func() {
		m.ObserveRequest("vm", "inst", true, time.Millisecond)
		m.SetBreakerState("inst", BreakerOpen)
		m.SetBlacklistSize("vm", 3)
	})
}

func TestGatewayMetrics_DefaultNamespace(t *testing.T) {
	m := NewGatewayMetrics("")
	assert.NotNil(t, m)
}
