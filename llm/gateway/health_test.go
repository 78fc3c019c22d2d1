package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func testBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Threshold:        3,
		Window:           time.Minute,
		RecoveryTimeout:  20 * time.Millisecond,
		HalfOpenMaxCalls: 1,
	}
}

func TestHealthTracker_ClosedByDefault(t *testing.T) {
	h := NewHealthTracker(testBreakerConfig(), zap.NewNop())
	assert.Equal(t, BreakerClosed, h.State("inst-1"))
	assert.True(t, h.Allow("inst-1"))
}

func TestHealthTracker_OpensAfterThreshold(t *testing.T) {
	h := NewHealthTracker(testBreakerConfig(), zap.NewNop())

	h.RecordFailure("inst-1")
	h.RecordFailure("inst-1")
	assert.Equal(t, BreakerClosed, h.State("inst-1"), "还没到阈值")

	h.RecordFailure("inst-1")
	assert.Equal(t, BreakerOpen, h.State("inst-1"))
	assert.False(t, h.Allow("inst-1"))
}

func TestHealthTracker_HalfOpenAfterRecovery(t *testing.T) {
	cfg := testBreakerConfig()
	h := NewHealthTracker(cfg, zap.NewNop())

	for i := 0; i < cfg.Threshold; i++ {
		h.RecordFailure("inst-1")
	}
	assert.Equal(t, BreakerOpen, h.State("inst-1"))

	time.Sleep(cfg.RecoveryTimeout + 10*time.Millisecond)
	assert.True(t, h.Allow("inst-1"))
	assert.Equal(t, BreakerHalfOpen, h.State("inst-1"))
}

func TestHealthTracker_HalfOpenFailureReopens(t *testing.T) {
	cfg := testBreakerConfig()
	h := NewHealthTracker(cfg, zap.NewNop())

	for i := 0; i < cfg.Threshold; i++ {
		h.RecordFailure("inst-1")
	}
	time.Sleep(cfg.RecoveryTimeout + 10*time.Millisecond)
	assert.True(t, h.Allow("inst-1"))

	h.RecordFailure("inst-1")
	assert.Equal(t, BreakerOpen, h.State("inst-1"))
}

func TestHealthTracker_HalfOpenSuccessCloses(t *testing.T) {
	cfg := testBreakerConfig()
	h := NewHealthTracker(cfg, zap.NewNop())

	for i := 0; i < cfg.Threshold; i++ {
		h.RecordFailure("inst-1")
	}
	time.Sleep(cfg.RecoveryTimeout + 10*time.Millisecond)
	assert.True(t, h.Allow("inst-1"))

	h.RecordSuccess("inst-1")
	assert.Equal(t, BreakerClosed, h.State("inst-1"))
}

func TestHealthTracker_HalfOpenMaxCallsLimited(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.HalfOpenMaxCalls = 1
	h := NewHealthTracker(cfg, zap.NewNop())

	for i := 0; i < cfg.Threshold; i++ {
		h.RecordFailure("inst-1")
	}
	time.Sleep(cfg.RecoveryTimeout + 10*time.Millisecond)

	assert.True(t, h.Allow("inst-1"))
	assert.False(t, h.Allow("inst-1"), "half-open 阶段只放行一个探测请求")
}

func TestHealthTracker_Reset(t *testing.T) {
	cfg := testBreakerConfig()
	h := NewHealthTracker(cfg, zap.NewNop())

	for i := 0; i < cfg.Threshold; i++ {
		h.RecordFailure("inst-1")
	}
	assert.Equal(t, BreakerOpen, h.State("inst-1"))

	h.Reset("inst-1")
	assert.Equal(t, BreakerClosed, h.State("inst-1"))
	assert.True(t, h.Allow("inst-1"))
}

func TestHealthTracker_WindowResetsStaleFailures(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.Window = 15 * time.Millisecond
	h := NewHealthTracker(cfg, zap.NewNop())

	h.RecordFailure("inst-1")
	h.RecordFailure("inst-1")
	time.Sleep(20 * time.Millisecond)
	h.RecordFailure("inst-1")

	assert.Equal(t, BreakerClosed, h.State("inst-1"), "窗口过期后失败计数应重置")
}

func TestHealthTracker_RequestVolumeThresholdGatesOpen(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.Threshold = 1
	cfg.RequestVolumeThreshold = 3
	h := NewHealthTracker(cfg, zap.NewNop())

	h.RecordFailure("inst-1")
	assert.Equal(t, BreakerClosed, h.State("inst-1"), "请求量还没到 requestVolumeThreshold，不该开断路器")

	h.RecordSuccess("inst-1")
	h.RecordFailure("inst-1")
	assert.Equal(t, BreakerOpen, h.State("inst-1"), "累计请求量达到阈值后，连续失败应触发断路")
}

func TestHealthTracker_HealthySetFiltersOpenBreakers(t *testing.T) {
	cfg := testBreakerConfig()
	h := NewHealthTracker(cfg, zap.NewNop())

	healthy := &PipelineInstance{ID: "healthy"}
	unhealthy := &PipelineInstance{ID: "unhealthy"}
	for i := 0; i < cfg.Threshold; i++ {
		h.RecordFailure(unhealthy.ID)
	}

	out := h.HealthySet([]*PipelineInstance{healthy, unhealthy})
	assert.Equal(t, []*PipelineInstance{healthy}, out)
}

func TestBreakerState_String(t *testing.T) {
	tests := []struct {
		state BreakerState
		want  string
	}{
		{BreakerClosed, "closed"},
		{BreakerOpen, "open"},
		{BreakerHalfOpen, "half_open"},
		{BreakerState(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}
