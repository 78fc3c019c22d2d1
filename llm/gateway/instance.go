package gateway

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/BaSui01/agentflow/llm"
)

// PipelineInstance is one wired (LLMSwitch, Workflow, Compatibility,
// Provider) quadruple bound to a single Target. Instances are built
// once by BuildPipelineTable and never mutated afterwards; health and
// load information about an instance lives in HealthTracker/Blacklist,
// keyed by InstanceID, not on the instance itself. Stats is the one
// exception — a long-lived counters object updated in place on every
// dispatch, exposed verbatim by the admin metrics() surface.
type PipelineInstance struct {
	ID       InstanceID
	VMID     VirtualModelID
	Target   Target
	Weight   int
	Provider llm.Provider
	Stats    *InstanceStats

	LLMSwitch     *LLMSwitchStage
	Workflow      *WorkflowStage
	Compatibility *CompatibilityStage
	ProviderStage *ProviderStage
}

// InstanceStats tracks per-instance request counters, safe for
// concurrent use from the dispatch hot path (spec §3/§4.7).
type InstanceStats struct {
	requests            int64
	successes           int64
	failures            int64
	consecutiveFailures int64
	totalLatencyNanos   int64
	currentInFlight     int64
	lastUsedAtNanos     int64
}

// RecordStart marks the beginning of a dispatch attempt.
func (s *InstanceStats) RecordStart() {
	atomic.AddInt64(&s.requests, 1)
	atomic.AddInt64(&s.currentInFlight, 1)
	atomic.StoreInt64(&s.lastUsedAtNanos, time.Now().UnixNano())
}

// RecordEnd marks the end of a dispatch attempt, folding its latency
// and outcome into the running counters.
func (s *InstanceStats) RecordEnd(success bool, latency time.Duration) {
	atomic.AddInt64(&s.currentInFlight, -1)
	atomic.AddInt64(&s.totalLatencyNanos, latency.Nanoseconds())
	if success {
		atomic.AddInt64(&s.successes, 1)
		atomic.StoreInt64(&s.consecutiveFailures, 0)
		return
	}
	atomic.AddInt64(&s.failures, 1)
	atomic.AddInt64(&s.consecutiveFailures, 1)
}

// InstanceStatsSnapshot is a point-in-time, JSON-friendly copy of
// InstanceStats for the admin metrics() endpoint.
type InstanceStatsSnapshot struct {
	Requests            int64     `json:"requests"`
	Successes           int64     `json:"successes"`
	Failures            int64     `json:"failures"`
	ConsecutiveFailures int64     `json:"consecutiveFailures"`
	AvgLatencyMs        float64   `json:"avgLatencyMs"`
	LastUsedAt          time.Time `json:"lastUsedAt"`
	CurrentInFlight     int64     `json:"currentInFlight"`
}

// Snapshot copies the current counters out, computing the derived
// average latency.
func (s *InstanceStats) Snapshot() InstanceStatsSnapshot {
	requests := atomic.LoadInt64(&s.requests)
	totalNanos := atomic.LoadInt64(&s.totalLatencyNanos)
	var avgMs float64
	if requests > 0 {
		avgMs = float64(totalNanos) / float64(requests) / float64(time.Millisecond)
	}
	var lastUsed time.Time
	if nanos := atomic.LoadInt64(&s.lastUsedAtNanos); nanos > 0 {
		lastUsed = time.Unix(0, nanos)
	}
	return InstanceStatsSnapshot{
		Requests:            requests,
		Successes:           atomic.LoadInt64(&s.successes),
		Failures:            atomic.LoadInt64(&s.failures),
		ConsecutiveFailures: atomic.LoadInt64(&s.consecutiveFailures),
		AvgLatencyMs:        avgMs,
		LastUsedAt:          lastUsed,
		CurrentInFlight:     atomic.LoadInt64(&s.currentInFlight),
	}
}

// stages returns the four stages in forward-execution order.
func (p *PipelineInstance) stages() []StageHandler {
	return []StageHandler{p.LLMSwitch, p.Workflow, p.Compatibility, p.ProviderStage}
}

func instanceID(vm VirtualModelID, t Target) InstanceID {
	return InstanceID(fmt.Sprintf("%s/%s/%s/%d", vm, t.ProviderID, t.ModelID, t.KeyIndex))
}
