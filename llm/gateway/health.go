package gateway

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// BreakerState mirrors llm/circuitbreaker.State's three-state machine,
// redeclared here so the gateway's health tracker doesn't take a
// dependency on the per-call circuitbreaker package (which guards one
// blocking function call, not a long-lived routing decision).
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// instanceBreaker is one instance's circuit breaker state, grounded on
// llm/circuitbreaker/breaker.go's state machine (beforeCall/afterCall/
// onSuccess/onFailure/setState) but tracking health passively — the
// scheduler reports outcomes explicitly instead of the breaker
// wrapping the call itself, since one breaker here spans many requests
// routed through the same PipelineInstance rather than a single
// provider.Call.
type instanceBreaker struct {
	mu               sync.Mutex
	state            BreakerState
	consecutiveFails int
	requestsInWindow int
	windowStart      time.Time
	lastFailure      time.Time
	halfOpenInFlight int
}

// bumpWindow increments the rolling request count, resetting it when
// Window has elapsed since it was last reset.
func (b *instanceBreaker) bumpWindow(window time.Duration, now time.Time) {
	if b.windowStart.IsZero() || now.Sub(b.windowStart) > window {
		b.windowStart = now
		b.requestsInWindow = 0
	}
	b.requestsInWindow++
}

// HealthTracker (C5) holds one circuit breaker per pipeline instance
// and exposes the healthy subset the Load Balancer picks from.
type HealthTracker struct {
	cfg    CircuitBreakerConfig
	logger *zap.Logger

	mu       sync.RWMutex
	breakers map[InstanceID]*instanceBreaker
}

// NewHealthTracker builds a tracker with the given circuit breaker
// tuning, defaulting to llm/circuitbreaker.DefaultConfig-equivalent
// values when zero.
func NewHealthTracker(cfg CircuitBreakerConfig, logger *zap.Logger) *HealthTracker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		// Exactly one trial request per recovery window by default:
		// admitting more lets several concurrent probes race against a
		// still-unhealthy instance.
		cfg.HalfOpenMaxCalls = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthTracker{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[InstanceID]*instanceBreaker),
	}
}

func (h *HealthTracker) breakerFor(id InstanceID) *instanceBreaker {
	h.mu.RLock()
	b, ok := h.breakers[id]
	h.mu.RUnlock()
	if ok {
		return b
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if b, ok := h.breakers[id]; ok {
		return b
	}
	b = &instanceBreaker{}
	h.breakers[id] = b
	return b
}

// Allow reports whether a request may currently be routed to id,
// transitioning Open -> HalfOpen when the recovery timeout has
// elapsed.
func (h *HealthTracker) Allow(id InstanceID) bool {
	b := h.breakerFor(id)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Since(b.lastFailure) > h.cfg.RecoveryTimeout {
			b.state = BreakerHalfOpen
			b.halfOpenInFlight = 0
			h.logger.Info("circuit breaker half-open", zap.String("instance", string(id)))
			return true
		}
		return false
	case BreakerHalfOpen:
		if b.halfOpenInFlight >= h.cfg.HalfOpenMaxCalls {
			return false
		}
		b.halfOpenInFlight++
		return true
	default:
		return false
	}
}

// RecordSuccess closes the breaker (from Closed, resets the failure
// count; from HalfOpen, transitions back to Closed).
func (h *HealthTracker) RecordSuccess(id InstanceID) {
	b := h.breakerFor(id)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bumpWindow(h.cfg.Window, time.Now())

	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerClosed
		h.logger.Info("circuit breaker closed", zap.String("instance", string(id)))
	}
	b.consecutiveFails = 0
	b.halfOpenInFlight = 0
}

// RecordFailure increments the failure count and opens the breaker
// once the configured threshold is reached within the rolling window,
// or immediately on any HalfOpen failure.
func (h *HealthTracker) RecordFailure(id InstanceID) {
	b := h.breakerFor(id)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if b.lastFailure.IsZero() || now.Sub(b.lastFailure) > h.cfg.Window {
		b.consecutiveFails = 0
	}
	b.consecutiveFails++
	b.lastFailure = now
	b.bumpWindow(h.cfg.Window, now)

	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.halfOpenInFlight = 0
		h.logger.Warn("circuit breaker re-opened", zap.String("instance", string(id)))
	case BreakerClosed:
		hasVolume := h.cfg.RequestVolumeThreshold <= 0 || b.requestsInWindow >= h.cfg.RequestVolumeThreshold
		if hasVolume && b.consecutiveFails >= h.cfg.Threshold {
			b.state = BreakerOpen
			h.logger.Warn("circuit breaker opened",
				zap.String("instance", string(id)),
				zap.Int("consecutive_failures", b.consecutiveFails))
		}
	}
}

// State returns the current breaker state for id (BreakerClosed if
// never recorded).
func (h *HealthTracker) State(id InstanceID) BreakerState {
	b := h.breakerFor(id)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces id's breaker back to Closed, used by the admin surface
// and by successful manual health probes.
func (h *HealthTracker) Reset(id InstanceID) {
	b := h.breakerFor(id)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.consecutiveFails = 0
	b.halfOpenInFlight = 0
}

// HealthySet filters candidates down to those whose breaker currently
// allows traffic.
func (h *HealthTracker) HealthySet(candidates []*PipelineInstance) []*PipelineInstance {
	out := make([]*PipelineInstance, 0, len(candidates))
	for _, c := range candidates {
		if h.Allow(c.ID) {
			out = append(out, c)
		}
	}
	return out
}
