package gateway

import (
	"math"
	"math/rand"
	"time"
)

// PolicyOverride lets deployments layer provider/model/error-specific
// rules on top of the default decision table, shaped like
// llm/config/policy.go's PolicyManager.FindPolicy — return ok=false to
// fall through to the default table.
type PolicyOverride func(pe *PipelineError, ec *ExecutionContext, retryCount int) (Decision, bool)

// ErrorHandlerCenter (C8) is the single place that decides what
// happens after a pipeline failure: retry, failover to another
// instance, blacklist the failing one, or abort and return the error
// to the caller.
type ErrorHandlerCenter struct {
	retry    RetryConfig
	override PolicyOverride
}

// NewErrorHandlerCenter builds a handler with the given default retry
// tuning (mirrors llm/retry.DefaultRetryPolicy) and an optional
// override hook.
func NewErrorHandlerCenter(retry RetryConfig, override PolicyOverride) *ErrorHandlerCenter {
	if retry.MaxRetries <= 0 {
		retry.MaxRetries = 3
	}
	if retry.InitialDelay <= 0 {
		retry.InitialDelay = time.Second
	}
	if retry.MaxDelay <= 0 {
		retry.MaxDelay = 30 * time.Second
	}
	if retry.Multiplier < 1 {
		retry.Multiplier = 2.0
	}
	return &ErrorHandlerCenter{retry: retry, override: override}
}

// Decide maps (error, context, retryCount) to an Action, consulting
// the override hook first.
func (h *ErrorHandlerCenter) Decide(pe *PipelineError, ec *ExecutionContext, retryCount int) Decision {
	if h.override != nil {
		if d, ok := h.override(pe, ec, retryCount); ok {
			return d
		}
	}
	return h.defaultDecision(pe, retryCount)
}

// defaultDecision implements the category -> action table from spec §4.8.
func (h *ErrorHandlerCenter) defaultDecision(pe *PipelineError, retryCount int) Decision {
	switch pe.Category {
	case CategoryTransient:
		if retryCount < h.retry.MaxRetries {
			return Decision{Action: ActionRetry, Delay: h.backoffDelay(retryCount)}
		}
		return Decision{Action: ActionFailover}

	case CategoryRateLimit:
		// Never retry the same rate-limited instance: blacklist it
		// immediately, honoring the upstream's Retry-After when given,
		// and let the scheduler fail over to another instance right away.
		duration := 60 * time.Second
		if pe.RetryAfter > 0 {
			duration = pe.RetryAfter
		}
		return Decision{Action: ActionBlacklist, Duration: duration}

	case CategoryUpstream:
		return Decision{Action: ActionAbort}

	case CategoryAuth:
		return Decision{Action: ActionBlacklist, Duration: 0} // permanent until admin clears credentials

	case CategoryPermanent:
		return Decision{Action: ActionAbort}

	case CategoryInternal:
		// A stage crash says nothing about the instance's health, but
		// still shouldn't be retried against in a tight loop: blacklist
		// briefly and fail over to another instance.
		return Decision{Action: ActionBlacklist, Duration: 30 * time.Second}

	default:
		return Decision{Action: ActionAbort}
	}
}

// backoffDelay computes exponential backoff with jitter, the same
// shape as llm/retry/backoff.go: calculateDelay.
func (h *ErrorHandlerCenter) backoffDelay(attempt int) time.Duration {
	delay := float64(h.retry.InitialDelay) * math.Pow(h.retry.Multiplier, float64(attempt))
	if delay > float64(h.retry.MaxDelay) {
		delay = float64(h.retry.MaxDelay)
	}
	jitter := delay * 0.25
	delay += (rand.Float64()*2 - 1) * jitter
	if delay < float64(h.retry.InitialDelay) {
		delay = float64(h.retry.InitialDelay)
	}
	return time.Duration(delay)
}
