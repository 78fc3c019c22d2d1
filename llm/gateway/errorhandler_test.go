package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   2,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestErrorHandlerCenter_TransientRetriesThenFailsOver(t *testing.T) {
	h := NewErrorHandlerCenter(testRetryConfig(), nil)
	pe := NewClassifiedError(CodeProviderNetwork, "connection reset", StageProvider)

	d0 := h.Decide(pe, nil, 0)
	assert.Equal(t, ActionRetry, d0.Action)
	assert.Greater(t, d0.Delay, time.Duration(0))

	d1 := h.Decide(pe, nil, 1)
	assert.Equal(t, ActionRetry, d1.Action)

	d2 := h.Decide(pe, nil, 2)
	assert.Equal(t, ActionFailover, d2.Action)
}

func TestErrorHandlerCenter_RateLimitBlacklistsImmediatelyNoRetry(t *testing.T) {
	h := NewErrorHandlerCenter(testRetryConfig(), nil)
	pe := NewClassifiedError(CodeProviderRateLimit, "rate limited", StageProvider)

	d := h.Decide(pe, nil, 0)
	assert.Equal(t, ActionBlacklist, d.Action, "同一个被限流的实例不应重试，应立即拉黑并故障转移")
	assert.Equal(t, 60*time.Second, d.Duration)
}

func TestErrorHandlerCenter_RateLimitHonorsRetryAfter(t *testing.T) {
	h := NewErrorHandlerCenter(testRetryConfig(), nil)
	pe := NewClassifiedError(CodeProviderRateLimit, "rate limited", StageProvider)
	pe.WithRetryAfter(12 * time.Second)

	d := h.Decide(pe, nil, 0)
	assert.Equal(t, ActionBlacklist, d.Action)
	assert.Equal(t, 12*time.Second, d.Duration, "应沿用上游 Retry-After 给出的拉黑时长")
}

func TestErrorHandlerCenter_TransientServerErrorRetriesThenFailsOver(t *testing.T) {
	h := NewErrorHandlerCenter(testRetryConfig(), nil)
	pe := NewClassifiedError(CodeProviderServerError, "bad gateway", StageProvider)

	d0 := h.Decide(pe, nil, 0)
	assert.Equal(t, ActionRetry, d0.Action)

	d2 := h.Decide(pe, nil, testRetryConfig().MaxRetries)
	assert.Equal(t, ActionFailover, d2.Action)
}

func TestErrorHandlerCenter_UpstreamAbortsWithoutFailover(t *testing.T) {
	h := NewErrorHandlerCenter(testRetryConfig(), nil)
	pe := NewClassifiedError(CodeProviderBadRequest, "bad request", StageProvider)

	d := h.Decide(pe, nil, 0)
	assert.Equal(t, ActionAbort, d.Action, "Upstream 类别应直接中止，不应故障转移")
}

func TestErrorHandlerCenter_AuthBlacklistsPermanently(t *testing.T) {
	h := NewErrorHandlerCenter(testRetryConfig(), nil)
	pe := NewClassifiedError(CodeProviderAuth, "invalid api key", StageProvider)

	d := h.Decide(pe, nil, 0)
	assert.Equal(t, ActionBlacklist, d.Action)
	assert.Zero(t, d.Duration, "auth 失败应永久拉黑，直到管理员清除")
}

func TestErrorHandlerCenter_PermanentAborts(t *testing.T) {
	h := NewErrorHandlerCenter(testRetryConfig(), nil)
	pe := NewClassifiedError(CodeUnknownVirtualModel, "unknown virtual model", StageProvider)

	d := h.Decide(pe, nil, 0)
	assert.Equal(t, ActionAbort, d.Action)
}

func TestErrorHandlerCenter_InternalFailsOverWithBlacklist(t *testing.T) {
	h := NewErrorHandlerCenter(testRetryConfig(), nil)
	pe := NewClassifiedError(CodeStageTransformFail, "stage panicked", StageProvider)
	pe.Category = CategoryInternal

	d := h.Decide(pe, nil, 0)
	assert.Equal(t, ActionBlacklist, d.Action, "内部 stage 崩溃应故障转移到其他实例，短暂拉黑避免紧密重试")
	assert.Equal(t, 30*time.Second, d.Duration)
}

func TestErrorHandlerCenter_OverrideTakesPrecedence(t *testing.T) {
	override := func(pe *PipelineError, ec *ExecutionContext, retryCount int) (Decision, bool) {
		if pe.Code == CodeProviderBadRequest {
			return Decision{Action: ActionRetry, Delay: time.Millisecond}, true
		}
		return Decision{}, false
	}
	h := NewErrorHandlerCenter(testRetryConfig(), override)
	pe := NewClassifiedError(CodeProviderBadRequest, "bad request", StageProvider)

	d := h.Decide(pe, nil, 0)
	assert.Equal(t, ActionRetry, d.Action)
}

func TestErrorHandlerCenter_OverrideFallsThroughWhenDeclined(t *testing.T) {
	override := func(pe *PipelineError, ec *ExecutionContext, retryCount int) (Decision, bool) {
		return Decision{}, false
	}
	h := NewErrorHandlerCenter(testRetryConfig(), override)
	pe := NewClassifiedError(CodeProviderBadRequest, "bad request", StageProvider)

	d := h.Decide(pe, nil, 0)
	assert.Equal(t, ActionAbort, d.Action)
}

func TestErrorHandlerCenter_BackoffDelayGrowsAndCaps(t *testing.T) {
	h := NewErrorHandlerCenter(RetryConfig{
		MaxRetries:   5,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     15 * time.Millisecond,
		Multiplier:   2.0,
	}, nil)

	for attempt := 0; attempt < 5; attempt++ {
		d := h.backoffDelay(attempt)
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.LessOrEqual(t, d, 15*time.Millisecond+4*time.Millisecond, "抖动不应把延迟推得过高")
	}
}

func TestNewErrorHandlerCenter_DefaultsAppliedOnZeroValues(t *testing.T) {
	h := NewErrorHandlerCenter(RetryConfig{}, nil)
	assert.Equal(t, 3, h.retry.MaxRetries)
	assert.Equal(t, time.Second, h.retry.InitialDelay)
	assert.Equal(t, 30*time.Second, h.retry.MaxDelay)
	assert.Equal(t, 2.0, h.retry.Multiplier)
}
