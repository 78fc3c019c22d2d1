package gateway

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/BaSui01/agentflow/llm"
)

// fakeProvider is a minimal llm.Provider used across this package's
// tests. completionFn/streamFn default to a canned success response
// when unset so most tests only need to override the one behavior
// they're exercising.
type fakeProvider struct {
	id          string
	completionFn func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)
	streamFn     func(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error)
	calls        int64
}

func (f *fakeProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	atomic.AddInt64(&f.calls, 1)
	if f.completionFn != nil {
		return f.completionFn(ctx, req)
	}
	return &llm.ChatResponse{
		ID:      "fake-" + f.id,
		Model:   req.Model,
		Choices: []llm.ChatChoice{{Message: llm.Message{Role: llm.RoleAssistant, Content: "ok"}}},
	}, nil
}

func (f *fakeProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	atomic.AddInt64(&f.calls, 1)
	if f.streamFn != nil {
		return f.streamFn(ctx, req)
	}
	ch := make(chan llm.StreamChunk, 1)
	ch <- llm.StreamChunk{Delta: llm.Message{Role: llm.RoleAssistant, Content: "ok"}, FinishReason: "stop"}
	close(ch)
	return ch, nil
}

func (f *fakeProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}

func (f *fakeProvider) Name() string { return f.id }

func (f *fakeProvider) SupportsNativeFunctionCalling() bool { return false }

func (f *fakeProvider) ListModels(ctx context.Context) ([]llm.Model, error) { return nil, nil }

var errFakeProviderFailure = errors.New("fake provider failure")

func failingProvider(id string) *fakeProvider {
	return &fakeProvider{
		id: id,
		completionFn: func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
			return nil, errFakeProviderFailure
		},
		streamFn: func(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
			return nil, errFakeProviderFailure
		},
	}
}

// newTestInstance wires a complete PipelineInstance around a fake
// provider, bypassing the Pipeline Table for tests that only care
// about scheduling/routing behavior.
func newTestInstance(id InstanceID, provider llm.Provider, weight int) *PipelineInstance {
	return &PipelineInstance{
		ID:            id,
		Weight:        weight,
		Provider:      provider,
		LLMSwitch:     NewLLMSwitchStage(nil, nil, 0),
		Workflow:      NewWorkflowStage(0, 0),
		Compatibility: NewCompatibilityStage(nil, nil),
		ProviderStage: NewProviderStage(ProviderAuth{Kind: AuthKindNone}, "", nil),
		Stats:         &InstanceStats{},
	}
}
