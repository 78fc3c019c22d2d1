package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentflow/llm"
)

func TestLLMSwitchStage_Name(t *testing.T) {
	s := NewLLMSwitchStage(nil, nil, 0)
	assert.Equal(t, StageLLMSwitch, s.Name())
}

func TestLLMSwitchStage_ForwardRunsRegisteredFunction(t *testing.T) {
	var called bool
	registry := NewTransformRegistry()
	registry.Register("mark-called", func(v any) (any, error) {
		called = true
		return v, nil
	})
	rules := []TransformRule{{Kind: TransformFunction, FuncName: "mark-called"}}
	s := NewLLMSwitchStage(rules, registry, 0)

	ec := &ExecutionContext{Request: &llm.ChatRequest{Model: "gpt-4"}}
	err := s.Forward(context.Background(), ec)
	require.NoError(t, err)
	assert.True(t, called)
}

func TestLLMSwitchStage_ForwardUnknownFunctionErrors(t *testing.T) {
	rules := []TransformRule{{Kind: TransformFunction, FuncName: "missing"}}
	s := NewLLMSwitchStage(rules, nil, 0)

	ec := &ExecutionContext{Request: &llm.ChatRequest{}}
	err := s.Forward(context.Background(), ec)
	require.Error(t, err)

	pe, ok := err.(*PipelineError)
	require.True(t, ok)
	assert.Equal(t, CodeStageConfigInvalid, pe.Code)
}

func TestLLMSwitchStage_ForwardPropagatesFunctionError(t *testing.T) {
	registry := NewTransformRegistry()
	registry.Register("boom", func(v any) (any, error) {
		return nil, errors.New("transform exploded")
	})
	rules := []TransformRule{{Kind: TransformFunction, FuncName: "boom"}}
	s := NewLLMSwitchStage(rules, registry, 0)

	ec := &ExecutionContext{Request: &llm.ChatRequest{}}
	err := s.Forward(context.Background(), ec)
	require.Error(t, err)

	pe, ok := err.(*PipelineError)
	require.True(t, ok)
	assert.Equal(t, CodeStageTransformFail, pe.Code)
}

func TestLLMSwitchStage_ForwardSkipsNonFunctionRules(t *testing.T) {
	rules := []TransformRule{{Kind: TransformMapping, SourcePath: "a", DestPath: "b"}}
	s := NewLLMSwitchStage(rules, nil, 0)

	ec := &ExecutionContext{Request: &llm.ChatRequest{}}
	err := s.Forward(context.Background(), ec)
	assert.NoError(t, err)
}

func TestLLMSwitchStage_CacheReusesResultForIdenticalRequest(t *testing.T) {
	var calls int
	registry := NewTransformRegistry()
	registry.Register("count", func(v any) (any, error) {
		calls++
		return v, nil
	})
	rules := []TransformRule{{Kind: TransformFunction, FuncName: "count"}}
	s := NewLLMSwitchStage(rules, registry, 8)

	req1 := &llm.ChatRequest{Model: "gpt-4", Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}}
	ec1 := &ExecutionContext{Request: req1}
	require.NoError(t, s.Forward(context.Background(), ec1))
	assert.Equal(t, 1, calls)

	req2 := &llm.ChatRequest{Model: "gpt-4", Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}}
	ec2 := &ExecutionContext{Request: req2}
	require.NoError(t, s.Forward(context.Background(), ec2))
	assert.Equal(t, 1, calls, "结构相同的请求应命中缓存，不再次调用 transform")
}

func TestLLMSwitchStage_CacheEvictsOldestBeyondCapacity(t *testing.T) {
	s := NewLLMSwitchStage(nil, nil, 2)

	for i := 0; i < 3; i++ {
		req := &llm.ChatRequest{Model: "model", MaxTokens: i}
		ec := &ExecutionContext{Request: req}
		require.NoError(t, s.Forward(context.Background(), ec))
	}
	assert.LessOrEqual(t, len(s.cache), 2)
}

func TestLLMSwitchStage_Reverse_NoOp(t *testing.T) {
	s := NewLLMSwitchStage(nil, nil, 0)
	err := s.Reverse(context.Background(), &ExecutionContext{}, &Result{})
	assert.NoError(t, err)
}

func TestStructuralHash_StableForEquivalentRequests(t *testing.T) {
	a := &llm.ChatRequest{Model: "gpt-4", Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}}
	b := &llm.ChatRequest{Model: "gpt-4", Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}}
	assert.Equal(t, structuralHash(a), structuralHash(b))
}

func TestStructuralHash_DiffersForDifferentRequests(t *testing.T) {
	a := &llm.ChatRequest{Model: "gpt-4"}
	b := &llm.ChatRequest{Model: "gpt-3.5"}
	assert.NotEqual(t, structuralHash(a), structuralHash(b))
}
