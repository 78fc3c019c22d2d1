package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentflow/llm"
)

func TestCompatibilityStage_Name(t *testing.T) {
	s := NewCompatibilityStage(nil, nil)
	assert.Equal(t, StageCompatibility, s.Name())
}

func TestCompatibilityStage_ForwardRenamesField(t *testing.T) {
	s := NewCompatibilityStage([]FieldMap{{From: "reasoning_effort", To: "thinking_level"}}, nil)
	ec := &ExecutionContext{Request: &llm.ChatRequest{Metadata: map[string]string{"reasoning_effort": "high"}}}

	require.NoError(t, s.Forward(context.Background(), ec))
	assert.Equal(t, "high", ec.Request.Metadata["thinking_level"])
	_, stillPresent := ec.Request.Metadata["reasoning_effort"]
	assert.False(t, stillPresent)
}

func TestCompatibilityStage_ForwardDropsField(t *testing.T) {
	s := NewCompatibilityStage([]FieldMap{{From: "unsupported_field", Drop: true}}, nil)
	ec := &ExecutionContext{Request: &llm.ChatRequest{Metadata: map[string]string{"unsupported_field": "x"}}}

	require.NoError(t, s.Forward(context.Background(), ec))
	_, ok := ec.Request.Metadata["unsupported_field"]
	assert.False(t, ok)
}

func TestCompatibilityStage_ForwardAppliesConstant(t *testing.T) {
	s := NewCompatibilityStage([]FieldMap{{To: "api_version", ConstVal: "2024-01"}}, nil)
	ec := &ExecutionContext{Request: &llm.ChatRequest{}}

	require.NoError(t, s.Forward(context.Background(), ec))
	assert.Equal(t, "2024-01", ec.Request.Metadata["api_version"])
}

func TestCompatibilityStage_ForwardInitializesMetadataMap(t *testing.T) {
	s := NewCompatibilityStage(nil, nil)
	ec := &ExecutionContext{Request: &llm.ChatRequest{}}
	require.NoError(t, s.Forward(context.Background(), ec))
	assert.NotNil(t, ec.Request.Metadata)
}

func TestCompatibilityStage_Reverse_NoopWithoutResponseFields(t *testing.T) {
	s := NewCompatibilityStage(nil, nil)
	res := &Result{Response: &llm.ChatResponse{}}
	assert.NoError(t, s.Reverse(context.Background(), &ExecutionContext{}, res))
}
