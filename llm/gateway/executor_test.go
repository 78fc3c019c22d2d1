package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/llm"
)

// panicStage panics on Forward to exercise the executor's recover().
type panicStage struct{ name Stage }

func (p panicStage) Name() Stage { return p.name }
func (p panicStage) Forward(ctx context.Context, ec *ExecutionContext) error {
	panic("forward exploded")
}
func (p panicStage) Reverse(ctx context.Context, ec *ExecutionContext, res *Result) error { return nil }

// failingStage returns an error (not a panic) from Forward.
type failingStage struct{ name Stage }

func (s failingStage) Name() Stage { return s.name }
func (s failingStage) Forward(ctx context.Context, ec *ExecutionContext) error {
	return errors.New("stage declined")
}
func (s failingStage) Reverse(ctx context.Context, ec *ExecutionContext, res *Result) error { return nil }

func TestPipelineExecutor_ExecuteHappyPath(t *testing.T) {
	inst := newTestInstance("inst-1", &fakeProvider{id: "p1"}, 1)
	ec := NewExecutionContext("vm-1", inst, &llm.ChatRequest{Model: "gpt-4"}, false)

	exec := NewPipelineExecutor(zap.NewNop())
	res := exec.Execute(context.Background(), ec)

	require.Nil(t, res.Err)
	require.NotNil(t, res.Response)
	assert.Equal(t, "ok", res.Response.Choices[0].Message.Content)
	assert.NotEmpty(t, ec.StageIOs)
}

func TestPipelineExecutor_ProviderErrorIsClassified(t *testing.T) {
	inst := newTestInstance("inst-1", failingProvider("p1"), 1)
	ec := NewExecutionContext("vm-1", inst, &llm.ChatRequest{Model: "gpt-4"}, false)

	exec := NewPipelineExecutor(zap.NewNop())
	res := exec.Execute(context.Background(), ec)

	require.NotNil(t, res.Err)
	assert.Equal(t, StageProvider, res.Err.Stage)
}

func TestPipelineExecutor_ForwardStagePanicRecovers(t *testing.T) {
	inst := newTestInstance("inst-1", &fakeProvider{id: "p1"}, 1)
	inst.LLMSwitch = nil
	inst.Workflow = nil
	inst.Compatibility = nil

	exec := NewPipelineExecutor(zap.NewNop())
	ec := NewExecutionContext("vm-1", inst, &llm.ChatRequest{}, false)

	// Directly exercise the panic-recovering wrapper since
	// PipelineInstance.stages() only knows about the four named
	// stage fields.
	perr := exec.runForward(context.Background(), panicStage{name: StageLLMSwitch}, ec)
	require.NotNil(t, perr)
	assert.Equal(t, CodeInternal, perr.Code)
}

func TestPipelineExecutor_ForwardStageErrorWraps(t *testing.T) {
	exec := NewPipelineExecutor(zap.NewNop())
	ec := NewExecutionContext("vm-1", nil, &llm.ChatRequest{}, false)

	perr := exec.runForward(context.Background(), failingStage{name: StageWorkflow}, ec)
	require.NotNil(t, perr)
	assert.Equal(t, CodeStageTransformFail, perr.Code)
	assert.Len(t, ec.StageIOs, 1)
}

func TestPipelineExecutor_CancelledContextStopsChain(t *testing.T) {
	inst := newTestInstance("inst-1", &fakeProvider{id: "p1"}, 1)
	ec := NewExecutionContext("vm-1", inst, &llm.ChatRequest{Model: "gpt-4"}, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec := NewPipelineExecutor(zap.NewNop())
	res := exec.Execute(ctx, ec)
	require.NotNil(t, res.Err)
	assert.Equal(t, CodeCancelled, res.Err.Code)
}

func TestPipelineExecutor_StreamingReverseProducesStream(t *testing.T) {
	provider := &fakeProvider{
		id: "p1",
		completionFn: func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
			return &llm.ChatResponse{
				ID:    "r1",
				Model: req.Model,
				Choices: []llm.ChatChoice{{
					Message:      llm.Message{Role: llm.RoleAssistant, Content: "hi"},
					FinishReason: "stop",
				}},
			}, nil
		},
	}
	inst := newTestInstance("inst-1", provider, 1)
	ec := NewExecutionContext("vm-1", inst, &llm.ChatRequest{Model: "gpt-4"}, true)

	exec := NewPipelineExecutor(zap.NewNop())
	res := exec.Execute(context.Background(), ec)

	require.Nil(t, res.Err)
	require.NotNil(t, res.Stream)
	chunk := <-res.Stream
	assert.Equal(t, "hi", chunk.Delta.Content)
}
