package gateway

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/BaSui01/agentflow/llm/gateway")

// PipelineExecutor (C9) drives one request through the fixed
// LLMSwitch -> Workflow -> Compatibility -> Provider forward chain,
// the outbound call, and the reverse chain on the way back. Each
// stage gets its own span (spec §4.9's StageIO made observable) and
// its own recover() so a panicking stage degrades to an Internal
// PipelineError instead of taking the whole request down — grounded
// on llm/resilient_provider.go's recover-wrapped goroutine pattern.
type PipelineExecutor struct {
	logger *zap.Logger
}

// NewPipelineExecutor builds an executor; logger may be nil.
func NewPipelineExecutor(logger *zap.Logger) *PipelineExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PipelineExecutor{logger: logger}
}

// Execute runs ec.Instance's pipeline for one request, honoring the
// per-request hard timeout already set on ctx by the caller.
func (e *PipelineExecutor) Execute(ctx context.Context, ec *ExecutionContext) *Result {
	ctx, span := tracer.Start(ctx, "pipeline.execute",
		trace.WithAttributes(
			attribute.String("gateway.virtual_model", string(ec.VirtualModelID)),
			attribute.String("gateway.instance", string(ec.Instance.ID)),
		))
	defer span.End()

	inst := ec.Instance
	for _, stage := range inst.stages() {
		if stage == nil {
			continue
		}
		if err := e.runForward(ctx, stage, ec); err != nil {
			return &Result{Err: err}
		}
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return &Result{Err: NewClassifiedError(CodeTimeout, "request exceeded its per-request timeout", stage.Name())}
			}
			return &Result{Err: NewClassifiedError(CodeCancelled, "request cancelled", stage.Name())}
		default:
		}
	}

	res, err := e.invoke(ctx, inst, ec)
	if err != nil {
		return &Result{Err: err}
	}

	stages := inst.stages()
	for i := len(stages) - 1; i >= 0; i-- {
		if stages[i] == nil {
			continue
		}
		if rerr := e.runReverse(ctx, stages[i], ec, res); rerr != nil {
			res.Err = rerr
			return res
		}
	}

	return res
}

func (e *PipelineExecutor) invoke(ctx context.Context, inst *PipelineInstance, ec *ExecutionContext) (res *Result, perr *PipelineError) {
	ctx, span := tracer.Start(ctx, "pipeline.stage.provider.invoke")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			perr = NewClassifiedError(CodeInternal, fmt.Sprintf("provider stage panic: %v", r), StageProvider)
		}
	}()

	started := time.Now()
	r, err := inst.ProviderStage.Invoke(ctx, inst, ec)
	io := StageIO{Stage: StageProvider, Started: started, Duration: time.Since(started)}
	if err != nil {
		pe, ok := err.(*PipelineError)
		if !ok {
			pe = NewClassifiedError(CodeProviderNetwork, err.Error(), StageProvider).WithCauseErr(err)
		}
		io.Err = pe
		ec.RecordStage(io)
		return nil, pe
	}
	ec.RecordStage(io)
	return r, nil
}

func (e *PipelineExecutor) runForward(ctx context.Context, stage StageHandler, ec *ExecutionContext) (perr *PipelineError) {
	ctx, span := tracer.Start(ctx, "pipeline.stage."+string(stage.Name())+".forward")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			perr = NewClassifiedError(CodeInternal, fmt.Sprintf("%s stage panic: %v", stage.Name(), r), stage.Name())
			e.logger.Error("pipeline stage panic recovered",
				zap.String("stage", string(stage.Name())),
				zap.Any("recover", r))
		}
	}()

	started := time.Now()
	err := stage.Forward(ctx, ec)
	io := StageIO{Stage: stage.Name(), Started: started, Duration: time.Since(started)}
	if err != nil {
		pe, ok := err.(*PipelineError)
		if !ok {
			pe = NewClassifiedError(CodeStageTransformFail, err.Error(), stage.Name()).WithCauseErr(err)
		}
		io.Err = pe
		ec.RecordStage(io)
		return pe
	}
	ec.RecordStage(io)
	return nil
}

func (e *PipelineExecutor) runReverse(ctx context.Context, stage StageHandler, ec *ExecutionContext, res *Result) (perr *PipelineError) {
	ctx, span := tracer.Start(ctx, "pipeline.stage."+string(stage.Name())+".reverse")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			perr = NewClassifiedError(CodeInternal, fmt.Sprintf("%s reverse panic: %v", stage.Name(), r), stage.Name())
		}
	}()

	if err := stage.Reverse(ctx, ec, res); err != nil {
		pe, ok := err.(*PipelineError)
		if !ok {
			pe = NewClassifiedError(CodeStageTransformFail, err.Error(), stage.Name()).WithCauseErr(err)
		}
		return pe
	}
	return nil
}
