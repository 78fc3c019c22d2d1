package gateway

import (
	"context"
	"time"
)

// Observer receives gateway lifecycle events. It replaces the
// message-bus broadcast pattern the original system used for
// execution/state-change notifications (spec §9 design note); the
// default NoopObserver drops everything, so wiring an observer is
// always opt-in.
type Observer interface {
	OnExecution(ec *ExecutionContext, res *Result, duration time.Duration)
	OnBlacklist(id InstanceID, reason string, duration time.Duration)
	OnBreakerStateChange(id InstanceID, from, to BreakerState)
}

// NoopObserver discards every event.
type NoopObserver struct{}

func (NoopObserver) OnExecution(*ExecutionContext, *Result, time.Duration)    {}
func (NoopObserver) OnBlacklist(InstanceID, string, time.Duration)            {}
func (NoopObserver) OnBreakerStateChange(InstanceID, BreakerState, BreakerState) {}

// ExecutionTraceSink persists execution traces for later inspection.
// MongoObserver is the only non-trivial implementation; it is optional
// because most deployments have no use for long-form execution
// history (debug-trace files are explicitly out of scope — see
// SPEC_FULL.md §3/§4) and the Mongo dependency would otherwise sit
// in go.mod unused.
type ExecutionTraceSink interface {
	SaveTrace(ctx context.Context, trace ExecutionTrace) error
}

// ExecutionTrace is the document persisted per request when a
// MongoObserver is configured.
type ExecutionTrace struct {
	ExecutionID    string
	VirtualModelID string
	InstanceID     string
	Success        bool
	DurationMS     int64
	ErrorCode      string
	StageDurations map[string]int64
}

// MongoObserver persists one ExecutionTrace per dispatch through an
// injected ExecutionTraceSink (see audit.go's sibling GORM sink for
// the Mongo-backed implementation's storage counterpart). Failures to
// persist are logged by the sink implementation and never affect the
// request outcome — this observer is best-effort by design.
type MongoObserver struct {
	Sink ExecutionTraceSink
}

func (o MongoObserver) OnExecution(ec *ExecutionContext, res *Result, duration time.Duration) {
	if o.Sink == nil {
		return
	}
	trace := ExecutionTrace{
		ExecutionID:    ec.ID,
		VirtualModelID: string(ec.VirtualModelID),
		InstanceID:     string(ec.Instance.ID),
		Success:        res.Err == nil,
		DurationMS:     duration.Milliseconds(),
		StageDurations: make(map[string]int64),
	}
	if res.Err != nil {
		trace.ErrorCode = string(res.Err.Code)
	}
	for _, io := range ec.StageIOs {
		trace.StageDurations[string(io.Stage)] = io.Duration.Milliseconds()
	}
	_ = o.Sink.SaveTrace(context.Background(), trace)
}

func (o MongoObserver) OnBlacklist(InstanceID, string, time.Duration)            {}
func (o MongoObserver) OnBreakerStateChange(InstanceID, BreakerState, BreakerState) {}
