package gateway

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/llm"
)

// VirtualModelScheduler (C7) is the per-virtual-model routing loop:
// derive the healthy candidate set, pick an instance, run it through
// the Pipeline Executor, update the Health Tracker, and on failure
// consult the Error Handler Center for the next action.
type VirtualModelScheduler struct {
	vmID     VirtualModelID
	cfg      VirtualModelConfig
	table    *PipelineTable
	picker   Picker
	health   *HealthTracker
	blocked  *Blacklist
	errors   *ErrorHandlerCenter
	executor *PipelineExecutor
	metrics  *GatewayMetrics
	observer Observer
	logger   *zap.Logger

	sem chan struct{} // bounded backpressure per spec §5
}

// NewVirtualModelScheduler wires one virtual model's scheduler from
// its config and the shared table/health/blacklist/error-handler
// instances owned by the SchedulerManager.
func NewVirtualModelScheduler(
	vmID VirtualModelID,
	cfg VirtualModelConfig,
	table *PipelineTable,
	health *HealthTracker,
	blocked *Blacklist,
	errors *ErrorHandlerCenter,
	metrics *GatewayMetrics,
	observer Observer,
	logger *zap.Logger,
) *VirtualModelScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = NoopObserver{}
	}
	maxConcurrent := cfg.MaxConcurrentRequests
	if maxConcurrent <= 0 {
		maxConcurrent = 1 << 20 // effectively unbounded
	}
	return &VirtualModelScheduler{
		vmID:     vmID,
		cfg:      cfg,
		table:    table,
		picker:   NewPicker(cfg.Strategy),
		health:   health,
		blocked:  blocked,
		errors:   errors,
		executor: NewPipelineExecutor(logger),
		metrics:  metrics,
		observer: observer,
		logger:   logger,
		sem:      make(chan struct{}, maxConcurrent),
	}
}

// Dispatch runs one request end to end, including retry/failover
// loops driven by the Error Handler Center's decisions.
func (s *VirtualModelScheduler) Dispatch(ctx context.Context, req *llm.ChatRequest, streaming bool) *Result {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	default:
		return &Result{Err: NewClassifiedError(CodeBackpressure, fmt.Sprintf("virtual model %q at capacity", s.vmID), "")}
	}

	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	tried := make(map[InstanceID]bool)
	retryCount := 0

	for {
		inst, ok := s.selectInstance(tried)
		if !ok {
			return &Result{Err: NewClassifiedError(CodeNoHealthyInstance, fmt.Sprintf("no healthy instance for virtual model %q", s.vmID), "")}
		}
		tried[inst.ID] = true

		ec := NewExecutionContext(s.vmID, inst, req, streaming)
		ec.RetryCount = retryCount

		// least_conn only load-balances if its in-flight counter
		// actually tracks requests in flight; bump it for the
		// duration of this dispatch attempt.
		var inFlight *int64
		if lc, ok := s.picker.(*leastConnPicker); ok {
			inFlight = lc.Counter(inst.ID)
			atomic.AddInt64(inFlight, 1)
		}

		if inst.Stats != nil {
			inst.Stats.RecordStart()
		}

		started := time.Now()
		res := s.executor.Execute(ctx, ec)
		elapsed := time.Since(started)
		s.observer.OnExecution(ec, res, elapsed)

		if inFlight != nil {
			atomic.AddInt64(inFlight, -1)
		}
		if inst.Stats != nil {
			inst.Stats.RecordEnd(res.Err == nil, elapsed)
		}

		if res.Err == nil {
			s.health.RecordSuccess(inst.ID)
			if s.metrics != nil {
				s.metrics.ObserveRequest(string(s.vmID), string(inst.ID), true, elapsed)
			}
			return res
		}

		// A cancelled request says nothing about the instance's
		// health: don't let it count toward the breaker's failure
		// threshold.
		if res.Err.Code != CodeCancelled {
			s.health.RecordFailure(inst.ID)
		}
		if s.metrics != nil {
			s.metrics.ObserveRequest(string(s.vmID), string(inst.ID), false, elapsed)
		}

		decision := s.errors.Decide(res.Err, ec, retryCount)
		s.logger.Warn("pipeline request failed",
			zap.String("virtual_model", string(s.vmID)),
			zap.String("instance", string(inst.ID)),
			zap.String("code", string(res.Err.Code)),
			zap.String("action", string(decision.Action)))

		switch decision.Action {
		case ActionRetry:
			retryCount++
			select {
			case <-ctx.Done():
				return &Result{Err: NewClassifiedError(CodeTimeout, "request cancelled during retry backoff", "")}
			case <-time.After(decision.Delay):
			}
			delete(tried, inst.ID) // allow retrying the same instance
			continue

		case ActionFailover:
			continue // selectInstance excludes tried instances next loop

		case ActionBlacklist:
			s.blocked.Add(ctx, inst.ID, res.Err.Message, decision.Duration)
			s.observer.OnBlacklist(inst.ID, res.Err.Message, decision.Duration)
			continue

		case ActionAbort:
			return res

		default:
			return res
		}
	}
}

// selectInstance derives the healthy, non-blacklisted, not-yet-tried
// candidate set for this virtual model and asks the Picker for one.
func (s *VirtualModelScheduler) selectInstance(tried map[InstanceID]bool) (*PipelineInstance, bool) {
	all := s.table.InstancesFor(s.vmID)
	candidates := make([]*PipelineInstance, 0, len(all))
	for _, inst := range all {
		if tried[inst.ID] {
			continue
		}
		candidates = append(candidates, inst)
	}
	candidates = s.blocked.Filter(candidates)
	candidates = s.health.HealthySet(candidates)
	return s.picker.Pick(candidates)
}
