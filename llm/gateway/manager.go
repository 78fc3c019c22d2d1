package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/agentflow/llm"
)

// SchedulerManager (C10) is the top-level façade: one Dispatch
// entrypoint fanning out to per-virtual-model schedulers, plus the
// lifecycle and admin surface. Start/Shutdown follow
// internal/server/manager.go's Manager.Start/Shutdown shape
// (non-blocking start, timeout-bounded graceful shutdown) applied to
// the scheduler instead of an HTTP listener.
type SchedulerManager struct {
	table     *PipelineTable
	health    *HealthTracker
	blacklist *Blacklist
	errors    *ErrorHandlerCenter
	metrics   *GatewayMetrics
	observer  Observer
	logger    *zap.Logger

	mu         sync.RWMutex
	schedulers map[VirtualModelID]*VirtualModelScheduler
	closed     bool
}

// NewSchedulerManager wires the shared components every
// VirtualModelScheduler is built from.
func NewSchedulerManager(table *PipelineTable, cfg SchedulerConfig, redisClient *redis.Client, auditDB *gorm.DB, logger *zap.Logger) *SchedulerManager {
	if logger == nil {
		logger = zap.NewNop()
	}

	var observer Observer = NoopObserver{}
	if auditDB != nil {
		observer = ObserverAdapter{Sink: NewAuditSink(auditDB, logger)}
	}

	return &SchedulerManager{
		table:      table,
		health:     NewHealthTracker(cfg.CircuitBreaker, logger),
		blacklist:  NewBlacklist(cfg.Blacklist.SweepInterval, redisClient, logger),
		errors:     NewErrorHandlerCenter(cfg.Retry, nil),
		metrics:    NewGatewayMetrics(""),
		observer:   observer,
		logger:     logger,
		schedulers: make(map[VirtualModelID]*VirtualModelScheduler),
	}
}

// Start builds (or rebuilds) the per-virtual-model schedulers from the
// current Pipeline Table. Call again after a table Reload to pick up
// newly added virtual models.
func (m *SchedulerManager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("scheduler manager is closed")
	}

	for _, vmID := range m.table.VirtualModelIDs() {
		if _, exists := m.schedulers[vmID]; exists {
			continue
		}
		vmCfg, _ := m.table.VirtualModelConfig(vmID)
		m.schedulers[vmID] = NewVirtualModelScheduler(vmID, vmCfg, m.table, m.health, m.blacklist, m.errors, m.metrics, m.observer, m.logger)
	}
	m.logger.Info("scheduler manager started", zap.Int("virtual_models", len(m.schedulers)))
	return nil
}

// Shutdown stops background goroutines (blacklist sweep) within
// graceMs, the same shutdown-timeout contract
// internal/server/manager.go: Manager.Shutdown offers for the HTTP
// listener.
func (m *SchedulerManager) Shutdown(ctx context.Context, graceMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	done := make(chan struct{})
	go func() {
		m.blacklist.Stop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(time.Duration(graceMs) * time.Millisecond):
		return fmt.Errorf("scheduler manager: shutdown timed out after %dms", graceMs)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch routes one request to the named virtual model's scheduler.
func (m *SchedulerManager) Dispatch(ctx context.Context, vmID VirtualModelID, req *llm.ChatRequest, streaming bool) *Result {
	m.mu.RLock()
	sched, ok := m.schedulers[vmID]
	m.mu.RUnlock()
	if !ok {
		return &Result{Err: NewClassifiedError(CodeUnknownVirtualModel, fmt.Sprintf("unknown virtual model %q", vmID), "")}
	}
	return sched.Dispatch(ctx, req, streaming)
}

// Blacklist adds an instance to the exclusion set (admin surface,
// spec §4 supplement 3).
func (m *SchedulerManager) Blacklist(ctx context.Context, id InstanceID, reason string, duration time.Duration) {
	m.blacklist.Add(ctx, id, reason, duration)
}

// Unblacklist clears an instance's exclusion entry, whether
// time-bounded or permanent.
func (m *SchedulerManager) Unblacklist(ctx context.Context, id InstanceID) {
	m.blacklist.Remove(ctx, id)
}

// ListBlacklist returns a snapshot of every currently blacklisted instance.
func (m *SchedulerManager) ListBlacklist() map[InstanceID]blacklistEntry {
	return m.blacklist.List()
}

// VirtualModelIDs lists every configured virtual model.
func (m *SchedulerManager) VirtualModelIDs() []VirtualModelID {
	return m.table.VirtualModelIDs()
}

// InstanceMetrics pairs one instance's breaker state with its running
// request-stats snapshot, the full shape spec §3/§4.7 define.
type InstanceMetrics struct {
	BreakerState string                `json:"breakerState"`
	Stats        InstanceStatsSnapshot `json:"stats"`
}

// Metrics returns a point-in-time snapshot of a virtual model's
// instance health and request stats, for the metrics() admin endpoint
// (spec §4.7).
func (m *SchedulerManager) Metrics(vmID VirtualModelID) map[InstanceID]InstanceMetrics {
	out := make(map[InstanceID]InstanceMetrics)
	for _, inst := range m.table.InstancesFor(vmID) {
		var stats InstanceStatsSnapshot
		if inst.Stats != nil {
			stats = inst.Stats.Snapshot()
		}
		out[inst.ID] = InstanceMetrics{
			BreakerState: m.health.State(inst.ID).String(),
			Stats:        stats,
		}
	}
	return out
}
