package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// GatewayAuditEvent records one blacklist or circuit-breaker state
// transition. Table naming follows the teacher's sc_llm_* raw-query
// convention (llm/health_monitor.go) rather than a full GORM model
// with associations, since this is a flat append-only log.
type GatewayAuditEvent struct {
	ID         uint      `gorm:"primaryKey"`
	VMID       string    `gorm:"size:100;index"`
	InstanceID string    `gorm:"size:200;index"`
	EventType  string    `gorm:"size:50"` // blacklist_add|blacklist_remove|breaker_open|breaker_close|breaker_half_open
	Reason     string    `gorm:"type:text"`
	CreatedAt  time.Time
}

func (GatewayAuditEvent) TableName() string {
	return "sc_llm_gateway_audit"
}

// AuditSink persists gateway audit events through GORM. A nil DB
// disables persistence; Record becomes a no-op rather than an error,
// the same "optional, injected" contract as GatewayMetrics.
type AuditSink struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewAuditSink builds a sink. db may be nil.
func NewAuditSink(db *gorm.DB, logger *zap.Logger) *AuditSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditSink{db: db, logger: logger}
}

// Record writes one audit event, logging (not returning) any storage
// error since audit persistence must never fail a request.
func (a *AuditSink) Record(ctx context.Context, vmID, instanceID, eventType, reason string) {
	if a == nil || a.db == nil {
		return
	}
	event := GatewayAuditEvent{
		VMID:       vmID,
		InstanceID: instanceID,
		EventType:  eventType,
		Reason:     reason,
		CreatedAt:  time.Now(),
	}
	if err := a.db.WithContext(ctx).Create(&event).Error; err != nil {
		a.logger.Warn("gateway audit sink: write failed",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// ObserverAdapter wraps an AuditSink as an Observer so it can be
// registered alongside (or composed with) a MongoObserver.
type ObserverAdapter struct {
	Sink *AuditSink
}

func (o ObserverAdapter) OnExecution(*ExecutionContext, *Result, time.Duration) {}

func (o ObserverAdapter) OnBlacklist(id InstanceID, reason string, duration time.Duration) {
	o.Sink.Record(context.Background(), "", string(id), "blacklist_add", reason)
}

func (o ObserverAdapter) OnBreakerStateChange(id InstanceID, from, to BreakerState) {
	eventType := "breaker_" + to.String()
	o.Sink.Record(context.Background(), "", string(id), eventType, from.String()+"->"+to.String())
}
