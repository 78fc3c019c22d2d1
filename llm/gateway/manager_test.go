package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/BaSui01/agentflow/llm"
)

func TestSchedulerManager_StartBuildsSchedulersFromTable(t *testing.T) {
	table := NewPipelineTable()
	require.NoError(t, table.Reload(testGatewayConfig(), stubResolver, nil, zap.NewNop()))

	mgr := NewSchedulerManager(table, DefaultSchedulerConfig(), nil, nil, zap.NewNop())
	t.Cleanup(func() { mgr.Shutdown(context.Background(), 1000) })
	require.NoError(t, mgr.Start())

	ids := mgr.VirtualModelIDs()
	assert.Equal(t, []VirtualModelID{"default-chat"}, ids)
}

func TestSchedulerManager_DispatchUnknownVirtualModel(t *testing.T) {
	table := NewPipelineTable()
	mgr := NewSchedulerManager(table, DefaultSchedulerConfig(), nil, nil, zap.NewNop())
	t.Cleanup(func() { mgr.Shutdown(context.Background(), 1000) })
	require.NoError(t, mgr.Start())

	res := mgr.Dispatch(context.Background(), "does-not-exist", &llm.ChatRequest{}, false)
	require.NotNil(t, res.Err)
	assert.Equal(t, CodeUnknownVirtualModel, res.Err.Code)
}

func TestSchedulerManager_DispatchRoutesToScheduler(t *testing.T) {
	table := NewPipelineTable()
	require.NoError(t, table.Reload(testGatewayConfig(), stubResolver, nil, zap.NewNop()))

	mgr := NewSchedulerManager(table, DefaultSchedulerConfig(), nil, nil, zap.NewNop())
	t.Cleanup(func() { mgr.Shutdown(context.Background(), 1000) })
	require.NoError(t, mgr.Start())

	res := mgr.Dispatch(context.Background(), "default-chat", &llm.ChatRequest{Model: "gpt-4o"}, false)
	assert.Nil(t, res.Err)
}

func TestSchedulerManager_BlacklistAndUnblacklist(t *testing.T) {
	table := NewPipelineTable()
	mgr := NewSchedulerManager(table, DefaultSchedulerConfig(), nil, nil, zap.NewNop())
	t.Cleanup(func() { mgr.Shutdown(context.Background(), 1000) })

	mgr.Blacklist(context.Background(), "inst-1", "manual", time.Hour)
	assert.Len(t, mgr.ListBlacklist(), 1)

	mgr.Unblacklist(context.Background(), "inst-1")
	assert.Len(t, mgr.ListBlacklist(), 0)
}

func TestSchedulerManager_ShutdownStopsBackgroundWork(t *testing.T) {
	table := NewPipelineTable()
	mgr := NewSchedulerManager(table, DefaultSchedulerConfig(), nil, nil, zap.NewNop())
	require.NoError(t, mgr.Start())

	err := mgr.Shutdown(context.Background(), 1000)
	assert.NoError(t, err)
}

func TestSchedulerManager_ShutdownIsIdempotent(t *testing.T) {
	table := NewPipelineTable()
	mgr := NewSchedulerManager(table, DefaultSchedulerConfig(), nil, nil, zap.NewNop())
	require.NoError(t, mgr.Shutdown(context.Background(), 1000))
	require.NoError(t, mgr.Shutdown(context.Background(), 1000))
}

func TestSchedulerManager_DispatchAfterStartFails_WhenVirtualModelMissingFromTable(t *testing.T) {
	table := NewPipelineTable()
	require.NoError(t, table.Reload(testGatewayConfig(), stubResolver, nil, zap.NewNop()))
	mgr := NewSchedulerManager(table, DefaultSchedulerConfig(), nil, nil, zap.NewNop())
	t.Cleanup(func() { mgr.Shutdown(context.Background(), 1000) })
	require.NoError(t, mgr.Start())

	res := mgr.Dispatch(context.Background(), "never-configured", &llm.ChatRequest{}, false)
	require.NotNil(t, res.Err)
}

func TestSchedulerManager_WithAuditDBEnablesObserver(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&GatewayAuditEvent{}))

	table := NewPipelineTable()
	mgr := NewSchedulerManager(table, DefaultSchedulerConfig(), nil, db, zap.NewNop())
	t.Cleanup(func() { mgr.Shutdown(context.Background(), 1000) })

	mgr.observer.OnBlacklist("inst-1", "manual", time.Hour)

	var count int64
	db.Model(&GatewayAuditEvent{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestSchedulerManager_Metrics(t *testing.T) {
	table := NewPipelineTable()
	require.NoError(t, table.Reload(testGatewayConfig(), stubResolver, nil, zap.NewNop()))
	mgr := NewSchedulerManager(table, DefaultSchedulerConfig(), nil, nil, zap.NewNop())
	t.Cleanup(func() { mgr.Shutdown(context.Background(), 1000) })

	m := mgr.Metrics("default-chat")
	assert.Len(t, m, 2)
	for _, im := range m {
		assert.Equal(t, "closed", im.BreakerState)
		assert.Zero(t, im.Stats.Requests)
	}
}
