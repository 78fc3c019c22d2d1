package gateway

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/llm"
)

func testGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		Providers: map[string]ProviderConfig{
			"openai": {Code: "openai", Auth: ProviderAuth{Kind: AuthKindAPIKey}, APIKeys: []string{"key-a", "key-b"}},
		},
		VirtualModels: map[string]VirtualModelConfig{
			"default-chat": {
				Targets: []Target{
					{ProviderID: "openai", ModelID: "gpt-4o", KeyIndex: 0},
					{ProviderID: "openai", ModelID: "gpt-4o-mini", KeyIndex: 1},
				},
				Strategy: "round_robin",
			},
		},
	}
}

func stubResolver(providerID string, pc ProviderConfig) (llm.Provider, error) {
	return &fakeProvider{id: providerID}, nil
}

func TestPipelineTable_ReloadBuildsInstances(t *testing.T) {
	table := NewPipelineTable()
	err := table.Reload(testGatewayConfig(), stubResolver, nil, zap.NewNop())
	require.NoError(t, err)

	instances := table.InstancesFor("default-chat")
	require.Len(t, instances, 2)
	assert.Equal(t, "gpt-4o", instances[0].Target.ModelID)
	assert.Equal(t, "key-a", instances[0].ProviderStage.APIKey)
	assert.Equal(t, "key-b", instances[1].ProviderStage.APIKey)
}

func TestPipelineTable_ReloadRejectsUnknownProvider(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.VirtualModels["broken"] = VirtualModelConfig{Targets: []Target{{ProviderID: "does-not-exist"}}}

	table := NewPipelineTable()
	err := table.Reload(cfg, stubResolver, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestPipelineTable_ReloadSkipsDisabledTarget(t *testing.T) {
	disabled := false
	cfg := testGatewayConfig()
	vm := cfg.VirtualModels["default-chat"]
	vm.Targets[1].Enabled = &disabled
	cfg.VirtualModels["default-chat"] = vm

	table := NewPipelineTable()
	require.NoError(t, table.Reload(cfg, stubResolver, nil, zap.NewNop()))

	instances := table.InstancesFor("default-chat")
	require.Len(t, instances, 1)
	assert.Equal(t, "gpt-4o", instances[0].Target.ModelID)
}

func TestPipelineTable_ReloadSkipsDisabledVirtualModel(t *testing.T) {
	disabled := false
	cfg := testGatewayConfig()
	vm := cfg.VirtualModels["default-chat"]
	vm.Enabled = &disabled
	cfg.VirtualModels["default-chat"] = vm

	table := NewPipelineTable()
	require.NoError(t, table.Reload(cfg, stubResolver, nil, zap.NewNop()))

	assert.Empty(t, table.InstancesFor("default-chat"))
	assert.NotContains(t, table.VirtualModelIDs(), VirtualModelID("default-chat"))
}

func TestPipelineTable_ReloadRejectsDuplicateTarget(t *testing.T) {
	cfg := testGatewayConfig()
	vm := cfg.VirtualModels["default-chat"]
	vm.Targets = append(vm.Targets, Target{ProviderID: "openai", ModelID: "gpt-4o", KeyIndex: 0})
	cfg.VirtualModels["default-chat"] = vm

	table := NewPipelineTable()
	err := table.Reload(cfg, stubResolver, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestPipelineTable_ReloadPropagatesResolverError(t *testing.T) {
	resolverErr := errors.New("provider unreachable")
	resolver := func(providerID string, pc ProviderConfig) (llm.Provider, error) {
		return nil, resolverErr
	}

	table := NewPipelineTable()
	err := table.Reload(testGatewayConfig(), resolver, nil, zap.NewNop())
	assert.ErrorIs(t, err, resolverErr)
}

func TestPipelineTable_ReloadLeavesPreviousSnapshotOnError(t *testing.T) {
	table := NewPipelineTable()
	require.NoError(t, table.Reload(testGatewayConfig(), stubResolver, nil, zap.NewNop()))
	before := table.InstancesFor("default-chat")

	badCfg := testGatewayConfig()
	vmCfg := badCfg.VirtualModels["default-chat"]
	vmCfg.Targets[0].ProviderID = "missing"
	badCfg.VirtualModels["default-chat"] = vmCfg
	err := table.Reload(badCfg, stubResolver, nil, zap.NewNop())
	require.Error(t, err)

	after := table.InstancesFor("default-chat")
	assert.Equal(t, before, after)
}

func TestPipelineTable_VirtualModelConfig(t *testing.T) {
	table := NewPipelineTable()
	require.NoError(t, table.Reload(testGatewayConfig(), stubResolver, nil, zap.NewNop()))

	cfg, ok := table.VirtualModelConfig("default-chat")
	assert.True(t, ok)
	assert.Equal(t, "round_robin", cfg.Strategy)

	_, ok = table.VirtualModelConfig("nope")
	assert.False(t, ok)
}

func TestPipelineTable_VirtualModelIDs(t *testing.T) {
	table := NewPipelineTable()
	require.NoError(t, table.Reload(testGatewayConfig(), stubResolver, nil, zap.NewNop()))
	assert.Equal(t, []VirtualModelID{"default-chat"}, table.VirtualModelIDs())
}

func TestResolveKeyIndex_WrapsOutOfRange(t *testing.T) {
	pc := ProviderConfig{APIKeys: []string{"a", "b", "c"}}
	assert.Equal(t, "a", resolveKeyIndex(pc, 0))
	assert.Equal(t, "a", resolveKeyIndex(pc, 3))
	assert.Equal(t, "b", resolveKeyIndex(pc, -2))
}

func TestResolveKeyIndex_EmptyPoolReturnsEmpty(t *testing.T) {
	assert.Equal(t, "", resolveKeyIndex(ProviderConfig{}, 0))
}

func TestGatewayConfig_Validate(t *testing.T) {
	valid := testGatewayConfig()
	assert.NoError(t, valid.Validate())

	noVMs := &GatewayConfig{}
	assert.Error(t, noVMs.Validate())

	noTargets := testGatewayConfig()
	noTargets.VirtualModels["default-chat"] = VirtualModelConfig{}
	assert.Error(t, noTargets.Validate())
}

func TestDefaultSchedulerConfig(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	assert.Equal(t, 5, cfg.CircuitBreaker.Threshold)
	assert.Equal(t, 30*time.Second, cfg.CircuitBreaker.RecoveryTimeout)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
}
