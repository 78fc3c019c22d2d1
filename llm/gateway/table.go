package gateway

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/llm"
)

// PipelineTable (C1) is the immutable, config-derived map from
// virtual model to its pipeline instances. It is built once by
// BuildPipelineTable and swapped atomically on reload — nothing on
// the request path ever mutates it, matching the
// llm/config/policy.go: PolicyManager.Update rebuild-then-swap idiom.
type PipelineTable struct {
	snapshot atomic.Pointer[tableSnapshot]
}

type tableSnapshot struct {
	instances map[VirtualModelID][]*PipelineInstance
	vmConfigs map[VirtualModelID]VirtualModelConfig
}

// ProviderResolver supplies the llm.Provider bound to a ProviderConfig
// at table-build time (e.g. via llm/factory.NewProviderFromConfig).
type ProviderResolver func(providerID string, pc ProviderConfig) (llm.Provider, error)

// NewPipelineTable builds an empty table; call Reload to populate it.
func NewPipelineTable() *PipelineTable {
	t := &PipelineTable{}
	t.snapshot.Store(&tableSnapshot{
		instances: make(map[VirtualModelID][]*PipelineInstance),
		vmConfigs: make(map[VirtualModelID]VirtualModelConfig),
	})
	return t
}

// Reload compiles cfg into a fresh snapshot and atomically swaps it
// in. An error leaves the previously active snapshot untouched.
func (t *PipelineTable) Reload(cfg *GatewayConfig, resolver ProviderResolver, registry *TransformRegistry, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = NewTransformRegistry()
	}

	next := &tableSnapshot{
		instances: make(map[VirtualModelID][]*PipelineInstance),
		vmConfigs: make(map[VirtualModelID]VirtualModelConfig),
	}

	for vmName, vmCfg := range cfg.VirtualModels {
		vmID := VirtualModelID(vmName)
		if !vmCfg.IsEnabled() {
			continue
		}
		next.vmConfigs[vmID] = vmCfg

		seen := make(map[string]int) // dedupeKey -> target index, for duplicate-target error messages
		instances := make([]*PipelineInstance, 0, len(vmCfg.Targets))
		for i, target := range vmCfg.Targets {
			if !target.IsEnabled() {
				continue
			}

			key := target.dedupeKey()
			if prior, dup := seen[key]; dup {
				return fmt.Errorf("pipeline table: virtual model %q targets %d and %d both resolve to provider %q model %q keyIndex %d", vmName, prior, i, target.ProviderID, target.ModelID, target.KeyIndex)
			}
			seen[key] = i

			providerCfg, ok := cfg.Providers[target.ProviderID]
			if !ok {
				return fmt.Errorf("pipeline table: virtual model %q target %d references unknown provider %q", vmName, i, target.ProviderID)
			}

			provider, err := resolver(target.ProviderID, providerCfg)
			if err != nil {
				return fmt.Errorf("pipeline table: resolve provider %q: %w", target.ProviderID, err)
			}

			apiKey := resolveKeyIndex(providerCfg, target.KeyIndex)

			weight := target.Weight
			if weight <= 0 {
				weight = 1
			}

			inst := &PipelineInstance{
				ID:            instanceID(vmID, target),
				VMID:          vmID,
				Target:        target,
				Weight:        weight,
				Provider:      provider,
				LLMSwitch:     NewLLMSwitchStage(nil, registry, 256),
				Workflow:      NewWorkflowStage(vmCfg.StreamChunkTokens, vmCfg.StreamChunkDelay),
				Compatibility: NewCompatibilityStage(nil, nil),
				ProviderStage: NewProviderStage(providerCfg.Auth, apiKey, nil),
				Stats:         &InstanceStats{},
			}
			instances = append(instances, inst)
		}
		next.instances[vmID] = instances
	}

	t.snapshot.Store(next)
	logger.Info("pipeline table reloaded", zap.Int("virtual_models", len(next.instances)))
	return nil
}

// resolveKeyIndex picks the API key baked into a Pipeline Instance at
// build time — rotation across a provider's key pool happens here,
// once, rather than per request (see SPEC_FULL.md §4 supplement 1).
func resolveKeyIndex(pc ProviderConfig, keyIndex int) string {
	if len(pc.APIKeys) == 0 {
		return ""
	}
	if keyIndex < 0 || keyIndex >= len(pc.APIKeys) {
		keyIndex = keyIndex % len(pc.APIKeys)
		if keyIndex < 0 {
			keyIndex += len(pc.APIKeys)
		}
	}
	return pc.APIKeys[keyIndex]
}

// InstancesFor returns the current instance set for a virtual model.
func (t *PipelineTable) InstancesFor(vmID VirtualModelID) []*PipelineInstance {
	return t.snapshot.Load().instances[vmID]
}

// VirtualModelConfig returns the config a virtual model was built
// from, for the admin listing endpoint.
func (t *PipelineTable) VirtualModelConfig(vmID VirtualModelID) (VirtualModelConfig, bool) {
	cfg, ok := t.snapshot.Load().vmConfigs[vmID]
	return cfg, ok
}

// VirtualModelIDs lists every configured virtual model.
func (t *PipelineTable) VirtualModelIDs() []VirtualModelID {
	snap := t.snapshot.Load()
	ids := make([]VirtualModelID, 0, len(snap.instances))
	for id := range snap.instances {
		ids = append(ids, id)
	}
	return ids
}
