package main

import (
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/agentflow/api/handlers"
	"github.com/BaSui01/agentflow/llm"
	"github.com/BaSui01/agentflow/llm/gateway"
	"github.com/BaSui01/agentflow/llm/providers/openaicompat"
)

// initGateway loads the gateway config named by cfg.Server.GatewayConfigPath
// (if set), builds a Pipeline Table from it and starts the
// SchedulerManager backing s.gatewayHandler. A nil return with
// s.gatewayHandler left unset means the gateway routes are not
// registered, matching the opt-in shape of the other optional
// subsystems in initHandlers.
func (s *Server) initGateway(auditDB *gorm.DB) error {
	if s.cfg.Server.GatewayConfigPath == "" {
		return nil
	}

	gwCfg, err := gateway.LoadGatewayConfig(s.cfg.Server.GatewayConfigPath)
	if err != nil {
		return fmt.Errorf("load gateway config: %w", err)
	}

	table := gateway.NewPipelineTable()
	if err := table.Reload(gwCfg, openaiCompatResolver(s.logger), nil, s.logger); err != nil {
		return fmt.Errorf("build pipeline table: %w", err)
	}

	s.gatewayManager = gateway.NewSchedulerManager(table, gwCfg.Scheduler, nil, auditDB, s.logger)
	if err := s.gatewayManager.Start(); err != nil {
		return fmt.Errorf("start scheduler manager: %w", err)
	}

	s.gatewayHandler = handlers.NewGatewayHandler(s.gatewayManager, s.logger)
	s.logger.Info("gateway initialized", zap.Strings("virtual_models", virtualModelStrings(s.gatewayManager.VirtualModelIDs())))
	return nil
}

// openaiCompatResolver builds every configured provider on top of
// llm/providers/openaicompat.Provider: the gateway's ProviderStage
// injects the actual per-request API key via llm.WithCredentialOverride,
// so the key baked in here at construction time is only a placeholder
// used for providers that skip the override (never, in this module).
func openaiCompatResolver(logger *zap.Logger) gateway.ProviderResolver {
	return func(providerID string, pc gateway.ProviderConfig) (llm.Provider, error) {
		placeholderKey := ""
		if len(pc.APIKeys) > 0 {
			placeholderKey = pc.APIKeys[0]
		}
		return openaicompat.New(openaicompat.Config{
			ProviderName: providerID,
			APIKey:       placeholderKey,
			BaseURL:      pc.BaseURL,
		}, logger), nil
	}
}

func virtualModelStrings(ids []gateway.VirtualModelID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
