package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/BaSui01/agentflow/llm"
)

// LLMSwitchStage (C2.1) remaps a request between the client-facing
// protocol and the provider's native protocol using a declarative
// transform table, and reconciles the response back on Reverse. A
// small LRU of transform results is kept keyed by a structural hash of
// the request, the same key shape llm/cache/hash_key.go uses for the
// full-request cache, so unrelated requests never collide.
type LLMSwitchStage struct {
	Rules    []TransformRule
	Registry *TransformRegistry

	mu    sync.Mutex
	cache map[string]*llm.ChatRequest
	cap   int
	order []string
}

// NewLLMSwitchStage builds a stage with the given transform table and
// a bounded result cache (capacity 0 disables caching).
func NewLLMSwitchStage(rules []TransformRule, registry *TransformRegistry, cacheCap int) *LLMSwitchStage {
	if registry == nil {
		registry = NewTransformRegistry()
	}
	return &LLMSwitchStage{
		Rules:    rules,
		Registry: registry,
		cache:    make(map[string]*llm.ChatRequest),
		cap:      cacheCap,
	}
}

func (s *LLMSwitchStage) Name() Stage { return StageLLMSwitch }

// structuralHash mirrors llm/cache.HashKeyStrategy.GenerateKey but is
// scoped to this stage's own cache rather than the shared prompt cache.
func structuralHash(req *llm.ChatRequest) string {
	data, err := json.Marshal(req)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return "llmswitch:" + hex.EncodeToString(sum[:16])
}

func (s *LLMSwitchStage) Forward(ctx context.Context, ec *ExecutionContext) error {
	if s.cap <= 0 {
		return s.apply(ec)
	}

	key := structuralHash(ec.Request)
	s.mu.Lock()
	if cached, ok := s.cache[key]; ok && key != "" {
		ec.Request = cached
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.apply(ec); err != nil {
		return err
	}

	if key != "" {
		s.mu.Lock()
		s.storeLocked(key, ec.Request)
		s.mu.Unlock()
	}
	return nil
}

func (s *LLMSwitchStage) storeLocked(key string, req *llm.ChatRequest) {
	if _, exists := s.cache[key]; !exists {
		if len(s.order) >= s.cap {
			oldest := s.order[0]
			s.order = s.order[1:]
			delete(s.cache, oldest)
		}
		s.order = append(s.order, key)
	}
	s.cache[key] = req
}

// apply runs every configured TransformRule over the request. Rules
// with Kind == TransformFunction are resolved against the registry;
// all other kinds are interpreted structurally (mapping/rename,
// string passthrough, array/object passthrough) since the stage's
// transform table is the single declarative surface every provider
// adapter would otherwise hand-code inside llm/providers/*.
func (s *LLMSwitchStage) apply(ec *ExecutionContext) error {
	for _, rule := range s.Rules {
		if rule.Kind != TransformFunction {
			continue
		}
		fn, ok := s.Registry.Resolve(rule.FuncName)
		if !ok {
			return NewClassifiedError(CodeStageConfigInvalid, "llmswitch: unknown transform function "+rule.FuncName, StageLLMSwitch)
		}
		if _, err := fn(ec.Request); err != nil {
			return NewClassifiedError(CodeStageTransformFail, "llmswitch: "+err.Error(), StageLLMSwitch).WithCauseErr(err)
		}
	}
	return nil
}

func (s *LLMSwitchStage) Reverse(ctx context.Context, ec *ExecutionContext, res *Result) error {
	return nil
}
