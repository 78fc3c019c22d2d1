package gateway

import "context"

// StageHandler is one link of the four-stage pipeline chain. Forward
// runs on the way to the provider, Reverse runs on the way back
// (in reverse stage order), mirroring a request/response transform
// pair rather than a single round trip.
type StageHandler interface {
	Name() Stage
	Forward(ctx context.Context, ec *ExecutionContext) error
	Reverse(ctx context.Context, ec *ExecutionContext, res *Result) error
}

// TransformFunc is a named, reusable value transform applied to a
// field reached by a dotted path (e.g. "messages.0.content").
// Registered functions are the LLMSwitch stage's building blocks for
// declarative protocol remapping, the same way
// llm/middleware.TransformMiddleware composes named transforms.
type TransformFunc func(value any) (any, error)

// TransformKind classifies a transform-table entry the way spec.md §4.2
// enumerates (mapping/string/array/object/function/validation).
type TransformKind string

const (
	TransformMapping    TransformKind = "mapping"
	TransformString     TransformKind = "string"
	TransformArray      TransformKind = "array"
	TransformObject     TransformKind = "object"
	TransformFunction    TransformKind = "function"
	TransformValidation TransformKind = "validation"
)

// TransformRule is one entry of a LLMSwitch transform table: read
// SourcePath, apply Fn (resolved from a registry by Name when Kind is
// TransformFunction, or a field-mapping table otherwise), write to
// DestPath.
type TransformRule struct {
	Kind       TransformKind
	SourcePath string
	DestPath   string
	FuncName   string
	Mapping    map[string]any
}

// TransformRegistry resolves FuncName to a TransformFunc. The default
// registry (see llmswitch.go) covers the common "rename/invert/
// constant/drop" cases every provider adapter in llm/providers/*
// otherwise hand-codes.
type TransformRegistry struct {
	funcs map[string]TransformFunc
}

// NewTransformRegistry builds a registry preloaded with the built-in
// transforms used by llmswitch.go's default tables.
func NewTransformRegistry() *TransformRegistry {
	r := &TransformRegistry{funcs: make(map[string]TransformFunc)}
	r.Register("identity", func(v any) (any, error) { return v, nil })
	return r
}

// Register adds or replaces a named transform function.
func (r *TransformRegistry) Register(name string, fn TransformFunc) {
	r.funcs[name] = fn
}

// Resolve looks up a registered transform function by name.
func (r *TransformRegistry) Resolve(name string) (TransformFunc, bool) {
	fn, ok := r.funcs[name]
	return fn, ok
}
