package gateway

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/agentflow/llm"
	"github.com/BaSui01/agentflow/types"
)

// VirtualModelID identifies a virtual model exposed to clients, e.g. "default-chat".
type VirtualModelID string

// InstanceID identifies a single Pipeline Instance within the Pipeline Table.
type InstanceID string

// Target names a concrete (provider, model, credential) triple a
// Pipeline Instance is bound to. KeyIndex is resolved against the
// provider's API key pool at table-build time, not per request.
type Target struct {
	ProviderID string `yaml:"providerId" json:"providerId"`
	ModelID    string `yaml:"modelId" json:"modelId"`
	KeyIndex   int    `yaml:"keyIndex" json:"keyIndex"`

	// Enabled gates this target out of the built Pipeline Table
	// entirely when false. Defaults to true when the field is absent
	// from YAML (see Target.enabled in Reload).
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	// Priority orders targets within a virtual model for strategies
	// that consult it (lower value tried first); unused by
	// round_robin/weighted/least_conn/random, kept for future pickers
	// and for admin-surface display.
	Priority int `yaml:"priority,omitempty" json:"priority,omitempty"`
	// Capabilities tags this target's supported feature set (e.g.
	// "vision", "tools", "json_mode") for future capability-aware
	// routing; not consulted by the built-in pickers.
	Capabilities []string `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	// Weight feeds weightedPicker; lives on the target itself so
	// reordering Targets can never desync it from the wrong instance.
	Weight int `yaml:"weight,omitempty" json:"weight,omitempty"`
}

// IsEnabled reports whether this target should be built into the
// Pipeline Table, defaulting to true when Enabled is unset.
func (t Target) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// dedupeKey identifies a target for the "no duplicate (providerId,
// modelId, keyIndex) within a virtual model" build rule.
func (t Target) dedupeKey() string {
	return t.ProviderID + "/" + t.ModelID + "/" + fmt.Sprint(t.KeyIndex)
}

// AuthKind selects how the Provider stage authenticates outbound calls.
type AuthKind string

const (
	AuthKindAPIKey AuthKind = "api_key"
	AuthKindOAuth2 AuthKind = "oauth2"
	AuthKindNone   AuthKind = "none"
)

// ProviderAuth describes credential resolution for a configured provider.
type ProviderAuth struct {
	Kind         AuthKind `yaml:"kind" json:"kind"`
	TokenURL     string   `yaml:"tokenUrl,omitempty" json:"tokenUrl,omitempty"`
	ClientID     string   `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	ClientSecret string   `yaml:"clientSecret,omitempty" json:"clientSecret,omitempty"`
}

// ErrorCategory groups PipelineError codes for routing decisions in
// the Error Handler Center.
type ErrorCategory string

const (
	CategoryTransient ErrorCategory = "transient"
	CategoryRateLimit ErrorCategory = "rate_limit"
	CategoryAuth      ErrorCategory = "auth"
	CategoryUpstream  ErrorCategory = "upstream"
	CategoryPermanent ErrorCategory = "permanent"
	CategoryInternal  ErrorCategory = "internal"
)

// Stage names a position in the four-stage pipeline chain.
type Stage string

const (
	StageLLMSwitch     Stage = "llmswitch"
	StageWorkflow      Stage = "workflow"
	StageCompatibility Stage = "compatibility"
	StageProvider      Stage = "provider"
)

// Stable gateway error codes, each mapped to a category/HTTP
// status/retryability in classify().
const (
	CodeUnknownVirtualModel types.ErrorCode = "UNKNOWN_VIRTUAL_MODEL"
	CodeNoHealthyInstance   types.ErrorCode = "NO_HEALTHY_INSTANCE"
	CodeBackpressure        types.ErrorCode = "BACKPRESSURE_REJECTED"
	CodeStageConfigInvalid  types.ErrorCode = "STAGE_CONFIG_INVALID"
	CodeStageTransformFail  types.ErrorCode = "STAGE_TRANSFORM_FAILED"
	CodeProviderNetwork     types.ErrorCode = "PROVIDER_NETWORK"
	CodeProviderTimeout     types.ErrorCode = "PROVIDER_TIMEOUT"
	CodeProviderRateLimit   types.ErrorCode = "PROVIDER_RATE_LIMIT"
	CodeProviderAuth        types.ErrorCode = "PROVIDER_AUTH"
	CodeProviderBadRequest  types.ErrorCode = "PROVIDER_BAD_REQUEST"
	CodeProviderServerError types.ErrorCode = "PROVIDER_SERVER_ERROR"
	CodeCancelled           types.ErrorCode = "CANCELLED"
	CodeTimeout             types.ErrorCode = "TIMEOUT"
	CodeInternal            types.ErrorCode = "INTERNAL"
)

// PipelineError is the structured error that flows through the
// pipeline chain and into the Error Handler Center. It embeds the
// framework-wide types.Error so existing callers that only know about
// *types.Error (e.g. llm.IsRetryable) keep working unchanged.
type PipelineError struct {
	*types.Error
	Category ErrorCategory
	Stage    Stage
	Severity string
}

// NewPipelineError builds a PipelineError through the same fluent
// chain types.Error already uses elsewhere in the module.
func NewPipelineError(code types.ErrorCode, message string, category ErrorCategory, stage Stage) *PipelineError {
	return &PipelineError{
		Error:    types.NewError(code, message),
		Category: category,
		Stage:    stage,
		Severity: "error",
	}
}

func (e *PipelineError) WithCauseErr(cause error) *PipelineError {
	e.Error.WithCause(cause)
	return e
}

// classify maps a stable error code to its default category, HTTP
// status and retryability, mirroring the error table in spec §7.
func classify(code types.ErrorCode) (category ErrorCategory, httpStatus int, retryable bool) {
	switch code {
	case CodeUnknownVirtualModel:
		return CategoryPermanent, 404, false
	case CodeNoHealthyInstance:
		return CategoryTransient, 503, true
	case CodeBackpressure:
		return CategoryTransient, 429, true
	case CodeStageConfigInvalid:
		return CategoryPermanent, 500, false
	case CodeStageTransformFail:
		return CategoryPermanent, 400, false
	case CodeProviderNetwork:
		return CategoryTransient, 502, true
	case CodeProviderTimeout:
		return CategoryTransient, 504, true
	case CodeProviderRateLimit:
		return CategoryRateLimit, 429, true
	case CodeProviderAuth:
		return CategoryAuth, 502, false
	case CodeProviderBadRequest:
		return CategoryUpstream, 400, false
	case CodeProviderServerError:
		return CategoryTransient, 502, true
	case CodeCancelled:
		return CategoryInternal, 499, false
	case CodeTimeout:
		return CategoryTransient, 504, true
	default:
		return CategoryInternal, 500, false
	}
}

// NewClassifiedError builds a PipelineError with category/HTTP
// status/retryable already populated from classify().
func NewClassifiedError(code types.ErrorCode, message string, stage Stage) *PipelineError {
	category, status, retryable := classify(code)
	pe := NewPipelineError(code, message, category, stage)
	pe.WithHTTPStatus(status)
	pe.WithRetryable(retryable)
	return pe
}

// ExecutionContext threads state through one request's trip across
// the pipeline chain.
type ExecutionContext struct {
	ID             string
	VirtualModelID VirtualModelID
	Instance       *PipelineInstance
	Request        *llm.ChatRequest
	Streaming      bool
	StartedAt      time.Time
	RetryCount     int
	StageIOs       []StageIO
	Metadata       map[string]string
}

// NewExecutionContext creates an ExecutionContext with a fresh ID.
func NewExecutionContext(vm VirtualModelID, inst *PipelineInstance, req *llm.ChatRequest, streaming bool) *ExecutionContext {
	id := req.TraceID
	if id == "" {
		id = uuid.NewString()
	}
	return &ExecutionContext{
		ID:             id,
		VirtualModelID: vm,
		Instance:       inst,
		Request:        req,
		Streaming:      streaming,
		StartedAt:      time.Now(),
		Metadata:       make(map[string]string),
	}
}

// RecordStage appends a StageIO entry to the context's trace.
func (ec *ExecutionContext) RecordStage(io StageIO) {
	ec.StageIOs = append(ec.StageIOs, io)
}

// StageIO records one stage's observed input/output for tracing and
// for the reverse pass.
type StageIO struct {
	Stage    Stage
	Started  time.Time
	Duration time.Duration
	Err      *PipelineError
}

// Result is the Pipeline Executor's outcome for one request.
type Result struct {
	Response *llm.ChatResponse
	Stream   <-chan llm.StreamChunk
	Err      *PipelineError
}

// Action is what the Error Handler Center tells the Virtual-Model
// Scheduler to do next.
type Action string

const (
	ActionRetry      Action = "retry"
	ActionFailover   Action = "failover"
	ActionBlacklist  Action = "blacklist"
	ActionAbort      Action = "abort"
)

// Decision is the Error Handler Center's verdict for one failure.
type Decision struct {
	Action   Action
	Delay    time.Duration
	Duration time.Duration // blacklist duration, zero means permanent
}
