package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/api"
	"github.com/BaSui01/agentflow/llm"
	"github.com/BaSui01/agentflow/llm/gateway"
	"github.com/BaSui01/agentflow/types"
)

// =============================================================================
// 🚪 网关接口 Handler
// =============================================================================

// virtualModelHeader lets a caller pin a request to a virtual model
// without encoding it in the body's model field.
const virtualModelHeader = "X-RCC-Virtual-Model"

// GatewayHandler adapts incoming HTTP chat requests onto a
// gateway.SchedulerManager dispatch, the same role ChatHandler plays
// for a single bound llm.Provider.
type GatewayHandler struct {
	manager *gateway.SchedulerManager
	logger  *zap.Logger
}

// NewGatewayHandler creates a gateway-backed chat handler.
func NewGatewayHandler(manager *gateway.SchedulerManager, logger *zap.Logger) *GatewayHandler {
	return &GatewayHandler{manager: manager, logger: logger}
}

// HandleCompletion dispatches one non-streaming chat request through
// the scheduler manager.
// @Summary 网关聊天完成
// @Description 通过虚拟模型调度到某个健康的后端实例
// @Tags 网关
// @Accept json
// @Produce json
// @Param request body api.ChatRequest true "聊天请求"
// @Success 200 {object} api.ChatResponse
// @Failure 400 {object} Response
// @Failure 500 {object} Response
// @Router /v1/chat/completions [post]
func (h *GatewayHandler) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.ChatRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if err := h.validateChatRequest(&req); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	vmID := h.resolveVirtualModel(r, req.Model)
	llmReq := h.convertToLLMRequest(&req)

	ctx := r.Context()
	start := time.Now()
	res := h.manager.Dispatch(ctx, vmID, llmReq, false)
	duration := time.Since(start)

	if res.Err != nil {
		WriteError(w, res.Err.Error, h.logger)
		return
	}

	apiResp := h.convertToAPIResponse(res.Response)
	h.logger.Info("gateway dispatch",
		zap.String("virtual_model", string(vmID)),
		zap.Int("prompt_tokens", res.Response.Usage.PromptTokens),
		zap.Int("completion_tokens", res.Response.Usage.CompletionTokens),
		zap.Duration("duration", duration),
	)
	WriteSuccess(w, apiResp)
}

// HandleStream dispatches one streaming chat request and relays the
// resulting channel to the client as SSE, mirroring
// ChatHandler.HandleStream's framing.
// @Summary 网关流式聊天
// @Tags 网关
// @Accept json
// @Produce text/event-stream
// @Param request body api.ChatRequest true "聊天请求"
// @Success 200 {string} string "SSE 流"
// @Router /v1/chat/completions/stream [post]
func (h *GatewayHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.ChatRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if err := h.validateChatRequest(&req); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	vmID := h.resolveVirtualModel(r, req.Model)
	llmReq := h.convertToLLMRequest(&req)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	res := h.manager.Dispatch(r.Context(), vmID, llmReq, true)
	if res.Err != nil {
		WriteError(w, res.Err.Error, h.logger)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		err := types.NewError(types.ErrInternalError, "streaming not supported")
		WriteError(w, err, h.logger)
		return
	}

	for chunk := range res.Stream {
		if chunk.Err != nil {
			h.logger.Error("gateway stream error", zap.Error(chunk.Err))
			errPayload, _ := json.Marshal(map[string]string{"error": chunk.Err.Message})
			w.Write([]byte("event: error\n"))
			w.Write([]byte("data: "))
			w.Write(errPayload)
			w.Write([]byte("\n\n"))
			flusher.Flush()
			return
		}

		apiChunk := h.convertToAPIStreamChunk(&chunk)
		w.Write([]byte("data: "))
		if err := writeJSON(w, apiChunk); err != nil {
			h.logger.Error("failed to write chunk", zap.Error(err))
			return
		}
		w.Write([]byte("\n\n"))
		flusher.Flush()
	}

	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

// =============================================================================
// 🔧 管理端点
// =============================================================================

// HandleListVirtualModels lists every virtual model the gateway is
// currently configured to serve.
// @Summary 列出虚拟模型
// @Tags 网关管理
// @Produce json
// @Success 200 {object} Response
// @Router /v1/admin/gateway/virtual-models [get]
func (h *GatewayHandler) HandleListVirtualModels(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.manager.VirtualModelIDs())
}

// HandleVirtualModelMetrics returns a point-in-time per-instance
// breaker-state snapshot for one virtual model, read off the path
// segment following .../virtual-models/.
// @Summary 虚拟模型健康快照
// @Tags 网关管理
// @Produce json
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Router /v1/admin/gateway/virtual-models/{id}/metrics [get]
func (h *GatewayHandler) HandleVirtualModelMetrics(w http.ResponseWriter, r *http.Request) {
	vmID, ok := pathSegment(r.URL.Path, "/v1/admin/gateway/virtual-models/", "/metrics")
	if !ok {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "missing virtual model id", h.logger)
		return
	}
	WriteSuccess(w, h.manager.Metrics(gateway.VirtualModelID(vmID)))
}

// blacklistRequest is the body HandleBlacklistAdd expects.
type blacklistRequest struct {
	InstanceID string `json:"instance_id"`
	Reason     string `json:"reason"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// HandleBlacklistAdd adds an instance to the exclusion set, optionally
// time-bounded; DurationMS of zero blacklists permanently.
// @Summary 加入黑名单
// @Tags 网关管理
// @Accept json
// @Produce json
// @Param request body blacklistRequest true "黑名单请求"
// @Success 200 {object} Response
// @Router /v1/admin/gateway/blacklist [post]
func (h *GatewayHandler) HandleBlacklistAdd(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req blacklistRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.InstanceID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "instance_id is required", h.logger)
		return
	}

	h.manager.Blacklist(r.Context(), gateway.InstanceID(req.InstanceID), req.Reason, time.Duration(req.DurationMS)*time.Millisecond)
	WriteSuccess(w, map[string]string{"status": "blacklisted"})
}

// HandleBlacklistRemove clears an instance's exclusion entry, read off
// the path segment following .../blacklist/.
// @Summary 移出黑名单
// @Tags 网关管理
// @Produce json
// @Success 200 {object} Response
// @Router /v1/admin/gateway/blacklist/{instanceId} [delete]
func (h *GatewayHandler) HandleBlacklistRemove(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/admin/gateway/blacklist/")
	if id == "" || id == r.URL.Path {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "missing instance id", h.logger)
		return
	}
	h.manager.Unblacklist(r.Context(), gateway.InstanceID(id))
	WriteSuccess(w, map[string]string{"status": "unblacklisted"})
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// resolveVirtualModel extracts the target virtual model id, preferring
// the X-RCC-Virtual-Model header over the request body's model field,
// per the routing precedence the gateway's HTTP shim defines.
func (h *GatewayHandler) resolveVirtualModel(r *http.Request, bodyModel string) gateway.VirtualModelID {
	if v := r.Header.Get(virtualModelHeader); v != "" {
		return gateway.VirtualModelID(v)
	}
	return gateway.VirtualModelID(bodyModel)
}

// pathSegment extracts the path segment between prefix and suffix,
// e.g. pathSegment("/a/b/metrics", "/a/", "/metrics") -> ("b", true).
func pathSegment(path, prefix, suffix string) (string, bool) {
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return "", false
	}
	seg := strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix)
	if seg == "" || strings.Contains(seg, "/") {
		return "", false
	}
	return seg, true
}

func (h *GatewayHandler) validateChatRequest(req *api.ChatRequest) *types.Error {
	if req.Model == "" {
		return types.NewError(types.ErrInvalidRequest, "model is required")
	}
	if len(req.Messages) == 0 {
		return types.NewError(types.ErrInvalidRequest, "messages cannot be empty")
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		return types.NewError(types.ErrInvalidRequest, "temperature must be between 0 and 2")
	}
	if req.TopP < 0 || req.TopP > 1 {
		return types.NewError(types.ErrInvalidRequest, "top_p must be between 0 and 1")
	}
	return nil
}

func (h *GatewayHandler) convertToLLMRequest(req *api.ChatRequest) *llm.ChatRequest {
	timeout := 30 * time.Second
	if req.Timeout != "" {
		if d, err := time.ParseDuration(req.Timeout); err == nil {
			timeout = d
		}
	}

	messages := make([]types.Message, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = types.Message{
			Role:       types.Role(msg.Role),
			Content:    msg.Content,
			Name:       msg.Name,
			ToolCalls:  msg.ToolCalls,
			ToolCallID: msg.ToolCallID,
		}
	}

	tools := make([]types.ToolSchema, len(req.Tools))
	for i, tool := range req.Tools {
		tools[i] = types.ToolSchema{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Parameters,
		}
	}

	return &llm.ChatRequest{
		TraceID:     req.TraceID,
		TenantID:    req.TenantID,
		UserID:      req.UserID,
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Tools:       tools,
		ToolChoice:  req.ToolChoice,
		Timeout:     timeout,
		Metadata:    req.Metadata,
		Tags:        req.Tags,
	}
}

func (h *GatewayHandler) convertToAPIResponse(resp *llm.ChatResponse) *api.ChatResponse {
	return &api.ChatResponse{
		ID:        resp.ID,
		Provider:  resp.Provider,
		Model:     resp.Model,
		Choices:   h.convertChoices(resp.Choices),
		Usage:     api.ChatUsage{PromptTokens: resp.Usage.PromptTokens, CompletionTokens: resp.Usage.CompletionTokens, TotalTokens: resp.Usage.TotalTokens},
		CreatedAt: resp.CreatedAt,
	}
}

func (h *GatewayHandler) convertChoices(choices []llm.ChatChoice) []api.ChatChoice {
	result := make([]api.ChatChoice, len(choices))
	for i, choice := range choices {
		result[i] = api.ChatChoice{
			Index:        choice.Index,
			FinishReason: choice.FinishReason,
			Message: api.Message{
				Role:       string(choice.Message.Role),
				Content:    choice.Message.Content,
				Name:       choice.Message.Name,
				ToolCalls:  choice.Message.ToolCalls,
				ToolCallID: choice.Message.ToolCallID,
			},
		}
	}
	return result
}

func (h *GatewayHandler) convertToAPIStreamChunk(chunk *llm.StreamChunk) *api.StreamChunk {
	return &api.StreamChunk{
		ID:       chunk.ID,
		Provider: chunk.Provider,
		Model:    chunk.Model,
		Index:    chunk.Index,
		Delta: api.Message{
			Role:       string(chunk.Delta.Role),
			Content:    chunk.Delta.Content,
			Name:       chunk.Delta.Name,
			ToolCalls:  chunk.Delta.ToolCalls,
			ToolCallID: chunk.Delta.ToolCallID,
		},
		FinishReason: chunk.FinishReason,
		Usage:        convertStreamUsage(chunk.Usage),
	}
}
