package gateway

import (
	"context"
	"time"

	"github.com/BaSui01/agentflow/llm"
	"github.com/BaSui01/agentflow/llm/tokenizer"
)

// defaultStreamChunkTokens bounds each synthesized chunk when no
// per-virtual-model override is configured.
const defaultStreamChunkTokens = 24

// WorkflowStage (C2.2) reconciles the client's requested response
// shape (streaming or not) against what the bound Target actually
// speaks. When a non-streaming client targets a stream-only instance
// it accumulates chunks into one ChatResponse; when a streaming
// client targets a non-stream-only instance it fragments the full
// response into chunks sized by MaxChunkTokens, optionally paced by
// ChunkDelay to approximate a live token stream (spec §4.2.2).
// Chunk-size accounting uses llm/tokenizer (tiktoken-go-backed) for an
// approximate token count per fragment — no provider wire framing is
// otherwise validated (see DESIGN.md).
type WorkflowStage struct {
	MaxChunkTokens int
	ChunkDelay     time.Duration
}

// NewWorkflowStage builds a stage with the given chunk-size budget (0
// falls back to defaultStreamChunkTokens) and inter-chunk delay (0
// sends chunks back to back).
func NewWorkflowStage(maxChunkTokens int, chunkDelay time.Duration) *WorkflowStage {
	if maxChunkTokens <= 0 {
		maxChunkTokens = defaultStreamChunkTokens
	}
	return &WorkflowStage{MaxChunkTokens: maxChunkTokens, ChunkDelay: chunkDelay}
}

func (s *WorkflowStage) Name() Stage { return StageWorkflow }

func (s *WorkflowStage) Forward(ctx context.Context, ec *ExecutionContext) error {
	return nil
}

func (s *WorkflowStage) Reverse(ctx context.Context, ec *ExecutionContext, res *Result) error {
	if res == nil || res.Err != nil {
		return nil
	}

	switch {
	case ec.Streaming && res.Stream == nil && res.Response != nil:
		res.Stream = s.fragmentStream(ctx, res.Response)
	case !ec.Streaming && res.Response == nil && res.Stream != nil:
		merged, err := accumulate(res.Stream)
		if err != nil {
			return NewClassifiedError(CodeStageTransformFail, "workflow: "+err.Error(), StageWorkflow).WithCauseErr(err)
		}
		res.Response = merged
		res.Stream = nil
	}
	return nil
}

// fragmentStream splits a full response's content into multiple
// StreamChunks sized to at most MaxChunkTokens each, pacing delivery
// by ChunkDelay when set. A client streaming against a non-stream
// target still sees incremental deltas instead of one giant chunk.
func (s *WorkflowStage) fragmentStream(ctx context.Context, resp *llm.ChatResponse) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk, 1)

	var msg llm.Message
	finish := ""
	if len(resp.Choices) > 0 {
		msg = resp.Choices[0].Message
		finish = resp.Choices[0].FinishReason
	}

	pieces := splitIntoChunks(resp.Model, msg.Content, s.MaxChunkTokens)
	if len(pieces) == 0 {
		pieces = []string{""}
	}

	go func() {
		defer close(ch)
		for i, piece := range pieces {
			delta := llm.Message{Content: piece}
			if i == 0 {
				delta.Role = msg.Role
				delta.Name = msg.Name
			}
			last := i == len(pieces)-1
			chunk := llm.StreamChunk{
				ID:       resp.ID,
				Provider: resp.Provider,
				Model:    resp.Model,
				Delta:    delta,
			}
			if last {
				chunk.FinishReason = finish
				chunk.Usage = &resp.Usage
				if len(msg.ToolCalls) > 0 {
					chunk.Delta.ToolCalls = msg.ToolCalls
				}
			}
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
			if !last && s.ChunkDelay > 0 {
				select {
				case <-time.After(s.ChunkDelay):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch
}

// splitIntoChunks breaks text into pieces whose estimated token count
// stays at or under maxTokens, splitting on word boundaries so a
// fragment never cuts a word in half.
func splitIntoChunks(model, text string, maxTokens int) []string {
	if text == "" {
		return nil
	}
	if maxTokens <= 0 || estimateTokens(model, text) <= maxTokens {
		return []string{text}
	}

	var chunks []string
	var current string
	words := splitKeepingSpaces(text)
	for _, w := range words {
		candidate := current + w
		if current != "" && estimateTokens(model, candidate) > maxTokens {
			chunks = append(chunks, current)
			current = w
			continue
		}
		current = candidate
	}
	if current != "" {
		chunks = append(chunks, current)
	}
	return chunks
}

// splitKeepingSpaces tokenizes text into words with their trailing
// whitespace attached, so joining the pieces back together recovers
// the original string exactly.
func splitKeepingSpaces(text string) []string {
	var words []string
	start := 0
	for i, r := range text {
		if r == ' ' || r == '\n' || r == '\t' {
			words = append(words, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		words = append(words, text[start:])
	}
	return words
}

// accumulate drains a stream into a single ChatResponse for a client
// that asked for a non-streaming result against a stream-only target.
func accumulate(stream <-chan llm.StreamChunk) (*llm.ChatResponse, error) {
	resp := &llm.ChatResponse{}
	var content string
	var role llm.Role
	finishReason := ""

	for chunk := range stream {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		if resp.ID == "" {
			resp.ID = chunk.ID
			resp.Provider = chunk.Provider
			resp.Model = chunk.Model
		}
		content += chunk.Delta.Content
		if chunk.Delta.Role != "" {
			role = chunk.Delta.Role
		}
		if chunk.FinishReason != "" {
			finishReason = chunk.FinishReason
		}
		if chunk.Usage != nil {
			resp.Usage = *chunk.Usage
		}
	}

	resp.Choices = []llm.ChatChoice{{
		Index:        0,
		FinishReason: finishReason,
		Message:      llm.Message{Role: role, Content: content},
	}}
	return resp, nil
}

// estimateTokens approximates a delta's token cost using the
// tiktoken-go-backed tokenizer registry, falling back to the
// registry's length-based estimator for unknown models.
func estimateTokens(model, text string) int {
	t := tokenizer.GetTokenizerOrEstimator(model)
	n, err := t.CountTokens(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}
