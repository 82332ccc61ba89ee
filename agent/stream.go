// ABOUTME: Streaming response accumulator that consumes LLM stream events into an llm.Response.
// ABOUTME: Provides consumeStream (maps stream events to session events) and buildResponseFromStream.

package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/2389-research/conductor/llm"
)

// streamAccumulator gathers incremental stream data so it can be assembled into
// a complete llm.Response once the stream finishes.
type streamAccumulator struct {
	textBuf      string
	reasoningBuf string

	// Tool call state: the current tool call being built from deltas
	toolCalls       []llm.ToolCallData
	currentToolID   string
	currentToolName string
	currentToolArgs string

	finishReason *llm.FinishReason
	usage        *llm.Usage

	// Metadata that may arrive in a finish event's embedded Response
	responseID string
	model      string
	provider   string
}

// mergeUsage folds a Usage fragment into the accumulator's running total.
// Some providers split usage across events (e.g. input tokens on the start
// event, output tokens on the finish event), so later non-zero fields
// overwrite earlier ones rather than replacing the whole struct.
func (a *streamAccumulator) mergeUsage(u *llm.Usage) {
	if u == nil {
		return
	}
	if a.usage == nil {
		a.usage = &llm.Usage{}
	}
	if u.InputTokens != 0 {
		a.usage.InputTokens = u.InputTokens
	}
	if u.OutputTokens != 0 {
		a.usage.OutputTokens = u.OutputTokens
	}
	a.usage.TotalTokens = a.usage.InputTokens + a.usage.OutputTokens
	if u.ReasoningTokens != nil {
		a.usage.ReasoningTokens = u.ReasoningTokens
	}
	if u.CacheReadTokens != nil {
		a.usage.CacheReadTokens = u.CacheReadTokens
	}
	if u.CacheWriteTokens != nil {
		a.usage.CacheWriteTokens = u.CacheWriteTokens
	}
}

// consumeStream reads all events from the stream channel, emits a session event
// for each stream start, text delta, reasoning delta and tool-call start (other
// stream events are accumulated without emitting one), and accumulates stream
// data into an *llm.Response.
//
// Returns an error if the context is cancelled or the stream sends an error event.
func consumeStream(ctx context.Context, session *Session, stream <-chan llm.StreamEvent) (*llm.Response, error) {
	acc := &streamAccumulator{}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case ev, ok := <-stream:
			if !ok {
				// Channel closed: build response from what we have
				return buildResponseFromStream(acc), nil
			}

			switch ev.Type {
			case llm.StreamStart:
				acc.mergeUsage(ev.Usage)
				session.Emit(EventAssistantTextStart, nil)

			case llm.StreamTextStart:
				// Covered by the StreamStart -> ASSISTANT_TEXT_START mapping above.

			case llm.StreamTextDelta:
				acc.textBuf += ev.Delta
				session.Emit(EventAssistantTextDelta, map[string]any{
					"text": ev.Delta,
				})

			case llm.StreamTextEnd:
				// Terminal marker only; text already emitted per delta above.

			case llm.StreamReasonStart:
				// Reasoning block starting; nothing to flush.

			case llm.StreamReasonDelta:
				acc.reasoningBuf += ev.ReasoningDelta
				session.Emit(EventThinkingDelta, map[string]any{"text": ev.ReasoningDelta})

			case llm.StreamReasonEnd:
				// Reasoning block complete

			case llm.StreamToolStart:
				if ev.ToolCall != nil {
					acc.currentToolID = ev.ToolCall.ID
					acc.currentToolName = ev.ToolCall.Name
					acc.currentToolArgs = ""
					// args are necessarily empty here: the stream has only just
					// started this tool call, and its arguments complete only
					// once TOOL_CALL_END fires after all TOOL_CALL_DELTA
					// fragments have been concatenated into currentToolArgs.
					session.Emit(EventToolCallStart, map[string]any{
						"call_id":   ev.ToolCall.ID,
						"tool_name": ev.ToolCall.Name,
						"args":      map[string]any{},
					})
				}

			case llm.StreamToolDelta:
				acc.currentToolArgs += ev.Delta

			case llm.StreamToolEnd:
				// Finalize the current tool call
				tc := llm.ToolCallData{
					ID:        acc.currentToolID,
					Name:      acc.currentToolName,
					Arguments: json.RawMessage(acc.currentToolArgs),
				}
				acc.toolCalls = append(acc.toolCalls, tc)
				acc.currentToolID = ""
				acc.currentToolName = ""
				acc.currentToolArgs = ""

			case llm.StreamFinish:
				if ev.FinishReason != nil {
					acc.finishReason = ev.FinishReason
				}
				acc.mergeUsage(ev.Usage)
				// If the finish event carries a full embedded Response, extract metadata
				if ev.Response != nil {
					acc.responseID = ev.Response.ID
					acc.model = ev.Response.Model
					acc.provider = ev.Response.Provider
				}

			case llm.StreamErrorEvt:
				if ev.Error != nil {
					return nil, fmt.Errorf("stream error: %w", ev.Error)
				}
				return nil, fmt.Errorf("stream error: unknown")

			case llm.StreamProviderEvt:
				// Provider-specific events are passed through without accumulation
			}
		}
	}
}

// buildResponseFromStream constructs an *llm.Response from the accumulated stream data.
// The response message contains text, reasoning (as thinking content), and tool call parts.
func buildResponseFromStream(acc *streamAccumulator) *llm.Response {
	var parts []llm.ContentPart

	// Add reasoning as thinking content if present
	if acc.reasoningBuf != "" {
		parts = append(parts, llm.ContentPart{
			Kind:     llm.ContentThinking,
			Thinking: &llm.ThinkingData{Text: acc.reasoningBuf},
		})
	}

	// Add text content if present
	if acc.textBuf != "" {
		parts = append(parts, llm.TextPart(acc.textBuf))
	}

	// Add tool calls
	for _, tc := range acc.toolCalls {
		parts = append(parts, llm.ToolCallPart(tc.ID, tc.Name, tc.Arguments))
	}

	// Build finish reason
	finishReason := llm.FinishReason{}
	if acc.finishReason != nil {
		finishReason = *acc.finishReason
	}

	// Build usage
	usage := llm.Usage{}
	if acc.usage != nil {
		usage = *acc.usage
	}

	return &llm.Response{
		ID:       acc.responseID,
		Model:    acc.model,
		Provider: acc.provider,
		Message: llm.Message{
			Role:    llm.RoleAssistant,
			Content: parts,
		},
		FinishReason: finishReason,
		Usage:        usage,
	}
}
