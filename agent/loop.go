// ABOUTME: Core agentic loop: drains steering, streams one LLM turn, dispatches
// ABOUTME: any tool calls, runs loop detection and truncation, and repeats.

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389-research/conductor/llm"
)

// jsonUnmarshalLoose unmarshals raw into out, ignoring errors — used only
// for loop-detector fingerprinting, where malformed arguments should not
// block the dispatcher result that already carries the real error.
func jsonUnmarshalLoose(raw json.RawMessage, out *map[string]any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// ProcessInput drives one submission to completion: it appends the user
// input to the session, then repeatedly streams an LLM turn and dispatches
// any tool calls until the model produces a text-only response, a round or
// turn limit trips, the session is aborted, or a fatal error surfaces. Once
// the loop exits it drains any queued follow-ups and recurses into each in
// turn before returning the session to idle.
func ProcessInput(ctx context.Context, session *Session, profile ProviderProfile, env ExecutionEnvironment, client *llm.Client, userInput string) error {
	session.SetState(StateProcessing)
	session.AppendTurn(UserTurn{Content: userInput, Timestamp: time.Now()})
	userMsg := llm.UserMessage(userInput)
	session.Tracker.Record(userMsg.CharCount())
	session.Emit(EventUserInput, map[string]any{"content": userInput})

	drainSteering(session)

	roundCount := 0

	for {
		if session.IsAborted() {
			return nil
		}

		if roundCount >= session.Config.MaxToolRoundsPerInput {
			session.Emit(EventTurnLimit, map[string]any{"reason": "max_tool_rounds"})
			break
		}
		if session.Config.MaxTurns > 0 && session.TurnCount() >= session.Config.MaxTurns {
			session.Emit(EventTurnLimit, map[string]any{"reason": "max_turns"})
			break
		}

		request, err := buildRequest(session, profile, env)
		if err != nil {
			return finishWithError(session, fmt.Errorf("building request: %w", err))
		}

		stream, err := client.Stream(ctx, request)
		if err != nil {
			if session.IsAborted() || ctx.Err() != nil {
				return nil
			}
			return finishWithError(session, fmt.Errorf("starting stream: %w", err))
		}

		response, err := consumeStream(ctx, session, stream)
		if err != nil {
			if session.IsAborted() || ctx.Err() != nil {
				return nil
			}
			return finishWithError(session, fmt.Errorf("consuming stream: %w", err))
		}

		toolCalls := response.ToolCalls()
		textContent := response.TextContent()
		reasoning := response.Reasoning()

		assistantTurn := AssistantTurn{
			Content:    textContent,
			ToolCalls:  toolCalls,
			Reasoning:  reasoning,
			Usage:      response.Usage,
			ResponseID: response.ID,
			Timestamp:  time.Now(),
		}
		session.AppendTurn(assistantTurn)
		session.Tracker.Record(response.Message.CharCount())
		session.Emit(EventAssistantTextEnd, map[string]any{
			"text":               textContent,
			"reasoning":          reasoning,
			"input_tokens":       response.Usage.InputTokens,
			"output_tokens":      response.Usage.OutputTokens,
			"total_tokens":       response.Usage.TotalTokens,
			"reasoning_tokens":   response.Usage.ReasoningTokens,
			"cache_read_tokens":  response.Usage.CacheReadTokens,
			"cache_write_tokens": response.Usage.CacheWriteTokens,
		})
		emitContextWarning(session)

		if len(toolCalls) == 0 {
			break
		}

		roundCount++
		results := DispatchToolCalls(profile.ToolRegistry(), env, toolCalls, profile.SupportsParallelToolCalls())

		resultByID := make(map[string]llm.ToolResult, len(results))
		for _, r := range results {
			resultByID[r.ToolCallID] = r
		}

		truncatedResults := make([]llm.ToolResult, len(results))
		recordedChars := 0
		for i, call := range toolCalls {
			result := resultByID[call.ID]

			session.Emit(EventToolCallEnd, map[string]any{
				"call_id":   call.ID,
				"tool_name": call.Name,
				"output":    result.Content,
				"is_error":  result.IsError,
			})

			if session.Config.EnableLoopDetection {
				var args map[string]any
				_ = jsonUnmarshalLoose(call.Arguments, &args)
				session.Loops.Record(call.Name, Fingerprint(args))
			}

			truncated := result
			truncated.Content = TruncateToolOutput(result.Content, call.Name, session.Config.ToolOutputLimits, session.Config.ToolLineLimits)
			truncatedResults[i] = truncated
			recordedChars += len(truncated.Content)
		}

		if session.Config.EnableLoopDetection {
			if warning, flagged := session.Loops.Check(); flagged {
				session.Emit(EventLoopDetection, map[string]any{"message": warning})
				session.Steer("Loop detection: " + warning + ". Adjust your approach.")
			}
		}

		session.AppendTurn(ToolResultsTurn{Results: truncatedResults, Timestamp: time.Now()})
		session.Tracker.Record(recordedChars)
		emitContextWarning(session)

		drainSteering(session)
	}

	for _, followup := range session.DrainFollowUp() {
		if err := ProcessInput(ctx, session, profile, env, client, followup); err != nil {
			return err
		}
		if session.IsAborted() {
			return nil
		}
	}

	session.SetState(StateIdle)
	return nil
}

// buildRequest assembles the next LLM request from the session's history,
// system prompt, and tool registry.
func buildRequest(session *Session, profile ProviderProfile, env ExecutionEnvironment) (llm.Request, error) {
	systemPrompt := session.systemPromptFor(profile, env)

	history := session.History()
	if session.Config.CompactionMode != "" && len(history) >= minTurnsForReduction {
		history = ApplyFidelity(history, session.Config.CompactionMode, profile.ContextWindowSize())
	}
	messages := ConvertHistoryToMessages(history)

	allMessages := make([]llm.Message, 0, len(messages)+1)
	allMessages = append(allMessages, llm.SystemMessage(systemPrompt))
	allMessages = append(allMessages, messages...)

	return llm.Request{
		Model:           profile.Model(),
		Messages:        allMessages,
		Tools:           profile.Tools(),
		ToolChoice:      &llm.ToolChoice{Mode: llm.ToolChoiceAuto},
		ReasoningEffort: session.Config.ReasoningEffort,
		Provider:        profile.ID(),
		ProviderOptions: profile.ProviderOptions(),
	}, nil
}

// systemPromptFor lazily builds and caches the session's system prompt on
// first use, per §4.10: the prompt is assembled once from the profile, the
// environment block, tool descriptions, project docs, and any user
// instruction override, then reused for the lifetime of the session.
func (s *Session) systemPromptFor(profile ProviderProfile, env ExecutionEnvironment) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.promptBuilt {
		return s.systemPrompt
	}

	prompt := BuildFullSystemPrompt(profile, env, s.Config.UserInstruction)
	s.systemPrompt = prompt
	s.promptBuilt = true
	return prompt
}

// emitContextWarning checks the context tracker and emits a CONTEXT_WARNING
// event if the configured threshold fraction has been crossed.
func emitContextWarning(session *Session) {
	if fraction, warn := session.Tracker.Check(); warn {
		session.Emit(EventContextWarning, map[string]any{"fraction": fraction})
	}
}

// finishWithError emits a terminal ERROR event, closes the session, and
// delivers the error to the event channel before returning it to the caller.
func finishWithError(session *Session, err error) error {
	session.Emit(EventError, map[string]any{"error": err.Error()})
	session.SetState(StateClosed)
	session.Emit(EventSessionEnd, nil)
	session.Events.Fail(err)
	return err
}

// drainSteering removes all pending steering messages from the session
// queue, appends them as SteeringTurns in the history, and emits an event
// for each.
func drainSteering(session *Session) {
	for _, msg := range session.DrainSteering() {
		session.AppendTurn(SteeringTurn{Content: msg, Timestamp: time.Now()})
		session.Tracker.Record(len(msg))
		session.Emit(EventSteeringInjected, map[string]any{"content": msg})
	}
}
