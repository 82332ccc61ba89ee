// ABOUTME: Tool dispatcher: executes a batch of tool calls against a registry,
// ABOUTME: either sequentially or with bounded parallelism, never propagating failures.

package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/2389-research/conductor/llm"
)

// DispatchToolCalls executes a batch of tool calls against registry using env,
// running them concurrently when parallel is true and there is more than one
// call. The returned slice always has the same length and order as calls,
// and every element carries its call's ToolCallID — every failure mode
// (unknown tool, bad arguments, executor error) is converted to an in-band
// error result rather than propagated.
func DispatchToolCalls(registry *ToolRegistry, env ExecutionEnvironment, calls []llm.ToolCallData, parallel bool) []llm.ToolResult {
	if parallel && len(calls) > 1 {
		results := make([]llm.ToolResult, len(calls))
		var wg sync.WaitGroup
		wg.Add(len(calls))
		for i, tc := range calls {
			go func(idx int, call llm.ToolCallData) {
				defer wg.Done()
				results[idx] = dispatchOne(registry, env, call)
			}(i, tc)
		}
		wg.Wait()
		return results
	}

	results := make([]llm.ToolResult, 0, len(calls))
	for _, tc := range calls {
		results = append(results, dispatchOne(registry, env, tc))
	}
	return results
}

// dispatchOne executes a single tool call, converting every failure into an
// error result rather than a propagated error.
func dispatchOne(registry *ToolRegistry, env ExecutionEnvironment, tc llm.ToolCallData) llm.ToolResult {
	registered := registry.Get(tc.Name)
	if registered == nil {
		available := strings.Join(registry.Names(), ", ")
		return llm.ToolResult{
			ToolCallID: tc.ID,
			Content:    fmt.Sprintf("Unknown tool: %s. Available tools: %s", tc.Name, available),
			IsError:    true,
		}
	}

	var args map[string]any
	if len(tc.Arguments) > 0 {
		if err := json.Unmarshal(tc.Arguments, &args); err != nil {
			return llm.ToolResult{
				ToolCallID: tc.ID,
				Content:    fmt.Sprintf("Invalid tool arguments for %s", tc.Name),
				IsError:    true,
			}
		}
	} else {
		args = make(map[string]any)
	}

	output, err := registered.Execute(args, env)
	if err != nil {
		return llm.ToolResult{
			ToolCallID: tc.ID,
			Content:    fmt.Sprintf("Tool error in %s: %s", tc.Name, err),
			IsError:    true,
		}
	}

	return llm.ToolResult{
		ToolCallID: tc.ID,
		Content:    output,
		IsError:    false,
	}
}
