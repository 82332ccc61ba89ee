// ABOUTME: Tests for the subagent system that enables spawning child sessions for task decomposition.
// ABOUTME: Covers SubAgentManager lifecycle, depth limiting, tools (spawn, send_input, wait, close_agent).

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/2389-research/conductor/llm"
)

// subagentTestAdapter implements llm.ProviderAdapter, streaming pre-configured
// responses in sequence and recording all requests for verification.
type subagentTestAdapter struct {
	responses []*llm.Response
	idx       int
	calls     []llm.Request
	mu        sync.Mutex
}

func (a *subagentTestAdapter) Name() string { return "subagent-test" }

func (a *subagentTestAdapter) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return nil, fmt.Errorf("subagentTestAdapter: Complete not used; the loop streams")
}

func (a *subagentTestAdapter) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.calls = append(a.calls, req)
	if a.idx >= len(a.responses) {
		a.mu.Unlock()
		return nil, fmt.Errorf("subagentTestAdapter: no more responses (called %d times, only %d configured)", len(a.calls), len(a.responses))
	}
	resp := a.responses[a.idx]
	a.idx++
	a.mu.Unlock()

	ch := make(chan llm.StreamEvent, 64)
	go func() {
		defer close(ch)
		for _, ev := range responseToStreamEvents(resp) {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (a *subagentTestAdapter) Close() error { return nil }

// subagentTestEnv implements ExecutionEnvironment for subagent testing.
type subagentTestEnv struct {
	workDir string
	files   map[string]string
	mu      sync.Mutex
}

func newSubagentTestEnv() *subagentTestEnv {
	return &subagentTestEnv{
		workDir: "/tmp/subagent-test",
		files:   make(map[string]string),
	}
}

func (e *subagentTestEnv) ReadFile(path string, offset, limit int) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	content, ok := e.files[path]
	if !ok {
		return "", fmt.Errorf("file not found: %s", path)
	}
	return content, nil
}

func (e *subagentTestEnv) WriteFile(path string, content string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.files[path] = content
	return nil
}

func (e *subagentTestEnv) FileExists(path string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.files[path]
	return ok, nil
}

func (e *subagentTestEnv) ListDirectory(path string, depth int) ([]DirEntry, error) {
	return nil, nil
}

func (e *subagentTestEnv) ExecCommand(command string, timeoutMs int, workingDir string, envVars map[string]string) (*ExecResult, error) {
	return &ExecResult{Stdout: "ok", ExitCode: 0, DurationMs: 10}, nil
}

func (e *subagentTestEnv) Grep(pattern, path string, opts GrepOptions) (string, error) {
	return "", nil
}

func (e *subagentTestEnv) Glob(pattern, path string) ([]string, error) {
	return nil, nil
}

func (e *subagentTestEnv) Initialize() error        { return nil }
func (e *subagentTestEnv) Cleanup() error           { return nil }
func (e *subagentTestEnv) WorkingDirectory() string { return e.workDir }
func (e *subagentTestEnv) Platform() string         { return "test" }
func (e *subagentTestEnv) OSVersion() string        { return "1.0" }

// subagentTestProfile implements ProviderProfile for subagent testing.
type subagentTestProfile struct {
	model    string
	registry *ToolRegistry
}

func (p *subagentTestProfile) ID() string    { return "subagent-test" }
func (p *subagentTestProfile) Model() string { return p.model }
func (p *subagentTestProfile) BuildSystemPrompt(env ExecutionEnvironment, projectDocs []string) string {
	return "You are a subagent test assistant."
}
func (p *subagentTestProfile) Tools() []llm.ToolDefinition     { return p.registry.Definitions() }
func (p *subagentTestProfile) ProviderOptions() map[string]any { return nil }
func (p *subagentTestProfile) ToolRegistry() *ToolRegistry     { return p.registry }
func (p *subagentTestProfile) SupportsParallelToolCalls() bool { return false }
func (p *subagentTestProfile) SupportsReasoning() bool         { return false }
func (p *subagentTestProfile) SupportsStreaming() bool         { return true }
func (p *subagentTestProfile) ContextWindowSize() int          { return 200000 }
func (p *subagentTestProfile) WithModel(model string) ProviderProfile {
	if model == "" {
		return p
	}
	clone := *p
	clone.model = model
	return &clone
}

// makeSubagentTextResponse creates a text-only LLM response for subagent tests.
func makeSubagentTextResponse(text string) *llm.Response {
	return &llm.Response{
		ID:           "resp-subagent",
		Model:        "test-model",
		Provider:     "subagent-test",
		Message:      llm.AssistantMessage(text),
		FinishReason: llm.FinishReason{Reason: llm.FinishStop},
		Usage:        llm.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
}

// newSubagentTestSetup creates the common test infrastructure for subagent tests,
// including a SubAgentManager bound to depth 0 / maxDepth 1.
func newSubagentTestSetup() (*SubAgentManager, *subagentTestProfile, *subagentTestEnv, *llm.Client, *subagentTestAdapter) {
	registry := NewToolRegistry()

	profile := &subagentTestProfile{
		model:    "test-model",
		registry: registry,
	}

	env := newSubagentTestEnv()

	adapter := &subagentTestAdapter{}
	client := llm.NewClient(
		llm.WithProvider("subagent-test", adapter),
		llm.WithDefaultProvider("subagent-test"),
	)

	config := DefaultSessionConfig()
	manager := NewSubAgentManager(0, 1, config, profile, env, client)

	return manager, profile, env, client, adapter
}

// --- Tests ---

func TestNewSubAgentManager(t *testing.T) {
	_, profile, env, client, _ := newSubagentTestSetup()
	manager := NewSubAgentManager(0, 3, DefaultSessionConfig(), profile, env, client)
	if manager == nil {
		t.Fatal("expected non-nil SubAgentManager")
	}
	if manager.depth != 0 {
		t.Errorf("expected depth 0, got %d", manager.depth)
	}
	if manager.maxDepth != 3 {
		t.Errorf("expected maxDepth 3, got %d", manager.maxDepth)
	}
	if manager.agents == nil {
		t.Fatal("expected non-nil agents map")
	}
	if len(manager.agents) != 0 {
		t.Errorf("expected empty agents map, got %d entries", len(manager.agents))
	}
}

func TestSubAgentSpawn(t *testing.T) {
	manager, _, _, _, adapter := newSubagentTestSetup()

	adapter.responses = []*llm.Response{
		makeSubagentTextResponse("I completed the task."),
	}

	handle, err := manager.Spawn(context.Background(), "task-1", "do something", "", 0)
	if err != nil {
		t.Fatalf("unexpected error spawning agent: %v", err)
	}
	if handle == nil {
		t.Fatal("expected non-nil handle")
	}
	if handle.ID != "task-1" {
		t.Errorf("expected handle ID 'task-1', got %q", handle.ID)
	}
	if handle.Session == nil {
		t.Error("expected non-nil session on handle")
	}

	retrieved, ok := manager.Get(handle.ID)
	if !ok {
		t.Fatal("expected to find the agent in the manager")
	}
	if retrieved.ID != handle.ID {
		t.Errorf("expected retrieved ID %q, got %q", handle.ID, retrieved.ID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := manager.Wait(ctx, handle.ID); err != nil {
		t.Fatalf("unexpected error waiting: %v", err)
	}
}

func TestSubAgentSpawnDuplicateID(t *testing.T) {
	manager, _, _, _, adapter := newSubagentTestSetup()
	adapter.responses = []*llm.Response{
		makeSubagentTextResponse("first"),
		makeSubagentTextResponse("second"),
	}

	_, err := manager.Spawn(context.Background(), "dup", "first task", "", 0)
	if err != nil {
		t.Fatalf("unexpected error spawning first agent: %v", err)
	}

	_, err = manager.Spawn(context.Background(), "dup", "second task", "", 0)
	if err == nil {
		t.Fatal("expected error spawning a duplicate id")
	}
	if !strings.Contains(err.Error(), "already in use") {
		t.Errorf("expected 'already in use' in error, got: %v", err)
	}
}

func TestSubAgentSpawnDepthLimit(t *testing.T) {
	// A manager already at max depth refuses to spawn.
	_, profile, env, client, adapter := newSubagentTestSetup()
	manager := NewSubAgentManager(1, 1, DefaultSessionConfig(), profile, env, client)
	adapter.responses = []*llm.Response{makeSubagentTextResponse("should not run")}

	handle, err := manager.Spawn(context.Background(), "task-1", "do something", "", 0)
	if err == nil {
		t.Fatal("expected error when spawning at max depth")
	}
	if handle != nil {
		t.Error("expected nil handle when depth limit exceeded")
	}
	if !strings.Contains(err.Error(), "depth") {
		t.Errorf("expected error about depth limit, got: %v", err)
	}
}

func TestSubAgentWait(t *testing.T) {
	manager, _, _, _, adapter := newSubagentTestSetup()

	adapter.responses = []*llm.Response{
		makeSubagentTextResponse("task completed successfully"),
	}

	handle, err := manager.Spawn(context.Background(), "task-1", "complete this task", "", 0)
	if err != nil {
		t.Fatalf("unexpected error spawning agent: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := manager.Wait(ctx, handle.ID)
	if err != nil {
		t.Fatalf("unexpected error waiting for agent: %v", err)
	}
	if result == nil {
		t.Fatal("expected non-nil result")
	}
	if !result.Success {
		t.Error("expected result.Success to be true")
	}
	if result.Output != "task completed successfully" {
		t.Errorf("expected output 'task completed successfully', got %q", result.Output)
	}
	if result.TurnsUsed < 1 {
		t.Errorf("expected at least 1 turn used, got %d", result.TurnsUsed)
	}

	retrieved, ok := manager.Get(handle.ID)
	if !ok {
		t.Fatal("expected to find agent after wait")
	}
	if retrieved.getStatus() != SubAgentCompleted {
		t.Errorf("expected status %q, got %q", SubAgentCompleted, retrieved.getStatus())
	}
}

func TestSubAgentSendInput(t *testing.T) {
	manager, _, _, _, adapter := newSubagentTestSetup()

	// First response to initial instruction, second for the send_input call.
	adapter.responses = []*llm.Response{
		makeSubagentTextResponse("working on it"),
		makeSubagentTextResponse("got the extra guidance"),
	}

	handle, err := manager.Spawn(context.Background(), "task-1", "start the task", "", 0)
	if err != nil {
		t.Fatalf("unexpected error spawning agent: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := manager.SendInput(ctx, handle.ID, "additional guidance"); err != nil {
		t.Fatalf("unexpected error sending input: %v", err)
	}

	result, err := manager.Wait(ctx, handle.ID)
	if err != nil {
		t.Fatalf("unexpected error waiting: %v", err)
	}
	if !strings.Contains(result.Output, "got the extra guidance") {
		t.Errorf("expected output to include the send_input response, got %q", result.Output)
	}
}

func TestSubAgentSendInputInvalidID(t *testing.T) {
	manager, _, _, _, _ := newSubagentTestSetup()

	err := manager.SendInput(context.Background(), "nonexistent-id", "hello")
	if err == nil {
		t.Fatal("expected error for nonexistent agent ID")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected 'not found' in error, got: %v", err)
	}
}

func TestSubAgentSendInputNotRunning(t *testing.T) {
	manager, _, _, _, adapter := newSubagentTestSetup()
	adapter.responses = []*llm.Response{makeSubagentTextResponse("done")}

	handle, err := manager.Spawn(context.Background(), "task-1", "do it", "", 0)
	if err != nil {
		t.Fatalf("unexpected error spawning: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := manager.Wait(ctx, handle.ID); err != nil {
		t.Fatalf("unexpected error waiting: %v", err)
	}

	if err := manager.SendInput(ctx, handle.ID, "too late"); err == nil {
		t.Error("expected error sending input to a completed subagent")
	}
}

func TestSubAgentClose(t *testing.T) {
	manager, _, _, _, adapter := newSubagentTestSetup()

	adapter.responses = []*llm.Response{
		makeSubagentTextResponse("done"),
	}

	handle, err := manager.Spawn(context.Background(), "task-1", "do work", "", 0)
	if err != nil {
		t.Fatalf("unexpected error spawning agent: %v", err)
	}

	if err := manager.Close(handle.ID); err != nil {
		t.Fatalf("unexpected error closing agent: %v", err)
	}

	retrieved, ok := manager.Get(handle.ID)
	if !ok {
		t.Fatal("expected to find agent after close")
	}
	if retrieved.getStatus() != SubAgentAborted {
		t.Errorf("expected status aborted after close, got %q", retrieved.getStatus())
	}
	if !retrieved.Session.IsAborted() {
		t.Error("expected the child session to be aborted")
	}
}

func TestSubAgentCloseInvalidID(t *testing.T) {
	manager, _, _, _, _ := newSubagentTestSetup()

	err := manager.Close("nonexistent-id")
	if err == nil {
		t.Fatal("expected error for nonexistent agent ID")
	}
}

func TestSubAgentCloseAll(t *testing.T) {
	manager, _, _, _, adapter := newSubagentTestSetup()

	var handles []*SubAgentHandle
	for i := 0; i < 3; i++ {
		adapter.responses = append(adapter.responses, makeSubagentTextResponse(fmt.Sprintf("agent %d done", i)))
		handle, err := manager.Spawn(context.Background(), fmt.Sprintf("task-%d", i), fmt.Sprintf("task %d", i), "", 0)
		if err != nil {
			t.Fatalf("unexpected error spawning agent %d: %v", i, err)
		}
		handles = append(handles, handle)
	}

	manager.CloseAll()

	for _, h := range handles {
		retrieved, ok := manager.Get(h.ID)
		if !ok {
			t.Errorf("expected to find agent %s after CloseAll", h.ID)
			continue
		}
		if retrieved.getStatus() != SubAgentAborted {
			t.Errorf("agent %s: expected aborted status, got %q", h.ID, retrieved.getStatus())
		}
	}
}

func TestSpawnAgentTool(t *testing.T) {
	manager, _, env, _, adapter := newSubagentTestSetup()

	adapter.responses = []*llm.Response{
		makeSubagentTextResponse("spawned task done"),
	}

	tool := NewSpawnAgentTool(manager)
	if tool.Definition.Name != "spawn_agent" {
		t.Errorf("expected tool name 'spawn_agent', got %q", tool.Definition.Name)
	}

	result, err := tool.Execute(map[string]any{
		"id":          "task-1",
		"instruction": "write some code",
	}, env)
	if err != nil {
		t.Fatalf("unexpected error executing spawn_agent tool: %v", err)
	}

	if !strings.Contains(result, "success") {
		t.Errorf("expected result to contain 'success', got: %s", result)
	}
	if !strings.Contains(result, "task-1") {
		t.Errorf("expected result to reference the spawned id, got: %s", result)
	}

	manager.CloseAll()
}

func TestSpawnAgentToolMissingInstruction(t *testing.T) {
	manager, _, env, _, _ := newSubagentTestSetup()

	tool := NewSpawnAgentTool(manager)

	_, err := tool.Execute(map[string]any{"id": "task-1"}, env)
	if err == nil {
		t.Fatal("expected error when instruction parameter is missing")
	}
}

func TestWaitTool(t *testing.T) {
	manager, _, env, _, adapter := newSubagentTestSetup()

	adapter.responses = []*llm.Response{
		makeSubagentTextResponse("waited task result"),
	}

	handle, err := manager.Spawn(context.Background(), "task-1", "do the thing", "", 0)
	if err != nil {
		t.Fatalf("unexpected error spawning: %v", err)
	}

	tool := NewWaitTool(manager)
	if tool.Definition.Name != "wait" {
		t.Errorf("expected tool name 'wait', got %q", tool.Definition.Name)
	}

	result, err := tool.Execute(map[string]any{
		"id": handle.ID,
	}, env)
	if err != nil {
		t.Fatalf("unexpected error executing wait tool: %v", err)
	}

	if !strings.Contains(result, "waited task result") {
		t.Errorf("expected result to contain 'waited task result', got: %s", result)
	}
	if !strings.Contains(result, "true") {
		t.Errorf("expected result to contain 'true' (success), got: %s", result)
	}
}

func TestWaitToolInvalidID(t *testing.T) {
	manager, _, env, _, _ := newSubagentTestSetup()

	tool := NewWaitTool(manager)
	result, err := tool.Execute(map[string]any{
		"id": "nonexistent",
	}, env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The tool itself returns an error message in the output, not as a Go error.
	if !strings.Contains(result, "not found") {
		t.Errorf("expected 'not found' in result, got: %s", result)
	}
}

func TestSendInputTool(t *testing.T) {
	manager, _, env, _, adapter := newSubagentTestSetup()

	adapter.responses = []*llm.Response{
		makeSubagentTextResponse("started"),
		makeSubagentTextResponse("got your input"),
	}

	handle, err := manager.Spawn(context.Background(), "task-1", "start", "", 0)
	if err != nil {
		t.Fatalf("unexpected error spawning: %v", err)
	}

	tool := NewSendInputTool(manager)
	if tool.Definition.Name != "send_input" {
		t.Errorf("expected tool name 'send_input', got %q", tool.Definition.Name)
	}

	result, err := tool.Execute(map[string]any{
		"id":      handle.ID,
		"message": "here is more context",
	}, env)
	if err != nil {
		t.Fatalf("unexpected error executing send_input tool: %v", err)
	}

	if !strings.Contains(result, "true") {
		t.Errorf("expected success in result, got: %s", result)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := manager.Wait(ctx, handle.ID); err != nil {
		t.Fatalf("unexpected error waiting: %v", err)
	}
}

func TestCloseAgentTool(t *testing.T) {
	manager, _, env, _, adapter := newSubagentTestSetup()

	adapter.responses = []*llm.Response{
		makeSubagentTextResponse("closing soon"),
	}

	handle, err := manager.Spawn(context.Background(), "task-1", "work on it", "", 0)
	if err != nil {
		t.Fatalf("unexpected error spawning: %v", err)
	}

	tool := NewCloseAgentTool(manager)
	if tool.Definition.Name != "close_agent" {
		t.Errorf("expected tool name 'close_agent', got %q", tool.Definition.Name)
	}

	result, err := tool.Execute(map[string]any{
		"id": handle.ID,
	}, env)
	if err != nil {
		t.Fatalf("unexpected error executing close_agent tool: %v", err)
	}

	if !strings.Contains(result, "status") {
		t.Errorf("expected result to contain 'status', got: %s", result)
	}
}

func TestRegisterSubAgentTools(t *testing.T) {
	manager, _, _, _, _ := newSubagentTestSetup()
	registry := NewToolRegistry()

	RegisterSubAgentTools(registry, manager)

	expectedTools := []string{"spawn_agent", "send_input", "wait", "close_agent"}
	for _, name := range expectedTools {
		if !registry.Has(name) {
			t.Errorf("expected tool %q to be registered", name)
		}
		tool := registry.Get(name)
		if tool == nil {
			t.Errorf("expected non-nil tool for %q", name)
			continue
		}
		if tool.Execute == nil {
			t.Errorf("expected non-nil Execute for tool %q", name)
		}
		if tool.Definition.Description == "" {
			t.Errorf("expected non-empty description for tool %q", name)
		}
	}

	if registry.Count() != len(expectedTools) {
		t.Errorf("expected %d registered tools, got %d", len(expectedTools), registry.Count())
	}
}

func TestSubAgentChildSessionConfig(t *testing.T) {
	manager, _, _, _, adapter := newSubagentTestSetup()

	adapter.responses = []*llm.Response{
		makeSubagentTextResponse("done"),
	}

	handle, err := manager.Spawn(context.Background(), "task-1", "check config", "", 25)
	if err != nil {
		t.Fatalf("unexpected error spawning: %v", err)
	}

	// Parent depth 0, maxDepth 1 -> child depth 1 -> child session's own
	// MaxSubagentDepth is unchanged (it's copied from the parent's config,
	// not recomputed), but the manager refuses further spawns at depth 1.
	if handle.Session.Config.MaxTurns != 25 {
		t.Errorf("expected child MaxTurns 25, got %d", handle.Session.Config.MaxTurns)
	}
	if handle.Session.Depth != 1 {
		t.Errorf("expected child depth 1, got %d", handle.Session.Depth)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := manager.Wait(ctx, handle.ID); err != nil {
		t.Fatalf("unexpected error waiting: %v", err)
	}
}

func TestSubAgentWaitForNonexistentAgent(t *testing.T) {
	manager, _, _, _, _ := newSubagentTestSetup()

	result, err := manager.Wait(context.Background(), "does-not-exist")
	if err == nil {
		t.Fatal("expected error waiting for nonexistent agent")
	}
	if result != nil {
		t.Error("expected nil result for nonexistent agent")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected 'not found' in error, got: %v", err)
	}
}

func TestSpawnAgentToolWithModelOverride(t *testing.T) {
	manager, _, env, _, adapter := newSubagentTestSetup()

	adapter.responses = []*llm.Response{
		makeSubagentTextResponse("done with override"),
	}

	tool := NewSpawnAgentTool(manager)

	result, err := tool.Execute(map[string]any{
		"id":          "task-override",
		"instruction": "work with a different model",
		"model":       "test-model-mini",
	}, env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(result), &parsed); err != nil {
		t.Fatalf("expected JSON result, got: %s (err: %v)", result, err)
	}
	if parsed["success"] != true {
		t.Fatalf("expected success=true, got: %v", parsed)
	}

	handle, ok := manager.Get("task-override")
	if !ok {
		t.Fatal("expected to find the spawned subagent")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := manager.Wait(ctx, handle.ID); err != nil {
		t.Fatalf("unexpected error waiting: %v", err)
	}
}
