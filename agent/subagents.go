// ABOUTME: Subagent system for spawning child sessions that run their own agentic loops.
// ABOUTME: Provides SubAgentManager, lifecycle management, and tool constructors for spawn, send_input, wait, and close.

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/2389-research/conductor/llm"
)

// SubAgentStatus represents the lifecycle state of a subagent.
type SubAgentStatus string

const (
	SubAgentRunning   SubAgentStatus = "running"
	SubAgentCompleted SubAgentStatus = "completed"
	SubAgentError     SubAgentStatus = "error"
	SubAgentAborted   SubAgentStatus = "aborted"
)

// SubAgentHandle holds a reference to a spawned subagent. execMu serializes
// every submit/send_input call against this child's session, so the session
// never processes two inputs concurrently; the same mutex makes wait() block
// until any in-flight processing has actually stopped. close_agent() aborts
// the child without waiting for its processing to stop.
type SubAgentHandle struct {
	ID      string
	Session *Session

	execMu sync.Mutex

	mu               sync.Mutex
	status           SubAgentStatus
	result           *SubAgentResult
	abortedExternally bool
}

func (h *SubAgentHandle) setStatus(status SubAgentStatus) {
	h.mu.Lock()
	h.status = status
	h.mu.Unlock()
}

func (h *SubAgentHandle) getStatus() SubAgentStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// SubAgentResult is the output from a completed subagent's wait() call.
type SubAgentResult struct {
	Output    string `json:"output"`
	Success   bool   `json:"success"`
	TurnsUsed int    `json:"turnsUsed"`
}

// SubAgentManager manages the lifecycle of subagents spawned by a single
// owning Session. It captures that session's environment, client, profile,
// config, and depth at construction, per §4.11.
type SubAgentManager struct {
	mu     sync.Mutex
	agents map[string]*SubAgentHandle

	depth    int
	maxDepth int

	parentConfig SessionConfig
	profile      ProviderProfile
	env          ExecutionEnvironment
	client       *llm.Client
}

// NewSubAgentManager creates a SubAgentManager bound to the owning session's
// depth, config, profile, environment, and client.
func NewSubAgentManager(depth, maxDepth int, parentConfig SessionConfig, profile ProviderProfile, env ExecutionEnvironment, client *llm.Client) *SubAgentManager {
	return &SubAgentManager{
		agents:       make(map[string]*SubAgentHandle),
		depth:        depth,
		maxDepth:     maxDepth,
		parentConfig: parentConfig,
		profile:      profile,
		env:          env,
		client:       client,
	}
}

// Spawn creates a child Session under the caller-supplied id, clones the
// owning profile (swapping model if provided) and config (swapping maxTurns
// if provided), and kicks off submit(instruction) in the background without
// awaiting completion. Fails if the depth limit is reached or id is already
// in use.
func (m *SubAgentManager) Spawn(ctx context.Context, id, instruction, model string, maxTurns int) (*SubAgentHandle, error) {
	if m.depth >= m.maxDepth {
		return nil, fmt.Errorf("subagent depth limit reached: depth %d, max %d", m.depth, m.maxDepth)
	}

	m.mu.Lock()
	if _, exists := m.agents[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("subagent id %q already in use", id)
	}
	m.mu.Unlock()

	childConfig := m.parentConfig
	if maxTurns > 0 {
		childConfig.MaxTurns = maxTurns
	}

	childProfile := m.profile
	if model != "" && childProfile != nil {
		childProfile = childProfile.WithModel(model)
	}

	childSession := NewSubSession(childConfig, m.depth+1, childProfile, m.env, m.client)

	handle := &SubAgentHandle{
		ID:      id,
		Session: childSession,
		status:  SubAgentRunning,
	}

	m.mu.Lock()
	m.agents[id] = handle
	m.mu.Unlock()

	handle.execMu.Lock()
	go func() {
		defer handle.execMu.Unlock()
		err := ProcessInput(ctx, childSession, childProfile, m.env, m.client, instruction)
		recordOutcome(handle, err)
	}()

	return handle, nil
}

// recordOutcome updates a handle's status after a ProcessInput call returns,
// unless the handle has already been terminally resolved by wait() or
// close_agent().
func recordOutcome(handle *SubAgentHandle, err error) {
	handle.mu.Lock()
	defer handle.mu.Unlock()

	if handle.result != nil {
		return
	}

	switch {
	case handle.abortedExternally:
		handle.status = SubAgentAborted
	case handle.Session.IsAborted():
		handle.status = SubAgentAborted
	case err != nil:
		handle.status = SubAgentError
	default:
		handle.status = SubAgentRunning
	}
}

// Get returns the handle registered under id.
func (m *SubAgentManager) Get(id string) (*SubAgentHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	handle, ok := m.agents[id]
	return handle, ok
}

// SendInput awaits the child session's submit(message) before returning.
// Errors if id is unknown or the subagent is no longer running.
func (m *SubAgentManager) SendInput(ctx context.Context, id, message string) error {
	handle, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("subagent %q not found", id)
	}

	if handle.getStatus() != SubAgentRunning {
		return fmt.Errorf("subagent %q is not running (status: %s)", id, handle.getStatus())
	}

	handle.execMu.Lock()
	defer handle.execMu.Unlock()

	if handle.Session.IsAborted() {
		recordOutcome(handle, nil)
		return fmt.Errorf("subagent %q is not running (status: %s)", id, handle.getStatus())
	}

	err := ProcessInput(ctx, handle.Session, m.childProfileFor(handle), m.env, m.client, message)
	recordOutcome(handle, err)
	return err
}

// childProfileFor returns the profile the subagent was spawned with (the
// child session's own profile), so a model override supplied at spawn time
// also applies to later send_input calls.
func (m *SubAgentManager) childProfileFor(handle *SubAgentHandle) ProviderProfile {
	return handle.Session.profile
}

// Wait blocks until any in-flight processing on the child stops, then aborts
// the child (forcing SESSION_END if it has not already terminated) and
// drains its event sequence, concatenating assistant text and detecting
// error-class events, per §4.11.
func (m *SubAgentManager) Wait(ctx context.Context, id string) (*SubAgentResult, error) {
	handle, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("subagent %q not found", id)
	}

	handle.execMu.Lock()
	defer handle.execMu.Unlock()

	handle.Session.Abort()

	events, _ := handle.Session.Events.Drain(ctx)

	var output string
	hadError := false
	for _, ev := range events {
		switch ev.Kind {
		case EventAssistantTextDelta:
			if text, ok := ev.Data["text"].(string); ok {
				output += text
			}
		case EventError, EventLoopDetection, EventTurnLimit:
			hadError = true
		}
	}

	success := !hadError
	result := &SubAgentResult{
		Output:    output,
		Success:   success,
		TurnsUsed: handle.Session.UserTurnCount(),
	}

	handle.mu.Lock()
	handle.result = result
	if handle.abortedExternally {
		handle.status = SubAgentAborted
	} else if success {
		handle.status = SubAgentCompleted
	} else {
		handle.status = SubAgentError
	}
	handle.mu.Unlock()

	return result, nil
}

// Close aborts a subagent, marking it aborted regardless of how its
// processing concludes.
func (m *SubAgentManager) Close(id string) error {
	handle, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("subagent %q not found", id)
	}

	handle.mu.Lock()
	handle.abortedExternally = true
	handle.status = SubAgentAborted
	handle.mu.Unlock()

	handle.Session.Abort()
	return nil
}

// CloseAll aborts every subagent tracked by the manager. Used by a parent
// Session's own abort to cascade termination to its children.
func (m *SubAgentManager) CloseAll() {
	m.mu.Lock()
	handles := make([]*SubAgentHandle, 0, len(m.agents))
	for _, h := range m.agents {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.mu.Lock()
		h.abortedExternally = true
		h.status = SubAgentAborted
		h.mu.Unlock()
		h.Session.Abort()
	}
}

// --- Tool Constructors ---

// NewSpawnAgentTool creates the spawn_agent tool.
func NewSpawnAgentTool(manager *SubAgentManager) *RegisteredTool {
	return &RegisteredTool{
		Definition: llm.ToolDefinition{
			Name:        "spawn_agent",
			Description: "Spawn a subagent to handle a scoped task autonomously.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"id": {
						"type": "string",
						"description": "Caller-chosen identifier for the subagent, used by send_input/wait/close_agent"
					},
					"instruction": {
						"type": "string",
						"description": "Natural language task description for the subagent"
					},
					"model": {
						"type": "string",
						"description": "Model override (optional, default: this agent's model)"
					},
					"max_turns": {
						"type": "integer",
						"description": "Turn limit for the subagent (optional, default: this agent's turn limit)"
					}
				},
				"required": ["id", "instruction"]
			}`),
		},
		Description: "Spawn a subagent to handle a scoped task autonomously.",
		Execute: func(args map[string]any, env ExecutionEnvironment) (string, error) {
			id, err := getStringArg(args, "id", true)
			if err != nil {
				return "", err
			}
			instruction, err := getStringArg(args, "instruction", true)
			if err != nil {
				return "", err
			}
			model, err := getStringArg(args, "model", false)
			if err != nil {
				return "", err
			}
			maxTurns, err := getIntArg(args, "max_turns", 0)
			if err != nil {
				return "", err
			}

			_, err = manager.Spawn(context.Background(), id, instruction, model, maxTurns)
			if err != nil {
				return marshalResult(map[string]any{"success": false, "message": err.Error()}), nil
			}

			return marshalResult(map[string]any{
				"success": true,
				"message": fmt.Sprintf("Subagent %s spawned", id),
			}), nil
		},
	}
}

// NewSendInputTool creates the send_input tool.
func NewSendInputTool(manager *SubAgentManager) *RegisteredTool {
	return &RegisteredTool{
		Definition: llm.ToolDefinition{
			Name:        "send_input",
			Description: "Send a message to a running subagent and await its response.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"id": {
						"type": "string",
						"description": "ID of the subagent to send the message to"
					},
					"message": {
						"type": "string",
						"description": "Message to send to the subagent"
					}
				},
				"required": ["id", "message"]
			}`),
		},
		Description: "Send a message to a running subagent and await its response.",
		Execute: func(args map[string]any, env ExecutionEnvironment) (string, error) {
			id, err := getStringArg(args, "id", true)
			if err != nil {
				return "", err
			}
			message, err := getStringArg(args, "message", true)
			if err != nil {
				return "", err
			}

			if err := manager.SendInput(context.Background(), id, message); err != nil {
				return marshalResult(map[string]any{"success": false, "message": err.Error()}), nil
			}

			return marshalResult(map[string]any{"success": true}), nil
		},
	}
}

// NewWaitTool creates the wait tool.
func NewWaitTool(manager *SubAgentManager) *RegisteredTool {
	return &RegisteredTool{
		Definition: llm.ToolDefinition{
			Name:        "wait",
			Description: "Wait for a subagent to finish and return its output.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"id": {
						"type": "string",
						"description": "ID of the subagent to wait for"
					}
				},
				"required": ["id"]
			}`),
		},
		Description: "Wait for a subagent to finish and return its output.",
		Execute: func(args map[string]any, env ExecutionEnvironment) (string, error) {
			id, err := getStringArg(args, "id", true)
			if err != nil {
				return "", err
			}

			result, err := manager.Wait(context.Background(), id)
			if err != nil {
				return marshalResult(map[string]any{"success": false, "message": err.Error()}), nil
			}

			return marshalResult(result), nil
		},
	}
}

// NewCloseAgentTool creates the close_agent tool.
func NewCloseAgentTool(manager *SubAgentManager) *RegisteredTool {
	return &RegisteredTool{
		Definition: llm.ToolDefinition{
			Name:        "close_agent",
			Description: "Terminate a subagent.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"id": {
						"type": "string",
						"description": "ID of the subagent to terminate"
					}
				},
				"required": ["id"]
			}`),
		},
		Description: "Terminate a subagent.",
		Execute: func(args map[string]any, env ExecutionEnvironment) (string, error) {
			id, err := getStringArg(args, "id", true)
			if err != nil {
				return "", err
			}

			if err := manager.Close(id); err != nil {
				return marshalResult(map[string]any{"success": false, "message": err.Error()}), nil
			}

			handle, _ := manager.Get(id)
			return marshalResult(map[string]any{
				"success": true,
				"status":  string(handle.getStatus()),
			}), nil
		},
	}
}

// marshalResult marshals v to JSON, falling back to an escaped error message
// if marshalling itself fails (v is always one of this file's own result
// shapes, so this should never trigger in practice).
func marshalResult(v any) string {
	out, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"message":%q}`, err.Error())
	}
	return string(out)
}

// RegisterSubAgentTools registers all 4 subagent tools on the given registry.
func RegisterSubAgentTools(registry *ToolRegistry, manager *SubAgentManager) {
	registry.Register(NewSpawnAgentTool(manager))
	registry.Register(NewSendInputTool(manager))
	registry.Register(NewWaitTool(manager))
	registry.Register(NewCloseAgentTool(manager))
}
