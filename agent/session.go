// ABOUTME: Session management for the coding agent loop: turn types, config,
// ABOUTME: steering/follow-up queues, abort coordination, and history conversion.

package agent

import (
	"context"
	"sync"
	"time"

	"github.com/2389-research/conductor/llm"
	"github.com/google/uuid"
)

// SessionState represents the lifecycle state of a session.
type SessionState string

const (
	StateIdle          SessionState = "idle"
	StateProcessing    SessionState = "processing"
	StateAwaitingInput SessionState = "awaiting_input"
	StateClosed        SessionState = "closed"
)

// SessionConfig holds configuration for a session. Defaults are applied by
// DefaultSessionConfig; zero values for numeric fields mean "use the
// session's running default", except where noted.
type SessionConfig struct {
	Model                   string         `json:"model"`
	Provider                string         `json:"provider"`
	MaxTurns                int            `json:"max_turns"`
	MaxToolRoundsPerInput   int            `json:"max_tool_rounds_per_input"`
	ContextWindowSize       int            `json:"context_window_size,omitempty"`
	DefaultCommandTimeoutMs int            `json:"default_command_timeout_ms"`
	MaxCommandTimeoutMs     int            `json:"max_command_timeout_ms"`
	ReasoningEffort         string         `json:"reasoning_effort,omitempty"`
	ToolOutputLimits        map[string]int `json:"tool_output_limits,omitempty"`
	ToolLineLimits          map[string]int `json:"tool_line_limits,omitempty"`
	EnableLoopDetection     bool           `json:"enable_loop_detection"`
	LoopDetectionWindow     int            `json:"loop_detection_window"`
	MaxSubagentDepth        int            `json:"max_subagent_depth"`
	UserInstruction         string         `json:"user_instruction,omitempty"`
	WorkingDirectory        string         `json:"working_directory,omitempty"`
	// CompactionMode, when set, enables history compaction ("truncate",
	// "compact", "summary:low|medium|high") ahead of each LLM request once
	// the history grows past a minimum size. See fidelity.go.
	CompactionMode string `json:"compaction_mode,omitempty"`
}

// DefaultSessionConfig returns a SessionConfig with the spec-defined defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxTurns:                100,
		MaxToolRoundsPerInput:   10,
		DefaultCommandTimeoutMs: 10000,
		MaxCommandTimeoutMs:     600000,
		EnableLoopDetection:     true,
		LoopDetectionWindow:     10,
		MaxSubagentDepth:        1,
		ToolOutputLimits:        make(map[string]int),
		ToolLineLimits:          make(map[string]int),
	}
}

// Turn is the interface implemented by all conversation turn types.
type Turn interface {
	// TurnType returns a string discriminator: "user", "assistant", "tool_results", "system", or "steering".
	TurnType() string

	// TurnTimestamp returns the time when the turn was created.
	TurnTimestamp() time.Time
}

// UserTurn represents a user-submitted message.
type UserTurn struct {
	Content   string
	Timestamp time.Time
}

func (t UserTurn) TurnType() string         { return "user" }
func (t UserTurn) TurnTimestamp() time.Time { return t.Timestamp }

// AssistantTurn represents the model's response, optionally including tool calls.
type AssistantTurn struct {
	Content    string
	ToolCalls  []llm.ToolCallData
	Reasoning  string
	Usage      llm.Usage
	ResponseID string
	Timestamp  time.Time
}

func (t AssistantTurn) TurnType() string         { return "assistant" }
func (t AssistantTurn) TurnTimestamp() time.Time { return t.Timestamp }

// ToolResultsTurn holds results from executing one or more tool calls.
type ToolResultsTurn struct {
	Results   []llm.ToolResult
	Timestamp time.Time
}

func (t ToolResultsTurn) TurnType() string         { return "tool_results" }
func (t ToolResultsTurn) TurnTimestamp() time.Time { return t.Timestamp }

// SystemTurn represents a system-level message in the conversation.
type SystemTurn struct {
	Content   string
	Timestamp time.Time
}

func (t SystemTurn) TurnType() string         { return "system" }
func (t SystemTurn) TurnTimestamp() time.Time { return t.Timestamp }

// SteeringTurn represents an injected steering message from the host application.
type SteeringTurn struct {
	Content   string
	Timestamp time.Time
}

func (t SteeringTurn) TurnType() string         { return "steering" }
func (t SteeringTurn) TurnTimestamp() time.Time { return t.Timestamp }

// Session is the central orchestrator for the coding agent loop. It owns
// its history, event channel, trackers, abort coordination, and subagent
// registry. It never persists anything; history lives only in memory.
type Session struct {
	ID      string
	Config  SessionConfig
	State   SessionState
	Events  *EventChannel
	Tracker *ContextTracker
	Loops   *LoopDetector
	Depth   int

	history       []Turn
	steeringQueue []string
	followupQueue []string

	abortOnce sync.Once
	aborted   chan struct{}

	subagents    *SubAgentManager
	systemPrompt string
	promptBuilt  bool

	// profile, env, and client are the collaborators captured at
	// construction so Submit can drive ProcessInput without the caller
	// having to thread them through on every call.
	profile ProviderProfile
	env     ExecutionEnvironment
	client  *llm.Client

	mu sync.Mutex
}

// NewSession creates a new top-level Session (depth 0) with a generated ID.
// profile, env, and client are captured so the session can register its own
// subagent tools (spawn_agent, send_input, wait, close_agent) onto the
// profile's tool registry.
func NewSession(config SessionConfig, profile ProviderProfile, env ExecutionEnvironment, client *llm.Client) *Session {
	return NewSubSession(config, 0, profile, env, client)
}

// NewSubSession creates a Session at the given subagent depth. Depth 0 is
// the top-level session created by an embedder; depth N is a child spawned
// N levels below it.
func NewSubSession(config SessionConfig, depth int, profile ProviderProfile, env ExecutionEnvironment, client *llm.Client) *Session {
	s := &Session{
		ID:      uuid.New().String(),
		Config:  config,
		State:   StateIdle,
		Events:  NewEventChannel(),
		Tracker: NewContextTracker(config.ContextWindowSize),
		Loops:   NewLoopDetector(config.LoopDetectionWindow),
		Depth:   depth,
		aborted: make(chan struct{}),
		profile: profile,
		env:     env,
		client:  client,
	}
	s.subagents = NewSubAgentManager(depth, config.MaxSubagentDepth, config, profile, env, client)
	if profile != nil {
		RegisterSubAgentTools(profile.ToolRegistry(), s.subagents)
	}
	s.Emit(EventSessionStart, nil)
	return s
}

// Submit drives one submission through to completion using the profile,
// execution environment, and LLM client captured when the session was
// constructed. It is the session's public entry point for user input;
// embedders that need to override a collaborator for a single call should
// use the free ProcessInput function directly instead.
func (s *Session) Submit(ctx context.Context, input string) error {
	return ProcessInput(ctx, s, s.profile, s.env, s.client, input)
}

// Emit emits a session event with the given kind and data, auto-populating
// the session ID and timestamp. Errors from an already-closed channel are
// swallowed: by the time a session is closed, nothing further should emit.
func (s *Session) Emit(kind EventKind, data map[string]any) {
	_ = s.Events.Emit(SessionEvent{
		Kind:      kind,
		Timestamp: time.Now(),
		SessionID: s.ID,
		Data:      data,
	})
}

// SetState transitions the session to the given state.
func (s *Session) SetState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
}

// GetState returns the current session state.
func (s *Session) GetState() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

// Steer queues a message to be injected as a SteeringTurn at the next drain
// point within the current submission.
func (s *Session) Steer(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steeringQueue = append(s.steeringQueue, message)
}

// FollowUp queues a message to be processed as a new submission once the
// current one drains.
func (s *Session) FollowUp(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.followupQueue = append(s.followupQueue, message)
}

// HasSteering reports whether any steering messages are queued.
func (s *Session) HasSteering() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steeringQueue) > 0
}

// HasFollowUp reports whether any follow-up messages are queued.
func (s *Session) HasFollowUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.followupQueue) > 0
}

// DrainSteering removes and returns all pending steering messages, in FIFO order.
func (s *Session) DrainSteering() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.steeringQueue) == 0 {
		return nil
	}
	messages := s.steeringQueue
	s.steeringQueue = nil
	return messages
}

// DrainFollowUp removes and returns all pending follow-up messages, in FIFO order.
func (s *Session) DrainFollowUp() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.followupQueue) == 0 {
		return nil
	}
	messages := s.followupQueue
	s.followupQueue = nil
	return messages
}

// AppendTurn adds a turn to the session history. History is append-only:
// once added, a turn is never rewritten.
func (s *Session) AppendTurn(turn Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, turn)
}

// History returns a snapshot of the session's turn history.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

// TurnCount returns the number of turns in the session history.
func (s *Session) TurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// UserTurnCount returns the number of UserTurn entries in the session
// history — this is what a subagent's wait() tool reports as turnsUsed.
func (s *Session) UserTurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, t := range s.history {
		if _, ok := t.(UserTurn); ok {
			count++
		}
	}
	return count
}

// Subagents returns the session's child-agent manager.
func (s *Session) Subagents() *SubAgentManager {
	return s.subagents
}

// Aborted returns a channel that is closed once Abort has been called.
func (s *Session) Aborted() <-chan struct{} {
	return s.aborted
}

// IsAborted reports whether Abort has been called.
func (s *Session) IsAborted() bool {
	select {
	case <-s.aborted:
		return true
	default:
		return false
	}
}

// Abort idempotently terminates the session: it signals the abort channel
// (unblocking any inflight stream or child process watching it), closes
// every subagent, transitions to CLOSED, emits SESSION_END, and completes
// the event channel. Subsequent calls are no-ops.
func (s *Session) Abort() {
	s.abortOnce.Do(func() {
		close(s.aborted)
		s.subagents.CloseAll()
		s.SetState(StateClosed)
		s.Emit(EventSessionEnd, nil)
		s.Events.Complete()
	})
}

// Close is an alias for Abort, kept for callers that think in terms of
// tearing a session down rather than cancelling it.
func (s *Session) Close() {
	s.Abort()
}

// ConvertHistoryToMessages converts a slice of Turn values into LLM messages
// suitable for sending to a language model.
func ConvertHistoryToMessages(history []Turn) []llm.Message {
	messages := make([]llm.Message, 0, len(history))

	for _, turn := range history {
		switch t := turn.(type) {
		case SystemTurn:
			messages = append(messages, llm.SystemMessage(t.Content))

		case UserTurn:
			messages = append(messages, llm.UserMessage(t.Content))

		case AssistantTurn:
			parts := make([]llm.ContentPart, 0)
			if t.Content != "" {
				parts = append(parts, llm.TextPart(t.Content))
			}
			for _, tc := range t.ToolCalls {
				parts = append(parts, llm.ToolCallPart(tc.ID, tc.Name, tc.Arguments))
			}
			messages = append(messages, llm.Message{
				Role:    llm.RoleAssistant,
				Content: parts,
			})

		case ToolResultsTurn:
			for _, result := range t.Results {
				messages = append(messages, llm.ToolResultMessage(
					result.ToolCallID,
					result.Content,
					result.IsError,
				))
			}

		case SteeringTurn:
			// Steering messages are presented to the LLM as user-role messages.
			messages = append(messages, llm.UserMessage(t.Content))
		}
	}

	return messages
}
