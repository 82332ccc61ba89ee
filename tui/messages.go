// ABOUTME: tea.Msg types carried between the agent session's event bridge and the chat app's Update loop.
package tui

import "github.com/2389-research/conductor/agent"

// SessionEventMsg wraps a single agent.SessionEvent for delivery into the
// Bubble Tea message loop.
type SessionEventMsg struct {
	Event agent.SessionEvent
}

// ProcessDoneMsg signals that a ProcessInput call for one submitted line has
// returned, carrying its error (if any).
type ProcessDoneMsg struct {
	Err error
}

// TickMsg drives periodic UI refreshes (e.g. a busy spinner while streaming).
type TickMsg struct{}
