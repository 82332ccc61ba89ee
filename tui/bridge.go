// ABOUTME: Bridge connecting an agent.Session's event channel to the Bubble Tea message loop.
// ABOUTME: Provides EventBridge for event injection and tea.Cmd factories for submission and ticking.
package tui

import (
	"context"
	"time"

	"github.com/2389-research/conductor/agent"

	tea "github.com/charmbracelet/bubbletea"
)

// EventBridge wraps a tea.Program's Send method for injecting session events
// into the Bubble Tea message loop.
type EventBridge struct {
	send func(msg tea.Msg)
}

// NewEventBridge creates an EventBridge that sends messages via the given function.
// Typically called with program.Send as the argument.
func NewEventBridge(send func(msg tea.Msg)) *EventBridge {
	return &EventBridge{send: send}
}

// Pump drains session.Events until it reaches a terminal state, forwarding
// each event into the Bubble Tea loop. Meant to run in its own goroutine for
// the lifetime of the program.
func (b *EventBridge) Pump(ctx context.Context, session *agent.Session) {
	for {
		ev, ok, err := session.Events.Next(ctx)
		if err != nil || !ok {
			return
		}
		b.send(SessionEventMsg{Event: ev})
	}
}

// PumpChannel forwards events from ch into the Bubble Tea loop until ch is
// closed or ctx is done. Use this instead of Pump when another consumer
// (such as a transcript recorder) is already attached to the session's
// Event Channel and re-forwarding its own copy of each event on ch.
func (b *EventBridge) PumpChannel(ctx context.Context, ch <-chan agent.SessionEvent) {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			b.send(SessionEventMsg{Event: ev})
		case <-ctx.Done():
			return
		}
	}
}

// SubmitCmd returns a tea.Cmd that drives one Session.Submit call to
// completion and reports its outcome as a ProcessDoneMsg. The caller is
// expected to have already wired an EventBridge.Pump goroutine to stream
// intermediate events.
func SubmitCmd(ctx context.Context, session *agent.Session, input string) tea.Cmd {
	return func() tea.Msg {
		err := session.Submit(ctx, input)
		return ProcessDoneMsg{Err: err}
	}
}

// TickCmd returns a tea.Cmd that sends a TickMsg after the given interval.
// Used for spinner animation while a submission is in flight.
func TickCmd(interval time.Duration) tea.Cmd {
	return func() tea.Msg {
		time.Sleep(interval)
		return TickMsg{}
	}
}
