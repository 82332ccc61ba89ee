// ABOUTME: Drains a session's Event Channel into a Store, one event at a time.
// ABOUTME: The Recorder is the sole attached consumer; it optionally re-forwards events downstream.
package transcript

import (
	"context"
	"fmt"

	"github.com/2389-research/conductor/agent"
)

// Recorder is the single consumer attached to a Session's Event Channel; it
// persists every event to a Store under one run ID. Since an EventChannel
// accepts at most one attached consumer, a caller that also wants to render
// a live transcript (e.g. the tui package) must read from the forward
// channel passed to NewRecorder rather than from session.Events directly.
type Recorder struct {
	store   *Store
	runID   string
	forward chan<- agent.SessionEvent
}

// NewRecorder creates a Recorder that persists events under runID. forward
// may be nil; if non-nil, every event is also sent on it after being
// persisted, so a second goroutine can drive a live view without attaching
// a second consumer to the session's Event Channel.
func NewRecorder(store *Store, runID string, forward chan<- agent.SessionEvent) *Recorder {
	return &Recorder{store: store, runID: runID, forward: forward}
}

// Run drains session.Events until it reaches a terminal state, persisting
// each event as it arrives. It closes the forward channel, if any, before
// returning. Returns the terminal error from the event channel, if any.
func (r *Recorder) Run(ctx context.Context, session *agent.Session) error {
	if r.forward != nil {
		defer close(r.forward)
	}

	for {
		ev, ok, err := session.Events.Next(ctx)
		if err != nil {
			return fmt.Errorf("drain session events: %w", err)
		}
		if !ok {
			return nil
		}

		if err := r.store.RecordEvent(r.runID, ev); err != nil {
			return err
		}

		if r.forward != nil {
			select {
			case r.forward <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// RecordSession opens a run for session and drives a Recorder over it to
// completion, ending the run afterward. It is a convenience wrapper for
// callers that only want persistence, with no live forwarding.
func RecordSession(ctx context.Context, store *Store, session *agent.Session, provider, model string) error {
	runID, err := store.BeginRun(session.ID, provider, model)
	if err != nil {
		return err
	}

	rec := NewRecorder(store, runID, nil)
	runErr := rec.Run(ctx, session)

	if err := store.EndRun(runID); err != nil {
		if runErr == nil {
			return err
		}
	}
	return runErr
}
