// ABOUTME: Tests for rendering a recorded event sequence to sanitized HTML.
package transcript

import (
	"strings"
	"testing"
	"time"

	"github.com/2389-research/conductor/agent"
)

func TestRenderEventsHTMLIncludesTurnContent(t *testing.T) {
	events := []agent.SessionEvent{
		{Kind: agent.EventUserInput, Timestamp: time.Now(), Data: map[string]any{"content": "what does this function do?"}},
		{Kind: agent.EventAssistantTextStart, Timestamp: time.Now()},
		{Kind: agent.EventAssistantTextDelta, Timestamp: time.Now(), Data: map[string]any{"text": "It **parses** the "}},
		{Kind: agent.EventAssistantTextDelta, Timestamp: time.Now(), Data: map[string]any{"text": "input."}},
		{Kind: agent.EventAssistantTextEnd, Timestamp: time.Now()},
	}

	html, err := RenderEventsHTML(events)
	if err != nil {
		t.Fatalf("RenderEventsHTML: %v", err)
	}

	if !strings.Contains(html, "what does this function do?") {
		t.Errorf("expected rendered HTML to contain the user turn, got %s", html)
	}
	if !strings.Contains(html, "<strong>parses</strong>") {
		t.Errorf("expected markdown bold to render to <strong>, got %s", html)
	}
	if !strings.Contains(html, "input.") {
		t.Errorf("expected assistant deltas to be joined, got %s", html)
	}
}

func TestRenderEventsHTMLSanitizesScriptTags(t *testing.T) {
	events := []agent.SessionEvent{
		{Kind: agent.EventUserInput, Data: map[string]any{"content": "<script>alert('x')</script> hello"}},
	}

	html, err := RenderEventsHTML(events)
	if err != nil {
		t.Fatalf("RenderEventsHTML: %v", err)
	}
	if strings.Contains(html, "<script") {
		t.Errorf("expected script tags to be sanitized out, got %s", html)
	}
}

func TestRenderEventsHTMLIncludesToolCalls(t *testing.T) {
	events := []agent.SessionEvent{
		{Kind: agent.EventToolCallStart, Data: map[string]any{"tool_name": "grep", "args": map[string]any{"pattern": "TODO"}}},
		{Kind: agent.EventToolCallEnd, Data: map[string]any{"tool_name": "grep", "output": "main.go:10: TODO"}},
	}

	html, err := RenderEventsHTML(events)
	if err != nil {
		t.Fatalf("RenderEventsHTML: %v", err)
	}
	if !strings.Contains(html, "grep") {
		t.Errorf("expected the tool name in the rendered HTML, got %s", html)
	}
	if !strings.Contains(html, "TODO") {
		t.Errorf("expected tool output in the rendered HTML, got %s", html)
	}
}

func TestRenderEventsHTMLEmpty(t *testing.T) {
	html, err := RenderEventsHTML(nil)
	if err != nil {
		t.Fatalf("RenderEventsHTML: %v", err)
	}
	if html != "" {
		t.Errorf("expected empty input to render empty HTML, got %q", html)
	}
}
