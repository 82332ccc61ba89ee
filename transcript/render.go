// ABOUTME: Renders a persisted or live transcript to sanitized HTML for archival and export.
// ABOUTME: Converts the recorded event sequence to markdown, then to HTML via goldmark.
package transcript

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/2389-research/conductor/agent"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	emoji "github.com/yuin/goldmark-emoji"
)

var renderer = goldmark.New(goldmark.WithExtensions(emoji.Emoji))

// RenderEventsHTML converts a run's recorded events into a markdown
// transcript and renders it to sanitized HTML suitable for export.
func RenderEventsHTML(events []agent.SessionEvent) (string, error) {
	md := eventsToMarkdown(events)

	var buf bytes.Buffer
	if err := renderer.Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("render transcript markdown: %w", err)
	}

	return bluemonday.UGCPolicy().Sanitize(buf.String()), nil
}

// eventsToMarkdown flattens a session's recorded events into a single
// markdown document: one heading per user turn, assistant text reassembled
// from its deltas, and each tool call rendered as a quoted line with its
// output, if any, in a fenced code block.
func eventsToMarkdown(events []agent.SessionEvent) string {
	var b strings.Builder
	for _, ev := range events {
		switch ev.Kind {
		case agent.EventUserInput:
			fmt.Fprintf(&b, "\n### user\n\n%s\n", asString(ev.Data["content"]))
		case agent.EventAssistantTextStart:
			b.WriteString("\n### assistant\n\n")
		case agent.EventAssistantTextDelta:
			b.WriteString(asString(ev.Data["text"]))
		case agent.EventAssistantTextEnd:
			b.WriteString("\n")
		case agent.EventToolCallStart:
			fmt.Fprintf(&b, "\n> :wrench: **%v** %v\n", ev.Data["tool_name"], ev.Data["args"])
		case agent.EventToolCallEnd:
			if out := asString(ev.Data["output"]); out != "" {
				fmt.Fprintf(&b, "\n```\n%s\n```\n", out)
			}
		case agent.EventError:
			fmt.Fprintf(&b, "\n**error:** %v\n", ev.Data["error"])
		case agent.EventLoopDetection:
			fmt.Fprintf(&b, "\n*loop detected: %v*\n", ev.Data["message"])
		case agent.EventTurnLimit:
			b.WriteString("\n*turn limit reached*\n")
		}
	}
	return b.String()
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
