// ABOUTME: Defines lipgloss style constants for the chat TUI panels and role-colored transcript lines.
// ABOUTME: Provides StyleForRole to map transcript roles to their corresponding display styles.
package tui

import "github.com/charmbracelet/lipgloss"

var (
	// Panel borders
	BorderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62"))

	// Title styling
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("170"))

	// Transcript role colors
	UserStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("75")).Bold(true)
	AssistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	ThinkingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Italic(true)
	ToolStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	ToolOutputStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	ErrorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	SystemStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))

	// Status bar
	StatusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("252")).
			Padding(0, 1)

	// Input box
	InputStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240"))
)

// TranscriptRole discriminates the speaker of a rendered transcript line.
type TranscriptRole int

const (
	RoleUser TranscriptRole = iota
	RoleAssistant
	RoleThinking
	RoleTool
	RoleToolOutput
	RoleError
	RoleSystem
)

// StyleForRole returns the appropriate lipgloss style for a TranscriptRole.
func StyleForRole(role TranscriptRole) lipgloss.Style {
	switch role {
	case RoleUser:
		return UserStyle
	case RoleAssistant:
		return AssistantStyle
	case RoleThinking:
		return ThinkingStyle
	case RoleTool:
		return ToolStyle
	case RoleToolOutput:
		return ToolOutputStyle
	case RoleError:
		return ErrorStyle
	case RoleSystem:
		return SystemStyle
	default:
		return AssistantStyle
	}
}
