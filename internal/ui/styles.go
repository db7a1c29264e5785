package ui

import (
	"fmt"

	"github.com/BioHazard786/voicelink/internal/call"
	"github.com/BioHazard786/voicelink/internal/walkie"
	"github.com/charmbracelet/lipgloss"
)

// Color palette
var (
	Primary = lipgloss.Color("#34d399") // Mint accent
	Success = lipgloss.Color("#10B981") // Emerald
	Warning = lipgloss.Color("#F59E0B") // Amber
	Error   = lipgloss.Color("#EF4444") // Red
	Muted   = lipgloss.Color("#6B7280") // Gray
)

// Text styles
var (
	SuccessStyle = lipgloss.NewStyle().
			Foreground(Success).
			Bold(true)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(Error).
			Bold(true)

	WarningStyle = lipgloss.NewStyle().
			Foreground(Warning)

	MutedStyle = lipgloss.NewStyle().
			Foreground(Muted)

	BoldStyle = lipgloss.NewStyle().
			Bold(true)
)

// Table styles
var (
	TableHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(Primary).
				Align(lipgloss.Center)

	tableCellStyle = lipgloss.NewStyle().Padding(0, 1)

	TableRowStyle = tableCellStyle.Foreground(lipgloss.Color("255"))

	TableRowAltStyle = tableCellStyle.Foreground(lipgloss.Color("245"))
)

var (
	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(Primary).
			Background(lipgloss.Color("#1F2937")).
			Padding(0, 2).
			MarginBottom(1)

	FooterStyle = lipgloss.NewStyle().
			Foreground(Muted).
			MarginTop(1)
)

var SpinnerStyle = lipgloss.NewStyle().Foreground(Primary)

// Emoji helpers for consistent iconography
const (
	IconSuccess   = "✅"
	IconError     = "❌"
	IconWarning   = "⚠️"
	IconInfo      = "ℹ️"
	IconCall      = "📞"
	IconHangUp    = "📴"
	IconMic       = "🎙️"
	IconMuted     = "🔇"
	IconSpeaker   = "🔊"
	IconEarpiece  = "🔈"
	IconTalking   = "🗣️"
	IconListening = "👂"
	IconNetwork   = "📶"
	IconTime      = "⏱️"
	IconRetry     = "🔁"
)

// CallStateStyle colors a call state for display.
func CallStateStyle(s call.State) lipgloss.Style {
	switch s {
	case call.StateConnected:
		return SuccessStyle
	case call.StateFailed:
		return ErrorStyle
	case call.StateEnded, call.StateIdle:
		return MutedStyle
	default:
		return WarningStyle
	}
}

// PeerStateStyle colors a walkie-talkie link state for display.
func PeerStateStyle(s walkie.PeerState) lipgloss.Style {
	switch s {
	case walkie.PeerConnected:
		return SuccessStyle
	case walkie.PeerFailed:
		return ErrorStyle
	case walkie.PeerDisconnected:
		return MutedStyle
	default:
		return WarningStyle
	}
}

func PrintError(msg string) {
	fmt.Printf("%s %s\n", ErrorStyle.Render(IconError), ErrorStyle.Render(msg))
}

func PrintErrorf(format string, args ...any) {
	PrintError(fmt.Sprintf(format, args...))
}

func PrintWarning(msg string) {
	fmt.Printf("%s %s\n", WarningStyle.Render(IconWarning), WarningStyle.Render(msg))
}

func PrintWarningf(format string, args ...any) {
	PrintWarning(fmt.Sprintf(format, args...))
}

func PrintSuccess(msg string) {
	fmt.Printf("%s %s\n", SuccessStyle.Render(IconSuccess), msg)
}

func PrintSuccessf(format string, args ...any) {
	PrintSuccess(fmt.Sprintf(format, args...))
}

func PrintInfo(msg string) {
	fmt.Printf("%s %s\n", IconInfo, msg)
}

func PrintInfof(format string, args ...any) {
	PrintInfo(fmt.Sprintf(format, args...))
}

func FormatError(err error) string {
	return fmt.Sprintf("%s %s", ErrorStyle.Render(IconError), ErrorStyle.Render(err.Error()))
}
