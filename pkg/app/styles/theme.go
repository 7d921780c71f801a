package styles

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/kerbaras/mangashelf/pkg/services"
)

const (
	pink   = lipgloss.Color("#FF6B9D")
	violet = lipgloss.Color("#C792EA")
	text   = lipgloss.Color("#EEFFFF")
	grey   = lipgloss.Color("#546E7A")
)

var (
	TitleStyle    = lipgloss.NewStyle().Foreground(pink).Bold(true).MarginBottom(1)
	SubtitleStyle = lipgloss.NewStyle().Foreground(violet).Italic(true)
	TextStyle     = lipgloss.NewStyle().Foreground(text)
	MutedStyle    = lipgloss.NewStyle().Foreground(grey)
	HelpStyle     = MutedStyle.Italic(true).MarginTop(1)

	// CardStyle frames a new-chapter notification.
	CardStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(violet).Padding(0, 2)
)

var statusStyles = map[string]lipgloss.Style{
	services.StatusDownloading: lipgloss.NewStyle().Foreground(lipgloss.Color("#82AAFF")).Bold(true),
	services.StatusComplete:    lipgloss.NewStyle().Foreground(lipgloss.Color("#C3E88D")).Bold(true),
	services.StatusSkipped:     lipgloss.NewStyle().Foreground(lipgloss.Color("#FFCB6B")),
	services.StatusError:       lipgloss.NewStyle().Foreground(lipgloss.Color("#F07178")).Bold(true),
}

// StatusStyle picks the style of a download status; unknown ones are muted.
func StatusStyle(status string) lipgloss.Style {
	if s, ok := statusStyles[status]; ok {
		return s
	}
	return MutedStyle
}
