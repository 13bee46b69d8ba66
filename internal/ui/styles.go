package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/simonbystrom/teamrun/internal/client"
	"github.com/simonbystrom/teamrun/internal/config"
)

// Styles holds every lipgloss style the dashboard renders with.
type Styles struct {
	Title    lipgloss.Style
	Header   lipgloss.Style
	Selected lipgloss.Style
	Idle     lipgloss.Style
	Running  lipgloss.Style
	Waiting  lipgloss.Style
	Done     lipgloss.Style
	Failed   lipgloss.Style
	Stopped  lipgloss.Style
	Team     lipgloss.Style
	Help     lipgloss.Style
	Border   lipgloss.Style
	Error    lipgloss.Style
	Logo     lipgloss.Style
}

func NewStyles(c config.Colors) Styles {
	return Styles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color(c.Title)).
			Padding(0, 1),
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color(c.Header)),
		Selected: lipgloss.NewStyle().
			Background(lipgloss.Color(c.SelectedBG)).
			Foreground(lipgloss.Color(c.SelectedFG)),
		Idle: lipgloss.NewStyle().
			Foreground(lipgloss.Color(c.Idle)),
		Running: lipgloss.NewStyle().
			Foreground(lipgloss.Color(c.Running)),
		Waiting: lipgloss.NewStyle().
			Foreground(lipgloss.Color(c.Waiting)).
			Bold(true),
		Done: lipgloss.NewStyle().
			Foreground(lipgloss.Color(c.Done)),
		Failed: lipgloss.NewStyle().
			Foreground(lipgloss.Color(c.Failed)).
			Bold(true),
		Stopped: lipgloss.NewStyle().
			Foreground(lipgloss.Color(c.Stopped)),
		Team: lipgloss.NewStyle().
			Foreground(lipgloss.Color(c.Team)),
		Help: lipgloss.NewStyle().
			Foreground(lipgloss.Color(c.Help)),
		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color(c.Border)).
			Padding(1, 2),
		Error: lipgloss.NewStyle().
			Foreground(lipgloss.Color(c.Error)).
			Bold(true),
		Logo: lipgloss.NewStyle().
			Foreground(lipgloss.Color(c.Logo)),
	}
}

// ForStatus returns the style a client status is rendered with.
func (s Styles) ForStatus(st client.Status) lipgloss.Style {
	switch st {
	case client.StatusRunning, client.StatusConnecting:
		return s.Running
	case client.StatusWaiting:
		return s.Waiting
	case client.StatusDone:
		return s.Done
	case client.StatusFailed:
		return s.Failed
	case client.StatusStopped:
		return s.Stopped
	default:
		return s.Idle
	}
}
