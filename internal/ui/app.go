package ui

import (
	"context"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/simonbystrom/teamrun/internal/client"
	"github.com/simonbystrom/teamrun/internal/config"
)

type AppModel struct {
	dashboard dashboardModel
	quit      key.Binding

	width  int
	height int
}

// NewApp builds the dashboard for clients. Runs are started through runner
// and, when save is set, their reports are persisted with it.
func NewApp(ctx context.Context, cfg config.Config, runner Runner, store *client.Store, clients []client.Handle, save SaveFunc) AppModel {
	d := newDashboard(ctx, NewStyles(cfg.Colors), runner, store, clients, save)
	return AppModel{
		dashboard: d,
		quit:      d.keys.Quit,
	}
}

func (m AppModel) Init() tea.Cmd {
	return m.dashboard.Init()
}

func (m AppModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.dashboard.width = msg.Width
		m.dashboard.height = msg.Height
		m.dashboard.help.Width = msg.Width - 8
		return m, nil

	case tea.FocusMsg:
		// refresh durations without waiting for the next tick
		return m, tickCmd()

	case tickMsg:
		// keep the tick chain alive; durations are read at render time
		return m, tickCmd()

	case tea.KeyMsg:
		if key.Matches(msg, m.quit) {
			// a run in progress is asked to stop; the caller waits for it
			if m.dashboard.runner.IsRunning() {
				m.dashboard.runner.StopRun()
			}
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.dashboard, cmd = m.dashboard.Update(msg)
	return m, cmd
}

func (m AppModel) View() string {
	return m.dashboard.View()
}
