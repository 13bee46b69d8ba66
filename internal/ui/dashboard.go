package ui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/simonbystrom/teamrun/internal/client"
	"github.com/simonbystrom/teamrun/internal/orchestrator"
	"github.com/simonbystrom/teamrun/internal/report"
)

// Runner is the control surface the dashboard drives.
type Runner interface {
	StartRun(ctx context.Context, clients []client.Handle) (*report.RunReport, error)
	StopRun()
	IsRunning() bool
}

// SaveFunc persists a finished run and returns where it was written.
type SaveFunc func(*report.RunReport) (string, error)

type sortMode int

const (
	sortByID sortMode = iota
	sortByStatus
	sortByDuration
)

const maxNotifications = 10

type notification struct {
	text  string
	time  time.Time
	style lipgloss.Style
}

type tickMsg time.Time

type reportSavedMsg struct {
	path string
	err  error
}

type dashboardModel struct {
	ctx     context.Context
	runner  Runner
	store   *client.Store
	clients []client.Handle
	save    SaveFunc

	keys    keyMap
	help    help.Model
	spinner spinner.Model
	styles  Styles

	cursor        int
	sortBy        sortMode
	notifications []notification
	lastSummary   string
	err           string
	width         int
	height        int
}

func newDashboard(ctx context.Context, s Styles, runner Runner, store *client.Store, clients []client.Handle, save SaveFunc) dashboardModel {
	for _, h := range clients {
		store.Track(h)
	}
	sp := spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(s.Running))
	h := help.New()
	h.Styles.ShortKey = s.Help
	h.Styles.ShortDesc = s.Help
	h.Styles.FullKey = s.Help
	h.Styles.FullDesc = s.Help
	return dashboardModel{
		ctx:     ctx,
		runner:  runner,
		store:   store,
		clients: clients,
		save:    save,
		keys:    newKeyMap(),
		help:    h,
		spinner: sp,
		styles:  s,
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(tickCmd(), m.spinner.Tick)
}

func (m *dashboardModel) notify(text string, style lipgloss.Style) {
	m.notifications = append(m.notifications, notification{text: text, time: time.Now(), style: style})
	if len(m.notifications) > maxNotifications {
		m.notifications = m.notifications[len(m.notifications)-maxNotifications:]
	}
}

func (m dashboardModel) Update(msg tea.Msg) (dashboardModel, tea.Cmd) {
	switch msg := msg.(type) {
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case orchestrator.TaskFinishedMsg:
		r := msg.Result
		if r.OK() {
			m.notify(fmt.Sprintf("%s finished %s as %s in %s", msg.Client.ID, r.TaskName, r.Role, formatDuration(r.Duration)), m.styles.Done)
		} else {
			m.notify(fmt.Sprintf("%s failed %s: %s", msg.Client.ID, r.TaskName, r.Error), m.styles.Failed)
		}
		return m, nil

	case orchestrator.ClientFinishedMsg:
		failed := 0
		for _, r := range msg.Results {
			if !r.OK() {
				failed++
			}
		}
		style := m.styles.Done
		if failed > 0 {
			style = m.styles.Failed
		}
		m.notify(fmt.Sprintf("%s finished: %d tasks, %d failed", msg.Client.ID, len(msg.Results), failed), style)
		return m, nil

	case orchestrator.RunFinishedMsg:
		if msg.Report != nil {
			s := report.Summarize(msg.Report)
			m.lastSummary = fmt.Sprintf("last run: %d/%d clients ok, %d tasks (%d failed) in %s",
				len(s.Succeeded), s.Clients, s.Tasks, s.FailedTasks, formatDuration(s.Duration))
			m.notify("Run finished", m.styles.Title)
		}
		return m, nil

	case orchestrator.RunErrorMsg:
		m.err = msg.Err.Error()
		return m, nil

	case reportSavedMsg:
		if msg.err != nil {
			m.err = fmt.Sprintf("save report: %v", msg.err)
		} else {
			m.notify("Report saved to "+msg.path, m.styles.Help)
		}
		return m, nil

	case tea.KeyMsg:
		m.err = ""
		progress := m.sorted()

		switch {
		case key.Matches(msg, m.keys.Down):
			if m.cursor < len(progress)-1 {
				m.cursor++
			}
		case key.Matches(msg, m.keys.Up):
			if m.cursor > 0 {
				m.cursor--
			}
		case key.Matches(msg, m.keys.Sort):
			m.sortBy = (m.sortBy + 1) % 3
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
		case key.Matches(msg, m.keys.Run):
			if m.runner.IsRunning() {
				m.err = "a run is already in progress"
				return m, nil
			}
			m.notify(fmt.Sprintf("Starting run on %d clients", len(m.clients)), m.styles.Running)
			return m, m.startRun()
		case key.Matches(msg, m.keys.Stop):
			if !m.runner.IsRunning() {
				m.err = "no run in progress"
				return m, nil
			}
			m.runner.StopRun()
			m.notify("Stop requested, clients finish their current task", m.styles.Stopped)
		}
	}

	return m, nil
}

// startRun runs in the background. Progress arrives through the store and
// the orchestrator's messages.
func (m dashboardModel) startRun() tea.Cmd {
	ctx, runner, clients, save := m.ctx, m.runner, m.clients, m.save
	return func() tea.Msg {
		rep, err := runner.StartRun(ctx, clients)
		if err != nil {
			return orchestrator.RunErrorMsg{Err: err}
		}
		if save == nil {
			return nil
		}
		path, err := save(rep)
		return reportSavedMsg{path: path, err: err}
	}
}

func (m dashboardModel) sorted() []*client.Progress {
	all := m.store.All()
	switch m.sortBy {
	case sortByStatus:
		order := map[client.Status]int{
			client.StatusFailed:     0,
			client.StatusWaiting:    1,
			client.StatusRunning:    2,
			client.StatusConnecting: 3,
			client.StatusStopped:    4,
			client.StatusDone:       5,
			client.StatusIdle:       6,
		}
		sort.SliceStable(all, func(i, j int) bool {
			oi, oj := order[all[i].GetStatus()], order[all[j].GetStatus()]
			if oi != oj {
				return oi < oj
			}
			return all[i].Handle.ID < all[j].Handle.ID
		})
	case sortByDuration:
		sort.SliceStable(all, func(i, j int) bool {
			return all[i].Duration() > all[j].Duration()
		})
	default:
		sort.SliceStable(all, func(i, j int) bool {
			return all[i].Handle.ID < all[j].Handle.ID
		})
	}
	return all
}

func (m dashboardModel) sortLabel() string {
	switch m.sortBy {
	case sortByStatus:
		return "status"
	case sortByDuration:
		return "duration"
	default:
		return "id"
	}
}

func (m dashboardModel) ViewContent() string {
	var b strings.Builder

	logoWidth := m.width - 8
	if logoWidth < 40 {
		logoWidth = 72
	}
	b.WriteString(m.styles.Logo.Render(renderLogo(logoWidth)))
	b.WriteString("\n\n")

	state := "idle"
	if m.runner.IsRunning() {
		state = m.spinner.View() + " running"
	}
	b.WriteString(m.styles.Title.Render(fmt.Sprintf("%d clients │ %s │ sort: %s", len(m.clients), state, m.sortLabel())))
	b.WriteString("\n")
	if m.lastSummary != "" {
		b.WriteString(m.styles.Help.Render("  " + m.lastSummary))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	progress := m.sorted()
	if len(progress) == 0 {
		b.WriteString(m.styles.Idle.Render("  No clients configured. Add [[clients]] to the config file."))
		b.WriteString("\n")
	} else {
		header := fmt.Sprintf("  %-8s %-16s %-11s %-16s %-6s %-9s %-9s", "ID", "Title", "Status", "Task", "Team", "Tasks", "Duration")
		b.WriteString(m.styles.Header.Render(header))
		b.WriteString("\n")
		for i, p := range progress {
			b.WriteString(m.row(p, i == m.cursor))
			b.WriteString("\n")
		}
	}

	if len(m.notifications) > 0 {
		b.WriteString("\n")
		b.WriteString(m.styles.Header.Render("  ── Notifications ──"))
		b.WriteString("\n")
		for i := len(m.notifications) - 1; i >= 0; i-- {
			n := m.notifications[i]
			b.WriteString(n.style.Render(fmt.Sprintf("  %s %s", n.time.Format("15:04"), n.text)))
			b.WriteString("\n")
		}
	}

	if m.err != "" {
		b.WriteString("\n")
		b.WriteString(m.styles.Error.Render("  Error: " + m.err))
		b.WriteString("\n")
	}

	b.WriteString("\n  ")
	b.WriteString(m.help.View(m.keys))

	return b.String()
}

func (m dashboardModel) row(p *client.Progress, selected bool) string {
	snap := p.Snapshot()

	status := m.styles.ForStatus(snap.Status).Render(string(snap.Status))
	// %-11s counts the ANSI escapes lipgloss adds, so pad by visual width
	if w := lipgloss.Width(status); w < 11 {
		status += strings.Repeat(" ", 11-w)
	}

	task := snap.CurrentTask
	if task == "" {
		task = "-"
	}
	teamMark := "-"
	if snap.TeamID != "" {
		teamMark = m.styles.Team.Render("team")
		if w := lipgloss.Width(teamMark); w < 6 {
			teamMark += strings.Repeat(" ", 6-w)
		}
	} else {
		teamMark = fmt.Sprintf("%-6s", teamMark)
	}

	title := p.Handle.Title
	if title == "" {
		title = "-"
	}
	tasks := fmt.Sprintf("%d/%d", snap.Succeeded+snap.Failed, snap.Total)
	if snap.Failed > 0 {
		tasks += "!"
	}

	line := fmt.Sprintf("  %-8s %-16s %s %-16s %s %-9s %-9s",
		truncate(p.Handle.ID, 8),
		truncate(title, 16),
		status,
		truncate(task, 16),
		teamMark,
		tasks,
		formatDuration(p.Duration()),
	)
	if snap.LastError != "" {
		line += " " + m.styles.Failed.Render(truncate(snap.LastError, 40))
	}
	if selected {
		line = m.styles.Selected.Render(line)
	}
	return line
}

func (m dashboardModel) View() string {
	maxWidth := m.width - 4
	if maxWidth < 40 {
		maxWidth = 80
	}
	return m.styles.Border.Width(maxWidth).Render(m.ViewContent())
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm %02ds", m, s)
}

// truncate shortens s to max display columns, marking the cut with "...".
func truncate(s string, max int) string {
	if lipgloss.Width(s) <= max {
		return s
	}
	keep := max - 3
	suffix := "..."
	if max <= 3 {
		keep, suffix = max, ""
	}
	var b strings.Builder
	w := 0
	for _, r := range s {
		rw := lipgloss.Width(string(r))
		if w+rw > keep {
			break
		}
		b.WriteRune(r)
		w += rw
	}
	return b.String() + suffix
}
