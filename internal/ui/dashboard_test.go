package ui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simonbystrom/teamrun/internal/client"
	"github.com/simonbystrom/teamrun/internal/config"
	"github.com/simonbystrom/teamrun/internal/orchestrator"
	"github.com/simonbystrom/teamrun/internal/pipeline"
	"github.com/simonbystrom/teamrun/internal/report"
)

func newTestDashboard(t *testing.T, r *mockRunner, save SaveFunc) dashboardModel {
	t.Helper()
	d := newDashboard(context.Background(), NewStyles(config.Default().Colors), r, client.NewStore(), testClients, save)
	d.width = 160
	return d
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0m 00s"},
		{65 * time.Second, "1m 05s"},
		{3661 * time.Second, "61m 01s"},
		{30 * time.Second, "0m 30s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.d), tt.d.String())
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		s    string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"this is a long string", 10, "this is..."},
		{"abc", 3, "abc"},
		{"abcd", 3, "abc"},
		{"雷电模拟器-12", 8, "雷电..."},
		{"天庭降妖天庭降妖天庭降妖", 16, "天庭降妖天庭..."},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, truncate(tt.s, tt.max), tt.s)
	}
}

func TestDashboard_CursorAndSort(t *testing.T) {
	d := newTestDashboard(t, &mockRunner{}, nil)

	d, _ = d.Update(keyPress("j"))
	assert.Equal(t, 1, d.cursor)
	d, _ = d.Update(keyPress("j"))
	assert.Equal(t, 1, d.cursor, "cursor stays on the last row")
	d, _ = d.Update(keyPress("k"))
	assert.Equal(t, 0, d.cursor)

	assert.Equal(t, "ld-0", d.sorted()[0].Handle.ID)

	p, _ := d.store.Get("ld-1")
	p.Finish(client.StatusFailed, time.Now())
	d, _ = d.Update(keyPress("s"))
	assert.Equal(t, "status", d.sortLabel())
	assert.Equal(t, "ld-1", d.sorted()[0].Handle.ID)

	d, _ = d.Update(keyPress("s"))
	assert.Equal(t, "duration", d.sortLabel())
	d, _ = d.Update(keyPress("s"))
	assert.Equal(t, "id", d.sortLabel())
}

func TestDashboard_RunStartsAndSaves(t *testing.T) {
	r := &mockRunner{}
	var saved *report.RunReport
	d := newTestDashboard(t, r, func(rep *report.RunReport) (string, error) {
		saved = rep
		return "/tmp/run.json", nil
	})

	d, cmd := d.Update(keyPress("r"))
	require.NotNil(t, cmd)
	msg := cmd()
	require.Len(t, r.started, 1)
	assert.Equal(t, testClients, r.started[0])
	assert.NotNil(t, saved)

	d, _ = d.Update(msg)
	last := d.notifications[len(d.notifications)-1]
	assert.Contains(t, last.text, "/tmp/run.json")
}

func TestDashboard_RunErrorShown(t *testing.T) {
	r := &mockRunner{err: orchestrator.ErrAlreadyRunning}
	d := newTestDashboard(t, r, nil)

	d, cmd := d.Update(keyPress("r"))
	require.NotNil(t, cmd)
	d, _ = d.Update(cmd())
	assert.Equal(t, orchestrator.ErrAlreadyRunning.Error(), d.err)
	assert.Contains(t, d.ViewContent(), "Error:")
}

func TestDashboard_SaveErrorShown(t *testing.T) {
	d := newTestDashboard(t, &mockRunner{}, func(*report.RunReport) (string, error) {
		return "", errors.New("disk full")
	})
	d, cmd := d.Update(keyPress("r"))
	d, _ = d.Update(cmd())
	assert.Contains(t, d.err, "disk full")
}

func TestDashboard_RunWhileRunning(t *testing.T) {
	r := &mockRunner{running: true}
	d := newTestDashboard(t, r, nil)

	d, cmd := d.Update(keyPress("r"))
	assert.Nil(t, cmd)
	assert.Contains(t, d.err, "already")
	assert.Empty(t, r.started)
}

func TestDashboard_Stop(t *testing.T) {
	r := &mockRunner{}
	d := newTestDashboard(t, r, nil)

	d, _ = d.Update(keyPress("x"))
	assert.Equal(t, 0, r.stopped)
	assert.Contains(t, d.err, "no run")

	r.running = true
	d, _ = d.Update(keyPress("x"))
	assert.Equal(t, 1, r.stopped)
	assert.Empty(t, d.err)
}

func TestDashboard_Messages(t *testing.T) {
	d := newTestDashboard(t, &mockRunner{}, nil)
	h := testClients[1]

	d, _ = d.Update(orchestrator.TaskFinishedMsg{Client: h, Result: pipeline.Result{
		TaskName: "guild", Status: pipeline.StatusSuccess, Role: pipeline.RoleSolo, Duration: time.Minute,
	}})
	d, _ = d.Update(orchestrator.TaskFinishedMsg{Client: h, Result: pipeline.Result{
		TaskName: "sect", Status: pipeline.StatusFailed, Error: "boom",
	}})
	d, _ = d.Update(orchestrator.ClientFinishedMsg{Client: h, Results: map[string]pipeline.Result{
		"guild": {Status: pipeline.StatusSuccess},
		"sect":  {Status: pipeline.StatusFailed},
	}})
	require.Len(t, d.notifications, 3)
	assert.Contains(t, d.notifications[0].text, "ld-0 finished guild as solo")
	assert.Contains(t, d.notifications[1].text, "boom")
	assert.Contains(t, d.notifications[2].text, "2 tasks, 1 failed")

	rep := report.New(time.Now().Add(-time.Minute))
	rep.Add(h, map[string]pipeline.Result{"guild": {Status: pipeline.StatusSuccess}})
	rep.CompletedAt = time.Now()
	d, _ = d.Update(orchestrator.RunFinishedMsg{Report: rep})
	assert.Contains(t, d.lastSummary, "1/1 clients ok")
	assert.Contains(t, d.ViewContent(), "last run")
}

func TestDashboard_NotificationsCapped(t *testing.T) {
	d := newTestDashboard(t, &mockRunner{}, nil)
	for i := 0; i < maxNotifications+5; i++ {
		d.notify("n", d.styles.Help)
	}
	assert.Len(t, d.notifications, maxNotifications)
}

func TestDashboard_RowShowsProgress(t *testing.T) {
	d := newTestDashboard(t, &mockRunner{running: true}, nil)
	p, _ := d.store.Get("ld-0")
	p.Start(3, time.Now())
	p.BeginTask("celestial_court")
	p.SetTeam("celestial_court_ld-0_1_1")
	p.EndTask(false, "accept invite: target not found")
	p.BeginTask("demon_king")
	p.SetTeam("demon_king_ld-0_1_2")

	view := d.ViewContent()
	assert.Contains(t, view, "running")
	assert.Contains(t, view, "demon_king")
	assert.Contains(t, view, "team")
	assert.Contains(t, view, "1/3!")
	assert.True(t, strings.Contains(view, "accept invite"))
}

func TestDashboard_HelpToggle(t *testing.T) {
	d := newTestDashboard(t, &mockRunner{}, nil)
	assert.False(t, d.help.ShowAll)
	d, _ = d.Update(keyPress("?"))
	assert.True(t, d.help.ShowAll)
	assert.Contains(t, d.ViewContent(), "quit")
}

var _ tea.Model = AppModel{}
