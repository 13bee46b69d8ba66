package ui

import (
	"context"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simonbystrom/teamrun/internal/client"
	"github.com/simonbystrom/teamrun/internal/config"
	"github.com/simonbystrom/teamrun/internal/report"
)

type mockRunner struct {
	mu      sync.Mutex
	running bool
	started [][]client.Handle
	stopped int
	err     error
}

func (r *mockRunner) StartRun(_ context.Context, clients []client.Handle) (*report.RunReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.started = append(r.started, clients)
	rep := report.New(time.Now())
	rep.CompletedAt = time.Now()
	return rep, nil
}

func (r *mockRunner) StopRun() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped++
}

func (r *mockRunner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

var testClients = []client.Handle{
	{ID: "ld-1", Title: "雷电模拟器-1", Address: "127.0.0.1:5557"},
	{ID: "ld-0", Title: "雷电模拟器-0", Address: "127.0.0.1:5555"},
}

func newTestApp(t *testing.T, r *mockRunner) AppModel {
	t.Helper()
	return NewApp(context.Background(), config.Default(), r, client.NewStore(), testClients, nil)
}

func keyPress(k string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(k)}
}

func TestAppModel_KeyQ_Quits(t *testing.T) {
	m := newTestApp(t, &mockRunner{})

	_, cmd := m.Update(keyPress("q"))
	require.NotNil(t, cmd)
	_, ok := cmd().(tea.QuitMsg)
	assert.True(t, ok)
}

func TestAppModel_QuitStopsRunningRun(t *testing.T) {
	r := &mockRunner{running: true}
	m := newTestApp(t, r)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	assert.Equal(t, 1, r.stopped)
}

func TestAppModel_WindowSizeMsg(t *testing.T) {
	m := newTestApp(t, &mockRunner{})

	updated, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	app := updated.(AppModel)
	assert.Equal(t, 120, app.width)
	assert.Equal(t, 40, app.height)
	assert.Equal(t, 120, app.dashboard.width)
}

func TestAppModel_TickKeepsChain(t *testing.T) {
	m := newTestApp(t, &mockRunner{})
	_, cmd := m.Update(tickMsg(time.Now()))
	assert.NotNil(t, cmd)
}

func TestAppModel_TracksConfiguredClients(t *testing.T) {
	m := newTestApp(t, &mockRunner{})
	all := m.dashboard.store.All()
	require.Len(t, all, 2)
	assert.Equal(t, client.StatusIdle, all[0].GetStatus())
}

func TestAppModel_View(t *testing.T) {
	m := newTestApp(t, &mockRunner{})
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 160, Height: 50})
	view := updated.View()
	assert.Contains(t, view, "ld-0")
	assert.Contains(t, view, "ld-1")
	assert.Contains(t, view, "idle")
	assert.Contains(t, view, "2 clients")
}
