package orchestrator

import (
	"context"
	"image"
	"sync"

	"github.com/simonbystrom/teamrun/internal/client"
	"github.com/simonbystrom/teamrun/internal/driver"
	"github.com/simonbystrom/teamrun/internal/pipeline"
	"github.com/simonbystrom/teamrun/internal/vision"
)

// --- Mock implementations ---

type mockDriver struct {
	mu    sync.Mutex
	calls []string

	connectErr    error
	connectPanic  bool
	disconnectErr error
}

func (m *mockDriver) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockDriver) hasCalled(call string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (m *mockDriver) Connect(_ context.Context, h client.Handle) error {
	m.record("Connect:" + h.ID)
	if m.connectPanic {
		panic("driver exploded")
	}
	return m.connectErr
}

func (m *mockDriver) Capture(context.Context) (image.Image, error) {
	m.record("Capture")
	return image.NewRGBA(image.Rect(0, 0, 8, 8)), nil
}

func (m *mockDriver) Tap(_ context.Context, x, y int) error {
	m.record("Tap")
	return nil
}

func (m *mockDriver) Swipe(context.Context, int, int, int, int, int) error {
	m.record("Swipe")
	return nil
}

func (m *mockDriver) InputText(_ context.Context, text string) error {
	m.record("InputText:" + text)
	return nil
}

func (m *mockDriver) KeyEvent(context.Context, int) error {
	m.record("KeyEvent")
	return nil
}

func (m *mockDriver) ScreenSize(context.Context) (int, int, error) {
	return 8, 8, nil
}

func (m *mockDriver) Disconnect(ctx context.Context) error {
	m.record("Disconnect")
	if ctx.Err() != nil {
		m.record("Disconnect:ctx-done")
	}
	return m.disconnectErr
}

// mockDrivers hands out one mockDriver per client id.
type mockDrivers struct {
	mu      sync.Mutex
	drivers map[string]*mockDriver
}

func newMockDrivers() *mockDrivers {
	return &mockDrivers{drivers: make(map[string]*mockDriver)}
}

func (m *mockDrivers) get(id string) *mockDriver {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		d = &mockDriver{}
		m.drivers[id] = d
	}
	return d
}

func (m *mockDrivers) factory() driver.Factory {
	return func(h client.Handle) driver.Driver { return m.get(h.ID) }
}

type mockRecognizer struct{}

func (mockRecognizer) LocateText(context.Context, image.Image, string, float64) (*vision.BBox, error) {
	return &vision.BBox{X: 1, Y: 1, W: 2, H: 2, Score: 1}, nil
}

func (mockRecognizer) LocateTemplate(context.Context, image.Image, string, float64) (*vision.BBox, error) {
	return nil, nil
}

// call records one exec invocation.
type call struct {
	client string
	task   string
	role   pipeline.Role
	teamID string
}

type callLog struct {
	mu    sync.Mutex
	calls []call
}

func (l *callLog) add(c call) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, c)
}

func (l *callLog) forClient(id string) []call {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []call
	for _, c := range l.calls {
		if c.client == id {
			out = append(out, c)
		}
	}
	return out
}

// recording returns an exec func that logs its invocation and then runs fn.
func (l *callLog) recording(task string, fn pipeline.ExecFunc) pipeline.ExecFunc {
	return func(ctx context.Context, env *pipeline.Env) (pipeline.Outcome, error) {
		l.add(call{client: env.Client.ID, task: task, role: env.Role, teamID: env.TeamID})
		if fn == nil {
			return pipeline.Outcome{"ok": true}, nil
		}
		return fn(ctx, env)
	}
}
