// Package bounded runs independent functions concurrently with a cap on how
// many execute at the same time. It knows nothing about pipelines or teams
// and is used for bulk work such as launching the app on every client.
package bounded

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/simonbystrom/teamrun/internal/metrics"
)

// ErrShutdown is recorded for tasks submitted after Shutdown.
var ErrShutdown = errors.New("manager is shut down")

// Func is the unit of work. It should return promptly once ctx is done.
type Func func(ctx context.Context) (any, error)

type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Outcome is the recorded result of one submitted task.
type Outcome struct {
	Status     Status
	Value      any
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is the time the function spent executing. Tasks cancelled before
// they acquired a slot report zero.
func (o Outcome) Duration() time.Duration {
	if o.StartedAt.IsZero() || o.FinishedAt.IsZero() {
		return 0
	}
	return o.FinishedAt.Sub(o.StartedAt)
}

// Manager admits at most maxConcurrent tasks at once. The zero value is not
// usable; construct with New.
type Manager struct {
	sem *semaphore.Weighted
	max int64

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // tasks not yet finished
	results map[string]Outcome
	active  int
	idle    chan struct{} // closed when active drops to zero
	closed  bool

	seq     atomic.Uint64
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// New returns a Manager allowing maxConcurrent tasks to run at once. Values
// below one are treated as one.
func New(maxConcurrent int, opts ...Option) *Manager {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	idle := make(chan struct{})
	close(idle)
	m := &Manager{
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		max:     int64(maxConcurrent),
		cancels: make(map[string]context.CancelFunc),
		results: make(map[string]Outcome),
		idle:    idle,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MaxConcurrent returns the configured cap.
func (m *Manager) MaxConcurrent() int {
	return int(m.max)
}

// Submit schedules fn and returns its task id immediately. The id is name
// when it is non-empty and unused, otherwise a generated one. fn runs once a
// slot is free; it never runs if ctx is done or the manager is shut down
// before then.
func (m *Manager) Submit(ctx context.Context, fn Func, name string) string {
	n := m.seq.Add(1)

	m.mu.Lock()
	id := name
	if id == "" {
		id = fmt.Sprintf("task_%d", n)
	} else if m.known(id) {
		id = fmt.Sprintf("%s_%d", name, n)
	}

	if m.closed {
		m.results[id] = Outcome{Status: StatusCancelled, Err: ErrShutdown, FinishedAt: time.Now()}
		m.mu.Unlock()
		m.logger.Warn("task submitted after shutdown", "task", id)
		return id
	}

	tctx, cancel := context.WithCancel(ctx)
	m.cancels[id] = cancel
	if m.active == 0 {
		m.idle = make(chan struct{})
	}
	m.active++
	m.mu.Unlock()

	go m.run(tctx, cancel, id, fn)
	return id
}

func (m *Manager) known(id string) bool {
	if _, ok := m.cancels[id]; ok {
		return true
	}
	_, ok := m.results[id]
	return ok
}

func (m *Manager) run(ctx context.Context, cancel context.CancelFunc, id string, fn Func) {
	defer cancel()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.logger.Debug("task cancelled before start", "task", id, "error", err)
		m.finish(id, Outcome{Status: StatusCancelled, Err: err, FinishedAt: time.Now()})
		return
	}
	defer m.sem.Release(1)
	if err := ctx.Err(); err != nil {
		m.finish(id, Outcome{Status: StatusCancelled, Err: err, FinishedAt: time.Now()})
		return
	}

	m.metrics.BoundedStarted()
	out := invoke(ctx, fn)
	m.metrics.BoundedFinished(string(out.Status))

	if out.Err != nil {
		m.logger.Warn("task failed", "task", id, "status", out.Status, "error", out.Err)
	}
	m.finish(id, out)
}

// invoke runs fn and turns a panic into a failed outcome.
func invoke(ctx context.Context, fn Func) (out Outcome) {
	out.StartedAt = time.Now()
	defer func() {
		if r := recover(); r != nil {
			out.Status = StatusFailed
			out.Value = nil
			out.Err = fmt.Errorf("panic: %v", r)
		}
		out.FinishedAt = time.Now()
	}()

	v, err := fn(ctx)
	switch {
	case err == nil:
		out.Status = StatusSuccess
		out.Value = v
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		out.Status = StatusCancelled
		out.Err = err
	default:
		out.Status = StatusFailed
		out.Err = err
	}
	return out
}

func (m *Manager) finish(id string, out Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cancels, id)
	m.results[id] = out
	m.active--
	if m.active == 0 {
		close(m.idle)
	}
}

// WaitAllComplete blocks until every submitted task has finished or the
// timeout elapses, and reports which happened. A timeout of zero or less
// waits without a bound.
func (m *Manager) WaitAllComplete(timeout time.Duration) bool {
	m.mu.Lock()
	idle := m.idle
	m.mu.Unlock()

	if timeout <= 0 {
		<-idle
		return true
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-idle:
		return true
	case <-t.C:
		m.logger.Warn("tasks still running after timeout", "pending", m.Pending(), "timeout", timeout)
		return false
	}
}

// Results returns a snapshot of finished tasks keyed by task id.
func (m *Manager) Results() map[string]Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.results)
}

// Result returns the outcome of one finished task.
func (m *Manager) Result(id string) (Outcome, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, ok := m.results[id]
	return out, ok
}

// Pending returns the number of tasks that have not finished, whether
// running or waiting for a slot.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Cancel cancels the context of one unfinished task. It returns false when
// the task is unknown or already finished.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	cancel, ok := m.cancels[id]
	m.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Shutdown cancels every unfinished task and rejects further submissions.
// It does not wait; call WaitAllComplete for that. Calling it more than once
// is harmless.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancels := make([]context.CancelFunc, 0, len(m.cancels))
	for _, c := range m.cancels {
		cancels = append(cancels, c)
	}
	m.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	m.logger.Info("bounded manager shut down", "cancelled", len(cancels))
}
