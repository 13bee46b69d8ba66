// Package orchestrator runs a pipeline on many clients at once and gathers
// their results into a run report.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	"github.com/simonbystrom/teamrun/internal/client"
	"github.com/simonbystrom/teamrun/internal/driver"
	"github.com/simonbystrom/teamrun/internal/metrics"
	"github.com/simonbystrom/teamrun/internal/pace"
	"github.com/simonbystrom/teamrun/internal/pipeline"
	"github.com/simonbystrom/teamrun/internal/report"
	"github.com/simonbystrom/teamrun/internal/team"
	"github.com/simonbystrom/teamrun/internal/vision"
)

// ExecutorTaskName keys the result recorded when an executor itself panics
// outside of any task.
const ExecutorTaskName = "executor"

type Orchestrator struct {
	pipeline pipeline.Pipeline
	drivers  driver.Factory
	vision   vision.Recognizer
	team     *team.Coordinator
	strategy team.Strategy
	pacer    *pace.Sleeper
	store    *client.Store
	program  *tea.Program
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	rendezvousTimeout time.Duration

	mu      sync.Mutex
	running bool
	stop    *atomic.Bool // replaced for every run
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithRecognizer(r vision.Recognizer) Option {
	return func(o *Orchestrator) { o.vision = r }
}

// WithCoordinator shares coord instead of a coordinator private to o.
func WithCoordinator(coord *team.Coordinator) Option {
	return func(o *Orchestrator) { o.team = coord }
}

func WithStrategy(s team.Strategy) Option {
	return func(o *Orchestrator) { o.strategy = s }
}

func WithPacer(p *pace.Sleeper) Option {
	return func(o *Orchestrator) { o.pacer = p }
}

// WithStore publishes each client's live progress to s.
func WithStore(s *client.Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithRendezvousTimeout bounds how long members of team tasks without a
// timeout wait for their leader.
func WithRendezvousTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.rendezvousTimeout = d }
}

func New(p pipeline.Pipeline, drivers driver.Factory, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		pipeline:          p,
		drivers:           drivers,
		strategy:          team.ChunkStrategy{},
		store:             client.NewStore(),
		logger:            slog.Default(),
		now:               time.Now,
		rendezvousTimeout: DefaultRendezvousTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.team == nil {
		o.team = team.NewCoordinator(team.WithLogger(o.logger), team.WithMetrics(o.metrics))
	}
	return o
}

// SetProgram routes run messages to p. A nil p stops them.
func (o *Orchestrator) SetProgram(p *tea.Program) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.program = p
}

// Coordinator returns the team coordinator shared by every executor.
func (o *Orchestrator) Coordinator() *team.Coordinator {
	return o.team
}

func (o *Orchestrator) Store() *client.Store {
	return o.store
}

func (o *Orchestrator) send(msg tea.Msg) {
	o.mu.Lock()
	p := o.program
	o.mu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}

// IsRunning reports whether a run is in progress.
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// StopRun asks every executor of the current run to stop before its next
// task. Tasks already underway are not interrupted.
func (o *Orchestrator) StopRun() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return
	}
	o.stop.Store(true)
	o.logger.Info("stop requested")
}

// StartRun runs the pipeline on every client concurrently and blocks until
// all of them are done. The report has one entry per distinct client, even
// when every client failed. Only input errors are returned.
func (o *Orchestrator) StartRun(ctx context.Context, clients []client.Handle) (*report.RunReport, error) {
	if len(clients) == 0 {
		return nil, ErrNoClients
	}
	run := dedupe(clients)
	if len(run) != len(clients) {
		o.logger.Warn("duplicate clients ignored", "selected", len(clients), "distinct", len(run))
	}

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	o.running = true
	stop := new(atomic.Bool)
	o.stop = stop
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	// leaders that finished in an earlier run must not release this run's members
	o.team.ForgetFinished()

	o.metrics.RunStarted()
	defer o.metrics.RunFinished()

	rep := report.New(o.now())
	o.logger.Info("run started", "run", rep.ID, "clients", len(run), "tasks", len(o.pipeline))

	results := make([]map[string]pipeline.Result, len(run))
	var g errgroup.Group
	for i, h := range run {
		i, h := i, h // per-iteration copies for go < 1.22
		ex := o.executor(h, run, stop)
		g.Go(func() error {
			results[i] = o.runExecutor(ctx, ex)
			o.send(ClientFinishedMsg{Client: h, Results: results[i]})
			return nil
		})
	}
	_ = g.Wait()

	for i, h := range run {
		rep.Add(h, results[i])
	}
	rep.CompletedAt = o.now()

	s := report.Summarize(rep)
	o.logger.Info("run finished", "run", rep.ID, "succeeded", len(s.Succeeded), "failed", len(s.Failed), "duration", rep.Duration())
	o.send(RunFinishedMsg{Report: rep})
	return rep, nil
}

func (o *Orchestrator) executor(h client.Handle, run []client.Handle, stop *atomic.Bool) *WindowExecutor {
	ex := NewWindowExecutor(h, o.pipeline, o.drivers(h), o.team, ExecutorConfig{
		Run:               run,
		Recognizer:        o.vision,
		Strategy:          o.strategy,
		Pacer:             o.pacer,
		Progress:          o.store.Track(h),
		Stop:              stop,
		RendezvousTimeout: o.rendezvousTimeout,
		OnTask: func(res pipeline.Result) {
			o.send(TaskFinishedMsg{Client: h, Result: res})
		},
		Logger:  o.logger,
		Metrics: o.metrics,
	})
	ex.now = o.now
	return ex
}

// runExecutor contains a panic escaping the executor to its own client.
func (o *Orchestrator) runExecutor(ctx context.Context, ex *WindowExecutor) (results map[string]pipeline.Result) {
	defer func() {
		if r := recover(); r != nil {
			now := o.now()
			err := fmt.Errorf("executor panic: %v", r)
			o.logger.Error("executor panicked", "client", ex.Handle().ID, "panic", r)
			results = map[string]pipeline.Result{
				ExecutorTaskName: {
					TaskName:  ExecutorTaskName,
					Status:    pipeline.StatusFailed,
					StartTime: now,
					EndTime:   now,
					Error:     err.Error(),
					Err:       err,
					Role:      pipeline.RoleSolo,
				},
			}
			ex.progress.Finish(client.StatusFailed, now)
		}
	}()
	return ex.RunAll(ctx)
}

func dedupe(hs []client.Handle) []client.Handle {
	seen := make(map[client.Handle]bool, len(hs))
	out := make([]client.Handle, 0, len(hs))
	for _, h := range hs {
		if seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}
