package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/simonbystrom/teamrun/internal/client"
	"github.com/simonbystrom/teamrun/internal/driver"
	"github.com/simonbystrom/teamrun/internal/metrics"
	"github.com/simonbystrom/teamrun/internal/pace"
	"github.com/simonbystrom/teamrun/internal/pipeline"
	"github.com/simonbystrom/teamrun/internal/team"
	"github.com/simonbystrom/teamrun/internal/vision"
)

// ConnectTaskName keys the single result recorded when a client cannot be
// connected.
const ConnectTaskName = "connect"

// DefaultRendezvousTimeout bounds how long a member waits for its leader when
// the task has no timeout of its own.
const DefaultRendezvousTimeout = 5 * time.Minute

// disconnectTimeout bounds the disconnect at the end of a run, which runs
// even after the run's context is done.
const disconnectTimeout = 10 * time.Second

// WindowExecutor runs one client's pipeline, one task at a time, and records
// a result per task. A failing task never stops the tasks after it.
type WindowExecutor struct {
	handle   client.Handle
	run      []client.Handle
	pipeline pipeline.Pipeline
	driver   driver.Driver
	vision   vision.Recognizer
	team     *team.Coordinator
	strategy team.Strategy
	pacer    *pace.Sleeper
	progress *client.Progress
	stop     *atomic.Bool

	// pending holds the tasks RunAll has not finished yet.
	pending []pipeline.TaskSpec

	rendezvousTimeout time.Duration
	onTask            func(pipeline.Result)
	now               func() time.Time
	logger            *slog.Logger
	metrics           *metrics.Metrics
}

// ExecutorConfig holds the optional collaborators of a WindowExecutor. Zero
// fields get defaults.
type ExecutorConfig struct {
	// Run lists the clients taking part in the run, in selection order.
	// Team formation draws teammates from it. Defaults to the client alone.
	Run        []client.Handle
	Recognizer vision.Recognizer
	Strategy   team.Strategy // defaults to team.ChunkStrategy
	Pacer      *pace.Sleeper
	Progress   *client.Progress
	// Stop is shared by every executor of a run and checked before each task.
	Stop *atomic.Bool
	// RendezvousTimeout applies to members of team tasks without a timeout.
	RendezvousTimeout time.Duration
	// OnTask is called with every result as soon as it is recorded.
	OnTask  func(pipeline.Result)
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func NewWindowExecutor(h client.Handle, p pipeline.Pipeline, d driver.Driver, coord *team.Coordinator, cfg ExecutorConfig) *WindowExecutor {
	e := &WindowExecutor{
		handle:            h,
		run:               cfg.Run,
		pipeline:          p,
		driver:            d,
		vision:            cfg.Recognizer,
		team:              coord,
		strategy:          cfg.Strategy,
		pacer:             cfg.Pacer,
		progress:          cfg.Progress,
		stop:              cfg.Stop,
		rendezvousTimeout: cfg.RendezvousTimeout,
		onTask:            cfg.OnTask,
		now:               time.Now,
		logger:            cfg.Logger,
		metrics:           cfg.Metrics,
	}
	if len(e.run) == 0 {
		e.run = []client.Handle{h}
	}
	if e.strategy == nil {
		e.strategy = team.ChunkStrategy{}
	}
	if e.progress == nil {
		e.progress = client.NewProgress(h)
	}
	if e.stop == nil {
		e.stop = new(atomic.Bool)
	}
	if e.rendezvousTimeout <= 0 {
		e.rendezvousTimeout = DefaultRendezvousTimeout
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("client", h.ID)
	return e
}

func (e *WindowExecutor) Handle() client.Handle {
	return e.handle
}

// Stop asks the executor to return before its next task.
func (e *WindowExecutor) Stop() {
	e.stop.Store(true)
}

// RunAll connects to the client and runs every task scheduled for today. It
// always returns a result map; a connection failure yields a single failed
// result under ConnectTaskName.
func (e *WindowExecutor) RunAll(ctx context.Context) map[string]pipeline.Result {
	results := make(map[string]pipeline.Result)
	started := e.now()
	tasks := e.pipeline.For(started)
	e.progress.Start(len(tasks), started)
	e.pending = tasks
	// on every return, panics included
	defer e.abandonPending()

	if err := e.driver.Connect(ctx, e.handle); err != nil {
		cerr := &ConnectionError{Client: e.handle, Err: err}
		end := e.now()
		res := pipeline.Result{
			TaskName:  ConnectTaskName,
			Status:    pipeline.StatusFailed,
			Duration:  end.Sub(started),
			StartTime: started,
			EndTime:   end,
			Error:     cerr.Error(),
			Err:       cerr,
			Role:      pipeline.RoleSolo,
		}
		results[ConnectTaskName] = res
		e.metrics.IncConnectFailure()
		e.logger.Error("connect failed", "address", e.handle.Address, "error", err)
		e.progress.EndTask(false, res.Error)
		e.progress.Finish(client.StatusFailed, end)
		e.notify(res)
		return results
	}
	e.logger.Info("connected", "tasks", len(tasks))
	defer func() {
		// members are released before the disconnect waits for a worker
		e.abandonPending()
		e.disconnect(ctx)
	}()

	failed := false
	for i, spec := range tasks {
		if e.stop.Load() || ctx.Err() != nil {
			e.logger.Info("stopping before task", "task", spec.Name, "remaining", len(tasks)-i)
			e.progress.Finish(client.StatusStopped, e.now())
			return results
		}
		if i > 0 {
			if err := e.pacer.Step(ctx); err != nil {
				e.progress.Finish(client.StatusStopped, e.now())
				return results
			}
		}

		res := e.runTask(ctx, spec)
		e.pending = tasks[i+1:]
		results[spec.Name] = res
		failed = failed || !res.OK()
	}

	if failed {
		e.progress.Finish(client.StatusFailed, e.now())
	} else {
		e.progress.Finish(client.StatusDone, e.now())
	}
	return results
}

func (e *WindowExecutor) disconnect(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectTimeout)
	defer cancel()
	if err := e.driver.Disconnect(ctx); err != nil {
		e.logger.Warn("disconnect failed", "error", err)
	}
}

// abandonPending releases the members of every pending team task this
// client would have led.
func (e *WindowExecutor) abandonPending() {
	for _, spec := range e.pending {
		if !spec.Team {
			continue
		}
		f := e.strategy.Form(spec.Name, spec.TeamSize, e.handle, e.run)
		if !f.Solo() && f.Leader == e.handle {
			e.team.Abandon(spec.Name, e.handle)
		}
	}
	e.pending = nil
}

func (e *WindowExecutor) runTask(ctx context.Context, spec pipeline.TaskSpec) pipeline.Result {
	e.progress.BeginTask(spec.Name)
	start := e.now()

	role, teamID := pipeline.RoleSolo, ""
	var out pipeline.Outcome
	var err error
	if spec.Team {
		out, role, teamID, err = e.runTeam(ctx, spec)
	} else {
		out, err = e.exec(ctx, spec, pipeline.RoleSolo, "")
	}

	end := e.now()
	res := pipeline.Result{
		TaskName:  spec.Name,
		Status:    pipeline.StatusSuccess,
		Duration:  end.Sub(start),
		StartTime: start,
		EndTime:   end,
		Role:      role,
		TeamID:    teamID,
		Outcome:   out,
	}
	if err != nil {
		serr := &StepError{Client: e.handle, Task: spec.Name, Err: err}
		res.Status = pipeline.StatusFailed
		res.Error = serr.Error()
		res.Err = serr
		e.logger.Warn("task failed", "task", spec.Name, "role", role, "team", teamID, "error", err)
	} else {
		e.logger.Info("task done", "task", spec.Name, "role", role, "team", teamID, "duration", res.Duration)
	}

	e.metrics.ObserveTask(spec.Name, string(res.Status), string(role), res.Duration)
	e.progress.EndTask(res.OK(), res.Error)
	e.notify(res)
	return res
}

// runTeam forms or joins the task's team. Without teammates the task runs
// solo; a member whose team never becomes ready falls back to solo too.
func (e *WindowExecutor) runTeam(ctx context.Context, spec pipeline.TaskSpec) (pipeline.Outcome, pipeline.Role, string, error) {
	f := e.strategy.Form(spec.Name, spec.TeamSize, e.handle, e.run)
	if f.Solo() || !f.Includes(e.handle) {
		e.logger.Debug("no teammates, running solo", "task", spec.Name)
		out, err := e.exec(ctx, spec, pipeline.RoleSolo, "")
		return out, pipeline.RoleSolo, "", err
	}
	if f.Leader == e.handle {
		return e.lead(ctx, spec, f)
	}
	return e.follow(ctx, spec, f)
}

func (e *WindowExecutor) lead(ctx context.Context, spec pipeline.TaskSpec, f team.Formation) (pipeline.Outcome, pipeline.Role, string, error) {
	id := e.team.CreateTeam(spec.Name, e.handle, f.Members)
	// the creator always disbands, whatever the task returns
	defer e.team.DisbandTeam(id)

	role := e.team.Role(id, e.handle)
	e.progress.SetTeam(id)
	out, err := e.exec(ctx, spec, role, id)
	return out, role, id, err
}

func (e *WindowExecutor) follow(ctx context.Context, spec pipeline.TaskSpec, f team.Formation) (pipeline.Outcome, pipeline.Role, string, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = e.rendezvousTimeout
	}
	deadline := time.Now().Add(timeout)

	e.progress.SetStatus(client.StatusWaiting)
	id, ok := e.team.AwaitTeam(ctx, spec.Name, f.Leader, timeout)
	if ok {
		e.progress.SetTeam(id)
		remaining := time.Until(deadline)
		ok = remaining > 0 && e.team.JoinTeam(ctx, id, e.handle, remaining)
	}
	e.progress.SetStatus(client.StatusRunning)

	if !ok {
		e.logger.Warn("rendezvous failed, running solo", "task", spec.Name, "leader", f.Leader.ID, "timeout", timeout)
		e.metrics.IncRendezvousTimeout(spec.Name)
		e.progress.SetTeam("")
		out, err := e.exec(ctx, spec, pipeline.RoleSolo, "")
		return out, pipeline.RoleSolo, "", err
	}

	out, err := e.exec(ctx, spec, pipeline.RoleMember, id)
	return out, pipeline.RoleMember, id, err
}

// exec invokes the task function, bounding it by the task timeout and
// turning a panic into an error.
func (e *WindowExecutor) exec(ctx context.Context, spec pipeline.TaskSpec, role pipeline.Role, teamID string) (out pipeline.Outcome, err error) {
	if spec.Exec == nil {
		return nil, fmt.Errorf("task %q has no exec function", spec.Name)
	}
	if cerr := ctx.Err(); cerr != nil {
		return nil, cerr
	}
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("task panicked", "task", spec.Name, "panic", r, "stack", string(debug.Stack()))
			out = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	env := &pipeline.Env{
		Client: e.handle,
		Role:   role,
		TeamID: teamID,
		Driver: e.driver,
		Vision: e.vision,
		Team:   e.team,
		Pacer:  e.pacer,
		Logger: e.logger.With("task", spec.Name, "role", role),
	}
	return spec.Exec(ctx, env)
}

func (e *WindowExecutor) notify(res pipeline.Result) {
	if e.onTask != nil {
		e.onTask(res)
	}
}
