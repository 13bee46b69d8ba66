package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simonbystrom/teamrun/internal/client"
	"github.com/simonbystrom/teamrun/internal/pipeline"
	"github.com/simonbystrom/teamrun/internal/team"
)

var (
	emuA = client.Handle{ID: "ld-0", Title: "A", Address: "127.0.0.1:5555"}
	emuB = client.Handle{ID: "ld-1", Title: "B", Address: "127.0.0.1:5557"}
	emuC = client.Handle{ID: "ld-2", Title: "C", Address: "127.0.0.1:5559"}
)

func TestRunAll_SoloTasksInOrder(t *testing.T) {
	log := &callLog{}
	p := pipeline.Pipeline{
		{Name: "guild", Exec: log.recording("guild", nil)},
		{Name: "sect", Exec: log.recording("sect", nil)},
		{Name: "treasure_map", Exec: log.recording("treasure_map", nil)},
	}
	d := &mockDriver{}
	progress := client.NewProgress(emuA)
	ex := NewWindowExecutor(emuA, p, d, team.NewCoordinator(), ExecutorConfig{Progress: progress})

	results := ex.RunAll(context.Background())

	require.Len(t, results, 3)
	for _, name := range p.Names() {
		res := results[name]
		assert.Equal(t, pipeline.StatusSuccess, res.Status, name)
		assert.Equal(t, pipeline.RoleSolo, res.Role)
		assert.Empty(t, res.TeamID)
		assert.False(t, res.EndTime.Before(res.StartTime))
		assert.Equal(t, pipeline.Outcome{"ok": true}, res.Outcome)
	}

	var order []string
	for _, c := range log.forClient(emuA.ID) {
		order = append(order, c.task)
	}
	assert.Equal(t, []string{"guild", "sect", "treasure_map"}, order)
	assert.True(t, d.hasCalled("Connect:ld-0"))

	snap := progress.Snapshot()
	assert.Equal(t, client.StatusDone, snap.Status)
	assert.Equal(t, 3, snap.Succeeded)
	assert.Equal(t, 3, snap.Total)
}

func TestRunAll_FailureIsolatedPerTask(t *testing.T) {
	boom := errors.New("button not found")
	ran := &atomic.Bool{}
	p := pipeline.Pipeline{
		{Name: "fails", Exec: func(context.Context, *pipeline.Env) (pipeline.Outcome, error) { return nil, boom }},
		{Name: "panics", Exec: func(context.Context, *pipeline.Env) (pipeline.Outcome, error) { panic("index out of range") }},
		{Name: "missing_exec"},
		{Name: "after", Exec: func(context.Context, *pipeline.Env) (pipeline.Outcome, error) {
			ran.Store(true)
			return nil, nil
		}},
	}
	progress := client.NewProgress(emuA)
	ex := NewWindowExecutor(emuA, p, &mockDriver{}, team.NewCoordinator(), ExecutorConfig{Progress: progress})

	results := ex.RunAll(context.Background())
	require.Len(t, results, 4)

	failed := results["fails"]
	assert.Equal(t, pipeline.StatusFailed, failed.Status)
	assert.Contains(t, failed.Error, "button not found")
	var serr *StepError
	require.ErrorAs(t, failed.Err, &serr)
	assert.Equal(t, "fails", serr.Task)
	assert.ErrorIs(t, failed.Err, boom)

	assert.Equal(t, pipeline.StatusFailed, results["panics"].Status)
	assert.Contains(t, results["panics"].Error, "panic: index out of range")
	assert.Equal(t, pipeline.StatusFailed, results["missing_exec"].Status)

	assert.True(t, ran.Load())
	assert.Equal(t, pipeline.StatusSuccess, results["after"].Status)

	snap := progress.Snapshot()
	assert.Equal(t, client.StatusFailed, snap.Status)
	assert.Equal(t, 1, snap.Succeeded)
	assert.Equal(t, 3, snap.Failed)
}

func TestRunAll_ConnectFailure(t *testing.T) {
	log := &callLog{}
	p := pipeline.Pipeline{{Name: "guild", Exec: log.recording("guild", nil)}}
	d := &mockDriver{connectErr: errors.New("connection refused")}
	progress := client.NewProgress(emuA)
	ex := NewWindowExecutor(emuA, p, d, team.NewCoordinator(), ExecutorConfig{Progress: progress})

	results := ex.RunAll(context.Background())

	require.Len(t, results, 1)
	res := results[ConnectTaskName]
	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "connection refused")
	var cerr *ConnectionError
	require.ErrorAs(t, res.Err, &cerr)
	assert.Equal(t, emuA, cerr.Client)

	assert.Empty(t, log.forClient(emuA.ID))
	assert.Equal(t, client.StatusFailed, progress.GetStatus())
	assert.False(t, d.hasCalled("Disconnect"), "nothing to disconnect")
}

func TestRunAll_DisconnectsAfterRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := pipeline.Pipeline{{Name: "guild", Exec: func(context.Context, *pipeline.Env) (pipeline.Outcome, error) {
		cancel()
		return nil, nil
	}}}
	d := &mockDriver{disconnectErr: errors.New("adb died")}
	ex := NewWindowExecutor(emuA, p, d, team.NewCoordinator(), ExecutorConfig{})

	results := ex.RunAll(ctx)

	assert.Equal(t, pipeline.StatusSuccess, results["guild"].Status, "disconnect errors do not fail tasks")
	assert.True(t, d.hasCalled("Disconnect"))
	assert.False(t, d.hasCalled("Disconnect:ctx-done"), "disconnect outlives the run context")
}

func TestRunAll_StopFlagCheckedBetweenTasks(t *testing.T) {
	stop := new(atomic.Bool)
	log := &callLog{}
	p := pipeline.Pipeline{
		{Name: "first", Exec: log.recording("first", func(context.Context, *pipeline.Env) (pipeline.Outcome, error) {
			stop.Store(true)
			return nil, nil
		})},
		{Name: "second", Exec: log.recording("second", nil)},
		{Name: "third", Exec: log.recording("third", nil)},
	}
	progress := client.NewProgress(emuA)
	ex := NewWindowExecutor(emuA, p, &mockDriver{}, team.NewCoordinator(), ExecutorConfig{Stop: stop, Progress: progress})

	results := ex.RunAll(context.Background())

	assert.Len(t, results, 1)
	assert.Contains(t, results, "first")
	assert.Len(t, log.forClient(emuA.ID), 1)
	assert.Equal(t, client.StatusStopped, progress.GetStatus())
}

func TestRunAll_StopBeforeStart(t *testing.T) {
	log := &callLog{}
	p := pipeline.Pipeline{{Name: "guild", Exec: log.recording("guild", nil)}}
	ex := NewWindowExecutor(emuA, p, &mockDriver{}, team.NewCoordinator(), ExecutorConfig{})
	ex.Stop()

	assert.Empty(t, ex.RunAll(context.Background()))
	assert.Empty(t, log.forClient(emuA.ID))
}

func TestRunAll_TaskTimeoutBoundsExec(t *testing.T) {
	p := pipeline.Pipeline{{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Exec: func(ctx context.Context, _ *pipeline.Env) (pipeline.Outcome, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}}
	ex := NewWindowExecutor(emuA, p, &mockDriver{}, team.NewCoordinator(), ExecutorConfig{})

	res := ex.RunAll(context.Background())["slow"]
	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
}

func TestRunAll_WeekdayFilter(t *testing.T) {
	log := &callLog{}
	p := pipeline.Pipeline{
		{Name: "daily", Exec: log.recording("daily", nil)},
		{Name: "tuesday_only", Weekdays: []time.Weekday{time.Tuesday}, Exec: log.recording("tuesday_only", nil)},
	}
	ex := NewWindowExecutor(emuA, p, &mockDriver{}, team.NewCoordinator(), ExecutorConfig{})
	monday := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	ex.now = func() time.Time { return monday }

	results := ex.RunAll(context.Background())
	assert.Len(t, results, 1)
	assert.Contains(t, results, "daily")
}

func TestRunAll_TeamTaskWithoutTeammatesRunsSolo(t *testing.T) {
	log := &callLog{}
	coord := team.NewCoordinator()
	p := pipeline.Pipeline{{Name: "tianting", Team: true, TeamSize: 2, Exec: log.recording("tianting", nil)}}
	ex := NewWindowExecutor(emuA, p, &mockDriver{}, coord, ExecutorConfig{Run: []client.Handle{emuA}})

	res := ex.RunAll(context.Background())["tianting"]
	assert.Equal(t, pipeline.StatusSuccess, res.Status)
	assert.Equal(t, pipeline.RoleSolo, res.Role)
	assert.Empty(t, res.TeamID)
	assert.Equal(t, 0, coord.Len())
}

func TestRunAll_LeaderDisbandsEvenOnFailure(t *testing.T) {
	coord := team.NewCoordinator()
	var seenID string
	p := pipeline.Pipeline{{
		Name: "demon_king", Team: true, TeamSize: 2,
		Exec: func(_ context.Context, env *pipeline.Env) (pipeline.Outcome, error) {
			seenID = env.TeamID
			assert.Equal(t, []client.Handle{emuB}, env.Team.Members(env.TeamID))
			panic("leader crashed")
		},
	}}
	ex := NewWindowExecutor(emuA, p, &mockDriver{}, coord, ExecutorConfig{Run: []client.Handle{emuA, emuB}})

	res := ex.RunAll(context.Background())["demon_king"]
	assert.Equal(t, pipeline.StatusFailed, res.Status)
	assert.Equal(t, pipeline.RoleLeader, res.Role)
	assert.Equal(t, seenID, res.TeamID)
	assert.NotEmpty(t, seenID)
	assert.Equal(t, 0, coord.Len())
}

func TestRunAll_MemberFallsBackToSoloOnRendezvousTimeout(t *testing.T) {
	log := &callLog{}
	coord := team.NewCoordinator()
	p := pipeline.Pipeline{{
		Name: "tianting", Team: true, TeamSize: 2, Timeout: 30 * time.Millisecond,
		Exec: log.recording("tianting", nil),
	}}
	// emuA leads but never runs, so emuB never finds a team.
	ex := NewWindowExecutor(emuB, p, &mockDriver{}, coord, ExecutorConfig{Run: []client.Handle{emuA, emuB}})

	start := time.Now()
	res := ex.RunAll(context.Background())["tianting"]

	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, pipeline.StatusSuccess, res.Status)
	assert.Equal(t, pipeline.RoleSolo, res.Role)
	assert.Empty(t, res.TeamID)
	calls := log.forClient(emuB.ID)
	require.Len(t, calls, 1)
	assert.Equal(t, pipeline.RoleSolo, calls[0].role)
}

func TestRunAll_StoppedLeaderReleasesMember(t *testing.T) {
	coord := team.NewCoordinator()
	p := pipeline.Pipeline{{
		Name: "tianting", Team: true, TeamSize: 2, Timeout: 2 * time.Second,
		Exec: (&callLog{}).recording("tianting", nil),
	}}
	run := []client.Handle{emuA, emuB}
	leader := NewWindowExecutor(emuA, p, &mockDriver{}, coord, ExecutorConfig{Run: run})
	leader.Stop()
	member := NewWindowExecutor(emuB, p, &mockDriver{}, coord, ExecutorConfig{Run: run})

	done := make(chan pipeline.Result, 1)
	go func() { done <- member.RunAll(context.Background())["tianting"] }()
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, leader.RunAll(context.Background()))

	select {
	case res := <-done:
		assert.Equal(t, pipeline.RoleSolo, res.Role)
		assert.Less(t, res.Duration, time.Second)
	case <-time.After(time.Second):
		t.Fatal("member kept waiting for a stopped leader")
	}
}

func TestRunAll_MemberUsesDefaultRendezvousTimeout(t *testing.T) {
	coord := team.NewCoordinator()
	p := pipeline.Pipeline{{Name: "tianting", Team: true, TeamSize: 2, Exec: (&callLog{}).recording("tianting", nil)}}
	ex := NewWindowExecutor(emuB, p, &mockDriver{}, coord, ExecutorConfig{
		Run:               []client.Handle{emuA, emuB},
		RendezvousTimeout: 20 * time.Millisecond,
	})

	res := ex.RunAll(context.Background())["tianting"]
	assert.Equal(t, pipeline.RoleSolo, res.Role)
}

func TestRunAll_OnTaskHook(t *testing.T) {
	var got []string
	p := pipeline.Pipeline{
		{Name: "a", Exec: (&callLog{}).recording("a", nil)},
		{Name: "b", Exec: (&callLog{}).recording("b", nil)},
	}
	ex := NewWindowExecutor(emuA, p, &mockDriver{}, team.NewCoordinator(), ExecutorConfig{
		OnTask: func(r pipeline.Result) { got = append(got, r.TaskName) },
	})
	ex.RunAll(context.Background())
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestRunAll_EnvCarriesCapabilities(t *testing.T) {
	d := &mockDriver{}
	p := pipeline.Pipeline{{Name: "look", Exec: func(ctx context.Context, env *pipeline.Env) (pipeline.Outcome, error) {
		img, err := env.Driver.Capture(ctx)
		if err != nil {
			return nil, err
		}
		box, err := env.Vision.LocateText(ctx, img, "领取", 0.8)
		if err != nil || box == nil {
			return nil, errors.New("not found")
		}
		x, y := box.Center()
		return pipeline.Outcome{"x": x, "y": y}, env.Driver.Tap(ctx, x, y)
	}}}
	ex := NewWindowExecutor(emuA, p, d, team.NewCoordinator(), ExecutorConfig{Recognizer: mockRecognizer{}})

	res := ex.RunAll(context.Background())["look"]
	require.True(t, res.OK(), res.Error)
	assert.Equal(t, pipeline.Outcome{"x": 2, "y": 2}, res.Outcome)
	assert.True(t, d.hasCalled("Capture"))
	assert.True(t, d.hasCalled("Tap"))
}
