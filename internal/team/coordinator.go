// Package team coordinates short-lived teams of clients that must act
// together on one task.
package team

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/simonbystrom/teamrun/internal/client"
	"github.com/simonbystrom/teamrun/internal/metrics"
	"github.com/simonbystrom/teamrun/internal/pipeline"
)

type entry struct {
	rec     Record
	joined  map[client.Handle]bool
	ready   chan struct{} // closed once by SetTeamReady
	full    chan struct{} // closed once every member has joined
	gone    chan struct{} // closed once by DisbandTeam
	isReady bool
}

type leaderKey struct {
	task   string
	leader string
}

// Coordinator owns the registry of in-flight teams. Every operation takes the
// same mutex, so no caller observes a partially updated record.
type Coordinator struct {
	mu       sync.Mutex
	teams    map[string]*entry
	byLeader map[leaderKey]string
	// finished holds leaders that disbanded or abandoned a task. Their
	// members stop waiting at once.
	finished map[leaderKey]bool
	// changed is closed and replaced whenever byLeader or finished changes,
	// waking AwaitTeam callers.
	changed chan struct{}

	seq     atomic.Uint64
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics reports team activity to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		teams:    make(map[string]*entry),
		byLeader: make(map[leaderKey]string),
		finished: make(map[leaderKey]bool),
		changed:  make(chan struct{}),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateTeam registers a new team in the forming state and returns its id.
// The leader is tracked apart from members but counts as part of the team.
func (c *Coordinator) CreateTeam(taskName string, leader client.Handle, members []client.Handle) string {
	now := c.now()
	id := fmt.Sprintf("%s_%s_%d_%d", taskName, leader.ID, now.UnixNano(), c.seq.Add(1))

	e := &entry{
		rec: Record{
			ID:        id,
			TaskName:  taskName,
			Leader:    leader,
			Members:   slices.Clone(members),
			State:     StateForming,
			CreatedAt: now,
		},
		joined: make(map[client.Handle]bool, len(members)),
		ready:  make(chan struct{}),
		full:   make(chan struct{}),
		gone:   make(chan struct{}),
	}
	if len(members) == 0 {
		close(e.full)
	}

	key := leaderKey{taskName, leader.ID}
	c.mu.Lock()
	c.teams[id] = e
	c.byLeader[key] = id
	delete(c.finished, key)
	c.wake()
	c.mu.Unlock()

	c.metrics.TeamCreated()
	c.logger.Info("team created", "team", id, "leader", leader.ID, "members", client.IDs(members))
	return id
}

// WaitForTeamReady blocks until the team is marked ready, the timeout
// elapses, the team is disbanded, or ctx is done. It returns true only when
// the ready signal fired. A timeout of zero or less waits without a bound.
func (c *Coordinator) WaitForTeamReady(ctx context.Context, teamID string, timeout time.Duration) bool {
	c.mu.Lock()
	e, ok := c.teams[teamID]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("wait for unknown team", "team", teamID)
		return false
	}
	return c.await(ctx, teamID, "ready", e.ready, e.gone, timeout)
}

// JoinTeam records h as present in the team and then waits for the ready
// signal like WaitForTeamReady. The team is looked up once, so a leader that
// readies and disbands right after the last join is still observed as ready.
// It returns false at once when the team is unknown or h is not a member.
func (c *Coordinator) JoinTeam(ctx context.Context, teamID string, h client.Handle, timeout time.Duration) bool {
	c.mu.Lock()
	e, ok := c.teams[teamID]
	if !ok || !slices.Contains(e.rec.Members, h) {
		c.mu.Unlock()
		c.logger.Warn("join rejected", "team", teamID, "client", h.ID, "known", ok)
		return false
	}
	if !e.joined[h] {
		e.joined[h] = true
		e.rec.Joined = append(e.rec.Joined, h)
		if len(e.joined) == len(e.rec.Members) {
			close(e.full)
		}
	}
	c.mu.Unlock()

	c.logger.Debug("client joined team", "team", teamID, "client", h.ID)
	return c.await(ctx, teamID, "ready", e.ready, e.gone, timeout)
}

// WaitForMembers blocks until every member has joined. It returns false on
// timeout, disband, ctx done, or an unknown team. A timeout of zero or less
// waits without a bound.
func (c *Coordinator) WaitForMembers(ctx context.Context, teamID string, timeout time.Duration) bool {
	c.mu.Lock()
	e, ok := c.teams[teamID]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("wait for members of unknown team", "team", teamID)
		return false
	}
	return c.await(ctx, teamID, "members", e.full, e.gone, timeout)
}

// await waits for signal. A signal that fired is reported even when the
// team was disbanded or the timer expired at the same moment.
func (c *Coordinator) await(ctx context.Context, teamID, what string, signal, gone <-chan struct{}, timeout time.Duration) bool {
	select {
	case <-signal:
		return true
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case <-signal:
		return true
	case <-expired:
		if fired(signal) {
			return true
		}
		c.logger.Warn("team wait timed out", "team", teamID, "waiting_for", what, "timeout", timeout)
		return false
	case <-gone:
		if fired(signal) {
			return true
		}
		c.logger.Warn("team disbanded while waiting", "team", teamID, "waiting_for", what)
		return false
	case <-ctx.Done():
		return false
	}
}

func fired(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// SetTeamReady moves a forming team to ready and fires its ready signal.
// Calling it again, or for an unknown team, does nothing.
func (c *Coordinator) SetTeamReady(teamID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.teams[teamID]
	if !ok || e.isReady {
		return
	}
	e.isReady = true
	e.rec.State = StateReady
	close(e.ready)
	c.logger.Info("team ready", "team", teamID)
}

// DisbandTeam removes the team and all of its bookkeeping. Unknown or
// already disbanded ids are ignored.
func (c *Coordinator) DisbandTeam(teamID string) {
	c.mu.Lock()
	e, ok := c.teams[teamID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.teams, teamID)
	key := leaderKey{e.rec.TaskName, e.rec.Leader.ID}
	if c.byLeader[key] == teamID {
		delete(c.byLeader, key)
		c.finished[key] = true
		c.wake()
	}
	close(e.gone)
	c.mu.Unlock()

	c.metrics.TeamDisbanded()
	c.logger.Info("team disbanded", "team", teamID)
}

// Abandon records that leader will not create a team for taskName in this
// run, so members waiting in AwaitTeam give up at once. A team the leader
// already registered is left alone.
func (c *Coordinator) Abandon(taskName string, leader client.Handle) {
	key := leaderKey{taskName, leader.ID}
	c.mu.Lock()
	if _, ok := c.byLeader[key]; ok || c.finished[key] {
		c.mu.Unlock()
		return
	}
	c.finished[key] = true
	c.wake()
	c.mu.Unlock()

	c.logger.Info("team abandoned", "task", taskName, "leader", leader.ID)
}

// ForgetFinished clears every disbanded or abandoned leader, so a new run
// waits for teams again. Registered teams are kept.
func (c *Coordinator) ForgetFinished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.finished)
}

// wake must be called with mu held.
func (c *Coordinator) wake() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// Role returns h's role in the team. Unknown teams and outsiders are solo.
func (c *Coordinator) Role(teamID string, h client.Handle) pipeline.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.teams[teamID]
	if !ok {
		return pipeline.RoleSolo
	}
	if e.rec.Leader == h {
		return pipeline.RoleLeader
	}
	if slices.Contains(e.rec.Members, h) {
		return pipeline.RoleMember
	}
	return pipeline.RoleSolo
}

// Members returns the team's members, leader excluded. Unknown teams have
// none.
func (c *Coordinator) Members(teamID string) []client.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.teams[teamID]
	if !ok {
		return []client.Handle{}
	}
	return slices.Clone(e.rec.Members)
}

// Lookup returns a copy of the team's record.
func (c *Coordinator) Lookup(teamID string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.teams[teamID]
	if !ok {
		return Record{}, false
	}
	rec := e.rec
	rec.Members = slices.Clone(rec.Members)
	rec.Joined = slices.Clone(rec.Joined)
	return rec, true
}

// Len returns the number of registered teams.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.teams)
}

// AwaitTeam waits for leader to create a team for taskName and returns its
// id. It returns false if no such team appears before the timeout or ctx is
// done, and at once when the leader already disbanded or abandoned it. A
// timeout of zero or less waits without a bound.
func (c *Coordinator) AwaitTeam(ctx context.Context, taskName string, leader client.Handle, timeout time.Duration) (string, bool) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	key := leaderKey{taskName, leader.ID}
	for {
		c.mu.Lock()
		id, ok := c.byLeader[key]
		done := c.finished[key]
		changed := c.changed
		c.mu.Unlock()
		if ok {
			return id, true
		}
		if done {
			c.logger.Info("leader finished without a team", "task", taskName, "leader", leader.ID)
			return "", false
		}

		select {
		case <-changed:
		case <-expired:
			c.logger.Warn("team not created before timeout", "task", taskName, "leader", leader.ID, "timeout", timeout)
			return "", false
		case <-ctx.Done():
			return "", false
		}
	}
}
