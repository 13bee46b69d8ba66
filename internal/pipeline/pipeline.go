// Package pipeline defines the ordered list of tasks a client runs and the
// records produced for each of them.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/simonbystrom/teamrun/internal/client"
	"github.com/simonbystrom/teamrun/internal/driver"
	"github.com/simonbystrom/teamrun/internal/pace"
	"github.com/simonbystrom/teamrun/internal/vision"
)

// Role is a client's position within a team for one task.
type Role string

const (
	RoleLeader Role = "leader"
	RoleMember Role = "member"
	RoleSolo   Role = "solo"
)

// Outcome carries task-specific detail returned by an ExecFunc.
type Outcome map[string]any

// TeamControl is the part of the team coordinator a running task may use.
// A leader typically invites its members, waits for them to join, then marks
// the team ready.
type TeamControl interface {
	SetTeamReady(teamID string)
	WaitForTeamReady(ctx context.Context, teamID string, timeout time.Duration) bool
	WaitForMembers(ctx context.Context, teamID string, timeout time.Duration) bool
	Members(teamID string) []client.Handle
}

// Env is everything an ExecFunc needs to drive its client.
type Env struct {
	Client client.Handle
	Role   Role
	TeamID string // empty unless Role is leader or member

	Driver driver.Driver
	Vision vision.Recognizer
	Team   TeamControl
	Pacer  *pace.Sleeper
	Logger *slog.Logger
}

// ExecFunc performs one task against the client described by env.
type ExecFunc func(ctx context.Context, env *Env) (Outcome, error)

// TaskSpec describes one pipeline entry. It is read-only during a run.
type TaskSpec struct {
	Name     string
	Team     bool
	TeamSize int
	// Timeout bounds both the team rendezvous and the task itself. Zero
	// leaves the task unbounded and the rendezvous at the executor default.
	Timeout time.Duration
	// Weekdays restricts the task to the listed days. Empty means every day.
	Weekdays []time.Weekday
	Exec     ExecFunc
}

// ScheduledOn reports whether the task should run on the given day.
func (t TaskSpec) ScheduledOn(day time.Weekday) bool {
	if len(t.Weekdays) == 0 {
		return true
	}
	for _, d := range t.Weekdays {
		if d == day {
			return true
		}
	}
	return false
}

// Pipeline is an ordered list of tasks.
type Pipeline []TaskSpec

// For returns the tasks scheduled on the weekday of t, in order.
func (p Pipeline) For(t time.Time) []TaskSpec {
	day := t.Weekday()
	out := make([]TaskSpec, 0, len(p))
	for _, spec := range p {
		if spec.ScheduledOn(day) {
			out = append(out, spec)
		}
	}
	return out
}

// Names returns the task names in order.
func (p Pipeline) Names() []string {
	names := make([]string, len(p))
	for i, spec := range p {
		names[i] = spec.Name
	}
	return names
}
