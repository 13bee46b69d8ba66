package team

import (
	"time"

	"github.com/simonbystrom/teamrun/internal/client"
)

// State is the lifecycle position of a team. A disbanded team is removed from
// the coordinator, so there is no state for it.
type State string

const (
	StateForming State = "forming"
	StateReady   State = "ready"
)

// Record is a snapshot of one in-flight team.
type Record struct {
	ID        string
	TaskName  string
	Leader    client.Handle
	Members   []client.Handle
	Joined    []client.Handle // members that have called JoinTeam, in join order
	State     State
	CreatedAt time.Time
}

// Formation is the outcome of a Strategy: who leads the team and who follows.
// A zero Formation (no members) means the task runs solo.
type Formation struct {
	Leader  client.Handle
	Members []client.Handle
}

// Solo reports whether the formation has no teammates.
func (f Formation) Solo() bool {
	return len(f.Members) == 0
}

// Includes reports whether h is the leader or a member.
func (f Formation) Includes(h client.Handle) bool {
	if f.Leader == h {
		return true
	}
	for _, m := range f.Members {
		if m == h {
			return true
		}
	}
	return false
}
