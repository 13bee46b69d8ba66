package team

import "github.com/simonbystrom/teamrun/internal/client"

// Strategy decides who teams up with whom for a team task. Every client of a
// run calls Form independently, so implementations must give consistent
// answers for the same inputs.
type Strategy interface {
	Form(taskName string, teamSize int, self client.Handle, run []client.Handle) Formation
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(taskName string, teamSize int, self client.Handle, run []client.Handle) Formation

func (f StrategyFunc) Form(taskName string, teamSize int, self client.Handle, run []client.Handle) Formation {
	return f(taskName, teamSize, self, run)
}

// ChunkStrategy splits the run's clients, in selection order, into
// consecutive groups of teamSize. The first client of each group leads it.
// A group of one runs solo.
type ChunkStrategy struct{}

func (ChunkStrategy) Form(_ string, teamSize int, self client.Handle, run []client.Handle) Formation {
	if teamSize <= 1 {
		return Formation{Leader: self}
	}
	idx := -1
	for i, h := range run {
		if h == self {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Formation{Leader: self}
	}

	start := idx - idx%teamSize
	end := min(start+teamSize, len(run))
	group := run[start:end]
	if len(group) < 2 {
		return Formation{Leader: self}
	}

	members := make([]client.Handle, len(group)-1)
	copy(members, group[1:])
	return Formation{Leader: group[0], Members: members}
}
