// Package report holds the aggregated outcome of one orchestrator run.
package report

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/simonbystrom/teamrun/internal/client"
	"github.com/simonbystrom/teamrun/internal/pipeline"
)

// RunReport maps every client of a run to its per-task results. It is built
// by the orchestrator and owned by the caller once returned.
type RunReport struct {
	ID          string
	StartedAt   time.Time
	CompletedAt time.Time
	Clients     map[client.Handle]map[string]pipeline.Result
}

func New(startedAt time.Time) *RunReport {
	return &RunReport{
		ID:        uuid.NewString(),
		StartedAt: startedAt,
		Clients:   make(map[client.Handle]map[string]pipeline.Result),
	}
}

// Add records the results of one client, replacing any earlier entry.
func (r *RunReport) Add(h client.Handle, results map[string]pipeline.Result) {
	if results == nil {
		results = make(map[string]pipeline.Result)
	}
	r.Clients[h] = results
}

func (r *RunReport) Len() int {
	return len(r.Clients)
}

// Handles returns the report's clients sorted by ID.
func (r *RunReport) Handles() []client.Handle {
	hs := make([]client.Handle, 0, len(r.Clients))
	for h := range r.Clients {
		hs = append(hs, h)
	}
	slices.SortFunc(hs, func(a, b client.Handle) int { return strings.Compare(a.ID, b.ID) })
	return hs
}

// Results returns one client's results ordered by start time.
func (r *RunReport) Results(h client.Handle) []pipeline.Result {
	return ordered(r.Clients[h])
}

// ClientOK reports whether every recorded task of h succeeded.
func (r *RunReport) ClientOK(h client.Handle) bool {
	results, ok := r.Clients[h]
	if !ok {
		return false
	}
	for _, res := range results {
		if !res.OK() {
			return false
		}
	}
	return true
}

func (r *RunReport) Duration() time.Duration {
	if r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

func ordered(m map[string]pipeline.Result) []pipeline.Result {
	out := make([]pipeline.Result, 0, len(m))
	for _, res := range m {
		out = append(out, res)
	}
	slices.SortFunc(out, func(a, b pipeline.Result) int {
		if c := a.StartTime.Compare(b.StartTime); c != 0 {
			return c
		}
		return strings.Compare(a.TaskName, b.TaskName)
	})
	return out
}

// Summary is a condensed view of a report for display.
type Summary struct {
	Clients     int
	Succeeded   []client.Handle
	Failed      []client.Handle
	Tasks       int
	FailedTasks int
	Duration    time.Duration
}

// Summarize splits the report's clients into those whose tasks all
// succeeded and those with at least one failure.
func Summarize(r *RunReport) Summary {
	s := Summary{Clients: r.Len(), Duration: r.Duration()}
	for _, h := range r.Handles() {
		for _, res := range r.Clients[h] {
			s.Tasks++
			if !res.OK() {
				s.FailedTasks++
			}
		}
		if r.ClientOK(h) {
			s.Succeeded = append(s.Succeeded, h)
		} else {
			s.Failed = append(s.Failed, h)
		}
	}
	return s
}

func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d clients, %d tasks (%d failed) in %s\n",
		s.Clients, s.Tasks, s.FailedTasks, s.Duration.Round(time.Second))
	fmt.Fprintf(&b, "succeeded (%d): %s\n", len(s.Succeeded), titles(s.Succeeded))
	fmt.Fprintf(&b, "failed (%d): %s\n", len(s.Failed), titles(s.Failed))
	return b.String()
}

func titles(hs []client.Handle) string {
	if len(hs) == 0 {
		return "-"
	}
	names := make([]string, len(hs))
	for i, h := range hs {
		names[i] = h.String()
	}
	return strings.Join(names, ", ")
}
