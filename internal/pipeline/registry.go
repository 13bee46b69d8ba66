package pipeline

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Kind is a reusable task implementation that configuration refers to by name.
type Kind struct {
	Name string
	// Team marks kinds that have leader/member branches.
	Team bool
	// DefaultTeamSize is used when configuration leaves team_size unset.
	DefaultTeamSize int
	DefaultTimeout  time.Duration
	// DefaultWeekdays limits the kind to some days unless configuration
	// says otherwise. Empty means every day.
	DefaultWeekdays []time.Weekday
	Exec            ExecFunc
}

// Registry maps kind names to implementations.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]Kind)}
}

// Register adds k. Registering the same name twice is an error.
func (r *Registry) Register(k Kind) error {
	if k.Name == "" {
		return fmt.Errorf("register kind: empty name")
	}
	if k.Exec == nil {
		return fmt.Errorf("register kind %q: nil exec func", k.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.kinds[k.Name]; ok {
		return fmt.Errorf("register kind %q: already registered", k.Name)
	}
	r.kinds[k.Name] = k
	return nil
}

func (r *Registry) Lookup(name string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[name]
	return k, ok
}

// Names returns the registered kind names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.kinds))
	for n := range r.kinds {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Entry is one configured pipeline task. Zero fields take the defaults of
// the referenced kind.
type Entry struct {
	Name     string
	Kind     string // defaults to Name
	Team     *bool
	TeamSize int
	Timeout  time.Duration
	Weekdays []time.Weekday
}

// Build resolves entries against the registry into a pipeline, in order.
func (r *Registry) Build(entries []Entry) (Pipeline, error) {
	p := make(Pipeline, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for i, e := range entries {
		kindName := e.Kind
		if kindName == "" {
			kindName = e.Name
		}
		k, ok := r.Lookup(kindName)
		if !ok {
			return nil, fmt.Errorf("task %d: unknown kind %q", i+1, kindName)
		}

		spec := TaskSpec{
			Name:     e.Name,
			Team:     k.Team,
			TeamSize: k.DefaultTeamSize,
			Timeout:  k.DefaultTimeout,
			Weekdays: k.DefaultWeekdays,
			Exec:     k.Exec,
		}
		if spec.Name == "" {
			spec.Name = k.Name
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("task %q: duplicate name", spec.Name)
		}
		seen[spec.Name] = true

		if e.Team != nil {
			if *e.Team && !k.Team {
				return nil, fmt.Errorf("task %q: kind %q has no team mode", spec.Name, k.Name)
			}
			spec.Team = *e.Team
		}
		if e.TeamSize != 0 {
			spec.TeamSize = e.TeamSize
		}
		if spec.Team && spec.TeamSize < 2 {
			return nil, fmt.Errorf("task %q: team size %d is below 2", spec.Name, spec.TeamSize)
		}
		if e.Timeout != 0 {
			spec.Timeout = e.Timeout
		}
		if len(e.Weekdays) > 0 {
			spec.Weekdays = e.Weekdays
		}
		p = append(p, spec)
	}
	return p, nil
}
