package client

import (
	"sync"
	"time"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusRunning    Status = "running"
	StatusWaiting    Status = "waiting" // rendezvous with a team
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusStopped    Status = "stopped"
)

// Progress is the live view of one client during a run. The executor writes
// it; the dashboard reads it.
type Progress struct {
	// Immutable fields (safe to read without lock)
	Handle Handle

	mu          sync.RWMutex
	status      Status
	currentTask string
	teamID      string
	succeeded   int
	failed      int
	total       int
	lastError   string
	startedAt   time.Time
	finishedAt  time.Time
}

func NewProgress(h Handle) *Progress {
	return &Progress{Handle: h, status: StatusIdle}
}

func (p *Progress) GetStatus() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

func (p *Progress) SetStatus(s Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = s
}

// Start resets counters for a new run of total tasks.
func (p *Progress) Start(total int, t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = StatusConnecting
	p.total = total
	p.succeeded = 0
	p.failed = 0
	p.currentTask = ""
	p.teamID = ""
	p.lastError = ""
	p.startedAt = t
	p.finishedAt = time.Time{}
}

func (p *Progress) BeginTask(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = StatusRunning
	p.currentTask = name
	p.teamID = ""
}

func (p *Progress) SetTeam(teamID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teamID = teamID
}

// EndTask records the outcome of the current task.
func (p *Progress) EndTask(ok bool, errMsg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ok {
		p.succeeded++
	} else {
		p.failed++
		p.lastError = errMsg
	}
	p.currentTask = ""
	p.teamID = ""
}

// Finish marks the client as finished. First call wins.
func (p *Progress) Finish(s Status, t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.finishedAt.IsZero() {
		return
	}
	p.status = s
	p.finishedAt = t
	p.currentTask = ""
}

func (p *Progress) Duration() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.startedAt.IsZero() {
		return 0
	}
	if p.finishedAt.IsZero() {
		return time.Since(p.startedAt)
	}
	return p.finishedAt.Sub(p.startedAt)
}

// Snapshot holds a consistent point-in-time view of all mutable fields.
type Snapshot struct {
	Status      Status
	CurrentTask string
	TeamID      string
	Succeeded   int
	Failed      int
	Total       int
	LastError   string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Snapshot reads all mutable fields under a single lock acquisition.
func (p *Progress) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Snapshot{
		Status:      p.status,
		CurrentTask: p.currentTask,
		TeamID:      p.teamID,
		Succeeded:   p.succeeded,
		Failed:      p.failed,
		Total:       p.total,
		LastError:   p.lastError,
		StartedAt:   p.startedAt,
		FinishedAt:  p.finishedAt,
	}
}
