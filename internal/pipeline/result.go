package pipeline

import "time"

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Result records the execution of one task for one client. It is not
// modified after the executor returns it.
type Result struct {
	TaskName  string        `json:"task_name"`
	Status    Status        `json:"status"`
	Duration  time.Duration `json:"duration"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Error     string        `json:"error,omitempty"`
	Err       error         `json:"-"` // typed cause, not persisted
	Role      Role          `json:"role"`
	TeamID    string        `json:"team_id,omitempty"`
	Outcome   Outcome       `json:"outcome,omitempty"`
}

func (r Result) OK() bool {
	return r.Status == StatusSuccess
}

// DurationMs returns the elapsed time in milliseconds.
func (r Result) DurationMs() int64 {
	return r.Duration.Milliseconds()
}
