package orchestrator

import (
	"errors"
	"fmt"

	"github.com/simonbystrom/teamrun/internal/client"
)

var (
	// ErrNoClients is returned by StartRun when no clients are selected.
	ErrNoClients = errors.New("no clients selected")
	// ErrAlreadyRunning is returned by StartRun while another run is active.
	ErrAlreadyRunning = errors.New("a run is already in progress")
)

// ConnectionError reports a client that could not be reached at the start of
// its pipeline. It is recorded as that client's only result.
type ConnectionError struct {
	Client client.Handle
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Client.ID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// StepError reports a task whose exec function failed or panicked.
type StepError struct {
	Client client.Handle
	Task   string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("task %s on %s: %v", e.Task, e.Client.ID, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
