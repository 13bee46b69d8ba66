package orchestrator

import (
	"github.com/simonbystrom/teamrun/internal/client"
	"github.com/simonbystrom/teamrun/internal/pipeline"
	"github.com/simonbystrom/teamrun/internal/report"
)

// TaskFinishedMsg is sent to the dashboard after every task of every client.
type TaskFinishedMsg struct {
	Client client.Handle
	Result pipeline.Result
}

// ClientFinishedMsg is sent when one client's pipeline has returned.
type ClientFinishedMsg struct {
	Client  client.Handle
	Results map[string]pipeline.Result
}

// RunFinishedMsg is sent once the whole run is over.
type RunFinishedMsg struct {
	Report *report.RunReport
}

// RunErrorMsg is sent when a run could not be started.
type RunErrorMsg struct {
	Err error
}
