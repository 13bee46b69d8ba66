package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/simonbystrom/teamrun/internal/client"
	"github.com/simonbystrom/teamrun/internal/pipeline"
)

// persistedReport is the on-disk form of a RunReport. Handles are not valid
// JSON object keys, so clients are stored as a list.
type persistedReport struct {
	ID          string            `json:"id"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at"`
	Clients     []persistedClient `json:"clients"`
}

type persistedClient struct {
	Client  client.Handle     `json:"client"`
	Results []pipeline.Result `json:"results"`
}

// FileName returns a sortable file name for r.
func FileName(r *RunReport) string {
	id := r.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("run-%s-%s.json", r.StartedAt.Format("20060102-150405"), id)
}

// Save atomically writes r as JSON, creating the parent directory if needed.
func Save(path string, r *RunReport) error {
	p := persistedReport{
		ID:          r.ID,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		Clients:     make([]persistedClient, 0, r.Len()),
	}
	for _, h := range r.Handles() {
		p.Clients = append(p.Clients, persistedClient{Client: h, Results: r.Results(h)})
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write report temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename report file: %w", err)
	}

	return nil
}

// Load reads a report written by Save.
// Returns nil, nil if the file does not exist.
func Load(path string) (*RunReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read report file: %w", err)
	}

	var p persistedReport
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}

	r := &RunReport{
		ID:          p.ID,
		StartedAt:   p.StartedAt,
		CompletedAt: p.CompletedAt,
		Clients:     make(map[client.Handle]map[string]pipeline.Result, len(p.Clients)),
	}
	for _, pc := range p.Clients {
		results := make(map[string]pipeline.Result, len(pc.Results))
		for _, res := range pc.Results {
			results[res.TaskName] = res
		}
		r.Clients[pc.Client] = results
	}
	return r, nil
}
