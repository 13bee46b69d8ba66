package vision

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Command is a Recognizer backed by an external matcher program (OCR or
// feature matching). The program is invoked as
//
//	<argv...> <mode> <image.png> <query> <threshold>
//
// where mode is "text" or "template", and must print one JSON object:
//
//	{"found": true, "x": 10, "y": 20, "w": 30, "h": 12, "score": 0.93}
type Command struct {
	Argv []string
	// TempDir holds the captured frames handed to the matcher. Empty uses
	// os.TempDir.
	TempDir string
}

type matchJSON struct {
	Found bool    `json:"found"`
	X     int     `json:"x"`
	Y     int     `json:"y"`
	W     int     `json:"w"`
	H     int     `json:"h"`
	Score float64 `json:"score"`
}

func (c Command) LocateText(ctx context.Context, img image.Image, text string, threshold float64) (*BBox, error) {
	return c.run(ctx, "text", img, text, threshold)
}

func (c Command) LocateTemplate(ctx context.Context, img image.Image, templatePath string, threshold float64) (*BBox, error) {
	return c.run(ctx, "template", img, templatePath, threshold)
}

func (c Command) run(ctx context.Context, mode string, img image.Image, query string, threshold float64) (*BBox, error) {
	if len(c.Argv) == 0 {
		return nil, fmt.Errorf("vision: no matcher command configured")
	}

	frame, err := writeFrame(c.TempDir, img)
	if err != nil {
		return nil, err
	}
	defer os.Remove(frame)

	args := append(append([]string{}, c.Argv[1:]...),
		mode, frame, query, strconv.FormatFloat(threshold, 'f', 2, 64))
	cmd := exec.CommandContext(ctx, c.Argv[0], args...)
	out, err := cmd.Output()
	if err != nil {
		var stderr string
		if ee, ok := err.(*exec.ExitError); ok {
			stderr = strings.TrimSpace(string(ee.Stderr))
		}
		return nil, fmt.Errorf("run matcher %s %q: %s (%w)", mode, query, stderr, err)
	}
	return parseMatch(out)
}

func parseMatch(out []byte) (*BBox, error) {
	var m matchJSON
	if err := json.Unmarshal(out, &m); err != nil {
		return nil, fmt.Errorf("parse matcher output: %w", err)
	}
	if !m.Found {
		return nil, nil
	}
	return &BBox{X: m.X, Y: m.Y, W: m.W, H: m.H, Score: m.Score}, nil
}

func writeFrame(dir string, img image.Image) (string, error) {
	f, err := os.CreateTemp(dir, "teamrun-frame-*.png")
	if err != nil {
		return "", fmt.Errorf("create frame file: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("encode frame: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close frame file: %w", err)
	}
	return f.Name(), nil
}
