package adb

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes one adb invocation and returns its stdout. It abstracts the
// binary for testing.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// ExecRunner runs the adb binary found at Path, or "adb" on PATH when Path is
// empty.
type ExecRunner struct {
	Path string
}

func (r ExecRunner) bin() string {
	if r.Path == "" {
		return "adb"
	}
	return r.Path
}

func (r ExecRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, r.bin(), args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return out, fmt.Errorf("adb %s: %s (%w)", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)), err)
		}
		return out, fmt.Errorf("adb %s: %w", strings.Join(args, " "), err)
	}
	return out, nil
}

// LookPath reports whether the configured adb binary can be found.
func (r ExecRunner) LookPath() error {
	if _, err := exec.LookPath(r.bin()); err != nil {
		return fmt.Errorf("%s not found on PATH", r.bin())
	}
	return nil
}
