package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simonbystrom/teamrun/internal/client"
	"github.com/simonbystrom/teamrun/internal/config"
)

func TestSelectClients(t *testing.T) {
	cfg := config.Default()
	cfg.Clients = []client.Handle{{ID: "ld-0"}, {ID: "ld-1"}, {ID: "ld-2"}}
	t.Cleanup(func() { flagClients = nil })

	flagClients = nil
	got, err := selectClients(cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg.Clients, got)

	flagClients = []string{"ld-2", "ld-0"}
	got, err = selectClients(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"ld-2", "ld-0"}, client.IDs(got))

	flagClients = []string{"ld-9"}
	_, err = selectClients(cfg)
	assert.ErrorContains(t, err, `unknown client "ld-9"`)
}

func TestNewestReport(t *testing.T) {
	dir := t.TempDir()
	_, err := newestReport(dir)
	assert.ErrorContains(t, err, "no reports")

	for _, name := range []string{"run-20261015-080000-aaaa.json", "run-20261016-070000-bbbb.json", "notes.json"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644))
	}
	got, err := newestReport(dir)
	require.NoError(t, err)
	assert.Equal(t, "run-20261016-070000-bbbb.json", filepath.Base(got))
}

type fakeRunner struct {
	calls []string
	out   map[string]string
}

func (f *fakeRunner) Run(_ context.Context, args ...string) ([]byte, error) {
	key := strings.Join(args, " ")
	f.calls = append(f.calls, key)
	return []byte(f.out[key]), nil
}

func TestLaunchFunc(t *testing.T) {
	r := &fakeRunner{out: map[string]string{
		"connect 127.0.0.1:5555": "connected to 127.0.0.1:5555",
		"-s 127.0.0.1:5555 shell dumpsys window windows": "  mCurrentFocus=Window{1f2e u0 com.netease.dhxy/com.netease.dhxy.MainActivity}",
	}}
	h := client.Handle{ID: "ld-0", Address: "127.0.0.1:5555"}

	v, err := launchFunc(r, h, "com.netease.dhxy")(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "com.netease.dhxy", v)
	assert.Contains(t, r.calls, "-s 127.0.0.1:5555 shell monkey -p com.netease.dhxy -c android.intent.category.LAUNCHER 1")
}

func TestRootCommand_Subcommands(t *testing.T) {
	names := make([]string, 0)
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"run", "launch", "init", "report"})
}

func TestInitCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "teamrun.toml")
	old := flagConfig
	t.Cleanup(func() { flagConfig = old })

	rootCmd.SetOut(io.Discard)
	rootCmd.SetArgs([]string{"init", "--config", path})
	require.NoError(t, rootCmd.Execute())

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
}
