package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/simonbystrom/teamrun/internal/adb"
	"github.com/simonbystrom/teamrun/internal/bounded"
	"github.com/simonbystrom/teamrun/internal/client"
	"github.com/simonbystrom/teamrun/internal/config"
	"github.com/simonbystrom/teamrun/internal/report"
	"github.com/simonbystrom/teamrun/internal/ui"
)

var (
	flagConfig      string
	flagLogFile     string
	flagDebug       bool
	flagMetricsAddr string

	flagClients       []string
	flagPackage       string
	flagLaunchWait    time.Duration
	flagSkipPreflight bool
)

var rootCmd = &cobra.Command{
	Use:   "teamrun",
	Short: "Run daily game tasks across many emulator instances",
	Long: `teamrun drives the daily activities of a mobile game on several Android
emulator instances at once. Team activities are coordinated so that one
instance leads and its teammates join, and every instance gets a report.

Without a subcommand it opens the run dashboard.`,
	SilenceUsage: true,
	RunE:         runDashboard,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline on every client without the dashboard",
	RunE:  runHeadless,
}

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Start the game on every client",
	RunE:  runLaunch,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a commented default config file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := config.WriteDefault(flagConfig); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), flagConfig)
		return nil
	},
}

var reportCmd = &cobra.Command{
	Use:   "report [file]",
	Short: "Summarize a saved run report, the newest one by default",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runReport,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagConfig, "config", "c", config.Path(), "config file")
	pf.StringVar(&flagLogFile, "log-file", "", "log file (dashboard default: "+config.LogPath()+")")
	pf.BoolVar(&flagDebug, "debug", false, "log at debug level")
	pf.StringVar(&flagMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")

	for _, c := range []*cobra.Command{rootCmd, runCmd, launchCmd} {
		c.Flags().StringSliceVar(&flagClients, "clients", nil, "client ids to use, in order (default: all configured)")
		c.Flags().BoolVar(&flagSkipPreflight, "skip-preflight", false, "do not check the adb binary first")
	}
	launchCmd.Flags().StringVar(&flagPackage, "package", "", "app package to start (default: adb.app_package)")
	launchCmd.Flags().DurationVar(&flagLaunchWait, "wait", 2*time.Minute, "how long to wait for every client to start")

	rootCmd.AddCommand(runCmd, launchCmd, initCmd, reportCmd)
}

// selectClients returns the configured clients named by --clients, in the
// order given, or all of them.
func selectClients(cfg config.Config) ([]client.Handle, error) {
	if len(flagClients) == 0 {
		return cfg.Clients, nil
	}
	byID := make(map[string]client.Handle, len(cfg.Clients))
	for _, h := range cfg.Clients {
		byID[h.ID] = h
	}
	selected := make([]client.Handle, 0, len(flagClients))
	for _, id := range flagClients {
		h, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("unknown client %q", id)
		}
		selected = append(selected, h)
	}
	return selected, nil
}

func start(cmd *cobra.Command, dashboard bool) (*env, []client.Handle, error) {
	e, err := setup(dashboard)
	if err != nil {
		return nil, nil, err
	}
	clients, err := selectClients(e.cfg)
	if err != nil {
		e.Close()
		return nil, nil, err
	}
	if !flagSkipPreflight {
		if err := e.preflight(cmd.Context()); err != nil {
			e.Close()
			return nil, nil, err
		}
	}
	return e, clients, nil
}

func runDashboard(cmd *cobra.Command, _ []string) error {
	e, clients, err := start(cmd, true)
	if err != nil {
		return err
	}
	defer e.Close()

	orch, err := e.newOrchestrator()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	model := ui.NewApp(ctx, e.cfg, orch, orch.Store(), clients, e.saveReport)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	orch.SetProgram(p)

	_, runErr := p.Run()
	orch.SetProgram(nil)
	if orch.IsRunning() {
		fmt.Fprintln(os.Stderr, "waiting for clients to finish their current task...")
		orch.StopRun()
		waitIdle(orch.IsRunning, 30*time.Second)
		cancel()
	}
	if runErr != nil && !errors.Is(runErr, tea.ErrProgramKilled) {
		return runErr
	}
	return nil
}

// waitIdle polls busy until it reports false or timeout passes.
func waitIdle(busy func() bool, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for busy() && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
}

func runHeadless(cmd *cobra.Command, _ []string) error {
	e, clients, err := start(cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	orch, err := e.newOrchestrator()
	if err != nil {
		return err
	}
	rep, err := orch.StartRun(cmd.Context(), clients)
	if err != nil {
		return err
	}

	s := report.Summarize(rep)
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, s)
	for _, h := range rep.Handles() {
		for _, r := range rep.Results(h) {
			line := fmt.Sprintf("  %-10s %-18s %-8s %-7s %s", h.ID, r.TaskName, r.Status, r.Role, r.Duration.Round(time.Second))
			if r.Error != "" {
				line += "  " + r.Error
			}
			fmt.Fprintln(out, line)
		}
	}

	path, err := e.saveReport(rep)
	if err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	fmt.Fprintln(out, "report:", path)

	if len(s.Failed) > 0 {
		return fmt.Errorf("%d of %d clients had failures", len(s.Failed), s.Clients)
	}
	return nil
}

func runLaunch(cmd *cobra.Command, _ []string) error {
	e, clients, err := start(cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	pkg := flagPackage
	if pkg == "" {
		pkg = e.cfg.ADB.AppPackage
	}
	if pkg == "" {
		return errors.New("no app package: set adb.app_package or pass --package")
	}
	if len(clients) == 0 {
		return errors.New("no clients configured")
	}

	mgr := bounded.New(e.cfg.Run.LaunchConcurrency, bounded.WithLogger(e.logger), bounded.WithMetrics(e.metrics))
	defer mgr.Shutdown()

	for _, h := range clients {
		mgr.Submit(cmd.Context(), launchFunc(e.adb, h, pkg), h.ID)
	}
	if !mgr.WaitAllComplete(flagLaunchWait) {
		mgr.Shutdown()
		// cancelled tasks record their outcome as they unwind
		mgr.WaitAllComplete(5 * time.Second)
	}

	results := mgr.Results()
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var failed []string
	out := cmd.OutOrStdout()
	for _, id := range ids {
		o := results[id]
		switch o.Status {
		case bounded.StatusSuccess:
			fmt.Fprintf(out, "  %-10s started   %v (%s)\n", id, o.Value, o.Duration().Round(time.Millisecond))
		default:
			failed = append(failed, id)
			fmt.Fprintf(out, "  %-10s %-9s %v\n", id, o.Status, o.Err)
		}
	}
	if pending := len(clients) - len(results); pending > 0 {
		return fmt.Errorf("%d clients did not finish within %s", pending, flagLaunchWait)
	}
	if len(failed) > 0 {
		return fmt.Errorf("launch failed on %s", strings.Join(failed, ", "))
	}
	return nil
}

// launchFunc connects to h, starts pkg and reports the foreground app.
func launchFunc(r adb.Runner, h client.Handle, pkg string) bounded.Func {
	return func(ctx context.Context) (any, error) {
		d := adb.NewDevice(r, h.Address)
		if err := d.Connect(ctx, h); err != nil {
			return nil, err
		}
		if err := d.LaunchApp(ctx, pkg); err != nil {
			return nil, err
		}
		return adb.ForegroundApp(ctx, r, d.Serial())
	}
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}

	path := ""
	if len(args) == 1 {
		path = args[0]
	} else {
		path, err = newestReport(cfg.Run.ReportDir)
		if err != nil {
			return err
		}
	}

	rep, err := report.Load(path)
	if err != nil {
		return err
	}
	if rep == nil {
		return fmt.Errorf("no report at %s", path)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n%s\n", path, rep.StartedAt.Format(time.DateTime), report.Summarize(rep))
	return nil
}

// newestReport returns the most recent report file in dir. File names sort
// by start time.
func newestReport(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "run-*.json"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no reports in %s", dir)
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}
