package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"

	"github.com/simonbystrom/teamrun/internal/adb"
	"github.com/simonbystrom/teamrun/internal/config"
	"github.com/simonbystrom/teamrun/internal/dailytasks"
	"github.com/simonbystrom/teamrun/internal/driver"
	"github.com/simonbystrom/teamrun/internal/metrics"
	"github.com/simonbystrom/teamrun/internal/orchestrator"
	"github.com/simonbystrom/teamrun/internal/pace"
	"github.com/simonbystrom/teamrun/internal/pipeline"
	"github.com/simonbystrom/teamrun/internal/report"
	"github.com/simonbystrom/teamrun/internal/vision"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// env is what every command shares once flags and config are loaded.
type env struct {
	cfg      config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	adb      adb.ExecRunner
	closeLog func() error
	server   *http.Server
}

// setup loads the config, installs the logger and starts the metrics
// endpoint. Dashboard mode logs to a file so the alt screen stays intact.
func setup(dashboard bool) (*env, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", flagConfig, err)
	}

	e := &env{cfg: cfg, adb: adb.ExecRunner{Path: cfg.ADB.Path}, closeLog: func() error { return nil }}

	var w io.Writer = os.Stderr
	logPath := flagLogFile
	if logPath == "" && dashboard {
		logPath = config.LogPath()
	}
	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		w = f
		e.closeLog = f.Close
	}
	level := slog.LevelInfo
	if flagDebug {
		level = slog.LevelDebug
	}
	e.logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(e.logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	e.metrics, err = metrics.New(reg)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	if flagMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		e.server = &http.Server{Addr: flagMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			e.logger.Info("metrics listening", "addr", flagMetricsAddr)
			if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.logger.Error("metrics server", "error", err)
			}
		}()
	}
	return e, nil
}

func (e *env) Close() {
	if e.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.server.Shutdown(ctx)
	}
	_ = e.closeLog()
}

// preflight checks that adb runs before any client is touched.
func (e *env) preflight(ctx context.Context) error {
	if err := e.adb.LookPath(); err != nil {
		return err
	}
	v, err := adb.Version(ctx, e.adb)
	if err != nil {
		return fmt.Errorf("adb not usable: %w", err)
	}
	e.logger.Info("adb ready", "version", v, "path", e.cfg.ADB.Path)
	return nil
}

// newOrchestrator wires the configured pipeline, drivers and recognizer.
// Driver and recognizer calls of every client share one semaphore.
func (e *env) newOrchestrator() (*orchestrator.Orchestrator, error) {
	tasks := dailytasks.DefaultConfig()
	tasks.Assets = e.cfg.Vision.Assets
	tasks.Threshold = e.cfg.Vision.Threshold
	if e.cfg.Vision.Poll.Duration > 0 {
		tasks.Poll = e.cfg.Vision.Poll.Duration
	}
	if e.cfg.Vision.Wait.Duration > 0 {
		tasks.Wait = e.cfg.Vision.Wait.Duration
	}

	reg := pipeline.NewRegistry()
	if err := dailytasks.Register(reg, tasks); err != nil {
		return nil, err
	}
	p, err := e.cfg.Pipeline(reg, dailytasks.DefaultEntries())
	if err != nil {
		return nil, err
	}

	sem := semaphore.NewWeighted(int64(e.cfg.Run.OffloadWorkers))
	devices := adb.NewFactory(e.adb,
		adb.WithJitter(e.cfg.ADB.JitterPX),
		adb.WithDisconnect(e.cfg.ADB.DisconnectAfterRun),
	)
	drivers := driver.ThrottleFactory(devices, sem)

	var rec vision.Recognizer
	if len(e.cfg.Vision.Command) > 0 {
		rec = vision.Throttle(vision.Command{Argv: e.cfg.Vision.Command}, sem)
	} else {
		e.logger.Warn("no vision command configured, screen steps will fail")
	}

	e.logger.Info("pipeline ready", "tasks", p.Names(), "clients", len(e.cfg.Clients))
	return orchestrator.New(p, drivers,
		orchestrator.WithRecognizer(rec),
		orchestrator.WithPacer(pace.New(e.cfg.Pacing.Min.Duration, e.cfg.Pacing.Max.Duration)),
		orchestrator.WithLogger(e.logger),
		orchestrator.WithMetrics(e.metrics),
		orchestrator.WithRendezvousTimeout(e.cfg.Run.RendezvousTimeout.Duration),
	), nil
}

// saveReport writes rep under the configured report directory.
func (e *env) saveReport(rep *report.RunReport) (string, error) {
	path := filepath.Join(e.cfg.Run.ReportDir, report.FileName(rep))
	if err := report.Save(path, rep); err != nil {
		return "", err
	}
	e.logger.Info("report saved", "path", path)
	return path, nil
}
