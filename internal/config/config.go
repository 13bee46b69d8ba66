package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/simonbystrom/teamrun/internal/client"
	"github.com/simonbystrom/teamrun/internal/pipeline"
)

// Duration is a time.Duration written as a string ("90s", "5m") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Run holds settings for a whole run.
type Run struct {
	// OffloadWorkers caps concurrent driver and recognizer calls across all
	// clients.
	OffloadWorkers    int    `toml:"offload_workers"`
	LaunchConcurrency int    `toml:"launch_concurrency"`
	ReportDir         string `toml:"report_dir"`
	// DefaultTimeout bounds tasks that set no timeout of their own. Zero
	// leaves them unbounded.
	DefaultTimeout    Duration `toml:"default_timeout"`
	RendezvousTimeout Duration `toml:"rendezvous_timeout"`
}

type ADB struct {
	Path       string `toml:"path"`
	JitterPX   int    `toml:"jitter_px"`
	AppPackage string `toml:"app_package"`
	// DisconnectAfterRun detaches TCP clients once their pipeline is done.
	DisconnectAfterRun bool `toml:"disconnect_after_run"`
}

// Vision configures the external matcher and how tasks poll the screen.
type Vision struct {
	Command   []string `toml:"command"`
	Assets    string   `toml:"assets"`
	Threshold float64  `toml:"threshold"`
	Poll      Duration `toml:"poll"`
	Wait      Duration `toml:"wait"`
}

type Pacing struct {
	Min Duration `toml:"min"`
	Max Duration `toml:"max"`
}

// Task is one [[tasks]] entry.
type Task struct {
	Name     string   `toml:"name"`
	Kind     string   `toml:"kind"`
	Team     *bool    `toml:"team"`
	TeamSize int      `toml:"team_size"`
	Timeout  Duration `toml:"timeout"`
	Weekdays []string `toml:"weekdays"`
}

// Colors holds color values for every UI style.
// Values can be xterm-256 codes (0-255) or hex colors (#rrggbb).
type Colors struct {
	Title      string `toml:"title"`
	Header     string `toml:"header"`
	SelectedBG string `toml:"selected_bg"`
	SelectedFG string `toml:"selected_fg"`
	Idle       string `toml:"idle"`
	Running    string `toml:"running"`
	Waiting    string `toml:"waiting"`
	Done       string `toml:"done"`
	Failed     string `toml:"failed"`
	Stopped    string `toml:"stopped"`
	Team       string `toml:"team"`
	Help       string `toml:"help"`
	Border     string `toml:"border"`
	Error      string `toml:"error"`
	Logo       string `toml:"logo"`
}

// Config is the top-level configuration.
type Config struct {
	Run     Run             `toml:"run"`
	ADB     ADB             `toml:"adb"`
	Vision  Vision          `toml:"vision"`
	Pacing  Pacing          `toml:"pacing"`
	Clients []client.Handle `toml:"clients"`
	Tasks   []Task          `toml:"tasks"`
	Colors  Colors          `toml:"colors"`
}

// Default returns a Config populated with the built-in defaults.
func Default() Config {
	return Config{
		Run: Run{
			OffloadWorkers:    4,
			LaunchConcurrency: 3,
			ReportDir:         filepath.Join(stateDir(), "reports"),
			RendezvousTimeout: Duration{5 * time.Minute},
		},
		ADB: ADB{
			Path:     "adb",
			JitterPX: 3,
		},
		Vision: Vision{
			Assets:    "assets",
			Threshold: 0.8,
			Poll:      Duration{time.Second},
			Wait:      Duration{30 * time.Second},
		},
		Pacing: Pacing{
			Min: Duration{500 * time.Millisecond},
			Max: Duration{1500 * time.Millisecond},
		},
		Colors: Colors{
			Title:      "#cba6f7", // Mauve
			Header:     "#89b4fa", // Blue
			SelectedBG: "#313244", // Surface 0
			SelectedFG: "#cdd6f4", // Text
			Idle:       "#7f849c", // Overlay 1
			Running:    "#89b4fa", // Blue
			Waiting:    "#f9e2af", // Yellow
			Done:       "#a6e3a1", // Green
			Failed:     "#f38ba8", // Red
			Stopped:    "#fab387", // Peach
			Team:       "#74c7ec", // Sapphire
			Help:       "#7f849c", // Overlay 1
			Border:     "#585b70", // Surface 2
			Error:      "#f38ba8", // Red
			Logo:       "#cba6f7", // Mauve
		},
	}
}

// Path returns the config file path, respecting XDG_CONFIG_HOME.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "teamrun", "teamrun.toml")
}

// LogPath returns the default log file, respecting XDG_STATE_HOME.
func LogPath() string {
	return filepath.Join(stateDir(), "teamrun.log")
}

func stateDir() string {
	dir := os.Getenv("XDG_STATE_HOME")
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(dir, "teamrun")
}

// Load reads the config file at path. Omitted fields keep their default
// values. If the file does not exist, defaults are returned with no error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("parse config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// Validate reports every problem with the configuration at once.
func (c Config) Validate() error {
	var errs []error
	if c.Run.OffloadWorkers < 1 {
		errs = append(errs, fmt.Errorf("run.offload_workers must be at least 1, got %d", c.Run.OffloadWorkers))
	}
	if c.Run.LaunchConcurrency < 1 {
		errs = append(errs, fmt.Errorf("run.launch_concurrency must be at least 1, got %d", c.Run.LaunchConcurrency))
	}
	if c.Run.DefaultTimeout.Duration < 0 || c.Run.RendezvousTimeout.Duration < 0 {
		errs = append(errs, errors.New("run timeouts must not be negative"))
	}
	if c.ADB.JitterPX < 0 {
		errs = append(errs, fmt.Errorf("adb.jitter_px must not be negative, got %d", c.ADB.JitterPX))
	}
	if c.Vision.Threshold <= 0 || c.Vision.Threshold > 1 {
		errs = append(errs, fmt.Errorf("vision.threshold must be in (0, 1], got %g", c.Vision.Threshold))
	}
	if c.Pacing.Min.Duration < 0 || c.Pacing.Min.Duration > c.Pacing.Max.Duration {
		errs = append(errs, fmt.Errorf("pacing: need 0 <= min <= max, got %s..%s", c.Pacing.Min, c.Pacing.Max))
	}

	seen := make(map[string]bool, len(c.Clients))
	for i, h := range c.Clients {
		switch {
		case h.ID == "":
			errs = append(errs, fmt.Errorf("clients[%d]: empty id", i))
		case seen[h.ID]:
			errs = append(errs, fmt.Errorf("clients[%d]: duplicate id %q", i, h.ID))
		}
		seen[h.ID] = true
	}

	for i, t := range c.Tasks {
		if t.Name == "" && t.Kind == "" {
			errs = append(errs, fmt.Errorf("tasks[%d]: name or kind is required", i))
		}
		if t.TeamSize < 0 {
			errs = append(errs, fmt.Errorf("tasks[%d]: negative team_size", i))
		}
		if _, err := ParseWeekdays(t.Weekdays); err != nil {
			errs = append(errs, fmt.Errorf("tasks[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Entries converts the [[tasks]] tables into pipeline entries. It returns
// nil when no tasks are configured.
func (c Config) Entries() ([]pipeline.Entry, error) {
	if len(c.Tasks) == 0 {
		return nil, nil
	}
	entries := make([]pipeline.Entry, len(c.Tasks))
	for i, t := range c.Tasks {
		days, err := ParseWeekdays(t.Weekdays)
		if err != nil {
			return nil, fmt.Errorf("tasks[%d]: %w", i, err)
		}
		name := t.Name
		if name == "" {
			name = t.Kind
		}
		entries[i] = pipeline.Entry{
			Name:     name,
			Kind:     t.Kind,
			Team:     t.Team,
			TeamSize: t.TeamSize,
			Timeout:  t.Timeout.Duration,
			Weekdays: days,
		}
	}
	return entries, nil
}

// Pipeline builds the configured pipeline from reg, using fallback when no
// tasks are configured. Tasks left without a timeout get run.default_timeout.
func (c Config) Pipeline(reg *pipeline.Registry, fallback []pipeline.Entry) (pipeline.Pipeline, error) {
	entries, err := c.Entries()
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = fallback
	}
	p, err := reg.Build(entries)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	for i := range p {
		if p[i].Timeout == 0 {
			p[i].Timeout = c.Run.DefaultTimeout.Duration
		}
	}
	return p, nil
}

var weekdayNames = map[string]time.Weekday{}

func init() {
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		weekdayNames[name] = d
		weekdayNames[name[:3]] = d
	}
}

// ParseWeekdays accepts English day names or their three-letter forms, in
// any case.
func ParseWeekdays(names []string) ([]time.Weekday, error) {
	if len(names) == 0 {
		return nil, nil
	}
	days := make([]time.Weekday, 0, len(names))
	for _, n := range names {
		d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", n)
		}
		days = append(days, d)
	}
	return days, nil
}

const defaultFileContent = `# teamrun configuration
# Uncomment and modify values to customize. All values are optional.
# Durations are strings such as "90s" or "5m".

[run]
# offload_workers    = 4       # concurrent adb and matcher calls across all clients
# launch_concurrency = 3       # clients started at once by "teamrun launch"
# report_dir         = "~/.local/state/teamrun/reports"
# default_timeout    = "0s"    # bound for tasks without their own timeout, 0 = none
# rendezvous_timeout = "5m"    # how long a member waits for its leader

[adb]
# path        = "adb"
# jitter_px   = 3              # random tap offset in pixels
# app_package = ""             # game package started by "teamrun launch"
# disconnect_after_run = false  # "adb disconnect" TCP clients after a run

[vision]
# command   = ["python3", "match.py"]  # invoked as <command> <mode> <frame.png> <query> <threshold>
# assets    = "assets"        # template images
# threshold = 0.8
# poll      = "1s"
# wait      = "30s"

[pacing]
# min = "500ms"
# max = "1.5s"

# One table per emulator instance.
# [[clients]]
# id      = "ld-0"
# title   = "雷电模拟器-0"
# address = "127.0.0.1:5555"

# Without [[tasks]] every daily activity runs once in the usual order.
# [[tasks]]
# name      = "celestial_court"
# kind      = "celestial_court"  # defaults to name
# team      = true
# team_size = 5
# timeout   = "30m"
# weekdays  = ["mon", "wed"]

[colors]
# title       = "#cba6f7"  # Mauve
# header      = "#89b4fa"  # Blue
# selected_bg = "#313244"  # Surface 0
# selected_fg = "#cdd6f4"  # Text
# idle        = "#7f849c"  # Overlay 1
# running     = "#89b4fa"  # Blue
# waiting     = "#f9e2af"  # Yellow
# done        = "#a6e3a1"  # Green
# failed      = "#f38ba8"  # Red
# stopped     = "#fab387"  # Peach
# team        = "#74c7ec"  # Sapphire
# help        = "#7f849c"  # Overlay 1
# border      = "#585b70"  # Surface 2
# error       = "#f38ba8"  # Red
# logo        = "#cba6f7"  # Mauve
`

// WriteDefault writes the default config file with all values commented out.
// It no-ops if the file already exists. Parent directories are created as needed.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil // file already exists
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, []byte(defaultFileContent), 0o644)
}
