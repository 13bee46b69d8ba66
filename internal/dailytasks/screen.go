package dailytasks

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/simonbystrom/teamrun/internal/driver"
	"github.com/simonbystrom/teamrun/internal/pace"
	"github.com/simonbystrom/teamrun/internal/pipeline"
	"github.com/simonbystrom/teamrun/internal/vision"
)

// ErrNotFound is returned when a step gives up looking for its target.
var ErrNotFound = errors.New("target not found")

const backTimeout = 10 * time.Second

// Target is something to look for on screen: a piece of text or a template
// image under Config.Assets.
type Target struct {
	Text  string
	Image string
}

func Text(s string) Target     { return Target{Text: s} }
func Image(name string) Target { return Target{Image: name} }

func (t Target) String() string {
	if t.Image != "" {
		return t.Image
	}
	return strconv.Quote(t.Text)
}

// screen runs capture, locate and tap steps against one client.
type screen struct {
	env *pipeline.Env
	cfg Config

	width, height int // display size, read on first scroll
}

func newScreen(env *pipeline.Env, cfg Config) (*screen, error) {
	if env.Driver == nil {
		return nil, errors.New("no driver")
	}
	if env.Vision == nil {
		return nil, errors.New("no recognizer configured")
	}
	return &screen{env: env, cfg: cfg}, nil
}

// find captures the screen once and looks for t. A nil box means not found.
func (s *screen) find(ctx context.Context, t Target) (*vision.BBox, error) {
	img, err := s.env.Driver.Capture(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	var box *vision.BBox
	if t.Image != "" {
		box, err = s.env.Vision.LocateTemplate(ctx, img, filepath.Join(s.cfg.Assets, t.Image), s.cfg.Threshold)
	} else {
		box, err = s.env.Vision.LocateText(ctx, img, t.Text, s.cfg.Threshold)
	}
	if err != nil {
		return nil, fmt.Errorf("locate %s: %w", t, err)
	}
	return box, nil
}

func (s *screen) exists(ctx context.Context, t Target) (bool, error) {
	box, err := s.find(ctx, t)
	return box != nil, err
}

func (s *screen) tapBox(ctx context.Context, box *vision.BBox) error {
	x, y := box.Center()
	if err := s.env.Driver.Tap(ctx, x, y); err != nil {
		return fmt.Errorf("tap %d,%d: %w", x, y, err)
	}
	return s.env.Pacer.Step(ctx)
}

// tapIf taps t when it is on screen now and reports whether it did.
func (s *screen) tapIf(ctx context.Context, t Target) (bool, error) {
	box, err := s.find(ctx, t)
	if err != nil || box == nil {
		return false, err
	}
	return true, s.tapBox(ctx, box)
}

// waitFor polls until t appears or timeout passes.
func (s *screen) waitFor(ctx context.Context, t Target, timeout time.Duration) (*vision.BBox, error) {
	deadline := time.Now().Add(timeout)
	for {
		box, err := s.find(ctx, t)
		if err != nil {
			return nil, err
		}
		if box != nil {
			return box, nil
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%s after %s: %w", t, timeout, ErrNotFound)
		}
		if err := pace.Sleep(ctx, s.cfg.Poll); err != nil {
			return nil, err
		}
	}
}

func (s *screen) waitTap(ctx context.Context, t Target, timeout time.Duration) error {
	box, err := s.waitFor(ctx, t, timeout)
	if err != nil {
		return err
	}
	return s.tapBox(ctx, box)
}

// scrollTo taps t, swiping the list upward between attempts until it shows.
func (s *screen) scrollTo(ctx context.Context, t Target, attempts int) error {
	for i := 0; i < attempts; i++ {
		box, err := s.find(ctx, t)
		if err != nil {
			return err
		}
		if box != nil {
			return s.tapBox(ctx, box)
		}
		w, h, err := s.size(ctx)
		if err != nil {
			return err
		}
		x, from, to := w/2, h*7/10, h*3/10
		if err := s.env.Driver.Swipe(ctx, x, from, x, to, 500); err != nil {
			return fmt.Errorf("scroll: %w", err)
		}
		if err := s.env.Pacer.Step(ctx); err != nil {
			return err
		}
	}
	return fmt.Errorf("%s after %d scrolls: %w", t, attempts, ErrNotFound)
}

func (s *screen) size(ctx context.Context) (int, int, error) {
	if s.width == 0 || s.height == 0 {
		w, h, err := s.env.Driver.ScreenSize(ctx)
		if err != nil {
			return 0, 0, fmt.Errorf("screen size: %w", err)
		}
		s.width, s.height = w, h
	}
	return s.width, s.height, nil
}

// back presses the back key n times to close whatever a failed step left
// open. It runs even when ctx is done.
func (s *screen) back(ctx context.Context, n int) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), backTimeout)
	defer cancel()
	for i := 0; i < n; i++ {
		if err := s.env.Driver.KeyEvent(ctx, driver.KeyBack); err != nil {
			return fmt.Errorf("back: %w", err)
		}
		if err := pace.Sleep(ctx, s.cfg.Poll); err != nil {
			return err
		}
	}
	return nil
}
