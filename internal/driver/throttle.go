package driver

import (
	"context"
	"image"

	"golang.org/x/sync/semaphore"

	"github.com/simonbystrom/teamrun/internal/client"
)

// throttled routes every call through a shared semaphore so that slow
// captures on one client cannot crowd out progress on the others.
type throttled struct {
	next Driver
	sem  *semaphore.Weighted
}

// Throttle wraps d so that at most sem's capacity of calls, summed across all
// drivers sharing sem, run at once. A nil sem returns d unchanged.
func Throttle(d Driver, sem *semaphore.Weighted) Driver {
	if sem == nil {
		return d
	}
	return &throttled{next: d, sem: sem}
}

// ThrottleFactory applies Throttle to every driver f creates.
func ThrottleFactory(f Factory, sem *semaphore.Weighted) Factory {
	return func(h client.Handle) Driver {
		return Throttle(f(h), sem)
	}
}

func (t *throttled) do(ctx context.Context, fn func() error) error {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer t.sem.Release(1)
	return fn()
}

func (t *throttled) Connect(ctx context.Context, h client.Handle) error {
	return t.do(ctx, func() error { return t.next.Connect(ctx, h) })
}

func (t *throttled) Capture(ctx context.Context) (image.Image, error) {
	var img image.Image
	err := t.do(ctx, func() error {
		var err error
		img, err = t.next.Capture(ctx)
		return err
	})
	return img, err
}

func (t *throttled) Tap(ctx context.Context, x, y int) error {
	return t.do(ctx, func() error { return t.next.Tap(ctx, x, y) })
}

func (t *throttled) Swipe(ctx context.Context, x1, y1, x2, y2 int, durationMs int) error {
	return t.do(ctx, func() error { return t.next.Swipe(ctx, x1, y1, x2, y2, durationMs) })
}

func (t *throttled) InputText(ctx context.Context, text string) error {
	return t.do(ctx, func() error { return t.next.InputText(ctx, text) })
}

func (t *throttled) KeyEvent(ctx context.Context, keycode int) error {
	return t.do(ctx, func() error { return t.next.KeyEvent(ctx, keycode) })
}

func (t *throttled) ScreenSize(ctx context.Context) (int, int, error) {
	var w, h int
	err := t.do(ctx, func() error {
		var err error
		w, h, err = t.next.ScreenSize(ctx)
		return err
	})
	return w, h, err
}

func (t *throttled) Disconnect(ctx context.Context) error {
	return t.do(ctx, func() error { return t.next.Disconnect(ctx) })
}
