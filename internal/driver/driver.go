// Package driver defines the capability the executor uses to operate one
// client: connect, capture the screen, and inject input.
package driver

import (
	"context"
	"image"

	"github.com/simonbystrom/teamrun/internal/client"
)

// Driver abstracts low-level client control so executors can be tested with
// fakes. One Driver instance serves exactly one client.
type Driver interface {
	Connect(ctx context.Context, h client.Handle) error
	Capture(ctx context.Context) (image.Image, error)
	Tap(ctx context.Context, x, y int) error
	Swipe(ctx context.Context, x1, y1, x2, y2 int, durationMs int) error
	InputText(ctx context.Context, text string) error
	KeyEvent(ctx context.Context, keycode int) error
	// ScreenSize reports the display size input coordinates refer to.
	ScreenSize(ctx context.Context) (width, height int, err error)
	// Disconnect releases the connection made by Connect. Drivers that keep
	// nothing open return nil.
	Disconnect(ctx context.Context) error
}

// KeyBack is the Android back key.
const KeyBack = 4

// Factory creates the Driver for a client.
type Factory func(h client.Handle) Driver
