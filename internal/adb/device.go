package adb

import (
	"context"
	"fmt"
	"image"
	"math/rand"
	"strings"

	"github.com/simonbystrom/teamrun/internal/client"
	"github.com/simonbystrom/teamrun/internal/driver"
)

var _ driver.Driver = (*Device)(nil)

// Device is a driver.Driver for one emulator reached through adb. Its serial
// is the client's address.
type Device struct {
	runner Runner
	serial string
	jitter int
	randN  func(n int) int

	// disconnect makes Disconnect detach TCP devices from adb.
	disconnect bool
}

// Option configures a Device.
type Option func(*Device)

// WithJitter offsets every tap by up to px pixels on each axis.
func WithJitter(px int) Option {
	return func(d *Device) { d.jitter = max(px, 0) }
}

// WithDisconnect makes Disconnect run "adb disconnect" for TCP devices.
// Without it the connection is left for other tools.
func WithDisconnect(on bool) Option {
	return func(d *Device) { d.disconnect = on }
}

func NewDevice(r Runner, serial string, opts ...Option) *Device {
	d := &Device{runner: r, serial: serial, randN: rand.Intn}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewFactory returns a driver.Factory building a Device per client.
func NewFactory(r Runner, opts ...Option) driver.Factory {
	return func(h client.Handle) driver.Driver {
		return NewDevice(r, h.Address, opts...)
	}
}

func (d *Device) Serial() string {
	return d.serial
}

// Connect attaches to the client's address. Serials without a port are
// USB devices and need no connect call.
func (d *Device) Connect(ctx context.Context, h client.Handle) error {
	if h.Address != "" {
		d.serial = h.Address
	}
	if d.serial == "" {
		return fmt.Errorf("client %s has no address", h.ID)
	}
	if !hasPort(d.serial) {
		return nil
	}
	return Connect(ctx, d.runner, d.serial)
}

func hasPort(serial string) bool {
	i := strings.LastIndexByte(serial, ':')
	return i >= 0 && i < len(serial)-1
}

func (d *Device) Capture(ctx context.Context) (image.Image, error) {
	return Screencap(ctx, d.runner, d.serial)
}

func (d *Device) Tap(ctx context.Context, x, y int) error {
	return Tap(ctx, d.runner, d.serial, x+d.offset(), y+d.offset())
}

func (d *Device) Swipe(ctx context.Context, x1, y1, x2, y2, durationMs int) error {
	return Swipe(ctx, d.runner, d.serial, x1, y1, x2, y2, durationMs)
}

func (d *Device) InputText(ctx context.Context, text string) error {
	return InputText(ctx, d.runner, d.serial, text)
}

func (d *Device) KeyEvent(ctx context.Context, keycode int) error {
	return KeyEvent(ctx, d.runner, d.serial, keycode)
}

func (d *Device) ScreenSize(ctx context.Context) (int, int, error) {
	return ScreenSize(ctx, d.runner, d.serial)
}

// Disconnect detaches a TCP device when WithDisconnect is set. USB devices
// are never detached.
func (d *Device) Disconnect(ctx context.Context) error {
	if !d.disconnect || !hasPort(d.serial) {
		return nil
	}
	return Disconnect(ctx, d.runner, d.serial)
}

// LaunchApp starts pkg on the device.
func (d *Device) LaunchApp(ctx context.Context, pkg string) error {
	return LaunchApp(ctx, d.runner, d.serial, pkg)
}

func (d *Device) offset() int {
	if d.jitter == 0 {
		return 0
	}
	return d.randN(2*d.jitter+1) - d.jitter
}
