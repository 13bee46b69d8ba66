// Package adb drives Android emulator clients through the adb command line.
package adb

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"regexp"
	"strconv"
	"strings"
)

// Version returns the adb client version, e.g. "1.0.41".
func Version(ctx context.Context, r Runner) (string, error) {
	out, err := r.Run(ctx, "version")
	if err != nil {
		return "", fmt.Errorf("get adb version: %w", err)
	}
	return parseVersion(string(out))
}

func parseVersion(out string) (string, error) {
	// "Android Debug Bridge version 1.0.41\nVersion 34.0.5-10900879\n..."
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "Android Debug Bridge version "); ok {
			return v, nil
		}
	}
	return "", fmt.Errorf("unexpected adb version output: %q", strings.TrimSpace(out))
}

// Connect attaches adb to a TCP device such as "127.0.0.1:5555".
func Connect(ctx context.Context, r Runner, addr string) error {
	out, err := r.Run(ctx, "connect", addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	return parseConnect(addr, string(out))
}

// adb exits zero even when the connection is refused, so the message decides.
func parseConnect(addr, out string) error {
	msg := strings.TrimSpace(out)
	if strings.HasPrefix(msg, "connected to") || strings.HasPrefix(msg, "already connected") {
		return nil
	}
	return fmt.Errorf("connect %s: %s", addr, msg)
}

func Disconnect(ctx context.Context, r Runner, addr string) error {
	if _, err := r.Run(ctx, "disconnect", addr); err != nil {
		return fmt.Errorf("disconnect %s: %w", addr, err)
	}
	return nil
}

// Screencap captures the device screen as a decoded PNG.
func Screencap(ctx context.Context, r Runner, serial string) (image.Image, error) {
	out, err := r.Run(ctx, "-s", serial, "exec-out", "screencap", "-p")
	if err != nil {
		return nil, fmt.Errorf("screencap %s: %w", serial, err)
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("decode screencap %s: %w", serial, err)
	}
	return img, nil
}

func shell(ctx context.Context, r Runner, serial string, args ...string) (string, error) {
	full := append([]string{"-s", serial, "shell"}, args...)
	out, err := r.Run(ctx, full...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func Tap(ctx context.Context, r Runner, serial string, x, y int) error {
	if _, err := shell(ctx, r, serial, "input", "tap", strconv.Itoa(x), strconv.Itoa(y)); err != nil {
		return fmt.Errorf("tap %d,%d on %s: %w", x, y, serial, err)
	}
	return nil
}

func Swipe(ctx context.Context, r Runner, serial string, x1, y1, x2, y2, durationMs int) error {
	_, err := shell(ctx, r, serial, "input", "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1), strconv.Itoa(x2), strconv.Itoa(y2), strconv.Itoa(durationMs))
	if err != nil {
		return fmt.Errorf("swipe on %s: %w", serial, err)
	}
	return nil
}

// InputText types text into the focused field.
func InputText(ctx context.Context, r Runner, serial, text string) error {
	if text == "" {
		return nil
	}
	if _, err := shell(ctx, r, serial, "input", "text", escapeText(text)); err != nil {
		return fmt.Errorf("input text on %s: %w", serial, err)
	}
	return nil
}

// escapeText prepares text for "input text", which splits on spaces and is
// passed through the device shell.
func escapeText(text string) string {
	var b strings.Builder
	for _, r := range text {
		switch {
		case r == ' ':
			b.WriteString("%s")
		case strings.ContainsRune(`\'"()<>|;&*~$?!#`+"`", r):
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func KeyEvent(ctx context.Context, r Runner, serial string, keycode int) error {
	if _, err := shell(ctx, r, serial, "input", "keyevent", strconv.Itoa(keycode)); err != nil {
		return fmt.Errorf("keyevent %d on %s: %w", keycode, serial, err)
	}
	return nil
}

// LaunchApp starts the launcher activity of pkg.
func LaunchApp(ctx context.Context, r Runner, serial, pkg string) error {
	out, err := shell(ctx, r, serial, "monkey", "-p", pkg, "-c", "android.intent.category.LAUNCHER", "1")
	if err != nil {
		return fmt.Errorf("launch %s on %s: %w", pkg, serial, err)
	}
	if strings.Contains(out, "monkey aborted") || strings.Contains(out, "No activities found") {
		return fmt.Errorf("launch %s on %s: %s", pkg, serial, out)
	}
	return nil
}

// ScreenSize returns the effective display size, preferring an override
// size over the physical one.
func ScreenSize(ctx context.Context, r Runner, serial string) (width, height int, err error) {
	out, err := shell(ctx, r, serial, "wm", "size")
	if err != nil {
		return 0, 0, fmt.Errorf("wm size on %s: %w", serial, err)
	}
	return parseWMSize(out)
}

func parseWMSize(out string) (int, int, error) {
	var size string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "Override size: "); ok {
			size = v
			break
		}
		if v, ok := strings.CutPrefix(line, "Physical size: "); ok {
			size = v
		}
	}
	w, h, ok := strings.Cut(size, "x")
	if !ok {
		return 0, 0, fmt.Errorf("unexpected wm size output: %q", out)
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return 0, 0, fmt.Errorf("parse width %q: %w", w, err)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return 0, 0, fmt.Errorf("parse height %q: %w", h, err)
	}
	return width, height, nil
}

var focusRe = regexp.MustCompile(`mCurrentFocus=Window\{\S+ \S+ ([\w.]+)/`)

// ForegroundApp returns the package owning the focused window, or "" when
// none is focused.
func ForegroundApp(ctx context.Context, r Runner, serial string) (string, error) {
	out, err := shell(ctx, r, serial, "dumpsys", "window", "windows")
	if err != nil {
		return "", fmt.Errorf("dumpsys window on %s: %w", serial, err)
	}
	return parseFocus(out), nil
}

func parseFocus(out string) string {
	m := focusRe.FindStringSubmatch(out)
	if m == nil {
		return ""
	}
	return m[1]
}
