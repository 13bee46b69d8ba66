// Package vision defines the recognition capability used to find text and
// template images on a captured screen.
package vision

import (
	"context"
	"image"
)

// BBox is an axis-aligned box in screen pixels.
type BBox struct {
	X, Y, W, H int
	Score      float64
}

// Center returns the middle point of the box.
func (b BBox) Center() (int, int) {
	return b.X + b.W/2, b.Y + b.H/2
}

// Recognizer locates things on a screen image. A nil box with a nil error
// means "not found".
type Recognizer interface {
	LocateText(ctx context.Context, img image.Image, text string, threshold float64) (*BBox, error)
	LocateTemplate(ctx context.Context, img image.Image, templatePath string, threshold float64) (*BBox, error)
}
