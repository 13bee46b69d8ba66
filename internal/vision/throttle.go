package vision

import (
	"context"
	"image"

	"golang.org/x/sync/semaphore"
)

type throttled struct {
	next Recognizer
	sem  *semaphore.Weighted
}

// Throttle wraps r so recognition calls share the capacity of sem with every
// other throttled driver and recognizer. A nil sem returns r unchanged.
func Throttle(r Recognizer, sem *semaphore.Weighted) Recognizer {
	if sem == nil || r == nil {
		return r
	}
	return &throttled{next: r, sem: sem}
}

func (t *throttled) LocateText(ctx context.Context, img image.Image, text string, threshold float64) (*BBox, error) {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer t.sem.Release(1)
	return t.next.LocateText(ctx, img, text, threshold)
}

func (t *throttled) LocateTemplate(ctx context.Context, img image.Image, templatePath string, threshold float64) (*BBox, error) {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer t.sem.Release(1)
	return t.next.LocateTemplate(ctx, img, templatePath, threshold)
}
