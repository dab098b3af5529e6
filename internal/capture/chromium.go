package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
)

// Default capture parameters.
const (
	DefaultWidth      = 800
	DefaultHeight     = 480
	DefaultTimeoutSec = 30
	// DefaultWaitSelector waits for the document body, which every page has.
	DefaultWaitSelector = "body"
)

// Options defines parameters for a Chromium-based screenshot capture.
type Options struct {
	// URL to capture, e.g. "https://example.com/dashboard".
	URL string

	// Width and Height are the viewport dimensions in pixels. If zero,
	// DefaultWidth / DefaultHeight are used. Callers pass the device's
	// working (pre-rotation) size so no cropping is needed later.
	Width  int
	Height int

	// WaitSelector is a CSS selector that must be visible before the
	// screenshot is taken. Pages that load data asynchronously can expose
	// e.g. [data-ready="true"].
	WaitSelector string

	// Settle is an extra delay after WaitSelector to allow final paints.
	Settle time.Duration

	// Timeout bounds the entire capture operation. If zero, a sane default
	// (DefaultTimeoutSec) is used.
	Timeout time.Duration
}

func (o *Options) normalize() error {
	if o.URL == "" {
		return fmt.Errorf("capture: URL is required")
	}
	if o.Width <= 0 {
		o.Width = DefaultWidth
	}
	if o.Height <= 0 {
		o.Height = DefaultHeight
	}
	if o.WaitSelector == "" {
		o.WaitSelector = DefaultWaitSelector
	}
	if o.Settle <= 0 {
		o.Settle = 500 * time.Millisecond
	}
	if o.Timeout <= 0 {
		o.Timeout = time.Duration(DefaultTimeoutSec) * time.Second
	}
	return nil
}

// PNG launches a headless Chromium instance via chromedp, navigates to
// opts.URL, waits for opts.WaitSelector and returns a PNG screenshot of the
// viewport.
func PNG(parentCtx context.Context, opts Options) ([]byte, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	ctx, cancel := chromedp.NewContext(parentCtx)
	defer cancel()

	// Apply timeout to the entire capture sequence.
	ctx, timeoutCancel := context.WithTimeout(ctx, opts.Timeout)
	defer timeoutCancel()

	var png []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(opts.Width), int64(opts.Height)),
		chromedp.Navigate(opts.URL),
		chromedp.WaitVisible(opts.WaitSelector, chromedp.ByQuery),
		chromedp.Sleep(opts.Settle),
		chromedp.CaptureScreenshot(&png),
	}

	if err := chromedp.Run(ctx, tasks); err != nil {
		return nil, fmt.Errorf("capture: chromedp run failed: %w", err)
	}
	return png, nil
}
