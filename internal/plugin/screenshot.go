package plugin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"epdframe/internal/capture"
	"epdframe/internal/convert"
	"epdframe/internal/model"
)

// ScreenshotID is the registry ID of the web page plugin.
const ScreenshotID = "screenshot"

// Screenshot renders a web page with headless Chromium.
//
// Settings: "url" (required), "wait_selector", "timeout_seconds".
type Screenshot struct {
	capture func(ctx context.Context, opts capture.Options) ([]byte, error)
}

func NewScreenshot() *Screenshot {
	return &Screenshot{capture: capture.PNG}
}

func (p *Screenshot) GenerateImage(ctx context.Context, s Settings, dev model.Device) (image.Image, error) {
	url := s.String("url")
	if url == "" {
		return nil, errors.New("screenshot: url is required")
	}

	size := dev.WorkingSize()
	png, err := p.capture(ctx, capture.Options{
		URL:          url,
		Width:        size.Width,
		Height:       size.Height,
		WaitSelector: s.String("wait_selector"),
		Timeout:      time.Duration(s.Int("timeout_seconds", 0)) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}

	img, err := convert.Decode(bytes.NewReader(png))
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return img, nil
}
