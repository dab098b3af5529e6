// Package convert turns arbitrary images into the packed 4bpp buffer a
// Spectra 6 e-paper panel displays: geometry fitting, palette quantization
// with error diffusion, and nibble packing.
package convert

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"

	"github.com/makeworld-the-better-one/dither/v2"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"epdframe/internal/model"
)

// Decode reads an image in any registered format (PNG, JPEG, GIF, WebP,
// BMP, TIFF). Failures are KindSourceRead errors.
func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, sourceErr("decode", err)
	}
	return img, nil
}

// DecodeFile reads the whole file before decoding so the conversion works
// on a snapshot even if the file is replaced meanwhile.
func DecodeFile(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, sourceErr("decode", err)
	}
	return Decode(bytes.NewReader(data))
}

// Converter runs the pipeline for one device profile. It holds no mutable
// state and is safe for concurrent use.
type Converter struct {
	Device model.Device
	// Matrix is the diffusion kernel; nil disables diffusion. Use
	// NewConverter to get Floyd–Steinberg by default.
	Matrix dither.ErrorDiffusionMatrix
}

// NewConverter returns a Converter using Floyd–Steinberg diffusion.
func NewConverter(dev model.Device) *Converter {
	return &Converter{Device: dev, Matrix: dither.FloydSteinberg}
}

// Result holds every stage's output of one conversion.
type Result struct {
	Fitted  *image.NRGBA   // RGB image at panel resolution
	Indexed *image.Paletted // palette-index canvas
	Packed  []byte          // 4bpp panel buffer
}

// Convert runs fit → quantize → pack on src.
func (c *Converter) Convert(src image.Image, borderPercent int) (*Result, error) {
	fitted, err := Fit(src, c.Device, borderPercent)
	if err != nil {
		return nil, err
	}
	res, err := c.Render(fitted)
	if err != nil {
		return nil, err
	}
	res.Fitted = fitted
	return res, nil
}

// Render quantizes and packs an image that has already been fitted to the
// panel. Its size must equal the device resolution exactly.
func (c *Converter) Render(fitted image.Image) (*Result, error) {
	if err := ValidateDevice(c.Device); err != nil {
		return nil, err
	}
	if fitted == nil {
		return nil, sourceErr("render", errors.New("nil image"))
	}
	size := fitted.Bounds().Size()
	want := c.Device.Resolution
	if size.X != want.Width || size.Y != want.Height {
		return nil, configErr("render", "image is %dx%d, panel is %s", size.X, size.Y, want)
	}

	indexed := QuantizeWith(fitted, c.Matrix)
	packed, err := Pack(indexed)
	if err != nil {
		return nil, fmt.Errorf("convert: render: %w", err)
	}
	return &Result{Indexed: indexed, Packed: packed}, nil
}

// EncodePreview writes the quantized canvas as a PNG in palette colours,
// for humans to check what the panel will show.
func EncodePreview(w io.Writer, m *image.Paletted) error {
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(w, m); err != nil {
		return fmt.Errorf("convert: encode preview: %w", err)
	}
	return nil
}
