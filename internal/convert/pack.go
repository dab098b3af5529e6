package convert

import (
	"errors"
	"fmt"
	"image"
)

// Spectra 6 7.3" panel geometry.
const (
	PanelWidth  = 800
	PanelHeight = 480
)

// PackedLen returns the buffer size for a w×h canvas at 4 bits per pixel.
func PackedLen(w, h int) int {
	return (w*h + 1) / 2
}

// Pack serializes a palette-index canvas into the panel's 4bpp format.
//
// Packing rules:
//
//   - pixels are read row-major: row 0 left to right, then row 1, ...
//   - each pair (p0, p1) becomes one byte: p0<<4 | p1
//   - if the canvas has an odd number of pixels the final low nibble is 0
//     (index Black); the supported panels always have an even count.
//
// An index outside the palette is an error rather than a silently wrong
// pixel on the panel.
func Pack(m *image.Paletted) ([]byte, error) {
	b := m.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]byte, PackedLen(w, h))

	n := 0
	for y := 0; y < h; y++ {
		row := m.Pix[y*m.Stride : y*m.Stride+w]
		for x, idx := range row {
			if idx >= NumColors {
				return nil, fmt.Errorf("convert: pack: index %d at (%d,%d) outside palette", idx, b.Min.X+x, b.Min.Y+y)
			}
			if n&1 == 0 {
				out[n>>1] = idx << 4
			} else {
				out[n>>1] |= idx
			}
			n++
		}
	}
	return out, nil
}

// Unpack is the inverse of Pack for a canvas of the given size.
func Unpack(buf []byte, w, h int) (*image.Paletted, error) {
	if w <= 0 || h <= 0 {
		return nil, errors.New("convert: unpack: empty canvas")
	}
	if len(buf) != PackedLen(w, h) {
		return nil, fmt.Errorf("convert: unpack: expected %d bytes for %dx%d, got %d", PackedLen(w, h), w, h, len(buf))
	}

	m := image.NewPaletted(image.Rect(0, 0, w, h), Palette())
	for i := range w * h {
		nib := buf[i>>1]
		if i&1 == 0 {
			nib >>= 4
		}
		nib &= 0x0f
		if nib >= NumColors {
			return nil, fmt.Errorf("convert: unpack: nibble %d at pixel %d outside palette", nib, i)
		}
		m.Pix[(i/w)*m.Stride+i%w] = nib
	}
	return m, nil
}
