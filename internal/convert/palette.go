package convert

import "image/color"

// Palette indices as understood by the Spectra 6 panel firmware. The
// numbering is part of the wire format and must not change.
const (
	Black uint8 = iota
	White
	Green
	Blue
	Red
	Yellow

	NumColors = 6
)

// Spectra6 is the fixed display palette in index order.
var Spectra6 = [NumColors]color.NRGBA{
	Black:  {R: 0, G: 0, B: 0, A: 255},
	White:  {R: 255, G: 255, B: 255, A: 255},
	Green:  {R: 0, G: 128, B: 0, A: 255},
	Blue:   {R: 0, G: 0, B: 255, A: 255},
	Red:    {R: 255, G: 0, B: 0, A: 255},
	Yellow: {R: 255, G: 255, B: 0, A: 255},
}

var colorNames = [NumColors]string{"black", "white", "green", "blue", "red", "yellow"}

// Palette returns Spectra6 as a color.Palette. A new slice is returned on
// every call so callers cannot alter the shared table.
func Palette() color.Palette {
	p := make(color.Palette, NumColors)
	for i, c := range Spectra6 {
		p[i] = c
	}
	return p
}

// ColorOf returns the RGB value for a palette index. ok is false for
// indices outside the palette.
func ColorOf(idx uint8) (c color.NRGBA, ok bool) {
	if int(idx) >= NumColors {
		return color.NRGBA{}, false
	}
	return Spectra6[idx], true
}

// ColorName returns a lowercase name for idx, or "" if out of range.
func ColorName(idx uint8) string {
	if int(idx) >= NumColors {
		return ""
	}
	return colorNames[idx]
}
