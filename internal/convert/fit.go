package convert

import (
	"errors"
	"image"
	"image/color"

	"github.com/disintegration/gift"
	"golang.org/x/image/draw"

	"epdframe/internal/model"
)

// blurSigma controls how soft the padded background of a letterboxed
// image is.
const blurSigma = 8

var white = image.NewUniform(color.NRGBA{R: 255, G: 255, B: 255, A: 255})

// Fit maps an arbitrary source image onto the panel canvas.
//
//   - horizontal: centre-crop and Lanczos-scale to the physical resolution.
//   - vertical: compose at the swapped (portrait) size, then rotate 90°
//     counter-clockwise back to the physical layout. Landscape sources are
//     not cropped; they are contained and padded with a blurred, cover-scaled
//     copy of themselves.
//   - borderPercent > 0 shrinks the result by (1 - borderPercent/100) and
//     centres it on white.
//
// The result is opaque and its bounds are exactly (0,0)-(w,h) of
// dev.Resolution. EXIF orientation must already have been applied.
func Fit(src image.Image, dev model.Device, borderPercent int) (*image.NRGBA, error) {
	if err := ValidateDevice(dev); err != nil {
		return nil, err
	}
	if borderPercent < 0 || borderPercent >= 100 {
		return nil, configErr("fit", "border percent %d outside [0,100)", borderPercent)
	}
	if src == nil || src.Bounds().Empty() {
		return nil, sourceErr("fit", errors.New("empty source image"))
	}

	flat := flatten(src)
	work := dev.WorkingSize()

	var fitted *image.NRGBA
	switch dev.Orientation {
	case model.Vertical:
		var portrait *image.NRGBA
		if b := flat.Bounds(); b.Dx() > b.Dy() {
			portrait = padBlur(flat, work.Width, work.Height)
		} else {
			portrait = apply(flat, gift.ResizeToFill(work.Width, work.Height, gift.LanczosResampling, gift.CenterAnchor))
		}
		fitted = apply(portrait, gift.Rotate90())
	default:
		fitted = apply(flat, gift.ResizeToFill(work.Width, work.Height, gift.LanczosResampling, gift.CenterAnchor))
	}

	if borderPercent > 0 {
		fitted = addBorder(fitted, borderPercent)
	}
	return fitted, nil
}

// ValidateDevice checks the orientation and resolution a conversion needs.
func ValidateDevice(dev model.Device) error {
	if !dev.Orientation.Valid() {
		return configErr("device", "unknown orientation %q", dev.Orientation)
	}
	if dev.Resolution.Width <= 0 || dev.Resolution.Height <= 0 {
		return configErr("device", "invalid resolution %s", dev.Resolution)
	}
	return nil
}

// flatten composites src over white into a zero-origin NRGBA.
func flatten(src image.Image) *image.NRGBA {
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), white, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	return dst
}

func apply(src image.Image, filters ...gift.Filter) *image.NRGBA {
	g := gift.New(filters...)
	dst := image.NewNRGBA(g.Bounds(src.Bounds()))
	g.Draw(dst, src)
	return dst
}

// padBlur contains src in a w×h box and fills the rest with a blurred
// cover-scaled copy of src, so letterboxing blends with the picture.
func padBlur(src *image.NRGBA, w, h int) *image.NRGBA {
	bg := apply(src,
		gift.ResizeToFill(w, h, gift.LanczosResampling, gift.CenterAnchor),
		gift.GaussianBlur(blurSigma),
	)
	fg := apply(src, gift.ResizeToFit(w, h, gift.LanczosResampling))
	pasteCentered(bg, fg)
	return bg
}

func addBorder(img *image.NRGBA, borderPercent int) *image.NRGBA {
	b := img.Bounds()
	shrink := 1 - float64(borderPercent)/100
	nw := max(int(float64(b.Dx())*shrink), 1)
	nh := max(int(float64(b.Dy())*shrink), 1)

	inner := apply(img, gift.Resize(nw, nh, gift.LanczosResampling))
	canvas := image.NewNRGBA(b)
	draw.Draw(canvas, b, white, image.Point{}, draw.Src)
	pasteCentered(canvas, inner)
	return canvas
}

// pasteCentered draws fg onto dst so that fg's centre lines up with dst's
// (rounding towards the top-left).
func pasteCentered(dst *image.NRGBA, fg image.Image) {
	db, fb := dst.Bounds(), fg.Bounds()
	off := image.Pt(db.Min.X+(db.Dx()-fb.Dx())/2, db.Min.Y+(db.Dy()-fb.Dy())/2)
	r := image.Rectangle{Min: off, Max: off.Add(fb.Size())}
	draw.Draw(dst, r, fg, fb.Min, draw.Src)
}
