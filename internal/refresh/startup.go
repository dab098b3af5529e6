package refresh

import (
	"image"
	"image/draw"

	"github.com/disintegration/gift"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"epdframe/internal/convert"
	"epdframe/internal/model"
)

// StartupImage draws a title and info lines centred on white. Text is laid
// out at 1/3 scale and blown up with nearest-neighbour so it stays legible
// from across a room.
func StartupImage(size model.Resolution, lines ...string) image.Image {
	const scale = 3
	w, h := max(size.Width/scale, 1), max(size.Height/scale, 1)
	small := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(small, small.Bounds(), image.NewUniform(convert.Spectra6[convert.White]), image.Point{}, draw.Src)

	face := basicfont.Face7x13
	lineH := face.Height + 4
	all := append([]string{"epdframe"}, lines...)
	y := (h-len(all)*lineH)/2 + face.Ascent

	for i, text := range all {
		col := convert.Spectra6[convert.Black]
		if i == 0 {
			col = convert.Spectra6[convert.Blue]
		}
		d := font.Drawer{Dst: small, Src: image.NewUniform(col), Face: face}
		adv := d.MeasureString(text).Ceil()
		d.Dot = fixed.P((w-adv)/2, y)
		d.DrawString(text)
		y += lineH
	}

	g := gift.New(gift.Resize(size.Width, size.Height, gift.NearestNeighborResampling))
	out := image.NewNRGBA(g.Bounds(small.Bounds()))
	g.Draw(out, small)
	return out
}
