package convert

import (
	"image"
	"image/color"
	"sort"
	"strings"

	"github.com/makeworld-the-better-one/dither/v2"
)

// matrices are the error diffusion kernels selectable by name. The keys are
// what config files and CLI flags use.
var matrices = map[string]dither.ErrorDiffusionMatrix{
	"floyd-steinberg":       dither.FloydSteinberg,
	"false-floyd-steinberg": dither.FalseFloydSteinberg,
	"atkinson":              dither.Atkinson,
	"burkes":                dither.Burkes,
	"jarvis-judice-ninke":   dither.JarvisJudiceNinke,
	"sierra":                dither.Sierra,
	"sierra-2":              dither.Sierra2,
	"sierra-lite":           dither.SierraLite,
	"stucki":                dither.Stucki,
	"simple-2d":             dither.Simple2D,
}

// DefaultMatrix is the kernel used when none is configured.
const DefaultMatrix = "floyd-steinberg"

// MatrixNames lists the accepted kernel names, plus "none".
func MatrixNames() []string {
	names := make([]string, 0, len(matrices)+1)
	for k := range matrices {
		names = append(names, k)
	}
	sort.Strings(names)
	return append(names, "none")
}

// Matrix resolves a kernel name and scales it by strength (1 = full error).
// "none" returns a nil matrix, which disables diffusion.
func Matrix(name string, strength float32) (dither.ErrorDiffusionMatrix, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = DefaultMatrix
	}
	if name == "none" {
		return nil, nil
	}
	m, ok := matrices[name]
	if !ok {
		return nil, configErr("dither", "unknown matrix %q (want one of %s)", name, strings.Join(MatrixNames(), ", "))
	}
	if strength <= 0 || strength > 1 {
		return nil, configErr("dither", "strength %v outside (0,1]", strength)
	}
	if strength != 1 {
		m = dither.ErrorDiffusionStrength(m, strength)
	}
	return m, nil
}

// Quantize reduces img to the Spectra6 palette with Floyd–Steinberg error
// diffusion.
func Quantize(img image.Image) *image.Paletted {
	return QuantizeWith(img, dither.FloydSteinberg)
}

// QuantizeWith reduces img to the Spectra6 palette, diffusing the
// quantization error with matrix m (nil disables diffusion).
//
// Pixels are visited in raster order. Each working value is clamped to
// [0,255], mapped to the nearest palette colour by squared RGB distance,
// and the difference is spread forward to unvisited neighbours. There is no
// parallelism, so the output is identical for identical input. Alpha is
// ignored; Fit output is already opaque.
func QuantizeWith(img image.Image, m dither.ErrorDiffusionMatrix) *image.Paletted {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewPaletted(image.Rect(0, 0, w, h), Palette())
	if w == 0 || h == 0 {
		return dst
	}

	rs, gs, bs := planes(img)
	cur := currentPixel(m)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			r, g, bl := clamp(rs[i]), clamp(gs[i]), clamp(bs[i])
			idx := nearestRGB(r, g, bl)
			dst.Pix[y*dst.Stride+x] = idx

			if m == nil {
				continue
			}
			p := Spectra6[idx]
			er, eg, eb := r-float32(p.R), g-float32(p.G), bl-float32(p.B)
			if er == 0 && eg == 0 && eb == 0 {
				continue
			}
			for dy, row := range m {
				ny := y + dy
				if ny >= h {
					break
				}
				for dx, f := range row {
					if f == 0 {
						continue
					}
					nx := x + dx - cur
					if nx < 0 || nx >= w {
						continue
					}
					j := ny*w + nx
					rs[j] += er * f
					gs[j] += eg * f
					bs[j] += eb * f
				}
			}
		}
	}
	return dst
}

// Nearest returns the palette index closest to c.
func Nearest(c color.Color) uint8 {
	n := color.NRGBAModel.Convert(c).(color.NRGBA)
	return nearestRGB(float32(n.R), float32(n.G), float32(n.B))
}

// nearestRGB picks the palette entry with the smallest squared Euclidean
// distance. Ties go to the lower index.
func nearestRGB(r, g, b float32) uint8 {
	best := uint8(0)
	bestDist := float32(-1)
	for i, p := range Spectra6 {
		dr := r - float32(p.R)
		dg := g - float32(p.G)
		db := b - float32(p.B)
		d := dr*dr + dg*dg + db*db
		if bestDist < 0 || d < bestDist {
			bestDist = d
			best = uint8(i)
		}
	}
	return best
}

// planes copies img's RGB channels into float working buffers.
func planes(img image.Image) (rs, gs, bs []float32) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	rs = make([]float32, w*h)
	gs = make([]float32, w*h)
	bs = make([]float32, w*h)

	if n, ok := img.(*image.NRGBA); ok {
		for y := 0; y < h; y++ {
			row := n.Pix[y*n.Stride:]
			for x := 0; x < w; x++ {
				o := x * 4
				i := y*w + x
				rs[i] = float32(row[o])
				gs[i] = float32(row[o+1])
				bs[i] = float32(row[o+2])
			}
		}
		return rs, gs, bs
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := y*w + x
			rs[i] = float32(c.R)
			gs[i] = float32(c.G)
			bs[i] = float32(c.B)
		}
	}
	return rs, gs, bs
}

// currentPixel returns the column of the pixel being processed in the
// first row of m: the entry right before the first non-zero weight.
func currentPixel(m dither.ErrorDiffusionMatrix) int {
	if len(m) == 0 {
		return 0
	}
	for i, v := range m[0] {
		if v != 0 {
			return i - 1
		}
	}
	return len(m[0]) / 2
}

func clamp(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return v
}
