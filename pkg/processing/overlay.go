package processing

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"

	"github.com/menta2k/condition-report/pkg/types"
)

var (
	markerColor  = color.NRGBA{255, 59, 48, 255}
	outlineColor = color.NRGBA{255, 255, 255, 255}
)

// RenderMarkers draws each observation as a ringed crosshair at its
// normalized position on a copy of img.
func (p *Processor) RenderMarkers(img image.Image, observations []types.Observation) image.Image {
	nrgba := imaging.Clone(img)
	w := nrgba.Bounds().Dx()
	h := nrgba.Bounds().Dy()

	stroke := int(math.Max(2, 0.004*float64(minInt(w, h))))
	cross := int(math.Max(6, 0.02*float64(minInt(w, h))))

	for _, obs := range observations {
		px := int(clamp(obs.X, 0, 1)*float64(w-1) + 0.5)
		py := int(clamp(obs.Y, 0, 1)*float64(h-1) + 0.5)

		drawRing(nrgba, px, py, cross+stroke, stroke+2, outlineColor)
		drawRing(nrgba, px, py, cross, stroke, markerColor)
		for s := -stroke / 2; s <= stroke/2; s++ {
			drawHLine(nrgba, py+s, px-cross, px+cross+1, markerColor)
			drawVLine(nrgba, px+s, py-cross, py+cross+1, markerColor)
		}
	}
	return nrgba
}

func drawRing(img *image.NRGBA, cx, cy, radius, thickness int, c color.NRGBA) {
	inner := float64(radius - thickness)
	outer := float64(radius)
	for y := cy - radius; y <= cy+radius; y++ {
		for x := cx - radius; x <= cx+radius; x++ {
			d := math.Hypot(float64(x-cx), float64(y-cy))
			if d >= inner && d <= outer {
				setPixel(img, x, y, c)
			}
		}
	}
}

func setPixel(img *image.NRGBA, x, y int, c color.NRGBA) {
	if x < 0 || y < 0 || x >= img.Bounds().Dx() || y >= img.Bounds().Dy() {
		return
	}
	i := y*img.Stride + x*4
	img.Pix[i+0] = c.R
	img.Pix[i+1] = c.G
	img.Pix[i+2] = c.B
	img.Pix[i+3] = c.A
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	if y < 0 || y >= img.Bounds().Dy() {
		return
	}
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	if x1 <= 0 || x0 >= img.Bounds().Dx() {
		return
	}
	if x0 < 0 {
		x0 = 0
	}
	if x1 > img.Bounds().Dx() {
		x1 = img.Bounds().Dx()
	}
	i := y*img.Stride + x0*4
	for x := x0; x < x1; x++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += 4
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	if x < 0 || x >= img.Bounds().Dx() {
		return
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	if y1 <= 0 || y0 >= img.Bounds().Dy() {
		return
	}
	if y0 < 0 {
		y0 = 0
	}
	if y1 > img.Bounds().Dy() {
		y1 = img.Bounds().Dy()
	}
	i := y0*img.Stride + x*4
	for y := y0; y < y1; y++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += img.Stride
	}
}
