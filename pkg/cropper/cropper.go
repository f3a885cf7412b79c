// Package cropper cuts close-ups around marker positions out of a side photo.
package cropper

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/menta2k/condition-report/pkg/types"
)

var ErrEmptyImage = errors.New("image has no pixels")

// MarkerCropper produces square close-ups centred on markers
type MarkerCropper struct {
	config CropConfig
}

// CropConfig holds configuration for marker crops
type CropConfig struct {
	// Fraction is the crop side as a share of the image's short side
	Fraction float64
	// MinSide is the smallest crop side in pixels
	MinSide int
	// OutputSize scales every crop to OutputSize x OutputSize; 0 keeps the crop size
	OutputSize     int
	AllowUpscaling bool
}

// DefaultConfig returns the configuration used by New
func DefaultConfig() CropConfig {
	return CropConfig{
		Fraction:   0.25,
		MinSide:    64,
		OutputSize: 0,
	}
}

// New creates a MarkerCropper with default configuration
func New() *MarkerCropper {
	return &MarkerCropper{config: DefaultConfig()}
}

// NewWithConfig creates a MarkerCropper with custom configuration
func NewWithConfig(config CropConfig) *MarkerCropper {
	if config.Fraction <= 0 || config.Fraction > 1 {
		config.Fraction = DefaultConfig().Fraction
	}
	if config.MinSide <= 0 {
		config.MinSide = DefaultConfig().MinSide
	}
	return &MarkerCropper{config: config}
}

// CropResult contains the result of a cropping operation
type CropResult struct {
	Image    image.Image
	Region   image.Rectangle
	MarkerID string
	Note     string
}

// CropAround cuts a square centred on p. Near an edge the square is shifted
// inward rather than shrunk, so every crop has the same side.
func (c *MarkerCropper) CropAround(img image.Image, p types.Point) (CropResult, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return CropResult{}, ErrEmptyImage
	}

	region := c.region(bounds, p)
	cropped := imaging.Crop(img, region)

	if size := c.config.OutputSize; size > 0 && (size < region.Dx() || c.config.AllowUpscaling) {
		cropped = imaging.Resize(cropped, size, size, imaging.Lanczos)
	}

	return CropResult{Image: cropped, Region: region}, nil
}

// CropObservations crops around every observation in order
func (c *MarkerCropper) CropObservations(img image.Image, observations []types.Observation) ([]CropResult, error) {
	results := make([]CropResult, 0, len(observations))
	for i, obs := range observations {
		res, err := c.CropAround(img, types.Point{X: obs.X, Y: obs.Y})
		if err != nil {
			return nil, fmt.Errorf("crop marker %d: %w", i, err)
		}
		res.MarkerID = obs.MarkerID
		res.Note = obs.Note
		results = append(results, res)
	}
	return results, nil
}

func (c *MarkerCropper) region(bounds image.Rectangle, p types.Point) image.Rectangle {
	w, h := bounds.Dx(), bounds.Dy()
	short := min(w, h)

	side := int(math.Round(float64(short) * c.config.Fraction))
	side = max(side, c.config.MinSide)
	side = min(side, short)

	cx := bounds.Min.X + int(math.Round(clamp(p.X, 0, 1)*float64(w)))
	cy := bounds.Min.Y + int(math.Round(clamp(p.Y, 0, 1)*float64(h)))

	x0 := clampInt(cx-side/2, bounds.Min.X, bounds.Max.X-side)
	y0 := clampInt(cy-side/2, bounds.Min.Y, bounds.Max.Y-side)
	return image.Rect(x0, y0, x0+side, y0+side)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
