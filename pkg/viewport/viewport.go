// Package viewport maps between pointer positions in a container and
// normalized coordinates on an image shown with "contain" fitting.
package viewport

import (
	"errors"

	"github.com/menta2k/condition-report/pkg/types"
)

// ErrNotReady is returned while the image or its container has no size yet
var ErrNotReady = errors.New("display box not measured")

// Rect is an axis-aligned rectangle in pixels
type Rect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Empty reports whether r has no area
func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// ComputeDisplayBox returns the letterboxed rectangle the image occupies
// inside container, centered and preserving the intrinsic aspect ratio.
func ComputeDisplayBox(container Rect, intrinsicWidth, intrinsicHeight float64) (Rect, error) {
	if container.Empty() || intrinsicWidth <= 0 || intrinsicHeight <= 0 {
		return Rect{}, ErrNotReady
	}

	imageRatio := intrinsicWidth / intrinsicHeight
	containerRatio := container.Width / container.Height

	var w, h float64
	if imageRatio > containerRatio {
		w = container.Width
		h = w / imageRatio
	} else {
		h = container.Height
		w = h * imageRatio
	}

	return Rect{
		Left:   container.Left + (container.Width-w)/2,
		Top:    container.Top + (container.Height-h)/2,
		Width:  w,
		Height: h,
	}, nil
}

// ToNormalized converts a pointer position to image space, clamped to [0,1]
func ToNormalized(pointerX, pointerY float64, box Rect) (types.Point, error) {
	if box.Empty() {
		return types.Point{}, ErrNotReady
	}
	return types.Point{
		X: clamp((pointerX-box.Left)/box.Width, 0, 1),
		Y: clamp((pointerY-box.Top)/box.Height, 0, 1),
	}, nil
}

// ToPixel places a normalized point inside box
func ToPixel(p types.Point, box Rect) (float64, float64, error) {
	if box.Empty() {
		return 0, 0, ErrNotReady
	}
	return box.Left + clamp(p.X, 0, 1)*box.Width, box.Top + clamp(p.Y, 0, 1)*box.Height, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
