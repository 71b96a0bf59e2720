// Package geometry converts between the normalized, bottom-left origin
// coordinates produced by the vision stages and the top-left pixel space of
// rendered bitmaps.
package geometry

import (
	"errors"
	"fmt"
	"math"

	"github.com/menta2k/sticker-maker/pkg/types"
)

var (
	ErrDegenerateBox    = errors.New("contour box has no area")
	ErrDegenerateTarget = errors.New("target size has no area")
	ErrOutsideTarget    = errors.New("crop region lies outside the target")
)

// FlipFormula selects how the vertical pixel origin of a crop is computed.
type FlipFormula int

const (
	// FlipFromMaxY places the crop at (1 - maxY) * H. This is the correct
	// conversion from a bottom-left normalized box to top-left pixels.
	FlipFromMaxY FlipFormula = iota
	// FlipFromMinY places the crop at minY * H without flipping. Kept so
	// stickers produced by older builds can be reproduced.
	FlipFromMinY
)

func (f FlipFormula) String() string {
	switch f {
	case FlipFromMaxY:
		return "max_y"
	case FlipFromMinY:
		return "min_y"
	default:
		return fmt.Sprintf("FlipFormula(%d)", int(f))
	}
}

// ParseFlipFormula parses the config spelling of a flip formula.
func ParseFlipFormula(s string) (FlipFormula, error) {
	switch s {
	case "", "max_y":
		return FlipFromMaxY, nil
	case "min_y":
		return FlipFromMinY, nil
	default:
		return 0, fmt.Errorf("unknown flip formula %q", s)
	}
}

// Options configures the mapper.
type Options struct {
	// Padding in pixels added on every side of the crop before clamping.
	Padding float64
	Flip    FlipFormula
}

// Mapper maps contour boxes onto bitmap pixels.
type Mapper struct {
	opts Options
}

func NewMapper(opts Options) *Mapper {
	return &Mapper{opts: opts}
}

// MapContourToCropRegion converts a normalized bottom-left box into a
// top-left pixel rectangle of target. Degenerate boxes are rejected before
// padding is applied; a padded region is clamped to the target bounds.
func (m *Mapper) MapContourToCropRegion(box types.Box, target types.Size) (types.CropRegion, error) {
	if box.Empty() || math.IsNaN(box.W) || math.IsNaN(box.H) {
		return types.CropRegion{}, ErrDegenerateBox
	}
	if target.Width <= 0 || target.Height <= 0 {
		return types.CropRegion{}, ErrDegenerateTarget
	}

	r := types.CropRegion{
		X:      box.MinX() * target.Width,
		Width:  box.W * target.Width,
		Height: box.H * target.Height,
	}
	switch m.opts.Flip {
	case FlipFromMinY:
		r.Y = box.MinY() * target.Height
	default:
		r.Y = (1 - box.MaxY()) * target.Height
	}

	if p := m.opts.Padding; p != 0 {
		r.X -= p
		r.Y -= p
		r.Width += 2 * p
		r.Height += 2 * p
	}

	r = clamp(r, target)
	if r.Empty() {
		return types.CropRegion{}, ErrOutsideTarget
	}
	return r, nil
}

func clamp(r types.CropRegion, target types.Size) types.CropRegion {
	x0 := math.Max(r.X, 0)
	y0 := math.Max(r.Y, 0)
	x1 := math.Min(r.X+r.Width, target.Width)
	y1 := math.Min(r.Y+r.Height, target.Height)
	return types.CropRegion{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

// SeedFromBox returns the midpoint of a bottom-left normalized box as a
// top-left normalized point, the convention instance label buffers use.
func SeedFromBox(box types.Box) types.Point {
	return types.Point{X: box.MidX(), Y: 1 - box.MidY()}
}

// ToPixel converts a normalized bottom-left point to top-left pixel
// coordinates of a w x h bitmap.
func ToPixel(p types.Point, w, h float64) (float64, float64) {
	return p.X * w, (1 - p.Y) * h
}
