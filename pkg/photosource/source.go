// Package photosource fetches photos for batch import at a bounded target
// size and reports the quality tier of each delivery.
package photosource

import (
	"context"
	"errors"
	"image"

	"github.com/nfnt/resize"

	"github.com/menta2k/sticker-maker/pkg/types"
)

// ErrNotFound is returned when an identifier names no photo.
var ErrNotFound = errors.New("photo not found")

// Quality is the tier a source reports for a delivered photo.
type Quality int

const (
	// QualityDegraded photos are too small for a usable sticker.
	QualityDegraded Quality = iota
	QualityHigh
)

func (q Quality) String() string {
	if q == QualityHigh {
		return "high"
	}
	return "degraded"
}

// Fetched is one delivered photo.
type Fetched struct {
	Image   types.RawImage
	Quality Quality
	// Native is the size of the stored photo before downscaling.
	Native types.Size
}

// Source lists and fetches photos by stable identifier.
type Source interface {
	List(ctx context.Context) ([]string, error)
	Fetch(ctx context.Context, id string, target types.Size) (*Fetched, error)
}

// DefaultMinQualityRatio is the fraction of the target size the native photo
// must reach along its limiting side to count as high quality.
const DefaultMinQualityRatio = 0.5

// deliver downscales img to fit target and grades it against minRatio.
func deliver(id string, img image.Image, target types.Size, minRatio float64) *Fetched {
	native := types.SizeOf(img)
	out := img
	if target.Width > 0 && target.Height > 0 {
		out = resize.Thumbnail(uint(target.Width), uint(target.Height), img, resize.Lanczos3)
	}
	return &Fetched{
		Image: types.RawImage{
			ID:          id,
			Image:       out,
			Orientation: types.OrientationUp,
			ColorSpace:  types.ColorSpaceSRGB,
		},
		Quality: grade(native, target, minRatio),
		Native:  native,
	}
}

// grade compares the native size with the target along the side that limits
// an aspect-preserving fit.
func grade(native, target types.Size, minRatio float64) Quality {
	if native.Width <= 0 || native.Height <= 0 {
		return QualityDegraded
	}
	if target.Width <= 0 || target.Height <= 0 {
		return QualityHigh
	}
	ratio := max(native.Width/target.Width, native.Height/target.Height)
	if ratio >= minRatio {
		return QualityHigh
	}
	return QualityDegraded
}
