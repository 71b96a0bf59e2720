// Package contour finds the outline of a subject mask.
package contour

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/sticker-maker/pkg/processing"
	"github.com/menta2k/sticker-maker/pkg/types"
)

// ErrNoContours is returned when a mask contains no foreground region.
var ErrNoContours = errors.New("no contours found")

// DefaultThreshold separates foreground from background in a mask.
const DefaultThreshold = 127

// Options controls contour detection.
type Options struct {
	// DetectsDarkOnLight treats dark regions on a light background as
	// foreground. Subject masks are light on dark, so extraction leaves it
	// false.
	DetectsDarkOnLight bool
	Threshold          uint8
}

// Service finds the outer boundaries in a grayscale mask. Paths are
// normalized with a bottom-left origin and sorted by enclosed area,
// largest first.
type Service interface {
	DetectContours(ctx context.Context, mask image.Image, opts Options) ([]types.Path, error)
}

// Extractor turns a subject mask into the dominant contour.
type Extractor struct {
	service   Service
	threshold uint8
	log       logrus.FieldLogger
}

// NewExtractor creates an extractor backed by svc. A nil svc uses the
// pure-Go Tracer.
func NewExtractor(svc Service) *Extractor {
	if svc == nil {
		svc = NewTracer()
	}
	return &Extractor{service: svc, threshold: DefaultThreshold, log: logrus.StandardLogger()}
}

// WithLogger sets the logger used for diagnostics.
func (e *Extractor) WithLogger(l logrus.FieldLogger) *Extractor {
	e.log = l
	return e
}

// WithThreshold sets the foreground threshold.
func (e *Extractor) WithThreshold(t uint8) *Extractor {
	e.threshold = t
	return e
}

// Extract returns the first contour the service reports. The mask is first
// brought upright according to orientation, so the contour lives in the same
// space as an upright rendering of the photo.
func (e *Extractor) Extract(ctx context.Context, mask *types.SubjectMask, orientation types.Orientation) (*types.Contour, error) {
	if mask == nil || mask.Alpha == nil {
		return nil, fmt.Errorf("failed to extract contour: %w", ErrNoContours)
	}

	var upright image.Image = mask.Alpha
	if orientation.Valid() && orientation != types.OrientationUp {
		upright = processing.Orient(mask.Alpha, orientation)
	}

	paths, err := e.service.DetectContours(ctx, upright, Options{
		DetectsDarkOnLight: false,
		Threshold:          e.threshold,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to detect contours: %w", err)
	}
	if len(paths) == 0 {
		return nil, ErrNoContours
	}

	e.log.WithFields(logrus.Fields{
		"contours": len(paths),
		"points":   len(paths[0]),
	}).Debug("contour extracted")

	c := types.NewContour(paths[0])
	return &c, nil
}

// toGray converts any image to an 8-bit luminance buffer with a zero origin.
func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Bounds().Min == (image.Point{}) {
		return g
	}
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			g.Set(x, y, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return g
}
