// Package segmentation isolates the foreground subject of a photo as an
// alpha mask, optionally restricted to the instance under a seed point.
package segmentation

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/sticker-maker/pkg/types"
)

var (
	// ErrNoInstances is returned when the service finds no foreground.
	ErrNoInstances = errors.New("no foreground instances")
	// ErrEmptyMask is returned when the service produces a mask with no pixels.
	ErrEmptyMask = errors.New("empty mask")
)

// Observation is the result of one segmentation request.
type Observation interface {
	// InstanceMap is the label buffer, usually at a lower resolution than
	// the image.
	InstanceMap() *InstanceMap
	// AllInstances lists every foreground label.
	AllInstances() []int
	// Mask returns a soft alpha matte containing only the given instances,
	// at the instance map resolution.
	Mask(instances []int) (*image.Gray, error)
}

// Service runs foreground instance segmentation.
type Service interface {
	Segment(ctx context.Context, img image.Image) (Observation, error)
}

// Generator produces the subject mask for a photo.
type Generator struct {
	service Service
	log     logrus.FieldLogger
}

func NewGenerator(svc Service) *Generator {
	return &Generator{service: svc, log: logrus.StandardLogger()}
}

// WithLogger sets the logger used for diagnostics.
func (g *Generator) WithLogger(l logrus.FieldLogger) *Generator {
	g.log = l
	return g
}

// GenerateMask segments raw.Image. With a nil seed every instance is kept.
// With a seed (normalized, top-left origin) only the instance under the seed
// is kept, unless the seed falls on background, in which case every
// instance is kept. Any failure yields a nil mask and an error.
func (g *Generator) GenerateMask(ctx context.Context, raw types.RawImage, seed *types.Point) (*types.SubjectMask, error) {
	if raw.Image == nil {
		return nil, errors.New("no image to segment")
	}

	obs, err := g.service.Segment(ctx, raw.Image)
	if err != nil {
		return nil, fmt.Errorf("failed to segment image: %w", err)
	}

	all := obs.AllInstances()
	if len(all) == 0 {
		return nil, ErrNoInstances
	}

	instances := all
	if seed != nil {
		label, err := obs.InstanceMap().LabelAt(*seed)
		if err != nil {
			return nil, fmt.Errorf("failed to read instance label: %w", err)
		}
		if label != 0 {
			instances = []int{int(label)}
		}
		g.log.WithFields(logrus.Fields{
			"seed_x": seed.X,
			"seed_y": seed.Y,
			"label":  label,
		}).Debug("seed instance resolved")
	}

	alpha, err := obs.Mask(instances)
	if err != nil {
		return nil, fmt.Errorf("failed to generate mask: %w", err)
	}
	if alpha == nil || alpha.Bounds().Empty() {
		return nil, ErrEmptyMask
	}
	return &types.SubjectMask{Alpha: alpha, Instances: instances}, nil
}
