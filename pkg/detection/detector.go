package detection

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/sticker-maker/pkg/types"
)

// Service is an animal detection backend. Boxes in the result use a
// bottom-left origin.
type Service interface {
	Detect(ctx context.Context, img image.Image) ([]types.Detection, error)
}

// ServiceFunc adapts a function to Service.
type ServiceFunc func(ctx context.Context, img image.Image) ([]types.Detection, error)

func (f ServiceFunc) Detect(ctx context.Context, img image.Image) ([]types.Detection, error) {
	return f(ctx, img)
}

// Detector finds animals in a photo. It never fails: backend errors,
// timeouts and panics all produce an empty list. Detections are returned
// exactly as the backend produced them: same order, boxes and confidences,
// with no filtering, re-ranking or suppression.
type Detector struct {
	service Service
	timeout time.Duration
	log     logrus.FieldLogger
}

// NewDetector creates a detector with a 60 second timeout.
func NewDetector(svc Service) *Detector {
	return &Detector{service: svc, timeout: 60 * time.Second, log: logrus.StandardLogger()}
}

// WithTimeout bounds each Detect call. Zero disables the bound.
func (d *Detector) WithTimeout(t time.Duration) *Detector {
	d.timeout = t
	return d
}

// WithLogger sets the logger used for diagnostics.
func (d *Detector) WithLogger(l logrus.FieldLogger) *Detector {
	d.log = l
	return d
}

// Detect returns the animals found in raw, possibly none.
func (d *Detector) Detect(ctx context.Context, raw types.RawImage) []types.Detection {
	if raw.Image == nil || raw.Image.Bounds().Empty() {
		return []types.Detection{}
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	dets, err := d.safeDetect(ctx, raw.Image)
	fields := logrus.Fields{
		"source":   raw.ID,
		"duration": time.Since(start).String(),
	}
	if err != nil {
		d.log.WithError(err).WithFields(fields).Warn("animal detection failed")
		return []types.Detection{}
	}

	if dets == nil {
		dets = []types.Detection{}
	}
	fields["animals"] = len(dets)
	d.log.WithFields(fields).Debug("animal detection finished")
	return dets
}

func (d *Detector) safeDetect(ctx context.Context, img image.Image) (dets []types.Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("detector panic: %v", r)
		}
	}()
	return d.service.Detect(ctx, img)
}
