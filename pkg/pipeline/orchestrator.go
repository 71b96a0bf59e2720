// Package pipeline turns one photo into one sticker: detect an animal,
// isolate it, trace its outline, cut it out and encode it.
package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/sticker-maker/pkg/compositor"
	"github.com/menta2k/sticker-maker/pkg/geometry"
	"github.com/menta2k/sticker-maker/pkg/processing"
	"github.com/menta2k/sticker-maker/pkg/types"
)

// Detector finds animals. It reports failures as an empty list.
type Detector interface {
	Detect(ctx context.Context, raw types.RawImage) []types.Detection
}

// MaskGenerator isolates the subject under an optional seed point
// (normalized, top-left origin).
type MaskGenerator interface {
	GenerateMask(ctx context.Context, raw types.RawImage, seed *types.Point) (*types.SubjectMask, error)
}

// ContourExtractor outlines a subject mask in upright image space.
type ContourExtractor interface {
	Extract(ctx context.Context, mask *types.SubjectMask, orientation types.Orientation) (*types.Contour, error)
}

// ImageEncoder serializes the finished sticker. It must preserve alpha.
type ImageEncoder interface {
	Encode(img image.Image) ([]byte, error)
}

// Options configures an Orchestrator.
type Options struct {
	// DrawContourOverlay strokes the contour onto the sticker.
	DrawContourOverlay bool
	OverlayWidth       float64
	OverlayColor       color.NRGBA
	// CropPadding grows the crop by this many pixels on each side.
	CropPadding float64
	Flip        geometry.FlipFormula
	// AlphaCrop crops to the opaque pixels of the composite instead of the
	// contour box.
	AlphaCrop        bool
	CompressionLevel png.CompressionLevel
}

// DefaultOptions returns options producing plain, unpadded stickers.
func DefaultOptions() Options {
	return Options{
		OverlayWidth:     5,
		OverlayColor:     color.NRGBA{255, 255, 255, 255},
		Flip:             geometry.FlipFromMaxY,
		CompressionLevel: png.DefaultCompression,
	}
}

// Orchestrator drives a photo through the sticker stages. A run either
// reaches StateDone with a record or StateFailed with a classified Error;
// nothing is retried. An Orchestrator holds no per-run state and may be
// shared by concurrent runs.
type Orchestrator struct {
	detector Detector
	masks    MaskGenerator
	contours ContourExtractor
	mapper   *geometry.Mapper
	encoder  ImageEncoder
	opts     Options
	observer Observer
	log      logrus.FieldLogger
	now      func() time.Time
}

// New creates an orchestrator from its stage implementations.
func New(d Detector, m MaskGenerator, c ContourExtractor, opts Options) *Orchestrator {
	log := logrus.StandardLogger()
	return &Orchestrator{
		detector: d,
		masks:    m,
		contours: c,
		mapper:   geometry.NewMapper(geometry.Options{Padding: opts.CropPadding, Flip: opts.Flip}),
		encoder:  NewEncoder(opts.CompressionLevel),
		opts:     opts,
		observer: NewLoggingObserver(log),
		log:      log,
		now:      time.Now,
	}
}

// WithObserver replaces the transition observer.
func (o *Orchestrator) WithObserver(obs Observer) *Orchestrator {
	o.observer = obs
	return o
}

// WithEncoder replaces the PNG encoder.
func (o *Orchestrator) WithEncoder(e ImageEncoder) *Orchestrator {
	o.encoder = e
	return o
}

// WithLogger sets the logger.
func (o *Orchestrator) WithLogger(l logrus.FieldLogger) *Orchestrator {
	o.log = l
	if _, ok := o.observer.(*LoggingObserver); ok {
		o.observer = NewLoggingObserver(l)
	}
	return o
}

// run tracks the state of a single execution.
type run struct {
	o     *Orchestrator
	ctx   context.Context
	id    string
	state State
}

func (r *run) advance(to State) {
	from := r.state
	r.state = to
	r.o.observer.OnTransition(r.ctx, Transition{SourceID: r.id, From: from, To: to, At: r.o.now()})
}

func (r *run) fail(kind Kind, err error) error {
	pe := NewError(kind, r.state, err)
	from := r.state
	r.state = StateFailed
	r.o.observer.OnTransition(r.ctx, Transition{SourceID: r.id, From: from, To: StateFailed, At: r.o.now(), Err: pe})
	return pe
}

// Run turns raw into a sticker record.
func (o *Orchestrator) Run(ctx context.Context, raw types.RawImage) (*types.StickerRecord, error) {
	id := raw.ID
	if id == "" {
		id = ksuid.New().String()
	}
	r := &run{o: o, ctx: ctx, id: id, state: StateStart}

	r.advance(StateDetecting)
	detections := o.detector.Detect(ctx, raw)
	if len(detections) == 0 {
		return nil, r.fail(KindNoSubjectDetected, errors.New("no animals detected"))
	}

	r.advance(StateMaskGenerating)
	seed := geometry.SeedFromBox(detections[0].Box)
	mask, err := o.masks.GenerateMask(ctx, raw, &seed)
	if err != nil || mask == nil {
		return nil, r.fail(KindMaskGenerationFailed, orNil(err, "mask generator returned no mask"))
	}

	r.advance(StateContourExtracting)
	contour, err := o.contours.Extract(ctx, mask, raw.Orientation)
	if err != nil || contour == nil {
		return nil, r.fail(KindContourExtractionFailed, orNil(err, "no contour"))
	}

	r.advance(StateCompositing)
	// Composite only rejects empty masks, which mask generators already
	// refuse to return.
	composited, err := compositor.Composite(mask, raw.Image)
	if err != nil {
		return nil, r.fail(KindMaskGenerationFailed, err)
	}
	upright := composited
	if raw.Orientation.Valid() && raw.Orientation != types.OrientationUp {
		upright = processing.Orient(composited, raw.Orientation)
	}
	if o.opts.DrawContourOverlay {
		compositor.DrawContour(upright, contour.Path, o.opts.OverlayWidth, o.opts.OverlayColor)
	}

	r.advance(StateCropping)
	cropped, err := o.crop(upright, contour)
	if err != nil {
		return nil, r.fail(KindCropRegionInvalid, err)
	}

	data, err := o.encoder.Encode(cropped)
	if err != nil {
		return nil, r.fail(KindEncodingFailed, err)
	}

	r.advance(StateDone)
	return &types.StickerRecord{
		ID:         id,
		ImageBytes: data,
		Detections: append([]types.Detection(nil), detections...),
		Contour:    *contour,
	}, nil
}

func (o *Orchestrator) crop(img *image.NRGBA, contour *types.Contour) (*image.NRGBA, error) {
	if o.opts.AlphaCrop {
		cropped, _, err := compositor.AlphaCrop(img)
		return cropped, err
	}
	region, err := o.mapper.MapContourToCropRegion(contour.Box, types.SizeOf(img))
	if err != nil {
		return nil, err
	}
	return compositor.Crop(img, region)
}

func orNil(err error, msg string) error {
	if err != nil {
		return err
	}
	return errors.New(msg)
}
