package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/sticker-maker/pkg/contour"
	"github.com/menta2k/sticker-maker/pkg/segmentation"
	"github.com/menta2k/sticker-maker/pkg/types"
)

type fakeDetector struct {
	dets  []types.Detection
	calls int
}

func (f *fakeDetector) Detect(context.Context, types.RawImage) []types.Detection {
	f.calls++
	return f.dets
}

type fakeMasks struct {
	mask  *types.SubjectMask
	err   error
	calls int
	seeds []types.Point
}

func (f *fakeMasks) GenerateMask(_ context.Context, _ types.RawImage, seed *types.Point) (*types.SubjectMask, error) {
	f.calls++
	if seed != nil {
		f.seeds = append(f.seeds, *seed)
	}
	return f.mask, f.err
}

type fakeContours struct {
	contour *types.Contour
	err     error
	calls   int
}

func (f *fakeContours) Extract(context.Context, *types.SubjectMask, types.Orientation) (*types.Contour, error) {
	f.calls++
	return f.contour, f.err
}

type failingEncoder struct{}

func (failingEncoder) Encode(image.Image) ([]byte, error) { return nil, errors.New("disk full") }

type recorder struct {
	mu          sync.Mutex
	transitions []Transition
}

func (r *recorder) OnTransition(_ context.Context, t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.transitions))
	for _, t := range r.transitions {
		out = append(out, t.To)
	}
	return out
}

func solid(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func opaqueMask(w, h int) *types.SubjectMask {
	g := image.NewGray(image.Rect(0, 0, w, h))
	for i := range g.Pix {
		g.Pix[i] = 255
	}
	return &types.SubjectMask{Alpha: g, Instances: []int{1}}
}

func cat() types.Detection {
	return types.Detection{Box: types.Box{X: 0.2, Y: 0.3, W: 0.4, H: 0.4}, Label: "cat", Confidence: 0.9}
}

func rawPhoto(id string) types.RawImage {
	return types.RawImage{
		ID:          id,
		Image:       solid(100, 100, color.NRGBA{200, 100, 50, 255}),
		Orientation: types.OrientationUp,
		ColorSpace:  types.ColorSpaceSRGB,
	}
}

func boxContour() *types.Contour {
	c := types.NewContour(types.Path{{X: 0.2, Y: 0.3}, {X: 0.6, Y: 0.3}, {X: 0.6, Y: 0.7}, {X: 0.2, Y: 0.7}})
	return &c
}

func TestRun_NoDetectionsShortCircuits(t *testing.T) {
	det := &fakeDetector{}
	masks := &fakeMasks{mask: opaqueMask(100, 100)}
	contours := &fakeContours{contour: boxContour()}
	rec := &recorder{}

	o := New(det, masks, contours, DefaultOptions()).WithObserver(rec)
	record, err := o.Run(context.Background(), rawPhoto("p1"))

	require.Error(t, err)
	assert.Nil(t, record)
	assert.True(t, IsKind(err, KindNoSubjectDetected))
	assert.Equal(t, 0, masks.calls)
	assert.Equal(t, 0, contours.calls)
	assert.Equal(t, []State{StateDetecting, StateFailed}, rec.states())

	last := rec.transitions[len(rec.transitions)-1]
	assert.Equal(t, StateDetecting, last.From)
	assert.Equal(t, "p1", last.SourceID)
	assert.Error(t, last.Err)
}

func TestRun_Success(t *testing.T) {
	det := &fakeDetector{dets: []types.Detection{cat()}}
	masks := &fakeMasks{mask: opaqueMask(100, 100)}
	rec := &recorder{}

	o := New(det, masks, &fakeContours{contour: boxContour()}, DefaultOptions()).WithObserver(rec)
	record, err := o.Run(context.Background(), rawPhoto("p1"))
	require.NoError(t, err)

	assert.Equal(t, "p1", record.ID)
	assert.Equal(t, []types.Detection{cat()}, record.Detections)
	assert.Equal(t, *boxContour(), record.Contour)
	assert.Equal(t, []State{
		StateDetecting, StateMaskGenerating, StateContourExtracting,
		StateCompositing, StateCropping, StateDone,
	}, rec.states())

	// seed is the detection centre in top-left space
	require.Len(t, masks.seeds, 1)
	assert.InDelta(t, 0.4, masks.seeds[0].X, 1e-9)
	assert.InDelta(t, 0.5, masks.seeds[0].Y, 1e-9)

	img, err := png.Decode(bytes.NewReader(record.ImageBytes))
	require.NoError(t, err)
	assert.Equal(t, 40, img.Bounds().Dx())
	assert.Equal(t, 40, img.Bounds().Dy())
}

func TestRun_Failures(t *testing.T) {
	degenerate := types.NewContour(types.Path{{X: 0.5, Y: 0.2}, {X: 0.5, Y: 0.6}})

	tests := []struct {
		name     string
		masks    *fakeMasks
		contours *fakeContours
		kind     Kind
		from     State
	}{
		{
			name:     "mask error",
			masks:    &fakeMasks{err: errors.New("boom")},
			contours: &fakeContours{contour: boxContour()},
			kind:     KindMaskGenerationFailed,
			from:     StateMaskGenerating,
		},
		{
			name:     "nil mask",
			masks:    &fakeMasks{},
			contours: &fakeContours{contour: boxContour()},
			kind:     KindMaskGenerationFailed,
			from:     StateMaskGenerating,
		},
		{
			name:     "contour error",
			masks:    &fakeMasks{mask: opaqueMask(100, 100)},
			contours: &fakeContours{err: contour.ErrNoContours},
			kind:     KindContourExtractionFailed,
			from:     StateContourExtracting,
		},
		{
			name:     "degenerate contour box",
			masks:    &fakeMasks{mask: opaqueMask(100, 100)},
			contours: &fakeContours{contour: &degenerate},
			kind:     KindCropRegionInvalid,
			from:     StateCropping,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			det := &fakeDetector{dets: []types.Detection{cat()}}
			o := New(det, tt.masks, tt.contours, DefaultOptions()).WithObserver(rec)

			record, err := o.Run(context.Background(), rawPhoto("p1"))
			require.Error(t, err)
			assert.Nil(t, record)

			kind, ok := KindOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.kind, kind)

			var pe *Error
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.from, pe.Stage)

			states := rec.states()
			assert.Equal(t, StateFailed, states[len(states)-1])
		})
	}
}

func TestRun_EncodingFailure(t *testing.T) {
	det := &fakeDetector{dets: []types.Detection{cat()}}
	o := New(det, &fakeMasks{mask: opaqueMask(100, 100)}, &fakeContours{contour: boxContour()}, DefaultOptions()).
		WithEncoder(failingEncoder{})

	_, err := o.Run(context.Background(), rawPhoto("p1"))
	assert.True(t, IsKind(err, KindEncodingFailed))
	assert.ErrorContains(t, err, "disk full")
}

func TestRun_Idempotent(t *testing.T) {
	det := &fakeDetector{dets: []types.Detection{cat()}}
	o := New(det, &fakeMasks{mask: opaqueMask(100, 100)}, &fakeContours{contour: boxContour()}, DefaultOptions())

	first, err := o.Run(context.Background(), rawPhoto("p1"))
	require.NoError(t, err)
	second, err := o.Run(context.Background(), rawPhoto("p1"))
	require.NoError(t, err)

	assert.Equal(t, first.ImageBytes, second.ImageBytes)
	assert.Equal(t, first.Contour, second.Contour)
	assert.Equal(t, first.Detections, second.Detections)
}

func TestRun_GeneratesIDWhenMissing(t *testing.T) {
	det := &fakeDetector{dets: []types.Detection{cat()}}
	o := New(det, &fakeMasks{mask: opaqueMask(100, 100)}, &fakeContours{contour: boxContour()}, DefaultOptions())

	record, err := o.Run(context.Background(), rawPhoto(""))
	require.NoError(t, err)
	assert.Len(t, record.ID, 27)
}

func TestRun_ContourOverlay(t *testing.T) {
	det := &fakeDetector{dets: []types.Detection{cat()}}
	opts := DefaultOptions()
	opts.DrawContourOverlay = true
	opts.OverlayColor = color.NRGBA{0, 255, 0, 255}
	opts.CropPadding = 5

	o := New(det, &fakeMasks{mask: opaqueMask(100, 100)}, &fakeContours{contour: boxContour()}, opts)
	record, err := o.Run(context.Background(), rawPhoto("p1"))
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(record.ImageBytes))
	require.NoError(t, err)
	// the stroke runs along the left edge of the contour box
	r, g, b, _ := img.At(img.Bounds().Min.X+5, img.Bounds().Min.Y+20).RGBA()
	assert.Equal(t, uint32(0), r>>8)
	assert.Equal(t, uint32(255), g>>8)
	assert.Equal(t, uint32(0), b>>8)
}

func TestRun_AlphaCrop(t *testing.T) {
	mask := image.NewGray(image.Rect(0, 0, 100, 100))
	for y := 20; y < 30; y++ {
		for x := 60; x < 75; x++ {
			mask.Pix[y*mask.Stride+x] = 255
		}
	}
	det := &fakeDetector{dets: []types.Detection{cat()}}
	opts := DefaultOptions()
	opts.AlphaCrop = true

	o := New(det, &fakeMasks{mask: &types.SubjectMask{Alpha: mask, Instances: []int{1}}}, &fakeContours{contour: boxContour()}, opts)
	record, err := o.Run(context.Background(), rawPhoto("p1"))
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(record.ImageBytes))
	require.NoError(t, err)
	assert.Equal(t, 15, img.Bounds().Dx())
	assert.Equal(t, 10, img.Bounds().Dy())
}

func TestRun_EndToEnd(t *testing.T) {
	// brown square at pixels [10,50) on white, detected in bottom-left space
	img := solid(100, 100, color.NRGBA{255, 255, 255, 255})
	for y := 10; y < 50; y++ {
		for x := 10; x < 50; x++ {
			img.SetNRGBA(x, y, color.NRGBA{120, 70, 20, 255})
		}
	}
	det := &fakeDetector{dets: []types.Detection{{
		Box:        types.Box{X: 0.1, Y: 0.5, W: 0.4, H: 0.4},
		Label:      "dog",
		Confidence: 0.8,
	}}}
	masks := segmentation.NewGenerator(segmentation.NewMatteSegmenter(segmentation.NewBackgroundMatter()))
	contours := contour.NewExtractor(nil)

	o := New(det, masks, contours, DefaultOptions())
	record, err := o.Run(context.Background(), types.RawImage{ID: "dog", Image: img, Orientation: types.OrientationUp})
	require.NoError(t, err)

	assert.InDelta(t, 0.1, record.Contour.Box.X, 0.01)
	assert.InDelta(t, 0.5, record.Contour.Box.Y, 0.01)

	out, err := png.Decode(bytes.NewReader(record.ImageBytes))
	require.NoError(t, err)
	assert.InDelta(t, 40, out.Bounds().Dx(), 1)
	assert.InDelta(t, 40, out.Bounds().Dy(), 1)

	c := color.NRGBAModel.Convert(out.At(out.Bounds().Min.X+20, out.Bounds().Min.Y+20)).(color.NRGBA)
	assert.Equal(t, color.NRGBA{120, 70, 20, 255}, c)
}

func TestRun_OutOfRangeSeedFailsMaskGeneration(t *testing.T) {
	img := solid(100, 100, color.NRGBA{255, 255, 255, 255})
	for y := 10; y < 50; y++ {
		for x := 10; x < 50; x++ {
			img.SetNRGBA(x, y, color.NRGBA{120, 70, 20, 255})
		}
	}
	// midX = 1.05 lies outside the photo
	det := &fakeDetector{dets: []types.Detection{{Box: types.Box{X: 0.9, Y: 0.1, W: 0.3, H: 0.2}, Label: "dog"}}}
	masks := segmentation.NewGenerator(segmentation.NewMatteSegmenter(segmentation.NewBackgroundMatter()))
	rec := &recorder{}

	o := New(det, masks, contour.NewExtractor(nil), DefaultOptions()).WithObserver(rec)
	record, err := o.Run(context.Background(), types.RawImage{ID: "edge", Image: img, Orientation: types.OrientationUp})

	assert.Nil(t, record)
	assert.True(t, IsKind(err, KindMaskGenerationFailed))
	assert.ErrorIs(t, err, segmentation.ErrSeedOutOfRange)
	assert.Equal(t, []State{StateDetecting, StateMaskGenerating, StateFailed}, rec.states())
}
