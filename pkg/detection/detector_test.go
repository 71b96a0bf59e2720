package detection

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/sticker-maker/pkg/types"
)

func createTestImage(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 90, 140, 200, 255
	}
	return img
}

func TestDetector_NeverFails(t *testing.T) {
	raw := types.RawImage{ID: "p1", Image: createTestImage(32, 32)}

	tests := []struct {
		name string
		svc  Service
	}{
		{"error", ServiceFunc(func(context.Context, image.Image) ([]types.Detection, error) {
			return nil, errors.New("backend down")
		})},
		{"panic", ServiceFunc(func(context.Context, image.Image) ([]types.Detection, error) {
			panic("boom")
		})},
		{"timeout", ServiceFunc(func(ctx context.Context, _ image.Image) ([]types.Detection, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDetector(tt.svc).WithTimeout(20 * time.Millisecond)
			dets := d.Detect(context.Background(), raw)
			assert.NotNil(t, dets)
			assert.Empty(t, dets)
		})
	}
}

func TestDetector_PassesDetectionsThrough(t *testing.T) {
	want := []types.Detection{
		{Box: types.Box{X: 0.5, Y: 0.5, W: 0.1, H: 0.1}, Label: "dog", Confidence: 0.4},
		{Box: types.Box{X: 0.9, Y: 0.1, W: 0.3, H: 0.2}, Label: "cat", Confidence: 0.95},
		{Box: types.Box{X: 0.1, Y: 0.1, W: 0, H: 0.2}, Label: "ghost", Confidence: 0.5},
	}
	svc := ServiceFunc(func(context.Context, image.Image) ([]types.Detection, error) {
		return want, nil
	})

	dets := NewDetector(svc).Detect(context.Background(), types.RawImage{Image: createTestImage(8, 8)})
	require.Len(t, dets, 3)
	assert.Equal(t, want, dets)
}

func TestDetector_NilBecomesEmpty(t *testing.T) {
	svc := ServiceFunc(func(context.Context, image.Image) ([]types.Detection, error) {
		return nil, nil
	})
	dets := NewDetector(svc).Detect(context.Background(), types.RawImage{Image: createTestImage(8, 8)})
	assert.NotNil(t, dets)
	assert.Empty(t, dets)
}

func TestDetector_EmptyImage(t *testing.T) {
	called := false
	svc := ServiceFunc(func(context.Context, image.Image) ([]types.Detection, error) {
		called = true
		return nil, nil
	})
	dets := NewDetector(svc).Detect(context.Background(), types.RawImage{})
	assert.Empty(t, dets)
	assert.False(t, called)
}

type fakeVision struct {
	result *types.AnalysisResult
	err    error
	prompt string
}

func (f *fakeVision) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	return "a cat", nil
}

func (f *fakeVision) AnalyzeImage(ctx context.Context, model, prompt, imgB64 string) (*types.AnalysisResult, error) {
	f.prompt = prompt
	return f.result, f.err
}

func TestVisionService_FlipsBoxes(t *testing.T) {
	fv := &fakeVision{result: &types.AnalysisResult{Animals: []types.Animal{
		{Label: "Cat", Confidence: 0.9, Box: types.Box{X: 0.1, Y: 0.1, W: 0.4, H: 0.2}},
		{Label: "none", Confidence: 0.0, Box: types.Box{X: 0.25, Y: 0.25, W: 0.5, H: 0.5}},
		{Label: "dog", Confidence: 0.8, Box: types.Box{X: 20, Y: 50, W: 30, H: 40}},
	}}}

	svc := NewVisionService(fv, "llava")
	dets, err := svc.Detect(context.Background(), createTestImage(64, 48))
	require.NoError(t, err)
	require.Len(t, dets, 2)

	assert.Equal(t, DefaultPrompt, fv.prompt)
	assert.Equal(t, "cat", dets[0].Label)
	// top-left y 0.1..0.3 becomes bottom-left y 0.7..0.9
	assert.InDelta(t, 0.7, dets[0].Box.Y, 1e-9)
	assert.InDelta(t, 0.2, dets[0].Box.H, 1e-9)
	// percentages are scaled
	assert.InDelta(t, 0.2, dets[1].Box.X, 1e-9)
	assert.InDelta(t, 0.1, dets[1].Box.Y, 1e-9)
}

func TestVisionService_Error(t *testing.T) {
	svc := NewVisionService(&fakeVision{err: errors.New("no model")}, "llava")
	_, err := svc.Detect(context.Background(), createTestImage(8, 8))
	assert.ErrorContains(t, err, "no model")

	// through the Detector the failure becomes "no animals"
	assert.Empty(t, NewDetector(svc).Detect(context.Background(), types.RawImage{Image: createTestImage(8, 8)}))
}

func TestVisionService_MinConfidence(t *testing.T) {
	fv := &fakeVision{result: &types.AnalysisResult{Animals: []types.Animal{
		{Label: "cat", Confidence: 0.2, Box: types.Box{X: 0.1, Y: 0.1, W: 0.4, H: 0.2}},
	}}}
	svc := NewVisionService(fv, "llava")
	svc.MinConfidence = 0.5

	dets, err := svc.Detect(context.Background(), createTestImage(8, 8))
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestTestVision(t *testing.T) {
	out, err := NewVisionService(&fakeVision{}, "llava").TestVision(context.Background(), createTestImage(4, 4))
	require.NoError(t, err)
	assert.Equal(t, "a cat", out)
}
