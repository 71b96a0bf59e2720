package compositor

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/sticker-maker/pkg/types"
)

func createTestImage(width, height int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

// halfMask covers the left half of a w x h matte.
func halfMask(w, h int) *types.SubjectMask {
	g := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w/2; x++ {
			g.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	return &types.SubjectMask{Alpha: g, Instances: []int{1}}
}

func TestComposite_ScalesMaskToSource(t *testing.T) {
	src := createTestImage(100, 80, color.NRGBA{200, 10, 10, 255})

	out, err := Composite(halfMask(50, 40), src)
	require.NoError(t, err)
	require.Equal(t, src.Bounds(), out.Bounds())

	assert.Equal(t, color.NRGBA{200, 10, 10, 255}, out.NRGBAAt(10, 40))
	assert.Equal(t, uint8(0), out.NRGBAAt(90, 40).A)
	// source untouched
	assert.Equal(t, uint8(255), src.NRGBAAt(90, 40).A)
}

func TestComposite_Deterministic(t *testing.T) {
	src := createTestImage(64, 64, color.NRGBA{20, 120, 220, 255})
	mask := halfMask(17, 23)

	a, err := Composite(mask, src)
	require.NoError(t, err)
	b, err := Composite(mask, src)
	require.NoError(t, err)
	assert.Equal(t, a.Pix, b.Pix)
}

func TestComposite_NoMask(t *testing.T) {
	src := createTestImage(4, 4, color.NRGBA{A: 255})
	_, err := Composite(nil, src)
	assert.ErrorIs(t, err, ErrNoMask)
	_, err = Composite(&types.SubjectMask{}, src)
	assert.ErrorIs(t, err, ErrNoMask)
}

func TestAlphaBounds(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 50, 40))
	img.SetNRGBA(10, 5, color.NRGBA{A: 255})
	img.SetNRGBA(30, 20, color.NRGBA{A: 3})

	r, ok := AlphaBounds(img, 0)
	require.True(t, ok)
	assert.Equal(t, image.Rect(10, 5, 31, 21), r)

	r, ok = AlphaBounds(img, 10)
	require.True(t, ok)
	assert.Equal(t, image.Rect(10, 5, 11, 6), r)

	_, ok = AlphaBounds(image.NewNRGBA(image.Rect(0, 0, 5, 5)), 0)
	assert.False(t, ok)
}

func TestAlphaCrop(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 50, 40))
	for y := 12; y < 20; y++ {
		for x := 5; x < 25; x++ {
			img.SetNRGBA(x, y, color.NRGBA{1, 2, 3, 255})
		}
	}

	cropped, r, err := AlphaCrop(img)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(5, 12, 25, 20), r)
	assert.Equal(t, 20, cropped.Bounds().Dx())
	assert.Equal(t, 8, cropped.Bounds().Dy())

	_, _, err = AlphaCrop(image.NewNRGBA(image.Rect(0, 0, 3, 3)))
	assert.ErrorIs(t, err, ErrFullyTransparent)
}

func TestCrop(t *testing.T) {
	img := createTestImage(100, 100, color.NRGBA{A: 255})

	out, err := Crop(img, types.CropRegion{X: 10.4, Y: 20, Width: 30, Height: 40.2})
	require.NoError(t, err)
	assert.Equal(t, 31, out.Bounds().Dx())
	assert.Equal(t, 41, out.Bounds().Dy())

	_, err = Crop(img, types.CropRegion{X: 200, Y: 200, Width: 10, Height: 10})
	assert.Error(t, err)
}

func TestDrawContour(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 100, 100))
	square := types.Path{{X: 0.2, Y: 0.2}, {X: 0.8, Y: 0.2}, {X: 0.8, Y: 0.8}, {X: 0.2, Y: 0.8}}

	DrawContour(img, square, 4, color.White)

	// bottom edge of the square at normalized y 0.2 is pixel row 80
	assert.Equal(t, uint8(255), img.NRGBAAt(50, 80).A)
	assert.Equal(t, uint8(255), img.NRGBAAt(20, 50).R)
	// interior stays untouched
	assert.Equal(t, uint8(0), img.NRGBAAt(50, 50).A)
}
