// Package compositor blends a subject mask with its source photo and crops
// the result.
package compositor

import (
	"errors"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
	"golang.org/x/image/vector"

	"github.com/menta2k/sticker-maker/pkg/types"
)

var (
	ErrNoMask           = errors.New("mask is empty")
	ErrFullyTransparent = errors.New("image has no opaque pixels")
)

// Composite returns the source image with every pixel's alpha multiplied by
// the mask. The mask is resampled to the source extent as part of the blend,
// since segmentation usually runs at a lower resolution. Where the mask is 0
// the output is fully transparent.
func Composite(mask *types.SubjectMask, src image.Image) (*image.NRGBA, error) {
	if mask == nil || mask.Alpha == nil || mask.Alpha.Bounds().Empty() {
		return nil, ErrNoMask
	}

	out := imaging.Clone(src)
	w, h := out.Bounds().Dx(), out.Bounds().Dy()

	scaled := mask.Alpha
	if mask.Alpha.Bounds().Dx() != w || mask.Alpha.Bounds().Dy() != h {
		scaled = image.NewGray(image.Rect(0, 0, w, h))
		draw.BiLinear.Scale(scaled, scaled.Bounds(), mask.Alpha, mask.Alpha.Bounds(), draw.Src, nil)
	}

	for y := 0; y < h; y++ {
		row := out.Pix[y*out.Stride : y*out.Stride+w*4]
		mrow := scaled.Pix[y*scaled.Stride : y*scaled.Stride+w]
		for x := 0; x < w; x++ {
			m := uint32(mrow[x])
			a := uint32(row[x*4+3])
			row[x*4+3] = uint8((a*m + 127) / 255)
		}
	}
	return out, nil
}

// AlphaBounds returns the tightest rectangle containing every pixel whose
// alpha exceeds threshold. It scans every pixel, so cost grows linearly with
// the pixel count.
func AlphaBounds(img *image.NRGBA, threshold uint8) (image.Rectangle, bool) {
	b := img.Bounds()
	minX, minY := b.Max.X, b.Max.Y
	maxX, maxY := b.Min.X-1, b.Min.Y-1

	for y := b.Min.Y; y < b.Max.Y; y++ {
		i := img.PixOffset(b.Min.X, y) + 3
		for x := b.Min.X; x < b.Max.X; x++ {
			if img.Pix[i] > threshold {
				if x < minX {
					minX = x
				}
				if x > maxX {
					maxX = x
				}
				if y < minY {
					minY = y
				}
				if y > maxY {
					maxY = y
				}
			}
			i += 4
		}
	}

	if maxX < minX || maxY < minY {
		return image.Rectangle{}, false
	}
	return image.Rect(minX, minY, maxX+1, maxY+1), true
}

// AlphaCrop crops img to its non-transparent bounds.
func AlphaCrop(img *image.NRGBA) (*image.NRGBA, image.Rectangle, error) {
	r, ok := AlphaBounds(img, 0)
	if !ok {
		return nil, image.Rectangle{}, ErrFullyTransparent
	}
	return imaging.Crop(img, r), r, nil
}

// Crop cuts a pixel region out of img. The region must intersect the image.
func Crop(img *image.NRGBA, region types.CropRegion) (*image.NRGBA, error) {
	r := region.Rect().Intersect(img.Bounds())
	if r.Empty() {
		return nil, errors.New("crop region does not intersect the image")
	}
	return imaging.Crop(img, r), nil
}

// DrawContour strokes a closed normalized path (bottom-left origin) onto img
// in place. width is in pixels.
func DrawContour(img *image.NRGBA, path types.Path, width float64, c color.Color) {
	if len(path) < 2 || width <= 0 {
		return
	}
	b := img.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())

	z := vector.NewRasterizer(b.Dx(), b.Dy())
	half := width / 2
	for i := range path {
		p := path[i]
		q := path[(i+1)%len(path)]
		x0, y0 := p.X*w, (1-p.Y)*h
		x1, y1 := q.X*w, (1-q.Y)*h
		segment(z, x0, y0, x1, y1, half)
	}

	z.Draw(img, b, image.NewUniform(c), image.Point{})
}

// segment adds a stroked line segment with square caps to z.
func segment(z *vector.Rasterizer, x0, y0, x1, y1, half float64) {
	dx, dy := x1-x0, y1-y0
	l := math.Hypot(dx, dy)
	if l == 0 {
		dx, dy, l = 1, 0, 1
	}
	// unit direction and normal scaled by half the stroke width
	ux, uy := dx/l*half, dy/l*half
	nx, ny := -uy, ux

	z.MoveTo(float32(x0-ux+nx), float32(y0-uy+ny))
	z.LineTo(float32(x1+ux+nx), float32(y1+uy+ny))
	z.LineTo(float32(x1+ux-nx), float32(y1+uy-ny))
	z.LineTo(float32(x0-ux-nx), float32(y0-uy-ny))
	z.ClosePath()
}
