//go:build opencv

// Package opencv implements contour.Service with OpenCV through gocv.
// Build with -tags opencv; it needs the OpenCV shared libraries.
package opencv

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"sort"

	"gocv.io/x/gocv"

	"github.com/menta2k/sticker-maker/pkg/contour"
	"github.com/menta2k/sticker-maker/pkg/types"
)

// Service finds external contours with cv::findContours.
type Service struct{}

func New() *Service {
	return &Service{}
}

// DetectContours implements contour.Service.
func (s *Service) DetectContours(ctx context.Context, mask image.Image, opts contour.Options) ([]types.Path, error) {
	b := mask.Bounds()
	gray, ok := mask.(*image.Gray)
	if !ok || b.Min != (image.Point{}) {
		gray = image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(gray, gray.Bounds(), mask, b.Min, draw.Src)
	}

	src, err := gocv.ImageGrayToMatGray(gray)
	if err != nil {
		return nil, fmt.Errorf("failed to convert mask: %w", err)
	}
	defer src.Close()

	bin := gocv.NewMat()
	defer bin.Close()
	kind := gocv.ThresholdBinary
	if opts.DetectsDarkOnLight {
		kind = gocv.ThresholdBinaryInv
	}
	gocv.Threshold(src, &bin, float32(opts.Threshold), 255, kind)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	found := gocv.FindContours(bin, gocv.RetrievalExternal, gocv.ChainApproxNone)
	defer found.Close()

	type candidate struct {
		pts  []image.Point
		area float64
	}
	cands := make([]candidate, 0, found.Size())
	for i := 0; i < found.Size(); i++ {
		pv := found.At(i)
		cands = append(cands, candidate{pts: pv.ToPoints(), area: gocv.ContourArea(pv)})
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].area > cands[j].area })

	w, h := float64(gray.Bounds().Dx()), float64(gray.Bounds().Dy())
	paths := make([]types.Path, 0, len(cands))
	for _, c := range cands {
		p := make(types.Path, len(c.pts))
		for i, pt := range c.pts {
			p[i] = types.Point{X: (float64(pt.X) + 0.5) / w, Y: 1 - (float64(pt.Y)+0.5)/h}
		}
		paths = append(paths, p)
	}
	return paths, nil
}
