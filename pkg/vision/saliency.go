// Package vision provides an offline subject finder that needs no model:
// it scores pixels by how much they stand out from the photo's border and
// boxes the strongest connected regions.
package vision

import (
	"context"
	"errors"
	"image"
	"math"
	"sort"

	"github.com/disintegration/imaging"

	"github.com/menta2k/sticker-maker/internal/raster"
	"github.com/menta2k/sticker-maker/pkg/types"
)

// Label is attached to every detection, since saliency cannot name species.
const Label = "subject"

// DetectionConfig holds configuration for subject detection
type DetectionConfig struct {
	// WorkingSize is the longest side the photo is reduced to before scoring.
	WorkingSize int
	// Threshold is the saliency above which a pixel counts as subject, in [0,1].
	Threshold float64
	// ContrastWeight scales the local edge term.
	ContrastWeight float64
	// ColorWeight scales the distance from the border colour.
	ColorWeight float64
	// MinSubjectRatio drops regions smaller than this share of the photo.
	MinSubjectRatio float64
	MaxRegions      int
}

// DefaultConfig returns settings tuned for pets photographed against a
// plain backdrop.
func DefaultConfig() DetectionConfig {
	return DetectionConfig{
		WorkingSize:     160,
		Threshold:       0.18,
		ContrastWeight:  0.3,
		ColorWeight:     1.0,
		MinSubjectRatio: 0.01,
		MaxRegions:      5,
	}
}

// SubjectDetector finds salient regions in a photo.
type SubjectDetector struct {
	config DetectionConfig
}

// New creates a new SubjectDetector with default configuration
func New() *SubjectDetector {
	return &SubjectDetector{config: DefaultConfig()}
}

// NewWithConfig creates a new SubjectDetector with custom configuration
func NewWithConfig(config DetectionConfig) *SubjectDetector {
	return &SubjectDetector{config: config}
}

// Region is a salient area in working-image pixels, top-left origin.
type Region struct {
	image.Rectangle
	Area  int
	Score float64
}

// Detect implements detection.Service. Boxes use a bottom-left origin and
// are ordered by area, largest first. Confidence is the region's mean
// saliency.
func (d *SubjectDetector) Detect(ctx context.Context, img image.Image) ([]types.Detection, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, errors.New("empty image")
	}
	small := imaging.Fit(img, d.config.WorkingSize, d.config.WorkingSize, imaging.Box)
	w, h := small.Bounds().Dx(), small.Bounds().Dy()

	sal, err := d.saliencyMap(ctx, small)
	if err != nil {
		return nil, err
	}
	regions := d.regions(sal, w, h)

	out := make([]types.Detection, 0, len(regions))
	for _, r := range regions {
		top := types.Box{
			X: float64(r.Min.X) / float64(w),
			Y: float64(r.Min.Y) / float64(h),
			W: float64(r.Dx()) / float64(w),
			H: float64(r.Dy()) / float64(h),
		}
		out = append(out, types.Detection{
			Box:        top.FlipY(),
			Label:      Label,
			Confidence: math.Min(1, r.Score),
		})
	}
	return out, nil
}

// saliencyMap scores every pixel of img in [0,1], row-major.
func (d *SubjectDetector) saliencyMap(ctx context.Context, img *image.NRGBA) ([]float64, error) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	rgb := func(x, y int) (float64, float64, float64) {
		i := y*img.Stride + x*4
		return float64(img.Pix[i]), float64(img.Pix[i+1]), float64(img.Pix[i+2])
	}

	var br, bg, bb float64
	n := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x != 0 && y != 0 && x != w-1 && y != h-1 {
				continue
			}
			r, g, b := rgb(x, y)
			br, bg, bb = br+r, bg+g, bb+b
			n++
		}
	}
	br, bg, bb = br/float64(n), bg/float64(n), bb/float64(n)

	const maxDist = 441.673 // sqrt(3 * 255^2)
	sal := make([]float64, w*h)
	for y := 0; y < h; y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for x := 0; x < w; x++ {
			r, g, b := rgb(x, y)
			dist := math.Sqrt((r-br)*(r-br)+(g-bg)*(g-bg)+(b-bb)*(b-bb)) / maxDist

			var edge float64
			cnt := 0
			for _, o := range raster.Neighbors8 {
				nx, ny := x+o[0], y+o[1]
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				nr, ng, nb := rgb(nx, ny)
				edge += math.Sqrt((r-nr)*(r-nr)+(g-ng)*(g-ng)+(b-nb)*(b-nb)) / maxDist
				cnt++
			}
			if cnt > 0 {
				edge /= float64(cnt)
			}
			sal[y*w+x] = math.Min(1, d.config.ColorWeight*dist+d.config.ContrastWeight*edge)
		}
	}
	return sal, nil
}

func (d *SubjectDetector) regions(sal []float64, w, h int) []Region {
	fg := make([]bool, len(sal))
	for i, v := range sal {
		fg[i] = v > d.config.Threshold
	}
	labels, areas, _ := raster.Components(fg, w, h)
	if len(areas) == 0 {
		return nil
	}

	rects := make([]image.Rectangle, len(areas))
	sums := make([]float64, len(areas))
	for i, l := range labels {
		if l == 0 {
			continue
		}
		x, y := i%w, i/w
		px := image.Rect(x, y, x+1, y+1)
		if rects[l-1].Empty() {
			rects[l-1] = px
		} else {
			rects[l-1] = rects[l-1].Union(px)
		}
		sums[l-1] += sal[i]
	}

	minArea := int(math.Ceil(float64(w*h) * d.config.MinSubjectRatio))
	var out []Region
	for i, a := range areas {
		if a < minArea {
			continue
		}
		out = append(out, Region{Rectangle: rects[i], Area: a, Score: sums[i] / float64(a)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Area != out[j].Area {
			return out[i].Area > out[j].Area
		}
		return out[i].Score > out[j].Score
	})
	if d.config.MaxRegions > 0 && len(out) > d.config.MaxRegions {
		out = out[:d.config.MaxRegions]
	}
	return out
}
