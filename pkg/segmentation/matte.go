package segmentation

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"sort"

	"github.com/nfnt/resize"

	"github.com/menta2k/sticker-maker/internal/raster"
)

// ErrNoAlpha is returned by AlphaMatter for fully opaque images.
var ErrNoAlpha = errors.New("image has no usable alpha channel")

const maxInstances = 255

// Matter estimates a soft foreground matte (255 = subject) for an image.
type Matter interface {
	Matte(ctx context.Context, img image.Image) (*image.Gray, error)
}

// MatteSegmenter is a Service that splits a foreground matte into
// 8-connected instances. Instances are labelled by size, largest first,
// up to 255.
type MatteSegmenter struct {
	matter Matter
	// WorkingSize bounds the longest side of the instance map.
	WorkingSize int
	// Threshold is the matte value above which a pixel belongs to an instance.
	Threshold uint8
}

func NewMatteSegmenter(m Matter) *MatteSegmenter {
	return &MatteSegmenter{matter: m, WorkingSize: 512, Threshold: 8}
}

// Segment implements Service.
func (s *MatteSegmenter) Segment(ctx context.Context, img image.Image) (Observation, error) {
	matte, err := s.matter.Matte(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("failed to compute matte: %w", err)
	}
	matte = shrink(matte, s.WorkingSize)

	w, h := matte.Bounds().Dx(), matte.Bounds().Dy()
	fg := make([]bool, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			fg[y*w+x] = matte.Pix[y*matte.Stride+x] > s.Threshold
		}
	}

	components, areas, _ := raster.Components(fg, w, h)

	// relabel by size so the biggest region is instance 1
	order := make([]int, len(areas))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return areas[order[i]] > areas[order[j]] })
	if len(order) > maxInstances {
		order = order[:maxInstances]
	}
	remap := make([]uint8, len(areas)+1)
	for rank, c := range order {
		remap[c+1] = uint8(rank + 1)
	}

	labels := make([]uint8, w*h)
	for i, c := range components {
		labels[i] = remap[c]
	}

	m, err := NewInstanceMap(labels, w, h, OriginTopLeft)
	if err != nil {
		return nil, err
	}

	instances := make([]int, len(order))
	for i := range order {
		instances[i] = i + 1
	}
	return &matteObservation{matte: matte, labels: m, instances: instances}, nil
}

type matteObservation struct {
	matte     *image.Gray
	labels    *InstanceMap
	instances []int
}

func (o *matteObservation) InstanceMap() *InstanceMap { return o.labels }

func (o *matteObservation) AllInstances() []int {
	return append([]int(nil), o.instances...)
}

func (o *matteObservation) Mask(instances []int) (*image.Gray, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	keep := make([]bool, maxInstances+1)
	for _, l := range instances {
		if l <= 0 || l > maxInstances {
			return nil, fmt.Errorf("invalid instance label %d", l)
		}
		keep[l] = true
	}

	o.labels.mu.Lock()
	defer o.labels.mu.Unlock()
	if o.labels.labels == nil {
		return nil, ErrInstanceMapUnavailable
	}

	w, h := o.labels.width, o.labels.height
	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if keep[o.labels.labels[y*w+x]] {
				out.Pix[y*out.Stride+x] = o.matte.Pix[y*o.matte.Stride+x]
			}
		}
	}
	return out, nil
}

// shrink downsizes g so its longest side is at most size.
func shrink(g *image.Gray, size int) *image.Gray {
	b := g.Bounds()
	if size <= 0 || (b.Dx() <= size && b.Dy() <= size) {
		if b.Min == (image.Point{}) {
			return g
		}
		return toGray(g)
	}
	return toGray(resize.Thumbnail(uint(size), uint(size), g, resize.Bilinear))
}

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

// AlphaMatter uses an image's own alpha channel as the matte, for photos
// that already had their background removed.
type AlphaMatter struct{}

// Matte implements Matter.
func (AlphaMatter) Matte(_ context.Context, img image.Image) (*image.Gray, error) {
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	opaque := true
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			a := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA).A
			g.Pix[y*g.Stride+x] = a
			if a != 255 {
				opaque = false
			}
		}
	}
	if opaque {
		return nil, ErrNoAlpha
	}
	return g, nil
}

// BackgroundMatter separates a subject from a roughly uniform background.
// The background colour is the per-channel median of the border pixels;
// pixels further than Tolerance from it fade in over Softness.
type BackgroundMatter struct {
	Tolerance float64
	Softness  float64
}

func NewBackgroundMatter() *BackgroundMatter {
	return &BackgroundMatter{Tolerance: 40, Softness: 24}
}

// Matte implements Matter.
func (m *BackgroundMatter) Matte(ctx context.Context, img image.Image) (*image.Gray, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil, errors.New("empty image")
	}

	at := func(x, y int) (float64, float64, float64) {
		r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
		return float64(r >> 8), float64(g >> 8), float64(bl >> 8)
	}

	var rs, gs, bs []float64
	addBorder := func(x, y int) {
		r, g, bl := at(x, y)
		rs, gs, bs = append(rs, r), append(gs, g), append(bs, bl)
	}
	for x := 0; x < w; x++ {
		addBorder(x, 0)
		addBorder(x, h-1)
	}
	for y := 1; y < h-1; y++ {
		addBorder(0, y)
		addBorder(w-1, y)
	}
	br, bg, bb := median(rs), median(gs), median(bs)

	soft := math.Max(m.Softness, 1)
	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		if y%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		for x := 0; x < w; x++ {
			r, g, bl := at(x, y)
			d := math.Sqrt((r-br)*(r-br) + (g-bg)*(g-bg) + (bl-bb)*(bl-bb))
			v := (d - m.Tolerance) / soft
			out.Pix[y*out.Stride+x] = uint8(math.Round(math.Max(0, math.Min(1, v)) * 255))
		}
	}
	return out, nil
}

func median(v []float64) float64 {
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	return s[len(s)/2]
}
