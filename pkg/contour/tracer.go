package contour

import (
	"context"
	"image"
	"sort"

	"github.com/menta2k/sticker-maker/internal/raster"
	"github.com/menta2k/sticker-maker/pkg/types"
)

// Tracer is a pure-Go Service using Moore-neighbour boundary tracing.
// Only outer boundaries are reported; holes are ignored.
type Tracer struct {
	// MinArea drops regions with fewer pixels.
	MinArea int
}

func NewTracer() *Tracer {
	return &Tracer{MinArea: 1}
}

// DetectContours implements Service.
func (t *Tracer) DetectContours(ctx context.Context, mask image.Image, opts Options) ([]types.Path, error) {
	g := toGray(mask)
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	if w == 0 || h == 0 {
		return nil, nil
	}

	fg := make([]bool, w*h)
	for y := 0; y < h; y++ {
		row := g.Pix[y*g.Stride : y*g.Stride+w]
		for x, v := range row {
			if opts.DetectsDarkOnLight {
				fg[y*w+x] = v < opts.Threshold
			} else {
				fg[y*w+x] = v > opts.Threshold
			}
		}
	}

	_, areas, starts := raster.Components(fg, w, h)

	order := make([]int, 0, len(areas))
	for i, a := range areas {
		if a >= t.MinArea {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		return areas[order[i]] > areas[order[j]]
	})

	paths := make([]types.Path, 0, len(order))
	for _, i := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := image.Pt(starts[i]%w, starts[i]/w)
		paths = append(paths, normalize(trace(fg, w, h, start), w, h))
	}
	return paths, nil
}

// trace walks the outer boundary clockwise from start, which must be the
// first foreground pixel of its region in raster order.
func trace(fg []bool, w, h int, start image.Point) []image.Point {
	inside := func(p image.Point) bool {
		return p.X >= 0 && p.Y >= 0 && p.X < w && p.Y < h && fg[p.Y*w+p.X]
	}
	// step searches clockwise around cur, beginning just after the
	// background neighbour in direction back.
	step := func(cur image.Point, back int) (image.Point, int, bool) {
		for i := 1; i <= 8; i++ {
			d := (back + i) % 8
			n := cur.Add(offset(d))
			if inside(n) {
				prev := cur.Add(offset((back + i - 1) % 8))
				return n, direction(prev.Sub(n)), true
			}
		}
		return cur, back, false
	}

	path := []image.Point{start}
	first, _, ok := step(start, 0)
	if !ok {
		return path
	}

	cur, back := start, 0
	limit := 4*w*h + 8
	for i := 0; i < limit; i++ {
		next, nb, _ := step(cur, back)
		// Returning to start about to repeat the first move closes the loop.
		if i > 0 && cur == start && next == first {
			break
		}
		cur, back = next, nb
		path = append(path, cur)
	}
	if len(path) > 1 && path[len(path)-1] == start {
		path = path[:len(path)-1]
	}
	return path
}

func offset(d int) image.Point {
	n := raster.Neighbors8[d]
	return image.Pt(n[0], n[1])
}

func direction(p image.Point) int {
	for i, n := range raster.Neighbors8 {
		if n[0] == p.X && n[1] == p.Y {
			return i
		}
	}
	return 0
}

// normalize maps pixel centres to unit coordinates with a bottom-left origin.
func normalize(pts []image.Point, w, h int) types.Path {
	fw, fh := float64(w), float64(h)
	path := make(types.Path, len(pts))
	for i, p := range pts {
		path[i] = types.Point{
			X: (float64(p.X) + 0.5) / fw,
			Y: 1 - (float64(p.Y)+0.5)/fh,
		}
	}
	return path
}
