// Package raster holds binary-image helpers shared by segmentation and
// contour tracing.
package raster

// Neighbors8 lists the 8-neighbourhood clockwise (y down), starting west.
var Neighbors8 = [8][2]int{{-1, 0}, {-1, -1}, {0, -1}, {1, -1}, {1, 0}, {1, 1}, {0, 1}, {-1, 1}}

// Components labels the 8-connected foreground regions of a w x h binary
// image stored row-major. Labels start at 1 and follow raster order of each
// region's first pixel; 0 is background. areas[l-1] is the pixel count of
// label l and starts[l-1] its first pixel index.
func Components(fg []bool, w, h int) (labels []int32, areas []int, starts []int) {
	labels = make([]int32, w*h)
	queue := make([]int, 0, 64)

	for i := range fg {
		if !fg[i] || labels[i] != 0 {
			continue
		}
		l := int32(len(areas) + 1)
		labels[i] = l
		areas = append(areas, 0)
		starts = append(starts, i)

		queue = append(queue[:0], i)
		for len(queue) > 0 {
			p := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			areas[l-1]++

			x, y := p%w, p/w
			for _, d := range Neighbors8 {
				nx, ny := x+d[0], y+d[1]
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				n := ny*w + nx
				if fg[n] && labels[n] == 0 {
					labels[n] = l
					queue = append(queue, n)
				}
			}
		}
	}
	return labels, areas, starts
}
