package types

import (
	"image"
	"math"
)

// Box represents a normalized bounding box with coordinates in [0,1] range.
// X,Y is the corner closest to the origin; which origin (top-left or
// bottom-left) depends on where the box comes from and is documented there.
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

func (b Box) MinX() float64 { return b.X }
func (b Box) MaxX() float64 { return b.X + b.W }
func (b Box) MinY() float64 { return b.Y }
func (b Box) MaxY() float64 { return b.Y + b.H }
func (b Box) MidX() float64 { return b.X + b.W/2 }
func (b Box) MidY() float64 { return b.Y + b.H/2 }

// Empty reports whether the box has no area.
func (b Box) Empty() bool {
	return b.W <= 0 || b.H <= 0
}

// FlipY mirrors the box vertically inside the unit square, converting
// between top-left and bottom-left origins.
func (b Box) FlipY() Box {
	return Box{X: b.X, Y: 1 - b.Y - b.H, W: b.W, H: b.H}
}

// Point is a normalized 2D point.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size is a pixel extent.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// SizeOf returns the pixel size of an image.
func SizeOf(img image.Image) Size {
	b := img.Bounds()
	return Size{Width: float64(b.Dx()), Height: float64(b.Dy())}
}

// Orientation is the EXIF orientation tag of a source photo.
type Orientation int

const (
	OrientationUp            Orientation = 1
	OrientationUpMirrored    Orientation = 2
	OrientationDown          Orientation = 3
	OrientationDownMirrored  Orientation = 4
	OrientationLeftMirrored  Orientation = 5
	OrientationRight         Orientation = 6
	OrientationRightMirrored Orientation = 7
	OrientationLeft          Orientation = 8
)

// Valid reports whether o is one of the eight EXIF values.
func (o Orientation) Valid() bool {
	return o >= OrientationUp && o <= OrientationLeft
}

// SwapsAxes reports whether the upright image has width and height swapped.
func (o Orientation) SwapsAxes() bool {
	return o >= OrientationLeftMirrored && o <= OrientationLeft
}

// ColorSpace names the color space a source image was decoded in.
type ColorSpace string

const (
	ColorSpaceSRGB      ColorSpace = "sRGB"
	ColorSpaceDisplayP3 ColorSpace = "DisplayP3"
	ColorSpaceGray      ColorSpace = "Gray"
)

// RawImage is a decoded source photo plus the metadata the pipeline needs.
// Pixels are stored as captured; Orientation says how to display them.
type RawImage struct {
	ID          string
	Image       image.Image
	Orientation Orientation
	ColorSpace  ColorSpace
}

// Size returns the stored pixel size.
func (r RawImage) Size() Size {
	if r.Image == nil {
		return Size{}
	}
	return SizeOf(r.Image)
}

// Detection is one detected animal. Box uses a bottom-left origin.
type Detection struct {
	Box        Box     `json:"box"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// SubjectMask is a single-channel alpha matte at the segmentation
// service's resolution. 255 is subject, 0 is background.
type SubjectMask struct {
	Alpha     *image.Gray
	Instances []int
}

// Path is a closed polyline of normalized points with a bottom-left origin.
type Path []Point

// Bounds returns the axis-aligned bounding box of the path.
func (p Path) Bounds() Box {
	if len(p) == 0 {
		return Box{}
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, pt := range p {
		minX = math.Min(minX, pt.X)
		minY = math.Min(minY, pt.Y)
		maxX = math.Max(maxX, pt.X)
		maxY = math.Max(maxY, pt.Y)
	}
	return Box{X: minX, Y: minY, W: maxX - minX, H: maxY - minY}
}

// Area returns the absolute polygon area (shoelace formula).
func (p Path) Area() float64 {
	if len(p) < 3 {
		return 0
	}
	sum := 0.0
	for i := range p {
		j := (i + 1) % len(p)
		sum += p[i].X*p[j].Y - p[j].X*p[i].Y
	}
	return math.Abs(sum) / 2
}

// Contour is the dominant outline of a subject.
type Contour struct {
	Path Path `json:"path"`
	Box  Box  `json:"box"`
}

// NewContour builds a contour and computes its bounding box.
func NewContour(p Path) Contour {
	return Contour{Path: p, Box: p.Bounds()}
}

// CropRegion is a pixel rectangle with a top-left origin.
type CropRegion struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Empty reports whether the region has no area.
func (c CropRegion) Empty() bool {
	return c.Width <= 0 || c.Height <= 0
}

// Rect rounds the region outward to whole pixels.
func (c CropRegion) Rect() image.Rectangle {
	return image.Rect(
		int(math.Floor(c.X)),
		int(math.Floor(c.Y)),
		int(math.Ceil(c.X+c.Width)),
		int(math.Ceil(c.Y+c.Height)),
	)
}

// StickerRecord is the persisted output of one successful pipeline run.
type StickerRecord struct {
	ID         string      `json:"id"`
	ImageBytes []byte      `json:"-"`
	Detections []Detection `json:"detections"`
	Contour    Contour     `json:"contour"`
}

// Animal is one entry of a vision model answer. Box uses a top-left origin,
// which is what the prompt asks the model for.
type Animal struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// AnalysisResult contains the complete analysis result from the vision model
type AnalysisResult struct {
	Animals     []Animal `json:"animals"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// ProcessingOptions contains options for debug output of the CLI.
type ProcessingOptions struct {
	OutputDir    string
	DebugOverlay bool
	Format       string
}
