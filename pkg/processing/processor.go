package processing

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/sticker-maker/pkg/types"
)

const userAgent = "Sticker-Maker/1.0"

// Processor handles image loading, orientation and encoding
type Processor struct {
	httpClient *http.Client
}

// NewProcessor creates a new image processor
func NewProcessor() *Processor {
	return &Processor{httpClient: &http.Client{Timeout: 30 * time.Second}}
}

// NewProcessorWithClient creates a processor that downloads with the given client
func NewProcessorWithClient(c *http.Client) *Processor {
	if c == nil {
		return NewProcessor()
	}
	return &Processor{httpClient: c}
}

// LoadImageFromURL downloads and decodes an image
func (p *Processor) LoadImageFromURL(ctx context.Context, imageURL string) (image.Image, error) {
	parsedURL, err := url.Parse(imageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme: %s (only http and https are supported)", parsedURL.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download image: HTTP %d %s", resp.StatusCode, resp.Status)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("URL does not point to an image (Content-Type: %s)", contentType)
	}

	imageData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}

	return DecodeImage(imageData)
}

// LoadImage loads an image from a file path with WebP support.
// EXIF orientation is applied, so the result is upright.
func (p *Processor) LoadImage(path string) (image.Image, error) {
	if img, err := imaging.Open(path, imaging.AutoOrientation(true)); err == nil {
		return img, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if strings.HasSuffix(strings.ToLower(path), ".webp") {
		if img, err := webp.Decode(f); err == nil {
			return img, nil
		}
	}
	if _, err := f.Seek(0, io.SeekStart); err == nil {
		if img, _, err := image.Decode(f); err == nil {
			return img, nil
		}
	}
	return nil, fmt.Errorf("image: unknown format for %s", path)
}

// LoadImageSmart loads an image from either a file path or URL
func (p *Processor) LoadImageSmart(ctx context.Context, source string) (image.Image, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return p.LoadImageFromURL(ctx, source)
	}
	return p.LoadImage(source)
}

// DecodeImage decodes image bytes with WebP support
func DecodeImage(data []byte) (image.Image, error) {
	if img, _, err := image.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}
	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}
	return nil, fmt.Errorf("image: unknown or unsupported format")
}

// PrepareImageForModel converts an image to base64 for sending to vision models
func (p *Processor) PrepareImageForModel(img image.Image, format string, maxDim int, quality int) (string, error) {
	if maxDim > 0 {
		b := img.Bounds()
		w, h := b.Dx(), b.Dy()
		if w > maxDim || h > maxDim {
			if w >= h {
				img = imaging.Resize(img, maxDim, 0, imaging.Lanczos)
			} else {
				img = imaging.Resize(img, 0, maxDim, imaging.Lanczos)
			}
		}
	}

	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return "", err
		}
	default: // jpg
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return "", err
		}
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Orient returns img transformed from its stored orientation to upright.
func Orient(img image.Image, o types.Orientation) *image.NRGBA {
	switch o {
	case types.OrientationUpMirrored:
		return imaging.FlipH(img)
	case types.OrientationDown:
		return imaging.Rotate180(img)
	case types.OrientationDownMirrored:
		return imaging.FlipV(img)
	case types.OrientationLeftMirrored:
		return imaging.Transpose(img)
	case types.OrientationRight:
		return imaging.Rotate270(img)
	case types.OrientationRightMirrored:
		return imaging.Transverse(img)
	case types.OrientationLeft:
		return imaging.Rotate90(img)
	default:
		return imaging.Clone(img)
	}
}

// EncodeWebP encodes img as WebP
func EncodeWebP(img image.Image, quality int, lossless bool) ([]byte, error) {
	var buf bytes.Buffer
	opts := &webp.Options{Lossless: lossless, Quality: float32(quality)}
	if err := webp.Encode(&buf, img, opts); err != nil {
		return nil, fmt.Errorf("failed to encode webp: %w", err)
	}
	return buf.Bytes(), nil
}

// SaveImage saves an image to a file with the specified format and quality
func (p *Processor) SaveImage(img image.Image, path, format string, quality int, lossless bool) error {
	switch strings.ToLower(format) {
	case "webp":
		data, err := EncodeWebP(img, quality, lossless)
		if err != nil {
			return err
		}
		return os.WriteFile(path, data, 0o644)
	case "png":
		return imaging.Save(img, path, imaging.PNGCompressionLevel(png.BestCompression))
	default: // jpg/jpeg
		return imaging.Save(img, path, imaging.JPEGQuality(quality))
	}
}

// CreateDebugOverlay draws the detection boxes and the crop region on a copy
// of img. Detection boxes use a bottom-left origin; crop is in pixels.
func (p *Processor) CreateDebugOverlay(img image.Image, detections []types.Detection, crop types.CropRegion) image.Image {
	nrgba := imaging.Clone(img)
	w := nrgba.Bounds().Dx()
	h := nrgba.Bounds().Dy()

	green := color.NRGBA{0, 255, 0, 255}  // first detection, used as seed
	blue := color.NRGBA{0, 170, 255, 255} // other detections
	gold := color.NRGBA{255, 204, 0, 255} // crop
	red := color.NRGBA{255, 0, 0, 255}    // seed
	stroke := int(math.Max(2, 0.004*float64(minInt(w, h))))
	cross := int(math.Max(4, 0.01*float64(minInt(w, h))))

	for i := len(detections) - 1; i >= 0; i-- {
		c := blue
		if i == 0 {
			c = green
		}
		drawBox(nrgba, detections[i].Box.FlipY(), w, h, c, stroke)
	}

	if !crop.Empty() {
		r := crop.Rect()
		for s := 0; s < stroke; s++ {
			drawHLine(nrgba, r.Min.Y+s, r.Min.X, r.Max.X, gold)
			drawHLine(nrgba, r.Max.Y-1-s, r.Min.X, r.Max.X, gold)
			drawVLine(nrgba, r.Min.X+s, r.Min.Y, r.Max.Y, gold)
			drawVLine(nrgba, r.Max.X-1-s, r.Min.Y, r.Max.Y, gold)
		}
	}

	if len(detections) > 0 {
		b := detections[0].Box
		px := int(clamp(b.MidX(), 0, 1)*float64(w) + 0.5)
		py := int(clamp(1-b.MidY(), 0, 1)*float64(h) + 0.5)
		drawHLine(nrgba, py, px-cross, px+cross, red)
		drawVLine(nrgba, px, py-cross, py+cross, red)
	}

	return nrgba
}

// Helper functions
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// boxToPixels expects a top-left origin box.
func boxToPixels(box types.Box, w, h int) (int, int, int, int) {
	x0 := int(clamp(box.X, 0, 1)*float64(w) + 0.5)
	y0 := int(clamp(box.Y, 0, 1)*float64(h) + 0.5)
	x1 := int(clamp(box.X+box.W, 0, 1)*float64(w) + 0.5)
	y1 := int(clamp(box.Y+box.H, 0, 1)*float64(h) + 0.5)
	if x1 <= x0 {
		x1 = x0 + 1
	}
	if y1 <= y0 {
		y1 = y0 + 1
	}
	return x0, y0, x1, y1
}

func drawBox(img *image.NRGBA, box types.Box, w, h int, color color.NRGBA, stroke int) {
	x0, y0, x1, y1 := boxToPixels(box, w, h)
	for s := 0; s < stroke; s++ {
		drawHLine(img, y0+s, x0, x1, color)
		drawHLine(img, y1-1-s, x0, x1, color)
		drawVLine(img, x0+s, y0, y1, color)
		drawVLine(img, x1-1-s, y0, y1, color)
	}
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	if y < 0 || y >= img.Bounds().Dy() {
		return
	}
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	x0 = maxInt(x0, 0)
	x1 = minInt(x1, img.Bounds().Dx())
	for x, i := x0, y*img.Stride+x0*4; x < x1; x, i = x+1, i+4 {
		copy(img.Pix[i:i+4], []uint8{c.R, c.G, c.B, c.A})
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	if x < 0 || x >= img.Bounds().Dx() {
		return
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	y0 = maxInt(y0, 0)
	y1 = minInt(y1, img.Bounds().Dy())
	for y, i := y0, y0*img.Stride+x*4; y < y1; y, i = y+1, i+img.Stride {
		copy(img.Pix[i:i+4], []uint8{c.R, c.G, c.B, c.A})
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
