// Package analyzer vets uploaded photos before they reach the pipeline.
package analyzer

import (
	"bytes"
	"fmt"
	"image"
	"strings"

	"github.com/menta2k/sticker-maker/pkg/processing"
)

// ImageAnalyzer checks the format and size of incoming photos
type ImageAnalyzer struct {
	config Config
}

// Config holds configuration for the image analyzer
type Config struct {
	SupportedFormats []string
	// MinImageSize is the smallest accepted side in pixels.
	MinImageSize int
	// MaxPixels rejects photos whose header declares more pixels, before
	// the body is decoded. Zero disables the check.
	MaxPixels int
}

// New creates a new ImageAnalyzer with default configuration
func New() *ImageAnalyzer {
	return &ImageAnalyzer{
		config: Config{
			SupportedFormats: []string{"jpeg", "png", "webp", "gif"},
			MinImageSize:     32,
			MaxPixels:        50_000_000,
		},
	}
}

// NewWithConfig creates a new ImageAnalyzer with custom configuration
func NewWithConfig(config Config) *ImageAnalyzer {
	return &ImageAnalyzer{config: config}
}

// ImageInfo contains basic image metadata
type ImageInfo struct {
	Format      string
	Width       int
	Height      int
	AspectRatio float64
	Area        int
}

// Inspect reads the image header and checks it against the configuration.
func (a *ImageAnalyzer) Inspect(data []byte) (ImageInfo, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ImageInfo{}, fmt.Errorf("failed to read image header: %w", err)
	}
	if !a.isFormatSupported(format) {
		return ImageInfo{}, fmt.Errorf("unsupported image format: %s", format)
	}

	info := ImageInfo{
		Format: format,
		Width:  cfg.Width,
		Height: cfg.Height,
		Area:   cfg.Width * cfg.Height,
	}
	if cfg.Height > 0 {
		info.AspectRatio = float64(cfg.Width) / float64(cfg.Height)
	}
	if err := a.validate(info); err != nil {
		return ImageInfo{}, err
	}
	return info, nil
}

// Decode inspects data and then decodes it.
func (a *ImageAnalyzer) Decode(data []byte) (image.Image, ImageInfo, error) {
	info, err := a.Inspect(data)
	if err != nil {
		return nil, ImageInfo{}, err
	}
	img, err := processing.DecodeImage(data)
	if err != nil {
		return nil, ImageInfo{}, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, info, nil
}

// ValidateImage checks if a decoded image meets minimum requirements
func (a *ImageAnalyzer) ValidateImage(img image.Image) error {
	b := img.Bounds()
	return a.validate(ImageInfo{Width: b.Dx(), Height: b.Dy(), Area: b.Dx() * b.Dy()})
}

func (a *ImageAnalyzer) validate(info ImageInfo) error {
	if info.Width < a.config.MinImageSize || info.Height < a.config.MinImageSize {
		return fmt.Errorf("image too small: %dx%d (minimum: %d)",
			info.Width, info.Height, a.config.MinImageSize)
	}
	if a.config.MaxPixels > 0 && info.Area > a.config.MaxPixels {
		return fmt.Errorf("image too large: %dx%d (maximum: %d pixels)",
			info.Width, info.Height, a.config.MaxPixels)
	}
	return nil
}

func (a *ImageAnalyzer) isFormatSupported(format string) bool {
	for _, supported := range a.config.SupportedFormats {
		if strings.EqualFold(format, supported) {
			return true
		}
	}
	return false
}
