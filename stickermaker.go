// Package stickermaker turns pet photos into stickers.
//
// A photo goes through five stages: an animal detector finds the subject,
// a segmenter isolates it as an alpha mask, a contour tracer outlines it,
// the mask is composited over a transparent canvas, and the result is
// cropped to the outline and encoded as PNG.
//
// Basic usage:
//
//	cfg := config.Default()
//	sm, err := stickermaker.NewFromConfig(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer sm.Close()
//
//	raw, err := sm.LoadImage(ctx, "cat.jpg")
//	if err != nil {
//		log.Fatal(err)
//	}
//	record, err := sm.Process(ctx, raw)
//	if err != nil {
//		log.Fatal(err)
//	}
//	os.WriteFile("cat_sticker.png", record.ImageBytes, 0o644)
//
// Whole libraries are imported in groups with bounded concurrency through
// Import, which reads from a photosource.Source and writes to a store.Store.
package stickermaker

import (
	"context"
	"fmt"
	"image/png"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/sticker-maker/internal/config"
	"github.com/menta2k/sticker-maker/pkg/contour"
	"github.com/menta2k/sticker-maker/pkg/detection"
	"github.com/menta2k/sticker-maker/pkg/geometry"
	"github.com/menta2k/sticker-maker/pkg/importer"
	"github.com/menta2k/sticker-maker/pkg/llamacpp"
	"github.com/menta2k/sticker-maker/pkg/ollama"
	"github.com/menta2k/sticker-maker/pkg/onnx"
	"github.com/menta2k/sticker-maker/pkg/photosource"
	"github.com/menta2k/sticker-maker/pkg/pipeline"
	"github.com/menta2k/sticker-maker/pkg/processing"
	"github.com/menta2k/sticker-maker/pkg/rembg"
	"github.com/menta2k/sticker-maker/pkg/segmentation"
	"github.com/menta2k/sticker-maker/pkg/store"
	"github.com/menta2k/sticker-maker/pkg/types"
	"github.com/menta2k/sticker-maker/pkg/vision"
)

// Version of the sticker maker library
const Version = "1.0.0"

// newContourService builds the contour backend. Builds with the opencv tag
// replace it with the OpenCV implementation.
var newContourService = func() contour.Service { return contour.NewTracer() }

// StickerMaker wires the pipeline stages together.
type StickerMaker struct {
	detector  *detection.Detector
	masks     *segmentation.Generator
	contours  *contour.Extractor
	pipeline  *pipeline.Orchestrator
	processor *processing.Processor
	closers   []func()
	log       logrus.FieldLogger
}

// New creates a StickerMaker from a detection backend and a matte source.
func New(svc detection.Service, matter segmentation.Matter, opts pipeline.Options) *StickerMaker {
	return newStickerMaker(detection.NewDetector(svc), segmentation.NewMatteSegmenter(matter), opts, logrus.StandardLogger())
}

func newStickerMaker(det *detection.Detector, seg segmentation.Service, opts pipeline.Options, log logrus.FieldLogger) *StickerMaker {
	det.WithLogger(log)
	masks := segmentation.NewGenerator(seg).WithLogger(log)
	contours := contour.NewExtractor(newContourService()).WithLogger(log)
	return &StickerMaker{
		detector:  det,
		masks:     masks,
		contours:  contours,
		pipeline:  pipeline.New(det, masks, contours, opts).WithLogger(log),
		processor: processing.NewProcessor(),
		log:       log,
	}
}

// NewFromConfig builds every stage from cfg.
func NewFromConfig(cfg *config.Config) (*StickerMaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	log := logrus.StandardLogger()

	svc, closer, err := detectionService(cfg.Detector)
	if err != nil {
		return nil, err
	}
	det := detection.NewDetector(svc).WithTimeout(cfg.Detector.Timeout)

	matter, err := matteSource(cfg.Segmentation)
	if err != nil {
		if closer != nil {
			closer()
		}
		return nil, err
	}
	seg := segmentation.NewMatteSegmenter(matter)
	seg.WorkingSize = cfg.Segmentation.WorkingSize
	seg.Threshold = cfg.Segmentation.Threshold

	opts, err := PipelineOptions(cfg.Pipeline)
	if err != nil {
		if closer != nil {
			closer()
		}
		return nil, err
	}

	sm := newStickerMaker(det, seg, opts, log)
	if closer != nil {
		sm.closers = append(sm.closers, closer)
	}
	return sm, nil
}

// PipelineOptions converts the pipeline config section.
func PipelineOptions(c config.PipelineConfig) (pipeline.Options, error) {
	flip, err := geometry.ParseFlipFormula(c.FlipFormula)
	if err != nil {
		return pipeline.Options{}, err
	}
	opts := pipeline.DefaultOptions()
	opts.DrawContourOverlay = c.DrawContour
	if c.ContourWidth > 0 {
		opts.OverlayWidth = c.ContourWidth
	}
	opts.CropPadding = c.CropPadding
	opts.Flip = flip
	opts.AlphaCrop = c.AlphaCrop
	opts.CompressionLevel = png.CompressionLevel(c.CompressionLevel)
	return opts, nil
}

func detectionService(c config.DetectorConfig) (detection.Service, func(), error) {
	switch c.Backend {
	case "ollama":
		cl, err := ollama.NewClient(c.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Ollama client: %w", err)
		}
		vs := detection.NewVisionService(cl, c.Model)
		vs.MinConfidence = c.MinConfidence
		return vs, nil, nil
	case "llamacpp":
		cl, err := llamacpp.NewClient(c.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create llama.cpp client: %w", err)
		}
		vs := detection.NewVisionService(cl, c.Model)
		vs.MinConfidence = c.MinConfidence
		return vs, nil, nil
	case "onnx":
		opts := onnx.DefaultOptions()
		opts.LibraryPath = c.ONNXLibrary
		if c.MinConfidence > 0 {
			opts.ScoreThreshold = float32(c.MinConfidence)
		}
		d, err := onnx.NewDetector(c.ONNXModel, c.ONNXMetadata, opts)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load ONNX detector: %w", err)
		}
		return d, d.Close, nil
	case "saliency":
		return vision.New(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown detector backend: %s", c.Backend)
	}
}

func matteSource(c config.SegmentationConfig) (segmentation.Matter, error) {
	switch c.Matter {
	case "alpha":
		return segmentation.AlphaMatter{}, nil
	case "background":
		return segmentation.NewBackgroundMatter(), nil
	case "rembg":
		return rembg.NewClient(c.RembgURL), nil
	default:
		return nil, fmt.Errorf("unknown matter: %s", c.Matter)
	}
}

// Source builds the photo source named by the importer config.
func Source(cfg *config.Config) (photosource.Source, error) {
	switch cfg.Importer.Source {
	case "dir":
		src := photosource.NewDir(cfg.Importer.SourceDir)
		src.MinQualityRatio = cfg.Importer.MinQualityRatio
		return src, nil
	case "azure":
		src, err := photosource.NewBlob(cfg.Azure.AccountName, cfg.Azure.AccountKey, cfg.Azure.SourceContainer, "")
		if err != nil {
			return nil, err
		}
		src.MinQualityRatio = cfg.Importer.MinQualityRatio
		return src, nil
	default:
		return nil, fmt.Errorf("unknown photo source: %s", cfg.Importer.Source)
	}
}

// Store builds the sticker store named by the output config.
func Store(cfg *config.Config) (store.Store, error) {
	switch cfg.Output.Store {
	case "dir":
		return store.NewDir(cfg.Output.OutputDir, cfg.Output.Format)
	case "memory":
		return store.NewMemory(), nil
	case "azure":
		return store.NewBlob(cfg.Azure.AccountName, cfg.Azure.AccountKey, cfg.Azure.OutputContainer, "", cfg.Output.Format)
	default:
		return nil, fmt.Errorf("unknown sticker store: %s", cfg.Output.Store)
	}
}

// ImporterOptions converts the importer config section.
func ImporterOptions(c config.ImporterConfig) importer.Options {
	return importer.Options{
		GroupSize:   c.GroupSize,
		Concurrency: c.Concurrency,
		Target:      types.Size{Width: float64(c.TargetWidth), Height: float64(c.TargetHeight)},
		Limit:       c.Limit,
	}
}

// WithLogger sets the logger for every stage.
func (sm *StickerMaker) WithLogger(l logrus.FieldLogger) *StickerMaker {
	sm.log = l
	sm.detector.WithLogger(l)
	sm.masks.WithLogger(l)
	sm.contours.WithLogger(l)
	sm.pipeline.WithLogger(l)
	return sm
}

// WithObserver forwards pipeline state transitions to obs.
func (sm *StickerMaker) WithObserver(obs pipeline.Observer) *StickerMaker {
	sm.pipeline.WithObserver(obs)
	return sm
}

// LoadImage loads a file path or http(s) URL. EXIF orientation of files is
// applied while loading. The base name becomes the image ID.
func (sm *StickerMaker) LoadImage(ctx context.Context, source string) (types.RawImage, error) {
	img, err := sm.processor.LoadImageSmart(ctx, source)
	if err != nil {
		return types.RawImage{}, fmt.Errorf("failed to load image: %w", err)
	}
	return types.RawImage{
		ID:          getBaseName(source),
		Image:       img,
		Orientation: types.OrientationUp,
		ColorSpace:  types.ColorSpaceSRGB,
	}, nil
}

// Detect returns the animals found in raw, possibly none.
func (sm *StickerMaker) Detect(ctx context.Context, raw types.RawImage) []types.Detection {
	return sm.detector.Detect(ctx, raw)
}

// Process turns raw into a sticker record. Failures are *pipeline.Error.
func (sm *StickerMaker) Process(ctx context.Context, raw types.RawImage) (*types.StickerRecord, error) {
	return sm.pipeline.Run(ctx, raw)
}

// Import runs every photo of src through the pipeline into st.
func (sm *StickerMaker) Import(ctx context.Context, src photosource.Source, st store.Store, opts importer.Options, onProgress func(importer.Progress)) (importer.Summary, error) {
	return importer.New(src, sm.pipeline, st, opts).WithLogger(sm.log).ImportAll(ctx, onProgress)
}

// Close releases detector resources.
func (sm *StickerMaker) Close() {
	for _, c := range sm.closers {
		c()
	}
	sm.closers = nil
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}

// getBaseName extracts the base filename without extension from a path or URL
func getBaseName(source string) string {
	if i := strings.IndexAny(source, "?#"); i >= 0 && strings.Contains(source, "://") {
		source = source[:i]
	}
	base := filepath.Base(filepath.FromSlash(source))
	return strings.TrimSuffix(base, filepath.Ext(base))
}
