// Package onnx runs a YOLO-style animal detector on-device with ONNX Runtime.
package onnx

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/nfnt/resize"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/menta2k/sticker-maker/pkg/types"
)

// Metadata describes the exported model. Output must be laid out as
// [1, 4+len(Classes), anchors] with cx, cy, w, h in input pixels followed by
// one score per class (YOLOv8 export).
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
	InputName   string   `json:"input_name,omitempty"`
	OutputName  string   `json:"output_name,omitempty"`
	// AnimalClasses restricts results to these labels; empty keeps all.
	AnimalClasses []string `json:"animal_classes,omitempty"`
}

// LoadMetadata reads and validates a metadata file
func LoadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the shapes agree with the class list
func (m *Metadata) Validate() error {
	if len(m.InputShape) != 4 {
		return fmt.Errorf("input_shape must have 4 dimensions, got %v", m.InputShape)
	}
	if len(m.OutputShape) != 3 {
		return fmt.Errorf("output_shape must have 3 dimensions, got %v", m.OutputShape)
	}
	if len(m.Classes) == 0 {
		return fmt.Errorf("classes must not be empty")
	}
	if int(m.OutputShape[1]) != 4+len(m.Classes) {
		return fmt.Errorf("output_shape[1] = %d, want 4 + %d classes", m.OutputShape[1], len(m.Classes))
	}
	if m.ImageSize <= 0 {
		m.ImageSize = int(m.InputShape[3])
	}
	if m.InputName == "" {
		m.InputName = "images"
	}
	if m.OutputName == "" {
		m.OutputName = "output0"
	}
	return nil
}

// Options tunes decoding.
type Options struct {
	ScoreThreshold float32
	IoUThreshold   float64
	// LibraryPath points at the onnxruntime shared library, if not on the
	// default search path.
	LibraryPath string
}

// DefaultOptions returns the usual YOLO post-processing thresholds.
func DefaultOptions() Options {
	return Options{ScoreThreshold: 0.35, IoUThreshold: 0.5}
}

var envMu sync.Mutex

// Detector implements detection.Service. Runs are serialized because the
// session owns a single pair of tensors.
type Detector struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	meta    Metadata
	opts    Options
	keep    map[string]bool
}

// NewDetector loads the model at modelPath described by metadataPath.
func NewDetector(modelPath, metadataPath string, opts Options) (*Detector, error) {
	meta, err := LoadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}

	envMu.Lock()
	if !ort.IsInitialized() {
		if opts.LibraryPath != "" {
			ort.SetSharedLibraryPath(opts.LibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			envMu.Unlock()
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}
	envMu.Unlock()

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.OutputShape...))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{meta.InputName}, []string{meta.OutputName},
		[]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output},
		nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &Detector{
		session: session,
		input:   input,
		output:  output,
		meta:    *meta,
		opts:    opts,
		keep:    classFilter(meta.AnimalClasses),
	}, nil
}

// Detect implements detection.Service.
func (d *Detector) Detect(ctx context.Context, img image.Image) ([]types.Detection, error) {
	tensor := preprocess(img, d.meta.ImageSize)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	copy(d.input.GetData(), tensor)
	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	anchors := int(d.meta.OutputShape[2])
	return decode(d.output.GetData(), d.meta.Classes, anchors, float64(d.meta.ImageSize), d.keep, d.opts), nil
}

// Close releases the session and its tensors.
func (d *Detector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.input != nil {
		d.input.Destroy()
	}
	if d.output != nil {
		d.output.Destroy()
	}
	if d.session != nil {
		d.session.Destroy()
	}
}

// Shutdown tears down the ONNX environment. Call once at process exit.
func Shutdown() {
	envMu.Lock()
	defer envMu.Unlock()
	if ort.IsInitialized() {
		_ = ort.DestroyEnvironment()
	}
}

func classFilter(classes []string) map[string]bool {
	if len(classes) == 0 {
		return nil
	}
	keep := make(map[string]bool, len(classes))
	for _, c := range classes {
		keep[strings.ToLower(c)] = true
	}
	return keep
}

// preprocess stretches img to size x size and lays it out as planar RGB
// floats in [0,1].
func preprocess(img image.Image, size int) []float32 {
	resized := resize.Resize(uint(size), uint(size), img, resize.Bilinear)
	b := resized.Bounds()
	plane := size * size
	out := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, bl, _ := resized.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := y*size + x
			out[i] = float32(r>>8) / 255
			out[plane+i] = float32(g>>8) / 255
			out[2*plane+i] = float32(bl>>8) / 255
		}
	}
	return out
}

type candidate struct {
	det   types.Detection
	score float32
}

// decode turns raw YOLO output into detections, best first, after
// class-agnostic non-maximum suppression.
func decode(out []float32, classes []string, anchors int, size float64, keep map[string]bool, opts Options) []types.Detection {
	var cands []candidate
	for a := 0; a < anchors; a++ {
		best, bestScore := -1, opts.ScoreThreshold
		for c := range classes {
			if s := out[(4+c)*anchors+a]; s > bestScore {
				best, bestScore = c, s
			}
		}
		if best < 0 {
			continue
		}
		label := strings.ToLower(classes[best])
		if keep != nil && !keep[label] {
			continue
		}

		cx, cy := float64(out[a]), float64(out[anchors+a])
		w, h := float64(out[2*anchors+a]), float64(out[3*anchors+a])
		topLeft := types.Box{X: (cx - w/2) / size, Y: (cy - h/2) / size, W: w / size, H: h / size}
		cands = append(cands, candidate{
			det:   types.Detection{Box: topLeft.FlipY(), Label: label, Confidence: float64(bestScore)},
			score: bestScore,
		})
	}

	sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })

	var dets []types.Detection
	for _, c := range cands {
		suppressed := false
		for _, kept := range dets {
			if iou(kept.Box, c.det.Box) > opts.IoUThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			dets = append(dets, c.det)
		}
	}
	return dets
}

func iou(a, b types.Box) float64 {
	x0, y0 := max(a.MinX(), b.MinX()), max(a.MinY(), b.MinY())
	x1, y1 := min(a.MaxX(), b.MaxX()), min(a.MaxY(), b.MaxY())
	if x1 <= x0 || y1 <= y0 {
		return 0
	}
	inter := (x1 - x0) * (y1 - y0)
	return inter / (a.W*a.H + b.W*b.H - inter)
}
