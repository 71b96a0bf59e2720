package detection

import (
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/menta2k/sticker-maker/pkg/client"
	"github.com/menta2k/sticker-maker/pkg/processing"
	"github.com/menta2k/sticker-maker/pkg/types"
)

// SimpleTestPrompt for testing if the model can see images
const SimpleTestPrompt = `What do you see in this image? Describe it briefly.`

// DefaultPrompt asks a vision model for every animal in the image
const DefaultPrompt = `You are an animal locator for a sticker app.

Return JSON only:
{
  "animals": [
    {
      "label": "string",
      "confidence": 0.0,
      "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0}
    }
  ],
  "description": "short neutral sentence (≤ 20 words)",
  "tags": ["tag1", "tag2", "tag3"]
}

HARD RULES
- List every animal (pets first: cats, dogs, rabbits, birds, ...), most prominent first.
- Coordinates are normalized to [0,1] (NOT pixels); x,y is the TOP-LEFT corner of the box.
- Each box should tightly include one animal.
- Label is the common lowercase name of the animal.
- If there are no animals, return {"animals": [], "description": "no animals", "tags": []}.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// VisionService detects animals by prompting a multimodal chat model.
type VisionService struct {
	client    client.VisionClient
	processor *processing.Processor
	model     string
	prompt    string
	// SendSize is the longest side of the image sent to the model.
	SendSize int
	// SendQuality is the JPEG quality of the image sent to the model.
	SendQuality int
	// MinConfidence drops weaker answers.
	MinConfidence float64
}

// NewVisionService creates a service with the default prompt
func NewVisionService(c client.VisionClient, model string) *VisionService {
	return &VisionService{
		client:      c,
		processor:   processing.NewProcessor(),
		model:       model,
		prompt:      DefaultPrompt,
		SendSize:    1024,
		SendQuality: 85,
	}
}

// WithPrompt overrides the detection prompt
func (v *VisionService) WithPrompt(prompt string) *VisionService {
	v.prompt = prompt
	return v
}

// Detect implements Service.
func (v *VisionService) Detect(ctx context.Context, img image.Image) ([]types.Detection, error) {
	imgB64, err := v.processor.PrepareImageForModel(img, "jpg", v.SendSize, v.SendQuality)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare image: %w", err)
	}

	result, err := v.client.AnalyzeImage(ctx, v.model, v.prompt, imgB64)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze image: %w", err)
	}
	return v.toDetections(result), nil
}

// TestVision tests if the model can actually see the image with a simple prompt
func (v *VisionService) TestVision(ctx context.Context, img image.Image) (string, error) {
	imgB64, err := v.processor.PrepareImageForModel(img, "jpg", v.SendSize, v.SendQuality)
	if err != nil {
		return "", err
	}
	return v.client.SimpleQuery(ctx, v.model, SimpleTestPrompt, imgB64)
}

// toDetections converts model answers from top-left to bottom-left boxes.
func (v *VisionService) toDetections(result *types.AnalysisResult) []types.Detection {
	if result == nil {
		return nil
	}
	out := make([]types.Detection, 0, len(result.Animals))
	for _, a := range result.Animals {
		label := strings.ToLower(strings.TrimSpace(a.Label))
		if label == "" || label == "none" {
			continue
		}
		if a.Confidence < v.MinConfidence {
			continue
		}
		box := normalizeBox(a.Box)
		if box.Empty() {
			continue
		}
		out = append(out, types.Detection{
			Box:        box.FlipY(),
			Label:      label,
			Confidence: clamp(a.Confidence, 0, 1),
		})
	}
	return out
}

// normalizeBox ensures box coordinates are within [0,1] bounds. Models
// sometimes answer in percent; those are scaled down.
func normalizeBox(b types.Box) types.Box {
	if b.X > 1 || b.Y > 1 || b.W > 1 || b.H > 1 {
		b = types.Box{X: b.X / 100, Y: b.Y / 100, W: b.W / 100, H: b.H / 100}
	}
	return clampBox(b)
}

// clampBox ensures box coordinates are within [0,1] bounds
func clampBox(b types.Box) types.Box {
	x0, y0 := clamp(b.MinX(), 0, 1), clamp(b.MinY(), 0, 1)
	x1, y1 := clamp(b.MaxX(), 0, 1), clamp(b.MaxY(), 0, 1)
	return types.Box{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// clamp ensures a value is within the given bounds
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
