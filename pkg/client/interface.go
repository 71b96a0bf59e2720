package client

import (
	"context"

	"github.com/menta2k/sticker-maker/pkg/types"
)

// VisionClient is a multimodal chat backend that can look at an image.
type VisionClient interface {
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
	AnalyzeImage(ctx context.Context, model, prompt, imgB64 string) (*types.AnalysisResult, error)
}
