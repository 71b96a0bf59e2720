package photosource

import (
	"context"
	"fmt"
	"net/http"

	"github.com/menta2k/sticker-maker/pkg/processing"
	"github.com/menta2k/sticker-maker/pkg/types"
)

// URL serves a fixed list of http(s) image URLs. The URL is the identifier.
type URL struct {
	urls      []string
	processor *processing.Processor
	// MinQualityRatio grades deliveries; see DefaultMinQualityRatio.
	MinQualityRatio float64
}

// NewURL creates a source over urls. A nil client uses the processor default.
func NewURL(urls []string, client *http.Client) *URL {
	return &URL{
		urls:            append([]string(nil), urls...),
		processor:       processing.NewProcessorWithClient(client),
		MinQualityRatio: DefaultMinQualityRatio,
	}
}

// List implements Source.
func (u *URL) List(context.Context) ([]string, error) {
	return append([]string(nil), u.urls...), nil
}

// Fetch implements Source.
func (u *URL) Fetch(ctx context.Context, id string, target types.Size) (*Fetched, error) {
	img, err := u.processor.LoadImageFromURL(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", id, err)
	}
	return deliver(id, img, target, u.MinQualityRatio), nil
}
