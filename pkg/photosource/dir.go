package photosource

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/menta2k/sticker-maker/internal/utils"
	"github.com/menta2k/sticker-maker/pkg/processing"
	"github.com/menta2k/sticker-maker/pkg/types"
)

// Dir serves the image files under a directory tree. Identifiers are
// slash-separated paths relative to the root.
type Dir struct {
	root      string
	processor *processing.Processor
	// MinQualityRatio grades deliveries; see DefaultMinQualityRatio.
	MinQualityRatio float64
}

func NewDir(root string) *Dir {
	return &Dir{root: root, processor: processing.NewProcessor(), MinQualityRatio: DefaultMinQualityRatio}
}

// List implements Source.
func (d *Dir) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return utils.ListImageFiles(d.root)
}

// Fetch implements Source. EXIF orientation is applied while loading.
func (d *Dir) Fetch(ctx context.Context, id string, target types.Size) (*Fetched, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := d.resolve(id)
	if err != nil {
		return nil, err
	}
	if !utils.FileExists(path) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	img, err := d.processor.LoadImage(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", id, err)
	}
	return deliver(id, img, target, d.MinQualityRatio), nil
}

func (d *Dir) resolve(id string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(id))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return filepath.Join(d.root, clean), nil
}
