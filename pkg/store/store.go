// Package store persists sticker records in per-group bulk writes.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/menta2k/sticker-maker/internal/utils"
	"github.com/menta2k/sticker-maker/pkg/processing"
	"github.com/menta2k/sticker-maker/pkg/types"
)

var (
	// ErrTxDone is returned by operations on a committed or rolled back Tx.
	ErrTxDone = errors.New("store: transaction already finished")
	// ErrNameCollision is returned when two records of one batch would be
	// written to the same file.
	ErrNameCollision = errors.New("store: sticker file name collision")
)

// Store opens write transactions. A Tx is owned by one group of an import
// and must not be shared across groups.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx buffers records until Commit writes them in one batch.
type Tx interface {
	Insert(rec types.StickerRecord) error
	Commit(ctx context.Context) error
	Rollback() error
}

// Sidecar is the metadata persisted next to each sticker image.
type Sidecar struct {
	ID         string            `json:"id"`
	File       string            `json:"file"`
	Format     string            `json:"format"`
	Detections []types.Detection `json:"detections"`
	Contour    types.Contour     `json:"contour"`
}

// buffer is the insert side shared by the Tx implementations.
type buffer struct {
	mu      sync.Mutex
	records []types.StickerRecord
	done    bool
}

func (b *buffer) Insert(rec types.StickerRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return ErrTxDone
	}
	b.records = append(b.records, rec)
	return nil
}

// finish marks the buffer done and hands out its records.
func (b *buffer) finish() ([]types.StickerRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return nil, ErrTxDone
	}
	b.done = true
	recs := b.records
	b.records = nil
	return recs, nil
}

func (b *buffer) Rollback() error {
	_, err := b.finish()
	return err
}

// fileNames returns the output file name of every record. Two different
// identifiers resolving to one name is an error, so no sticker silently
// replaces another within a batch.
func fileNames(recs []types.StickerRecord, format string) ([]string, error) {
	names := make([]string, len(recs))
	owner := make(map[string]string, len(recs))
	for i, rec := range recs {
		name := utils.StickerFilename(rec.ID, format)
		if prev, ok := owner[name]; ok && prev != rec.ID {
			return nil, fmt.Errorf("%w: %q and %q both map to %s", ErrNameCollision, prev, rec.ID, name)
		}
		owner[name] = rec.ID
		names[i] = name
	}
	return names, nil
}

// encodeFor converts PNG record bytes to the requested output format.
func encodeFor(rec types.StickerRecord, format string) ([]byte, error) {
	switch format {
	case "", "png":
		return rec.ImageBytes, nil
	case "webp":
		img, err := processing.DecodeImage(rec.ImageBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to decode sticker %s: %w", rec.ID, err)
		}
		return processing.EncodeWebP(img, 100, true)
	default:
		return nil, fmt.Errorf("unsupported sticker format %q", format)
	}
}

func contentType(format string) string {
	if format == "webp" {
		return "image/webp"
	}
	return "image/png"
}

func formatOrDefault(format string) string {
	if format == "" {
		return "png"
	}
	return format
}
