package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/sticker-maker/internal/utils"
)

// Dir writes each sticker as an image file plus a JSON sidecar. Files are
// written to temporaries and renamed only once the whole batch is encoded.
type Dir struct {
	root   string
	format string
	log    logrus.FieldLogger
}

// NewDir creates a directory store writing png or lossless webp.
func NewDir(root, format string) (*Dir, error) {
	format = formatOrDefault(strings.ToLower(format))
	if format != "png" && format != "webp" {
		return nil, fmt.Errorf("unsupported sticker format %q", format)
	}
	if err := utils.EnsureDir(root); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &Dir{root: root, format: format, log: logrus.StandardLogger()}, nil
}

// WithLogger sets the logger.
func (d *Dir) WithLogger(l logrus.FieldLogger) *Dir {
	d.log = l
	return d
}

// Begin implements Store.
func (d *Dir) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &dirTx{store: d}, nil
}

type dirTx struct {
	buffer
	store *Dir
}

type pendingFile struct {
	tmp, final string
}

// rename is swapped in tests to simulate a failing filesystem.
var rename = os.Rename

// Commit encodes every record to temporaries first, then moves them into
// place. Files the batch replaces are set aside and restored if any move
// fails, so a batch is applied completely or not at all.
func (tx *dirTx) Commit(ctx context.Context) error {
	recs, err := tx.finish()
	if err != nil {
		return err
	}
	d := tx.store

	names, err := fileNames(recs, d.format)
	if err != nil {
		return err
	}

	var pending []pendingFile
	cleanup := func() {
		for _, p := range pending {
			os.Remove(p.tmp)
		}
	}

	for i, rec := range recs {
		if err := ctx.Err(); err != nil {
			cleanup()
			return err
		}
		data, err := encodeFor(rec, d.format)
		if err != nil {
			cleanup()
			return err
		}
		name := names[i]
		meta, err := json.MarshalIndent(Sidecar{
			ID:         rec.ID,
			File:       name,
			Format:     d.format,
			Detections: rec.Detections,
			Contour:    rec.Contour,
		}, "", "  ")
		if err != nil {
			cleanup()
			return fmt.Errorf("failed to marshal sidecar for %s: %w", rec.ID, err)
		}

		for _, f := range []struct {
			name string
			data []byte
		}{{name, data}, {strings.TrimSuffix(name, filepath.Ext(name)) + ".json", meta}} {
			p, err := writeTemp(d.root, f.name, f.data)
			if err != nil {
				cleanup()
				return err
			}
			pending = append(pending, p)
		}
	}

	if err := d.apply(pending); err != nil {
		cleanup()
		return err
	}

	d.log.WithFields(logrus.Fields{
		"records": len(recs),
		"dir":     d.root,
	}).Debug("stickers committed")
	return nil
}

// applied is a file moved into place, with the file it replaced.
type applied struct {
	final, backup string
}

func (d *Dir) apply(pending []pendingFile) error {
	var done []applied
	undo := func() {
		for i := len(done) - 1; i >= 0; i-- {
			a := done[i]
			os.Remove(a.final)
			if a.backup != "" {
				if err := rename(a.backup, a.final); err != nil {
					d.log.WithError(err).WithField("file", a.final).Error("failed to restore replaced sticker")
				}
			}
		}
	}

	for _, p := range pending {
		a := applied{final: p.final}
		if _, err := os.Lstat(p.final); err == nil {
			backup, err := reserveTemp(d.root, filepath.Base(p.final), "bak")
			if err != nil {
				undo()
				return err
			}
			if err := rename(p.final, backup); err != nil {
				os.Remove(backup)
				undo()
				return fmt.Errorf("failed to set aside %s: %w", filepath.Base(p.final), err)
			}
			a.backup = backup
		}
		if err := rename(p.tmp, p.final); err != nil {
			if a.backup != "" {
				done = append(done, applied{backup: a.backup, final: a.final})
			}
			undo()
			return fmt.Errorf("failed to commit %s: %w", filepath.Base(p.final), err)
		}
		done = append(done, a)
	}

	for _, a := range done {
		if a.backup != "" {
			os.Remove(a.backup)
		}
	}
	return nil
}

// reserveTemp creates an empty, uniquely named file next to name.
func reserveTemp(dir, name, suffix string) (string, error) {
	f, err := os.CreateTemp(dir, "."+name+".*."+suffix)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	f.Close()
	return f.Name(), nil
}

func writeTemp(dir, name string, data []byte) (pendingFile, error) {
	f, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return pendingFile{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return pendingFile{}, fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return pendingFile{}, fmt.Errorf("failed to write %s: %w", name, err)
	}
	return pendingFile{tmp: f.Name(), final: filepath.Join(dir, name)}, nil
}
