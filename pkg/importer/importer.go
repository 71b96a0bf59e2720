// Package importer runs the sticker pipeline over a photo library in
// sequential groups with bounded concurrency inside each group.
package importer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/menta2k/sticker-maker/pkg/photosource"
	"github.com/menta2k/sticker-maker/pkg/pipeline"
	"github.com/menta2k/sticker-maker/pkg/store"
	"github.com/menta2k/sticker-maker/pkg/types"
)

// KindUnclassified counts failures that carry no pipeline kind.
const KindUnclassified pipeline.Kind = "unclassified"

// Runner turns one photo into a sticker record.
type Runner interface {
	Run(ctx context.Context, raw types.RawImage) (*types.StickerRecord, error)
}

// Options configures an import.
type Options struct {
	// GroupSize bounds how many photos are held in memory at once.
	GroupSize int
	// Concurrency bounds the pipeline runs in flight within a group.
	Concurrency int
	// Target is the size photos are fetched at.
	Target types.Size
	// Limit caps the number of photos considered; 0 means no cap.
	Limit int
}

func DefaultOptions() Options {
	return Options{
		GroupSize:   30,
		Concurrency: 4,
		Target:      types.Size{Width: 750, Height: 750},
		Limit:       2000,
	}
}

// Outcome is the result of one photo.
type Outcome string

const (
	OutcomeProduced Outcome = "produced"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailed   Outcome = "failed"
	// OutcomeAbandoned marks photos dropped because the import was canceled.
	OutcomeAbandoned Outcome = "abandoned"
)

// Progress is emitted once per completed photo. The counters are running
// totals owned by the importer.
type Progress struct {
	RunID     string
	SourceID  string
	Group     int
	Outcome   Outcome
	Kind      pipeline.Kind
	Err       error
	Produced  int
	Skipped   int
	Failed    int
	Abandoned int
	Completed int
	Total     int
}

// Summary is the result of an import.
type Summary struct {
	RunID    string
	Produced int
	Total    int
	Skipped  int
	Failed   int
	// Abandoned counts photos dropped after cancellation. They are neither
	// failures nor skips.
	Abandoned int
	// FailuresByKind also counts skips under KindLowQualitySource.
	FailuresByKind map[pipeline.Kind]int
	Groups         int
	Duration       time.Duration
}

// Importer drives a Runner over photos from a Source into a Store.
type Importer struct {
	source photosource.Source
	runner Runner
	store  store.Store
	opts   Options
	log    logrus.FieldLogger
}

func New(src photosource.Source, runner Runner, st store.Store, opts Options) *Importer {
	if opts.GroupSize < 1 {
		opts.GroupSize = 1
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Importer{source: src, runner: runner, store: st, opts: opts, log: logrus.StandardLogger()}
}

// WithLogger sets the logger.
func (im *Importer) WithLogger(l logrus.FieldLogger) *Importer {
	im.log = l
	return im
}

// ImportAll lists the source and imports everything it returns.
func (im *Importer) ImportAll(ctx context.Context, onProgress func(Progress)) (Summary, error) {
	ids, err := im.source.List(ctx)
	if err != nil {
		return Summary{FailuresByKind: map[pipeline.Kind]int{}}, fmt.Errorf("failed to list photos: %w", err)
	}
	return im.Import(ctx, ids, onProgress)
}

type result struct {
	id        string
	record    *types.StickerRecord
	kind      pipeline.Kind
	err       error
	abandoned bool
}

// Import processes ids group by group. Group N+1 starts only after group
// N's records are committed. Per-photo failures are counted, never
// returned; the error is non-nil only when the store fails or ctx ends
// between groups, in which case the summary covers the groups completed so
// far. Photos of the running group that had not finished when ctx ended are
// counted as abandoned; what did finish is still committed. onProgress may
// be nil and is called from a single goroutine.
func (im *Importer) Import(ctx context.Context, ids []string, onProgress func(Progress)) (Summary, error) {
	if im.opts.Limit > 0 && len(ids) > im.opts.Limit {
		ids = ids[:im.opts.Limit]
	}
	if onProgress == nil {
		onProgress = func(Progress) {}
	}

	started := time.Now()
	sum := Summary{
		RunID:          ksuid.New().String(),
		Total:          len(ids),
		FailuresByKind: map[pipeline.Kind]int{},
	}
	log := im.log.WithField("run", sum.RunID)
	log.WithFields(logrus.Fields{
		"photos":      sum.Total,
		"group_size":  im.opts.GroupSize,
		"concurrency": im.opts.Concurrency,
	}).Info("import started")

	finish := func(err error) (Summary, error) {
		sum.Duration = time.Since(started)
		entry := log.WithFields(logrus.Fields{
			"produced":  sum.Produced,
			"skipped":   sum.Skipped,
			"failed":    sum.Failed,
			"abandoned": sum.Abandoned,
			"total":     sum.Total,
			"groups":    sum.Groups,
			"duration":  sum.Duration.String(),
		})
		if err != nil {
			entry.WithError(err).Error("import aborted")
		} else {
			entry.Info("import finished")
		}
		return sum, err
	}

	completed := 0
	for group, start := 0, 0; start < len(ids); group, start = group+1, start+im.opts.GroupSize {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}
		batch := ids[start:min(start+im.opts.GroupSize, len(ids))]

		tx, err := im.store.Begin(ctx)
		if err != nil {
			return finish(fmt.Errorf("failed to open store for group %d: %w", group, err))
		}

		var insertErr error
		for r := range im.runGroup(ctx, batch) {
			completed++
			p := Progress{RunID: sum.RunID, SourceID: r.id, Group: group, Kind: r.kind, Err: r.err, Completed: completed, Total: sum.Total}
			switch {
			case r.abandoned:
				sum.Abandoned++
				p.Outcome = OutcomeAbandoned
			case r.record != nil:
				if err := tx.Insert(*r.record); err != nil && insertErr == nil {
					insertErr = err
				}
				sum.Produced++
				p.Outcome = OutcomeProduced
			case r.kind == pipeline.KindLowQualitySource:
				sum.Skipped++
				sum.FailuresByKind[r.kind]++
				p.Outcome = OutcomeSkipped
			default:
				sum.Failed++
				sum.FailuresByKind[r.kind]++
				p.Outcome = OutcomeFailed
				log.WithError(r.err).WithFields(logrus.Fields{
					"source": r.id,
					"kind":   string(r.kind),
				}).Debug("no sticker produced")
			}
			p.Produced, p.Skipped, p.Failed, p.Abandoned = sum.Produced, sum.Skipped, sum.Failed, sum.Abandoned
			onProgress(p)
		}

		if insertErr != nil {
			_ = tx.Rollback()
			return finish(fmt.Errorf("failed to stage group %d: %w", group, insertErr))
		}
		// a finished group is persisted even if ctx ended while it ran
		if err := tx.Commit(context.WithoutCancel(ctx)); err != nil {
			return finish(fmt.Errorf("failed to commit group %d: %w", group, err))
		}
		sum.Groups++
		log.WithFields(logrus.Fields{
			"group":     group,
			"completed": completed,
			"produced":  sum.Produced,
		}).Info("group committed")
	}

	return finish(nil)
}

// runGroup processes batch with at most Concurrency runs in flight. The
// returned channel is closed once every run has finished.
func (im *Importer) runGroup(ctx context.Context, batch []string) <-chan result {
	results := make(chan result, len(batch))
	go func() {
		defer close(results)
		var g errgroup.Group
		g.SetLimit(im.opts.Concurrency)
		for _, id := range batch {
			g.Go(func() error {
				results <- im.process(ctx, id)
				return nil
			})
		}
		_ = g.Wait()
	}()
	return results
}

// process fetches and runs one photo. Once ctx has ended, photos not yet
// started and runs that fail are reported as abandoned rather than failed.
func (im *Importer) process(ctx context.Context, id string) result {
	if err := ctx.Err(); err != nil {
		return result{id: id, err: err, abandoned: true}
	}
	fetched, err := im.source.Fetch(ctx, id, im.opts.Target)
	if err != nil {
		if ctx.Err() != nil {
			return result{id: id, err: err, abandoned: true}
		}
		return result{id: id, kind: pipeline.KindSourceUnavailable, err: err}
	}
	if fetched.Quality < photosource.QualityHigh {
		return result{
			id:   id,
			kind: pipeline.KindLowQualitySource,
			err:  fmt.Errorf("%s delivered at %.0fx%.0f", id, fetched.Native.Width, fetched.Native.Height),
		}
	}

	record, err := im.runner.Run(ctx, fetched.Image)
	if err != nil {
		if ctx.Err() != nil {
			return result{id: id, err: err, abandoned: true}
		}
		kind, ok := pipeline.KindOf(err)
		if !ok {
			kind = KindUnclassified
		}
		return result{id: id, kind: kind, err: err}
	}
	if record == nil {
		return result{id: id, kind: KindUnclassified, err: errors.New("pipeline returned no record")}
	}
	return result{id: id, record: record}
}
