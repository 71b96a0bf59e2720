package importer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/sticker-maker/pkg/photosource"
	"github.com/menta2k/sticker-maker/pkg/pipeline"
	"github.com/menta2k/sticker-maker/pkg/store"
	"github.com/menta2k/sticker-maker/pkg/types"
)

type fakeSource struct {
	ids      []string
	degraded map[string]bool
	missing  map[string]bool
}

func (s *fakeSource) List(context.Context) ([]string, error) { return s.ids, nil }

func (s *fakeSource) Fetch(_ context.Context, id string, _ types.Size) (*photosource.Fetched, error) {
	if s.missing[id] {
		return nil, photosource.ErrNotFound
	}
	q := photosource.QualityHigh
	if s.degraded[id] {
		q = photosource.QualityDegraded
	}
	return &photosource.Fetched{
		Image:   types.RawImage{ID: id, Image: image.NewNRGBA(image.Rect(0, 0, 4, 4))},
		Quality: q,
		Native:  types.Size{Width: 4, Height: 4},
	}, nil
}

type fakeRunner struct {
	mu       sync.Mutex
	started  map[string]time.Time
	failures map[string]error
	delay    time.Duration
	inFlight int32
	peak     int32
}

func newRunner() *fakeRunner {
	return &fakeRunner{started: map[string]time.Time{}, failures: map[string]error{}}
}

func (r *fakeRunner) Run(_ context.Context, raw types.RawImage) (*types.StickerRecord, error) {
	r.mu.Lock()
	r.started[raw.ID] = time.Now()
	err := r.failures[raw.ID]
	r.mu.Unlock()

	n := atomic.AddInt32(&r.inFlight, 1)
	for {
		p := atomic.LoadInt32(&r.peak)
		if n <= p || atomic.CompareAndSwapInt32(&r.peak, p, n) {
			break
		}
	}
	time.Sleep(r.delay)
	atomic.AddInt32(&r.inFlight, -1)

	if err != nil {
		return nil, err
	}
	return &types.StickerRecord{ID: raw.ID, ImageBytes: []byte(raw.ID)}, nil
}

// timedStore records when each commit completed.
type timedStore struct {
	mu        sync.Mutex
	commits   []time.Time
	committed [][]string
	failAt    int
}

func (s *timedStore) Begin(context.Context) (store.Tx, error) {
	return &timedTx{store: s}, nil
}

type timedTx struct {
	store *timedStore
	ids   []string
}

func (tx *timedTx) Insert(rec types.StickerRecord) error {
	tx.ids = append(tx.ids, rec.ID)
	return nil
}

func (tx *timedTx) Commit(context.Context) error {
	time.Sleep(10 * time.Millisecond)
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && len(s.commits)+1 == s.failAt {
		return errors.New("database is locked")
	}
	s.commits = append(s.commits, time.Now())
	s.committed = append(s.committed, tx.ids)
	return nil
}

func (tx *timedTx) Rollback() error { return nil }

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("photo-%02d", i)
	}
	return out
}

func TestImport_GroupBarrier(t *testing.T) {
	src := &fakeSource{ids: ids(4)}
	runner := newRunner()
	runner.delay = 5 * time.Millisecond
	st := &timedStore{}

	im := New(src, runner, st, Options{GroupSize: 2, Concurrency: 2})
	sum, err := im.ImportAll(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 4, sum.Produced)
	assert.Equal(t, 2, sum.Groups)
	require.Len(t, st.commits, 2)
	assert.ElementsMatch(t, []string{"photo-00", "photo-01"}, st.committed[0])
	assert.ElementsMatch(t, []string{"photo-02", "photo-03"}, st.committed[1])

	for _, id := range []string{"photo-02", "photo-03"} {
		assert.False(t, runner.started[id].Before(st.commits[0]), "%s started before group 0 was committed", id)
	}
}

func TestImport_CountsOutcomes(t *testing.T) {
	all := ids(7)
	src := &fakeSource{
		ids:      all,
		degraded: map[string]bool{all[1]: true},
		missing:  map[string]bool{all[2]: true},
	}
	runner := newRunner()
	runner.failures[all[3]] = pipeline.NewError(pipeline.KindNoSubjectDetected, pipeline.StateDetecting, errors.New("nothing"))
	runner.failures[all[4]] = pipeline.NewError(pipeline.KindNoSubjectDetected, pipeline.StateDetecting, errors.New("nothing"))
	runner.failures[all[5]] = errors.New("plain error")
	mem := store.NewMemory()

	var events []Progress
	im := New(src, runner, mem, Options{GroupSize: 3, Concurrency: 3})
	sum, err := im.Import(context.Background(), all, func(p Progress) { events = append(events, p) })
	require.NoError(t, err)

	assert.Equal(t, 7, sum.Total)
	assert.Equal(t, 2, sum.Produced)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 4, sum.Failed)
	assert.Equal(t, map[pipeline.Kind]int{
		pipeline.KindLowQualitySource:  1,
		pipeline.KindSourceUnavailable: 1,
		pipeline.KindNoSubjectDetected: 2,
		KindUnclassified:               1,
	}, sum.FailuresByKind)
	assert.Equal(t, 3, sum.Groups)
	assert.NotEmpty(t, sum.RunID)

	require.Len(t, events, 7)
	for i, e := range events {
		assert.Equal(t, i+1, e.Completed)
		assert.Equal(t, 7, e.Total)
		assert.Equal(t, sum.RunID, e.RunID)
	}
	last := events[len(events)-1]
	assert.Equal(t, sum.Produced, last.Produced)
	assert.Equal(t, sum.Skipped, last.Skipped)
	assert.Equal(t, sum.Failed, last.Failed)

	recs := mem.Records()
	require.Len(t, recs, 2)
	assert.ElementsMatch(t, []string{all[0], all[6]}, []string{recs[0].ID, recs[1].ID})
	assert.Equal(t, 3, mem.Commits())
}

func TestImport_SkipEventHasSkipOutcome(t *testing.T) {
	src := &fakeSource{degraded: map[string]bool{"a": true}}
	var got Progress
	im := New(src, newRunner(), store.NewMemory(), DefaultOptions())
	_, err := im.Import(context.Background(), []string{"a"}, func(p Progress) { got = p })
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, got.Outcome)
	assert.Equal(t, pipeline.KindLowQualitySource, got.Kind)
	assert.Equal(t, 0, got.Failed)
}

func TestImport_BoundsConcurrency(t *testing.T) {
	runner := newRunner()
	runner.delay = 5 * time.Millisecond
	im := New(&fakeSource{}, runner, store.NewMemory(), Options{GroupSize: 10, Concurrency: 3})

	sum, err := im.Import(context.Background(), ids(10), nil)
	require.NoError(t, err)
	assert.Equal(t, 10, sum.Produced)
	assert.LessOrEqual(t, atomic.LoadInt32(&runner.peak), int32(3))
}

func TestImport_Limit(t *testing.T) {
	opts := DefaultOptions()
	opts.Limit = 3
	im := New(&fakeSource{}, newRunner(), store.NewMemory(), opts)

	sum, err := im.Import(context.Background(), ids(5), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 3, sum.Produced)
}

func TestImport_CommitFailureAborts(t *testing.T) {
	runner := newRunner()
	st := &timedStore{failAt: 1}
	im := New(&fakeSource{}, runner, st, Options{GroupSize: 2, Concurrency: 2})

	sum, err := im.Import(context.Background(), ids(4), nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "database is locked")
	assert.Equal(t, 0, sum.Groups)
	assert.Equal(t, 4, sum.Total)
	assert.Len(t, runner.started, 2)
}

func TestImport_StopsBetweenGroupsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := newRunner()
	mem := store.NewMemory()
	im := New(&fakeSource{}, runner, mem, Options{GroupSize: 2, Concurrency: 1})

	sum, err := im.Import(ctx, ids(6), func(p Progress) {
		if p.Completed == 2 {
			cancel()
		}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, runner.started, 2)
	assert.Equal(t, 2, sum.Produced)
	assert.Equal(t, 1, sum.Groups)
	assert.Equal(t, 1, mem.Commits())
}

func TestImport_CancelMidGroupAbandonsRest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := newRunner()
	runner.delay = 20 * time.Millisecond
	mem := store.NewMemory()
	im := New(&fakeSource{}, runner, mem, Options{GroupSize: 4, Concurrency: 1})

	var events []Progress
	sum, err := im.Import(ctx, ids(8), func(p Progress) {
		events = append(events, p)
		if p.Completed == 1 {
			cancel()
		}
	})
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 0, sum.Failed)
	assert.Empty(t, sum.FailuresByKind)
	assert.GreaterOrEqual(t, sum.Abandoned, 2)
	assert.Equal(t, 4, sum.Produced+sum.Abandoned)
	assert.Equal(t, 1, sum.Groups)
	assert.Len(t, mem.Records(), sum.Produced)

	require.Len(t, events, 4)
	last := events[len(events)-1]
	assert.Equal(t, OutcomeAbandoned, last.Outcome)
	assert.Equal(t, sum.Abandoned, last.Abandoned)
}
