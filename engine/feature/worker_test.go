package feature

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"io"
	"io/fs"
	"log/slog"
	"testing"
	"time"

	"github.com/ReneHollander/rep0st/engine/domain"
	"github.com/ReneHollander/rep0st/engine/media"
	"github.com/ReneHollander/rep0st/pkg/metrics"
)

type fakeQueue struct {
	batches [][]domain.Post
	updated [][]domain.Post
	calls   int
}

func (q *fakeQueue) MissingFeatures(ctx context.Context, postType domain.PostType, limit int) ([]domain.Post, error) {
	if q.calls >= len(q.batches) {
		return nil, nil
	}
	b := q.batches[q.calls]
	q.calls++
	return b, nil
}

func (q *fakeQueue) UpdateBatch(ctx context.Context, posts []domain.Post) error {
	q.updated = append(q.updated, posts)
	return nil
}

type fakeVectors struct {
	added []domain.FeatureVector
}

func (v *fakeVectors) AddAll(ctx context.Context, vectors []domain.FeatureVector) error {
	v.added = append(v.added, vectors...)
	return nil
}

type fakeTx struct{ calls int }

func (t *fakeTx) InTx(ctx context.Context, fn func(context.Context) error) error {
	t.calls++
	return fn(ctx)
}

type fakeMedia struct {
	files   map[uint64][]byte
	missing map[uint64]bool
	readErr map[uint64]error
	wait    bool // block Ensure until the batch window expires
}

func (m *fakeMedia) Ensure(ctx context.Context, post domain.Post) (media.EnsureResult, error) {
	if m.wait {
		<-ctx.Done()
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if m.missing[post.ID] {
		return media.Missing, nil
	}
	return media.Hit, nil
}

func (m *fakeMedia) Read(post domain.Post) (io.ReadCloser, error) {
	if err, ok := m.readErr[post.ID]; ok {
		return nil, err
	}
	data, ok := m.files[post.ID]
	if !ok {
		return nil, fmt.Errorf("media: open: %w: %w", domain.ErrMediaIO, fs.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func testWorker(q *fakeQueue, m *fakeMedia) (*Worker, *fakeVectors, *fakeTx, *metrics.Registry) {
	vectors := &fakeVectors{}
	tx := &fakeTx{}
	reg := metrics.New()
	w := NewWorker(Deps{
		Posts:   q,
		Vectors: vectors,
		Tx:      tx,
		Media:   m,
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: reg,
	})
	return w, vectors, tx, reg
}

func pngMedia(t *testing.T, c color.NRGBA) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func gifMedia(t *testing.T) []byte {
	t.Helper()
	img := image.NewPaletted(image.Rect(0, 0, 4, 4), color.Palette{color.NRGBA{R: 255, A: 255}})
	var buf bytes.Buffer
	if err := gif.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestWorkerIndexesBatch(t *testing.T) {
	posts := []domain.Post{
		{ID: 1, Image: "a.png", Type: domain.TypeImage},
		{ID: 2, Image: "b.png", Type: domain.TypeImage},
	}
	q := &fakeQueue{batches: [][]domain.Post{posts}}
	m := &fakeMedia{files: map[uint64][]byte{
		1: pngMedia(t, color.NRGBA{R: 255, A: 255}),
		2: pngMedia(t, color.NRGBA{B: 255, A: 255}),
	}}
	w, vectors, tx, reg := testWorker(q, m)

	if err := w.Run(context.Background(), domain.TypeImage); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(vectors.added) != 2 {
		t.Fatalf("got %d vectors, want 2", len(vectors.added))
	}
	for _, v := range vectors.added {
		if len(v.Vec) != domain.FeatureDim {
			t.Errorf("vector for post %d has %d dims", v.PostID, len(v.Vec))
		}
		if v.ID != 0 {
			t.Errorf("still image frame ordinal = %d, want 0", v.ID)
		}
		if v.PostType != domain.TypeImage {
			t.Errorf("post type = %s", v.PostType)
		}
	}
	if tx.calls != 1 {
		t.Errorf("batch used %d transactions, want 1", tx.calls)
	}
	if len(q.updated) != 1 {
		t.Fatalf("expected one batch update")
	}
	for _, p := range q.updated[0] {
		if !p.FeaturesIndexed || p.ErrorStatus != domain.ErrorStatusNone {
			t.Errorf("post %d = %+v, want indexed without error", p.ID, p)
		}
	}
	if got := reg.Counter("rep0st_features_extracted_total", "").Value(); got != 2 {
		t.Errorf("extracted counter = %d, want 2", got)
	}
}

func TestWorkerIndexesAnimated(t *testing.T) {
	posts := []domain.Post{{ID: 3, Image: "c.gif", Type: domain.TypeAnimated}}
	q := &fakeQueue{batches: [][]domain.Post{posts}}
	m := &fakeMedia{files: map[uint64][]byte{3: gifMedia(t)}}
	w, vectors, _, _ := testWorker(q, m)

	if err := w.Run(context.Background(), domain.TypeAnimated); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(vectors.added) != 1 {
		t.Fatalf("got %d vectors, want 1", len(vectors.added))
	}
	if vectors.added[0].PostType != domain.TypeAnimated {
		t.Errorf("post type = %s", vectors.added[0].PostType)
	}
}

func TestWorkerMarksNoMedia(t *testing.T) {
	posts := []domain.Post{{ID: 4, Image: "gone.jpg", Type: domain.TypeImage}}
	q := &fakeQueue{batches: [][]domain.Post{posts}}
	m := &fakeMedia{missing: map[uint64]bool{4: true}}
	w, vectors, _, _ := testWorker(q, m)

	if err := w.Run(context.Background(), domain.TypeImage); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(vectors.added) != 0 {
		t.Error("missing media must not produce vectors")
	}
	p := q.updated[0][0]
	if p.ErrorStatus != domain.ErrorStatusNoMedia {
		t.Errorf("error status = %q, want NO_MEDIA_FOUND", p.ErrorStatus)
	}
	if p.FeaturesIndexed {
		t.Error("post must not be marked indexed")
	}
}

func TestWorkerMarksNoMediaOnMissingFile(t *testing.T) {
	posts := []domain.Post{{ID: 5, Image: "e.jpg", Type: domain.TypeImage}}
	q := &fakeQueue{batches: [][]domain.Post{posts}}
	m := &fakeMedia{} // Ensure hits, Read fails with fs.ErrNotExist
	w, _, _, _ := testWorker(q, m)

	if err := w.Run(context.Background(), domain.TypeImage); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := q.updated[0][0].ErrorStatus; got != domain.ErrorStatusNoMedia {
		t.Errorf("error status = %q, want NO_MEDIA_FOUND", got)
	}
}

func TestWorkerMarksBrokenOnDecodeFailure(t *testing.T) {
	posts := []domain.Post{{ID: 6, Image: "f.jpg", Type: domain.TypeImage}}
	q := &fakeQueue{batches: [][]domain.Post{posts}}
	m := &fakeMedia{files: map[uint64][]byte{6: []byte("not an image")}}
	w, _, _, reg := testWorker(q, m)

	if err := w.Run(context.Background(), domain.TypeImage); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := q.updated[0][0].ErrorStatus; got != domain.ErrorStatusMediaBroken {
		t.Errorf("error status = %q, want MEDIA_BROKEN", got)
	}
	name := metrics.WithLabels("rep0st_features_failed_total", "status", "MEDIA_BROKEN")
	if got := reg.Counter(name, "").Value(); got != 1 {
		t.Errorf("failure counter = %d, want 1", got)
	}
}

func TestWorkerLoopsUntilQueueEmpty(t *testing.T) {
	q := &fakeQueue{batches: [][]domain.Post{
		{{ID: 7, Image: "g.png", Type: domain.TypeImage}},
		{{ID: 8, Image: "h.png", Type: domain.TypeImage}},
	}}
	m := &fakeMedia{files: map[uint64][]byte{
		7: pngMedia(t, color.NRGBA{G: 255, A: 255}),
		8: pngMedia(t, color.NRGBA{G: 255, A: 255}),
	}}
	w, vectors, tx, _ := testWorker(q, m)

	if err := w.Run(context.Background(), domain.TypeImage); err != nil {
		t.Fatalf("run: %v", err)
	}
	if tx.calls != 2 {
		t.Errorf("expected one transaction per batch, got %d", tx.calls)
	}
	if len(vectors.added) != 2 {
		t.Errorf("got %d vectors, want 2", len(vectors.added))
	}
}

func TestWorkerAbortsBatchOnUnexpectedError(t *testing.T) {
	posts := []domain.Post{{ID: 9, Image: "i.jpg", Type: domain.TypeImage}}
	q := &fakeQueue{batches: [][]domain.Post{posts}}
	m := &fakeMedia{readErr: map[uint64]error{
		9: fmt.Errorf("media: open: %w: permission denied", domain.ErrMediaIO),
	}}
	w, _, tx, _ := testWorker(q, m)

	err := w.Run(context.Background(), domain.TypeImage)
	if !errors.Is(err, domain.ErrMediaIO) {
		t.Fatalf("expected the io error to abort the run, got %v", err)
	}
	if tx.calls != 0 {
		t.Error("a failed batch must not be persisted")
	}
	if len(q.updated) != 0 {
		t.Error("no statuses may be written for an aborted batch")
	}
}

func TestWorkerBatchWindowMarksBroken(t *testing.T) {
	posts := []domain.Post{{ID: 10, Image: "j.png", Type: domain.TypeImage}}
	q := &fakeQueue{batches: [][]domain.Post{posts}}
	m := &fakeMedia{wait: true}
	w, _, _, _ := testWorker(q, m)
	w.batchWindow = time.Millisecond

	if err := w.Run(context.Background(), domain.TypeImage); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := q.updated[0][0].ErrorStatus; got != domain.ErrorStatusMediaBroken {
		t.Errorf("error status = %q, want MEDIA_BROKEN after batch window", got)
	}
}

func TestWorkerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	q := &fakeQueue{batches: [][]domain.Post{{{ID: 11, Image: "k.png", Type: domain.TypeImage}}}}
	w, _, _, _ := testWorker(q, &fakeMedia{})

	if err := w.Run(ctx, domain.TypeImage); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
