package search

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"testing"

	"github.com/ReneHollander/rep0st/engine/domain"
	"github.com/ReneHollander/rep0st/engine/store"
	"github.com/ReneHollander/rep0st/pkg/metrics"
)

type fakeSearcher struct {
	results []store.SearchResult
	err     error

	calls    int
	gotType  domain.PostType
	gotVec   []float32
	gotFlags domain.Flags
	gotExact bool
	gotEf    int
	gotLimit int
}

func (f *fakeSearcher) SearchPosts(_ context.Context, postType domain.PostType, vec []float32, flags domain.Flags, exact bool, efSearch, limit int) ([]store.SearchResult, error) {
	f.calls++
	f.gotType = postType
	f.gotVec = vec
	f.gotFlags = flags
	f.gotExact = exact
	f.gotEf = efSearch
	f.gotLimit = limit
	return f.results, f.err
}

func testService(f *fakeSearcher, opts Options) (*Service, *metrics.Registry) {
	reg := metrics.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(f, opts, log, reg), reg
}

func pngImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	img.SetNRGBA(1, 2, color.NRGBA{R: 0x20, G: 0x80, B: 0xe0, A: 0xff})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func result(id uint64, score float32) store.SearchResult {
	return store.SearchResult{Score: score, Post: domain.Post{ID: id, Type: domain.TypeImage}}
}

func TestSearchBytesQueriesImageVectors(t *testing.T) {
	f := &fakeSearcher{results: []store.SearchResult{result(1, 0.99), result(2, 0.42)}}
	s, reg := testService(f, Options{})

	results, err := s.SearchBytes(context.Background(), pngImage(t), domain.FlagSFW, false)
	if err != nil {
		t.Fatalf("SearchBytes: %v", err)
	}
	if f.calls != 1 {
		t.Fatalf("store called %d times, want 1", f.calls)
	}
	if f.gotType != domain.TypeImage {
		t.Errorf("post type = %s, want IMAGE", f.gotType)
	}
	if len(f.gotVec) != domain.FeatureDim {
		t.Errorf("vector dim = %d, want %d", len(f.gotVec), domain.FeatureDim)
	}
	if f.gotFlags != domain.FlagSFW {
		t.Errorf("flags = %v, want SFW", f.gotFlags)
	}
	if f.gotExact {
		t.Error("exact = true, want false")
	}
	if f.gotEf != 1000 || f.gotLimit != 50 {
		t.Errorf("efSearch/limit = %d/%d, want 1000/50", f.gotEf, f.gotLimit)
	}
	if len(results) != 2 || results[0].Post.ID != 1 {
		t.Errorf("results = %v, want posts [1 2]", results)
	}
	if got := reg.Counter("rep0st_search_requests_total", "").Value(); got != 1 {
		t.Errorf("request counter = %d, want 1", got)
	}
}

func TestSearchBytesOrdersByScore(t *testing.T) {
	f := &fakeSearcher{results: []store.SearchResult{result(2, 0.42), result(1, 0.99)}}
	s, _ := testService(f, Options{})

	results, err := s.SearchBytes(context.Background(), pngImage(t), domain.FlagAll, false)
	if err != nil {
		t.Fatalf("SearchBytes: %v", err)
	}
	if results[0].Post.ID != 1 || results[1].Post.ID != 2 {
		t.Errorf("results = %v, want best match first", results)
	}
}

func TestSearchBytesRejectsUndecodableImage(t *testing.T) {
	f := &fakeSearcher{}
	s, _ := testService(f, Options{})

	_, err := s.SearchBytes(context.Background(), []byte("not an image"), domain.FlagAll, false)
	if !errors.Is(err, domain.ErrInvalidImage) {
		t.Fatalf("error = %v, want ErrInvalidImage", err)
	}
	if f.calls != 0 {
		t.Errorf("store called %d times on an invalid image", f.calls)
	}
}

func TestSearchBytesPropagatesStoreError(t *testing.T) {
	f := &fakeSearcher{err: errors.New("connection refused")}
	s, _ := testService(f, Options{})

	_, err := s.SearchBytes(context.Background(), pngImage(t), domain.FlagAll, false)
	if err == nil {
		t.Fatal("SearchBytes succeeded, want store error")
	}
	if errors.Is(err, domain.ErrInvalidImage) {
		t.Error("store error reported as invalid image")
	}
}

func TestSearchBytesEmptyResultIsSuccess(t *testing.T) {
	s, _ := testService(&fakeSearcher{}, Options{})

	results, err := s.SearchBytes(context.Background(), pngImage(t), domain.FlagAll, false)
	if err != nil {
		t.Fatalf("SearchBytes: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %v, want none", results)
	}
}

func TestSearchBytesHonorsOptions(t *testing.T) {
	f := &fakeSearcher{}
	s, _ := testService(f, Options{Limit: 7, EfSearch: 64})

	if _, err := s.SearchBytes(context.Background(), pngImage(t), domain.FlagNSFW, true); err != nil {
		t.Fatalf("SearchBytes: %v", err)
	}
	if f.gotLimit != 7 || f.gotEf != 64 {
		t.Errorf("efSearch/limit = %d/%d, want 64/7", f.gotEf, f.gotLimit)
	}
	if !f.gotExact {
		t.Error("exact not forwarded")
	}
}
