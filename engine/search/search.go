// Package search turns a query image into a ranked list of similar posts.
// It decodes the image, extracts the frame signature and asks the store
// for the nearest indexed vectors.
package search

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ReneHollander/rep0st/engine/domain"
	"github.com/ReneHollander/rep0st/engine/feature"
	"github.com/ReneHollander/rep0st/engine/media"
	"github.com/ReneHollander/rep0st/engine/store"
	"github.com/ReneHollander/rep0st/pkg/fn"
	"github.com/ReneHollander/rep0st/pkg/metrics"
)

// Searcher abstracts the vector similarity query of the store.
type Searcher interface {
	SearchPosts(ctx context.Context, postType domain.PostType, vec []float32, flags domain.Flags, exact bool, efSearch, limit int) ([]store.SearchResult, error)
}

// Options configures how searches are executed.
type Options struct {
	// Limit is the number of results returned per search.
	Limit int
	// EfSearch sizes the HNSW candidate list. Larger values trade speed
	// for recall.
	EfSearch int
}

// DefaultOptions returns the production search parameters.
func DefaultOptions() Options {
	return Options{Limit: 50, EfSearch: 1000}
}

// Service answers reverse image searches.
type Service struct {
	store Searcher
	opts  Options
	log   *slog.Logger

	vectorize fn.Stage[[]byte, []float32]
	requests  *metrics.Counter
	duration  *metrics.Histogram
}

// New creates a search Service. Zero option fields fall back to
// DefaultOptions.
func New(searcher Searcher, opts Options, log *slog.Logger, reg *metrics.Registry) *Service {
	if log == nil {
		log = slog.Default()
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultOptions().Limit
	}
	if opts.EfSearch <= 0 {
		opts.EfSearch = DefaultOptions().EfSearch
	}

	decode := fn.TracedStage("search.decode", func(_ context.Context, data []byte) fn.Result[media.Frame] {
		return fn.FromPair(media.DecodeStill(bytes.NewReader(data)))
	})
	extract := fn.TracedStage("search.extract", fn.MapStage(feature.Extract))

	return &Service{
		store:     searcher,
		opts:      opts,
		log:       log,
		vectorize: fn.Then(decode, extract),
		requests:  reg.Counter("rep0st_search_requests_total", "Reverse image searches served."),
		duration:  reg.Histogram("rep0st_search_duration_seconds", "Reverse image search latency.", nil),
	}
}

// SearchBytes finds the indexed posts closest to the given image, best
// match first. flags keeps only posts sharing at least one flag; exact
// bypasses the approximate index and scans every vector.
func (s *Service) SearchBytes(ctx context.Context, data []byte, flags domain.Flags, exact bool) ([]store.SearchResult, error) {
	start := time.Now()
	s.requests.Inc()

	vec, err := s.vectorize(ctx, data).Unwrap()
	if err != nil {
		return nil, fmt.Errorf("search: %w: %w", domain.ErrInvalidImage, err)
	}

	results, err := s.store.SearchPosts(ctx, domain.TypeImage, vec, flags, exact, s.opts.EfSearch, s.opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	// Best match first.
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	s.duration.Since(start)
	s.log.Info("search served",
		"results", len(results), "flags", flags.String(), "exact", exact,
		"elapsed", time.Since(start))
	return results, nil
}
