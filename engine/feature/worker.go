package feature

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"time"

	"github.com/ReneHollander/rep0st/engine/domain"
	"github.com/ReneHollander/rep0st/engine/media"
	"github.com/ReneHollander/rep0st/pkg/fn"
	"github.com/ReneHollander/rep0st/pkg/metrics"
)

const (
	defaultBatchSize   = 1000
	defaultConcurrency = 16
	defaultBatchWindow = 120 * time.Second
)

// Queue is the slice of the post repository the worker drives.
type Queue interface {
	MissingFeatures(ctx context.Context, postType domain.PostType, limit int) ([]domain.Post, error)
	UpdateBatch(ctx context.Context, posts []domain.Post) error
}

// VectorSink persists extracted feature vectors.
type VectorSink interface {
	AddAll(ctx context.Context, vectors []domain.FeatureVector) error
}

// Tx runs fn inside a database transaction.
type Tx interface {
	InTx(ctx context.Context, fn func(context.Context) error) error
}

// MediaSource provides local media files, downloading them on demand.
// Implemented by the media store.
type MediaSource interface {
	Ensure(ctx context.Context, post domain.Post) (media.EnsureResult, error)
	Read(post domain.Post) (io.ReadCloser, error)
}

// Deps are the collaborators of the worker.
type Deps struct {
	Posts   Queue
	Vectors VectorSink
	Tx      Tx
	Media   MediaSource
	Log     *slog.Logger
	Metrics *metrics.Registry
}

// Worker indexes posts that have no feature vectors yet. It pulls batches
// of unindexed posts, extracts their vectors in parallel and persists each
// batch in a single transaction.
type Worker struct {
	deps        Deps
	batchSize   int
	concurrency int
	batchWindow time.Duration

	queueSize *metrics.Gauge
	extracted *metrics.Counter
}

func NewWorker(deps Deps) *Worker {
	return &Worker{
		deps:        deps,
		batchSize:   defaultBatchSize,
		concurrency: defaultConcurrency,
		batchWindow: defaultBatchWindow,
		queueSize:   deps.Metrics.Gauge("rep0st_feature_queue_size", "Posts missing features at the start of the current batch."),
		extracted:   deps.Metrics.Counter("rep0st_features_extracted_total", "Feature vectors added to the index."),
	}
}

// Run indexes every post of the given type that is missing features,
// batch by batch, until the queue is empty or the context is cancelled.
func (w *Worker) Run(ctx context.Context, postType domain.PostType) error {
	w.deps.Log.Info("starting feature update", "type", postType)
	var posts, vectors int
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		np, nv, err := w.processBatch(ctx, postType)
		if err != nil {
			return err
		}
		if np == 0 {
			break
		}
		posts += np
		vectors += nv
		w.deps.Log.Info("indexed batch", "posts", np, "vectors", nv)
	}
	w.deps.Log.Info("finished feature update", "posts", posts, "vectors", vectors)
	return nil
}

type workResult struct {
	post    domain.Post
	vectors []domain.FeatureVector
	err     error // unclassified failure, aborts the batch
}

func (w *Worker) processBatch(ctx context.Context, postType domain.PostType) (int, int, error) {
	batch, err := w.deps.Posts.MissingFeatures(ctx, postType, w.batchSize)
	if err != nil {
		return 0, 0, err
	}
	w.queueSize.Set(int64(len(batch)))
	if len(batch) == 0 {
		return 0, 0, nil
	}

	batchCtx, cancel := context.WithTimeout(ctx, w.batchWindow)
	results := fn.ParMap(batch, w.concurrency, func(post domain.Post) workResult {
		return w.process(batchCtx, post)
	})
	cancel()

	for _, r := range results {
		if r.err != nil {
			return 0, 0, r.err
		}
	}

	vectors, err := w.persist(ctx, results)
	if err != nil {
		return 0, 0, err
	}
	return len(batch), vectors, nil
}

// process extracts the vectors of one post and translates failures into
// the post's error status. Errors that do not map to a status are
// reported as is and stop the batch so no wrong status is recorded.
func (w *Worker) process(ctx context.Context, post domain.Post) workResult {
	res := workResult{post: post}
	vectors, err := w.extractPost(ctx, post)
	switch {
	case err == nil && len(vectors) == 0:
		w.deps.Log.Warn("media decoded to no frames, marking broken", "post", post.ID)
		res.post.ErrorStatus = domain.ErrorStatusMediaBroken
		res.post.FeaturesIndexed = false
	case err == nil:
		res.post.ErrorStatus = domain.ErrorStatusNone
		res.post.FeaturesIndexed = true
		res.vectors = vectors
	case errors.Is(err, domain.ErrUpstreamNotFound) || errors.Is(err, fs.ErrNotExist):
		w.deps.Log.Warn("no media found for post", "post", post.ID, "error", err)
		res.post.ErrorStatus = domain.ErrorStatusNoMedia
		w.countFailure(domain.ErrorStatusNoMedia)
	case errors.Is(err, domain.ErrDecode):
		w.deps.Log.Warn("media of post cannot be decoded", "post", post.ID, "error", err)
		res.post.ErrorStatus = domain.ErrorStatusMediaBroken
		w.countFailure(domain.ErrorStatusMediaBroken)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		w.deps.Log.Warn("post not processed within the batch window, marking broken", "post", post.ID)
		res.post.ErrorStatus = domain.ErrorStatusMediaBroken
		w.countFailure(domain.ErrorStatusMediaBroken)
	default:
		res.err = err
	}
	return res
}

func (w *Worker) countFailure(status domain.ErrorStatus) {
	w.deps.Metrics.Counter(
		metrics.WithLabels("rep0st_features_failed_total", "status", string(status)),
		"Posts that could not be indexed, by error status.",
	).Inc()
}

func (w *Worker) extractPost(ctx context.Context, post domain.Post) ([]domain.FeatureVector, error) {
	res, err := w.deps.Media.Ensure(ctx, post)
	if err != nil {
		return nil, err
	}
	if res == media.Missing {
		return nil, domain.NewPostError(post.ID, "ensure media", domain.ErrUpstreamNotFound)
	}

	rc, err := w.deps.Media.Read(post)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var vectors []domain.FeatureVector
	var decodeErr error
	frame := 0
	for r := range media.Decode(ctx, post, rc) {
		if decodeErr != nil {
			continue
		}
		f, err := r.Unwrap()
		if err != nil {
			decodeErr = err
			continue
		}
		vectors = append(vectors, domain.FeatureVector{
			PostID:   post.ID,
			ID:       int32(frame),
			PostType: post.Type,
			Vec:      Extract(f),
		})
		frame++
	}
	if decodeErr != nil {
		return nil, domain.NewPostError(post.ID, "decode media", decodeErr)
	}
	return vectors, nil
}

// persist writes one finished batch: vectors for the successful posts,
// error statuses for the failed ones, all in a single transaction.
func (w *Worker) persist(ctx context.Context, results []workResult) (int, error) {
	posts := make([]domain.Post, 0, len(results))
	var vectors []domain.FeatureVector
	for _, r := range results {
		posts = append(posts, r.post)
		vectors = append(vectors, r.vectors...)
	}

	err := w.deps.Tx.InTx(ctx, func(ctx context.Context) error {
		if len(vectors) > 0 {
			if err := w.deps.Vectors.AddAll(ctx, vectors); err != nil {
				return err
			}
		}
		return w.deps.Posts.UpdateBatch(ctx, posts)
	})
	if err != nil {
		return 0, err
	}
	w.extracted.Add(int64(len(vectors)))
	return len(vectors), nil
}
