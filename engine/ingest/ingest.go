// Package ingest keeps the local post and tag tables in sync with the
// upstream feed. Forward ingest appends posts past the local cursor; the
// full reconcile walks id ranges and repairs drift: deletions, changed
// flags, and media that has come or gone since the last pass.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/ReneHollander/rep0st/engine/domain"
	"github.com/ReneHollander/rep0st/engine/media"
	"github.com/ReneHollander/rep0st/pkg/fn"
	"github.com/ReneHollander/rep0st/pkg/metrics"
)

const (
	// defaultPostBatch is the number of posts persisted per transaction
	// during forward ingest.
	defaultPostBatch = 100
	// defaultRangeSize is the width of one reconcile range.
	defaultRangeSize = 1000
	// defaultTagBatch is the number of tags persisted per transaction.
	defaultTagBatch = 10000
)

// Feed streams posts and tags from upstream, ascending by id.
type Feed interface {
	IteratePosts(ctx context.Context, newer, end uint64) <-chan fn.Result[domain.Post]
	IterateTags(ctx context.Context, newer uint64) <-chan fn.Result[domain.Tag]
}

// MediaStore downloads post media to the local cache and follows
// upstream path moves.
type MediaStore interface {
	Ensure(ctx context.Context, post domain.Post) (media.EnsureResult, error)
	Rename(oldPost, newPost domain.Post) error
}

// PostStore is the slice of the post repository the controller drives.
type PostStore interface {
	LatestPostID(ctx context.Context) (uint64, error)
	PostsInRange(ctx context.Context, start, end uint64) ([]domain.Post, error)
	Insert(ctx context.Context, posts []domain.Post) error
	UpdateBatch(ctx context.Context, posts []domain.Post) error
	MarkDeleted(ctx context.Context, ids []uint64) error
	ClearFeatures(ctx context.Context, ids []uint64) error
}

// TagStore is the slice of the tag repository the controller drives.
type TagStore interface {
	LatestTagID(ctx context.Context) (uint64, error)
	AddAll(ctx context.Context, tags []domain.Tag) error
}

// Tx runs fn inside a database transaction.
type Tx interface {
	InTx(ctx context.Context, fn func(context.Context) error) error
}

// Deps holds the collaborators of the controller.
type Deps struct {
	Feed    Feed
	Media   MediaStore
	Posts   PostStore
	Tags    TagStore
	Tx      Tx
	Log     *slog.Logger
	Metrics *metrics.Registry
}

// Controller runs the three sync operations the scheduler triggers.
type Controller struct {
	deps      Deps
	postBatch int
	rangeSize uint64
	tagBatch  int

	latestID     *metrics.Gauge
	ingested     *metrics.Counter
	missingMedia *metrics.Counter
	tagsIngested *metrics.Counter
}

func NewController(deps Deps) *Controller {
	return &Controller{
		deps:         deps,
		postBatch:    defaultPostBatch,
		rangeSize:    defaultRangeSize,
		tagBatch:     defaultTagBatch,
		latestID:     deps.Metrics.Gauge("rep0st_update_posts_latest_id", "Highest post id committed by forward ingest."),
		ingested:     deps.Metrics.Counter("rep0st_posts_ingested_total", "Posts added by forward ingest."),
		missingMedia: deps.Metrics.Counter("rep0st_posts_missing_media_total", "Ingested posts whose media is gone upstream."),
		tagsIngested: deps.Metrics.Counter("rep0st_tags_ingested_total", "Tags added by tag ingest."),
	}
}

// UpdatePosts appends all posts newer than the local cursor, in committed
// batches. end bounds the walk when nonzero. Running it again with an
// unchanged upstream is a no-op.
func (c *Controller) UpdatePosts(ctx context.Context, end uint64) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	latest, err := c.deps.Posts.LatestPostID(ctx)
	if err != nil {
		return err
	}
	c.deps.Log.Info("starting post update", "newer", latest)

	var added int
	batch := make([]domain.Post, 0, c.postBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := c.insertBatch(ctx, batch); err != nil {
			return err
		}
		added += len(batch)
		batch = batch[:0]
		return nil
	}

	for r := range c.deps.Feed.IteratePosts(ctx, latest, end) {
		post, err := r.Unwrap()
		if err != nil {
			return fmt.Errorf("ingest: stream posts: %w", err)
		}
		batch = append(batch, post)
		if len(batch) == c.postBatch {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}

	c.deps.Log.Info("finished post update", "added", added)
	return nil
}

// insertBatch downloads media for each post and commits the batch in one
// transaction. A post whose media is gone upstream is recorded with
// NO_MEDIA_FOUND; any other media failure fails the whole batch.
func (c *Controller) insertBatch(ctx context.Context, batch []domain.Post) error {
	for i := range batch {
		res, err := c.deps.Media.Ensure(ctx, batch[i])
		if err != nil {
			return fmt.Errorf("ingest: %w", err)
		}
		if res == media.Missing {
			batch[i].ErrorStatus = domain.ErrorStatusNoMedia
			c.missingMedia.Inc()
		}
	}

	err := c.deps.Tx.InTx(ctx, func(ctx context.Context) error {
		return c.deps.Posts.Insert(ctx, batch)
	})
	if err != nil {
		return err
	}

	last := batch[len(batch)-1].ID
	c.latestID.Set(int64(last))
	c.ingested.Add(int64(len(batch)))
	c.deps.Log.Info("ingested posts", "count", len(batch), "latest", last)
	return nil
}

// UpdateAllPosts reconciles the id range [start, end] against upstream in
// ascending ranges, one transaction per range. start 0 means 1; end 0
// means the latest local post id.
func (c *Controller) UpdateAllPosts(ctx context.Context, start, end uint64) error {
	if start == 0 {
		start = 1
	}
	if end == 0 {
		latest, err := c.deps.Posts.LatestPostID(ctx)
		if err != nil {
			return err
		}
		end = latest
	}
	if end < start {
		return nil
	}
	c.deps.Log.Info("starting full reconcile", "start", start, "end", end)

	for lo := start; lo <= end; lo += c.rangeSize {
		hi := lo + c.rangeSize - 1
		if hi > end {
			hi = end
		}
		if err := c.reconcileRange(ctx, lo, hi); err != nil {
			return fmt.Errorf("ingest: reconcile range [%d,%d]: %w", lo, hi, err)
		}
	}

	c.deps.Log.Info("finished full reconcile", "start", start, "end", end)
	return nil
}

// reconcileRange diffs one id range and commits the repairs atomically.
func (c *Controller) reconcileRange(ctx context.Context, lo, hi uint64) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	upstream := make(map[uint64]domain.Post)
	for r := range c.deps.Feed.IteratePosts(ctx, lo-1, hi) {
		post, err := r.Unwrap()
		if err != nil {
			return err
		}
		upstream[post.ID] = post
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	local, err := c.deps.Posts.PostsInRange(ctx, lo, hi)
	if err != nil {
		return err
	}
	known := make(map[uint64]domain.Post, len(local))
	for _, p := range local {
		known[p.ID] = p
	}

	var inserts, updates []domain.Post
	var deletes, clears []uint64
	for id := lo; id <= hi; id++ {
		up, upstreamHas := upstream[id]
		loc, localHas := known[id]
		switch {
		case upstreamHas && !localHas:
			res, err := c.deps.Media.Ensure(ctx, up)
			if err != nil {
				return err
			}
			if res == media.Missing {
				up.ErrorStatus = domain.ErrorStatusNoMedia
			}
			inserts = append(inserts, up)
		case !upstreamHas && localHas:
			if !loc.Deleted {
				deletes = append(deletes, id)
			}
		case upstreamHas && localHas:
			next, changed, clear, err := c.reconcilePost(ctx, up, loc)
			if err != nil {
				return err
			}
			if changed {
				updates = append(updates, next)
			}
			if clear {
				clears = append(clears, id)
			}
		}
	}

	if len(inserts)+len(updates)+len(deletes)+len(clears) == 0 {
		return nil
	}
	err = c.deps.Tx.InTx(ctx, func(ctx context.Context) error {
		if err := c.deps.Posts.Insert(ctx, inserts); err != nil {
			return err
		}
		if err := c.deps.Posts.MarkDeleted(ctx, deletes); err != nil {
			return err
		}
		if err := c.deps.Posts.ClearFeatures(ctx, clears); err != nil {
			return err
		}
		return c.deps.Posts.UpdateBatch(ctx, updates)
	})
	if err != nil {
		return err
	}

	c.countReconciled("insert", len(inserts))
	c.countReconciled("update", len(updates))
	c.countReconciled("delete", len(deletes))
	c.deps.Log.Info("reconciled range", "lo", lo, "hi", hi,
		"inserted", len(inserts), "updated", len(updates), "deleted", len(deletes))
	return nil
}

// reconcilePost merges the upstream view into the local post. It returns
// the post to write, whether it changed, and whether its vectors must be
// cleared for re-indexing.
func (c *Controller) reconcilePost(ctx context.Context, up, local domain.Post) (domain.Post, bool, bool, error) {
	changed := false
	if local.Deleted {
		local.Deleted = false
		changed = true
	}
	if local.Flags != up.Flags {
		local.Flags = up.Flags
		changed = true
	}
	if local.Image != up.Image {
		// Upstream moved the media to a new path. The content stays the
		// same, so the cached file follows the move and the vectors stay
		// valid. A file that was never cached is fetched by Ensure below.
		if err := c.deps.Media.Rename(local, up); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return local, false, false, err
		}
		local.Image = up.Image
		local.Thumb = up.Thumb
		local.Fullsize = up.Fullsize
		local.Width = up.Width
		local.Height = up.Height
		local.Audio = up.Audio
		local.Source = up.Source
		local.Type = up.Type
		changed = true
	}

	res, err := c.deps.Media.Ensure(ctx, local)
	if err != nil {
		return local, false, false, err
	}
	status := domain.ErrorStatusNone
	if res == media.Missing {
		status = domain.ErrorStatusNoMedia
	}
	clear := false
	if status != local.ErrorStatus {
		local.ErrorStatus = status
		local.FeaturesIndexed = false
		changed = true
		clear = true
	}
	return local, changed, clear, nil
}

func (c *Controller) countReconciled(action string, n int) {
	if n == 0 {
		return
	}
	c.deps.Metrics.Counter(
		metrics.WithLabels("rep0st_posts_reconciled_total", "action", action),
		"Posts repaired by the full reconcile, by action.",
	).Add(int64(n))
}

// UpdateTags appends all tags newer than the local cursor, in committed
// batches.
func (c *Controller) UpdateTags(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	latest, err := c.deps.Tags.LatestTagID(ctx)
	if err != nil {
		return err
	}
	c.deps.Log.Info("starting tag update", "newer", latest)

	var added int
	batch := make([]domain.Tag, 0, c.tagBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := c.deps.Tx.InTx(ctx, func(ctx context.Context) error {
			return c.deps.Tags.AddAll(ctx, batch)
		})
		if err != nil {
			return err
		}
		added += len(batch)
		c.tagsIngested.Add(int64(len(batch)))
		c.deps.Log.Info("ingested tags", "count", len(batch))
		batch = batch[:0]
		return nil
	}

	for r := range c.deps.Feed.IterateTags(ctx, latest) {
		tag, err := r.Unwrap()
		if err != nil {
			return fmt.Errorf("ingest: stream tags: %w", err)
		}
		batch = append(batch, tag)
		if len(batch) == c.tagBatch {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}

	c.deps.Log.Info("finished tag update", "added", added)
	return nil
}
