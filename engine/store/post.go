package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ReneHollander/rep0st/engine/domain"
)

// PostRepository reads and writes post rows. All methods honor a
// transaction carried by ctx.
type PostRepository struct {
	s *Store
}

const postCols = `p.id, p.created, p.image, p.thumb, COALESCE(p.fullsize, ''), p.width, p.height,
	p.audio, COALESCE(p.source, ''), p.flags, p."user", p.type, COALESCE(p.error_status, ''),
	p.deleted, p.features_indexed`

// postFields returns scan destinations in postCols order.
func postFields(p *domain.Post) []any {
	return []any{&p.ID, &p.Created, &p.Image, &p.Thumb, &p.Fullsize, &p.Width, &p.Height,
		&p.Audio, &p.Source, &p.Flags, &p.User, &p.Type, &p.ErrorStatus,
		&p.Deleted, &p.FeaturesIndexed}
}

func scanPost(row pgx.Row) (domain.Post, error) {
	var p domain.Post
	err := row.Scan(postFields(&p)...)
	return p, err
}

func collectPosts(rows pgx.Rows, err error) ([]domain.Post, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var posts []domain.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

const insertPostSQL = `INSERT INTO post
	(id, created, image, thumb, fullsize, width, height, audio, source, flags, "user", type, error_status, deleted, features_indexed)
	VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, NULLIF($9, ''), $10, $11, $12, NULLIF($13, ''), $14, $15)`

const updatePostSQL = `UPDATE post
	SET created = $2, image = $3, thumb = $4, fullsize = NULLIF($5, ''), width = $6, height = $7,
	    audio = $8, source = NULLIF($9, ''), flags = $10, "user" = $11, type = $12,
	    error_status = NULLIF($13, ''), deleted = $14, features_indexed = $15
	WHERE id = $1`

func postArgs(p domain.Post) []any {
	return []any{p.ID, p.Created, p.Image, p.Thumb, p.Fullsize, p.Width, p.Height,
		p.Audio, p.Source, p.Flags, p.User, p.Type, p.ErrorStatus,
		p.Deleted, p.FeaturesIndexed}
}

// LatestPostID returns the highest known post id, 0 when the table is empty.
func (r *PostRepository) LatestPostID(ctx context.Context) (uint64, error) {
	var id uint64
	err := r.s.q(ctx).QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM post`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: latest post id: %w", err)
	}
	return id, nil
}

// LatestPostIDWithFeatures returns the highest image post id that is
// indexed, 0 when none. Images only; they are the searchable subset.
func (r *PostRepository) LatestPostIDWithFeatures(ctx context.Context) (uint64, error) {
	var id uint64
	err := r.s.q(ctx).QueryRow(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM post WHERE type = 'IMAGE' AND features_indexed = true`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: latest post id with features: %w", err)
	}
	return id, nil
}

// Count returns the number of posts.
func (r *PostRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.s.q(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM post`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: post count: %w", err)
	}
	return n, nil
}

// CountWithFeatures returns the number of indexed image posts.
func (r *PostRepository) CountWithFeatures(ctx context.Context) (int64, error) {
	var n int64
	err := r.s.q(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM post WHERE type = 'IMAGE' AND features_indexed = true`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: post count with features: %w", err)
	}
	return n, nil
}

// Get returns the post with the given id, or domain.ErrNotFound.
func (r *PostRepository) Get(ctx context.Context, id uint64) (domain.Post, error) {
	p, err := scanPost(r.s.q(ctx).QueryRow(ctx, `SELECT `+postCols+` FROM post p WHERE p.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Post{}, fmt.Errorf("store: post %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Post{}, fmt.Errorf("store: get post %d: %w", id, err)
	}
	return p, nil
}

// GetByIDs returns the posts with the given ids, ordered by id. Unknown
// ids are silently absent from the result.
func (r *PostRepository) GetByIDs(ctx context.Context, ids []uint64) ([]domain.Post, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	posts, err := collectPosts(r.s.q(ctx).Query(ctx,
		`SELECT `+postCols+` FROM post p WHERE p.id = ANY($1) ORDER BY p.id`, ids))
	if err != nil {
		return nil, fmt.Errorf("store: get posts by ids: %w", err)
	}
	return posts, nil
}

// PostsInRange returns the posts with start <= id <= end, ordered by id.
func (r *PostRepository) PostsInRange(ctx context.Context, start, end uint64) ([]domain.Post, error) {
	posts, err := collectPosts(r.s.q(ctx).Query(ctx,
		`SELECT `+postCols+` FROM post p WHERE p.id BETWEEN $1 AND $2 ORDER BY p.id`, start, end))
	if err != nil {
		return nil, fmt.Errorf("store: posts in range [%d,%d]: %w", start, end, err)
	}
	return posts, nil
}

// MissingFeatures returns up to limit posts that still need indexing,
// ordered by id ascending. A non-empty postType restricts the media type.
func (r *PostRepository) MissingFeatures(ctx context.Context, postType domain.PostType, limit int) ([]domain.Post, error) {
	q := `SELECT ` + postCols + ` FROM post p
		WHERE p.error_status IS NULL AND p.deleted = false AND p.features_indexed = false`
	var args []any
	if postType != "" {
		args = append(args, postType)
		q += fmt.Sprintf(` AND p.type = $%d`, len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY p.id LIMIT $%d`, len(args))

	posts, err := collectPosts(r.s.q(ctx).Query(ctx, q, args...))
	if err != nil {
		return nil, fmt.Errorf("store: posts missing features: %w", err)
	}
	return posts, nil
}

// Insert writes new posts in one round trip.
func (r *PostRepository) Insert(ctx context.Context, posts []domain.Post) error {
	if len(posts) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, p := range posts {
		b.Queue(insertPostSQL, postArgs(p)...)
	}
	if err := execBatch(ctx, r.s, b); err != nil {
		return fmt.Errorf("store: insert %d posts: %w", len(posts), err)
	}
	return nil
}

// Update rewrites one post, or returns domain.ErrNotFound.
func (r *PostRepository) Update(ctx context.Context, post domain.Post) error {
	tag, err := r.s.q(ctx).Exec(ctx, updatePostSQL, postArgs(post)...)
	if err != nil {
		return fmt.Errorf("store: update post %d: %w", post.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: update post %d: %w", post.ID, domain.ErrNotFound)
	}
	return nil
}

// UpdateBatch rewrites posts in one round trip.
func (r *PostRepository) UpdateBatch(ctx context.Context, posts []domain.Post) error {
	if len(posts) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, p := range posts {
		b.Queue(updatePostSQL, postArgs(p)...)
	}
	if err := execBatch(ctx, r.s, b); err != nil {
		return fmt.Errorf("store: update %d posts: %w", len(posts), err)
	}
	return nil
}

// MarkDeleted marks posts as deleted upstream and drops their vectors.
func (r *PostRepository) MarkDeleted(ctx context.Context, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	return r.s.InTx(ctx, func(ctx context.Context) error {
		q := r.s.q(ctx)
		if _, err := q.Exec(ctx, `DELETE FROM feature_vector WHERE post_id = ANY($1)`, ids); err != nil {
			return fmt.Errorf("store: drop vectors of deleted posts: %w", err)
		}
		if _, err := q.Exec(ctx, `UPDATE post SET deleted = true, features_indexed = false WHERE id = ANY($1)`, ids); err != nil {
			return fmt.Errorf("store: mark posts deleted: %w", err)
		}
		return nil
	})
}

// ClearFeatures drops the vectors of the given posts and queues them for
// re-indexing.
func (r *PostRepository) ClearFeatures(ctx context.Context, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	return r.s.InTx(ctx, func(ctx context.Context) error {
		q := r.s.q(ctx)
		if _, err := q.Exec(ctx, `DELETE FROM feature_vector WHERE post_id = ANY($1)`, ids); err != nil {
			return fmt.Errorf("store: clear vectors: %w", err)
		}
		if _, err := q.Exec(ctx, `UPDATE post SET features_indexed = false WHERE id = ANY($1)`, ids); err != nil {
			return fmt.Errorf("store: reset indexed flag: %w", err)
		}
		return nil
	})
}

// execBatch sends b and surfaces the first statement error.
func execBatch(ctx context.Context, s *Store, b *pgx.Batch) error {
	br := s.q(ctx).SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return err
		}
	}
	return br.Close()
}
