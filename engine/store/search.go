package store

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/ReneHollander/rep0st/engine/domain"
)

// SearchResult pairs a post with its similarity to the query vector:
// 1 for an identical vector, falling towards 0 at the largest possible
// L2 distance, sqrt(108).
type SearchResult struct {
	Score float32
	Post  domain.Post
}

// SearchPosts returns the posts of the given type nearest to vec, best
// match first. A nonzero flags mask keeps only posts sharing a flag bit.
// efSearch > 0 tunes HNSW recall for this query; exact disables index
// scans to force an exhaustive search. Deleted posts are never returned.
func (r *PostRepository) SearchPosts(ctx context.Context, postType domain.PostType, vec []float32, flags domain.Flags, exact bool, efSearch, limit int) ([]SearchResult, error) {
	if len(vec) != domain.FeatureDim {
		return nil, fmt.Errorf("store: search vector has %d dims, want %d", len(vec), domain.FeatureDim)
	}

	var results []SearchResult
	err := r.s.InTx(ctx, func(ctx context.Context) error {
		q := r.s.q(ctx)
		if efSearch > 0 {
			if _, err := q.Exec(ctx, fmt.Sprintf(`SET LOCAL hnsw.ef_search = %d`, efSearch)); err != nil {
				return fmt.Errorf("set ef_search: %w", err)
			}
		}
		if exact {
			if _, err := q.Exec(ctx, `SET LOCAL enable_indexscan = off`); err != nil {
				return fmt.Errorf("disable index scan: %w", err)
			}
		}

		args := []any{pgvector.NewVector(vec), postType}
		sql := `SELECT 1 - (fv.vec <-> $1) / sqrt(108.0) AS score, ` + postCols + `
			FROM feature_vector fv
			JOIN post p ON p.id = fv.post_id
			WHERE fv.post_type = $2 AND p.deleted = false`
		if flags != 0 {
			args = append(args, flags)
			sql += fmt.Sprintf(` AND (p.flags & $%d) > 0`, len(args))
		}
		args = append(args, limit)
		sql += fmt.Sprintf(` ORDER BY fv.vec <-> $1 LIMIT $%d`, len(args))

		rows, err := q.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var sr SearchResult
			var score float64
			if err := rows.Scan(append([]any{&score}, postFields(&sr.Post)...)...); err != nil {
				return err
			}
			sr.Score = float32(score)
			results = append(results, sr)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("store: search posts: %w", err)
	}
	return results, nil
}
