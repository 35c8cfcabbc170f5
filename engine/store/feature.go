package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ReneHollander/rep0st/engine/domain"
)

// FeatureVectorRepository writes extracted frame vectors. Vectors are
// only ever read through PostRepository.SearchPosts.
type FeatureVectorRepository struct {
	s *Store
}

// AddAll inserts vectors in one round trip.
func (r *FeatureVectorRepository) AddAll(ctx context.Context, vectors []domain.FeatureVector) error {
	if len(vectors) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, v := range vectors {
		b.Queue(`INSERT INTO feature_vector (post_id, id, post_type, vec) VALUES ($1, $2, $3, $4)`,
			v.PostID, v.ID, v.PostType, pgvector.NewVector(v.Vec))
	}
	if err := execBatch(ctx, r.s, b); err != nil {
		return fmt.Errorf("store: add %d feature vectors: %w", len(vectors), err)
	}
	return nil
}

// DeleteByPost removes every vector of the given posts.
func (r *FeatureVectorRepository) DeleteByPost(ctx context.Context, postIDs []uint64) error {
	if len(postIDs) == 0 {
		return nil
	}
	if _, err := r.s.q(ctx).Exec(ctx, `DELETE FROM feature_vector WHERE post_id = ANY($1)`, postIDs); err != nil {
		return fmt.Errorf("store: delete feature vectors: %w", err)
	}
	return nil
}
