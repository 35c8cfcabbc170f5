package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ReneHollander/rep0st/engine/domain"
)

// TagRepository writes upstream tag assignments.
type TagRepository struct {
	s *Store
}

// LatestTagID returns the highest known tag id, 0 when the table is empty.
func (r *TagRepository) LatestTagID(ctx context.Context) (uint64, error) {
	var id uint64
	err := r.s.q(ctx).QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM tag`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: latest tag id: %w", err)
	}
	return id, nil
}

// AddAll inserts tags in one round trip, skipping ids already present.
func (r *TagRepository) AddAll(ctx context.Context, tags []domain.Tag) error {
	if len(tags) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, t := range tags {
		b.Queue(`INSERT INTO tag (id, post_id, tag, up, down, confidence)
			VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`,
			t.ID, t.PostID, t.Tag, t.Up, t.Down, t.Confidence)
	}
	if err := execBatch(ctx, r.s, b); err != nil {
		return fmt.Errorf("store: add %d tags: %w", len(tags), err)
	}
	return nil
}
