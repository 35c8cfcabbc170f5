package pr0gramm

import (
	"context"
	"sort"

	"github.com/ReneHollander/rep0st/engine/domain"
	"github.com/ReneHollander/rep0st/pkg/fn"
)

// IteratePosts streams posts with ids greater than newer, ascending, until
// the feed reports its newest post, end is passed (0 = unbounded), or ctx
// is cancelled. The stream is single-pass; a failed walk is resumed by
// re-invoking with the last id seen. The configured LimitIDTo caps end.
func (c *Client) IteratePosts(ctx context.Context, newer, end uint64) <-chan fn.Result[domain.Post] {
	ch := make(chan fn.Result[domain.Post], 32)

	if c.cfg.LimitIDTo > 0 && (end == 0 || end > c.cfg.LimitIDTo) {
		end = c.cfg.LimitIDTo
	}

	go func() {
		defer close(ch)

		cursor := newer
		for {
			if ctx.Err() != nil {
				return
			}
			page, err := c.items(ctx, cursor)
			if err != nil {
				select {
				case ch <- fn.Err[domain.Post](err):
				case <-ctx.Done():
				}
				return
			}
			if len(page.Items) == 0 {
				return
			}

			items := page.Items
			sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
			for _, it := range items {
				if end > 0 && it.ID > end {
					return
				}
				if it.ID > cursor {
					cursor = it.ID
				}
				select {
				case ch <- fn.Ok(it.toPost()):
				case <-ctx.Done():
					return
				}
			}
			if page.AtStart {
				return
			}
		}
	}()

	return ch
}

// IterateTags streams tags with ids greater than newer. Exhausted when a
// page comes back empty.
func (c *Client) IterateTags(ctx context.Context, newer uint64) <-chan fn.Result[domain.Tag] {
	ch := make(chan fn.Result[domain.Tag], 32)

	go func() {
		defer close(ch)

		cursor := newer
		for {
			if ctx.Err() != nil {
				return
			}
			tags, err := c.tags(ctx, cursor)
			if err != nil {
				select {
				case ch <- fn.Err[domain.Tag](err):
				case <-ctx.Done():
				}
				return
			}
			if len(tags) == 0 {
				return
			}
			for _, t := range tags {
				if t.ID > cursor {
					cursor = t.ID
				}
				select {
				case ch <- fn.Ok(t):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch
}
