// Package media caches pr0gramm media on the local filesystem and decodes
// it into raw BGR frames.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ReneHollander/rep0st/engine/domain"
	"github.com/ReneHollander/rep0st/engine/pr0gramm"
)

// Downloader fetches raw media bytes from the upstream hosts. Implemented
// by the pr0gramm client.
type Downloader interface {
	Download(ctx context.Context, kind pr0gramm.MediaKind, path string) ([]byte, error)
}

// EnsureResult describes how Ensure satisfied a request.
type EnsureResult int

const (
	// Hit means the media file was already on disk.
	Hit EnsureResult = iota
	// Fetched means the media file was downloaded.
	Fetched
	// Missing means upstream no longer serves the media.
	Missing
)

func (r EnsureResult) String() string {
	switch r {
	case Hit:
		return "hit"
	case Fetched:
		return "fetched"
	case Missing:
		return "missing"
	default:
		return fmt.Sprintf("EnsureResult(%d)", int(r))
	}
}

// Store maps the relative media paths of posts onto a local directory
// tree. The primary media of a post lives at root/<image>, the optional
// fullsize variant at root/full/<fullsize>.
type Store struct {
	root string
	dl   Downloader
	log  *slog.Logger
}

func NewStore(root string, dl Downloader, log *slog.Logger) *Store {
	return &Store{root: root, dl: dl, log: log}
}

// Path returns the location of the primary media file of the post.
func (s *Store) Path(post domain.Post) string {
	return filepath.Join(s.root, filepath.FromSlash(post.Image))
}

// FullsizePath returns the location of the fullsize variant.
func (s *Store) FullsizePath(post domain.Post) string {
	return filepath.Join(s.root, "full", filepath.FromSlash(post.Fullsize))
}

// Ensure makes the media of the post available locally. The fullsize
// variant is fetched on top of the primary media when the post has one;
// its failure never fails the post. Media of posts marked MEDIA_BROKEN is
// downloaded again even when a file exists, in case upstream has replaced
// it. A 404 on the primary media reports Missing without an error.
func (s *Store) Ensure(ctx context.Context, post domain.Post) (EnsureResult, error) {
	if post.HasFullsize() {
		if _, err := s.fetch(ctx, pr0gramm.KindFullsize, post.Fullsize, s.FullsizePath(post), false); err != nil {
			s.log.Warn("fullsize download failed, keeping the resized image",
				"post", post.ID, "path", post.Fullsize, "error", err)
		}
	}

	force := post.ErrorStatus == domain.ErrorStatusMediaBroken
	fetched, err := s.fetch(ctx, kindForType(post.Type), post.Image, s.Path(post), force)
	switch {
	case errors.Is(err, domain.ErrUpstreamNotFound):
		return Missing, nil
	case err != nil:
		return 0, domain.NewPostError(post.ID, "ensure media", err)
	case fetched:
		return Fetched, nil
	default:
		return Hit, nil
	}
}

// fetch downloads remote into dest unless the file already exists.
// Reports whether a download happened.
func (s *Store) fetch(ctx context.Context, kind pr0gramm.MediaKind, remote, dest string, force bool) (bool, error) {
	if !force {
		if _, err := os.Stat(dest); err == nil {
			return false, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("media: stat %s: %w: %w", dest, domain.ErrMediaIO, err)
		}
	}
	data, err := s.dl.Download(ctx, kind, remote)
	if err != nil {
		return false, err
	}
	if err := writeAtomic(dest, data); err != nil {
		return false, fmt.Errorf("media: write %s: %w: %w", dest, domain.ErrMediaIO, err)
	}
	return true, nil
}

// Rename moves the media file when upstream changes the media path of a
// post. On failure the old file stays in place.
func (s *Store) Rename(oldPost, newPost domain.Post) error {
	if oldPost.ID != newPost.ID {
		return fmt.Errorf("media: rename across posts %d and %d", oldPost.ID, newPost.ID)
	}
	oldPath, newPath := s.Path(oldPost), s.Path(newPost)
	if oldPath == newPath {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil {
		return fmt.Errorf("media: rename %s: %w: %w", oldPath, domain.ErrMediaIO, err)
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("media: rename %s to %s: %w: %w", oldPath, newPath, domain.ErrMediaIO, err)
	}
	return nil
}

// Read opens the media of the post for decoding. The fullsize file is
// preferred when it is on disk.
func (s *Store) Read(post domain.Post) (io.ReadCloser, error) {
	path := s.Path(post)
	if post.HasFullsize() {
		full := s.FullsizePath(post)
		if _, err := os.Stat(full); err == nil {
			path = full
		} else {
			s.log.Warn("fullsize file missing, falling back to the resized image",
				"post", post.ID, "path", full)
		}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("media: open %s: %w: %w", path, domain.ErrMediaIO, err)
	}
	return f, nil
}

// Animated posts are served from the image host like stills.
func kindForType(t domain.PostType) pr0gramm.MediaKind {
	if t == domain.TypeVideo {
		return pr0gramm.KindVideo
	}
	return pr0gramm.KindImage
}

func writeAtomic(dest string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}
