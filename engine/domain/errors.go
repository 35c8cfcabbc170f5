package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure classes the pipelines distinguish.
var (
	// ErrUpstreamAuth means login was rejected (bad credentials or ban).
	// Never retried.
	ErrUpstreamAuth = errors.New("upstream authentication failed")
	// ErrUpstreamTransient means repeated network/HTTP failures exhausted
	// the retry budget. The next scheduled run retries the whole batch.
	ErrUpstreamTransient = errors.New("upstream temporarily unavailable")
	// ErrUpstreamNotFound means the upstream returned 404 for a media path.
	ErrUpstreamNotFound = errors.New("upstream media not found")
	// ErrMediaIO means a local filesystem operation on cached media failed.
	ErrMediaIO = errors.New("media io failure")
	// ErrDecode means media bytes could not be decoded into frames.
	ErrDecode = errors.New("media decode failed")
	// ErrNotFound means the requested record does not exist locally.
	ErrNotFound = errors.New("not found")
	// ErrInvalidImage means a user-supplied search image is not decodable.
	ErrInvalidImage = errors.New("invalid image")
)

// PostError wraps a sentinel with the post it concerns.
type PostError struct {
	PostID  uint64
	Op      string
	Wrapped error
}

func (e *PostError) Error() string {
	return fmt.Sprintf("post %d: %s: %s", e.PostID, e.Op, e.Wrapped)
}

func (e *PostError) Unwrap() error { return e.Wrapped }

// NewPostError creates a PostError.
func NewPostError(postID uint64, op string, wrapped error) *PostError {
	return &PostError{PostID: postID, Op: op, Wrapped: wrapped}
}

// FlagError reports an unknown rating name in a flag list.
type FlagError struct {
	Name string
}

func (e *FlagError) Error() string { return fmt.Sprintf("unknown flag %q", e.Name) }

// NewFlagError creates a FlagError.
func NewFlagError(name string) *FlagError {
	return &FlagError{Name: name}
}
