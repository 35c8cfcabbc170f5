// Package domain defines the core rep0st entities (Post, FeatureVector, Tag)
// and the shared error taxonomy. It has no dependencies on storage or
// transport; those layers translate to and from these types.
package domain

import (
	"strings"
	"time"
)

// PostType classifies a post by its media container, derived from the
// extension of the Image path.
type PostType string

const (
	TypeImage    PostType = "IMAGE"
	TypeAnimated PostType = "ANIMATED"
	TypeVideo    PostType = "VIDEO"
	TypeUnknown  PostType = "UNKNOWN"
)

// TypeFromImage derives the PostType from a media path.
func TypeFromImage(image string) PostType {
	idx := strings.LastIndexByte(image, '.')
	if idx < 0 {
		return TypeUnknown
	}
	switch strings.ToLower(image[idx+1:]) {
	case "jpg", "jpeg", "png":
		return TypeImage
	case "gif":
		return TypeAnimated
	case "mp4", "webm":
		return TypeVideo
	default:
		return TypeUnknown
	}
}

// ErrorStatus records why a post has no usable features. Empty means no error.
type ErrorStatus string

const (
	ErrorStatusNone        ErrorStatus = ""
	ErrorStatusNoMedia     ErrorStatus = "NO_MEDIA_FOUND"
	ErrorStatusMediaBroken ErrorStatus = "MEDIA_BROKEN"
)

// Post is one upstream item. IDs are assigned upstream, monotonic but
// non-dense. Posts are never deleted locally, only marked Deleted.
type Post struct {
	ID              uint64      `json:"id"`
	Created         time.Time   `json:"created"`
	Image           string      `json:"image"`
	Thumb           string      `json:"thumb,omitempty"`
	Fullsize        string      `json:"fullsize,omitempty"`
	Width           uint32      `json:"width"`
	Height          uint32      `json:"height"`
	Audio           bool        `json:"audio"`
	Source          string      `json:"source,omitempty"`
	Flags           Flags       `json:"flags"`
	User            string      `json:"user"`
	Type            PostType    `json:"type"`
	ErrorStatus     ErrorStatus `json:"-"`
	Deleted         bool        `json:"-"`
	FeaturesIndexed bool        `json:"-"`
}

// HasFullsize reports whether a separate fullsize file exists upstream.
func (p Post) HasFullsize() bool { return p.Fullsize != "" }
