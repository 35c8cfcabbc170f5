package pr0gramm

import (
	"time"

	"github.com/ReneHollander/rep0st/engine/domain"
)

// item is one feed entry as served by {api}/items/get.
type item struct {
	ID       uint64 `json:"id"`
	Created  int64  `json:"created"`
	Image    string `json:"image"`
	Thumb    string `json:"thumb"`
	Fullsize string `json:"fullsize"`
	Width    uint32 `json:"width"`
	Height   uint32 `json:"height"`
	Audio    bool   `json:"audio"`
	Source   string `json:"source"`
	Flags    uint32 `json:"flags"`
	User     string `json:"user"`
}

// itemsResponse is the feed page envelope. atStart=true means the page
// contains the newest post, so a newer-than walk is exhausted.
type itemsResponse struct {
	AtStart bool   `json:"atStart"`
	AtEnd   bool   `json:"atEnd"`
	Items   []item `json:"items"`
}

// apiTag is one entry of {api}/tags/latest.
type apiTag struct {
	ID         uint64  `json:"id"`
	ItemID     uint64  `json:"itemId"`
	Up         int32   `json:"up"`
	Down       int32   `json:"down"`
	Confidence float32 `json:"confidence"`
	Tag        string  `json:"tag"`
}

type tagsResponse struct {
	Tags []apiTag `json:"tags"`
}

// loginResponse is returned by POST {api}/user/login.
type loginResponse struct {
	Success bool      `json:"success"`
	Ban     *loginBan `json:"ban"`
}

type loginBan struct {
	Banned bool   `json:"banned"`
	Reason string `json:"reason"`
}

func (it item) toPost() domain.Post {
	return domain.Post{
		ID:       it.ID,
		Created:  time.Unix(it.Created, 0).UTC(),
		Image:    it.Image,
		Thumb:    it.Thumb,
		Fullsize: it.Fullsize,
		Width:    it.Width,
		Height:   it.Height,
		Audio:    it.Audio,
		Source:   it.Source,
		Flags:    domain.Flags(it.Flags),
		User:     it.User,
		Type:     domain.TypeFromImage(it.Image),
	}
}

func (t apiTag) toTag() domain.Tag {
	return domain.Tag{
		ID:         t.ID,
		PostID:     t.ItemID,
		Tag:        t.Tag,
		Up:         t.Up,
		Down:       t.Down,
		Confidence: t.Confidence,
	}
}
