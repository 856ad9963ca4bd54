package upstream

import (
	"time"

	"github.com/briandastous/bdx/pkg/model"
)

// UserProfile is the upstream provider's representation of a user (spec
// §4.9 — a capability interface, not a wire-exact DTO).
type UserProfile struct {
	ID         model.UserID
	Handle     string
	IsDeleted  bool
}

// FollowersPage is one page of a subject's followers.
type FollowersPage struct {
	Users      []UserProfile
	NextCursor string
	HasMore    bool
}

// FollowingsPage is one page of users a subject follows.
type FollowingsPage struct {
	Users      []UserProfile
	NextCursor string
	HasMore    bool
}

// Post is the upstream provider's representation of a post.
type Post struct {
	ID        model.PostID
	AuthorID  model.UserID
	PostedAt  time.Time
	Text      string
	Lang      string
	Raw       []byte
	IsDeleted bool
}

// PostsPage is one page of a posts search. WindowLimited is set when the
// provider signals its configured result-window cap (spec §4.4: "when the
// provider signals a window limit of 1000 for a query") was hit rather than
// the query being naturally exhausted; OldestPostTimestamp lets the caller
// shift the window backward with until=<oldest-1s>.
type PostsPage struct {
	Posts               []Post
	NextCursor          string
	HasMore             bool
	WindowLimited       bool
	OldestPostTimestamp time.Time
}
