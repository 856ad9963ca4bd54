package model

import "time"

// User mirrors the users table (spec §3). HandleNorm is always
// strings.ToLower(Handle) and is maintained by the store, never set directly
// by callers.
type User struct {
	ID            UserID
	Handle        *string
	HandleNorm    *string
	IsDeleted     bool
	LastIngestRef *IngestEventID
	UpdatedAt     time.Time
}

// HandleHistoryEntry records a handle change, written as part of the
// handle-theft transaction in the store (spec §4.3).
type HandleHistoryEntry struct {
	UserID     UserID
	OldHandle  string
	NewHandle  string
	RecordedAt time.Time
}

// Follow mirrors the follows table. A row is unique by (TargetID,
// FollowerID); IsDeleted marks a soft-deleted (then possibly revived) edge.
type Follow struct {
	TargetID   UserID
	FollowerID UserID
	IsDeleted  bool
	UpdatedAt  time.Time
}

// Post mirrors the posts table. AuthorID and PostedAt are immutable once
// created; re-ingesting the same id never changes them (spec §3).
type Post struct {
	ID        PostID
	AuthorID  UserID
	PostedAt  time.Time
	Text      string
	Lang      string
	Raw       []byte
	IsDeleted bool
	UpdatedAt time.Time
}
