package model

import "time"

// IngestKind enumerates the sync-run kinds named in spec §6.
type IngestKind string

const (
	IngestKindUserFollowers IngestKind = "twitterio_api_user_followers"
	IngestKindUserFollowing IngestKind = "twitterio_api_user_followings"
	IngestKindUsersPosts    IngestKind = "twitterio_api_users_posts"
	IngestKindUsersByIDs    IngestKind = "twitterio_api_users_by_ids"
	IngestKindPostsByIDs    IngestKind = "twitterio_api_posts_by_ids"
	IngestKindWebhookFollow IngestKind = "ifttt_webhook_new_follow"
)

// SyncMode distinguishes a full reconciliation pass from an incremental,
// cursor-only pass (spec §4.4, §4.5).
type SyncMode string

const (
	SyncModeFull        SyncMode = "full_refresh"
	SyncModeIncremental  SyncMode = "incremental"
)

// IngestStatus tracks a sync run's lifecycle. The invariant
// (status=in_progress) <=> (completed_at is null) is enforced by the store.
type IngestStatus string

const (
	IngestStatusInProgress IngestStatus = "in_progress"
	IngestStatusSuccess    IngestStatus = "success"
	IngestStatusError      IngestStatus = "error"
)

// HTTPSnapshot captures the last request/response pair for an ingest run,
// capped to retention.http_body_max_bytes (spec §4.4, §6).
type HTTPSnapshot struct {
	RequestMethod string
	RequestURL    string
	RequestBody   []byte
	StatusCode    int
	ResponseBody  []byte
	CapturedAt    time.Time
}

// IngestRun is the per-kind child row alongside the parent IngestEvent.
type IngestRun struct {
	ID                         IngestEventID
	Kind                       IngestKind
	TargetUserID               UserID // zero for batch-style kinds (users-by-ids, posts-by-ids)
	Mode                       SyncMode
	Status                     IngestStatus
	CursorExhausted            bool
	LastAPIStatus              int
	LastAPIError               string
	LastSnapshot               *HTTPSnapshot
	SyncedSince                *time.Time // posts only
	RequestedByMaterializationID *AssetMaterializationID
	CreatedAt                  time.Time
	CompletedAt                *time.Time
}
