// Package storage defines the persistence façade described in spec §4.3: a
// narrow Store interface with per-entity functions returning plain records,
// implemented by pkg/storage/postgres (production) and pkg/storage/memory
// (tests). Mutations happen inside transactions via WithTx, which nests atop
// a caller-supplied transaction or starts a fresh one, mirroring the
// teacher's BaseStore.WithTx/TxFromContext pattern.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/briandastous/bdx/pkg/model"
)

// ErrNotFound is returned by single-row lookups when nothing matches.
var ErrNotFound = errors.New("storage: not found")

// Querier is the common subset of *sql.DB and *sql.Tx used by the store
// implementations, mirroring the teacher's storage.Querier.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// UpsertUserInput is the per-user data the ingest services supply to
// UpsertUser. HandleTheft semantics (spec §4.3) apply only when Handle is
// non-nil.
type UpsertUserInput struct {
	ID            model.UserID
	Handle        *string
	LastIngestRef *model.IngestEventID
}

// FollowsFullRefreshInput names the active counterpart set for a
// full-refresh reconciliation pass (spec §4.3).
type FollowsFullRefreshInput struct {
	Subject       model.UserID
	IsFollowers   bool // true: Subject is the target, Counterparts are followers; false: Subject is the follower, Counterparts are followed
	Counterparts  []model.UserID
}

// UpsertPostInput is the per-post data an ingest service supplies.
type UpsertPostInput struct {
	ID       model.PostID
	AuthorID model.UserID
	PostedAt time.Time
	Text     string
	Lang     string
	Raw      []byte
}

// SocialGraphStore is the user/follow/post persistence surface (spec §4.3).
type SocialGraphStore interface {
	// UpsertUser applies handle-theft semantics in one transaction: if
	// Handle is non-nil and held by a different user, that user's handle is
	// cleared and both users get a handle-history row; the incoming user is
	// then upserted with IsDeleted=false.
	UpsertUser(ctx context.Context, in UpsertUserInput) error
	GetUser(ctx context.Context, id model.UserID) (model.User, error)
	HandleHistory(ctx context.Context, id model.UserID) ([]model.HandleHistoryEntry, error)

	// ReconcileFollowsFull soft-deletes edges not present in in.Counterparts
	// and upserts/revives the rest, in one transaction (spec §4.3).
	ReconcileFollowsFull(ctx context.Context, in FollowsFullRefreshInput) error
	// UpsertFollowsIncremental upserts/revives edges without soft-deleting
	// anything; returns how many of the counterparts were previously absent
	// or soft-deleted (new to this page), so ingest can detect "no new".
	UpsertFollowsIncremental(ctx context.Context, subject model.UserID, isFollowers bool, counterparts []model.UserID) (newCount int, err error)
	HasFullRefreshSuccess(ctx context.Context, subject model.UserID, kind model.IngestKind) (bool, error)

	ActiveFollowerIDs(ctx context.Context, subject model.UserID) ([]model.UserID, error)
	ActiveFollowingIDs(ctx context.Context, subject model.UserID) ([]model.UserID, error)

	UpsertPosts(ctx context.Context, posts []UpsertPostInput) error
	ActivePostIDsByAuthors(ctx context.Context, authorIDs []model.UserID) ([]model.PostID, error)

	// InsertWebhookFollow records an ifttt_webhook_new_follow ingest event and
	// the follow edge it names, in one transaction (spec §6).
	InsertWebhookFollow(ctx context.Context, follower, target model.UserID) error
}

// IngestRunStore persists ingest run rows (spec §4.3, §4.4).
type IngestRunStore interface {
	// CreateIngestRun inserts a parent IngestEvent and kind-specific child
	// row with status=in_progress, in one transaction.
	CreateIngestRun(ctx context.Context, kind model.IngestKind, targetUserID model.UserID, mode model.SyncMode) (model.IngestRun, error)
	UpdateIngestRunSnapshot(ctx context.Context, id model.IngestEventID, snap model.HTTPSnapshot) error
	CompleteIngestRunSuccess(ctx context.Context, id model.IngestEventID, cursorExhausted bool, syncedSince *time.Time) error
	CompleteIngestRunError(ctx context.Context, id model.IngestEventID, apiStatus int, apiError string) error
	AttachRequester(ctx context.Context, id model.IngestEventID, requestedBy model.AssetMaterializationID) error
	LatestSuccessfulRun(ctx context.Context, kind model.IngestKind, targetUserID model.UserID) (model.IngestRun, bool, error)
	GetIngestRun(ctx context.Context, id model.IngestEventID) (model.IngestRun, error)
}

// AssetStore persists params/instances/roots/materializations/membership and
// events (spec §3, §4.3).
type AssetStore interface {
	GetOrCreateParams(ctx context.Context, params model.AssetParams) (model.AssetParams, error)
	GetOrCreateInstance(ctx context.Context, paramsID model.AssetParamsID) (model.AssetInstance, error)
	GetInstance(ctx context.Context, id model.AssetInstanceID) (model.AssetInstance, error)
	GetParams(ctx context.Context, id model.AssetParamsID) (model.AssetParams, error)
	// SetSpecifiedInputs replaces the operator-supplied user id set stored
	// alongside a segment_specified_users params row. The params identity
	// (stable_key, params_hash) is unchanged; only the inputs-hash
	// contribution moves, which is what makes scenario-style input mutation
	// produce a new materialization.
	SetSpecifiedInputs(ctx context.Context, paramsID model.AssetParamsID, userIDs []model.UserID) error

	EnableRoot(ctx context.Context, instanceID model.AssetInstanceID) (model.AssetInstanceRoot, error)
	DisableRoot(ctx context.Context, instanceID model.AssetInstanceID) error
	EnabledRoots(ctx context.Context) ([]model.AssetInstanceRoot, error)

	EnableFanoutRoot(ctx context.Context, sourceInstanceID model.AssetInstanceID, targetSlug model.AssetSlug, mode model.FanoutMode) (model.AssetInstanceFanoutRoot, error)
	DisableFanoutRoot(ctx context.Context, sourceInstanceID model.AssetInstanceID, targetSlug model.AssetSlug, mode model.FanoutMode) error
	EnabledFanoutRoots(ctx context.Context) ([]model.AssetInstanceFanoutRoot, error)

	LatestSuccessfulMaterialization(ctx context.Context, instanceID model.AssetInstanceID) (model.AssetMaterialization, bool, error)
	GetMaterialization(ctx context.Context, id model.AssetMaterializationID) (model.AssetMaterialization, error)

	// BeginMaterialization inserts a new in_progress AssetMaterialization row
	// plus its dependency and requester edges.
	BeginMaterialization(ctx context.Context, m model.AssetMaterialization, depEdges []model.DependencyEdge, requestEdges []model.RequestEdge) (model.AssetMaterializationID, error)

	// CompleteMaterialization writes the membership snapshot replace,
	// enter/exit events, status flip to success, output revision, and
	// instance checkpoint advance all in one transaction (spec §4.6 step 6).
	CompleteMaterialization(ctx context.Context, id model.AssetMaterializationID, outputRevision int64, membership []model.MembershipRow, enters []model.EnterEvent, exits []model.ExitEvent) error
	FailMaterialization(ctx context.Context, id model.AssetMaterializationID, errorPayload string) error

	CurrentMembership(ctx context.Context, instanceID model.AssetInstanceID) ([]model.ItemID, error)
	// AsOfMembership reconstructs the membership current at
	// targetMaterializationID by replaying events from the earliest
	// successful materialization forward (spec §4.3, glossary).
	AsOfMembership(ctx context.Context, instanceID model.AssetInstanceID, targetMaterializationID model.AssetMaterializationID) ([]model.ItemID, error)
	// EverAppeared reports whether itemID has ever been recorded in an
	// AssetEnterEvent for instanceID, across any prior root enable/disable
	// cycle (spec §9 open question, resolved history-preserving in
	// SPEC_FULL.md).
	EverAppeared(ctx context.Context, instanceID model.AssetInstanceID, itemID model.ItemID) (bool, error)

	// RecordPlannerEvent records a non-fatal per-instance skip/defer/warning for
	// operator visibility (validation issues, deferred ingests, skipped
	// instances per spec §4.6 step 2/4).
	RecordPlannerEvent(ctx context.Context, instanceID model.AssetInstanceID, kind, detail string) error
}

// AdvisoryLocker wraps Postgres session-level advisory locks (spec §5). Keys
// are the literal strings named in spec §5 (e.g. "bdx:migrations",
// "ingest:twitterio_api_user_followers:42", "materialize:7",
// "retention:cleanup"); the Postgres implementation hashes them with the
// server-side hashtext() function so the keyspace is partitioned by prefix
// exactly as spec'd. TryLock must be released (Unlock) on every exit path
// from the same logical connection/session that acquired it.
type AdvisoryLocker interface {
	TryLock(ctx context.Context, key string) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// Store is the full persistence façade the engine, ingest services, and
// prerequisite resolver depend on.
type Store interface {
	SocialGraphStore
	IngestRunStore
	AssetStore
	AdvisoryLocker

	// WithTx runs fn inside a transaction, nesting atop a caller-supplied
	// transaction already in ctx or starting a fresh one (teacher's
	// BaseStore.WithTx pattern).
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}
