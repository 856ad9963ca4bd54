package model

import "time"

// AssetSlug identifies an asset definition registered in the Asset Registry.
type AssetSlug string

const (
	SlugSegmentSpecifiedUsers      AssetSlug = "segment_specified_users"
	SlugSegmentFollowers           AssetSlug = "segment_followers"
	SlugSegmentFollowed            AssetSlug = "segment_followed"
	SlugSegmentMutuals             AssetSlug = "segment_mutuals"
	SlugSegmentUnreciprocatedFollowed AssetSlug = "segment_unreciprocated_followed"
	SlugPostCorpusForSegment        AssetSlug = "post_corpus_for_segment"
)

// FanoutMode controls how a fanout root expands source membership into
// target instances (spec §3).
type FanoutMode string

const (
	FanoutModeGlobalPerItem  FanoutMode = "global_per_item"
	FanoutModeScopedBySource FanoutMode = "scoped_by_source"
)

// AssetParams is the typed, per-slug identity of a parameterized asset
// instance. Only the fields relevant to a given slug are populated; the
// registry and hashing package both switch on Slug to know which to read.
type AssetParams struct {
	ID                    AssetParamsID
	Slug                  AssetSlug
	ParamsHash            string // lowercase hex sha256
	ParamsHashVersion     int

	// segment_specified_users
	StableKey         string
	SpecifiedUserIDs  []UserID // operator-supplied membership input, not part of the hash beyond StableKey

	// segment_followers / segment_followed / segment_mutuals / segment_unreciprocated_followed
	SubjectExternalID UserID

	// post_corpus_for_segment
	SourceSegmentSlug       AssetSlug
	SourceSegmentParamsHash string

	// set on any slug reached via a fanout root
	FanoutSourceParamsHash *string
}

// AssetInstance is unique by ParamsID and tracks the current checkpoint.
type AssetInstance struct {
	ID                       AssetInstanceID
	ParamsID                 AssetParamsID
	CheckpointMaterializationID *AssetMaterializationID
	CreatedAt                time.Time
}

// AssetInstanceRoot designates an instance for periodic materialization.
type AssetInstanceRoot struct {
	ID         int64
	InstanceID AssetInstanceID
	DisabledAt *time.Time
	CreatedAt  time.Time
}

// AssetInstanceFanoutRoot expands a source instance's membership into
// derived target instances every tick.
type AssetInstanceFanoutRoot struct {
	ID               int64
	SourceInstanceID AssetInstanceID
	TargetSlug       AssetSlug
	FanoutMode       FanoutMode
	DisabledAt       *time.Time
	CreatedAt        time.Time
}

// MaterializationStatus tracks a materialization's lifecycle. The invariant
// (status=in_progress) <=> (completed_at is null) is enforced by the store.
type MaterializationStatus string

const (
	MaterializationInProgress MaterializationStatus = "in_progress"
	MaterializationSuccess    MaterializationStatus = "success"
	MaterializationError      MaterializationStatus = "error"
)

// DependencySpec names one declared dependency of an asset instance's
// params, as returned by the registry's Dependencies contract point.
type DependencySpec struct {
	Name   string // e.g. "followers", "followed", "source_segment"
	Slug   AssetSlug
	Params AssetParams
}

// DependencyEdge links a materialization to the dependency materialization
// it was resolved against.
type DependencyEdge struct {
	MaterializationID           AssetMaterializationID
	DependencyName               string
	DependencyMaterializationID AssetMaterializationID
}

// RequestEdge links an ingest run (or nested materialization) to the
// materialization that requested it, e.g. a post-corpus materialization
// requesting per-member post syncs.
type RequestEdge struct {
	MaterializationID AssetMaterializationID
	RequestedIngestID IngestEventID
}

// AssetMaterialization is one execution that produced (possibly) a new
// output revision for an instance (spec §3, §4.1).
type AssetMaterialization struct {
	ID                           AssetMaterializationID
	AssetInstanceID              AssetInstanceID
	AssetSlug                    AssetSlug
	InputsHashVersion            int
	InputsHash                   string
	DependencyRevisionsHashVersion int
	DependencyRevisionsHash      string
	OutputRevision               int64
	Status                       MaterializationStatus
	TriggerReason                string
	ErrorPayload                 string
	StartedAt                    time.Time
	CompletedAt                  *time.Time
}

// MembershipRow is one row of the membership snapshot under an instance's
// checkpoint materialization.
type MembershipRow struct {
	InstanceID                  AssetInstanceID
	ItemKind                    ItemKind
	ItemID                      ItemID
	CheckpointMaterializationID AssetMaterializationID
}

// EnterEvent records an item entering membership at a given materialization.
type EnterEvent struct {
	MaterializationID AssetMaterializationID
	ItemID            ItemID
	ItemKind          ItemKind
	IsFirstAppearance bool
	RecordedAt        time.Time
}

// ExitEvent records an item leaving membership at a given materialization.
type ExitEvent struct {
	MaterializationID AssetMaterializationID
	ItemID            ItemID
	ItemKind          ItemKind
	RecordedAt        time.Time
}

// IngestRequirement is a declarative need for a fresh sync of some kind
// against some target user, as returned by the registry's IngestRequirements
// contract point (spec §4.2).
type IngestRequirement struct {
	Kind                 IngestKind
	TargetUserID         UserID
	FreshnessMS          int64
	RequestedByMaterialization *AssetMaterializationID
}

// ValidationIssue is a warning or error surfaced by a registry definition's
// optional ValidateInputs contract point.
type ValidationIssue struct {
	Severity string // "warning" | "error"
	Message  string
}
