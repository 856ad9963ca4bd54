// Package model holds the domain types shared by storage, registry, and
// engine: strongly typed ids over int64/string, and the persisted record
// shapes described in spec §3.
package model

// UserID identifies a social-graph user by the upstream provider's numeric id.
type UserID int64

// PostID identifies a post by the upstream provider's numeric id.
type PostID int64

// IngestEventID identifies the parent row for a single sync run.
type IngestEventID int64

// AssetParamsID identifies a row in asset_params.
type AssetParamsID int64

// AssetInstanceID identifies a row in asset_instances.
type AssetInstanceID int64

// AssetMaterializationID identifies a single materialization execution.
type AssetMaterializationID int64

// ItemKind discriminates the kind of entity a membership row or event refers to.
type ItemKind string

const (
	ItemKindUser ItemKind = "user"
	ItemKindPost ItemKind = "post"
)

// ItemID is the polymorphic id carried by membership rows and events; it is
// always the underlying UserID or PostID decimal value.
type ItemID int64
