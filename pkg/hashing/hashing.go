// Package hashing implements the three content-addressing hashes that
// decide when a new asset materialization is required (spec §4.1): the
// params hash, the inputs hash, and the dependency-revisions hash. All three
// are version 1: SHA-256 over a canonical newline-joined sequence of UTF-8
// parts, lowercase hex-encoded.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/briandastous/bdx/pkg/model"
)

// Version is the current hash scheme version for all three hashes.
const Version = 1

func canonicalDigest(parts []string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}

func i64(n int64) string { return strconv.FormatInt(n, 10) }

// ParamsHash computes the v1 params hash for an asset instance's identity
// fields (spec §4.1 table). Only the identity-relevant fields of params are
// read; non-identity fields (e.g. SpecifiedUserIDs) never affect the hash.
func ParamsHash(params model.AssetParams) string {
	parts := []string{
		"kind=params_hash:v1",
		"asset_slug=" + string(params.Slug),
	}

	switch params.Slug {
	case model.SlugSegmentSpecifiedUsers:
		parts = append(parts, "stable_key="+params.StableKey)
	case model.SlugSegmentFollowers, model.SlugSegmentFollowed,
		model.SlugSegmentMutuals, model.SlugSegmentUnreciprocatedFollowed:
		parts = append(parts, "subject_external_id="+i64(int64(params.SubjectExternalID)))
	case model.SlugPostCorpusForSegment:
		parts = append(parts,
			"source_segment.asset_slug="+string(params.SourceSegmentSlug),
			"source_segment.params_hash="+params.SourceSegmentParamsHash,
		)
	}

	if params.FanoutSourceParamsHash != nil {
		parts = append(parts, "fanout_source_params_hash="+*params.FanoutSourceParamsHash)
	}

	return canonicalDigest(parts)
}

// InputsHash computes the v1 inputs hash for an asset instance (spec §4.1).
// For segment_specified_users, userIDs is the operator-supplied membership
// input, sorted ascending before hashing so argument order never matters.
// For every other slug the input-contributing part list is empty.
func InputsHash(slug model.AssetSlug, userIDs []model.UserID) string {
	parts := []string{
		"kind=inputs_hash:v1",
		"asset_slug=" + string(slug),
	}

	if slug == model.SlugSegmentSpecifiedUsers {
		sorted := append([]model.UserID(nil), userIDs...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		for _, id := range sorted {
			parts = append(parts, "user_external_id="+i64(int64(id)))
		}
	}

	return canonicalDigest(parts)
}

// ResolvedDependency is one entry in the dependency-revisions hash input:
// the dependency's declared name, its pinned params hash, and the output
// revision of the materialization it was resolved against.
type ResolvedDependency struct {
	Name           string
	Slug           model.AssetSlug
	ParamsHash     string
	OutputRevision int64
}

// emptyDependencyRevisionsHash is the fixed digest for an asset with no
// declared dependencies (spec §4.1).
var emptyDependencyRevisionsHash = canonicalDigest([]string{"kind=dep_rev_hash:v1"})

// DependencyRevisionsHash computes the v1 dependency-revisions hash over
// resolved dependencies in declaration order (spec §4.1). Declaration order
// is the registry's order, not sorted — two asset definitions with the same
// dependencies named in a different order produce different hashes, which
// is intentional: declaration order is part of an asset's identity.
func DependencyRevisionsHash(deps []ResolvedDependency) string {
	if len(deps) == 0 {
		return emptyDependencyRevisionsHash
	}

	parts := []string{"kind=dep_rev_hash:v1"}
	for _, d := range deps {
		prefix := "dep." + d.Name + "."
		parts = append(parts,
			prefix+"asset_slug="+string(d.Slug),
			prefix+"params_hash="+d.ParamsHash,
			prefix+"output_revision="+i64(d.OutputRevision),
		)
	}
	return canonicalDigest(parts)
}
