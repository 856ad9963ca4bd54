package hashing

import (
	"testing"

	"github.com/briandastous/bdx/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParamsHashStableAcrossCalls(t *testing.T) {
	p := model.AssetParams{Slug: model.SlugSegmentFollowers, SubjectExternalID: 42}
	h1 := ParamsHash(p)
	h2 := ParamsHash(p)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64, "expected lowercase hex sha256 digest")
}

func TestParamsHashChangesWithIdentityField(t *testing.T) {
	base := model.AssetParams{Slug: model.SlugSegmentFollowers, SubjectExternalID: 42}
	changed := model.AssetParams{Slug: model.SlugSegmentFollowers, SubjectExternalID: 43}
	assert.NotEqual(t, ParamsHash(base), ParamsHash(changed))
}

func TestParamsHashIgnoresNonIdentityFields(t *testing.T) {
	base := model.AssetParams{Slug: model.SlugSegmentSpecifiedUsers, StableKey: "x"}
	withExtra := model.AssetParams{
		Slug:             model.SlugSegmentSpecifiedUsers,
		StableKey:        "x",
		SpecifiedUserIDs: []model.UserID{1, 2, 3},
		ID:               99,
	}
	assert.Equal(t, ParamsHash(base), ParamsHash(withExtra),
		"non-identity fields must never affect the params hash")
}

func TestParamsHashIncludesFanoutSourceWhenPresent(t *testing.T) {
	fanoutHash := "abc123"
	base := model.AssetParams{Slug: model.SlugSegmentFollowers, SubjectExternalID: 42}
	fanned := base
	fanned.FanoutSourceParamsHash = &fanoutHash
	assert.NotEqual(t, ParamsHash(base), ParamsHash(fanned))
}

func TestParamsHashPostCorpusUsesSourceSegmentIdentity(t *testing.T) {
	a := model.AssetParams{
		Slug:                    model.SlugPostCorpusForSegment,
		SourceSegmentSlug:       model.SlugSegmentFollowers,
		SourceSegmentParamsHash: "deadbeef",
	}
	b := a
	b.SourceSegmentParamsHash = "feedface"
	assert.NotEqual(t, ParamsHash(a), ParamsHash(b))
}

func TestInputsHashSortedOrderInvariant(t *testing.T) {
	h1 := InputsHash(model.SlugSegmentSpecifiedUsers, []model.UserID{3, 1, 2})
	h2 := InputsHash(model.SlugSegmentSpecifiedUsers, []model.UserID{1, 2, 3})
	require.Equal(t, h1, h2, "argument order must not affect the inputs hash")
}

func TestInputsHashEmptyForNonSpecifiedUsersSlugs(t *testing.T) {
	h := InputsHash(model.SlugSegmentFollowers, []model.UserID{1, 2})
	want := InputsHash(model.SlugSegmentFollowers, nil)
	assert.Equal(t, want, h, "non-specified-users slugs never hash user ids")
}

func TestDependencyRevisionsHashEmptyIsFixed(t *testing.T) {
	assert.Equal(t, emptyDependencyRevisionsHash, DependencyRevisionsHash(nil))
}

func TestDependencyRevisionsHashChangesWithRevision(t *testing.T) {
	base := []ResolvedDependency{{Name: "followers", Slug: model.SlugSegmentFollowers, ParamsHash: "h1", OutputRevision: 1}}
	bumped := []ResolvedDependency{{Name: "followers", Slug: model.SlugSegmentFollowers, ParamsHash: "h1", OutputRevision: 2}}
	assert.NotEqual(t, DependencyRevisionsHash(base), DependencyRevisionsHash(bumped))
}

func TestDependencyRevisionsHashOrderSensitive(t *testing.T) {
	a := []ResolvedDependency{
		{Name: "followers", Slug: model.SlugSegmentFollowers, ParamsHash: "h1", OutputRevision: 1},
		{Name: "followed", Slug: model.SlugSegmentFollowed, ParamsHash: "h2", OutputRevision: 1},
	}
	b := []ResolvedDependency{a[1], a[0]}
	assert.NotEqual(t, DependencyRevisionsHash(a), DependencyRevisionsHash(b),
		"declaration order is part of the dependency-revisions hash by design")
}
