package registry

import (
	"context"
	"testing"
	"time"

	"github.com/briandastous/bdx/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGraph struct {
	followers map[model.UserID][]model.UserID
	following map[model.UserID][]model.UserID
	posts     map[model.UserID][]model.PostID
}

func (g fakeGraph) ActiveFollowerIDs(_ context.Context, subject model.UserID) ([]model.UserID, error) {
	return g.followers[subject], nil
}

func (g fakeGraph) ActiveFollowingIDs(_ context.Context, subject model.UserID) ([]model.UserID, error) {
	return g.following[subject], nil
}

func (g fakeGraph) ActivePostIDsByAuthors(_ context.Context, authorIDs []model.UserID) ([]model.PostID, error) {
	var out []model.PostID
	for _, a := range authorIDs {
		out = append(out, g.posts[a]...)
	}
	return out, nil
}

func TestNewRejectsDuplicateSlug(t *testing.T) {
	_, err := New(SpecifiedUsers{}, SpecifiedUsers{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate slug")
}

func TestNewAcceptsAllSixDefinitions(t *testing.T) {
	r, err := New(All()...)
	require.NoError(t, err)
	assert.Len(t, r.Slugs(), 6)
}

func TestLookupAndMustLookup(t *testing.T) {
	r, err := New(All()...)
	require.NoError(t, err)

	d, ok := r.Lookup(model.SlugSegmentMutuals)
	require.True(t, ok)
	assert.Equal(t, model.SlugSegmentMutuals, d.Slug())

	_, ok = r.Lookup(model.AssetSlug("does_not_exist"))
	assert.False(t, ok)

	assert.Panics(t, func() { r.MustLookup(model.AssetSlug("does_not_exist")) })
}

type cyclicDef struct {
	slug model.AssetSlug
	deps []model.AssetSlug
}

func (c cyclicDef) Slug() model.AssetSlug                             { return c.slug }
func (cyclicDef) OutputItemKind() model.ItemKind                      { return model.ItemKindUser }
func (c cyclicDef) DependsOnSlugs() []model.AssetSlug                 { return c.deps }
func (cyclicDef) Dependencies(model.AssetParams) ([]model.DependencySpec, error) { return nil, nil }
func (cyclicDef) IngestRequirements(model.AssetParams, map[string]DependencyResolution, EvalContext) ([]model.IngestRequirement, error) {
	return nil, nil
}
func (cyclicDef) InputsHashParts(model.AssetParams, EvalContext) ([]string, error) { return nil, nil }
func (cyclicDef) ComputeMembership(model.AssetParams, map[string]DependencyResolution, EvalContext) ([]model.ItemID, error) {
	return nil, nil
}
func (cyclicDef) ValidateInputs(model.AssetParams, EvalContext) ([]model.ValidationIssue, error) {
	return nil, nil
}
func (cyclicDef) SupportsFanoutTarget() bool { return false }
func (cyclicDef) ParamsFromFanoutItem(model.ItemKind, model.ItemID, string) (model.AssetParams, error) {
	return model.AssetParams{}, nil
}

func TestNewRejectsDirectCycle(t *testing.T) {
	a := cyclicDef{slug: "a", deps: []model.AssetSlug{"b"}}
	b := cyclicDef{slug: "b", deps: []model.AssetSlug{"a"}}
	_, err := New(a, b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestNewRejectsMissingDependency(t *testing.T) {
	a := cyclicDef{slug: "a", deps: []model.AssetSlug{"ghost"}}
	_, err := New(a)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestNewAcceptsDiamondDependency(t *testing.T) {
	base := cyclicDef{slug: "base"}
	left := cyclicDef{slug: "left", deps: []model.AssetSlug{"base"}}
	right := cyclicDef{slug: "right", deps: []model.AssetSlug{"base"}}
	top := cyclicDef{slug: "top", deps: []model.AssetSlug{"left", "right"}}
	_, err := New(base, left, right, top)
	require.NoError(t, err)
}

func TestSpecifiedUsersComputeMembershipSortsAndDedupes(t *testing.T) {
	d := SpecifiedUsers{}
	params := model.AssetParams{SpecifiedUserIDs: []model.UserID{3, 1, 2, 1}}
	got, err := d.ComputeMembership(params, nil, EvalContext{})
	require.NoError(t, err)
	assert.Equal(t, []model.ItemID{1, 2, 3}, got)
}

func TestSpecifiedUsersValidateInputsWarnsOnEmpty(t *testing.T) {
	d := SpecifiedUsers{}
	issues, err := d.ValidateInputs(model.AssetParams{}, EvalContext{})
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, "warning", issues[0].Severity)
}

func TestFollowersComputeMembershipUsesGraph(t *testing.T) {
	d := Followers{}
	graph := fakeGraph{followers: map[model.UserID][]model.UserID{42: {5, 3, 3}}}
	ec := EvalContext{Ctx: context.Background(), Now: time.Unix(0, 0), Graph: graph}
	got, err := d.ComputeMembership(model.AssetParams{SubjectExternalID: 42}, nil, ec)
	require.NoError(t, err)
	assert.Equal(t, []model.ItemID{3, 5}, got)
}

func TestFollowersIngestRequirementsNamesTargetUser(t *testing.T) {
	d := Followers{}
	reqs, err := d.IngestRequirements(model.AssetParams{SubjectExternalID: 42}, nil, EvalContext{})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, model.IngestKindUserFollowers, reqs[0].Kind)
	assert.Equal(t, model.UserID(42), reqs[0].TargetUserID)
}

func TestFollowersParamsFromFanoutItemRejectsNonUser(t *testing.T) {
	d := Followers{}
	_, err := d.ParamsFromFanoutItem(model.ItemKindPost, model.ItemID(1), "hash")
	assert.Error(t, err)
}

func TestFollowersParamsFromFanoutItemSetsFanoutSource(t *testing.T) {
	d := Followers{}
	params, err := d.ParamsFromFanoutItem(model.ItemKindUser, model.ItemID(7), "sourcehash")
	require.NoError(t, err)
	assert.Equal(t, model.SlugSegmentFollowers, params.Slug)
	assert.Equal(t, model.UserID(7), params.SubjectExternalID)
	require.NotNil(t, params.FanoutSourceParamsHash)
	assert.Equal(t, "sourcehash", *params.FanoutSourceParamsHash)
}

func TestMutualsComputeMembershipIntersects(t *testing.T) {
	d := Mutuals{}
	deps := map[string]DependencyResolution{
		"followers": {Membership: []model.ItemID{1, 2, 3}},
		"followed":  {Membership: []model.ItemID{2, 3, 4}},
	}
	got, err := d.ComputeMembership(model.AssetParams{}, deps, EvalContext{})
	require.NoError(t, err)
	assert.Equal(t, []model.ItemID{2, 3}, got)
}

func TestMutualsComputeMembershipErrorsOnMissingDependency(t *testing.T) {
	d := Mutuals{}
	_, err := d.ComputeMembership(model.AssetParams{}, map[string]DependencyResolution{}, EvalContext{})
	assert.Error(t, err)
}

func TestMutualsDependenciesNamesBothSides(t *testing.T) {
	d := Mutuals{}
	specs, err := d.Dependencies(model.AssetParams{SubjectExternalID: 9})
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "followers", specs[0].Name)
	assert.Equal(t, "followed", specs[1].Name)
}

func TestUnreciprocatedFollowedComputeMembershipSubtracts(t *testing.T) {
	d := UnreciprocatedFollowed{}
	deps := map[string]DependencyResolution{
		"followed":  {Membership: []model.ItemID{1, 2, 3}},
		"followers": {Membership: []model.ItemID{2}},
	}
	got, err := d.ComputeMembership(model.AssetParams{}, deps, EvalContext{})
	require.NoError(t, err)
	assert.Equal(t, []model.ItemID{1, 3}, got)
}

func TestPostCorpusDependenciesRequiresSourceSegment(t *testing.T) {
	d := PostCorpusForSegment{}
	_, err := d.Dependencies(model.AssetParams{})
	assert.Error(t, err)

	specs, err := d.Dependencies(model.AssetParams{
		SourceSegmentSlug:       model.SlugSegmentFollowers,
		SourceSegmentParamsHash: "abc",
	})
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, model.SlugSegmentFollowers, specs[0].Slug)
}

func TestPostCorpusIngestRequirementsOnePerMember(t *testing.T) {
	d := PostCorpusForSegment{}
	matID := model.AssetMaterializationID(10)
	deps := map[string]DependencyResolution{
		"source_segment": {MaterializationID: matID, Membership: []model.ItemID{1, 2}},
	}
	reqs, err := d.IngestRequirements(model.AssetParams{}, deps, EvalContext{})
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	for _, r := range reqs {
		assert.Equal(t, model.IngestKindUsersPosts, r.Kind)
		require.NotNil(t, r.RequestedByMaterialization)
		assert.Equal(t, matID, *r.RequestedByMaterialization)
	}
}

func TestPostCorpusComputeMembershipQueriesGraphByAuthors(t *testing.T) {
	d := PostCorpusForSegment{}
	graph := fakeGraph{posts: map[model.UserID][]model.PostID{1: {100, 101}, 2: {102}}}
	ec := EvalContext{Ctx: context.Background(), Graph: graph}
	deps := map[string]DependencyResolution{
		"source_segment": {Membership: []model.ItemID{1, 2}},
	}
	got, err := d.ComputeMembership(model.AssetParams{}, deps, ec)
	require.NoError(t, err)
	assert.Equal(t, []model.ItemID{100, 101, 102}, got)
}

func TestPostCorpusCannotBeFanoutTarget(t *testing.T) {
	d := PostCorpusForSegment{}
	assert.False(t, d.SupportsFanoutTarget())
	_, err := d.ParamsFromFanoutItem(model.ItemKindUser, model.ItemID(1), "h")
	assert.Error(t, err)
}

func TestSpecifiedUsersCannotBeFanoutTarget(t *testing.T) {
	d := SpecifiedUsers{}
	assert.False(t, d.SupportsFanoutTarget())
}
