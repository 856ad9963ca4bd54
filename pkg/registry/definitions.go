package registry

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/briandastous/bdx/pkg/model"
)

const defaultFollowFreshnessMS = 6 * 60 * 60 * 1000 // 6h, per spec §4.2

func sortedDedupedItemIDs(ids []model.ItemID) []model.ItemID {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[model.ItemID]struct{}, len(ids))
	out := make([]model.ItemID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func userIDsToItemIDs(ids []model.UserID) []model.ItemID {
	out := make([]model.ItemID, len(ids))
	for i, id := range ids {
		out[i] = model.ItemID(id)
	}
	return out
}

func postIDsToItemIDs(ids []model.PostID) []model.ItemID {
	out := make([]model.ItemID, len(ids))
	for i, id := range ids {
		out[i] = model.ItemID(id)
	}
	return out
}

func withFanout(base model.AssetParams, fanoutSourceParamsHash string) model.AssetParams {
	if fanoutSourceParamsHash != "" {
		base.FanoutSourceParamsHash = &fanoutSourceParamsHash
	}
	return base
}

// ---------------------------------------------------------------------------
// segment_specified_users
// ---------------------------------------------------------------------------

// SpecifiedUsers is the operator-driven base segment: membership is exactly
// the operator-supplied user id set, not derived from the social graph.
type SpecifiedUsers struct{}

func (SpecifiedUsers) Slug() model.AssetSlug          { return model.SlugSegmentSpecifiedUsers }
func (SpecifiedUsers) OutputItemKind() model.ItemKind { return model.ItemKindUser }
func (SpecifiedUsers) DependsOnSlugs() []model.AssetSlug { return nil }

func (SpecifiedUsers) Dependencies(model.AssetParams) ([]model.DependencySpec, error) { return nil, nil }

func (SpecifiedUsers) IngestRequirements(model.AssetParams, map[string]DependencyResolution, EvalContext) ([]model.IngestRequirement, error) {
	return nil, nil
}

func (SpecifiedUsers) InputsHashParts(params model.AssetParams, _ EvalContext) ([]string, error) {
	sorted := append([]model.UserID(nil), params.SpecifiedUserIDs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	parts := make([]string, 0, len(sorted))
	for _, id := range sorted {
		parts = append(parts, "user_external_id="+strconv.FormatInt(int64(id), 10))
	}
	return parts, nil
}

func (SpecifiedUsers) ComputeMembership(params model.AssetParams, _ map[string]DependencyResolution, _ EvalContext) ([]model.ItemID, error) {
	return sortedDedupedItemIDs(userIDsToItemIDs(params.SpecifiedUserIDs)), nil
}

func (SpecifiedUsers) ValidateInputs(params model.AssetParams, _ EvalContext) ([]model.ValidationIssue, error) {
	if len(params.SpecifiedUserIDs) == 0 {
		return []model.ValidationIssue{{Severity: "warning", Message: "specified user set is empty"}}, nil
	}
	return nil, nil
}

func (SpecifiedUsers) SupportsFanoutTarget() bool { return false }
func (SpecifiedUsers) ParamsFromFanoutItem(model.ItemKind, model.ItemID, string) (model.AssetParams, error) {
	return model.AssetParams{}, fmt.Errorf("segment_specified_users cannot be a fanout target")
}

// ---------------------------------------------------------------------------
// segment_followers
// ---------------------------------------------------------------------------

// Followers computes the active followers of a subject user.
type Followers struct{}

func (Followers) Slug() model.AssetSlug             { return model.SlugSegmentFollowers }
func (Followers) OutputItemKind() model.ItemKind    { return model.ItemKindUser }
func (Followers) DependsOnSlugs() []model.AssetSlug { return nil }

func (Followers) Dependencies(model.AssetParams) ([]model.DependencySpec, error) { return nil, nil }

func (Followers) IngestRequirements(params model.AssetParams, _ map[string]DependencyResolution, _ EvalContext) ([]model.IngestRequirement, error) {
	return []model.IngestRequirement{{
		Kind:         model.IngestKindUserFollowers,
		TargetUserID: params.SubjectExternalID,
		FreshnessMS:  defaultFollowFreshnessMS,
	}}, nil
}

func (Followers) InputsHashParts(model.AssetParams, EvalContext) ([]string, error) { return nil, nil }

func (Followers) ComputeMembership(params model.AssetParams, _ map[string]DependencyResolution, ec EvalContext) ([]model.ItemID, error) {
	ids, err := ec.Graph.ActiveFollowerIDs(ec.Ctx, params.SubjectExternalID)
	if err != nil {
		return nil, fmt.Errorf("segment_followers: %w", err)
	}
	return sortedDedupedItemIDs(userIDsToItemIDs(ids)), nil
}

func (Followers) ValidateInputs(model.AssetParams, EvalContext) ([]model.ValidationIssue, error) { return nil, nil }

func (Followers) SupportsFanoutTarget() bool { return true }
func (Followers) ParamsFromFanoutItem(itemKind model.ItemKind, itemExternalID model.ItemID, fanoutSourceParamsHash string) (model.AssetParams, error) {
	if itemKind != model.ItemKindUser {
		return model.AssetParams{}, fmt.Errorf("segment_followers fanout target requires a user item, got %s", itemKind)
	}
	return withFanout(model.AssetParams{
		Slug:              model.SlugSegmentFollowers,
		SubjectExternalID: model.UserID(itemExternalID),
	}, fanoutSourceParamsHash), nil
}

// ---------------------------------------------------------------------------
// segment_followed
// ---------------------------------------------------------------------------

// Followed computes the users a subject follows (symmetric with Followers).
type Followed struct{}

func (Followed) Slug() model.AssetSlug             { return model.SlugSegmentFollowed }
func (Followed) OutputItemKind() model.ItemKind    { return model.ItemKindUser }
func (Followed) DependsOnSlugs() []model.AssetSlug { return nil }

func (Followed) Dependencies(model.AssetParams) ([]model.DependencySpec, error) { return nil, nil }

func (Followed) IngestRequirements(params model.AssetParams, _ map[string]DependencyResolution, _ EvalContext) ([]model.IngestRequirement, error) {
	return []model.IngestRequirement{{
		Kind:         model.IngestKindUserFollowing,
		TargetUserID: params.SubjectExternalID,
		FreshnessMS:  defaultFollowFreshnessMS,
	}}, nil
}

func (Followed) InputsHashParts(model.AssetParams, EvalContext) ([]string, error) { return nil, nil }

func (Followed) ComputeMembership(params model.AssetParams, _ map[string]DependencyResolution, ec EvalContext) ([]model.ItemID, error) {
	ids, err := ec.Graph.ActiveFollowingIDs(ec.Ctx, params.SubjectExternalID)
	if err != nil {
		return nil, fmt.Errorf("segment_followed: %w", err)
	}
	return sortedDedupedItemIDs(userIDsToItemIDs(ids)), nil
}

func (Followed) ValidateInputs(model.AssetParams, EvalContext) ([]model.ValidationIssue, error) { return nil, nil }

func (Followed) SupportsFanoutTarget() bool { return true }
func (Followed) ParamsFromFanoutItem(itemKind model.ItemKind, itemExternalID model.ItemID, fanoutSourceParamsHash string) (model.AssetParams, error) {
	if itemKind != model.ItemKindUser {
		return model.AssetParams{}, fmt.Errorf("segment_followed fanout target requires a user item, got %s", itemKind)
	}
	return withFanout(model.AssetParams{
		Slug:              model.SlugSegmentFollowed,
		SubjectExternalID: model.UserID(itemExternalID),
	}, fanoutSourceParamsHash), nil
}

// ---------------------------------------------------------------------------
// segment_mutuals
// ---------------------------------------------------------------------------

// Mutuals is the intersection of a subject's followers and followed, as-of
// the pinned dependency materializations.
type Mutuals struct{}

func (Mutuals) Slug() model.AssetSlug          { return model.SlugSegmentMutuals }
func (Mutuals) OutputItemKind() model.ItemKind { return model.ItemKindUser }
func (Mutuals) DependsOnSlugs() []model.AssetSlug {
	return []model.AssetSlug{model.SlugSegmentFollowers, model.SlugSegmentFollowed}
}

func (Mutuals) Dependencies(params model.AssetParams) ([]model.DependencySpec, error) {
	subject := model.AssetParams{Slug: model.SlugSegmentFollowers, SubjectExternalID: params.SubjectExternalID}
	followed := model.AssetParams{Slug: model.SlugSegmentFollowed, SubjectExternalID: params.SubjectExternalID}
	return []model.DependencySpec{
		{Name: "followers", Slug: model.SlugSegmentFollowers, Params: subject},
		{Name: "followed", Slug: model.SlugSegmentFollowed, Params: followed},
	}, nil
}

func (Mutuals) IngestRequirements(model.AssetParams, map[string]DependencyResolution, EvalContext) ([]model.IngestRequirement, error) {
	return nil, nil
}

func (Mutuals) InputsHashParts(model.AssetParams, EvalContext) ([]string, error) { return nil, nil }

func (Mutuals) ComputeMembership(_ model.AssetParams, deps map[string]DependencyResolution, _ EvalContext) ([]model.ItemID, error) {
	followers, ok := deps["followers"]
	if !ok {
		return nil, fmt.Errorf("segment_mutuals: missing resolved dependency %q", "followers")
	}
	followed, ok := deps["followed"]
	if !ok {
		return nil, fmt.Errorf("segment_mutuals: missing resolved dependency %q", "followed")
	}
	followedSet := make(map[model.ItemID]struct{}, len(followed.Membership))
	for _, id := range followed.Membership {
		followedSet[id] = struct{}{}
	}
	var out []model.ItemID
	for _, id := range followers.Membership {
		if _, ok := followedSet[id]; ok {
			out = append(out, id)
		}
	}
	return sortedDedupedItemIDs(out), nil
}

func (Mutuals) ValidateInputs(model.AssetParams, EvalContext) ([]model.ValidationIssue, error) { return nil, nil }

func (Mutuals) SupportsFanoutTarget() bool { return true }
func (Mutuals) ParamsFromFanoutItem(itemKind model.ItemKind, itemExternalID model.ItemID, fanoutSourceParamsHash string) (model.AssetParams, error) {
	if itemKind != model.ItemKindUser {
		return model.AssetParams{}, fmt.Errorf("segment_mutuals fanout target requires a user item, got %s", itemKind)
	}
	return withFanout(model.AssetParams{
		Slug:              model.SlugSegmentMutuals,
		SubjectExternalID: model.UserID(itemExternalID),
	}, fanoutSourceParamsHash), nil
}

// ---------------------------------------------------------------------------
// segment_unreciprocated_followed
// ---------------------------------------------------------------------------

// UnreciprocatedFollowed is followed minus followers, as-of the pinned
// dependency materializations: people the subject follows who don't follow back.
type UnreciprocatedFollowed struct{}

func (UnreciprocatedFollowed) Slug() model.AssetSlug          { return model.SlugSegmentUnreciprocatedFollowed }
func (UnreciprocatedFollowed) OutputItemKind() model.ItemKind { return model.ItemKindUser }
func (UnreciprocatedFollowed) DependsOnSlugs() []model.AssetSlug {
	return []model.AssetSlug{model.SlugSegmentFollowers, model.SlugSegmentFollowed}
}

func (UnreciprocatedFollowed) Dependencies(params model.AssetParams) ([]model.DependencySpec, error) {
	followers := model.AssetParams{Slug: model.SlugSegmentFollowers, SubjectExternalID: params.SubjectExternalID}
	followed := model.AssetParams{Slug: model.SlugSegmentFollowed, SubjectExternalID: params.SubjectExternalID}
	return []model.DependencySpec{
		{Name: "followed", Slug: model.SlugSegmentFollowed, Params: followed},
		{Name: "followers", Slug: model.SlugSegmentFollowers, Params: followers},
	}, nil
}

func (UnreciprocatedFollowed) IngestRequirements(model.AssetParams, map[string]DependencyResolution, EvalContext) ([]model.IngestRequirement, error) {
	return nil, nil
}

func (UnreciprocatedFollowed) InputsHashParts(model.AssetParams, EvalContext) ([]string, error) { return nil, nil }

func (UnreciprocatedFollowed) ComputeMembership(_ model.AssetParams, deps map[string]DependencyResolution, _ EvalContext) ([]model.ItemID, error) {
	followed, ok := deps["followed"]
	if !ok {
		return nil, fmt.Errorf("segment_unreciprocated_followed: missing resolved dependency %q", "followed")
	}
	followers, ok := deps["followers"]
	if !ok {
		return nil, fmt.Errorf("segment_unreciprocated_followed: missing resolved dependency %q", "followers")
	}
	followerSet := make(map[model.ItemID]struct{}, len(followers.Membership))
	for _, id := range followers.Membership {
		followerSet[id] = struct{}{}
	}
	var out []model.ItemID
	for _, id := range followed.Membership {
		if _, ok := followerSet[id]; !ok {
			out = append(out, id)
		}
	}
	return sortedDedupedItemIDs(out), nil
}

func (UnreciprocatedFollowed) ValidateInputs(model.AssetParams, EvalContext) ([]model.ValidationIssue, error) {
	return nil, nil
}

func (UnreciprocatedFollowed) SupportsFanoutTarget() bool { return true }
func (UnreciprocatedFollowed) ParamsFromFanoutItem(itemKind model.ItemKind, itemExternalID model.ItemID, fanoutSourceParamsHash string) (model.AssetParams, error) {
	if itemKind != model.ItemKindUser {
		return model.AssetParams{}, fmt.Errorf("segment_unreciprocated_followed fanout target requires a user item, got %s", itemKind)
	}
	return withFanout(model.AssetParams{
		Slug:              model.SlugSegmentUnreciprocatedFollowed,
		SubjectExternalID: model.UserID(itemExternalID),
	}, fanoutSourceParamsHash), nil
}

// ---------------------------------------------------------------------------
// post_corpus_for_segment
// ---------------------------------------------------------------------------

// PostCorpusForSegment materializes the active posts authored by a pinned
// source segment's members, one posts(user) ingest requirement per member.
type PostCorpusForSegment struct{}

func (PostCorpusForSegment) Slug() model.AssetSlug          { return model.SlugPostCorpusForSegment }
func (PostCorpusForSegment) OutputItemKind() model.ItemKind { return model.ItemKindPost }
func (PostCorpusForSegment) DependsOnSlugs() []model.AssetSlug {
	// Declared as a wildcard dependency: any segment slug can be the
	// source. Registry cycle-checking treats this as depending on every
	// segment slug, which is always acyclic since none of them depend on
	// post_corpus_for_segment.
	return []model.AssetSlug{
		model.SlugSegmentSpecifiedUsers,
		model.SlugSegmentFollowers,
		model.SlugSegmentFollowed,
		model.SlugSegmentMutuals,
		model.SlugSegmentUnreciprocatedFollowed,
	}
}

func (PostCorpusForSegment) Dependencies(params model.AssetParams) ([]model.DependencySpec, error) {
	if params.SourceSegmentSlug == "" {
		return nil, fmt.Errorf("post_corpus_for_segment: source_segment.asset_slug required")
	}
	source := model.AssetParams{
		Slug:              params.SourceSegmentSlug,
		ParamsHash:        params.SourceSegmentParamsHash,
		ParamsHashVersion: params.ParamsHashVersion,
	}
	return []model.DependencySpec{{Name: "source_segment", Slug: params.SourceSegmentSlug, Params: source}}, nil
}

func (PostCorpusForSegment) IngestRequirements(_ model.AssetParams, deps map[string]DependencyResolution, _ EvalContext) ([]model.IngestRequirement, error) {
	source, ok := deps["source_segment"]
	if !ok {
		return nil, fmt.Errorf("post_corpus_for_segment: missing resolved dependency %q", "source_segment")
	}
	reqs := make([]model.IngestRequirement, 0, len(source.Membership))
	matID := source.MaterializationID
	for _, member := range source.Membership {
		reqs = append(reqs, model.IngestRequirement{
			Kind:                       model.IngestKindUsersPosts,
			TargetUserID:               model.UserID(member),
			FreshnessMS:                defaultFollowFreshnessMS,
			RequestedByMaterialization: &matID,
		})
	}
	return reqs, nil
}

func (PostCorpusForSegment) InputsHashParts(model.AssetParams, EvalContext) ([]string, error) { return nil, nil }

func (PostCorpusForSegment) ComputeMembership(_ model.AssetParams, deps map[string]DependencyResolution, ec EvalContext) ([]model.ItemID, error) {
	source, ok := deps["source_segment"]
	if !ok {
		return nil, fmt.Errorf("post_corpus_for_segment: missing resolved dependency %q", "source_segment")
	}
	authorIDs := make([]model.UserID, len(source.Membership))
	for i, id := range source.Membership {
		authorIDs[i] = model.UserID(id)
	}
	postIDs, err := ec.Graph.ActivePostIDsByAuthors(ec.Ctx, authorIDs)
	if err != nil {
		return nil, fmt.Errorf("post_corpus_for_segment: %w", err)
	}
	return sortedDedupedItemIDs(postIDsToItemIDs(postIDs)), nil
}

func (PostCorpusForSegment) ValidateInputs(model.AssetParams, EvalContext) ([]model.ValidationIssue, error) {
	return nil, nil
}

func (PostCorpusForSegment) SupportsFanoutTarget() bool { return false }
func (PostCorpusForSegment) ParamsFromFanoutItem(model.ItemKind, model.ItemID, string) (model.AssetParams, error) {
	return model.AssetParams{}, fmt.Errorf("post_corpus_for_segment cannot be a fanout target")
}

// All returns the six concrete definitions in spec §4.2, in declaration
// order. Pass this to registry.New to build the production registry.
func All() []AssetDefinition {
	return []AssetDefinition{
		SpecifiedUsers{},
		Followers{},
		Followed{},
		Mutuals{},
		UnreciprocatedFollowed{},
		PostCorpusForSegment{},
	}
}
