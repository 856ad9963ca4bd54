package engine

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briandastous/bdx/pkg/hashing"
	"github.com/briandastous/bdx/pkg/ingest"
	"github.com/briandastous/bdx/pkg/lockkeys"
	"github.com/briandastous/bdx/pkg/model"
	"github.com/briandastous/bdx/pkg/prereq"
	"github.com/briandastous/bdx/pkg/registry"
	"github.com/briandastous/bdx/pkg/storage/memory"
	"github.com/briandastous/bdx/pkg/storage"
	"github.com/briandastous/bdx/pkg/upstream"
	"github.com/briandastous/bdx/pkg/upstream/upstreamtest"
)

// harness bundles the in-memory store, fake upstream, real prerequisite
// resolver, and engine for end-to-end tick tests.
type harness struct {
	store  *memory.Store
	fake   *upstreamtest.Fake
	engine *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.New()
	fake := upstreamtest.New()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	entry := logrus.NewEntry(log)

	followers := ingest.NewFollowersService(store, fake, entry)
	followings := ingest.NewFollowingsService(store, fake, entry)
	posts := ingest.NewPostsService(store, fake, entry, 512)
	resolver := prereq.New(store, followers, followings, posts, entry,
		prereq.WithLockTimeout(50*time.Millisecond),
		prereq.WithPollInterval(10*time.Millisecond))

	reg, err := registry.New(registry.All()...)
	require.NoError(t, err)

	eng := New(store, reg, resolver, entry,
		WithLockTimeout(50*time.Millisecond))
	eng.pollInterval = 10 * time.Millisecond
	return &harness{store: store, fake: fake, engine: eng}
}

func (h *harness) enableSpecifiedUsersRoot(t *testing.T, stableKey string, ids []model.UserID) (model.AssetInstance, model.AssetParams) {
	t.Helper()
	ctx := context.Background()
	params := model.AssetParams{Slug: model.SlugSegmentSpecifiedUsers, StableKey: stableKey}
	params.ParamsHash = hashing.ParamsHash(params)
	params.ParamsHashVersion = hashing.Version
	params.SpecifiedUserIDs = ids

	stored, err := h.store.GetOrCreateParams(ctx, params)
	require.NoError(t, err)
	require.NoError(t, h.store.SetSpecifiedInputs(ctx, stored.ID, ids))
	inst, err := h.store.GetOrCreateInstance(ctx, stored.ID)
	require.NoError(t, err)
	_, err = h.store.EnableRoot(ctx, inst.ID)
	require.NoError(t, err)
	stored.SpecifiedUserIDs = ids
	return inst, stored
}

func (h *harness) enableSubjectRoot(t *testing.T, slug model.AssetSlug, subject model.UserID) (model.AssetInstance, model.AssetParams) {
	t.Helper()
	ctx := context.Background()
	params := model.AssetParams{Slug: slug, SubjectExternalID: subject}
	params.ParamsHash = hashing.ParamsHash(params)
	params.ParamsHashVersion = hashing.Version

	stored, err := h.store.GetOrCreateParams(ctx, params)
	require.NoError(t, err)
	inst, err := h.store.GetOrCreateInstance(ctx, stored.ID)
	require.NoError(t, err)
	_, err = h.store.EnableRoot(ctx, inst.ID)
	require.NoError(t, err)
	return inst, stored
}

func (h *harness) seedUser(t *testing.T, id model.UserID, handle string) {
	t.Helper()
	require.NoError(t, h.store.UpsertUser(context.Background(), storage.UpsertUserInput{ID: id, Handle: &handle}))
}

func itemIDs(ids ...int64) []model.ItemID {
	out := make([]model.ItemID, len(ids))
	for i, id := range ids {
		out[i] = model.ItemID(id)
	}
	return out
}

func TestTickSpecifiedUsersCheckpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst, _ := h.enableSpecifiedUsersRoot(t, "x", []model.UserID{101, 102})

	report, err := h.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Materialized)

	mat, found, err := h.store.LatestSuccessfulMaterialization(ctx, inst.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1), mat.OutputRevision)
	require.NotNil(t, mat.CompletedAt)

	members, err := h.store.CurrentMembership(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, itemIDs(101, 102), members)

	enters := h.store.EnterEvents(mat.ID)
	require.Len(t, enters, 2)
	for _, e := range enters {
		assert.True(t, e.IsFirstAppearance)
	}
	assert.Empty(t, h.store.ExitEvents(mat.ID))

	got, err := h.store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CheckpointMaterializationID)
	assert.Equal(t, mat.ID, *got.CheckpointMaterializationID)
}

func TestTickNoOpShortCircuits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst, _ := h.enableSpecifiedUsersRoot(t, "x", []model.UserID{101, 102})

	_, err := h.engine.Tick(ctx)
	require.NoError(t, err)
	first, _, err := h.store.LatestSuccessfulMaterialization(ctx, inst.ID)
	require.NoError(t, err)

	report, err := h.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Materialized)
	assert.Equal(t, 1, report.ShortCircuited)

	assert.Equal(t, 1, h.store.MaterializationCount(inst.ID))
	latest, _, err := h.store.LatestSuccessfulMaterialization(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, latest.ID)
	assert.Equal(t, int64(1), latest.OutputRevision)
}

func TestTickInputMutationBumpsRevision(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst, params := h.enableSpecifiedUsersRoot(t, "x", []model.UserID{101, 102})

	_, err := h.engine.Tick(ctx)
	require.NoError(t, err)

	require.NoError(t, h.store.SetSpecifiedInputs(ctx, params.ID, []model.UserID{101, 103}))

	report, err := h.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Materialized)

	mat, found, err := h.store.LatestSuccessfulMaterialization(ctx, inst.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(2), mat.OutputRevision)

	members, err := h.store.CurrentMembership(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, itemIDs(101, 103), members)

	enters := h.store.EnterEvents(mat.ID)
	require.Len(t, enters, 1)
	assert.Equal(t, model.ItemID(103), enters[0].ItemID)
	assert.True(t, enters[0].IsFirstAppearance)

	exits := h.store.ExitEvents(mat.ID)
	require.Len(t, exits, 1)
	assert.Equal(t, model.ItemID(102), exits[0].ItemID)
}

func TestTickFollowersFollowedMutuals(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const (
		subjectT = model.UserID(1)
		userA    = model.UserID(2)
		userB    = model.UserID(3)
		userC    = model.UserID(4)
	)
	h.seedUser(t, subjectT, "t")

	// Followers of T are a and c; T follows a and b.
	h.fake.FollowersPages["t"] = []upstream.FollowersPage{{
		Users: []upstream.UserProfile{{ID: userA, Handle: "a"}, {ID: userC, Handle: "c"}},
	}}
	h.fake.FollowingsPages["t"] = []upstream.FollowingsPage{{
		Users: []upstream.UserProfile{{ID: userA, Handle: "a"}, {ID: userB, Handle: "b"}},
	}}

	followersInst, followersParams := h.enableSubjectRoot(t, model.SlugSegmentFollowers, subjectT)
	followedInst, followedParams := h.enableSubjectRoot(t, model.SlugSegmentFollowed, subjectT)
	mutualsInst, _ := h.enableSubjectRoot(t, model.SlugSegmentMutuals, subjectT)

	report, err := h.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Materialized)
	assert.Equal(t, 0, report.Errors)

	followersMembers, err := h.store.CurrentMembership(ctx, followersInst.ID)
	require.NoError(t, err)
	assert.Equal(t, itemIDs(int64(userA), int64(userC)), followersMembers)

	followedMembers, err := h.store.CurrentMembership(ctx, followedInst.ID)
	require.NoError(t, err)
	assert.Equal(t, itemIDs(int64(userA), int64(userB)), followedMembers)

	mutualsMembers, err := h.store.CurrentMembership(ctx, mutualsInst.ID)
	require.NoError(t, err)
	assert.Equal(t, itemIDs(int64(userA)), mutualsMembers)

	// The mutuals dependency-revisions hash pins both dependency revisions.
	followersMat, _, err := h.store.LatestSuccessfulMaterialization(ctx, followersInst.ID)
	require.NoError(t, err)
	followedMat, _, err := h.store.LatestSuccessfulMaterialization(ctx, followedInst.ID)
	require.NoError(t, err)
	mutualsMat, _, err := h.store.LatestSuccessfulMaterialization(ctx, mutualsInst.ID)
	require.NoError(t, err)

	want := hashing.DependencyRevisionsHash([]hashing.ResolvedDependency{
		{Name: "followers", Slug: model.SlugSegmentFollowers, ParamsHash: followersParams.ParamsHash, OutputRevision: followersMat.OutputRevision},
		{Name: "followed", Slug: model.SlugSegmentFollowed, ParamsHash: followedParams.ParamsHash, OutputRevision: followedMat.OutputRevision},
	})
	assert.Equal(t, want, mutualsMat.DependencyRevisionsHash)
}

func TestTickFanoutGlobalPerItem(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const (
		u1 = model.UserID(11)
		u2 = model.UserID(12)
	)
	h.seedUser(t, u1, "u1")
	h.seedUser(t, u2, "u2")
	h.fake.FollowersPages["u1"] = []upstream.FollowersPage{{}}
	h.fake.FollowersPages["u2"] = []upstream.FollowersPage{{}}

	sourceInst, sourceParams := h.enableSpecifiedUsersRoot(t, "x", []model.UserID{u1, u2})

	// First tick establishes the source checkpoint the fanout expands from.
	_, err := h.engine.Tick(ctx)
	require.NoError(t, err)

	_, err = h.store.EnableFanoutRoot(ctx, sourceInst.ID, model.SlugSegmentFollowers, model.FanoutModeGlobalPerItem)
	require.NoError(t, err)

	report, err := h.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Materialized, "one derived followers instance per source member")

	for _, subject := range []model.UserID{u1, u2} {
		derived := model.AssetParams{Slug: model.SlugSegmentFollowers, SubjectExternalID: subject}
		derived.ParamsHash = hashing.ParamsHash(derived)
		derived.ParamsHashVersion = hashing.Version
		stored, err := h.store.GetOrCreateParams(ctx, derived)
		require.NoError(t, err)
		require.NotNil(t, stored.FanoutSourceParamsHash)
		assert.Equal(t, sourceParams.ParamsHash, *stored.FanoutSourceParamsHash)

		inst, err := h.store.GetOrCreateInstance(ctx, stored.ID)
		require.NoError(t, err)
		_, found, err := h.store.LatestSuccessfulMaterialization(ctx, inst.ID)
		require.NoError(t, err)
		assert.True(t, found)
	}
}

func TestTickDeferredIngest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const subject = model.UserID(7)
	h.seedUser(t, subject, "held")
	inst, _ := h.enableSubjectRoot(t, model.SlugSegmentFollowers, subject)

	// Hold the ingest advisory lock externally.
	key := lockkeys.Ingest(model.IngestKindUserFollowers, subject)
	acquired, err := h.store.TryLock(ctx, key)
	require.NoError(t, err)
	require.True(t, acquired)
	defer func() { _ = h.store.Unlock(ctx, key) }()

	report, err := h.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deferred)
	assert.Equal(t, 0, report.Materialized)

	assert.Equal(t, 0, h.store.MaterializationCount(inst.ID))
	events := h.store.PlannerEvents(inst.ID)
	require.NotEmpty(t, events)
	assert.Equal(t, "deferred", events[len(events)-1][0])
}

func TestTickEmptySpecifiedUsersWarnsButSucceeds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst, _ := h.enableSpecifiedUsersRoot(t, "empty", nil)

	report, err := h.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Materialized)

	mat, found, err := h.store.LatestSuccessfulMaterialization(ctx, inst.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(0), mat.OutputRevision)

	members, err := h.store.CurrentMembership(ctx, inst.ID)
	require.NoError(t, err)
	assert.Empty(t, members)

	events := h.store.PlannerEvents(inst.ID)
	var sawWarning bool
	for _, e := range events {
		if e[0] == "warning" {
			sawWarning = true
		}
	}
	assert.True(t, sawWarning)
}

func TestTickPostCorpusForSegment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const author = model.UserID(5)
	h.seedUser(t, author, "alice")
	postedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h.fake.PostsPages["from:alice"] = []upstream.PostsPage{{
		Posts: []upstream.Post{
			{ID: 900, AuthorID: author, PostedAt: postedAt, Text: "one"},
			{ID: 901, AuthorID: author, PostedAt: postedAt.Add(time.Minute), Text: "two"},
		},
		OldestPostTimestamp: postedAt,
	}}

	sourceInst, sourceParams := h.enableSpecifiedUsersRoot(t, "authors", []model.UserID{author})
	_, err := h.engine.Tick(ctx)
	require.NoError(t, err)
	sourceMat, _, err := h.store.LatestSuccessfulMaterialization(ctx, sourceInst.ID)
	require.NoError(t, err)

	corpusParams := model.AssetParams{
		Slug:                    model.SlugPostCorpusForSegment,
		SourceSegmentSlug:       model.SlugSegmentSpecifiedUsers,
		SourceSegmentParamsHash: sourceParams.ParamsHash,
	}
	corpusParams.ParamsHash = hashing.ParamsHash(corpusParams)
	corpusParams.ParamsHashVersion = hashing.Version
	storedCorpus, err := h.store.GetOrCreateParams(ctx, corpusParams)
	require.NoError(t, err)
	corpusInst, err := h.store.GetOrCreateInstance(ctx, storedCorpus.ID)
	require.NoError(t, err)
	_, err = h.store.EnableRoot(ctx, corpusInst.ID)
	require.NoError(t, err)

	report, err := h.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Materialized)

	members, err := h.store.CurrentMembership(ctx, corpusInst.ID)
	require.NoError(t, err)
	assert.Equal(t, itemIDs(900, 901), members)

	corpusMat, _, err := h.store.LatestSuccessfulMaterialization(ctx, corpusInst.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), corpusMat.OutputRevision)

	// The per-member posts ingest run is tagged with the source segment's
	// pinned materialization as requester.
	run, found, err := h.store.LatestSuccessfulRun(ctx, model.IngestKindUsersPosts, author)
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, run.RequestedByMaterializationID)
	assert.Equal(t, sourceMat.ID, *run.RequestedByMaterializationID)
}

func TestTickRootDisableStopsWork(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst, _ := h.enableSpecifiedUsersRoot(t, "x", []model.UserID{101})

	_, err := h.engine.Tick(ctx)
	require.NoError(t, err)
	require.NoError(t, h.store.DisableRoot(ctx, inst.ID))

	report, err := h.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Targets)

	// Re-enabling resumes from preserved history: nothing changed, so the
	// next tick short-circuits instead of rematerializing.
	_, err = h.store.EnableRoot(ctx, inst.ID)
	require.NoError(t, err)
	report, err = h.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ShortCircuited)
}
