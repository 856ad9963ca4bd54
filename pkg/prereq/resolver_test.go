package prereq

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briandastous/bdx/pkg/ingest"
	"github.com/briandastous/bdx/pkg/lockkeys"
	"github.com/briandastous/bdx/pkg/model"
	"github.com/briandastous/bdx/pkg/storage"
	"github.com/briandastous/bdx/pkg/storage/memory"
	"github.com/briandastous/bdx/pkg/upstream"
	"github.com/briandastous/bdx/pkg/upstream/upstreamtest"
)

func newResolver(t *testing.T, store *memory.Store, fake *upstreamtest.Fake, opts ...Option) *Resolver {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	entry := logrus.NewEntry(log)
	followers := ingest.NewFollowersService(store, fake, entry)
	followings := ingest.NewFollowingsService(store, fake, entry)
	posts := ingest.NewPostsService(store, fake, entry, 512)
	opts = append([]Option{
		WithLockTimeout(50 * time.Millisecond),
		WithPollInterval(10 * time.Millisecond),
	}, opts...)
	return New(store, followers, followings, posts, entry, opts...)
}

func seedUser(t *testing.T, store *memory.Store, id model.UserID, handle string) {
	t.Helper()
	require.NoError(t, store.UpsertUser(context.Background(), storage.UpsertUserInput{ID: id, Handle: &handle}))
}

func TestSatisfyRunsStaleFollowersAsFullRefresh(t *testing.T) {
	store := memory.New()
	fake := upstreamtest.New()
	seedUser(t, store, 1, "t")
	fake.FollowersPages["t"] = []upstream.FollowersPage{{
		Users: []upstream.UserProfile{{ID: 2, Handle: "a"}},
	}}
	r := newResolver(t, store, fake)

	result, err := r.Satisfy(context.Background(), []model.IngestRequirement{{
		Kind:         model.IngestKindUserFollowers,
		TargetUserID: 1,
		FreshnessMS:  6 * 60 * 60 * 1000,
	}})
	require.NoError(t, err)
	assert.True(t, result.Satisfied())
	require.Len(t, result.RunIDs, 1)

	run, err := store.GetIngestRun(context.Background(), result.RunIDs[0])
	require.NoError(t, err)
	assert.Equal(t, model.SyncModeFull, run.Mode, "no prior full success forces full_refresh")
	assert.Equal(t, model.IngestStatusSuccess, run.Status)

	followers, err := store.ActiveFollowerIDs(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []model.UserID{2}, followers)
}

func TestSatisfyPrefersIncrementalAfterFullSuccess(t *testing.T) {
	store := memory.New()
	fake := upstreamtest.New()
	seedUser(t, store, 1, "t")
	fake.FollowersPages["t"] = []upstream.FollowersPage{
		{Users: []upstream.UserProfile{{ID: 2, Handle: "a"}}},
		{Users: []upstream.UserProfile{{ID: 2, Handle: "a"}}},
	}

	// Freshness clock an hour ahead makes the first run look stale without
	// sleeping.
	now := time.Now().UTC()
	clock := &now
	r := newResolver(t, store, fake, WithClock(func() time.Time { return *clock }))

	req := model.IngestRequirement{Kind: model.IngestKindUserFollowers, TargetUserID: 1, FreshnessMS: 1000}
	_, err := r.Satisfy(context.Background(), []model.IngestRequirement{req})
	require.NoError(t, err)

	later := now.Add(time.Hour)
	clock = &later
	result, err := r.Satisfy(context.Background(), []model.IngestRequirement{req})
	require.NoError(t, err)
	require.Len(t, result.RunIDs, 1)

	run, err := store.GetIngestRun(context.Background(), result.RunIDs[0])
	require.NoError(t, err)
	assert.Equal(t, model.SyncModeIncremental, run.Mode)
}

func TestSatisfySkipsFreshRun(t *testing.T) {
	store := memory.New()
	fake := upstreamtest.New()
	seedUser(t, store, 1, "t")
	fake.FollowersPages["t"] = []upstream.FollowersPage{{}}
	r := newResolver(t, store, fake)

	req := model.IngestRequirement{Kind: model.IngestKindUserFollowers, TargetUserID: 1, FreshnessMS: 6 * 60 * 60 * 1000}
	first, err := r.Satisfy(context.Background(), []model.IngestRequirement{req})
	require.NoError(t, err)
	require.Len(t, first.RunIDs, 1)

	second, err := r.Satisfy(context.Background(), []model.IngestRequirement{req})
	require.NoError(t, err)
	assert.Empty(t, second.RunIDs, "fresh run satisfies the requirement without a new ingest")
	assert.True(t, second.Satisfied())
}

func TestSatisfyDefersWhenLockHeld(t *testing.T) {
	store := memory.New()
	fake := upstreamtest.New()
	seedUser(t, store, 1, "t")
	r := newResolver(t, store, fake)

	ctx := context.Background()
	key := lockkeys.Ingest(model.IngestKindUserFollowers, 1)
	acquired, err := store.TryLock(ctx, key)
	require.NoError(t, err)
	require.True(t, acquired)
	defer func() { _ = store.Unlock(ctx, key) }()

	result, err := r.Satisfy(ctx, []model.IngestRequirement{{
		Kind: model.IngestKindUserFollowers, TargetUserID: 1, FreshnessMS: 1000,
	}})
	require.NoError(t, err)
	require.Len(t, result.Deferred, 1)
	assert.Empty(t, result.RunIDs)
}

func TestSatisfyAttachesRequester(t *testing.T) {
	store := memory.New()
	fake := upstreamtest.New()
	seedUser(t, store, 5, "m")
	fake.PostsPages["from:m"] = []upstream.PostsPage{{}}
	r := newResolver(t, store, fake)

	requester := model.AssetMaterializationID(42)
	result, err := r.Satisfy(context.Background(), []model.IngestRequirement{{
		Kind:                       model.IngestKindUsersPosts,
		TargetUserID:               5,
		FreshnessMS:                1000,
		RequestedByMaterialization: &requester,
	}})
	require.NoError(t, err)
	require.Len(t, result.RunIDs, 1)

	run, err := store.GetIngestRun(context.Background(), result.RunIDs[0])
	require.NoError(t, err)
	require.NotNil(t, run.RequestedByMaterializationID)
	assert.Equal(t, requester, *run.RequestedByMaterializationID)
}

func TestSatisfyReportsFailedIngest(t *testing.T) {
	store := memory.New()
	fake := upstreamtest.New()
	// Target has no handle, so the followers sync fails before paging.
	require.NoError(t, store.UpsertUser(context.Background(), storage.UpsertUserInput{ID: 9}))
	r := newResolver(t, store, fake)

	result, err := r.Satisfy(context.Background(), []model.IngestRequirement{{
		Kind: model.IngestKindUserFollowers, TargetUserID: 9, FreshnessMS: 1000,
	}})
	require.NoError(t, err)
	require.Len(t, result.Failed, 1)
	assert.False(t, result.Satisfied())
}
