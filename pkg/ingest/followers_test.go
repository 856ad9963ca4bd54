package ingest

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briandastous/bdx/pkg/model"
	"github.com/briandastous/bdx/pkg/storage"
	"github.com/briandastous/bdx/pkg/storage/memory"
	"github.com/briandastous/bdx/pkg/upstream"
	"github.com/briandastous/bdx/pkg/upstream/upstreamtest"
)

func testEntry() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(log)
}

func seedSubject(t *testing.T, store *memory.Store, id model.UserID, handle string) {
	t.Helper()
	require.NoError(t, store.UpsertUser(context.Background(), storage.UpsertUserInput{ID: id, Handle: &handle}))
}

func TestFollowersFullRefreshPagesAndReconciles(t *testing.T) {
	store := memory.New()
	fake := upstreamtest.New()
	seedSubject(t, store, 1, "t")

	// A pre-existing edge absent from the refreshed set must be soft-deleted.
	_, err := store.UpsertFollowsIncremental(context.Background(), 1, true, []model.UserID{99})
	require.NoError(t, err)

	fake.FollowersPages["t"] = []upstream.FollowersPage{
		{Users: []upstream.UserProfile{{ID: 2, Handle: "a"}}, NextCursor: "c1", HasMore: true},
		{Users: []upstream.UserProfile{{ID: 3, Handle: "b"}}},
	}

	svc := NewFollowersService(store, fake, testEntry())
	run, err := svc.Sync(context.Background(), 1, model.SyncModeFull)
	require.NoError(t, err)
	assert.Equal(t, model.IngestStatusSuccess, run.Status)
	assert.True(t, run.CursorExhausted)

	followers, err := store.ActiveFollowerIDs(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []model.UserID{2, 3}, followers, "stale edge 99 soft-deleted, new edges live")

	// Counterpart profiles were upserted along the way.
	u, err := store.GetUser(context.Background(), 2)
	require.NoError(t, err)
	require.NotNil(t, u.Handle)
	assert.Equal(t, "a", *u.Handle)
}

func TestFollowersFullRefreshIdempotent(t *testing.T) {
	store := memory.New()
	fake := upstreamtest.New()
	seedSubject(t, store, 1, "t")
	page := upstream.FollowersPage{Users: []upstream.UserProfile{{ID: 2, Handle: "a"}, {ID: 3, Handle: "b"}}}
	fake.FollowersPages["t"] = []upstream.FollowersPage{page, page}

	svc := NewFollowersService(store, fake, testEntry())
	_, err := svc.Sync(context.Background(), 1, model.SyncModeFull)
	require.NoError(t, err)
	first, err := store.ActiveFollowerIDs(context.Background(), 1)
	require.NoError(t, err)

	_, err = svc.Sync(context.Background(), 1, model.SyncModeFull)
	require.NoError(t, err)
	second, err := store.ActiveFollowerIDs(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestFollowersIncrementalStopsOnNoNew(t *testing.T) {
	store := memory.New()
	fake := upstreamtest.New()
	seedSubject(t, store, 1, "t")
	_, err := store.UpsertFollowsIncremental(context.Background(), 1, true, []model.UserID{2})
	require.NoError(t, err)

	// First page is entirely known; the sync must stop without fetching the
	// second page even though the cursor says there is more.
	fake.FollowersPages["t"] = []upstream.FollowersPage{
		{Users: []upstream.UserProfile{{ID: 2, Handle: "a"}}, NextCursor: "c1", HasMore: true},
		{Users: []upstream.UserProfile{{ID: 3, Handle: "b"}}},
	}

	svc := NewFollowersService(store, fake, testEntry())
	run, err := svc.Sync(context.Background(), 1, model.SyncModeIncremental)
	require.NoError(t, err)
	assert.Equal(t, model.IngestStatusSuccess, run.Status)
	assert.False(t, run.CursorExhausted)

	followers, err := store.ActiveFollowerIDs(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []model.UserID{2}, followers)
}

func TestFollowersSubjectWithoutHandleFails(t *testing.T) {
	store := memory.New()
	fake := upstreamtest.New()
	require.NoError(t, store.UpsertUser(context.Background(), storage.UpsertUserInput{ID: 1}))

	svc := NewFollowersService(store, fake, testEntry())
	_, err := svc.Sync(context.Background(), 1, model.SyncModeFull)
	require.Error(t, err)
}

func TestFollowingsFullRefresh(t *testing.T) {
	store := memory.New()
	fake := upstreamtest.New()
	seedSubject(t, store, 1, "t")
	fake.FollowingsPages["t"] = []upstream.FollowingsPage{
		{Users: []upstream.UserProfile{{ID: 5, Handle: "e"}}},
	}

	svc := NewFollowingsService(store, fake, testEntry())
	run, err := svc.Sync(context.Background(), 1, model.SyncModeFull)
	require.NoError(t, err)
	assert.Equal(t, model.IngestStatusSuccess, run.Status)

	following, err := store.ActiveFollowingIDs(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []model.UserID{5}, following)
}

func TestFollowersFailureRecordsRun(t *testing.T) {
	store := memory.New()
	fake := upstreamtest.New()
	seedSubject(t, store, 1, "t")
	fake.Err = assert.AnError

	svc := NewFollowersService(store, fake, testEntry())
	run, err := svc.Sync(context.Background(), 1, model.SyncModeFull)
	require.Error(t, err)
	assert.Equal(t, model.IngestStatusError, run.Status)

	stored, err := store.GetIngestRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.IngestStatusError, stored.Status)
	require.NotNil(t, stored.CompletedAt)
}
