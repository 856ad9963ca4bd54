package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briandastous/bdx/pkg/model"
	"github.com/briandastous/bdx/pkg/storage/memory"
	"github.com/briandastous/bdx/pkg/upstream"
	"github.com/briandastous/bdx/pkg/upstream/upstreamtest"
)

func TestPostsSyncStoresPosts(t *testing.T) {
	store := memory.New()
	fake := upstreamtest.New()
	seedSubject(t, store, 5, "alice")

	postedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fake.PostsPages["from:alice"] = []upstream.PostsPage{{
		Posts: []upstream.Post{
			{ID: 100, AuthorID: 5, PostedAt: postedAt, Text: "hello", Lang: "en"},
			{ID: 101, AuthorID: 5, PostedAt: postedAt.Add(time.Minute), Text: "again", Lang: "en"},
		},
		OldestPostTimestamp: postedAt,
	}}

	svc := NewPostsService(store, fake, testEntry(), 512)
	run, err := svc.Sync(context.Background(), []model.UserID{5}, model.SyncModeFull)
	require.NoError(t, err)
	assert.Equal(t, model.IngestStatusSuccess, run.Status)
	assert.True(t, run.CursorExhausted)
	require.NotNil(t, run.SyncedSince)

	ids, err := store.ActivePostIDsByAuthors(context.Background(), []model.UserID{5})
	require.NoError(t, err)
	assert.Equal(t, []model.PostID{100, 101}, ids)
}

func TestPostsSyncShiftsWindowOnLimit(t *testing.T) {
	store := memory.New()
	fake := upstreamtest.New()
	seedSubject(t, store, 5, "alice")

	oldest := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fake.PostsPages["from:alice"] = []upstream.PostsPage{{
		Posts:               []upstream.Post{{ID: 200, AuthorID: 5, PostedAt: oldest, Text: "newest window"}},
		WindowLimited:       true,
		OldestPostTimestamp: oldest,
	}}
	// The shifted query carries until=<oldest - 1s>.
	shifted := fmt.Sprintf("from:alice until:%d", oldest.Add(-time.Second).Unix())
	fake.PostsPages[shifted] = []upstream.PostsPage{{
		Posts:               []upstream.Post{{ID: 199, AuthorID: 5, PostedAt: oldest.Add(-time.Hour), Text: "older window"}},
		WindowLimited:       true,
		OldestPostTimestamp: oldest.Add(-time.Hour),
	}}
	// The second shift finds nothing more; the fake returns an empty page
	// for the unknown deeper query, which terminates the loop.

	svc := NewPostsService(store, fake, testEntry(), 512)
	run, err := svc.Sync(context.Background(), []model.UserID{5}, model.SyncModeFull)
	require.NoError(t, err)
	assert.Equal(t, model.IngestStatusSuccess, run.Status)

	ids, err := store.ActivePostIDsByAuthors(context.Background(), []model.UserID{5})
	require.NoError(t, err)
	assert.Equal(t, []model.PostID{199, 200}, ids)
}

func TestPostsSyncWindowLimitedFinalPageLeavesCursorUnexhausted(t *testing.T) {
	store := memory.New()
	fake := upstreamtest.New()
	seedSubject(t, store, 5, "alice")

	oldest := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	pages := make([]upstream.PostsPage, maxWindowShifts+2)
	for i := range pages {
		ts := oldest.Add(-time.Duration(i) * time.Hour)
		pages[i] = upstream.PostsPage{
			Posts:               []upstream.Post{{ID: model.PostID(1000 + i), AuthorID: 5, PostedAt: ts}},
			WindowLimited:       true,
			OldestPostTimestamp: ts,
		}
	}
	// Key every shifted query so the provider keeps signalling the window
	// limit until the service gives up.
	fake.PostsPages["from:alice"] = pages[:1]
	for i := 1; i < len(pages); i++ {
		prevOldest := oldest.Add(-time.Duration(i-1) * time.Hour)
		key := fmt.Sprintf("from:alice until:%d", prevOldest.Add(-time.Second).Unix())
		fake.PostsPages[key] = []upstream.PostsPage{pages[i]}
	}

	svc := NewPostsService(store, fake, testEntry(), 512)
	run, err := svc.Sync(context.Background(), []model.UserID{5}, model.SyncModeFull)
	require.NoError(t, err)
	assert.Equal(t, model.IngestStatusSuccess, run.Status)
	assert.False(t, run.CursorExhausted, "bounded windows leave cursor_exhausted=false")
}

func TestPostsSyncBatchedQueryRespectsMaxLength(t *testing.T) {
	store := memory.New()
	fake := upstreamtest.New()
	seedSubject(t, store, 5, "alice")
	seedSubject(t, store, 6, "bob")
	fake.PostsPages["from:alice OR from:bob"] = []upstream.PostsPage{{}}

	svc := NewPostsService(store, fake, testEntry(), 512)
	run, err := svc.Sync(context.Background(), []model.UserID{5, 6}, model.SyncModeFull)
	require.NoError(t, err)
	assert.Equal(t, model.IngestStatusSuccess, run.Status)
}

func TestPostsSyncSingleHandleTooLongFails(t *testing.T) {
	store := memory.New()
	fake := upstreamtest.New()
	seedSubject(t, store, 5, "averyveryverylonghandle")

	svc := NewPostsService(store, fake, testEntry(), 10)
	_, err := svc.Sync(context.Background(), []model.UserID{5}, model.SyncModeFull)
	require.Error(t, err)
}

func TestPostsAuthorAndTimeImmutableOnConflict(t *testing.T) {
	store := memory.New()
	fake := upstreamtest.New()
	seedSubject(t, store, 5, "alice")

	first := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fake.PostsPages["from:alice"] = []upstream.PostsPage{
		{Posts: []upstream.Post{{ID: 100, AuthorID: 5, PostedAt: first, Text: "v1"}}},
		{Posts: []upstream.Post{{ID: 100, AuthorID: 7, PostedAt: first.Add(time.Hour), Text: "v2"}}},
	}

	svc := NewPostsService(store, fake, testEntry(), 512)
	_, err := svc.Sync(context.Background(), []model.UserID{5}, model.SyncModeFull)
	require.NoError(t, err)
	_, err = svc.Sync(context.Background(), []model.UserID{5}, model.SyncModeFull)
	require.NoError(t, err)

	ids, err := store.ActivePostIDsByAuthors(context.Background(), []model.UserID{5})
	require.NoError(t, err)
	assert.Equal(t, []model.PostID{100}, ids, "author stays 5 despite the conflicting re-ingest")
}
