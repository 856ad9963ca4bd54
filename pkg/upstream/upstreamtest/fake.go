// Package upstreamtest provides a fake upstream.Client for ingest-service
// tests, matching the teacher's pattern of an in-memory stand-in for an
// external collaborator (pkg/storage/memory, scaled down to one interface).
package upstreamtest

import (
	"context"
	"sync"

	"github.com/briandastous/bdx/pkg/model"
	"github.com/briandastous/bdx/pkg/upstream"
)

// Fake is a scriptable in-memory upstream.Client.
type Fake struct {
	mu sync.Mutex

	FollowersPages  map[string][]upstream.FollowersPage  // handle -> pages in order
	FollowingsPages map[string][]upstream.FollowingsPage
	PostsPages      map[string][]upstream.PostsPage // query -> pages in order
	Profiles        map[string]upstream.UserProfile
	ProfilesByID    map[model.UserID]upstream.UserProfile
	PostsByID       map[model.PostID]upstream.Post

	followersCalls  map[string]int
	followingsCalls map[string]int
	postsCalls      map[string]int

	snapshot model.HTTPSnapshot
	Err      error // if set, every call returns this error
}

// New returns an empty Fake ready to be scripted by the caller.
func New() *Fake {
	return &Fake{
		FollowersPages:  make(map[string][]upstream.FollowersPage),
		FollowingsPages: make(map[string][]upstream.FollowingsPage),
		PostsPages:      make(map[string][]upstream.PostsPage),
		Profiles:        make(map[string]upstream.UserProfile),
		ProfilesByID:    make(map[model.UserID]upstream.UserProfile),
		PostsByID:       make(map[model.PostID]upstream.Post),
		followersCalls:  make(map[string]int),
		followingsCalls: make(map[string]int),
		postsCalls:      make(map[string]int),
	}
}

func (f *Fake) LastSnapshot() model.HTTPSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot
}

func (f *Fake) FetchUserProfileByHandle(_ context.Context, handle string) (upstream.UserProfile, error) {
	if f.Err != nil {
		return upstream.UserProfile{}, f.Err
	}
	return f.Profiles[handle], nil
}

func (f *Fake) FetchUsersByIDs(_ context.Context, ids []model.UserID, _ int) ([]upstream.UserProfile, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	var out []upstream.UserProfile
	for _, id := range ids {
		if p, ok := f.ProfilesByID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *Fake) FetchFollowersPage(_ context.Context, handle string, _ string) (upstream.FollowersPage, error) {
	if f.Err != nil {
		return upstream.FollowersPage{}, f.Err
	}
	f.mu.Lock()
	idx := f.followersCalls[handle]
	f.followersCalls[handle] = idx + 1
	f.mu.Unlock()
	pages := f.FollowersPages[handle]
	if idx >= len(pages) {
		return upstream.FollowersPage{}, nil
	}
	return pages[idx], nil
}

func (f *Fake) FetchFollowingsPage(_ context.Context, handle string, _ string) (upstream.FollowingsPage, error) {
	if f.Err != nil {
		return upstream.FollowingsPage{}, f.Err
	}
	f.mu.Lock()
	idx := f.followingsCalls[handle]
	f.followingsCalls[handle] = idx + 1
	f.mu.Unlock()
	pages := f.FollowingsPages[handle]
	if idx >= len(pages) {
		return upstream.FollowingsPage{}, nil
	}
	return pages[idx], nil
}

func (f *Fake) FetchPostsPage(_ context.Context, query string, _ string) (upstream.PostsPage, error) {
	if f.Err != nil {
		return upstream.PostsPage{}, f.Err
	}
	f.mu.Lock()
	idx := f.postsCalls[query]
	f.postsCalls[query] = idx + 1
	f.mu.Unlock()
	pages := f.PostsPages[query]
	if idx >= len(pages) {
		return upstream.PostsPage{}, nil
	}
	return pages[idx], nil
}

func (f *Fake) FetchPostsByIDs(_ context.Context, ids []model.PostID) ([]upstream.Post, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	var out []upstream.Post
	for _, id := range ids {
		if p, ok := f.PostsByID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

var _ upstream.Client = (*Fake)(nil)
