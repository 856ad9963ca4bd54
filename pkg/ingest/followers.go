// Package ingest implements the followers/followings/posts sync services
// (spec §4.4): each creates an ingest run, streams pages from the upstream
// client, reconciles counterparts into the store, and records HTTP
// snapshots. Grounded on the teacher's services/indexer/syncer.go paging and
// checkpoint-update shape, adapted from blockchain block-range sync to
// cursor-paginated social-graph sync.
package ingest

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/briandastous/bdx/pkg/model"
	"github.com/briandastous/bdx/pkg/storage"
	"github.com/briandastous/bdx/pkg/upstream"
)

// FollowersService syncs a subject's followers (spec §4.4).
type FollowersService struct {
	store  storage.Store
	client upstream.Client
	log    *logrus.Entry
}

// NewFollowersService constructs a FollowersService.
func NewFollowersService(store storage.Store, client upstream.Client, log *logrus.Entry) *FollowersService {
	return &FollowersService{store: store, client: client, log: log.WithField("component", "ingest-followers")}
}

// Sync runs one followers ingest for subject in mode (spec §4.4 steps 1-6).
func (s *FollowersService) Sync(ctx context.Context, subject model.UserID, mode model.SyncMode) (model.IngestRun, error) {
	return syncFollowSide(ctx, followSideDeps{
		store:  s.store,
		client: s.client,
		log:    s.log,
		kind:   model.IngestKindUserFollowers,
	}, subject, mode, true)
}

// FollowingsService syncs the users a subject follows (spec §4.4), symmetric
// with FollowersService.
type FollowingsService struct {
	store  storage.Store
	client upstream.Client
	log    *logrus.Entry
}

// NewFollowingsService constructs a FollowingsService.
func NewFollowingsService(store storage.Store, client upstream.Client, log *logrus.Entry) *FollowingsService {
	return &FollowingsService{store: store, client: client, log: log.WithField("component", "ingest-followings")}
}

// Sync runs one followings ingest for subject in mode.
func (s *FollowingsService) Sync(ctx context.Context, subject model.UserID, mode model.SyncMode) (model.IngestRun, error) {
	return syncFollowSide(ctx, followSideDeps{
		store:  s.store,
		client: s.client,
		log:    s.log,
		kind:   model.IngestKindUserFollowing,
	}, subject, mode, false)
}

type followSideDeps struct {
	store  storage.Store
	client upstream.Client
	log    *logrus.Entry
	kind   model.IngestKind
}

// syncFollowSide is the shared paging/reconciliation loop behind both
// FollowersService and FollowingsService (spec §4.4 steps 1-6); isFollowers
// selects which upstream page method and store reconciliation direction
// applies.
func syncFollowSide(ctx context.Context, d followSideDeps, subject model.UserID, mode model.SyncMode, isFollowers bool) (model.IngestRun, error) {
	subjectUser, err := d.store.GetUser(ctx, subject)
	if err != nil {
		return model.IngestRun{}, fmt.Errorf("%s: load subject %d: %w", d.kind, subject, err)
	}
	if subjectUser.Handle == nil {
		return model.IngestRun{}, fmt.Errorf("%s: subject %d has no handle", d.kind, subject)
	}
	handle := *subjectUser.Handle

	run, err := d.store.CreateIngestRun(ctx, d.kind, subject, mode)
	if err != nil {
		return model.IngestRun{}, fmt.Errorf("%s: create run: %w", d.kind, err)
	}
	log := d.log.WithFields(logrus.Fields{"subject": subject, "mode": mode, "run_id": run.ID})
	log.Info("starting follow-side sync")

	var allCounterparts []model.UserID
	cursor := ""
	cursorExhausted := false

	for {
		var ids []model.UserID
		var nextCursor string
		var hasMore bool

		if isFollowers {
			page, ferr := d.client.FetchFollowersPage(ctx, handle, cursor)
			_ = d.store.UpdateIngestRunSnapshot(ctx, run.ID, d.client.LastSnapshot())
			if ferr != nil {
				return failRun(ctx, d.store, run, ferr)
			}
			for _, u := range page.Users {
				if err := upsertProfile(ctx, d.store, u, run.ID); err != nil {
					return failRun(ctx, d.store, run, err)
				}
				ids = append(ids, u.ID)
			}
			nextCursor, hasMore = page.NextCursor, page.HasMore
		} else {
			page, ferr := d.client.FetchFollowingsPage(ctx, handle, cursor)
			_ = d.store.UpdateIngestRunSnapshot(ctx, run.ID, d.client.LastSnapshot())
			if ferr != nil {
				return failRun(ctx, d.store, run, ferr)
			}
			for _, u := range page.Users {
				if err := upsertProfile(ctx, d.store, u, run.ID); err != nil {
					return failRun(ctx, d.store, run, err)
				}
				ids = append(ids, u.ID)
			}
			nextCursor, hasMore = page.NextCursor, page.HasMore
		}

		if mode == model.SyncModeFull {
			allCounterparts = append(allCounterparts, ids...)
		} else {
			newCount, uerr := d.store.UpsertFollowsIncremental(ctx, subject, isFollowers, ids)
			if uerr != nil {
				return failRun(ctx, d.store, run, uerr)
			}
			if newCount == 0 && len(ids) > 0 {
				// incremental "no new" condition (spec §4.4 step 4)
				break
			}
		}

		if !hasMore {
			cursorExhausted = true
			break
		}
		cursor = nextCursor
	}

	if mode == model.SyncModeFull {
		if err := d.store.ReconcileFollowsFull(ctx, storage.FollowsFullRefreshInput{
			Subject: subject, IsFollowers: isFollowers, Counterparts: allCounterparts,
		}); err != nil {
			return failRun(ctx, d.store, run, err)
		}
	}

	if err := d.store.CompleteIngestRunSuccess(ctx, run.ID, cursorExhausted, nil); err != nil {
		return model.IngestRun{}, fmt.Errorf("%s: complete run: %w", d.kind, err)
	}
	log.WithField("cursor_exhausted", cursorExhausted).Info("follow-side sync complete")
	run.Status = model.IngestStatusSuccess
	run.CursorExhausted = cursorExhausted
	return run, nil
}

func upsertProfile(ctx context.Context, store storage.Store, u upstream.UserProfile, runID model.IngestEventID) error {
	handle := u.Handle
	var handlePtr *string
	if handle != "" {
		handlePtr = &handle
	}
	return store.UpsertUser(ctx, storage.UpsertUserInput{ID: u.ID, Handle: handlePtr, LastIngestRef: &runID})
}

func failRun(ctx context.Context, store storage.Store, run model.IngestRun, err error) (model.IngestRun, error) {
	status, body := classifyAPIFailure(err)
	_ = store.CompleteIngestRunError(ctx, run.ID, status, body)
	run.Status = model.IngestStatusError
	return run, err
}
