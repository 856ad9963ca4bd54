package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/briandastous/bdx/pkg/model"
	"github.com/briandastous/bdx/pkg/storage"
	"github.com/briandastous/bdx/pkg/upstream"
)

// maxWindowShifts bounds how many times a single posts sync run will shift
// its search window backward before giving up on exhausting it in one run
// (spec §4.4: a result-window limit is not a terminal failure, but an
// unbounded number of shifts would make one run's duration unbounded).
const maxWindowShifts = 200

// PostsService runs the bounded windowed posts search sync (spec §4.4).
type PostsService struct {
	store          storage.Store
	client         upstream.Client
	log            *logrus.Entry
	maxQueryLength int
}

// NewPostsService constructs a PostsService.
func NewPostsService(store storage.Store, client upstream.Client, log *logrus.Entry, maxQueryLength int) *PostsService {
	if maxQueryLength <= 0 {
		maxQueryLength = 512
	}
	return &PostsService{store: store, client: client, log: log.WithField("component", "ingest-posts"), maxQueryLength: maxQueryLength}
}

// Sync fetches posts authored by targets, building one or more
// "from:<handle> OR from:<handle> OR ..." queries bounded by
// max_query_length (spec §4.4). The ingest run's TargetUserID is the sole
// target when len(targets)==1 (the common per-member post-corpus case), or
// zero for a batched multi-target run.
func (s *PostsService) Sync(ctx context.Context, targets []model.UserID, mode model.SyncMode) (model.IngestRun, error) {
	if len(targets) == 0 {
		return model.IngestRun{}, fmt.Errorf("ingest-posts: no targets")
	}

	handles := make([]string, 0, len(targets))
	for _, t := range targets {
		u, err := s.store.GetUser(ctx, t)
		if err != nil {
			return model.IngestRun{}, fmt.Errorf("ingest-posts: load target %d: %w", t, err)
		}
		if u.Handle == nil {
			return model.IngestRun{}, fmt.Errorf("ingest-posts: target %d has no handle", t)
		}
		handles = append(handles, *u.Handle)
	}

	query, consumed, err := upstream.BuildPostsQuery(handles, s.maxQueryLength)
	if err != nil {
		return model.IngestRun{}, err
	}
	if consumed < len(handles) {
		s.log.WithFields(logrus.Fields{"consumed": consumed, "requested": len(handles)}).
			Warn("posts query truncated by max_query_length; remaining targets not synced this run")
	}

	runTarget := model.UserID(0)
	if len(targets) == 1 {
		runTarget = targets[0]
	}

	run, err := s.store.CreateIngestRun(ctx, model.IngestKindUsersPosts, runTarget, mode)
	if err != nil {
		return model.IngestRun{}, fmt.Errorf("ingest-posts: create run: %w", err)
	}
	log := s.log.WithFields(logrus.Fields{"run_id": run.ID, "query": query})
	log.Info("starting posts sync")

	syncStart := time.Now().UTC()
	cursor := ""
	var until *time.Time
	cursorExhausted := false
	shifts := 0

	for {
		q := query
		if until != nil {
			q = fmt.Sprintf("%s until:%d", query, until.Unix())
		}
		page, perr := s.client.FetchPostsPage(ctx, q, cursor)
		_ = s.store.UpdateIngestRunSnapshot(ctx, run.ID, s.client.LastSnapshot())
		if perr != nil {
			return failRun(ctx, s.store, run, perr)
		}

		if len(page.Posts) > 0 {
			inputs := make([]storage.UpsertPostInput, 0, len(page.Posts))
			for _, p := range page.Posts {
				inputs = append(inputs, storage.UpsertPostInput{
					ID: p.ID, AuthorID: p.AuthorID, PostedAt: p.PostedAt, Text: p.Text, Lang: p.Lang, Raw: p.Raw,
				})
			}
			if err := s.store.UpsertPosts(ctx, inputs); err != nil {
				return failRun(ctx, s.store, run, err)
			}
		}

		if page.WindowLimited && len(page.Posts) > 0 {
			shifts++
			if shifts > maxWindowShifts {
				log.WithField("shifts", shifts).Warn("posts sync window-shift limit reached; leaving cursor unexhausted")
				break
			}
			newUntil := page.OldestPostTimestamp.Add(-time.Second)
			until = &newUntil
			cursor = ""
			continue
		}

		if !page.HasMore {
			cursorExhausted = true
			break
		}
		cursor = page.NextCursor
	}

	if err := s.store.CompleteIngestRunSuccess(ctx, run.ID, cursorExhausted, &syncStart); err != nil {
		return model.IngestRun{}, fmt.Errorf("ingest-posts: complete run: %w", err)
	}
	log.WithField("cursor_exhausted", cursorExhausted).Info("posts sync complete")
	run.Status = model.IngestStatusSuccess
	run.CursorExhausted = cursorExhausted
	run.SyncedSince = &syncStart
	return run, nil
}
