// Package prereq implements the Prerequisite Resolver (spec §4.5): given an
// asset instance's declared ingest requirements, decide which sync runs must
// happen, pick full vs incremental mode, and run them under per-target
// advisory locks. A lock that cannot be acquired within the timeout yields a
// deferred requirement, not an error; the next tick retries.
package prereq

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/briandastous/bdx/pkg/ingest"
	"github.com/briandastous/bdx/pkg/lockkeys"
	"github.com/briandastous/bdx/pkg/metrics"
	"github.com/briandastous/bdx/pkg/model"
	"github.com/briandastous/bdx/pkg/storage"
)

const (
	defaultLockTimeout  = 10 * time.Second
	defaultPollInterval = 250 * time.Millisecond
)

// Result reports what Satisfy did with a requirement set.
type Result struct {
	// RunIDs are the ingest runs executed (successfully) for this call.
	RunIDs []model.IngestEventID
	// Deferred are requirements whose advisory lock was held elsewhere; the
	// caller should abort the instance for this tick and retry later.
	Deferred []model.IngestRequirement
	// Failed are requirements whose ingest run ended in error. The run rows
	// carry the error detail; the caller decides whether to proceed.
	Failed []model.IngestRequirement
}

// Satisfied reports whether every requirement ran or was already fresh.
func (r Result) Satisfied() bool {
	return len(r.Deferred) == 0 && len(r.Failed) == 0
}

// Resolver satisfies ingest requirements against the store and sync services.
type Resolver struct {
	store      storage.Store
	followers  *ingest.FollowersService
	followings *ingest.FollowingsService
	posts      *ingest.PostsService

	log          *logrus.Entry
	lockTimeout  time.Duration
	pollInterval time.Duration
	now          func() time.Time
}

// Option tunes a Resolver.
type Option func(*Resolver)

// WithLockTimeout bounds how long Satisfy polls for one ingest advisory lock.
func WithLockTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.lockTimeout = d }
}

// WithPollInterval sets the advisory-lock poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(r *Resolver) { r.pollInterval = d }
}

// WithClock overrides the freshness clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// New constructs a Resolver.
func New(store storage.Store, followers *ingest.FollowersService, followings *ingest.FollowingsService, posts *ingest.PostsService, log *logrus.Entry, opts ...Option) *Resolver {
	r := &Resolver{
		store:        store,
		followers:    followers,
		followings:   followings,
		posts:        posts,
		log:          log.WithField("component", "prereq-resolver"),
		lockTimeout:  defaultLockTimeout,
		pollInterval: defaultPollInterval,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Satisfy works through reqs in order. Each requirement is checked for
// recency against its latest successful run; stale or absent ones run now,
// serialized by the ingest:<kind>:<target> advisory lock.
func (r *Resolver) Satisfy(ctx context.Context, reqs []model.IngestRequirement) (Result, error) {
	var result Result
	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		outcome, runID, err := r.satisfyOne(ctx, req)
		if err != nil {
			return result, err
		}
		switch outcome {
		case outcomeFresh:
			// nothing to do
		case outcomeRan:
			result.RunIDs = append(result.RunIDs, runID)
		case outcomeDeferred:
			result.Deferred = append(result.Deferred, req)
		case outcomeFailed:
			result.Failed = append(result.Failed, req)
		}
	}
	return result, nil
}

type outcome int

const (
	outcomeFresh outcome = iota
	outcomeRan
	outcomeDeferred
	outcomeFailed
)

func (r *Resolver) satisfyOne(ctx context.Context, req model.IngestRequirement) (outcome, model.IngestEventID, error) {
	mode, needed, err := r.decideMode(ctx, req)
	if err != nil {
		return outcomeFailed, 0, err
	}
	if !needed {
		return outcomeFresh, 0, nil
	}

	key := lockkeys.Ingest(req.Kind, req.TargetUserID)
	acquired, err := r.acquireWithTimeout(ctx, key)
	if err != nil {
		return outcomeFailed, 0, err
	}
	if !acquired {
		r.log.WithFields(logrus.Fields{"kind": req.Kind, "target": req.TargetUserID}).
			Info("ingest lock held elsewhere, deferring")
		return outcomeDeferred, 0, nil
	}
	defer func() {
		if err := r.store.Unlock(ctx, key); err != nil {
			r.log.WithError(err).WithField("key", key).Warn("release ingest lock")
		}
	}()

	// Re-check under the lock: another worker may have completed an
	// equivalent run while this one queued.
	if _, stillNeeded, err := r.decideMode(ctx, req); err != nil {
		return outcomeFailed, 0, err
	} else if !stillNeeded {
		return outcomeFresh, 0, nil
	}

	start := time.Now()
	run, runErr := r.runIngest(ctx, req, mode)
	status := string(model.IngestStatusSuccess)
	if runErr != nil {
		status = string(model.IngestStatusError)
	}
	metrics.RecordIngestRun(string(req.Kind), status, time.Since(start))

	if runErr != nil {
		r.log.WithError(runErr).WithFields(logrus.Fields{"kind": req.Kind, "target": req.TargetUserID}).
			Warn("ingest run failed")
		return outcomeFailed, run.ID, nil
	}

	if req.RequestedByMaterialization != nil {
		if err := r.store.AttachRequester(ctx, run.ID, *req.RequestedByMaterialization); err != nil {
			return outcomeFailed, run.ID, fmt.Errorf("attach requester: %w", err)
		}
	}
	return outcomeRan, run.ID, nil
}

// decideMode reports whether a run is needed and in which mode (spec §4.5):
// absent or stale runs are needed; followers/followings with no prior
// full-refresh success force full_refresh, otherwise incremental is enough.
func (r *Resolver) decideMode(ctx context.Context, req model.IngestRequirement) (model.SyncMode, bool, error) {
	latest, found, err := r.store.LatestSuccessfulRun(ctx, req.Kind, req.TargetUserID)
	if err != nil {
		return "", false, fmt.Errorf("latest successful run: %w", err)
	}

	fresh := found && latest.CompletedAt != nil &&
		r.now().Sub(*latest.CompletedAt) <= time.Duration(req.FreshnessMS)*time.Millisecond
	if fresh {
		return "", false, nil
	}

	mode := model.SyncModeFull
	if req.Kind == model.IngestKindUserFollowers || req.Kind == model.IngestKindUserFollowing {
		hasFull, err := r.store.HasFullRefreshSuccess(ctx, req.TargetUserID, req.Kind)
		if err != nil {
			return "", false, fmt.Errorf("has full refresh success: %w", err)
		}
		if hasFull {
			mode = model.SyncModeIncremental
		}
	}
	return mode, true, nil
}

func (r *Resolver) acquireWithTimeout(ctx context.Context, key string) (bool, error) {
	deadline := time.Now().Add(r.lockTimeout)
	for {
		acquired, err := r.store.TryLock(ctx, key)
		if err != nil {
			return false, fmt.Errorf("try lock %q: %w", key, err)
		}
		if acquired {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(r.pollInterval):
		}
	}
}

func (r *Resolver) runIngest(ctx context.Context, req model.IngestRequirement, mode model.SyncMode) (model.IngestRun, error) {
	switch req.Kind {
	case model.IngestKindUserFollowers:
		return r.followers.Sync(ctx, req.TargetUserID, mode)
	case model.IngestKindUserFollowing:
		return r.followings.Sync(ctx, req.TargetUserID, mode)
	case model.IngestKindUsersPosts:
		return r.posts.Sync(ctx, []model.UserID{req.TargetUserID}, mode)
	default:
		return model.IngestRun{}, fmt.Errorf("prereq: no ingest service for kind %q", req.Kind)
	}
}
