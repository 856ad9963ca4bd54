// Package memory implements pkg/storage.Store entirely in process memory,
// for engine/registry/prereq-resolver tests that don't need a real Postgres
// (spec §4.3, SPEC_FULL.md §1.4). It mirrors the teacher's
// pkg/storage/memory.go shape: a single mutex guarding map-of-maps state with
// auto-increment id counters, rather than a second storage engine.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/briandastous/bdx/pkg/model"
	"github.com/briandastous/bdx/pkg/storage"
)

type txMarkerKey struct{}

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.Mutex

	users       map[model.UserID]model.User
	handleIndex map[string]model.UserID // handle_norm -> user id
	handleHist  map[model.UserID][]model.HandleHistoryEntry

	follows map[followKey]model.Follow

	posts map[model.PostID]model.Post

	nextIngestID int64
	ingestRuns   map[model.IngestEventID]model.IngestRun
	fullSuccess  map[fullSuccessKey]bool

	nextParamsID int64
	paramsByID   map[model.AssetParamsID]model.AssetParams
	paramsByHash map[string]model.AssetParamsID

	nextInstanceID int64
	instances      map[model.AssetInstanceID]model.AssetInstance
	instanceByPID  map[model.AssetParamsID]model.AssetInstanceID

	nextRootID int64
	roots      map[model.AssetInstanceID]model.AssetInstanceRoot

	nextFanoutRootID int64
	fanoutRoots      map[fanoutKey]model.AssetInstanceFanoutRoot

	nextMatID     int64
	mats          map[model.AssetMaterializationID]model.AssetMaterialization
	matsByInst    map[model.AssetInstanceID][]model.AssetMaterializationID // ascending id order
	depEdges      []model.DependencyEdge
	requestEdges  []model.RequestEdge

	membership map[model.AssetInstanceID][]model.MembershipRow
	enters     map[model.AssetMaterializationID][]model.EnterEvent
	exits      map[model.AssetMaterializationID][]model.ExitEvent

	locks map[string]bool

	plannerEvents []plannerEvent
}

type followKey struct {
	target   model.UserID
	follower model.UserID
}

type fullSuccessKey struct {
	subject model.UserID
	kind    model.IngestKind
}

type fanoutKey struct {
	source model.AssetInstanceID
	target model.AssetSlug
	mode   model.FanoutMode
}

type plannerEvent struct {
	instanceID model.AssetInstanceID
	kind       string
	detail     string
	at         time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		users:         make(map[model.UserID]model.User),
		handleIndex:   make(map[string]model.UserID),
		handleHist:    make(map[model.UserID][]model.HandleHistoryEntry),
		follows:       make(map[followKey]model.Follow),
		posts:         make(map[model.PostID]model.Post),
		ingestRuns:    make(map[model.IngestEventID]model.IngestRun),
		fullSuccess:   make(map[fullSuccessKey]bool),
		paramsByID:    make(map[model.AssetParamsID]model.AssetParams),
		paramsByHash:  make(map[string]model.AssetParamsID),
		instances:     make(map[model.AssetInstanceID]model.AssetInstance),
		instanceByPID: make(map[model.AssetParamsID]model.AssetInstanceID),
		roots:         make(map[model.AssetInstanceID]model.AssetInstanceRoot),
		fanoutRoots:   make(map[fanoutKey]model.AssetInstanceFanoutRoot),
		mats:          make(map[model.AssetMaterializationID]model.AssetMaterialization),
		matsByInst:    make(map[model.AssetInstanceID][]model.AssetMaterializationID),
		membership:    make(map[model.AssetInstanceID][]model.MembershipRow),
		enters:        make(map[model.AssetMaterializationID][]model.EnterEvent),
		exits:         make(map[model.AssetMaterializationID][]model.ExitEvent),
		locks:         make(map[string]bool),
	}
}

// WithTx runs fn holding the store mutex for the duration, nesting atop an
// already-held lock from an outer WithTx call rather than deadlocking.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txMarkerKey{}) != nil {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(context.WithValue(ctx, txMarkerKey{}, true))
}

func (s *Store) locked(ctx context.Context, fn func() error) error {
	if ctx.Value(txMarkerKey{}) != nil {
		return fn()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

// --- social graph ---

func handleNorm(h *string) *string {
	if h == nil {
		return nil
	}
	n := strings.ToLower(*h)
	return &n
}

func (s *Store) UpsertUser(ctx context.Context, in storage.UpsertUserInput) error {
	return s.locked(ctx, func() error {
		norm := handleNorm(in.Handle)
		now := time.Now().UTC()

		if norm != nil {
			if priorID, ok := s.handleIndex[*norm]; ok && priorID != in.ID {
				prior := s.users[priorID]
				oldHandle := ""
				if prior.Handle != nil {
					oldHandle = *prior.Handle
				}
				prior.Handle = nil
				prior.HandleNorm = nil
				prior.UpdatedAt = now
				s.users[priorID] = prior
				delete(s.handleIndex, *norm)
				s.handleHist[priorID] = append(s.handleHist[priorID], model.HandleHistoryEntry{
					UserID: priorID, OldHandle: oldHandle, NewHandle: "", RecordedAt: now,
				})
			}
		}

		existing, had := s.users[in.ID]
		if norm != nil {
			if !had || existing.Handle == nil || *existing.HandleNorm != *norm {
				oldHandle := ""
				if had && existing.Handle != nil {
					oldHandle = *existing.Handle
				}
				s.handleHist[in.ID] = append(s.handleHist[in.ID], model.HandleHistoryEntry{
					UserID: in.ID, OldHandle: oldHandle, NewHandle: *in.Handle, RecordedAt: now,
				})
			}
			s.handleIndex[*norm] = in.ID
		}

		u := model.User{
			ID:            in.ID,
			Handle:        in.Handle,
			HandleNorm:    norm,
			IsDeleted:     false,
			LastIngestRef: in.LastIngestRef,
			UpdatedAt:     now,
		}
		if in.Handle == nil && had {
			u.Handle = existing.Handle
			u.HandleNorm = existing.HandleNorm
		}
		s.users[in.ID] = u
		return nil
	})
}

func (s *Store) GetUser(ctx context.Context, id model.UserID) (model.User, error) {
	var out model.User
	err := s.locked(ctx, func() error {
		u, ok := s.users[id]
		if !ok {
			return storage.ErrNotFound
		}
		out = u
		return nil
	})
	return out, err
}

func (s *Store) HandleHistory(ctx context.Context, id model.UserID) ([]model.HandleHistoryEntry, error) {
	var out []model.HandleHistoryEntry
	err := s.locked(ctx, func() error {
		out = append(out, s.handleHist[id]...)
		return nil
	})
	return out, err
}

func (s *Store) ReconcileFollowsFull(ctx context.Context, in storage.FollowsFullRefreshInput) error {
	return s.locked(ctx, func() error {
		active := make(map[model.UserID]struct{}, len(in.Counterparts))
		for _, c := range in.Counterparts {
			active[c] = struct{}{}
		}
		now := time.Now().UTC()

		for key, f := range s.follows {
			if !keyMatchesSubject(key, in.Subject, in.IsFollowers) || f.IsDeleted {
				continue
			}
			counterpart := counterpartOf(key, in.IsFollowers)
			if _, ok := active[counterpart]; !ok {
				f.IsDeleted = true
				f.UpdatedAt = now
				s.follows[key] = f
			}
		}
		for _, c := range in.Counterparts {
			key := followKeyFor(in.Subject, c, in.IsFollowers)
			f := s.follows[key]
			f.TargetID, f.FollowerID = key.target, key.follower
			f.IsDeleted = false
			f.UpdatedAt = now
			s.follows[key] = f
		}
		return nil
	})
}

func followKeyFor(subject, counterpart model.UserID, isFollowers bool) followKey {
	if isFollowers {
		return followKey{target: subject, follower: counterpart}
	}
	return followKey{target: counterpart, follower: subject}
}

func keyMatchesSubject(key followKey, subject model.UserID, isFollowers bool) bool {
	if isFollowers {
		return key.target == subject
	}
	return key.follower == subject
}

func counterpartOf(key followKey, isFollowers bool) model.UserID {
	if isFollowers {
		return key.follower
	}
	return key.target
}

func (s *Store) UpsertFollowsIncremental(ctx context.Context, subject model.UserID, isFollowers bool, counterparts []model.UserID) (int, error) {
	newCount := 0
	err := s.locked(ctx, func() error {
		now := time.Now().UTC()
		for _, c := range counterparts {
			key := followKeyFor(subject, c, isFollowers)
			f, existed := s.follows[key]
			if !existed || f.IsDeleted {
				newCount++
			}
			f.TargetID, f.FollowerID = key.target, key.follower
			f.IsDeleted = false
			f.UpdatedAt = now
			s.follows[key] = f
		}
		return nil
	})
	return newCount, err
}

func (s *Store) HasFullRefreshSuccess(ctx context.Context, subject model.UserID, kind model.IngestKind) (bool, error) {
	var ok bool
	err := s.locked(ctx, func() error {
		ok = s.fullSuccess[fullSuccessKey{subject: subject, kind: kind}]
		return nil
	})
	return ok, err
}

func (s *Store) ActiveFollowerIDs(ctx context.Context, subject model.UserID) ([]model.UserID, error) {
	var out []model.UserID
	err := s.locked(ctx, func() error {
		for key, f := range s.follows {
			if key.target == subject && !f.IsDeleted {
				out = append(out, key.follower)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		return nil
	})
	return out, err
}

func (s *Store) ActiveFollowingIDs(ctx context.Context, subject model.UserID) ([]model.UserID, error) {
	var out []model.UserID
	err := s.locked(ctx, func() error {
		for key, f := range s.follows {
			if key.follower == subject && !f.IsDeleted {
				out = append(out, key.target)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		return nil
	})
	return out, err
}

func (s *Store) UpsertPosts(ctx context.Context, posts []storage.UpsertPostInput) error {
	return s.locked(ctx, func() error {
		now := time.Now().UTC()
		for _, p := range posts {
			existing, had := s.posts[p.ID]
			post := model.Post{
				ID:        p.ID,
				AuthorID:  p.AuthorID,
				PostedAt:  p.PostedAt,
				Text:      p.Text,
				Lang:      p.Lang,
				Raw:       p.Raw,
				IsDeleted: false,
				UpdatedAt: now,
			}
			if had {
				// author/time immutable on conflict (spec §3)
				post.AuthorID = existing.AuthorID
				post.PostedAt = existing.PostedAt
			}
			s.posts[p.ID] = post
		}
		return nil
	})
}

func (s *Store) ActivePostIDsByAuthors(ctx context.Context, authorIDs []model.UserID) ([]model.PostID, error) {
	authorSet := make(map[model.UserID]struct{}, len(authorIDs))
	for _, a := range authorIDs {
		authorSet[a] = struct{}{}
	}
	var out []model.PostID
	err := s.locked(ctx, func() error {
		for _, p := range s.posts {
			if p.IsDeleted {
				continue
			}
			if _, ok := authorSet[p.AuthorID]; ok {
				out = append(out, p.ID)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		return nil
	})
	return out, err
}

func (s *Store) InsertWebhookFollow(ctx context.Context, follower, target model.UserID) error {
	return s.locked(ctx, func() error {
		s.nextIngestID++
		id := model.IngestEventID(s.nextIngestID)
		now := time.Now().UTC()
		completed := now
		s.ingestRuns[id] = model.IngestRun{
			ID:          id,
			Kind:        model.IngestKindWebhookFollow,
			Status:      model.IngestStatusSuccess,
			CreatedAt:   now,
			CompletedAt: &completed,
		}
		key := followKey{target: target, follower: follower}
		s.follows[key] = model.Follow{TargetID: target, FollowerID: follower, IsDeleted: false, UpdatedAt: now}
		return nil
	})
}

// --- ingest runs ---

func (s *Store) CreateIngestRun(ctx context.Context, kind model.IngestKind, targetUserID model.UserID, mode model.SyncMode) (model.IngestRun, error) {
	var out model.IngestRun
	err := s.locked(ctx, func() error {
		s.nextIngestID++
		id := model.IngestEventID(s.nextIngestID)
		out = model.IngestRun{
			ID:           id,
			Kind:         kind,
			TargetUserID: targetUserID,
			Mode:         mode,
			Status:       model.IngestStatusInProgress,
			CreatedAt:    time.Now().UTC(),
		}
		s.ingestRuns[id] = out
		return nil
	})
	return out, err
}

func (s *Store) UpdateIngestRunSnapshot(ctx context.Context, id model.IngestEventID, snap model.HTTPSnapshot) error {
	return s.locked(ctx, func() error {
		r, ok := s.ingestRuns[id]
		if !ok {
			return storage.ErrNotFound
		}
		r.LastSnapshot = &snap
		r.LastAPIStatus = snap.StatusCode
		s.ingestRuns[id] = r
		return nil
	})
}

func (s *Store) CompleteIngestRunSuccess(ctx context.Context, id model.IngestEventID, cursorExhausted bool, syncedSince *time.Time) error {
	return s.locked(ctx, func() error {
		r, ok := s.ingestRuns[id]
		if !ok {
			return storage.ErrNotFound
		}
		now := time.Now().UTC()
		r.Status = model.IngestStatusSuccess
		r.CursorExhausted = cursorExhausted
		r.SyncedSince = syncedSince
		r.CompletedAt = &now
		s.ingestRuns[id] = r
		if r.Mode == model.SyncModeFull {
			s.fullSuccess[fullSuccessKey{subject: r.TargetUserID, kind: r.Kind}] = true
		}
		return nil
	})
}

func (s *Store) CompleteIngestRunError(ctx context.Context, id model.IngestEventID, apiStatus int, apiError string) error {
	return s.locked(ctx, func() error {
		r, ok := s.ingestRuns[id]
		if !ok {
			return storage.ErrNotFound
		}
		now := time.Now().UTC()
		r.Status = model.IngestStatusError
		r.LastAPIStatus = apiStatus
		r.LastAPIError = apiError
		r.CompletedAt = &now
		s.ingestRuns[id] = r
		return nil
	})
}

func (s *Store) AttachRequester(ctx context.Context, id model.IngestEventID, requestedBy model.AssetMaterializationID) error {
	return s.locked(ctx, func() error {
		r, ok := s.ingestRuns[id]
		if !ok {
			return storage.ErrNotFound
		}
		r.RequestedByMaterializationID = &requestedBy
		s.ingestRuns[id] = r
		return nil
	})
}

func (s *Store) GetIngestRun(ctx context.Context, id model.IngestEventID) (model.IngestRun, error) {
	var out model.IngestRun
	err := s.locked(ctx, func() error {
		r, ok := s.ingestRuns[id]
		if !ok {
			return storage.ErrNotFound
		}
		out = r
		return nil
	})
	return out, err
}

func (s *Store) LatestSuccessfulRun(ctx context.Context, kind model.IngestKind, targetUserID model.UserID) (model.IngestRun, bool, error) {
	var out model.IngestRun
	found := false
	err := s.locked(ctx, func() error {
		var best model.IngestRun
		for _, r := range s.ingestRuns {
			if r.Kind != kind || r.TargetUserID != targetUserID || r.Status != model.IngestStatusSuccess {
				continue
			}
			if !found || r.CompletedAt.After(*best.CompletedAt) {
				best = r
				found = true
			}
		}
		out = best
		return nil
	})
	return out, found, err
}

// --- assets ---

func (s *Store) GetOrCreateParams(ctx context.Context, params model.AssetParams) (model.AssetParams, error) {
	var out model.AssetParams
	err := s.locked(ctx, func() error {
		key := paramsKey(params)
		if id, ok := s.paramsByHash[key]; ok {
			out = s.paramsByID[id]
			return nil
		}
		s.nextParamsID++
		params.ID = model.AssetParamsID(s.nextParamsID)
		s.paramsByID[params.ID] = params
		s.paramsByHash[key] = params.ID
		out = params
		return nil
	})
	return out, err
}

func paramsKey(p model.AssetParams) string {
	return fmt.Sprintf("%s|%s|%d", p.Slug, p.ParamsHash, p.ParamsHashVersion)
}

func (s *Store) SetSpecifiedInputs(ctx context.Context, paramsID model.AssetParamsID, userIDs []model.UserID) error {
	return s.locked(ctx, func() error {
		p, ok := s.paramsByID[paramsID]
		if !ok {
			return storage.ErrNotFound
		}
		p.SpecifiedUserIDs = append([]model.UserID(nil), userIDs...)
		s.paramsByID[paramsID] = p
		return nil
	})
}

func (s *Store) GetParams(ctx context.Context, id model.AssetParamsID) (model.AssetParams, error) {
	var out model.AssetParams
	err := s.locked(ctx, func() error {
		p, ok := s.paramsByID[id]
		if !ok {
			return storage.ErrNotFound
		}
		out = p
		return nil
	})
	return out, err
}

func (s *Store) GetOrCreateInstance(ctx context.Context, paramsID model.AssetParamsID) (model.AssetInstance, error) {
	var out model.AssetInstance
	err := s.locked(ctx, func() error {
		if id, ok := s.instanceByPID[paramsID]; ok {
			out = s.instances[id]
			return nil
		}
		s.nextInstanceID++
		inst := model.AssetInstance{
			ID:        model.AssetInstanceID(s.nextInstanceID),
			ParamsID:  paramsID,
			CreatedAt: time.Now().UTC(),
		}
		s.instances[inst.ID] = inst
		s.instanceByPID[paramsID] = inst.ID
		out = inst
		return nil
	})
	return out, err
}

func (s *Store) GetInstance(ctx context.Context, id model.AssetInstanceID) (model.AssetInstance, error) {
	var out model.AssetInstance
	err := s.locked(ctx, func() error {
		inst, ok := s.instances[id]
		if !ok {
			return storage.ErrNotFound
		}
		out = inst
		return nil
	})
	return out, err
}

func (s *Store) EnableRoot(ctx context.Context, instanceID model.AssetInstanceID) (model.AssetInstanceRoot, error) {
	var out model.AssetInstanceRoot
	err := s.locked(ctx, func() error {
		if r, ok := s.roots[instanceID]; ok {
			r.DisabledAt = nil
			s.roots[instanceID] = r
			out = r
			return nil
		}
		s.nextRootID++
		r := model.AssetInstanceRoot{ID: s.nextRootID, InstanceID: instanceID, CreatedAt: time.Now().UTC()}
		s.roots[instanceID] = r
		out = r
		return nil
	})
	return out, err
}

func (s *Store) DisableRoot(ctx context.Context, instanceID model.AssetInstanceID) error {
	return s.locked(ctx, func() error {
		r, ok := s.roots[instanceID]
		if !ok {
			return nil // idempotent: exit 0 if already disabled/never enabled
		}
		if r.DisabledAt == nil {
			now := time.Now().UTC()
			r.DisabledAt = &now
			s.roots[instanceID] = r
		}
		return nil
	})
}

func (s *Store) EnabledRoots(ctx context.Context) ([]model.AssetInstanceRoot, error) {
	var out []model.AssetInstanceRoot
	err := s.locked(ctx, func() error {
		for _, r := range s.roots {
			if r.DisabledAt == nil {
				out = append(out, r)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
		return nil
	})
	return out, err
}

func (s *Store) EnableFanoutRoot(ctx context.Context, sourceInstanceID model.AssetInstanceID, targetSlug model.AssetSlug, mode model.FanoutMode) (model.AssetInstanceFanoutRoot, error) {
	var out model.AssetInstanceFanoutRoot
	err := s.locked(ctx, func() error {
		key := fanoutKey{source: sourceInstanceID, target: targetSlug, mode: mode}
		if r, ok := s.fanoutRoots[key]; ok {
			r.DisabledAt = nil
			s.fanoutRoots[key] = r
			out = r
			return nil
		}
		s.nextFanoutRootID++
		r := model.AssetInstanceFanoutRoot{
			ID: s.nextFanoutRootID, SourceInstanceID: sourceInstanceID,
			TargetSlug: targetSlug, FanoutMode: mode, CreatedAt: time.Now().UTC(),
		}
		s.fanoutRoots[key] = r
		out = r
		return nil
	})
	return out, err
}

func (s *Store) DisableFanoutRoot(ctx context.Context, sourceInstanceID model.AssetInstanceID, targetSlug model.AssetSlug, mode model.FanoutMode) error {
	return s.locked(ctx, func() error {
		key := fanoutKey{source: sourceInstanceID, target: targetSlug, mode: mode}
		r, ok := s.fanoutRoots[key]
		if !ok {
			return nil
		}
		if r.DisabledAt == nil {
			now := time.Now().UTC()
			r.DisabledAt = &now
			s.fanoutRoots[key] = r
		}
		return nil
	})
}

func (s *Store) EnabledFanoutRoots(ctx context.Context) ([]model.AssetInstanceFanoutRoot, error) {
	var out []model.AssetInstanceFanoutRoot
	err := s.locked(ctx, func() error {
		for _, r := range s.fanoutRoots {
			if r.DisabledAt == nil {
				out = append(out, r)
			}
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].SourceInstanceID != out[j].SourceInstanceID {
				return out[i].SourceInstanceID < out[j].SourceInstanceID
			}
			return out[i].TargetSlug < out[j].TargetSlug
		})
		return nil
	})
	return out, err
}

func (s *Store) LatestSuccessfulMaterialization(ctx context.Context, instanceID model.AssetInstanceID) (model.AssetMaterialization, bool, error) {
	var out model.AssetMaterialization
	found := false
	err := s.locked(ctx, func() error {
		ids := s.matsByInst[instanceID]
		for i := len(ids) - 1; i >= 0; i-- {
			m := s.mats[ids[i]]
			if m.Status == model.MaterializationSuccess {
				out = m
				found = true
				return nil
			}
		}
		return nil
	})
	return out, found, err
}

func (s *Store) GetMaterialization(ctx context.Context, id model.AssetMaterializationID) (model.AssetMaterialization, error) {
	var out model.AssetMaterialization
	err := s.locked(ctx, func() error {
		m, ok := s.mats[id]
		if !ok {
			return storage.ErrNotFound
		}
		out = m
		return nil
	})
	return out, err
}

func (s *Store) BeginMaterialization(ctx context.Context, m model.AssetMaterialization, depEdges []model.DependencyEdge, requestEdges []model.RequestEdge) (model.AssetMaterializationID, error) {
	var id model.AssetMaterializationID
	err := s.locked(ctx, func() error {
		s.nextMatID++
		id = model.AssetMaterializationID(s.nextMatID)
		m.ID = id
		m.Status = model.MaterializationInProgress
		if m.StartedAt.IsZero() {
			m.StartedAt = time.Now().UTC()
		}
		s.mats[id] = m
		s.matsByInst[m.AssetInstanceID] = append(s.matsByInst[m.AssetInstanceID], id)
		for _, e := range depEdges {
			e.MaterializationID = id
			s.depEdges = append(s.depEdges, e)
		}
		for _, e := range requestEdges {
			e.MaterializationID = id
			s.requestEdges = append(s.requestEdges, e)
		}
		return nil
	})
	return id, err
}

func (s *Store) CompleteMaterialization(ctx context.Context, id model.AssetMaterializationID, outputRevision int64, membership []model.MembershipRow, enterEvts []model.EnterEvent, exitEvts []model.ExitEvent) error {
	return s.locked(ctx, func() error {
		m, ok := s.mats[id]
		if !ok {
			return storage.ErrNotFound
		}
		now := time.Now().UTC()
		m.Status = model.MaterializationSuccess
		m.OutputRevision = outputRevision
		m.CompletedAt = &now
		s.mats[id] = m

		s.membership[m.AssetInstanceID] = membership
		s.enters[id] = enterEvts
		s.exits[id] = exitEvts

		inst := s.instances[m.AssetInstanceID]
		inst.CheckpointMaterializationID = &id
		s.instances[m.AssetInstanceID] = inst
		return nil
	})
}

func (s *Store) FailMaterialization(ctx context.Context, id model.AssetMaterializationID, errorPayload string) error {
	return s.locked(ctx, func() error {
		m, ok := s.mats[id]
		if !ok {
			return storage.ErrNotFound
		}
		now := time.Now().UTC()
		m.Status = model.MaterializationError
		m.ErrorPayload = errorPayload
		m.CompletedAt = &now
		s.mats[id] = m
		return nil
	})
}

func (s *Store) CurrentMembership(ctx context.Context, instanceID model.AssetInstanceID) ([]model.ItemID, error) {
	var out []model.ItemID
	err := s.locked(ctx, func() error {
		for _, row := range s.membership[instanceID] {
			out = append(out, row.ItemID)
		}
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		return nil
	})
	return out, err
}

func (s *Store) AsOfMembership(ctx context.Context, instanceID model.AssetInstanceID, targetMaterializationID model.AssetMaterializationID) ([]model.ItemID, error) {
	var out []model.ItemID
	err := s.locked(ctx, func() error {
		set := make(map[model.ItemID]struct{})
		for _, id := range s.matsByInst[instanceID] {
			m := s.mats[id]
			if m.Status != model.MaterializationSuccess {
				continue
			}
			for _, e := range s.enters[id] {
				set[e.ItemID] = struct{}{}
			}
			for _, e := range s.exits[id] {
				delete(set, e.ItemID)
			}
			if id == targetMaterializationID {
				break
			}
		}
		for id := range set {
			out = append(out, id)
		}
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		return nil
	})
	return out, err
}

func (s *Store) EverAppeared(ctx context.Context, instanceID model.AssetInstanceID, itemID model.ItemID) (bool, error) {
	var out bool
	err := s.locked(ctx, func() error {
		for _, id := range s.matsByInst[instanceID] {
			for _, e := range s.enters[id] {
				if e.ItemID == itemID {
					out = true
					return nil
				}
			}
		}
		return nil
	})
	return out, err
}

func (s *Store) RecordPlannerEvent(ctx context.Context, instanceID model.AssetInstanceID, kind, detail string) error {
	return s.locked(ctx, func() error {
		s.plannerEvents = append(s.plannerEvents, plannerEvent{
			instanceID: instanceID, kind: kind, detail: detail, at: time.Now().UTC(),
		})
		return nil
	})
}

// EnterEvents returns the enter events written by one materialization, for
// test assertions.
func (s *Store) EnterEvents(matID model.AssetMaterializationID) []model.EnterEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.EnterEvent(nil), s.enters[matID]...)
}

// ExitEvents returns the exit events written by one materialization, for
// test assertions.
func (s *Store) ExitEvents(matID model.AssetMaterializationID) []model.ExitEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ExitEvent(nil), s.exits[matID]...)
}

// MaterializationCount returns how many materialization rows exist for
// instanceID, across all statuses.
func (s *Store) MaterializationCount(instanceID model.AssetInstanceID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.matsByInst[instanceID])
}

// PlannerEvents returns recorded planner events for instanceID, for test
// assertions (kind, detail) in recorded order.
func (s *Store) PlannerEvents(instanceID model.AssetInstanceID) [][2]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][2]string
	for _, e := range s.plannerEvents {
		if e.instanceID == instanceID {
			out = append(out, [2]string{e.kind, e.detail})
		}
	}
	return out
}

// --- advisory locks ---

func (s *Store) TryLock(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := s.locked(ctx, func() error {
		if s.locks[key] {
			ok = false
			return nil
		}
		s.locks[key] = true
		ok = true
		return nil
	})
	return ok, err
}

func (s *Store) Unlock(ctx context.Context, key string) error {
	return s.locked(ctx, func() error {
		delete(s.locks, key)
		return nil
	})
}

var _ storage.Store = (*Store)(nil)
