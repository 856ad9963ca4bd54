package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briandastous/bdx/pkg/hashing"
	"github.com/briandastous/bdx/pkg/model"
	"github.com/briandastous/bdx/pkg/storage"
)

func strPtr(s string) *string { return &s }

func TestUpsertUserHandleTheft(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.UpsertUser(ctx, storage.UpsertUserInput{ID: 1, Handle: strPtr("alice")}))
	require.NoError(t, s.UpsertUser(ctx, storage.UpsertUserInput{ID: 2, Handle: strPtr("Alice")}))

	a, err := s.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, a.Handle, "stolen-from user loses the handle")

	b, err := s.GetUser(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, b.Handle)
	assert.Equal(t, "Alice", *b.Handle)

	histA, err := s.HandleHistory(ctx, 1)
	require.NoError(t, err)
	require.NotEmpty(t, histA)
	last := histA[len(histA)-1]
	assert.Equal(t, "alice", last.OldHandle)
	assert.Equal(t, "", last.NewHandle)

	histB, err := s.HandleHistory(ctx, 2)
	require.NoError(t, err)
	require.NotEmpty(t, histB)
	assert.Equal(t, "Alice", histB[len(histB)-1].NewHandle)
}

func TestUpsertUserWithoutHandleKeepsExisting(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.UpsertUser(ctx, storage.UpsertUserInput{ID: 1, Handle: strPtr("alice")}))
	require.NoError(t, s.UpsertUser(ctx, storage.UpsertUserInput{ID: 1}))

	u, err := s.GetUser(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, u.Handle)
	assert.Equal(t, "alice", *u.Handle)
}

func TestReconcileFollowsFullSoftDeletesAndRevives(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.UpsertFollowsIncremental(ctx, 1, true, []model.UserID{2, 3})
	require.NoError(t, err)

	require.NoError(t, s.ReconcileFollowsFull(ctx, storage.FollowsFullRefreshInput{
		Subject: 1, IsFollowers: true, Counterparts: []model.UserID{3, 4},
	}))
	followers, err := s.ActiveFollowerIDs(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []model.UserID{3, 4}, followers)

	// Reviving 2 brings the soft-deleted edge back.
	require.NoError(t, s.ReconcileFollowsFull(ctx, storage.FollowsFullRefreshInput{
		Subject: 1, IsFollowers: true, Counterparts: []model.UserID{2, 3, 4},
	}))
	followers, err = s.ActiveFollowerIDs(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []model.UserID{2, 3, 4}, followers)
}

func TestUpsertFollowsIncrementalCountsNew(t *testing.T) {
	ctx := context.Background()
	s := New()

	n, err := s.UpsertFollowsIncremental(ctx, 1, true, []model.UserID{2, 3})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.UpsertFollowsIncremental(ctx, 1, true, []model.UserID{2, 3})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func seedInstance(t *testing.T, s *Store) model.AssetInstance {
	t.Helper()
	ctx := context.Background()
	params := model.AssetParams{Slug: model.SlugSegmentSpecifiedUsers, StableKey: "k"}
	params.ParamsHash = hashing.ParamsHash(params)
	params.ParamsHashVersion = hashing.Version
	stored, err := s.GetOrCreateParams(ctx, params)
	require.NoError(t, err)
	inst, err := s.GetOrCreateInstance(ctx, stored.ID)
	require.NoError(t, err)
	return inst
}

func materializeWith(t *testing.T, s *Store, inst model.AssetInstance, revision int64, members []int64, enters, exits []int64, firstAppearance map[int64]bool) model.AssetMaterializationID {
	t.Helper()
	ctx := context.Background()
	matID, err := s.BeginMaterialization(ctx, model.AssetMaterialization{
		AssetInstanceID: inst.ID,
		AssetSlug:       model.SlugSegmentSpecifiedUsers,
	}, nil, nil)
	require.NoError(t, err)

	rows := make([]model.MembershipRow, 0, len(members))
	for _, m := range members {
		rows = append(rows, model.MembershipRow{
			InstanceID: inst.ID, ItemKind: model.ItemKindUser,
			ItemID: model.ItemID(m), CheckpointMaterializationID: matID,
		})
	}
	var enterEvents []model.EnterEvent
	for _, e := range enters {
		enterEvents = append(enterEvents, model.EnterEvent{
			MaterializationID: matID, ItemID: model.ItemID(e),
			ItemKind: model.ItemKindUser, IsFirstAppearance: firstAppearance[e],
		})
	}
	var exitEvents []model.ExitEvent
	for _, e := range exits {
		exitEvents = append(exitEvents, model.ExitEvent{
			MaterializationID: matID, ItemID: model.ItemID(e), ItemKind: model.ItemKindUser,
		})
	}
	require.NoError(t, s.CompleteMaterialization(ctx, matID, revision, rows, enterEvents, exitEvents))
	return matID
}

func TestAsOfMembershipReplaysEvents(t *testing.T) {
	ctx := context.Background()
	s := New()
	inst := seedInstance(t, s)

	m1 := materializeWith(t, s, inst, 1, []int64{101, 102}, []int64{101, 102}, nil, map[int64]bool{101: true, 102: true})
	m2 := materializeWith(t, s, inst, 2, []int64{101, 103}, []int64{103}, []int64{102}, map[int64]bool{103: true})

	asOf1, err := s.AsOfMembership(ctx, inst.ID, m1)
	require.NoError(t, err)
	assert.Equal(t, []model.ItemID{101, 102}, asOf1)

	asOf2, err := s.AsOfMembership(ctx, inst.ID, m2)
	require.NoError(t, err)
	assert.Equal(t, []model.ItemID{101, 103}, asOf2)

	current, err := s.CurrentMembership(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, asOf2, current, "as-of the checkpoint equals the snapshot")
}

func TestEverAppearedSurvivesExit(t *testing.T) {
	ctx := context.Background()
	s := New()
	inst := seedInstance(t, s)

	materializeWith(t, s, inst, 1, []int64{101}, []int64{101}, nil, map[int64]bool{101: true})
	materializeWith(t, s, inst, 2, nil, nil, []int64{101}, nil)

	appeared, err := s.EverAppeared(ctx, inst.ID, 101)
	require.NoError(t, err)
	assert.True(t, appeared, "history is preserved across exits")

	appeared, err = s.EverAppeared(ctx, inst.ID, 999)
	require.NoError(t, err)
	assert.False(t, appeared)
}

func TestEnableDisableRootIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()
	inst := seedInstance(t, s)

	r1, err := s.EnableRoot(ctx, inst.ID)
	require.NoError(t, err)
	r2, err := s.EnableRoot(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, r1.ID, r2.ID, "re-enable reuses the row")

	roots, err := s.EnabledRoots(ctx)
	require.NoError(t, err)
	assert.Len(t, roots, 1)

	require.NoError(t, s.DisableRoot(ctx, inst.ID))
	require.NoError(t, s.DisableRoot(ctx, inst.ID), "double disable is fine")
	roots, err = s.EnabledRoots(ctx)
	require.NoError(t, err)
	assert.Empty(t, roots)

	_, err = s.EnableRoot(ctx, inst.ID)
	require.NoError(t, err)
	roots, err = s.EnabledRoots(ctx)
	require.NoError(t, err)
	assert.Len(t, roots, 1, "exactly one enabled row at a time")
}

func TestAdvisoryLocks(t *testing.T) {
	ctx := context.Background()
	s := New()

	ok, err := s.TryLock(ctx, "materialize:1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TryLock(ctx, "materialize:1")
	require.NoError(t, err)
	assert.False(t, ok, "second acquisition fails while held")

	require.NoError(t, s.Unlock(ctx, "materialize:1"))
	ok, err = s.TryLock(ctx, "materialize:1")
	require.NoError(t, err)
	assert.True(t, ok)
}
