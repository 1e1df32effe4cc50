package store_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/lifeos-nexus/council/internal/store"
	"github.com/lifeos-nexus/council/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// forEachStore runs fn against every RequestStore implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s store.RequestStore)) {
	t.Helper()

	t.Run("sqlite", func(t *testing.T) {
		s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "council", "council.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		require.NoError(t, s.Init(context.Background()))
		fn(t, s)
	})

	t.Run("memory", func(t *testing.T) {
		s := store.NewMemoryStore()
		require.NoError(t, s.Init(context.Background()))
		fn(t, s)
	})
}

func int64Ptr(v int64) *int64 { return &v }

func TestStore_Lifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.RequestStore) {
		ctx := context.Background()

		require.NoError(t, s.Save(ctx, "req-1", "Is P=NP?", "deep"))
		got, err := s.Get(ctx, "req-1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.Status)
		assert.Equal(t, "deep", got.Tier)
		assert.NotZero(t, got.CreatedAt)

		require.NoError(t, s.MarkProcessing(ctx, "req-1"))
		got, err = s.Get(ctx, "req-1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusProcessing, got.Status)

		resp := &models.CouncilResponse{
			RequestID: "req-1",
			Success:   true,
			Stage3: []models.Stage3Result{
				{Model: "gpt-5", LLMType: "openai", Response: "Open problem."},
			},
			Metadata: &models.CouncilMetadata{
				AggregateRankings: []models.AggregateRanking{
					{Model: "gpt-5", LLMType: "openai", AverageRank: 1.5, RankingsCount: 2},
				},
			},
			Duration: int64Ptr(1234),
		}
		require.NoError(t, s.Complete(ctx, "req-1", resp))

		got, err = s.Get(ctx, "req-1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, got.Status)
		require.Len(t, got.Stage3, 1)
		assert.Equal(t, "Open problem.", got.Stage3[0].Response)
		assert.Empty(t, got.Stage1)
		require.NotNil(t, got.Metadata)
		require.Len(t, got.Metadata.AggregateRankings, 1)
		assert.InDelta(t, 1.5, got.Metadata.AggregateRankings[0].AverageRank, 0.0001)
		require.NotNil(t, got.Duration)
		assert.Equal(t, int64(1234), *got.Duration)
	})
}

func TestStore_SaveDuplicate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.RequestStore) {
		ctx := context.Background()
		require.NoError(t, s.Save(ctx, "dup", "q", models.DefaultTier))

		err := s.Save(ctx, "dup", "q again", models.DefaultTier)
		require.ErrorIs(t, err, store.ErrAlreadyExists)

		got, err := s.Get(ctx, "dup")
		require.NoError(t, err)
		assert.Equal(t, "q", got.Query)
	})
}

func TestStore_TerminalStatusIsFinal(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.RequestStore) {
		ctx := context.Background()
		require.NoError(t, s.Save(ctx, "r", "q", models.DefaultTier))
		require.NoError(t, s.Fail(ctx, "r", "Request timed out after 5000ms"))

		// A late completion must not overwrite the recorded failure.
		require.NoError(t, s.Complete(ctx, "r", &models.CouncilResponse{Success: true, Duration: int64Ptr(9)}))
		require.NoError(t, s.Fail(ctx, "r", "second failure"))
		require.NoError(t, s.MarkProcessing(ctx, "r"))

		got, err := s.Get(ctx, "r")
		require.NoError(t, err)
		assert.Equal(t, models.StatusError, got.Status)
		assert.Equal(t, "Request timed out after 5000ms", got.Error)
		assert.Nil(t, got.Duration)
	})
}

func TestStore_MissingRows(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.RequestStore) {
		ctx := context.Background()

		_, err := s.Get(ctx, "nope")
		require.Error(t, err)
		assert.True(t, store.IsNotFound(err))

		assert.NoError(t, s.MarkProcessing(ctx, "nope"))
		assert.NoError(t, s.Fail(ctx, "nope", "x"))

		deleted, err := s.Delete(ctx, "nope")
		require.NoError(t, err)
		assert.False(t, deleted)

		active, err := s.GetActive(ctx)
		require.NoError(t, err)
		assert.Nil(t, active)
	})
}

func TestStore_GetActive(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.RequestStore) {
		ctx := context.Background()
		require.NoError(t, s.Save(ctx, "old", "q1", models.DefaultTier))
		require.NoError(t, s.Save(ctx, "new", "q2", models.DefaultTier))
		require.NoError(t, s.MarkProcessing(ctx, "new"))

		active, err := s.GetActive(ctx)
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, "new", active.ID)

		require.NoError(t, s.Complete(ctx, "new", &models.CouncilResponse{Success: true}))
		active, err = s.GetActive(ctx)
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, "old", active.ID)
	})
}

func TestStore_ListRecentNewestFirst(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.RequestStore) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			require.NoError(t, s.Save(ctx, fmt.Sprintf("r%d", i), "q", models.DefaultTier))
		}

		list, err := s.ListRecent(ctx, 3)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, "r4", list[0].ID)
		assert.Equal(t, "r3", list[1].ID)
		assert.Equal(t, "r2", list[2].ID)

		all, err := s.ListRecent(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, all, 5)
	})
}

func TestStore_PruneKeepsNewest(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.RequestStore) {
		ctx := context.Background()
		for i := 0; i < 60; i++ {
			require.NoError(t, s.Save(ctx, fmt.Sprintf("r%02d", i), "q", models.DefaultTier))
		}

		pruned, err := s.Prune(ctx, 50)
		require.NoError(t, err)
		assert.Equal(t, int64(10), pruned)

		list, err := s.ListRecent(ctx, 100)
		require.NoError(t, err)
		assert.Len(t, list, 50)
		assert.Equal(t, "r59", list[0].ID)
		assert.Equal(t, "r10", list[49].ID)

		_, err = s.Get(ctx, "r09")
		assert.True(t, store.IsNotFound(err))

		pruned, err = s.Prune(ctx, 50)
		require.NoError(t, err)
		assert.Zero(t, pruned)
	})
}

func TestStore_Delete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.RequestStore) {
		ctx := context.Background()
		require.NoError(t, s.Save(ctx, "gone", "q", models.DefaultTier))

		deleted, err := s.Delete(ctx, "gone")
		require.NoError(t, err)
		assert.True(t, deleted)

		_, err = s.Get(ctx, "gone")
		assert.True(t, store.IsNotFound(err))
	})
}

func TestStore_FailInFlight(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.RequestStore) {
		ctx := context.Background()
		require.NoError(t, s.Save(ctx, "a", "q", models.DefaultTier))
		require.NoError(t, s.Save(ctx, "b", "q", models.DefaultTier))
		require.NoError(t, s.MarkProcessing(ctx, "b"))
		require.NoError(t, s.Save(ctx, "c", "q", models.DefaultTier))
		require.NoError(t, s.Complete(ctx, "c", &models.CouncilResponse{Success: true}))

		n, err := s.FailInFlight(ctx, "Server restarted before completion")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		for _, id := range []string{"a", "b"} {
			got, err := s.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, models.StatusError, got.Status, id)
			assert.Equal(t, "Server restarted before completion", got.Error)
		}
		got, err := s.Get(ctx, "c")
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, got.Status)
	})
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "council.db")

	s, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Init(ctx))
	require.NoError(t, s.Save(ctx, "persist", "q", "deep"))
	require.NoError(t, s.Close())

	s2, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s2.Close() })
	require.NoError(t, s2.Init(ctx))
	assert.Equal(t, path, s2.Path())

	got, err := s2.Get(ctx, "persist")
	require.NoError(t, err)
	assert.Equal(t, "deep", got.Tier)
}
