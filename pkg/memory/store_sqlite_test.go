package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStore_InsertRejectsOverlap(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first := seedEngram(t, store, Engram{Range: TurnRange{Start: 1, End: 5}, Relevance: 1, Topics: []string{"api"}, HasCode: true})
	require.NotEmpty(t, first.ID)

	_, err := store.InsertEngram(ctx, Engram{
		ConversationID: "conv",
		Content:        "overlapping",
		Range:          TurnRange{Start: 5, End: 8, Count: 4},
		Relevance:      1,
		CreatedAt:      testEpoch,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRangeOverlap))

	// Other conversations are independent.
	seedEngram(t, store, Engram{ConversationID: "other", Range: TurnRange{Start: 1, End: 5}, Relevance: 1})

	got, err := store.GetEngram(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Content, got.Content)
	assert.Equal(t, TurnRange{Start: 1, End: 5, Count: 5}, got.Range)
	assert.Equal(t, []string{"api"}, got.Topics)
	assert.True(t, got.HasCode)
	assert.True(t, got.CreatedAt.Equal(testEpoch))

	list, err := store.ListEngrams(ctx, "conv", false)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSQLiteStore_TombstonedRangeMayBeReused(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	old := seedEngram(t, store, Engram{Range: TurnRange{Start: 1, End: 3}, Relevance: 0.01})
	ok, err := store.TombstoneEngram(ctx, old.ID, old.LastAccessed)
	require.NoError(t, err)
	require.True(t, ok)

	seedEngram(t, store, Engram{Range: TurnRange{Start: 2, End: 4}, Relevance: 1})

	active, err := store.ListEngrams(ctx, "conv", false)
	require.NoError(t, err)
	assert.Len(t, active, 1)
	all, err := store.ListEngrams(ctx, "conv", true)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	end, found, err := store.LatestEngramEnd(ctx, "conv")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(4), end)

	_, found, err = store.LatestEngramEnd(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSQLiteStore_TombstoneSkipsRecentlyAccessed(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	e := seedEngram(t, store, Engram{Range: TurnRange{Start: 1, End: 2}, Relevance: 0.05})

	// A retrieval reinforces after the pruner read the row.
	_, err := store.ReinforceEngram(ctx, e.ID, func(cur Engram) Engram {
		cur.Relevance = 0.25
		cur.AccessCount++
		cur.LastAccessed = cur.LastAccessed.Add(time.Hour)
		return cur
	})
	require.NoError(t, err)

	ok, err := store.TombstoneEngram(ctx, e.ID, e.LastAccessed)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.GetEngram(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, got.Tombstoned)
	assert.Equal(t, 1, got.AccessCount)
	assert.Equal(t, 0.25, got.Relevance)
}

func TestSQLiteStore_ReinforceMissingOrTombstoned(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.ReinforceEngram(ctx, "nope", func(e Engram) Engram { return e })
	assert.True(t, errors.Is(err, ErrNotFound))

	e := seedEngram(t, store, Engram{Range: TurnRange{Start: 1, End: 1}, Relevance: 1})
	_, err = store.TombstoneEngram(ctx, e.ID, e.LastAccessed)
	require.NoError(t, err)
	_, err = store.ReinforceEngram(ctx, e.ID, func(e Engram) Engram { return e })
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = store.GetEngram(ctx, "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLiteStore_DeleteConversationAndMetrics(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedEngram(t, store, Engram{Range: TurnRange{Start: 1, End: 2}, Relevance: 1})
	seedEngram(t, store, Engram{Range: TurnRange{Start: 3, End: 4}, Relevance: 1})
	seedEngram(t, store, Engram{ConversationID: "keep", Range: TurnRange{Start: 1, End: 2}, Relevance: 1})

	convs, err := store.ListConversations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"conv", "keep"}, convs)

	n, err := store.DeleteConversation(ctx, "conv")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	convs, err = store.ListConversations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep"}, convs)

	require.NoError(t, store.AddMetric(ctx, "engram.created", 1, map[string]string{"trigger": "flush"}))
	count, err := store.MetricCount(ctx, "engram.created")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSQLiteStore_InMemory(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()
	seedEngram(t, store, Engram{Range: TurnRange{Start: 1, End: 1}, Relevance: 1})
	list, err := store.ListEngrams(context.Background(), "conv", false)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(ErrTransientStorage))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(ErrRangeOverlap))
	assert.False(t, IsTransient(errors.New("syntax error")))
}
