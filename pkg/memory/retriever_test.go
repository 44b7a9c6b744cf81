package memory

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRetriever(store Store, clock *testClock) *Retriever {
	return newTestRetrieverWith(DefaultConfig(), store, clock)
}

func newTestRetrieverWith(cfg Config, store Store, clock *testClock) *Retriever {
	return NewRetriever(cfg, store, NewRelevanceEngine(cfg), JaccardSimilarity, nil, clock.Now)
}

func TestRetriever_BudgetSkipsOverflowingUnits(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	clock := newTestClock()

	a := seedEngram(t, store, Engram{Content: "alpha", Range: TurnRange{Start: 1, End: 3}, TokenCount: 60, Relevance: 5})
	b := seedEngram(t, store, Engram{Content: "beta", Range: TurnRange{Start: 4, End: 6}, TokenCount: 50, Relevance: 4})
	c := seedEngram(t, store, Engram{Content: "gamma", Range: TurnRange{Start: 7, End: 9}, TokenCount: 30, Relevance: 1})

	r := newTestRetriever(store, clock)
	got, err := r.Retrieve(ctx, "conv", "", 95, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, a.ID, got[0].ID)
	assert.Equal(t, c.ID, got[1].ID, "smaller later unit still fits after a skip")

	total := 0
	for _, u := range got {
		total += u.TokenCount
		assert.Equal(t, 1, u.AccessCount, "returned units carry post-access stats")
	}
	assert.LessOrEqual(t, total, 95)

	skipped, err := store.GetEngram(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, skipped.AccessCount, "unselected units are untouched")
	assert.True(t, skipped.LastAccessed.Equal(b.LastAccessed))
}

func TestRetriever_MaxUnitsAndAccessIncrement(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	clock := newTestClock()
	for i := int64(0); i < 4; i++ {
		seedEngram(t, store, Engram{Range: TurnRange{Start: i*2 + 1, End: i*2 + 2}, TokenCount: 10, Relevance: float64(i + 1)})
	}
	r := newTestRetriever(store, clock)

	first, err := r.Retrieve(ctx, "conv", "", 1000, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)

	clock.Advance(time.Hour)
	second, err := r.Retrieve(ctx, "conv", "", 1000, 2)
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, 2, second[0].AccessCount, "exactly one increment per call")
}

func TestRetriever_TieBreaksByAccessThenCreation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	clock := newTestClock()
	clock.Advance(24 * time.Hour)
	last := testEpoch.Add(2 * time.Hour)

	older := seedEngram(t, store, Engram{Range: TurnRange{Start: 1, End: 2}, TokenCount: 5, Relevance: 1,
		CreatedAt: testEpoch, LastAccessed: last})
	newer := seedEngram(t, store, Engram{Range: TurnRange{Start: 3, End: 4}, TokenCount: 5, Relevance: 1,
		CreatedAt: testEpoch.Add(time.Hour), LastAccessed: last})
	popular := seedEngram(t, store, Engram{Range: TurnRange{Start: 5, End: 6}, TokenCount: 5, Relevance: 1,
		CreatedAt: testEpoch, LastAccessed: last, AccessCount: 3})

	cfg := DefaultConfig()
	cfg.AccessWeight = 0
	r := newTestRetrieverWith(cfg, store, clock)
	ranked, err := r.rank(ctx, "conv", "")
	require.NoError(t, err)
	require.Len(t, ranked, 3)
	assert.Equal(t, ranked[0].composite, ranked[2].composite)
	assert.Equal(t, popular.ID, ranked[0].engram.ID)
	assert.Equal(t, newer.ID, ranked[1].engram.ID)
	assert.Equal(t, older.ID, ranked[2].engram.ID)
}

func TestRetriever_SimilarityLiftsMatchingUnit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	clock := newTestClock()
	seedEngram(t, store, Engram{Content: "we chose postgres for the billing database", Range: TurnRange{Start: 1, End: 2}, TokenCount: 5, Relevance: 1})
	match := seedEngram(t, store, Engram{Content: "kubernetes rollout stuck on readiness probe", Range: TurnRange{Start: 3, End: 4}, TokenCount: 5, Relevance: 1})

	r := newTestRetriever(store, clock)
	got, err := r.Retrieve(ctx, "conv", "why is the kubernetes rollout stuck", 100, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, match.ID, got[0].ID)
}

func TestRetriever_SurpriseLiftsOtherwiseEqualUnit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	clock := newTestClock()
	seedEngram(t, store, Engram{Content: "routine status update", Range: TurnRange{Start: 1, End: 2}, TokenCount: 5, Relevance: 1, Surprise: 0.1})
	salient := seedEngram(t, store, Engram{Content: "routine status update", Range: TurnRange{Start: 3, End: 4}, TokenCount: 5, Relevance: 1, Surprise: 0.9,
		CreatedAt: testEpoch.Add(-time.Hour), LastAccessed: testEpoch})

	r := newTestRetriever(store, clock)
	ranked, err := r.rank(ctx, "conv", "status update")
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, salient.ID, ranked[0].engram.ID, "higher surprise wins despite older creation")
	assert.InDelta(t, 0.2*0.8, ranked[0].composite-ranked[1].composite, 1e-6)

	cfg := DefaultConfig()
	cfg.SurpriseWeight = 0
	flat, err := newTestRetrieverWith(cfg, store, clock).rank(ctx, "conv", "status update")
	require.NoError(t, err)
	assert.Equal(t, flat[0].composite, flat[1].composite)
}

func TestRetriever_AccessFrequencyWeight(t *testing.T) {
	assert.Equal(t, 0.0, accessWeight(0))
	assert.InDelta(t, math.Log1p(3)/3, accessWeight(3), 1e-9)
	assert.Equal(t, 1.0, accessWeight(1000))

	ctx := context.Background()
	store := newTestStore(t)
	clock := newTestClock()
	seedEngram(t, store, Engram{Range: TurnRange{Start: 1, End: 2}, TokenCount: 5, Relevance: 1})
	used := seedEngram(t, store, Engram{Range: TurnRange{Start: 3, End: 4}, TokenCount: 5, Relevance: 1, AccessCount: 5,
		CreatedAt: testEpoch.Add(-time.Hour), LastAccessed: testEpoch})

	ranked, err := newTestRetriever(store, clock).rank(ctx, "conv", "")
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, used.ID, ranked[0].engram.ID)
	assert.Greater(t, ranked[0].composite, ranked[1].composite)
}

func TestRetriever_EmptyAndZeroBudget(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	r := newTestRetriever(store, newTestClock())

	got, err := r.Retrieve(ctx, "conv", "anything", 100, 5)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	seedEngram(t, store, Engram{Range: TurnRange{Start: 1, End: 1}, TokenCount: 5, Relevance: 1})
	got, err = r.Retrieve(ctx, "conv", "", 0, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

type failingListStore struct {
	*SQLiteStore
}

func (s failingListStore) ListEngrams(context.Context, string, bool) ([]Engram, error) {
	return nil, ErrTransientStorage
}

func TestRetriever_StorageErrorSurfaces(t *testing.T) {
	store := failingListStore{newTestStore(t)}
	r := newTestRetriever(store, newTestClock())
	got, err := r.Retrieve(context.Background(), "conv", "", 100, 5)
	assert.True(t, errors.Is(err, ErrTransientStorage))
	assert.Empty(t, got)
}
