package memory

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: testEpoch} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state", "engrams.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// fixedScorer scores by content lookup; unknown content gets def.
type fixedScorer struct {
	def    float64
	scores map[string]float64
}

func (s fixedScorer) Score(turn Turn, _ *RollingStats) Saliency {
	if v, ok := s.scores[turn.Content]; ok {
		return Saliency{Score: v}
	}
	return Saliency{Score: s.def}
}

// flakySummarizer fails the first failures calls, then delegates.
type flakySummarizer struct {
	mu       sync.Mutex
	failures int
	calls    int
	next     Summarizer
}

func (s *flakySummarizer) Summarize(ctx context.Context, turns []Turn) (Summary, error) {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()
	if fail {
		return Summary{}, ErrSummarizerUnavailable
	}
	return s.next.Summarize(ctx, turns)
}

func seedEngram(t *testing.T, store Store, e Engram) Engram {
	t.Helper()
	if e.ConversationID == "" {
		e.ConversationID = "conv"
	}
	if e.Range.Count == 0 {
		e.Range.Count = int(e.Range.End-e.Range.Start) + 1
	}
	if e.Content == "" {
		e.Content = "memory"
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = testEpoch
	}
	if e.LastAccessed.IsZero() {
		e.LastAccessed = e.CreatedAt
	}
	saved, err := store.InsertEngram(context.Background(), e)
	require.NoError(t, err)
	return saved
}

func mkTurn(ordinal int64, content string) Turn {
	return Turn{Ordinal: ordinal, Role: "user", Content: content}
}
