package memory

import (
	"context"
	"time"
)

// Store is the persistence layer for engrams. Every method is scoped by
// conversation or engram id; implementations must be safe for concurrent use.
type Store interface {
	// InsertEngram atomically persists e. It fails with ErrRangeOverlap when
	// e.Range overlaps an active engram of the same conversation. A missing
	// ID is assigned by the store.
	InsertEngram(ctx context.Context, e Engram) (Engram, error)
	GetEngram(ctx context.Context, id string) (Engram, error)
	ListEngrams(ctx context.Context, conversationID string, includeTombstoned bool) ([]Engram, error)

	// ReinforceEngram applies fn to the current row of an active engram and
	// writes back its Relevance, AccessCount and LastAccessed in one
	// transaction.
	ReinforceEngram(ctx context.Context, id string, fn func(Engram) Engram) (Engram, error)

	// TombstoneEngram soft-deletes an engram only if it was not accessed
	// after lastAccessed. It reports whether a row changed.
	TombstoneEngram(ctx context.Context, id string, lastAccessed time.Time) (bool, error)

	ListConversations(ctx context.Context) ([]string, error)
	// LatestEngramEnd returns the highest consumed turn ordinal, tombstoned
	// engrams included.
	LatestEngramEnd(ctx context.Context, conversationID string) (int64, bool, error)
	DeleteConversation(ctx context.Context, conversationID string) (int, error)

	AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error
	Close() error
}
