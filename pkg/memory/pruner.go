package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dotsetgreg/engram/pkg/bus"
	"github.com/dotsetgreg/engram/pkg/logger"
)

// Pruner tombstones engrams whose live relevance fell below the configured
// threshold. It is best effort: an overlapping pass is skipped, and each
// tombstone is a single conditional row update so retrieval and
// consolidation are never blocked.
type Pruner struct {
	cfg       Config
	store     Store
	relevance *RelevanceEngine
	events    bus.Publisher

	running sync.Mutex
}

func NewPruner(cfg Config, store Store, relevance *RelevanceEngine, events bus.Publisher) *Pruner {
	return &Pruner{cfg: cfg, store: store, relevance: relevance, events: events}
}

// Prune runs one pass evaluated at now and returns how many engrams were
// tombstoned. Engrams reinforced after they were read are left alone.
func (p *Pruner) Prune(ctx context.Context, now time.Time) (int, error) {
	if !p.running.TryLock() {
		logger.DebugCF("pruner", "Prune pass already running, skipping", nil)
		return 0, nil
	}
	defer p.running.Unlock()

	conversations, err := p.store.ListConversations(ctx)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}

	total := 0
	var errs []error
	for _, conv := range conversations {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		n, err := p.pruneConversation(ctx, conv, now)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("prune %s: %w", conv, err))
		}
	}
	if total > 0 {
		_ = p.store.AddMetric(ctx, "engram.pruned", float64(total), nil)
	}
	logger.InfoCF("pruner", "Prune pass complete", map[string]interface{}{
		"conversations": len(conversations),
		"tombstoned":    total,
		"threshold":     p.cfg.PruneThreshold,
	})
	return total, errors.Join(errs...)
}

func (p *Pruner) pruneConversation(ctx context.Context, conversationID string, now time.Time) (int, error) {
	units, err := p.store.ListEngrams(ctx, conversationID, false)
	if err != nil {
		return 0, err
	}
	pruned := make([]string, 0)
	for _, e := range units {
		if p.relevance.Live(e, now) >= p.cfg.PruneThreshold {
			continue
		}
		if p.cfg.PruneMinAge > 0 && now.Sub(e.CreatedAt) < p.cfg.PruneMinAge {
			continue
		}
		ok, err := p.store.TombstoneEngram(ctx, e.ID, e.LastAccessed)
		if err != nil {
			return len(pruned), err
		}
		if ok {
			pruned = append(pruned, e.ID)
		}
	}
	if len(pruned) > 0 && p.events != nil {
		p.events.Publish(bus.Event{
			Kind:           bus.EngramPruned,
			ConversationID: conversationID,
			EngramIDs:      pruned,
		})
	}
	return len(pruned), nil
}
