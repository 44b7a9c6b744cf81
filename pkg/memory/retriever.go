package memory

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/dotsetgreg/engram/pkg/bus"
	"github.com/dotsetgreg/engram/pkg/logger"
)

// Retriever ranks a conversation's active engrams against a query and
// selects a budget-bounded subset, reinforcing what it returns.
type Retriever struct {
	cfg       Config
	store     Store
	relevance *RelevanceEngine
	sim       Similarity
	events    bus.Publisher
	now       Clock
}

func NewRetriever(cfg Config, store Store, relevance *RelevanceEngine, sim Similarity, events bus.Publisher, now Clock) *Retriever {
	if sim == nil {
		sim = NewEmbeddingSimilarity(nil, 0)
	}
	if now == nil {
		now = time.Now
	}
	return &Retriever{cfg: cfg, store: store, relevance: relevance, sim: sim, events: events, now: now}
}

type scoredEngram struct {
	engram     Engram
	live       float64
	recency    float64
	similarity float64
	access     float64
	composite  float64
}

// rank scores every active engram without side effects and returns them in
// rank order.
func (r *Retriever) rank(ctx context.Context, conversationID, query string) ([]scoredEngram, error) {
	units, err := r.store.ListEngrams(ctx, conversationID, false)
	if err != nil {
		return nil, err
	}
	now := r.now()
	query = strings.TrimSpace(query)

	scored := make([]scoredEngram, 0, len(units))
	for _, e := range units {
		s := scoredEngram{engram: e}
		s.live = r.relevance.Live(e, now)
		s.recency = recencyWeight(now, e.LastAccessed, r.cfg.RecencyHalfLife)
		if query != "" {
			s.similarity = clamp01(r.sim.Similarity(query, e.Content))
		}
		s.access = accessWeight(e.AccessCount)
		s.composite = r.cfg.RelevanceWeight*(s.live/r.relevance.Max()) +
			r.cfg.RecencyWeight*s.recency +
			r.cfg.SimilarityWeight*s.similarity +
			r.cfg.SurpriseWeight*clamp01(e.Surprise) +
			r.cfg.AccessWeight*s.access
		scored = append(scored, s)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.composite != b.composite {
			return a.composite > b.composite
		}
		if a.engram.AccessCount != b.engram.AccessCount {
			return a.engram.AccessCount > b.engram.AccessCount
		}
		return a.engram.CreatedAt.After(b.engram.CreatedAt)
	})
	return scored, nil
}

// Retrieve returns at most maxUnits engrams whose token counts sum to no
// more than tokenBudget, most relevant first. A unit that would overflow
// the budget is skipped and smaller later units are still considered.
// Returned engrams carry their post-reinforcement statistics.
func (r *Retriever) Retrieve(ctx context.Context, conversationID, query string, tokenBudget, maxUnits int) ([]Engram, error) {
	if tokenBudget <= 0 || maxUnits <= 0 {
		return []Engram{}, nil
	}
	started := time.Now()

	ranked, err := r.rank(ctx, conversationID, query)
	if err != nil {
		return []Engram{}, err
	}

	selected := make([]Engram, 0, maxUnits)
	used := 0
	for _, s := range ranked {
		if len(selected) >= maxUnits {
			break
		}
		if used+s.engram.TokenCount > tokenBudget {
			continue
		}
		used += s.engram.TokenCount
		selected = append(selected, s.engram)
	}

	out := make([]Engram, 0, len(selected))
	ids := make([]string, 0, len(selected))
	for _, e := range selected {
		if ctx.Err() != nil {
			// Cancelled: return what was reinforced so far plus untouched previews.
			out = append(out, e)
			continue
		}
		updated, err := r.store.ReinforceEngram(ctx, e.ID, func(cur Engram) Engram {
			return r.relevance.Reinforce(cur, r.now())
		})
		switch {
		case err == nil:
			out = append(out, updated)
			ids = append(ids, updated.ID)
		case errors.Is(err, ErrNotFound):
			// Pruned or deleted after ranking.
		default:
			logger.WarnCF("retriever", "Reinforcement failed", map[string]interface{}{
				"conversation_id": conversationID,
				"engram_id":       e.ID,
				"error":           err.Error(),
			})
			out = append(out, e)
		}
	}

	labels := map[string]string{"conversation_id": conversationID}
	_ = r.store.AddMetric(ctx, "engram.retrieved", float64(len(out)), labels)
	_ = r.store.AddMetric(ctx, "engram.retrieval_ms", float64(time.Since(started).Microseconds())/1000, labels)
	logger.DebugCF("retriever", "Engrams retrieved", map[string]interface{}{
		"conversation_id": conversationID,
		"available":       len(ranked),
		"selected":        len(out),
		"tokens":          used,
		"budget":          tokenBudget,
	})
	if r.events != nil && len(ids) > 0 {
		r.events.Publish(bus.Event{
			Kind:           bus.EngramRetrieved,
			ConversationID: conversationID,
			EngramIDs:      ids,
			Fields:         map[string]interface{}{"available": len(ranked), "tokens": used},
		})
	}
	return out, nil
}

func recencyWeight(now, seen time.Time, halfLife time.Duration) float64 {
	delta := now.Sub(seen)
	if delta < 0 {
		delta = 0
	}
	if halfLife <= 0 {
		halfLife = 7 * 24 * time.Hour
	}
	return math.Exp(-math.Ln2 * float64(delta) / float64(halfLife))
}

// accessWeight log-normalizes access frequency; about 19 accesses saturate.
func accessWeight(count int) float64 {
	if count <= 0 {
		return 0
	}
	return math.Min(math.Log1p(float64(count))/3, 1)
}
