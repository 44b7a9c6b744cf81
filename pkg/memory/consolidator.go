package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dotsetgreg/engram/pkg/bus"
	"github.com/dotsetgreg/engram/pkg/logger"
)

// Clock returns the current time. Tests inject a fixed or stepping clock.
type Clock func() time.Time

// Consolidator drains buffered turns into one persisted engram.
type Consolidator struct {
	cfg        Config
	store      Store
	summarizer Summarizer
	relevance  *RelevanceEngine
	counter    TokenCounter
	events     bus.Publisher
	now        Clock
}

func NewConsolidator(cfg Config, store Store, summarizer Summarizer, relevance *RelevanceEngine, counter TokenCounter, events bus.Publisher, now Clock) *Consolidator {
	if counter == nil {
		counter = DefaultTokenCounter
	}
	if now == nil {
		now = time.Now
	}
	return &Consolidator{
		cfg:        cfg,
		store:      store,
		summarizer: summarizer,
		relevance:  relevance,
		counter:    counter,
		events:     events,
		now:        now,
	}
}

// Consolidate summarizes turns and atomically persists the result. On any
// error nothing is persisted and the caller keeps its buffer.
func (c *Consolidator) Consolidate(ctx context.Context, conversationID string, turns []BufferedTurn, trigger Trigger) (Engram, error) {
	if len(turns) == 0 {
		return Engram{}, fmt.Errorf("consolidate %s: no buffered turns", conversationID)
	}
	started := c.now()

	plain := make([]Turn, len(turns))
	sourceTokens := 0
	for i, bt := range turns {
		plain[i] = bt.Turn
		sourceTokens += countTurn(c.counter, bt.Turn)
	}

	sctx, cancel := context.WithTimeout(ctx, c.cfg.ConsolidationTimeout)
	summary, err := c.summarizer.Summarize(sctx, plain)
	cancel()
	if err != nil {
		if !errors.Is(err, ErrEmptySummary) && !errors.Is(err, ErrSummarizerUnavailable) {
			err = fmt.Errorf("%w: %w", ErrSummarizerUnavailable, err)
		}
		return Engram{}, err
	}
	if summary.Content == "" {
		return Engram{}, ErrEmptySummary
	}
	if summary.Tokens <= 0 {
		summary.Tokens = c.counter.Count(summary.Content)
	}

	now := c.now()
	e := Engram{
		ConversationID: conversationID,
		Content:        summary.Content,
		Range: TurnRange{
			Start: turns[0].Ordinal,
			End:   turns[len(turns)-1].Ordinal,
			Count: len(turns),
		},
		TokenCount:   summary.Tokens,
		SourceTokens: sourceTokens,
		Relevance:    c.relevance.Initial(),
		Surprise:     aggregateSurprise(turns, c.cfg.SurpriseAggregate),
		LastAccessed: now,
		CreatedAt:    now,
		Trigger:      trigger,
		Topics:       extractTopics(plain, 5),
		HasCode:      turnsHaveCode(plain),
		HasError:     turnsHaveError(plain),
	}

	saved, err := c.persist(ctx, e)
	if err != nil {
		return Engram{}, err
	}

	labels := map[string]string{"conversation_id": conversationID, "trigger": string(trigger)}
	_ = c.store.AddMetric(ctx, "engram.created", 1, labels)
	if saved.TokenCount > 0 {
		_ = c.store.AddMetric(ctx, "engram.compression_ratio", float64(saved.SourceTokens)/float64(saved.TokenCount), labels)
	}
	_ = c.store.AddMetric(ctx, "engram.consolidation_ms", float64(c.now().Sub(started).Milliseconds()), labels)

	logger.InfoCF("consolidator", "Engram created", map[string]interface{}{
		"conversation_id": conversationID,
		"engram_id":       saved.ID,
		"range":           fmt.Sprintf("%d..%d", saved.Range.Start, saved.Range.End),
		"turns":           saved.Range.Count,
		"trigger":         string(trigger),
		"surprise":        saved.Surprise,
		"source_tokens":   saved.SourceTokens,
		"tokens":          saved.TokenCount,
	})
	if c.events != nil {
		c.events.Publish(bus.Event{
			Kind:           bus.EngramCreated,
			ConversationID: conversationID,
			EngramIDs:      []string{saved.ID},
			Fields: map[string]interface{}{
				"trigger":     string(trigger),
				"start":       saved.Range.Start,
				"end":         saved.Range.End,
				"surprise":    saved.Surprise,
				"token_count": saved.TokenCount,
			},
		})
	}
	return saved, nil
}

// persist retries transient failures with exponential backoff. Range
// overlaps and other permanent errors return immediately.
func (c *Consolidator) persist(ctx context.Context, e Engram) (Engram, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.RetryInitial
	policy.MaxInterval = c.cfg.RetryMax
	policy.MaxElapsedTime = 0

	attempt := 0
	var saved Engram
	op := func() error {
		attempt++
		out, err := c.store.InsertEngram(ctx, e)
		if err == nil {
			saved = out
			return nil
		}
		if errors.Is(err, ErrRangeOverlap) || !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.WarnCF("consolidator", "Transient persist failure, retrying", map[string]interface{}{
			"conversation_id": e.ConversationID,
			"attempt":         attempt,
			"wait":            wait.String(),
			"error":           err.Error(),
		})
	}
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.cfg.RetryAttempts-1)), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return Engram{}, err
	}
	return saved, nil
}

func aggregateSurprise(turns []BufferedTurn, agg SurpriseAggregate) float64 {
	if len(turns) == 0 {
		return 0
	}
	switch agg {
	case AggregateMean:
		var sum float64
		for _, t := range turns {
			sum += t.Surprise
		}
		return clamp01(sum / float64(len(turns)))
	default:
		peak := 0.0
		for _, t := range turns {
			if t.Surprise > peak {
				peak = t.Surprise
			}
		}
		return clamp01(peak)
	}
}
