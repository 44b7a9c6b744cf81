package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
	"github.com/dotsetgreg/engram/pkg/bus"
	"github.com/dotsetgreg/engram/pkg/logger"
)

// EnabledFunc is the per-conversation feature flag. A disabled conversation
// is never consolidated and always retrieves nothing.
type EnabledFunc func(conversationID string) bool

// Option customizes an Engine at construction.
type Option func(*Engine)

func WithSummarizer(s Summarizer) Option { return func(e *Engine) { e.summarizer = s } }
func WithSimilarity(s Similarity) Option { return func(e *Engine) { e.similarity = s } }
func WithScorer(s Scorer) Option { return func(e *Engine) { e.scorer = s } }
func WithTokenCounter(c TokenCounter) Option { return func(e *Engine) { e.counter = c } }
func WithClock(c Clock) Option { return func(e *Engine) { e.now = c } }
func WithEvents(p bus.Publisher) Option { return func(e *Engine) { e.events = p } }
func WithEnabled(f EnabledFunc) Option { return func(e *Engine) { e.enabled = f } }

// Engine is the orchestrator-facing facade: it buffers turns, triggers
// consolidation, serves retrieval and runs scheduled pruning.
type Engine struct {
	cfg   Config
	store Store

	summarizer Summarizer
	similarity Similarity
	scorer     Scorer
	counter    TokenCounter
	now        Clock
	events     bus.Publisher
	enabled    EnabledFunc

	relevance    *RelevanceEngine
	consolidator *Consolidator
	retriever    *Retriever
	pruner       *Pruner

	mu    sync.Mutex
	convs map[string]*conversationState

	closed    atomic.Bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewEngine validates cfg and wires the components. The caller owns store
// and closes it after Close.
func NewEngine(cfg Config, store Store, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	e := &Engine{
		cfg:    cfg,
		store:  store,
		convs:  make(map[string]*conversationState),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.counter == nil {
		e.counter = DefaultTokenCounter
	}
	if e.similarity == nil {
		e.similarity = NewEmbeddingSimilarity(nil, 0)
	}
	if e.scorer == nil {
		e.scorer = NewSaliencyScorer(cfg.Weights, e.similarity)
	}
	if e.summarizer == nil {
		e.summarizer = NewExtractiveSummarizer(cfg.MaxSummaryTokens)
	}
	if e.enabled == nil {
		e.enabled = func(string) bool { return true }
	}

	e.relevance = NewRelevanceEngine(cfg)
	e.consolidator = NewConsolidator(cfg, store, e.summarizer, e.relevance, e.counter, e.events, e.now)
	e.retriever = NewRetriever(cfg, store, e.relevance, e.similarity, e.events, e.now)
	e.pruner = NewPruner(cfg, store, e.relevance, e.events)
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Enabled reports the feature flag for a conversation.
func (e *Engine) Enabled(conversationID string) bool { return e.enabled(conversationID) }

func (e *Engine) state(conversationID string) *conversationState {
	e.mu.Lock()
	st, ok := e.convs[conversationID]
	if !ok {
		st = newConversationState(e.cfg)
		e.convs[conversationID] = st
	}
	e.mu.Unlock()
	return st
}

// seed restores the idempotency cursor from persisted engrams once per
// process. On failure the state stays unseeded and the next turn retries.
// Caller holds st.mu.
func (e *Engine) seed(ctx context.Context, conversationID string, st *conversationState) error {
	if st.seeded {
		return nil
	}
	end, ok, err := e.store.LatestEngramEnd(ctx, conversationID)
	if err != nil {
		return err
	}
	if ok {
		st.markSeen(end)
	}
	st.seeded = true
	return nil
}

// OnTurn ingests one turn. It never returns an error: transient failures
// keep the turn buffered and are retried on the next turn. A turn that
// arrives while the consolidation cursor cannot be loaded is logged and
// not buffered; the next turn retries the load.
func (e *Engine) OnTurn(ctx context.Context, conversationID string, turn Turn) {
	_, err := e.Ingest(ctx, conversationID, turn)
	if err != nil && !errors.Is(err, ErrEngineClosed) && !errors.Is(err, ErrTurnNotAccepted) {
		logger.WarnCF("engine", "Turn ingested with deferred consolidation", map[string]interface{}{
			"conversation_id": conversationID,
			"ordinal":         turn.Ordinal,
			"error":           err.Error(),
		})
	}
}

// Ingest is OnTurn with a report. A non-nil error is a warning: the turn is
// buffered and the failed consolidation will be retried. The exception is
// ErrTurnNotAccepted, where nothing was buffered and the caller should
// resubmit the turn.
func (e *Engine) Ingest(ctx context.Context, conversationID string, turn Turn) (IngestResult, error) {
	if e.closed.Load() {
		return IngestResult{}, ErrEngineClosed
	}
	if !e.enabled(conversationID) {
		return IngestResult{}, nil
	}

	st := e.state(conversationID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := e.seed(ctx, conversationID, st); err != nil {
		logger.WarnCF("engine", "Could not load consolidation cursor", map[string]interface{}{
			"conversation_id": conversationID,
			"ordinal":         turn.Ordinal,
			"error":           err.Error(),
		})
		return IngestResult{}, fmt.Errorf("%w: load cursor for %s: %v", ErrTurnNotAccepted, conversationID, err)
	}

	if st.isDuplicate(turn.Ordinal) {
		logger.DebugCF("engine", "Duplicate turn ignored", map[string]interface{}{
			"conversation_id": conversationID,
			"ordinal":         turn.Ordinal,
		})
		return IngestResult{Duplicate: true, BufferTurns: len(st.buffer), BufferTokens: st.tokens}, nil
	}

	turn.Tokens = countTurn(e.counter, turn)
	if turn.Timestamp.IsZero() {
		turn.Timestamp = e.now()
	}

	threshold := st.stats.Threshold()
	sal := e.scorer.Score(turn, st.stats)
	st.stats.Observe(turn, sal)
	st.append(BufferedTurn{Turn: turn, Surprise: sal.Score}, turn.Tokens, e.now())

	res := IngestResult{Surprise: sal.Score, Threshold: threshold}
	trig := st.evaluate(e.cfg, sal.Score > threshold)
	var err error
	if trig != "" {
		res.Trigger = trig
		var saved Engram
		saved, err = e.consolidateLocked(ctx, conversationID, st, trig)
		if err == nil {
			res.Engram = &saved
		}
	}
	res.BufferTurns = len(st.buffer)
	res.BufferTokens = st.tokens
	return res, err
}

func (e *Engine) consolidateLocked(ctx context.Context, conversationID string, st *conversationState, trig Trigger) (Engram, error) {
	saved, err := e.consolidator.Consolidate(ctx, conversationID, st.snapshot(), trig)
	if err == nil {
		st.drain()
		return saved, nil
	}

	st.pending = trig
	reason := "storage"
	switch {
	case errors.Is(err, ErrRangeOverlap):
		reason = "range_overlap"
	case errors.Is(err, ErrSummarizerUnavailable), errors.Is(err, ErrEmptySummary):
		reason = "summarizer"
	}
	_ = e.store.AddMetric(ctx, "consolidation.deferred", 1, map[string]string{
		"conversation_id": conversationID,
		"reason":          reason,
	})
	logger.WarnCF("engine", "Consolidation deferred, buffer retained", map[string]interface{}{
		"conversation_id": conversationID,
		"trigger":         string(trig),
		"buffered_turns":  len(st.buffer),
		"reason":          reason,
		"error":           err.Error(),
	})
	if e.events != nil {
		e.events.Publish(bus.Event{
			Kind:           bus.ConsolidationDeferred,
			ConversationID: conversationID,
			Fields: map[string]interface{}{
				"trigger":        string(trig),
				"reason":         reason,
				"buffered_turns": len(st.buffer),
			},
		})
	}
	return Engram{}, fmt.Errorf("consolidate %s: %w", conversationID, err)
}

// RetrieveContext returns the ranked, budget-bounded engrams for a turn.
// Storage failures and disabled conversations yield an empty list.
func (e *Engine) RetrieveContext(ctx context.Context, conversationID, query string, tokenBudget, maxUnits int) []Engram {
	if e.closed.Load() || !e.enabled(conversationID) {
		return []Engram{}
	}
	units, err := e.retriever.Retrieve(ctx, conversationID, query, tokenBudget, maxUnits)
	if err != nil {
		_ = e.store.AddMetric(context.Background(), "engram.retrieval_error", 1, map[string]string{"conversation_id": conversationID})
		logger.WarnCF("engine", "Retrieval failed, continuing without memory", map[string]interface{}{
			"conversation_id": conversationID,
			"error":           err.Error(),
		})
		return []Engram{}
	}
	return units
}

// Flush consolidates whatever is buffered, regardless of size. An empty
// buffer is a no-op and returns nil.
func (e *Engine) Flush(ctx context.Context, conversationID string) (*Engram, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if !e.enabled(conversationID) {
		return nil, nil
	}
	e.mu.Lock()
	st, ok := e.convs[conversationID]
	e.mu.Unlock()
	if !ok {
		return nil, nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.buffer) == 0 {
		return nil, nil
	}
	saved, err := e.consolidateLocked(ctx, conversationID, st, TriggerFlush)
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

// Buffered lists conversations that currently hold unconsolidated turns.
func (e *Engine) Buffered() []string {
	e.mu.Lock()
	states := make(map[string]*conversationState, len(e.convs))
	for id, st := range e.convs {
		states[id] = st
	}
	e.mu.Unlock()

	out := make([]string, 0, len(states))
	for id, st := range states {
		st.mu.Lock()
		if len(st.buffer) > 0 {
			out = append(out, id)
		}
		st.mu.Unlock()
	}
	return out
}

// Prune runs one best-effort maintenance pass now.
func (e *Engine) Prune(ctx context.Context) (int, error) {
	if e.closed.Load() {
		return 0, ErrEngineClosed
	}
	return e.pruner.Prune(ctx, e.now())
}

// Stats reports persisted and buffered state for one conversation. Mean
// relevance is the live (decayed) value over active engrams.
func (e *Engine) Stats(ctx context.Context, conversationID string) (Stats, error) {
	units, err := e.store.ListEngrams(ctx, conversationID, true)
	if err != nil {
		return Stats{}, err
	}
	now := e.now()
	out := Stats{ConversationID: conversationID, Total: len(units)}
	var relSum, surpriseSum float64
	for _, u := range units {
		if u.CreatedAt.After(out.LastCreatedAt) {
			out.LastCreatedAt = u.CreatedAt
		}
		if u.Tombstoned {
			out.Tombstoned++
			continue
		}
		out.Active++
		relSum += e.relevance.Live(u, now)
		surpriseSum += u.Surprise
		out.ContentTokens += u.TokenCount
		out.SourceTokens += u.SourceTokens
	}
	if out.Active > 0 {
		out.MeanRelevance = relSum / float64(out.Active)
		out.MeanSurprise = surpriseSum / float64(out.Active)
	}
	if out.ContentTokens > 0 {
		out.CompressionRatio = float64(out.SourceTokens) / float64(out.ContentTokens)
	}

	e.mu.Lock()
	st, ok := e.convs[conversationID]
	e.mu.Unlock()
	if ok {
		st.mu.Lock()
		out.BufferedTurns = len(st.buffer)
		out.BufferedTokens = st.tokens
		st.mu.Unlock()
	}
	return out, nil
}

// DeleteConversation drops buffered state and every persisted engram of a
// conversation. It returns the number of engrams removed.
func (e *Engine) DeleteConversation(ctx context.Context, conversationID string) (int, error) {
	e.mu.Lock()
	st, ok := e.convs[conversationID]
	delete(e.convs, conversationID)
	e.mu.Unlock()
	if ok {
		// Wait out an in-flight consolidation before deleting its output.
		st.mu.Lock()
		defer st.mu.Unlock()
		st.drain()
	}
	n, err := e.store.DeleteConversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	logger.InfoCF("engine", "Conversation deleted", map[string]interface{}{
		"conversation_id": conversationID,
		"engrams":         n,
	})
	return n, nil
}

// StartMaintenance runs the pruner on the configured cron schedule until
// Close. It is a no-op when no schedule is configured.
func (e *Engine) StartMaintenance() {
	if e.cfg.PruneSchedule == "" || e.closed.Load() {
		return
	}
	e.wg.Add(1)
	go e.runMaintenance()
}

func (e *Engine) runMaintenance() {
	defer e.wg.Done()
	for {
		next, err := gronx.NextTickAfter(e.cfg.PruneSchedule, time.Now(), false)
		if err != nil {
			logger.ErrorCF("engine", "Invalid prune schedule, maintenance stopped", map[string]interface{}{
				"schedule": e.cfg.PruneSchedule,
				"error":    err.Error(),
			})
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-e.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		go func() {
			select {
			case <-e.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		if _, err := e.pruner.Prune(ctx, e.now()); err != nil {
			logger.WarnCF("engine", "Scheduled prune failed", map[string]interface{}{"error": err.Error()})
		}
		cancel()
	}
}

// Close stops background maintenance. Buffered turns are not flushed; call
// Flush first when a conversation ends.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.stopCh)
		e.wg.Wait()
	})
	return nil
}
