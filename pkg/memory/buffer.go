package memory

import (
	"sync"
	"time"
)

// conversationState is the transient per-conversation half of the engine:
// the consolidation buffer, rolling saliency history and the idempotency
// cursor. mu serializes turns and flushes of one conversation only.
type conversationState struct {
	mu sync.Mutex

	buffer    []BufferedTurn
	tokens    int
	startedAt time.Time

	stats *RollingStats

	lastOrdinal int64
	seen        bool
	seeded      bool

	// pending holds the trigger of a failed consolidation so the next turn
	// retries even if its own conditions would not fire.
	pending Trigger
}

func newConversationState(cfg Config) *conversationState {
	return &conversationState{stats: NewRollingStats(cfg)}
}

// isDuplicate reports whether ordinal was already consumed.
func (s *conversationState) isDuplicate(ordinal int64) bool {
	return s.seen && ordinal <= s.lastOrdinal
}

func (s *conversationState) markSeen(ordinal int64) {
	if !s.seen || ordinal > s.lastOrdinal {
		s.lastOrdinal = ordinal
	}
	s.seen = true
}

func (s *conversationState) append(bt BufferedTurn, tokens int, now time.Time) {
	if len(s.buffer) == 0 {
		s.startedAt = now
	}
	s.buffer = append(s.buffer, bt)
	s.tokens += tokens
	s.markSeen(bt.Ordinal)
}

// snapshot copies the buffer so a consolidation attempt cannot alias it.
func (s *conversationState) snapshot() []BufferedTurn {
	out := make([]BufferedTurn, len(s.buffer))
	copy(out, s.buffer)
	return out
}

func (s *conversationState) drain() {
	s.buffer = nil
	s.tokens = 0
	s.startedAt = time.Time{}
	s.pending = ""
}

// evaluate decides whether the buffer should be consolidated now. Surprise
// always fires; token and size triggers need at least MinTurns buffered.
func (s *conversationState) evaluate(cfg Config, surprising bool) Trigger {
	if len(s.buffer) == 0 {
		return ""
	}
	if surprising {
		return TriggerSurprise
	}
	if s.pending == TriggerSurprise || s.pending == TriggerFlush {
		return s.pending
	}
	if len(s.buffer) < cfg.MinTurns {
		return ""
	}
	if s.tokens >= cfg.ChunkTokens {
		return TriggerTokenThreshold
	}
	if len(s.buffer) >= cfg.MaxBufferTurns {
		return TriggerBufferLimit
	}
	return s.pending
}
