package memory

import "time"

// Turn is one inbound conversation message. Turns are never mutated after
// creation; the engine consumes them but does not own their storage.
type Turn struct {
	Ordinal   int64
	Role      string
	Content   string
	Tokens    int // 0 means "count it for me"
	Timestamp time.Time
}

// TurnRange is the provenance of an engram: the contiguous ordinals it covers.
type TurnRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
	Count int   `json:"count"`
}

// Overlaps reports whether the two inclusive ranges share any ordinal.
func (r TurnRange) Overlaps(o TurnRange) bool {
	return r.Start <= o.End && o.Start <= r.End
}

// Trigger records why a buffer was consolidated.
type Trigger string

const (
	TriggerTokenThreshold Trigger = "token_threshold"
	TriggerSurprise       Trigger = "surprise"
	TriggerFlush          Trigger = "flush"
	TriggerBufferLimit    Trigger = "buffer_limit"
)

// Engram is a persisted, compressed representation of a contiguous range of
// conversation turns.
//
// Content, Range, Surprise, ConversationID, CreatedAt and the creation
// metadata are immutable. Only Relevance, AccessCount, LastAccessed and
// Tombstoned change after insert.
type Engram struct {
	ID             string
	ConversationID string
	Content        string
	Range          TurnRange
	TokenCount     int
	SourceTokens   int
	Relevance      float64
	Surprise       float64
	AccessCount    int
	LastAccessed   time.Time
	CreatedAt      time.Time
	Tombstoned     bool

	Trigger  Trigger
	Topics   []string
	HasCode  bool
	HasError bool
}

// BufferedTurn is a turn waiting in a consolidation buffer along with the
// surprise score it was given on arrival.
type BufferedTurn struct {
	Turn
	Surprise float64
}

// Saliency is the per-turn breakdown produced by the SaliencyScorer.
type Saliency struct {
	Topic   float64
	Anomaly float64
	Affect  float64
	Score   float64
}

// IngestResult describes what happened to one turn passed to Engine.Ingest.
type IngestResult struct {
	Duplicate    bool
	Surprise     float64
	Threshold    float64
	Trigger      Trigger
	Engram       *Engram
	BufferTurns  int
	BufferTokens int
}

// Stats summarises the persisted engrams of one conversation.
type Stats struct {
	ConversationID   string
	Total            int
	Active           int
	Tombstoned       int
	MeanRelevance    float64
	MeanSurprise     float64
	ContentTokens    int
	SourceTokens     int
	CompressionRatio float64
	LastCreatedAt    time.Time
	BufferedTurns    int
	BufferedTokens   int
}
