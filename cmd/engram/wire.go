package main

import (
	"time"

	"github.com/dotsetgreg/engram/pkg/memory"
)

// wireTurn is the JSON shape of an inbound turn for serve and ingest.
type wireTurn struct {
	Ordinal   int64      `json:"ordinal"`
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Tokens    int        `json:"tokens,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func (w wireTurn) toTurn() memory.Turn {
	t := memory.Turn{
		Ordinal: w.Ordinal,
		Role:    w.Role,
		Content: w.Content,
		Tokens:  w.Tokens,
	}
	if w.Timestamp != nil {
		t.Timestamp = *w.Timestamp
	}
	return t
}

type wireEngram struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	Content        string           `json:"content"`
	Range          memory.TurnRange `json:"range"`
	TokenCount     int              `json:"token_count"`
	SourceTokens   int              `json:"source_tokens"`
	Relevance      float64          `json:"relevance"`
	Surprise       float64          `json:"surprise"`
	AccessCount    int              `json:"access_count"`
	LastAccessed   time.Time        `json:"last_accessed"`
	CreatedAt      time.Time        `json:"created_at"`
	Trigger        string           `json:"trigger"`
	Topics         []string         `json:"topics,omitempty"`
	HasCode        bool             `json:"has_code,omitempty"`
	HasError       bool             `json:"has_error,omitempty"`
}

func toWireEngram(e memory.Engram) wireEngram {
	return wireEngram{
		ID:             e.ID,
		ConversationID: e.ConversationID,
		Content:        e.Content,
		Range:          e.Range,
		TokenCount:     e.TokenCount,
		SourceTokens:   e.SourceTokens,
		Relevance:      e.Relevance,
		Surprise:       e.Surprise,
		AccessCount:    e.AccessCount,
		LastAccessed:   e.LastAccessed,
		CreatedAt:      e.CreatedAt,
		Trigger:        string(e.Trigger),
		Topics:         e.Topics,
		HasCode:        e.HasCode,
		HasError:       e.HasError,
	}
}

func toWireEngrams(units []memory.Engram) []wireEngram {
	out := make([]wireEngram, 0, len(units))
	for _, u := range units {
		out = append(out, toWireEngram(u))
	}
	return out
}

type wireIngest struct {
	Duplicate    bool        `json:"duplicate,omitempty"`
	Surprise     float64     `json:"surprise"`
	Threshold    float64     `json:"threshold"`
	Trigger      string      `json:"trigger,omitempty"`
	Engram       *wireEngram `json:"engram,omitempty"`
	BufferTurns  int         `json:"buffer_turns"`
	BufferTokens int         `json:"buffer_tokens"`
}

func toWireIngest(r memory.IngestResult) wireIngest {
	out := wireIngest{
		Duplicate:    r.Duplicate,
		Surprise:     r.Surprise,
		Threshold:    r.Threshold,
		Trigger:      string(r.Trigger),
		BufferTurns:  r.BufferTurns,
		BufferTokens: r.BufferTokens,
	}
	if r.Engram != nil {
		e := toWireEngram(*r.Engram)
		out.Engram = &e
	}
	return out
}

type wireStats struct {
	ConversationID   string     `json:"conversation_id"`
	Total            int        `json:"total"`
	Active           int        `json:"active"`
	Tombstoned       int        `json:"tombstoned"`
	MeanRelevance    float64    `json:"mean_relevance"`
	MeanSurprise     float64    `json:"mean_surprise"`
	ContentTokens    int        `json:"content_tokens"`
	SourceTokens     int        `json:"source_tokens"`
	CompressionRatio float64    `json:"compression_ratio"`
	LastCreatedAt    *time.Time `json:"last_created_at,omitempty"`
	BufferedTurns    int        `json:"buffered_turns"`
	BufferedTokens   int        `json:"buffered_tokens"`
}

func toWireStats(s memory.Stats) wireStats {
	out := wireStats{
		ConversationID:   s.ConversationID,
		Total:            s.Total,
		Active:           s.Active,
		Tombstoned:       s.Tombstoned,
		MeanRelevance:    s.MeanRelevance,
		MeanSurprise:     s.MeanSurprise,
		ContentTokens:    s.ContentTokens,
		SourceTokens:     s.SourceTokens,
		CompressionRatio: s.CompressionRatio,
		BufferedTurns:    s.BufferedTurns,
		BufferedTokens:   s.BufferedTokens,
	}
	if !s.LastCreatedAt.IsZero() {
		last := s.LastCreatedAt
		out.LastCreatedAt = &last
	}
	return out
}
