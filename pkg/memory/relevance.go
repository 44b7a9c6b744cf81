package memory

import (
	"math"
	"time"
)

// RelevanceEngine applies lazy exponential decay and access reinforcement.
// Decay is measured from LastAccessed, never from creation.
type RelevanceEngine struct {
	lambda    float64 // per day
	max       float64
	increment float64
	initial   float64
}

func NewRelevanceEngine(cfg Config) *RelevanceEngine {
	return &RelevanceEngine{
		lambda:    cfg.DecayPerDay,
		max:       cfg.MaxRelevance,
		increment: cfg.Reinforcement,
		initial:   cfg.InitialRelevance,
	}
}

// Max is R_max.
func (r *RelevanceEngine) Max() float64 { return r.max }

// Initial is the relevance assigned to a freshly consolidated engram.
func (r *RelevanceEngine) Initial() float64 { return r.initial }

// Live returns the decayed relevance at now. It is read-only.
func (r *RelevanceEngine) Live(e Engram, now time.Time) float64 {
	return r.decay(e.Relevance, e.LastAccessed, now)
}

func (r *RelevanceEngine) decay(stored float64, last, now time.Time) float64 {
	days := now.Sub(last).Hours() / 24
	if days < 0 {
		days = 0
	}
	return clampRange(stored*math.Exp(-r.lambda*days), 0, r.max)
}

// Reinforce records one access: decay to now, then add the increment capped
// at R_max, bump AccessCount and move LastAccessed to now.
func (r *RelevanceEngine) Reinforce(e Engram, now time.Time) Engram {
	live := r.Live(e, now)
	e.Relevance = math.Min(r.max, live+r.increment)
	e.AccessCount++
	if now.After(e.LastAccessed) {
		e.LastAccessed = now
	}
	return e
}

func clampRange(v, lo, hi float64) float64 {
	if v != v || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
