package memory

import (
	"fmt"
	"math"
	"time"

	"github.com/adhocore/gronx"
)

// SurpriseAggregate selects how buffered turn scores combine into an engram's
// surprise score.
type SurpriseAggregate string

const (
	AggregateMax  SurpriseAggregate = "max"
	AggregateMean SurpriseAggregate = "mean"
)

// SaliencyWeights weight the three normalized saliency signals.
type SaliencyWeights struct {
	Topic   float64
	Anomaly float64
	Affect  float64
}

// Config configures every engine component. It is passed explicitly at
// construction; nothing reads ambient globals.
type Config struct {
	// Consolidation
	ChunkTokens          int
	MinTurns             int
	MaxBufferTurns       int
	SurpriseAggregate    SurpriseAggregate
	ConsolidationTimeout time.Duration
	MaxSummaryTokens     int

	// Saliency
	Weights           SaliencyWeights
	SaliencyWindow    int
	SaliencyMinSample int
	FallbackThreshold float64

	// Relevance
	InitialRelevance float64
	MaxRelevance     float64
	Reinforcement    float64
	DecayPerDay      float64

	// Retrieval
	RelevanceWeight  float64
	RecencyWeight    float64
	SimilarityWeight float64
	SurpriseWeight   float64
	AccessWeight     float64
	RecencyHalfLife  time.Duration
	DefaultMaxUnits  int
	DefaultBudget    int

	// Maintenance
	PruneThreshold float64
	PruneMinAge    time.Duration
	PruneSchedule  string

	// Persistence retry
	RetryAttempts int
	RetryInitial  time.Duration
	RetryMax      time.Duration
}

// DefaultDecayPerDay loses 5% of stored relevance per idle day.
var DefaultDecayPerDay = -math.Log(0.95)

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		ChunkTokens:          5000,
		MinTurns:             3,
		MaxBufferTurns:       100,
		SurpriseAggregate:    AggregateMax,
		ConsolidationTimeout: 30 * time.Second,
		MaxSummaryTokens:     300,

		Weights:           SaliencyWeights{Topic: 0.4, Anomaly: 0.35, Affect: 0.25},
		SaliencyWindow:    50,
		SaliencyMinSample: 8,
		FallbackThreshold: 0.7,

		InitialRelevance: 1.0,
		MaxRelevance:     5.0,
		Reinforcement:    0.2,
		DecayPerDay:      DefaultDecayPerDay,

		RelevanceWeight:  0.5,
		RecencyWeight:    0.2,
		SimilarityWeight: 0.3,
		SurpriseWeight:   0.2,
		AccessWeight:     0.2,
		RecencyHalfLife:  7 * 24 * time.Hour,
		DefaultMaxUnits:  5,
		DefaultBudget:    2000,

		PruneThreshold: 0.1,
		PruneMinAge:    0,
		PruneSchedule:  "*/15 * * * *",

		RetryAttempts: 4,
		RetryInitial:  200 * time.Millisecond,
		RetryMax:      5 * time.Second,
	}
}

// HalfLife is the idle time after which stored relevance halves: ln2/λ days.
func (c Config) HalfLife() time.Duration {
	if c.DecayPerDay <= 0 {
		return 0
	}
	days := math.Ln2 / c.DecayPerDay
	return time.Duration(days * float64(24*time.Hour))
}

// Validate rejects configurations that would break engine invariants.
func (c Config) Validate() error {
	bad := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	switch {
	case c.ChunkTokens <= 0:
		return bad("chunk tokens must be positive, got %d", c.ChunkTokens)
	case c.MinTurns < 1:
		return bad("min turns must be at least 1, got %d", c.MinTurns)
	case c.MaxBufferTurns < c.MinTurns:
		return bad("max buffer turns (%d) below min turns (%d)", c.MaxBufferTurns, c.MinTurns)
	case c.SurpriseAggregate != AggregateMax && c.SurpriseAggregate != AggregateMean:
		return bad("unknown surprise aggregate %q", c.SurpriseAggregate)
	case c.ConsolidationTimeout <= 0:
		return bad("consolidation timeout must be positive")
	case c.MaxSummaryTokens <= 0:
		return bad("max summary tokens must be positive")
	case !unit(c.Weights.Topic) || !unit(c.Weights.Anomaly) || !unit(c.Weights.Affect):
		return bad("saliency weights must lie in [0,1]")
	case c.SaliencyWindow < 2:
		return bad("saliency window must be at least 2, got %d", c.SaliencyWindow)
	case c.SaliencyMinSample < 2 || c.SaliencyMinSample > c.SaliencyWindow:
		return bad("saliency min sample must lie in [2,%d], got %d", c.SaliencyWindow, c.SaliencyMinSample)
	case !unit(c.FallbackThreshold):
		return bad("fallback threshold must lie in [0,1]")
	case c.MaxRelevance <= 0:
		return bad("max relevance must be positive")
	case c.InitialRelevance < 0 || c.InitialRelevance > c.MaxRelevance:
		return bad("initial relevance must lie in [0,%g]", c.MaxRelevance)
	case c.Reinforcement < 0:
		return bad("reinforcement increment must not be negative")
	case c.DecayPerDay < 0 || math.IsNaN(c.DecayPerDay) || math.IsInf(c.DecayPerDay, 0):
		return bad("decay constant must be a finite non-negative number, got %v", c.DecayPerDay)
	case !unit(c.RelevanceWeight) || !unit(c.RecencyWeight) || !unit(c.SimilarityWeight) ||
		!unit(c.SurpriseWeight) || !unit(c.AccessWeight):
		return bad("retrieval weights must lie in [0,1]")
	case c.RecencyHalfLife <= 0:
		return bad("recency half-life must be positive")
	case c.DefaultMaxUnits <= 0 || c.DefaultBudget <= 0:
		return bad("default retrieval limits must be positive")
	case c.PruneThreshold < 0 || c.PruneThreshold > c.MaxRelevance:
		return bad("prune threshold must lie in [0,%g]", c.MaxRelevance)
	case c.PruneMinAge < 0:
		return bad("prune min age must not be negative")
	case c.RetryAttempts < 1:
		return bad("retry attempts must be at least 1")
	case c.RetryInitial <= 0 || c.RetryMax < c.RetryInitial:
		return bad("retry delays must be positive and max >= initial")
	}
	if c.PruneSchedule != "" && !gronx.New().IsValid(c.PruneSchedule) {
		return bad("invalid prune schedule %q", c.PruneSchedule)
	}
	return nil
}

func unit(v float64) bool {
	return v >= 0 && v <= 1 && !math.IsNaN(v)
}
