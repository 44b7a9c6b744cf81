package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dotsetgreg/engram/pkg/logger"
	"github.com/dotsetgreg/engram/pkg/memory"
	"gopkg.in/yaml.v3"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so disabled conversation ids can be written as "123" or 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Engine        EngineConfig        `json:"engine" yaml:"engine"`
	Retrieval     RetrievalConfig     `json:"retrieval" yaml:"retrieval"`
	Saliency      SaliencyConfig      `json:"saliency" yaml:"saliency"`
	Maintenance   MaintenanceConfig   `json:"maintenance" yaml:"maintenance"`
	Storage       StorageConfig       `json:"storage" yaml:"storage"`
	Summarizer    SummarizerConfig    `json:"summarizer" yaml:"summarizer"`
	Logging       LoggingConfig       `json:"logging" yaml:"logging"`
	Conversations ConversationsConfig `json:"conversations" yaml:"conversations"`
	mu            sync.RWMutex
}

type EngineConfig struct {
	Enabled                     bool    `json:"enabled" yaml:"enabled" env:"ENGRAM_ENGINE_ENABLED"`
	ChunkTokens                 int     `json:"chunk_tokens" yaml:"chunk_tokens" env:"ENGRAM_ENGINE_CHUNK_TOKENS"`
	MinTurns                    int     `json:"min_turns" yaml:"min_turns" env:"ENGRAM_ENGINE_MIN_TURNS"`
	MaxBufferTurns              int     `json:"max_buffer_turns" yaml:"max_buffer_turns" env:"ENGRAM_ENGINE_MAX_BUFFER_TURNS"`
	SurpriseAggregate           string  `json:"surprise_aggregate" yaml:"surprise_aggregate" env:"ENGRAM_ENGINE_SURPRISE_AGGREGATE"`
	ConsolidationTimeoutSeconds int     `json:"consolidation_timeout_seconds" yaml:"consolidation_timeout_seconds" env:"ENGRAM_ENGINE_CONSOLIDATION_TIMEOUT_SECONDS"`
	InitialRelevance            float64 `json:"initial_relevance" yaml:"initial_relevance" env:"ENGRAM_ENGINE_INITIAL_RELEVANCE"`
	MaxRelevance                float64 `json:"max_relevance" yaml:"max_relevance" env:"ENGRAM_ENGINE_MAX_RELEVANCE"`
	Reinforcement               float64 `json:"reinforcement" yaml:"reinforcement" env:"ENGRAM_ENGINE_REINFORCEMENT"`
	DecayPerDay                 float64 `json:"decay_per_day" yaml:"decay_per_day" env:"ENGRAM_ENGINE_DECAY_PER_DAY"`
	RetryAttempts               int     `json:"retry_attempts" yaml:"retry_attempts" env:"ENGRAM_ENGINE_RETRY_ATTEMPTS"`
	RetryInitialMS              int     `json:"retry_initial_ms" yaml:"retry_initial_ms" env:"ENGRAM_ENGINE_RETRY_INITIAL_MS"`
	RetryMaxMS                  int     `json:"retry_max_ms" yaml:"retry_max_ms" env:"ENGRAM_ENGINE_RETRY_MAX_MS"`
}

type RetrievalConfig struct {
	MaxUnits             int     `json:"max_units" yaml:"max_units" env:"ENGRAM_RETRIEVAL_MAX_UNITS"`
	TokenBudget          int     `json:"token_budget" yaml:"token_budget" env:"ENGRAM_RETRIEVAL_TOKEN_BUDGET"`
	RelevanceWeight      float64 `json:"relevance_weight" yaml:"relevance_weight" env:"ENGRAM_RETRIEVAL_RELEVANCE_WEIGHT"`
	RecencyWeight        float64 `json:"recency_weight" yaml:"recency_weight" env:"ENGRAM_RETRIEVAL_RECENCY_WEIGHT"`
	SimilarityWeight     float64 `json:"similarity_weight" yaml:"similarity_weight" env:"ENGRAM_RETRIEVAL_SIMILARITY_WEIGHT"`
	SurpriseWeight       float64 `json:"surprise_weight" yaml:"surprise_weight" env:"ENGRAM_RETRIEVAL_SURPRISE_WEIGHT"`
	AccessWeight         float64 `json:"access_weight" yaml:"access_weight" env:"ENGRAM_RETRIEVAL_ACCESS_WEIGHT"`
	RecencyHalfLifeHours float64 `json:"recency_half_life_hours" yaml:"recency_half_life_hours" env:"ENGRAM_RETRIEVAL_RECENCY_HALF_LIFE_HOURS"`
	Similarity           string  `json:"similarity" yaml:"similarity" env:"ENGRAM_RETRIEVAL_SIMILARITY"` // chargram, hash or jaccard
	VectorCacheSize      int     `json:"vector_cache_size" yaml:"vector_cache_size" env:"ENGRAM_RETRIEVAL_VECTOR_CACHE_SIZE"`
}

type SaliencyConfig struct {
	TopicWeight       float64 `json:"topic_weight" yaml:"topic_weight" env:"ENGRAM_SALIENCY_TOPIC_WEIGHT"`
	AnomalyWeight     float64 `json:"anomaly_weight" yaml:"anomaly_weight" env:"ENGRAM_SALIENCY_ANOMALY_WEIGHT"`
	AffectWeight      float64 `json:"affect_weight" yaml:"affect_weight" env:"ENGRAM_SALIENCY_AFFECT_WEIGHT"`
	Window            int     `json:"window" yaml:"window" env:"ENGRAM_SALIENCY_WINDOW"`
	MinSample         int     `json:"min_sample" yaml:"min_sample" env:"ENGRAM_SALIENCY_MIN_SAMPLE"`
	FallbackThreshold float64 `json:"fallback_threshold" yaml:"fallback_threshold" env:"ENGRAM_SALIENCY_FALLBACK_THRESHOLD"`
}

type MaintenanceConfig struct {
	PruneThreshold  float64 `json:"prune_threshold" yaml:"prune_threshold" env:"ENGRAM_MAINTENANCE_PRUNE_THRESHOLD"`
	PruneMinAgeDays float64 `json:"prune_min_age_days" yaml:"prune_min_age_days" env:"ENGRAM_MAINTENANCE_PRUNE_MIN_AGE_DAYS"`
	Schedule        string  `json:"schedule" yaml:"schedule" env:"ENGRAM_MAINTENANCE_SCHEDULE"` // cron, empty disables
}

type StorageConfig struct {
	Path string `json:"path" yaml:"path" env:"ENGRAM_STORAGE_PATH"`
}

type SummarizerConfig struct {
	Mode       string `json:"mode" yaml:"mode" env:"ENGRAM_SUMMARIZER_MODE"` // extractive or llm
	MaxTokens  int    `json:"max_tokens" yaml:"max_tokens" env:"ENGRAM_SUMMARIZER_MAX_TOKENS"`
	Provider   string `json:"provider" yaml:"provider" env:"ENGRAM_SUMMARIZER_PROVIDER"`
	Model      string `json:"model,omitempty" yaml:"model,omitempty" env:"ENGRAM_SUMMARIZER_MODEL"`
	APIKey     string `json:"api_key,omitempty" yaml:"api_key,omitempty" env:"ENGRAM_SUMMARIZER_API_KEY"`
	APIKeyFile string `json:"api_key_file,omitempty" yaml:"api_key_file,omitempty" env:"ENGRAM_SUMMARIZER_API_KEY_FILE"`
	APIBase    string `json:"api_base,omitempty" yaml:"api_base,omitempty" env:"ENGRAM_SUMMARIZER_API_BASE"`
	Proxy      string `json:"proxy,omitempty" yaml:"proxy,omitempty" env:"ENGRAM_SUMMARIZER_PROXY"`
	// OpenAI only.
	Organization string `json:"organization,omitempty" yaml:"organization,omitempty" env:"ENGRAM_SUMMARIZER_ORGANIZATION"`
	Project      string `json:"project,omitempty" yaml:"project,omitempty" env:"ENGRAM_SUMMARIZER_PROJECT"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"ENGRAM_LOGGING_LEVEL"`
	Format string `json:"format" yaml:"format" env:"ENGRAM_LOGGING_FORMAT"`
	File   string `json:"file,omitempty" yaml:"file,omitempty" env:"ENGRAM_LOGGING_FILE"`
}

type ConversationsConfig struct {
	Disabled FlexibleStringSlice `json:"disabled" yaml:"disabled" env:"ENGRAM_CONVERSATIONS_DISABLED"`
}

const (
	SummarizerExtractive = "extractive"
	SummarizerLLM        = "llm"
)

func DefaultConfig() *Config {
	mem := memory.DefaultConfig()
	return &Config{
		Engine: EngineConfig{
			Enabled:                     true,
			ChunkTokens:                 mem.ChunkTokens,
			MinTurns:                    mem.MinTurns,
			MaxBufferTurns:              mem.MaxBufferTurns,
			SurpriseAggregate:           string(mem.SurpriseAggregate),
			ConsolidationTimeoutSeconds: int(mem.ConsolidationTimeout / time.Second),
			InitialRelevance:            mem.InitialRelevance,
			MaxRelevance:                mem.MaxRelevance,
			Reinforcement:               mem.Reinforcement,
			DecayPerDay:                 mem.DecayPerDay,
			RetryAttempts:               mem.RetryAttempts,
			RetryInitialMS:              int(mem.RetryInitial / time.Millisecond),
			RetryMaxMS:                  int(mem.RetryMax / time.Millisecond),
		},
		Retrieval: RetrievalConfig{
			MaxUnits:             mem.DefaultMaxUnits,
			TokenBudget:          mem.DefaultBudget,
			RelevanceWeight:      mem.RelevanceWeight,
			RecencyWeight:        mem.RecencyWeight,
			SimilarityWeight:     mem.SimilarityWeight,
			SurpriseWeight:       mem.SurpriseWeight,
			AccessWeight:         mem.AccessWeight,
			RecencyHalfLifeHours: mem.RecencyHalfLife.Hours(),
			Similarity:           memory.ChargramModel,
			VectorCacheSize:      4096,
		},
		Saliency: SaliencyConfig{
			TopicWeight:       mem.Weights.Topic,
			AnomalyWeight:     mem.Weights.Anomaly,
			AffectWeight:      mem.Weights.Affect,
			Window:            mem.SaliencyWindow,
			MinSample:         mem.SaliencyMinSample,
			FallbackThreshold: mem.FallbackThreshold,
		},
		Maintenance: MaintenanceConfig{
			PruneThreshold:  mem.PruneThreshold,
			PruneMinAgeDays: 0,
			Schedule:        mem.PruneSchedule,
		},
		Storage: StorageConfig{
			Path: "~/.engram/engrams.db",
		},
		Summarizer: SummarizerConfig{
			Mode:      SummarizerExtractive,
			MaxTokens: mem.MaxSummaryTokens,
			Provider:  "openrouter",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Conversations: ConversationsConfig{
			Disabled: FlexibleStringSlice{},
		},
	}
}

// LoadConfig layers the file at path (JSON, or YAML for .yaml/.yml) and
// ENGRAM_* environment variables over the defaults, then validates. A
// missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if isYAML(path) {
			err = yaml.Unmarshal(data, cfg)
		} else {
			err = json.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Validate fails fast on settings the engine would reject at construction,
// plus the front-end settings the engine does not see.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.memoryConfig().Validate(); err != nil {
		return err
	}
	switch c.Summarizer.Mode {
	case SummarizerExtractive, SummarizerLLM:
	default:
		return fmt.Errorf("%w: summarizer mode must be %q or %q, got %q", memory.ErrInvalidConfig, SummarizerExtractive, SummarizerLLM, c.Summarizer.Mode)
	}
	switch c.Retrieval.Similarity {
	case "jaccard", memory.ChargramModel, memory.HashModel:
	default:
		return fmt.Errorf("%w: unknown similarity %q", memory.ErrInvalidConfig, c.Retrieval.Similarity)
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("%w: storage path is required", memory.ErrInvalidConfig)
	}
	if c.Retrieval.VectorCacheSize < 0 {
		return fmt.Errorf("%w: vector cache size must not be negative", memory.ErrInvalidConfig)
	}
	return nil
}

// ToMemoryConfig converts the file-level settings into the engine config.
func (c *Config) ToMemoryConfig() memory.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.memoryConfig()
}

func (c *Config) memoryConfig() memory.Config {
	mem := memory.DefaultConfig()
	mem.ChunkTokens = c.Engine.ChunkTokens
	mem.MinTurns = c.Engine.MinTurns
	mem.MaxBufferTurns = c.Engine.MaxBufferTurns
	mem.SurpriseAggregate = memory.SurpriseAggregate(c.Engine.SurpriseAggregate)
	mem.ConsolidationTimeout = time.Duration(c.Engine.ConsolidationTimeoutSeconds) * time.Second
	mem.MaxSummaryTokens = c.Summarizer.MaxTokens
	mem.InitialRelevance = c.Engine.InitialRelevance
	mem.MaxRelevance = c.Engine.MaxRelevance
	mem.Reinforcement = c.Engine.Reinforcement
	mem.DecayPerDay = c.Engine.DecayPerDay
	mem.RetryAttempts = c.Engine.RetryAttempts
	mem.RetryInitial = time.Duration(c.Engine.RetryInitialMS) * time.Millisecond
	mem.RetryMax = time.Duration(c.Engine.RetryMaxMS) * time.Millisecond

	mem.Weights = memory.SaliencyWeights{
		Topic:   c.Saliency.TopicWeight,
		Anomaly: c.Saliency.AnomalyWeight,
		Affect:  c.Saliency.AffectWeight,
	}
	mem.SaliencyWindow = c.Saliency.Window
	mem.SaliencyMinSample = c.Saliency.MinSample
	mem.FallbackThreshold = c.Saliency.FallbackThreshold

	mem.RelevanceWeight = c.Retrieval.RelevanceWeight
	mem.RecencyWeight = c.Retrieval.RecencyWeight
	mem.SimilarityWeight = c.Retrieval.SimilarityWeight
	mem.SurpriseWeight = c.Retrieval.SurpriseWeight
	mem.AccessWeight = c.Retrieval.AccessWeight
	mem.RecencyHalfLife = time.Duration(c.Retrieval.RecencyHalfLifeHours * float64(time.Hour))
	mem.DefaultMaxUnits = c.Retrieval.MaxUnits
	mem.DefaultBudget = c.Retrieval.TokenBudget

	mem.PruneThreshold = c.Maintenance.PruneThreshold
	mem.PruneMinAge = time.Duration(c.Maintenance.PruneMinAgeDays * 24 * float64(time.Hour))
	mem.PruneSchedule = strings.TrimSpace(c.Maintenance.Schedule)
	return mem
}

// EnabledFunc resolves the per-conversation feature flag: the engine master
// switch, minus the explicitly disabled conversations.
func (c *Config) EnabledFunc() memory.EnabledFunc {
	c.mu.RLock()
	master := c.Engine.Enabled
	disabled := make(map[string]struct{}, len(c.Conversations.Disabled))
	for _, id := range c.Conversations.Disabled {
		if id = strings.TrimSpace(id); id != "" {
			disabled[id] = struct{}{}
		}
	}
	c.mu.RUnlock()

	return func(conversationID string) bool {
		if !master {
			return false
		}
		_, off := disabled[conversationID]
		return !off
	}
}

// LoggerOptions maps the logging section onto logger.Setup.
func (c *Config) LoggerOptions() logger.Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return logger.Options{
		Level:  logger.ParseLevel(c.Logging.Level),
		Format: c.Logging.Format,
		File:   ExpandHome(c.Logging.File),
	}
}

func (c *Config) StoragePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Storage.Path == ":memory:" {
		return c.Storage.Path
	}
	return ExpandHome(c.Storage.Path)
}

// ExpandHome resolves a leading "~" or "~/" against the user's home
// directory. Other paths are returned unchanged.
func ExpandHome(path string) string {
	path = strings.TrimSpace(path)
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
