package memory

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Similarity scores how topically close two texts are. Implementations must
// be symmetric and return values in [0,1], higher meaning more similar.
type Similarity interface {
	Similarity(a, b string) float64
}

// SimilarityFunc adapts a plain function to Similarity.
type SimilarityFunc func(a, b string) float64

func (f SimilarityFunc) Similarity(a, b string) float64 { return clamp01(f(a, b)) }

// EmbeddingSimilarity is cosine similarity over an Embedder, clipped at zero.
// Vectors are memoized in an LRU keyed by text hash, since engram content is
// immutable and is re-scored on every retrieval.
type EmbeddingSimilarity struct {
	embedder Embedder
	cache    *lru.Cache[uint64, []float32]
}

// NewEmbeddingSimilarity builds a cached similarity. cacheSize <= 0 picks 4096.
func NewEmbeddingSimilarity(embedder Embedder, cacheSize int) *EmbeddingSimilarity {
	if embedder == nil {
		embedder = NewEmbedder(ChargramModel)
	}
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, err := lru.New[uint64, []float32](cacheSize)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &EmbeddingSimilarity{embedder: embedder, cache: cache}
}

func (s *EmbeddingSimilarity) vector(text string) []float32 {
	key := fnv64(s.embedder.ModelID() + "\x00" + text)
	if vec, ok := s.cache.Get(key); ok {
		return vec
	}
	vec := s.embedder.Embed(text)
	s.cache.Add(key, vec)
	return vec
}

func (s *EmbeddingSimilarity) Similarity(a, b string) float64 {
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return 0
	}
	return clamp01(cosineSimilarity(s.vector(a), s.vector(b)))
}

// CachedVectors reports how many vectors are currently memoized.
func (s *EmbeddingSimilarity) CachedVectors() int { return s.cache.Len() }

var jaccardStopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "in": {}, "on": {}, "at": {},
	"to": {}, "for": {}, "of": {}, "with": {}, "by": {}, "from": {}, "is": {}, "was": {}, "are": {}, "were": {},
}

// JaccardSimilarity is the word-set overlap of two texts with common English
// stopwords removed.
var JaccardSimilarity = SimilarityFunc(func(a, b string) float64 {
	wa, wb := wordSet(a), wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	inter := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	return float64(inter) / float64(union)
})

func wordSet(text string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, w := range strings.Fields(strings.ToLower(text)) {
		if _, stop := jaccardStopwords[w]; stop {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

// NewSimilarity resolves "jaccard" or an embedder name to a Similarity.
func NewSimilarity(name string, cacheSize int) Similarity {
	if strings.EqualFold(strings.TrimSpace(name), "jaccard") {
		return JaccardSimilarity
	}
	return NewEmbeddingSimilarity(NewEmbedder(name), cacheSize)
}

func clamp01(v float64) float64 {
	switch {
	case v != v || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
