package memory

import (
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

// Embedder maps text to a fixed-size, L2-normalized vector.
type Embedder interface {
	ModelID() string
	Embed(text string) []float32
}

const (
	ChargramModel = "engram-chargram-384-v1"
	HashModel     = "engram-hash-256-v1"
)

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}_\-]+`)

// NewEmbedder resolves an embedder by model id or short alias. Unknown names
// fall back to the chargram embedder.
func NewEmbedder(name string) Embedder {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case HashModel, "hash", "hash-256":
		return &featureEmbedder{model: HashModel, dims: 256, signed: true, extract: wordFeatures}
	default:
		return &featureEmbedder{model: ChargramModel, dims: 384, extract: chargramFeatures}
	}
}

// featureEmbedder hashes weighted string features into dims buckets. With
// signed set, the low hash bit flips the contribution so collisions tend
// to cancel instead of accumulate.
type featureEmbedder struct {
	model   string
	dims    int
	signed  bool
	extract func(text string, emit func(feature string, weight float32))
}

func (e *featureEmbedder) ModelID() string { return e.model }

func (e *featureEmbedder) Embed(text string) []float32 {
	vec := make([]float32, e.dims)
	e.extract(text, func(feature string, weight float32) {
		h := fnv64(feature)
		if e.signed && h&1 == 1 {
			weight = -weight
		}
		vec[h%uint64(e.dims)] += weight
	})
	normalizeVector(vec)
	return vec
}

// wordFeatures emits each word, weighting long words slightly higher.
func wordFeatures(text string, emit func(string, float32)) {
	for _, w := range tokenize(text) {
		emit(w, float32(1+len(w)/8))
	}
}

// chargramFeatures emits the trigrams of the "#"-padded lowercase text
// plus every word under a "tok:" prefix.
func chargramFeatures(text string, emit func(string, float32)) {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return
	}
	runes := []rune("#" + text + "#")
	for i := 3; i <= len(runes); i++ {
		emit(string(runes[i-3:i]), 1)
	}
	for _, w := range tokenize(text) {
		emit("tok:"+w, 1.25)
	}
}

func fnv64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

func tokenize(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

func normalizeVector(vec []float32) {
	var sq float64
	for _, v := range vec {
		sq += float64(v) * float64(v)
	}
	if sq == 0 {
		return
	}
	scale := float32(1 / math.Sqrt(sq))
	for i := range vec {
		vec[i] *= scale
	}
}

// cosineSimilarity is the dot product over the shared prefix; inputs are
// already unit length.
func cosineSimilarity(a, b []float32) float64 {
	if len(b) < len(a) {
		a, b = b, a
	}
	var dot float64
	for i, v := range a {
		dot += float64(v) * float64(b[i])
	}
	return dot
}
