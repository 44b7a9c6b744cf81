package memory

import (
	"math"
	"strings"
	"unicode"
)

// Scorer produces a saliency breakdown for a turn given the conversation's
// rolling statistics. Implementations must not mutate stats.
type Scorer interface {
	Score(turn Turn, stats *RollingStats) Saliency
}

// SaliencyScorer combines topical discontinuity, structural anomaly and
// affect shift into a surprise score in [0,1].
type SaliencyScorer struct {
	weights SaliencyWeights
	sim     Similarity
}

func NewSaliencyScorer(weights SaliencyWeights, sim Similarity) *SaliencyScorer {
	if sim == nil {
		sim = NewEmbeddingSimilarity(nil, 0)
	}
	return &SaliencyScorer{weights: weights, sim: sim}
}

// Score is pure with respect to stats; callers Observe the result afterwards.
func (s *SaliencyScorer) Score(turn Turn, stats *RollingStats) Saliency {
	f := extractFeatures(turn)
	out := Saliency{
		Topic:   s.topic(turn.Content, stats),
		Anomaly: anomaly(f, stats),
		Affect:  affectShift(f, stats),
	}
	out.Score = clamp01(s.weights.Topic*out.Topic + s.weights.Anomaly*out.Anomaly + s.weights.Affect*out.Affect)
	return out
}

func (s *SaliencyScorer) topic(content string, stats *RollingStats) float64 {
	if stats == nil || stats.prev == "" || strings.TrimSpace(content) == "" {
		return 0
	}
	return clamp01(1 - s.sim.Similarity(stats.prev, content))
}

// anomaly is the strongest of three deviations from the rolling baseline:
// length z-score, error-term density and code density.
func anomaly(f turnFeatures, stats *RollingStats) float64 {
	if stats == nil || stats.tokens.len() < 2 {
		return clamp01(math.Max(f.errorDensity*errorDensityScale, f.codeDensity))
	}
	length := 0.0
	if sd := stats.tokens.stddev(); sd > 0 {
		length = clamp01((float64(f.tokens) - stats.tokens.mean()) / (3 * sd))
	}
	errs := clamp01((f.errorDensity - stats.errors.mean()) * errorDensityScale)
	code := clamp01(f.codeDensity - stats.code.mean())
	return math.Max(length, math.Max(errs, code))
}

// affectShift compares arousal and polarity to their rolling means.
func affectShift(f turnFeatures, stats *RollingStats) float64 {
	if stats == nil || stats.arousal.len() == 0 {
		return clamp01(math.Max(f.arousal, math.Abs(f.polarity)/2))
	}
	arousal := math.Abs(f.arousal - stats.arousal.mean())
	polarity := math.Abs(f.polarity-stats.polarity.mean()) / 2
	return clamp01(math.Max(arousal, polarity))
}

// errorDensityScale maps "one error term in ten words" to a full signal.
const errorDensityScale = 10

type turnFeatures struct {
	tokens       int
	errorDensity float64
	codeDensity  float64
	arousal      float64
	polarity     float64
}

var (
	errorTerms = map[string]struct{}{
		"error": {}, "errors": {}, "exception": {}, "traceback": {}, "panic": {}, "fatal": {},
		"failed": {}, "failure": {}, "crash": {}, "crashed": {}, "stacktrace": {}, "segfault": {}, "bug": {},
	}
	positiveTerms = map[string]struct{}{
		"great": {}, "thanks": {}, "thank": {}, "love": {}, "awesome": {}, "perfect": {}, "excellent": {},
		"good": {}, "nice": {}, "happy": {}, "works": {}, "solved": {}, "amazing": {},
	}
	negativeTerms = map[string]struct{}{
		"bad": {}, "hate": {}, "terrible": {}, "awful": {}, "angry": {}, "frustrated": {}, "annoying": {},
		"broken": {}, "wrong": {}, "worse": {}, "useless": {}, "stuck": {}, "confused": {},
	}
)

func extractFeatures(t Turn) turnFeatures {
	f := turnFeatures{tokens: t.Tokens}
	if f.tokens <= 0 {
		f.tokens = EstimateTokens(t.Content)
	}
	words := tokenize(t.Content)
	if len(words) > 0 {
		var errs, pos, neg int
		for _, w := range words {
			if _, ok := errorTerms[w]; ok {
				errs++
			}
			if _, ok := positiveTerms[w]; ok {
				pos++
			}
			if _, ok := negativeTerms[w]; ok {
				neg++
			}
		}
		f.errorDensity = float64(errs) / float64(len(words))
		if pos+neg > 0 {
			f.polarity = float64(pos-neg) / float64(pos+neg)
		}
	}
	f.codeDensity = codeDensity(t.Content)
	f.arousal = arousal(t.Content)
	return f
}

// codeDensity is the fraction of non-blank lines that sit inside a fenced
// block or look like source code.
func codeDensity(text string) float64 {
	lines := strings.Split(text, "\n")
	var total, code int
	fenced := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		total++
		if strings.HasPrefix(trimmed, "```") {
			fenced = !fenced
			code++
			continue
		}
		if fenced || looksLikeCode(trimmed) {
			code++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(code) / float64(total)
}

func looksLikeCode(line string) bool {
	if strings.HasSuffix(line, ";") || strings.HasSuffix(line, "{") || line == "}" {
		return true
	}
	for _, p := range []string{"func ", "def ", "import ", "package ", "return ", "class ", "#include", "SELECT ", "const ", "var "} {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return strings.Contains(line, ":=") || strings.Contains(line, "=>") || strings.Contains(line, "();")
}

// arousal rises with exclamation marks and the share of upper-case letters.
func arousal(text string) float64 {
	var letters, upper int
	for _, r := range text {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	caps := 0.0
	if letters >= 4 {
		caps = float64(upper) / float64(letters)
	}
	return clamp01(0.2*float64(strings.Count(text, "!")) + caps)
}

// RollingStats holds one conversation's trailing saliency history: the last N
// surprise scores for the dynamic threshold, per-feature baselines for
// anomaly and affect, and the previous turn's text for topic shift.
type RollingStats struct {
	minSamples int
	fallback   float64

	scores   *window
	tokens   *window
	errors   *window
	code     *window
	arousal  *window
	polarity *window
	prev     string
}

// NewRollingStats sizes the windows from cfg.
func NewRollingStats(cfg Config) *RollingStats {
	n := cfg.SaliencyWindow
	return &RollingStats{
		minSamples: cfg.SaliencyMinSample,
		fallback:   cfg.FallbackThreshold,
		scores:     newWindow(n),
		tokens:     newWindow(n),
		errors:     newWindow(n),
		code:       newWindow(n),
		arousal:    newWindow(n),
		polarity:   newWindow(n),
	}
}

// Threshold is mean + 2·stddev of the trailing scores, or the fallback while
// fewer than the minimum sample count have been observed.
func (r *RollingStats) Threshold() float64 {
	if r.scores.len() < r.minSamples {
		return r.fallback
	}
	return r.scores.mean() + 2*r.scores.stddev()
}

// Samples reports how many surprise scores are in the window.
func (r *RollingStats) Samples() int { return r.scores.len() }

// Observe folds a scored turn into the history.
func (r *RollingStats) Observe(turn Turn, s Saliency) {
	f := extractFeatures(turn)
	r.scores.push(s.Score)
	r.tokens.push(float64(f.tokens))
	r.errors.push(f.errorDensity)
	r.code.push(f.codeDensity)
	r.arousal.push(f.arousal)
	r.polarity.push(f.polarity)
	if strings.TrimSpace(turn.Content) != "" {
		r.prev = turn.Content
	}
}

// window is a fixed-capacity ring of float samples.
type window struct {
	vals []float64
	next int
	full bool
}

func newWindow(n int) *window {
	if n < 1 {
		n = 1
	}
	return &window{vals: make([]float64, n)}
}

func (w *window) push(v float64) {
	w.vals[w.next] = v
	w.next++
	if w.next == len(w.vals) {
		w.next = 0
		w.full = true
	}
}

func (w *window) len() int {
	if w.full {
		return len(w.vals)
	}
	return w.next
}

func (w *window) mean() float64 {
	n := w.len()
	if n == 0 {
		return 0
	}
	var sum float64
	for _, v := range w.vals[:n] {
		sum += v
	}
	return sum / float64(n)
}

// stddev is the population standard deviation.
func (w *window) stddev() float64 {
	n := w.len()
	if n < 2 {
		return 0
	}
	m := w.mean()
	var sq float64
	for _, v := range w.vals[:n] {
		sq += (v - m) * (v - m)
	}
	return math.Sqrt(sq / float64(n))
}
