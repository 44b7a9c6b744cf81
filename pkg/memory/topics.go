package memory

import (
	"sort"
	"strings"
)

var topicKeywords = []string{
	"api", "database", "function", "error", "implementation", "bug", "feature", "performance", "memory", "token",
	"create", "implement", "fix", "debug", "optimize", "design", "build", "deploy",
}

// extractTopics returns up to limit keywords: known technical and action
// terms first, then the most frequent longer words.
func extractTopics(turns []Turn, limit int) []string {
	if limit <= 0 {
		return nil
	}
	freq := map[string]int{}
	for _, t := range turns {
		for _, w := range tokenize(t.Content) {
			freq[w]++
		}
	}
	if len(freq) == 0 {
		return nil
	}

	out := make([]string, 0, limit)
	seen := map[string]struct{}{}
	for _, kw := range topicKeywords {
		if freq[kw] > 0 {
			out = append(out, kw)
			seen[kw] = struct{}{}
			if len(out) == limit {
				return out
			}
		}
	}

	type wc struct {
		word  string
		count int
	}
	rest := make([]wc, 0, len(freq))
	for w, c := range freq {
		if _, ok := seen[w]; ok || len(w) < 5 || c < 2 {
			continue
		}
		if _, stop := jaccardStopwords[w]; stop {
			continue
		}
		rest = append(rest, wc{w, c})
	}
	sort.Slice(rest, func(i, j int) bool {
		if rest[i].count == rest[j].count {
			return rest[i].word < rest[j].word
		}
		return rest[i].count > rest[j].count
	})
	for _, r := range rest {
		out = append(out, r.word)
		if len(out) == limit {
			break
		}
	}
	return out
}

func turnsHaveCode(turns []Turn) bool {
	for _, t := range turns {
		if strings.Contains(t.Content, "```") {
			return true
		}
	}
	return false
}

func turnsHaveError(turns []Turn) bool {
	for _, t := range turns {
		if strings.Contains(strings.ToLower(t.Content), "error") {
			return true
		}
	}
	return false
}
