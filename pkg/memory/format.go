package memory

import (
	"fmt"
	"strings"
	"time"
)

// FormatContext renders retrieved engrams as the "Previous Context" block an
// orchestrator prepends to the model prompt. Units keep their rank order and
// are never truncated. It returns "" for no units.
func FormatContext(units []Engram, now time.Time) string {
	if len(units) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("# Previous Context\n\n")
	for i, u := range units {
		days := int(now.Sub(u.CreatedAt).Hours() / 24)
		if days < 0 {
			days = 0
		}
		fmt.Fprintf(&b, "## Memory %d (turns %d-%d, %d days ago)\n", i+1, u.Range.Start, u.Range.End, days)
		b.WriteString(strings.TrimSpace(u.Content))
		b.WriteString("\n")
		if u.HasError {
			b.WriteString("*Note: This memory contains error handling context*\n")
		}
		if u.HasCode {
			b.WriteString("*Note: This memory contains code examples*\n")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}
