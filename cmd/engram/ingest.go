package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dotsetgreg/engram/pkg/logger"
	"github.com/dotsetgreg/engram/pkg/memory"
)

// ingestLine is one record of an ingest file. A missing conversation id
// falls back to the command default; a missing ordinal is assigned as the
// previous ordinal of that conversation plus one. An explicit ordinal,
// zero included, is kept as given.
type ingestLine struct {
	ConversationID string `json:"conversation_id"`
	Ordinal        *int64 `json:"ordinal"`
	wireTurn
}

type ingestReport struct {
	Turns         int
	Duplicates    int
	Deferred      int
	Conversations []string
	Engrams       []memory.Engram
}

func ingestTurns(ctx context.Context, engine *memory.Engine, in io.Reader, defaultConversation string, flush bool) (ingestReport, error) {
	var report ingestReport
	last := map[string]int64{}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRequestBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		var rec ingestLine
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return report, fmt.Errorf("line %d: %w", lineNo, err)
		}
		conv := strings.TrimSpace(rec.ConversationID)
		if conv == "" {
			conv = defaultConversation
		}
		if conv == "" {
			return report, fmt.Errorf("line %d: conversation_id is required", lineNo)
		}
		prev, seen := last[conv]
		if rec.Ordinal != nil {
			rec.wireTurn.Ordinal = *rec.Ordinal
		} else {
			rec.wireTurn.Ordinal = prev + 1
		}
		if !seen {
			report.Conversations = append(report.Conversations, conv)
		}
		last[conv] = rec.wireTurn.Ordinal

		res, err := engine.Ingest(ctx, conv, rec.toTurn())
		switch {
		case err != nil && ctx.Err() != nil:
			return report, ctx.Err()
		case errors.Is(err, memory.ErrTurnNotAccepted):
			return report, fmt.Errorf("line %d: %w", lineNo, err)
		case err != nil:
			report.Deferred++
			logger.WarnCF("ingest", "Consolidation deferred", map[string]interface{}{
				"conversation_id": conv,
				"ordinal":         rec.wireTurn.Ordinal,
				"error":           err.Error(),
			})
		}
		if res.Duplicate {
			report.Duplicates++
			continue
		}
		report.Turns++
		if res.Engram != nil {
			report.Engrams = append(report.Engrams, *res.Engram)
		}
	}
	if err := scanner.Err(); err != nil {
		return report, fmt.Errorf("read turns: %w", err)
	}

	if flush {
		sort.Strings(report.Conversations)
		for _, conv := range report.Conversations {
			saved, err := engine.Flush(ctx, conv)
			if err != nil {
				return report, fmt.Errorf("flush %s: %w", conv, err)
			}
			if saved != nil {
				report.Engrams = append(report.Engrams, *saved)
			}
		}
	}
	return report, nil
}
