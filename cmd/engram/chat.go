package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/dotsetgreg/engram/pkg/bus"
	"github.com/dotsetgreg/engram/pkg/memory"
	"github.com/dustin/go-humanize"
)

// chatSession feeds typed lines into one conversation as user turns and
// shows what the engine would inject before each of them.
type chatSession struct {
	engine         *memory.Engine
	conversationID string
	out            io.Writer
	next           int64
}

func newChatSession(ctx context.Context, st *stack, conversationID string, out io.Writer) (*chatSession, error) {
	end, _, err := st.store.LatestEngramEnd(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation cursor: %w", err)
	}
	return &chatSession{
		engine:         st.engine,
		conversationID: conversationID,
		out:            out,
		next:           end + 1,
	}, nil
}

// handleLine processes one input line and reports whether the session
// should end.
func (c *chatSession) handleLine(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return false
	}

	cmd, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/exit", "/quit", "exit", "quit":
		fmt.Fprintln(c.out, "Goodbye!")
		return true
	case "/flush":
		saved, err := c.engine.Flush(ctx, c.conversationID)
		switch {
		case err != nil:
			fmt.Fprintf(c.out, "Flush deferred: %v\n", err)
		case saved == nil:
			fmt.Fprintln(c.out, "Nothing buffered.")
		default:
			c.printEngram("Consolidated", *saved)
		}
		return false
	case "/recall":
		cfg := c.engine.Config()
		units := c.engine.RetrieveContext(ctx, c.conversationID, arg, cfg.DefaultBudget, cfg.DefaultMaxUnits)
		if len(units) == 0 {
			fmt.Fprintln(c.out, "No memories.")
			return false
		}
		fmt.Fprint(c.out, memory.FormatContext(units, time.Now()))
		return false
	case "/stats":
		s, err := c.engine.Stats(ctx, c.conversationID)
		if err != nil {
			fmt.Fprintf(c.out, "Stats failed: %v\n", err)
			return false
		}
		printStats(c.out, s)
		return false
	case "/assistant":
		c.ingest(ctx, "assistant", arg)
		return false
	}

	cfg := c.engine.Config()
	if units := c.engine.RetrieveContext(ctx, c.conversationID, input, cfg.DefaultBudget, cfg.DefaultMaxUnits); len(units) > 0 {
		fmt.Fprintln(c.out)
		fmt.Fprint(c.out, memory.FormatContext(units, time.Now()))
		fmt.Fprintln(c.out)
	}
	c.ingest(ctx, "user", input)
	return false
}

func (c *chatSession) ingest(ctx context.Context, role, content string) {
	if content == "" {
		return
	}
	res, err := c.engine.Ingest(ctx, c.conversationID, memory.Turn{
		Ordinal: c.next,
		Role:    role,
		Content: content,
	})
	if errors.Is(err, memory.ErrTurnNotAccepted) {
		fmt.Fprintf(c.out, "Turn not recorded: %v\n", err)
		return
	}
	c.next++
	if err != nil {
		fmt.Fprintf(c.out, "Consolidation deferred: %v\n", err)
		return
	}
	if res.Engram != nil {
		c.printEngram(fmt.Sprintf("Consolidated (%s)", res.Trigger), *res.Engram)
		return
	}
	fmt.Fprintf(c.out, "  surprise %.2f / threshold %.2f, buffered %d turns (%s tokens)\n",
		res.Surprise, res.Threshold, res.BufferTurns, humanize.Comma(int64(res.BufferTokens)))
}

func (c *chatSession) printEngram(label string, e memory.Engram) {
	fmt.Fprintf(c.out, "%s turns %d-%d into %s tokens (from %s)\n",
		label, e.Range.Start, e.Range.End,
		humanize.Comma(int64(e.TokenCount)), humanize.Comma(int64(e.SourceTokens)))
}

// syncWriter serializes event output with the REPL's own output.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func subscribeChatEvents(events *bus.EventBus, conversationID string, out io.Writer) {
	events.Subscribe("", func(ev bus.Event) {
		if ev.ConversationID != "" && ev.ConversationID != conversationID {
			return
		}
		switch ev.Kind {
		case bus.EngramRetrieved:
			fmt.Fprintf(out, "  [%s] %d engrams reinforced\n", ev.Kind, len(ev.EngramIDs))
		default:
			fmt.Fprintf(out, "  [%s] %s\n", ev.Kind, strings.Join(ev.EngramIDs, ", "))
		}
	})
}

func interactiveChat(ctx context.Context, session *chatSession) {
	prompt := fmt.Sprintf("%s [%s]> ", appName, session.conversationID)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     filepath.Join(os.TempDir(), ".engram_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(session.out, "Error initializing readline: %v\n", err)
		fmt.Fprintln(session.out, "Falling back to simple input mode...")
		simpleChat(ctx, session, os.Stdin, prompt)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Fprintln(session.out, "\nGoodbye!")
				return
			}
			fmt.Fprintf(session.out, "Error reading input: %v\n", err)
			continue
		}
		if session.handleLine(ctx, line) {
			return
		}
	}
}

func simpleChat(ctx context.Context, session *chatSession, in io.Reader, prompt string) {
	reader := bufio.NewReader(in)
	for {
		fmt.Fprint(session.out, prompt)
		line, err := reader.ReadString('\n')
		if strings.TrimSpace(line) != "" && session.handleLine(ctx, line) {
			return
		}
		if err != nil {
			if err != io.EOF {
				fmt.Fprintf(session.out, "Error reading input: %v\n", err)
			}
			fmt.Fprintln(session.out, "\nGoodbye!")
			return
		}
	}
}
