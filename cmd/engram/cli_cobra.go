package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dotsetgreg/engram/pkg/config"
	"github.com/dotsetgreg/engram/pkg/logger"
	"github.com/dotsetgreg/engram/pkg/memory"
	"github.com/dotsetgreg/engram/pkg/providers"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func executeCLI() error {
	root := buildRootCommand(true)
	if err := root.Execute(); err != nil {
		return err
	}
	return nil
}

// cliState is shared by every subcommand of one invocation.
type cliState struct {
	configPath string
	debug      bool

	cfg      *config.Config
	closeLog func() error
}

// load reads the config once and installs the logger on the command's
// stderr.
func (s *cliState) load(cmd *cobra.Command) (*config.Config, error) {
	if s.cfg != nil {
		return s.cfg, nil
	}
	cfg, err := config.LoadConfig(s.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", s.configPath, err)
	}
	opts := cfg.LoggerOptions()
	if s.debug {
		opts.Level = logger.DEBUG
	}
	opts.Stderr = cmd.ErrOrStderr()
	closeLog, err := logger.Setup(opts)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v\n", err)
	}
	s.cfg = cfg
	s.closeLog = closeLog
	return cfg, nil
}

func (s *cliState) open(cmd *cobra.Command) (*stack, error) {
	cfg, err := s.load(cmd)
	if err != nil {
		return nil, err
	}
	return openStack(cfg)
}

func (s *cliState) close() {
	if s.closeLog != nil {
		_ = s.closeLog()
		s.closeLog = nil
	}
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	var showVersion bool
	state := &cliState{}

	root := &cobra.Command{
		Use:   "engram",
		Short: "Conversation memory engine: consolidate turns into engrams and recall them under a token budget",
		Long: strings.TrimSpace(`engram compresses long-running conversations into bounded, retrievable
memory units and selects which of them to re-inject into a model prompt.

Use serve to run the engine as a JSONL worker, chat to explore a conversation
interactively, and ingest/recall/prune/stats for offline maintenance.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			state.close()
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVar(&state.configPath, "config", getConfigPath(), "Config file (JSON or YAML)")
	root.PersistentFlags().BoolVarP(&state.debug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(newInitCommand(state))
	root.AddCommand(newServeCommand(state))
	root.AddCommand(newChatCommand(state))
	root.AddCommand(newIngestCommand(state))
	root.AddCommand(newRecallCommand(state))
	root.AddCommand(newPruneCommand(state))
	root.AddCommand(newStatsCommand(state))
	root.AddCommand(newStatusCommand(state))
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		docsCmd := newDocsCommand(func() *cobra.Command { return buildRootCommand(false) })
		root.AddCommand(docsCmd)
	}

	return root
}

func newInitCommand(state *cliState) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:     "init",
		Short:   "Write a default config file",
		Long:    "Write the default configuration to --config. Use a .yaml extension for YAML output.",
		Example: "  engram init\n  engram init --config ~/.engram/config.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(state.configPath); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", state.configPath)
			}
			if err := config.SaveConfig(state.configPath, config.DefaultConfig()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", state.configPath)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config")
	return cmd
}

func newServeCommand(state *cliState) *cobra.Command {
	var withEvents bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine as a JSONL worker on stdin/stdout",
		Long: strings.TrimSpace(`Read one JSON request per line from stdin and write one JSON reply per line
to stdout. Supported ops: turn, retrieve, flush, stats, delete, prune.
Requests for the same conversation are answered in order; different
conversations are served concurrently. Scheduled pruning runs in the
background. Buffered turns are not flushed on shutdown.`),
		Example: strings.Join([]string{
			`  echo '{"id":"1","op":"turn","conversation_id":"c1","turn":{"ordinal":1,"role":"user","content":"hi"}}' | engram serve`,
			`  engram serve --events < requests.jsonl`,
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := state.open(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := newServer(st.engine, cmd.OutOrStdout())
			if withEvents {
				st.events.Subscribe("", srv.emitEvent)
			}
			st.engine.StartMaintenance()
			logger.InfoCF("serve", "Engine ready", map[string]interface{}{
				"storage":        st.cfg.StoragePath(),
				"prune_schedule": st.cfg.Maintenance.Schedule,
			})
			return srv.run(ctx, cmd.InOrStdin())
		},
	}
	cmd.Flags().BoolVar(&withEvents, "events", false, "Interleave engram lifecycle events with replies")
	return cmd
}

func newChatCommand(state *cliState) *cobra.Command {
	var conversation string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive REPL feeding one conversation",
		Long: strings.TrimSpace(`Every line you type is ingested as a user turn. Before each turn the
retrieved "Previous Context" is printed. Commands:
  /assistant <text>  record an assistant turn
  /recall <query>    show what would be retrieved for a query
  /flush             consolidate the buffer now
  /stats             show conversation statistics
  /exit              leave (buffered turns are flushed first)`),
		Example: "  engram chat --conversation demo",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := state.open(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			out := &syncWriter{w: cmd.OutOrStdout()}
			subscribeChatEvents(st.events, conversation, out)

			ctx := cmd.Context()
			session, err := newChatSession(ctx, st, conversation, out)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s chat on %q (Ctrl+C to exit)\n\n", appName, conversation)
			interactiveChat(ctx, session)

			if _, err := st.engine.Flush(ctx, conversation); err != nil {
				return fmt.Errorf("flush on exit: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&conversation, "conversation", "c", "cli:default", "Conversation id")
	return cmd
}

func newIngestCommand(state *cliState) *cobra.Command {
	var (
		conversation string
		noFlush      bool
	)

	cmd := &cobra.Command{
		Use:   "ingest FILE",
		Short: "Ingest a JSONL file of turns",
		Long: strings.TrimSpace(`Feed turns from a JSONL file (or - for stdin) through the engine. Each line is
{"conversation_id":..., "ordinal":..., "role":..., "content":..., "timestamp":...}.
Lines without a conversation id use --conversation; ordinals <= 0 are assigned
in file order. Every conversation is flushed at the end unless --no-flush.`),
		Example: strings.Join([]string{
			"  engram ingest transcript.jsonl",
			"  cat turns.jsonl | engram ingest - --conversation support:42",
		}, "\n"),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			st, err := state.open(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			report, err := ingestTurns(cmd.Context(), st.engine, in, conversation, !noFlush)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Ingested %s turns across %d conversations (%d duplicates, %d deferred)\n",
				humanize.Comma(int64(report.Turns)), len(report.Conversations), report.Duplicates, report.Deferred)
			for _, e := range report.Engrams {
				fmt.Fprintf(out, "  %s %s turns %d-%d (%s)\n", e.ID, e.ConversationID, e.Range.Start, e.Range.End, e.Trigger)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&conversation, "conversation", "c", "", "Default conversation id")
	cmd.Flags().BoolVar(&noFlush, "no-flush", false, "Leave trailing turns unconsolidated")
	return cmd
}

func newRecallCommand(state *cliState) *cobra.Command {
	var (
		conversation string
		budget       int
		maxUnits     int
		asJSON       bool
	)

	cmd := &cobra.Command{
		Use:   "recall [QUERY...]",
		Short: "Retrieve the context block for a query",
		Long:  "Rank a conversation's engrams against a query and print the budget-bounded result. Recalled engrams are reinforced.",
		Example: strings.Join([]string{
			"  engram recall -c support:42 database migration",
			"  engram recall -c support:42 --budget 500 --json deploy",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(conversation) == "" {
				return fmt.Errorf("--conversation is required")
			}
			st, err := state.open(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			cfg := st.engine.Config()
			if !cmd.Flags().Changed("budget") {
				budget = cfg.DefaultBudget
			}
			if !cmd.Flags().Changed("max-units") {
				maxUnits = cfg.DefaultMaxUnits
			}
			units := st.engine.RetrieveContext(cmd.Context(), conversation, strings.Join(args, " "), budget, maxUnits)
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(toWireEngrams(units))
			}
			if len(units) == 0 {
				fmt.Fprintln(out, "No memories.")
				return nil
			}
			fmt.Fprint(out, memory.FormatContext(units, time.Now()))
			return nil
		},
	}
	cmd.Flags().StringVarP(&conversation, "conversation", "c", "", "Conversation id")
	cmd.Flags().IntVar(&budget, "budget", 0, "Token budget (default from config)")
	cmd.Flags().IntVar(&maxUnits, "max-units", 0, "Maximum engrams (default from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print engrams as JSON")
	return cmd
}

func newPruneCommand(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:     "prune",
		Short:   "Tombstone decayed engrams now",
		Long:    "Run one maintenance pass: engrams whose live relevance fell below the prune threshold (and are older than the minimum age) are tombstoned.",
		Example: "  engram prune",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := state.open(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := st.engine.Prune(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Tombstoned %d engrams\n", n)
			return nil
		},
	}
}

func newStatsCommand(state *cliState) *cobra.Command {
	var (
		conversation string
		asJSON       bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-conversation engram statistics",
		Example: strings.Join([]string{
			"  engram stats",
			"  engram stats -c support:42 --json",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := state.open(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			ids := []string{conversation}
			if conversation == "" {
				if ids, err = st.store.ListConversations(ctx); err != nil {
					return err
				}
			}
			all := make([]memory.Stats, 0, len(ids))
			for _, id := range ids {
				s, err := st.engine.Stats(ctx, id)
				if err != nil {
					return err
				}
				all = append(all, s)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				wire := make([]wireStats, 0, len(all))
				for _, s := range all {
					wire = append(wire, toWireStats(s))
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(wire)
			}
			if len(all) == 0 {
				fmt.Fprintln(out, "No conversations.")
				return nil
			}
			for _, s := range all {
				printStats(out, s)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&conversation, "conversation", "c", "", "Conversation id (default: all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print statistics as JSON")
	return cmd
}

func printStats(out io.Writer, s memory.Stats) {
	tw := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
	fmt.Fprintf(tw, "Conversation:\t%s\n", s.ConversationID)
	fmt.Fprintf(tw, "Engrams:\t%d active, %d tombstoned\n", s.Active, s.Tombstoned)
	fmt.Fprintf(tw, "Mean relevance:\t%.3f\n", s.MeanRelevance)
	fmt.Fprintf(tw, "Mean surprise:\t%.3f\n", s.MeanSurprise)
	fmt.Fprintf(tw, "Tokens:\t%s stored from %s source (%.1fx)\n",
		humanize.Comma(int64(s.ContentTokens)), humanize.Comma(int64(s.SourceTokens)), s.CompressionRatio)
	if !s.LastCreatedAt.IsZero() {
		fmt.Fprintf(tw, "Last consolidated:\t%s\n", humanize.Time(s.LastCreatedAt))
	}
	if s.BufferedTurns > 0 {
		fmt.Fprintf(tw, "Buffered:\t%d turns, %s tokens\n", s.BufferedTurns, humanize.Comma(int64(s.BufferedTokens)))
	}
	_ = tw.Flush()
	fmt.Fprintln(out)
}

func newStatusCommand(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show configuration, storage, and summarizer readiness",
		Example: "  engram status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := state.load(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			mark := func(ok bool) string {
				if ok {
					return "✓"
				}
				return "✗"
			}

			fmt.Fprintf(out, "%s Status\n", appName)
			fmt.Fprintf(out, "Version: %s\n\n", formatVersion())

			_, cfgErr := os.Stat(state.configPath)
			fmt.Fprintln(out, "Config:", state.configPath, mark(cfgErr == nil))

			dbPath := cfg.StoragePath()
			if info, err := os.Stat(dbPath); err == nil {
				fmt.Fprintf(out, "Storage: %s %s (%s)\n", dbPath, mark(true), humanize.Bytes(uint64(info.Size())))
			} else {
				fmt.Fprintln(out, "Storage:", dbPath, "not initialized")
			}

			fmt.Fprintln(out, "Engine enabled:", mark(cfg.Engine.Enabled))
			fmt.Fprintln(out, "Similarity:", cfg.Retrieval.Similarity)
			fmt.Fprintln(out, "Prune schedule:", valueOr(cfg.Maintenance.Schedule, "disabled"))
			fmt.Fprintln(out, "Summarizer:", cfg.Summarizer.Mode)
			if cfg.Summarizer.Mode == config.SummarizerLLM {
				cs, err := providers.ProviderCredentialStatus(cfg)
				if err != nil {
					fmt.Fprintf(out, "Provider: %s ✗ (%v)\n", cs.Provider, err)
					return nil
				}
				fmt.Fprintf(out, "Provider: %s %s %s\n", cs.Provider, mark(cs.Configured), cs.Mode)
			}
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  engram version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}
