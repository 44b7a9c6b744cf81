package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/dotsetgreg/engram/pkg/config"
	"github.com/dotsetgreg/engram/pkg/providers"
	"github.com/spf13/cobra"
	cobraDoc "github.com/spf13/cobra/doc"
)

func newDocsCommand(rootFactory func() *cobra.Command) *cobra.Command {
	var (
		outputDir string
		checkOnly bool
	)
	gen := &cobra.Command{
		Use:   "generate",
		Short: "Generate CLI, man page, config and provider references",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(outputDir) == "" {
				return fmt.Errorf("--output must not be empty")
			}
			return generateDocumentation(rootFactory, outputDir, checkOnly)
		},
	}
	gen.Flags().StringVar(&outputDir, "output", "docs", "Docs directory root")
	gen.Flags().BoolVar(&checkOnly, "check", false, "Fail if generated docs are out of date")

	docs := &cobra.Command{
		Use:    "docs",
		Short:  "Internal docs maintenance commands",
		Hidden: true,
	}
	docs.AddCommand(gen)
	return docs
}

// docSet is a rendered reference tree keyed by slash path under the docs
// root, e.g. "reference/config.md".
type docSet map[string][]byte

// generateDocumentation rewrites outputDir/reference, or with checkOnly
// fails unless it already matches the rendered set exactly.
func generateDocumentation(rootFactory func() *cobra.Command, outputDir string, checkOnly bool) error {
	docs, err := renderDocs(rootFactory())
	if err != nil {
		return err
	}
	if checkOnly {
		return docs.verify(outputDir)
	}
	if err := os.RemoveAll(filepath.Join(outputDir, "reference")); err != nil {
		return fmt.Errorf("clear reference dir: %w", err)
	}
	return docs.write(outputDir)
}

func renderDocs(root *cobra.Command) (docSet, error) {
	disableAutoGenTag(root)

	scratch, err := os.MkdirTemp("", "engram-docs-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	cliDir := filepath.Join(scratch, "cli")
	manDir := filepath.Join(scratch, "man")
	for _, dir := range []string{cliDir, manDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	title := func(filename string) string {
		base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
		return "# " + strings.ReplaceAll(base, "_", " ") + "\n\n"
	}
	if err := cobraDoc.GenMarkdownTreeCustom(root, cliDir, title, func(name string) string { return name }); err != nil {
		return nil, fmt.Errorf("render cli markdown: %w", err)
	}
	if err := cobraDoc.GenManTree(root, &cobraDoc.GenManHeader{Title: "ENGRAM", Section: "1", Source: appName}, manDir); err != nil {
		return nil, fmt.Errorf("render man pages: %w", err)
	}

	docs, err := readDocTree(scratch, "reference")
	if err != nil {
		return nil, err
	}
	docs["reference/config.md"] = []byte(configReference())
	docs["reference/providers.md"] = []byte(providersReference())
	return docs, nil
}

func disableAutoGenTag(cmd *cobra.Command) {
	cmd.DisableAutoGenTag = true
	for _, child := range cmd.Commands() {
		disableAutoGenTag(child)
	}
}

// readDocTree loads every file under dir, keyed by prefix plus its
// slash-separated relative path.
func readDocTree(dir, prefix string) (docSet, error) {
	docs := docSet{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return walkErr
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		docs[prefix+"/"+filepath.ToSlash(rel)] = data
		return nil
	})
	return docs, err
}

func (d docSet) paths() []string {
	out := make([]string, 0, len(d))
	for p := range d {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (d docSet) write(root string) error {
	for _, rel := range d.paths() {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, d[rel], 0o644); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return nil
}

func (d docSet) verify(root string) error {
	onDisk, err := readDocTree(filepath.Join(root, "reference"), "reference")
	if err != nil {
		return fmt.Errorf("docs out of date: %w", err)
	}
	for _, rel := range d.paths() {
		got, ok := onDisk[rel]
		if !ok {
			return fmt.Errorf("docs out of date: %s is missing; run `engram docs generate`", rel)
		}
		if !bytes.Equal(got, d[rel]) {
			return fmt.Errorf("docs out of date: %s differs; run `engram docs generate`", rel)
		}
		delete(onDisk, rel)
	}
	if stale := onDisk.paths(); len(stale) > 0 {
		return fmt.Errorf("docs out of date: %s is stale; run `engram docs generate`", stale[0])
	}
	return nil
}

type configRow struct {
	key, typ, env, def string
}

// configReference documents every leaf of Config with its env override and
// the value DefaultConfig gives it.
func configReference() string {
	var rows []configRow
	collectConfigRows(reflect.ValueOf(config.DefaultConfig()).Elem(), "", &rows)
	sort.Slice(rows, func(i, j int) bool { return rows[i].key < rows[j].key })

	var b strings.Builder
	b.WriteString("# Config Reference\n\n")
	b.WriteString("Generated from `pkg/config/config.go` and `config.DefaultConfig()`.\n")
	b.WriteString("Files ending in `.yaml`/`.yml` are read as YAML, anything else as JSON.\n")
	b.WriteString("Environment variables override file values.\n\n")
	b.WriteString("| Key | Type | Env Var | Default |\n")
	b.WriteString("| --- | --- | --- | --- |\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "| `%s` | `%s` | `%s` | `%s` |\n", r.key, r.typ, escapePipes(valueOr(r.env, "-")), escapePipes(r.def))
	}
	return b.String()
}

func collectConfigRows(v reflect.Value, prefix string, rows *[]configRow) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if !field.IsExported() || name == "" || name == "-" {
			continue
		}
		if prefix != "" {
			name = prefix + "." + name
		}
		fv := v.Field(i)
		if fv.Kind() == reflect.Struct {
			collectConfigRows(fv, name, rows)
			continue
		}
		*rows = append(*rows, configRow{
			key: name,
			typ: typeName(field.Type),
			env: field.Tag.Get("env"),
			def: defaultText(fv),
		})
	}
}

func defaultText(v reflect.Value) string {
	if v.IsZero() && (v.Kind() == reflect.String || v.Kind() == reflect.Slice) {
		return "-"
	}
	encoded, err := json.Marshal(v.Interface())
	if err != nil {
		return "-"
	}
	return string(encoded)
}

func typeName(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return "int"
	case reflect.Float32, reflect.Float64:
		return "float"
	case reflect.Slice:
		return "array<" + typeName(t.Elem()) + ">"
	case reflect.String, reflect.Bool:
		return t.Kind().String()
	}
	return t.String()
}

func providersReference() string {
	defaultProvider := config.DefaultConfig().Summarizer.Provider

	var b strings.Builder
	b.WriteString("# Summarizer Providers\n\n")
	fmt.Fprintf(&b, "Used only when `summarizer.mode` is `%s`. The default mode, `%s`, needs no provider.\n\n",
		config.SummarizerLLM, config.SummarizerExtractive)
	b.WriteString("| Provider | Default |\n")
	b.WriteString("| --- | --- |\n")
	for _, name := range providers.SupportedProviders() {
		mark := "-"
		if name == defaultProvider {
			mark = "yes"
		}
		fmt.Fprintf(&b, "| `%s` | %s |\n", name, mark)
	}
	b.WriteString("\n## Credentials\n\n")
	b.WriteString("Set exactly one of `summarizer.api_key` (`ENGRAM_SUMMARIZER_API_KEY`) or ")
	b.WriteString("`summarizer.api_key_file` (`ENGRAM_SUMMARIZER_API_KEY_FILE`). ")
	b.WriteString("Key files are re-read on every request.\n")
	return b.String()
}

func escapePipes(v string) string {
	return strings.ReplaceAll(v, "|", "\\|")
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
