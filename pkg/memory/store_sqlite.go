package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the canonical engram store.
type SQLiteStore struct {
	db *sql.DB

	idMu    sync.Mutex
	entropy *rand.Rand
}

// NewSQLiteStore creates/opens the engram database at path. ":memory:" opens
// a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create memory db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One shared connection: avoids writer lock contention between
	// goroutines and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &SQLiteStore{
		db:      db,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS engrams (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			content TEXT NOT NULL,
			start_ordinal INTEGER NOT NULL,
			end_ordinal INTEGER NOT NULL,
			turn_count INTEGER NOT NULL,
			token_count INTEGER NOT NULL DEFAULT 0,
			source_tokens INTEGER NOT NULL DEFAULT 0,
			relevance_score REAL NOT NULL CHECK (relevance_score >= 0),
			surprise_score REAL NOT NULL CHECK (surprise_score >= 0 AND surprise_score <= 1),
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed_ms INTEGER NOT NULL,
			created_at_ms INTEGER NOT NULL,
			tombstoned INTEGER NOT NULL DEFAULT 0,
			trigger_kind TEXT NOT NULL DEFAULT '',
			topics_json TEXT NOT NULL DEFAULT '[]',
			has_code INTEGER NOT NULL DEFAULT 0,
			has_error INTEGER NOT NULL DEFAULT 0,
			CHECK (end_ordinal >= start_ordinal),
			CHECK (last_accessed_ms >= created_at_ms)
		);`,
		`CREATE INDEX IF NOT EXISTS engrams_conv_active_idx ON engrams(conversation_id, tombstoned);`,
		`CREATE INDEX IF NOT EXISTS engrams_conv_relevance_idx ON engrams(conversation_id, relevance_score DESC);`,
		`CREATE INDEX IF NOT EXISTS engrams_conv_created_idx ON engrams(conversation_id, created_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS engrams_conv_range_idx ON engrams(conversation_id, end_ordinal);`,
		`CREATE TABLE IF NOT EXISTS memory_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			metric TEXT NOT NULL,
			value REAL NOT NULL,
			labels_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS memory_metrics_metric_idx ON memory_metrics(metric, created_at_ms DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func (s *SQLiteStore) newID(at time.Time) string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), s.entropy).String()
}

func encodeMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func encodeTopics(topics []string) string {
	if len(topics) == 0 {
		return "[]"
	}
	b, err := json.Marshal(topics)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeTopics(raw string) []string {
	out := []string{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return []string{}
	}
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const engramColumns = `id, conversation_id, content, start_ordinal, end_ordinal, turn_count, token_count, source_tokens,
relevance_score, surprise_score, access_count, last_accessed_ms, created_at_ms, tombstoned,
trigger_kind, topics_json, has_code, has_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEngram(row rowScanner) (Engram, error) {
	var (
		e                       Engram
		lastMS, createdMS       int64
		tomb, hasCode, hasError int
		trigger, topics         string
	)
	if err := row.Scan(&e.ID, &e.ConversationID, &e.Content, &e.Range.Start, &e.Range.End, &e.Range.Count,
		&e.TokenCount, &e.SourceTokens, &e.Relevance, &e.Surprise, &e.AccessCount, &lastMS, &createdMS,
		&tomb, &trigger, &topics, &hasCode, &hasError); err != nil {
		return Engram{}, err
	}
	e.LastAccessed = time.UnixMilli(lastMS)
	e.CreatedAt = time.UnixMilli(createdMS)
	e.Tombstoned = tomb != 0
	e.Trigger = Trigger(trigger)
	e.Topics = decodeTopics(topics)
	e.HasCode = hasCode != 0
	e.HasError = hasError != 0
	return e, nil
}

func (s *SQLiteStore) InsertEngram(ctx context.Context, e Engram) (Engram, error) {
	if strings.TrimSpace(e.ConversationID) == "" {
		return Engram{}, fmt.Errorf("insert engram: empty conversation_id")
	}
	if e.Range.End < e.Range.Start {
		return Engram{}, fmt.Errorf("insert engram: invalid range %d..%d", e.Range.Start, e.Range.End)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	// Persisted precision is milliseconds; keep the returned value identical
	// to what a later read yields.
	e.CreatedAt = time.UnixMilli(e.CreatedAt.UnixMilli())
	if e.LastAccessed.Before(e.CreatedAt) {
		e.LastAccessed = e.CreatedAt
	}
	e.LastAccessed = time.UnixMilli(e.LastAccessed.UnixMilli())
	if e.ID == "" {
		e.ID = s.newID(e.CreatedAt)
	}
	if e.Topics == nil {
		e.Topics = []string{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Engram{}, fmt.Errorf("insert engram begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var overlapping int
	if err := tx.QueryRowContext(ctx, `
SELECT COUNT(1) FROM engrams
WHERE conversation_id = ? AND tombstoned = 0 AND start_ordinal <= ? AND end_ordinal >= ?`,
		e.ConversationID, e.Range.End, e.Range.Start).Scan(&overlapping); err != nil {
		return Engram{}, fmt.Errorf("insert engram overlap check: %w", err)
	}
	if overlapping > 0 {
		return Engram{}, fmt.Errorf("insert engram %d..%d in %s: %w", e.Range.Start, e.Range.End, e.ConversationID, ErrRangeOverlap)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO engrams(`+engramColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ConversationID, e.Content, e.Range.Start, e.Range.End, e.Range.Count,
		e.TokenCount, e.SourceTokens, e.Relevance, e.Surprise, e.AccessCount,
		e.LastAccessed.UnixMilli(), e.CreatedAt.UnixMilli(), boolInt(e.Tombstoned),
		string(e.Trigger), encodeTopics(e.Topics), boolInt(e.HasCode), boolInt(e.HasError)); err != nil {
		return Engram{}, fmt.Errorf("insert engram: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Engram{}, fmt.Errorf("insert engram commit: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) GetEngram(ctx context.Context, id string) (Engram, error) {
	e, err := scanEngram(s.db.QueryRowContext(ctx, `SELECT `+engramColumns+` FROM engrams WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Engram{}, ErrNotFound
		}
		return Engram{}, fmt.Errorf("get engram: %w", err)
	}
	return e, nil
}

// ListEngrams returns a conversation's engrams ordered by start ordinal.
func (s *SQLiteStore) ListEngrams(ctx context.Context, conversationID string, includeTombstoned bool) ([]Engram, error) {
	query := `SELECT ` + engramColumns + ` FROM engrams WHERE conversation_id = ?`
	if !includeTombstoned {
		query += ` AND tombstoned = 0`
	}
	query += ` ORDER BY start_ordinal ASC, created_at_ms ASC`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list engrams: %w", err)
	}
	defer rows.Close()

	out := []Engram{}
	for rows.Next() {
		e, err := scanEngram(rows)
		if err != nil {
			return nil, fmt.Errorf("scan engram: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list engrams: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ReinforceEngram(ctx context.Context, id string, fn func(Engram) Engram) (Engram, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Engram{}, fmt.Errorf("reinforce engram begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanEngram(tx.QueryRowContext(ctx, `SELECT `+engramColumns+` FROM engrams WHERE id = ? AND tombstoned = 0`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Engram{}, ErrNotFound
		}
		return Engram{}, fmt.Errorf("reinforce engram load: %w", err)
	}

	next := fn(cur)
	if next.AccessCount < cur.AccessCount {
		next.AccessCount = cur.AccessCount
	}
	if next.LastAccessed.Before(cur.LastAccessed) {
		next.LastAccessed = cur.LastAccessed
	}
	next.LastAccessed = time.UnixMilli(next.LastAccessed.UnixMilli())
	if next.Relevance < 0 {
		next.Relevance = 0
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE engrams
SET relevance_score = ?, access_count = ?, last_accessed_ms = ?
WHERE id = ?`, next.Relevance, next.AccessCount, next.LastAccessed.UnixMilli(), id); err != nil {
		return Engram{}, fmt.Errorf("reinforce engram update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Engram{}, fmt.Errorf("reinforce engram commit: %w", err)
	}

	cur.Relevance = next.Relevance
	cur.AccessCount = next.AccessCount
	cur.LastAccessed = next.LastAccessed
	return cur, nil
}

func (s *SQLiteStore) TombstoneEngram(ctx context.Context, id string, lastAccessed time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE engrams SET tombstoned = 1
WHERE id = ? AND tombstoned = 0 AND last_accessed_ms <= ?`, id, lastAccessed.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("tombstone engram: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("tombstone engram: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT conversation_id FROM engrams WHERE tombstoned = 0 ORDER BY conversation_id`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list conversations: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LatestEngramEnd(ctx context.Context, conversationID string) (int64, bool, error) {
	var end sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(end_ordinal) FROM engrams WHERE conversation_id = ?`, conversationID).Scan(&end); err != nil {
		return 0, false, fmt.Errorf("latest engram end: %w", err)
	}
	return end.Int64, end.Valid, nil
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, conversationID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM engrams WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete conversation: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO memory_metrics(metric, value, labels_json, created_at_ms) VALUES(?, ?, ?, ?)`,
		metric, value, encodeMap(labels), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("add metric: %w", err)
	}
	return nil
}

// MetricCount returns how many samples of metric were recorded.
func (s *SQLiteStore) MetricCount(ctx context.Context, metric string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM memory_metrics WHERE metric = ?`, metric).Scan(&n); err != nil {
		return 0, fmt.Errorf("metric count: %w", err)
	}
	return n, nil
}
