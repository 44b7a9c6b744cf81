package memory

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrInvalidConfig is returned at construction time for unusable settings.
	ErrInvalidConfig = errors.New("invalid memory engine config")

	// ErrRangeOverlap indicates a new engram would overlap an active engram's
	// turn range in the same conversation.
	ErrRangeOverlap = errors.New("engram turn range overlaps an active engram")

	// ErrSummarizerUnavailable means the summarizer failed; consolidation is
	// deferred and the buffer is kept.
	ErrSummarizerUnavailable = errors.New("summarizer unavailable")

	// ErrEmptySummary is returned when a summarizer produced no content.
	ErrEmptySummary = errors.New("summarizer returned empty content")

	// ErrTurnNotAccepted means the turn was not buffered because the
	// conversation's consolidation cursor could not be loaded. Resubmitting
	// the same turn is safe.
	ErrTurnNotAccepted = errors.New("turn not accepted")

	ErrEngineClosed = errors.New("memory engine closed")
	ErrNotFound     = errors.New("engram not found")

	// ErrTransientStorage marks storage failures worth retrying.
	ErrTransientStorage = errors.New("transient storage error")
)

// IsTransient reports whether err is a storage failure that may succeed on
// retry: busy/locked database, dropped connection or a timeout.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransientStorage) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR:
			return true
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
