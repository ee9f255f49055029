// Package persistence stores asks and their transition history in SQLite so
// state survives restarts and polling never depends on in-memory maps alone.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/finchbase/finch/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "finch-v1-2026-08-asking"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// AskState is the lifecycle state of one ask.
type AskState string

const (
	AskStateCreated     AskState = "CREATED"
	AskStateClassifying AskState = "CLASSIFYING"
	AskStateRetrieving  AskState = "RETRIEVING"
	AskStateGenerating  AskState = "GENERATING"
	AskStateCorrecting  AskState = "CORRECTING"
	AskStateSucceeded   AskState = "SUCCEEDED"
	AskStateFailed      AskState = "FAILED"
	// Terminal states for asks that were never SQL questions.
	AskStateIdentifiedGeneral    AskState = "IDENTIFIED_GENERAL"
	AskStateIdentifiedMisleading AskState = "IDENTIFIED_MISLEADING"
)

var allowedTransitions = map[AskState]map[AskState]struct{}{
	AskStateCreated: {
		AskStateClassifying: {},
		AskStateRetrieving:  {}, // Classification disabled.
		AskStateSucceeded:   {}, // Cache hit.
		AskStateFailed:      {},
	},
	AskStateClassifying: {
		AskStateRetrieving:           {},
		AskStateIdentifiedGeneral:    {},
		AskStateIdentifiedMisleading: {},
		AskStateFailed:               {},
	},
	AskStateRetrieving: {
		AskStateGenerating: {},
		AskStateFailed:     {},
	},
	AskStateGenerating: {
		AskStateCorrecting: {},
		AskStateSucceeded:  {},
		AskStateFailed:     {},
	},
	AskStateCorrecting: {
		AskStateSucceeded: {},
		AskStateFailed:    {},
	},
}

func canTransition(from, to AskState) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// IsTerminal reports whether an ask in this state can never change again.
func (s AskState) IsTerminal() bool {
	switch s {
	case AskStateSucceeded, AskStateFailed, AskStateIdentifiedGeneral, AskStateIdentifiedMisleading:
		return true
	}
	return false
}

// Ask is one asking task as stored. Attempts and Warnings hold JSON arrays
// written by the pipeline; the store does not interpret them.
type Ask struct {
	ID              string    `json:"id"`
	ProjectID       string    `json:"project_id"`
	Question        string    `json:"question"`
	ContextVersion  string    `json:"context_version"`
	State           AskState  `json:"state"`
	Intent          string    `json:"intent,omitempty"`
	SQL             string    `json:"sql,omitempty"`
	Reasoning       string    `json:"reasoning,omitempty"`
	AttemptsJSON    string    `json:"attempts_json,omitempty"`
	WarningsJSON    string    `json:"warnings_json,omitempty"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	CacheHit        bool      `json:"cache_hit"`
	CacheKey        string    `json:"cache_key,omitempty"`
	TraceID         string    `json:"trace_id"`
	CancelRequested bool      `json:"cancel_requested"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// AskEvent is one recorded state change.
type AskEvent struct {
	EventID     int64     `json:"event_id"`
	AskID       string    `json:"ask_id"`
	TraceID     string    `json:"trace_id,omitempty"`
	StateFrom   AskState  `json:"state_from"`
	StateTo     AskState  `json:"state_to"`
	PayloadJSON string    `json:"payload_json"`
	CreatedAt   time.Time `json:"created_at"`
}

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath(homeDir string) string {
	return filepath.Join(homeDir, "finch.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite reports BUSY or LOCKED, with exponential
// backoff and bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS asks (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL DEFAULT 'default',
			question TEXT NOT NULL,
			context_version TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL CHECK(state IN ('CREATED', 'CLASSIFYING', 'RETRIEVING', 'GENERATING', 'CORRECTING', 'SUCCEEDED', 'FAILED', 'IDENTIFIED_GENERAL', 'IDENTIFIED_MISLEADING')),
			intent TEXT,
			sql_text TEXT,
			reasoning TEXT,
			attempts JSON,
			warnings JSON,
			error_kind TEXT,
			error_message TEXT,
			cache_hit INTEGER NOT NULL DEFAULT 0,
			cache_key TEXT,
			trace_id TEXT NOT NULL DEFAULT '',
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS ask_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			ask_id TEXT NOT NULL REFERENCES asks(id),
			trace_id TEXT,
			state_from TEXT,
			state_to TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_asks_state ON asks(state);`,
		`CREATE INDEX IF NOT EXISTS idx_asks_created_at ON asks(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_ask_events_ask_id ON ask_events(ask_id, event_id);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}
	return tx.Commit()
}

func (s *Store) appendAskEventTx(ctx context.Context, tx *sql.Tx, askID, traceID string, from, to AskState, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ask_events (ask_id, trace_id, state_from, state_to, payload_json)
		VALUES (?, ?, ?, ?, ?);
	`, askID, traceID, string(from), string(to), payload); err != nil {
		return fmt.Errorf("append ask event: %w", err)
	}
	return nil
}

// transitionAskTx moves an ask between states inside tx, recording the event.
// It returns applied=false without error when the ask is missing or not in
// one of allowedFrom; an in-model but disallowed transition is an error. The
// bus publish is left to the caller, after the surrounding tx commits, so a
// rolled-back transition never leaks an event.
func (s *Store) transitionAskTx(
	ctx context.Context,
	tx *sql.Tx,
	askID string,
	allowedFrom []AskState,
	to AskState,
	payload string,
	update func(*sql.Tx) error,
) (from AskState, traceID string, applied bool, err error) {
	if err := tx.QueryRowContext(ctx, `
		SELECT state, trace_id FROM asks WHERE id = ?;
	`, askID).Scan(&from, &traceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", false, nil
		}
		return "", "", false, fmt.Errorf("select ask for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, from) {
		return from, traceID, false, nil
	}
	if !canTransition(from, to) {
		return from, traceID, false, fmt.Errorf("illegal transition %s -> %s", from, to)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE asks SET state = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND state = ?;
	`, string(to), askID, string(from))
	if err != nil {
		return from, traceID, false, fmt.Errorf("update ask transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return from, traceID, false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return from, traceID, false, nil
	}
	if update != nil {
		if err := update(tx); err != nil {
			return from, traceID, false, err
		}
	}
	if err := s.appendAskEventTx(ctx, tx, askID, traceID, from, to, payload); err != nil {
		return from, traceID, false, err
	}
	return from, traceID, true, nil
}

func (s *Store) publishStateChange(askID, traceID string, from, to AskState) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicAskStateChanged, bus.AskStateChangedEvent{
		TaskID:   askID,
		TraceID:  traceID,
		OldState: string(from),
		NewState: string(to),
	})
}
