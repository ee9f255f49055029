package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrAskNotFound is returned by lookups for unknown ask ids.
var ErrAskNotFound = errors.New("ask not found")

func (a *Ask) normalized() *Ask {
	if a.ProjectID == "" {
		a.ProjectID = "default"
	}
	return a
}

// CreateAsk inserts a new ask in CREATED and records the birth event.
func (s *Store) CreateAsk(ctx context.Context, ask *Ask) error {
	ask = ask.normalized()
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create ask tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO asks (id, project_id, question, context_version, state, cache_hit, cache_key, trace_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, ask.ID, ask.ProjectID, ask.Question, ask.ContextVersion, string(AskStateCreated),
			boolToInt(ask.CacheHit), ask.CacheKey, ask.TraceID); err != nil {
			return fmt.Errorf("insert ask: %w", err)
		}
		if err := s.appendAskEventTx(ctx, tx, ask.ID, ask.TraceID, "", AskStateCreated, `{"reason":"created"}`); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit create ask tx: %w", err)
		}
		s.publishStateChange(ask.ID, ask.TraceID, "", AskStateCreated)
		return nil
	})
}

// Transition moves an ask from one of allowedFrom to the given state. The
// returned bool reports whether the change was applied; false means the ask
// was missing or already elsewhere, which callers treat as losing a race, not
// as an error.
func (s *Store) Transition(ctx context.Context, askID string, allowedFrom []AskState, to AskState, payload string) (bool, error) {
	return s.transitionWith(ctx, askID, allowedFrom, to, payload, nil)
}

func (s *Store) transitionWith(
	ctx context.Context,
	askID string,
	allowedFrom []AskState,
	to AskState,
	payload string,
	update func(*sql.Tx) error,
) (bool, error) {
	var applied bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var from AskState
		var traceID string
		from, traceID, applied, err = s.transitionAskTx(ctx, tx, askID, allowedFrom, to, payload, update)
		if err != nil {
			return err
		}
		if !applied {
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transition tx: %w", err)
		}
		s.publishStateChange(askID, traceID, from, to)
		return nil
	})
	return applied, err
}

// SetIntent records the classified intent while moving out of CLASSIFYING.
func (s *Store) SetIntent(ctx context.Context, askID, intent string, to AskState, payload string) (bool, error) {
	return s.transitionWith(ctx, askID, []AskState{AskStateClassifying}, to, payload, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE asks SET intent = ? WHERE id = ?;`, intent, askID)
		return err
	})
}

// SetWarnings attaches retrieval warnings to an ask. Warnings never change
// the state on their own.
func (s *Store) SetWarnings(ctx context.Context, askID, warningsJSON string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE asks SET warnings = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, warningsJSON, askID)
		return err
	})
}

// CompleteAsk records a validated statement and moves the ask to SUCCEEDED.
func (s *Store) CompleteAsk(ctx context.Context, askID, sqlText, reasoning, attemptsJSON string, from []AskState) (bool, error) {
	return s.transitionWith(ctx, askID, from, AskStateSucceeded, `{"reason":"sql_validated"}`, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE asks SET sql_text = ?, reasoning = ?, attempts = ? WHERE id = ?;
		`, sqlText, reasoning, attemptsJSON, askID)
		return err
	})
}

// CompleteAskFromCache finishes a freshly created ask with a cached result.
func (s *Store) CompleteAskFromCache(ctx context.Context, askID, sqlText string) (bool, error) {
	return s.transitionWith(ctx, askID, []AskState{AskStateCreated}, AskStateSucceeded, `{"reason":"cache_hit"}`, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE asks SET sql_text = ?, cache_hit = 1 WHERE id = ?;
		`, sqlText, askID)
		return err
	})
}

// FailAsk records the error taxonomy entry and moves the ask to FAILED.
func (s *Store) FailAsk(ctx context.Context, askID, errorKind, errorMessage, attemptsJSON string, from []AskState) (bool, error) {
	payload := `{"reason":"` + errorKind + `"}`
	return s.transitionWith(ctx, askID, from, AskStateFailed, payload, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE asks SET error_kind = ?, error_message = ?, attempts = CASE WHEN ? != '' THEN ? ELSE attempts END
			WHERE id = ?;
		`, errorKind, errorMessage, attemptsJSON, attemptsJSON, askID)
		return err
	})
}

// RequestCancel flags an ask for cooperative cancellation. It reports whether
// the flag was newly set; terminal asks are left alone.
func (s *Store) RequestCancel(ctx context.Context, askID string) (bool, error) {
	var flagged bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE asks SET cancel_requested = 1, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND cancel_requested = 0
			  AND state NOT IN ('SUCCEEDED', 'FAILED', 'IDENTIFIED_GENERAL', 'IDENTIFIED_MISLEADING');
		`, askID)
		if err != nil {
			return fmt.Errorf("request cancel: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		flagged = affected == 1
		return nil
	})
	return flagged, err
}

func (s *Store) IsCancelRequested(ctx context.Context, askID string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM asks WHERE id = ?;`, askID).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrAskNotFound
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return flag == 1, nil
}

func (s *Store) GetAsk(ctx context.Context, askID string) (*Ask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, question, context_version, state,
		       COALESCE(intent, ''), COALESCE(sql_text, ''), COALESCE(reasoning, ''),
		       COALESCE(attempts, ''), COALESCE(warnings, ''),
		       COALESCE(error_kind, ''), COALESCE(error_message, ''),
		       cache_hit, COALESCE(cache_key, ''), trace_id, cancel_requested,
		       created_at, updated_at
		FROM asks WHERE id = ?;
	`, askID)

	var ask Ask
	var cacheHit, cancelRequested int
	err := row.Scan(&ask.ID, &ask.ProjectID, &ask.Question, &ask.ContextVersion, &ask.State,
		&ask.Intent, &ask.SQL, &ask.Reasoning,
		&ask.AttemptsJSON, &ask.WarningsJSON,
		&ask.ErrorKind, &ask.ErrorMessage,
		&cacheHit, &ask.CacheKey, &ask.TraceID, &cancelRequested,
		&ask.CreatedAt, &ask.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select ask: %w", err)
	}
	ask.CacheHit = cacheHit == 1
	ask.CancelRequested = cancelRequested == 1
	return &ask, nil
}

// ListAskEvents returns the transition history for an ask in event order,
// starting after fromEventID.
func (s *Store) ListAskEvents(ctx context.Context, askID string, fromEventID int64, limit int) ([]AskEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, ask_id, COALESCE(trace_id, ''), COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM ask_events
		WHERE ask_id = ? AND event_id > ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, askID, fromEventID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ask events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []AskEvent
	for rows.Next() {
		var ev AskEvent
		if err := rows.Scan(&ev.EventID, &ev.AskID, &ev.TraceID, &ev.StateFrom, &ev.StateTo, &ev.PayloadJSON, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ask event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// AskCounts reports asks by liveness for the status endpoint.
func (s *Store) AskCounts(ctx context.Context) (active, terminal int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN state IN ('CREATED', 'CLASSIFYING', 'RETRIEVING', 'GENERATING', 'CORRECTING') THEN 1 END),
			COUNT(CASE WHEN state IN ('SUCCEEDED', 'FAILED', 'IDENTIFIED_GENERAL', 'IDENTIFIED_MISLEADING') THEN 1 END)
		FROM asks;
	`).Scan(&active, &terminal)
	if err != nil {
		err = fmt.Errorf("count asks: %w", err)
	}
	return active, terminal, err
}

// ListRecentAsks returns the newest asks first, capped at limit.
func (s *Store) ListRecentAsks(ctx context.Context, limit int) ([]Ask, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, state, COALESCE(intent, ''), cache_hit, created_at, updated_at
		FROM asks
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent asks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var asks []Ask
	for rows.Next() {
		var ask Ask
		var cacheHit int
		if err := rows.Scan(&ask.ID, &ask.State, &ask.Intent, &cacheHit, &ask.CreatedAt, &ask.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan recent ask: %w", err)
		}
		ask.CacheHit = cacheHit == 1
		asks = append(asks, ask)
	}
	return asks, rows.Err()
}

// FailStaleActiveAsks moves asks that were mid-flight when the process died
// to FAILED on startup. The pipeline holds no leases, so any non-terminal ask
// older than the cutoff is orphaned.
func (s *Store) FailStaleActiveAsks(ctx context.Context, cutoff time.Time) (int64, error) {
	var recovered int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin recovery tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id, state, trace_id FROM asks
			WHERE state IN ('CREATED', 'CLASSIFYING', 'RETRIEVING', 'GENERATING', 'CORRECTING')
			  AND updated_at < ?;
		`, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("select stale asks: %w", err)
		}
		type stale struct {
			id      string
			state   AskState
			traceID string
		}
		var orphans []stale
		for rows.Next() {
			var o stale
			if err := rows.Scan(&o.id, &o.state, &o.traceID); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan stale ask: %w", err)
			}
			orphans = append(orphans, o)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, o := range orphans {
			if _, err := tx.ExecContext(ctx, `
				UPDATE asks SET state = 'FAILED', error_kind = 'CAPABILITY',
					error_message = 'service restarted while the ask was in flight',
					updated_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, o.id); err != nil {
				return fmt.Errorf("fail stale ask: %w", err)
			}
			if err := s.appendAskEventTx(ctx, tx, o.id, o.traceID, o.state, AskStateFailed, `{"reason":"startup_recovery"}`); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit recovery tx: %w", err)
		}
		recovered = int64(len(orphans))
		return nil
	})
	return recovered, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
