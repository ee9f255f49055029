package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged rows from one retention run.
type RetentionResult struct {
	PurgedAsks      int64 `json:"purged_asks"`
	PurgedAskEvents int64 `json:"purged_ask_events"`
}

// RunRetention deletes terminal asks and transition events older than the
// configured windows. Active asks are never purged regardless of age, and
// events are always removed before their asks so the foreign key holds. The
// job is idempotent.
func (s *Store) RunRetention(ctx context.Context, askDays, eventDays int) (RetentionResult, error) {
	var result RetentionResult

	if eventDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -eventDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM ask_events WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge ask_events: %w", err)
		}
		result.PurgedAskEvents, _ = res.RowsAffected()
	}

	if askDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -askDays)
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM ask_events WHERE ask_id IN (
				SELECT id FROM asks
				WHERE state IN ('SUCCEEDED', 'FAILED', 'IDENTIFIED_GENERAL', 'IDENTIFIED_MISLEADING')
				  AND updated_at < ?
			);
		`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge events of expired asks: %w", err)
		}
		purged, _ := res.RowsAffected()
		result.PurgedAskEvents += purged

		res, err = s.db.ExecContext(ctx, `
			DELETE FROM asks
			WHERE state IN ('SUCCEEDED', 'FAILED', 'IDENTIFIED_GENERAL', 'IDENTIFIED_MISLEADING')
			  AND updated_at < ?;
		`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge asks: %w", err)
		}
		result.PurgedAsks, _ = res.RowsAffected()
	}

	return result, nil
}
