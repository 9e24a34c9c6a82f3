package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// RecentEvent is one sampled event snapshot. At most one row exists
// per (source, entity key) per sampling window; later events in the
// window are dropped for storage but still dispatched to listeners.
type RecentEvent struct {
	SourceID    string         `json:"source_id"`
	EntityKey   string         `json:"entity_key"`
	WindowStart time.Time      `json:"window_start"`
	EventID     string         `json:"event_id"`
	EventType   string         `json:"event_type"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// SampleEvent stores an event snapshot unless one already exists for
// the same (source, entity key) within the sampling window. Reports
// whether the snapshot was stored. The insert and the window check run
// in a single statement, so concurrent workers cannot double-store.
func (s *Store) SampleEvent(ctx context.Context, re RecentEvent, window time.Duration) (bool, error) {
	payloadJSON, err := json.Marshal(re.Payload)
	if err != nil {
		return false, fmt.Errorf("marshal payload: %w", err)
	}

	if re.WindowStart.IsZero() {
		re.WindowStart = time.Now().UTC()
	}
	cutoff := re.WindowStart.Add(-window)

	var stored bool
	err = s.withRetry(ctx, "sample event", func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO recent_events (source_id, entity_key, window_start, event_id, event_type, payload)
			SELECT ?, ?, ?, ?, ?, ?
			WHERE NOT EXISTS (
				SELECT 1 FROM recent_events
				WHERE source_id = ? AND entity_key = ? AND window_start >= ?
			)`,
			re.SourceID, re.EntityKey, timeText(re.WindowStart),
			re.EventID, re.EventType, string(payloadJSON),
			re.SourceID, re.EntityKey, timeText(cutoff),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		stored = n > 0
		return nil
	})
	return stored, err
}

// RecentEvents returns stored snapshots for a source, newest first.
// A zero limit returns all rows.
func (s *Store) RecentEvents(ctx context.Context, sourceID string, limit int) ([]*RecentEvent, error) {
	query := `
		SELECT source_id, entity_key, window_start, event_id, event_type, payload
		FROM recent_events WHERE source_id = ?
		ORDER BY window_start DESC`
	args := []any{sourceID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RecentEvent
	for rows.Next() {
		var (
			re          RecentEvent
			windowStart string
			payload     sql.NullString
		)
		if err := rows.Scan(&re.SourceID, &re.EntityKey, &windowStart,
			&re.EventID, &re.EventType, &payload); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, windowStart); err == nil {
			re.WindowStart = t.UTC()
		}
		if payload.Valid && payload.String != "" {
			_ = json.Unmarshal([]byte(payload.String), &re.Payload)
		}
		out = append(out, &re)
	}
	return out, rows.Err()
}

// CountRecentEvents returns the stored-snapshot count for a
// (source, entity key) pair. Used by tests and stats.
func (s *Store) CountRecentEvents(ctx context.Context, sourceID, entityKey string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM recent_events WHERE source_id = ? AND entity_key = ?`,
		sourceID, entityKey,
	).Scan(&n)
	return n, err
}

// PurgeRecentEvents deletes snapshots older than the cutoff and
// returns the number removed. Sampling only needs one window of
// history; everything beyond that is debugging residue.
func (s *Store) PurgeRecentEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.withRetry(ctx, "purge recent events", func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM recent_events WHERE window_start < ?`, timeText(cutoff))
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}
