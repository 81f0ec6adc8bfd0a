package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/agentworkforce/producthuntdb/internal/entity"
)

const checkpointColumns = "last_timestamp, last_cursor, window_start, last_run_at"

// GetCheckpoint returns the stored progress for t, or nil when t has never
// completed a page.
func (s *Store) GetCheckpoint(ctx context.Context, t entity.Type) (*entity.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		s.dialect.rebind("SELECT "+checkpointColumns+" FROM checkpoints WHERE entity_type = ?"),
		string(t),
	)
	cp, err := scanCheckpoint(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cp.Type = t
	return &cp, nil
}

// SetCheckpoint records progress for an unbounded traversal of t.
func (s *Store) SetCheckpoint(ctx context.Context, t entity.Type, ts time.Time, cursor string) error {
	return s.SaveCheckpoint(ctx, entity.Checkpoint{Type: t, LastTimestamp: ts, LastCursor: cursor})
}

// SaveCheckpoint records progress for cp.Type. The stored timestamp never
// moves backwards: an older LastTimestamp keeps the previous value. Cursor
// and window are always replaced; an empty cursor marks a finished
// traversal and clears the window.
func (s *Store) SaveCheckpoint(ctx context.Context, cp entity.Checkpoint) error {
	var window any
	if cp.LastCursor != "" {
		window = formatTime(cp.WindowStart)
	}
	started := time.Now()
	err := s.inTx(ctx, func(q *txQuerier) error {
		var stored sql.NullString
		err := q.queryRow(ctx, "SELECT last_timestamp FROM checkpoints WHERE entity_type = ?", string(cp.Type)).Scan(&stored)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		previous, err := parseStoredTime(stored)
		if err != nil {
			return err
		}
		ts := cp.LastTimestamp
		if previous.After(ts) {
			ts = previous
		}
		return q.exec(ctx, `INSERT INTO checkpoints (entity_type, last_timestamp, last_cursor, window_start, last_run_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (entity_type) DO UPDATE SET
				last_timestamp = excluded.last_timestamp,
				last_cursor = excluded.last_cursor,
				window_start = excluded.window_start,
				last_run_at = excluded.last_run_at`,
			string(cp.Type), formatTime(ts), cp.LastCursor, window, formatTime(s.now()))
	})
	s.metrics.ObserveDB("checkpoint", "checkpoints", 0, err, time.Since(started))
	return err
}

// ResetCheckpoint forgets all progress for t so the next run starts over.
func (s *Store) ResetCheckpoint(ctx context.Context, t entity.Type) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind("DELETE FROM checkpoints WHERE entity_type = ?"), string(t))
	return err
}

// Checkpoints lists every stored checkpoint ordered by entity type.
func (s *Store) Checkpoints(ctx context.Context) ([]entity.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT entity_type, "+checkpointColumns+" FROM checkpoints ORDER BY entity_type")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []entity.Checkpoint
	for rows.Next() {
		var typ string
		cp, err := scanCheckpoint(func(dest ...any) error {
			return rows.Scan(append([]any{&typ}, dest...)...)
		})
		if err != nil {
			return nil, err
		}
		cp.Type = entity.Type(typ)
		out = append(out, cp)
	}
	return out, rows.Err()
}

func scanCheckpoint(scan func(dest ...any) error) (entity.Checkpoint, error) {
	var cp entity.Checkpoint
	var lastTS, window, lastRun sql.NullString
	if err := scan(&lastTS, &cp.LastCursor, &window, &lastRun); err != nil {
		return cp, err
	}
	var err error
	if cp.LastTimestamp, err = parseStoredTime(lastTS); err != nil {
		return cp, err
	}
	if cp.WindowStart, err = parseStoredTime(window); err != nil {
		return cp, err
	}
	if cp.LastRunAt, err = parseStoredTime(lastRun); err != nil {
		return cp, err
	}
	return cp, nil
}
