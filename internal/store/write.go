package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/fieldsync/internal/field"
	"github.com/roach88/fieldsync/internal/vclock"
)

// Batch is everything one ingestion writes. Commit applies it atomically.
type Batch struct {
	// DeviceID is recorded against each conflict.
	DeviceID  string
	Cells     map[field.Coord]field.Cell
	Clock     vclock.VectorClock
	Conflicts []field.ConflictRecord
}

// Commit writes cells, clock rows and conflicts in one transaction.
// An empty batch is a no-op.
func (s *Store) Commit(ctx context.Context, b Batch) error {
	if len(b.Cells) == 0 && len(b.Clock) == 0 && len(b.Conflicts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit batch: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	now := s.now()
	if err := writeCells(ctx, tx, b.Cells, now); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	for _, id := range b.Clock.IDs() {
		if err := writeClockRow(ctx, tx, id, b.Clock[id], now); err != nil {
			return fmt.Errorf("commit batch: %w", err)
		}
	}
	for _, rec := range b.Conflicts {
		if err := writeConflict(ctx, tx, b.DeviceID, rec, now); err != nil {
			return fmt.Errorf("commit batch: %w", err)
		}
	}
	if len(b.Conflicts) > 0 {
		if err := trimConflicts(ctx, tx); err != nil {
			return fmt.Errorf("commit batch: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// UpdateGlobalState upserts the given cells. Cells not named are left alone.
func (s *Store) UpdateGlobalState(ctx context.Context, cells map[field.Coord]field.Cell) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update global state: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := writeCells(ctx, tx, cells, s.now()); err != nil {
		return fmt.Errorf("update global state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update global state: %w", err)
	}
	return nil
}

// UpdateVectorClock raises the canonical counter for deviceID to version.
// A lower version than the stored one is ignored.
func (s *Store) UpdateVectorClock(ctx context.Context, deviceID string, version int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update vector clock: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := writeClockRow(ctx, tx, vclock.NormalizeID(deviceID), version, s.now()); err != nil {
		return fmt.Errorf("update vector clock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update vector clock: %w", err)
	}
	return nil
}

// AddConflict appends a conflict and trims the log to MaxConflicts.
func (s *Store) AddConflict(ctx context.Context, deviceID string, rec field.ConflictRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("add conflict: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := writeConflict(ctx, tx, deviceID, rec, s.now()); err != nil {
		return fmt.Errorf("add conflict: %w", err)
	}
	if err := trimConflicts(ctx, tx); err != nil {
		return fmt.Errorf("add conflict: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("add conflict: %w", err)
	}
	return nil
}

func writeCells(ctx context.Context, tx *sql.Tx, cells map[field.Coord]field.Cell, now int64) error {
	if len(cells) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO field_cells (x, y, value, last_writer, timestamp, vector_clock, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(x, y) DO UPDATE SET
			value = excluded.value,
			last_writer = excluded.last_writer,
			timestamp = excluded.timestamp,
			vector_clock = excluded.vector_clock,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("write cells: prepare: %w", err)
	}
	defer stmt.Close()

	for _, coord := range field.SortedCoords(cells) {
		cell := cells[coord]
		clockJSON, err := marshalClock(cell.VectorClock)
		if err != nil {
			return fmt.Errorf("write cells: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			coord.X,
			coord.Y,
			cell.Value,
			vclock.NormalizeID(cell.LastWriter),
			cell.Timestamp,
			clockJSON,
			now,
		); err != nil {
			return fmt.Errorf("write cells %s: %w", coord, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE global_meta SET total_writes = total_writes + ?, updated_at = ? WHERE id = 1
	`, len(cells), now); err != nil {
		return fmt.Errorf("write cells: update meta: %w", err)
	}
	return nil
}

func writeClockRow(ctx context.Context, tx *sql.Tx, deviceID string, version int64, now int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO vector_clocks (device_id, version, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			version = MAX(vector_clocks.version, excluded.version),
			updated_at = excluded.updated_at
	`, deviceID, version, now)
	if err != nil {
		return fmt.Errorf("write vector clock %q: %w", deviceID, err)
	}
	return nil
}

func writeConflict(ctx context.Context, tx *sql.Tx, deviceID string, rec field.ConflictRecord, now int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO field_conflicts (cell, local_value, remote_value, resolution, device_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.Cell, rec.Local, rec.Remote, string(rec.Resolution), vclock.NormalizeID(deviceID), now)
	if err != nil {
		return fmt.Errorf("write conflict %s: %w", rec.Cell, err)
	}
	return nil
}

func trimConflicts(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM field_conflicts
		WHERE id NOT IN (
			SELECT id FROM field_conflicts
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
	`, MaxConflicts)
	if err != nil {
		return fmt.Errorf("trim conflicts: %w", err)
	}
	return nil
}
