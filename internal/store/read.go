package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/fieldsync/internal/field"
	"github.com/roach88/fieldsync/internal/vclock"
)

// GlobalState is the canonical field plus bookkeeping.
type GlobalState struct {
	Cells       map[field.Coord]field.Cell `json:"cells"`
	TotalWrites int64                      `json:"totalWrites"`
	UpdatedAt   int64                      `json:"updatedAt"`
}

// LoggedConflict is a conflict as stored in the log.
type LoggedConflict struct {
	field.ConflictRecord
	ID        int64  `json:"id"`
	DeviceID  string `json:"deviceId"`
	CreatedAt int64  `json:"createdAt"`
}

// GetGlobalState returns every canonical cell.
func (s *Store) GetGlobalState(ctx context.Context) (GlobalState, error) {
	st := GlobalState{Cells: make(map[field.Coord]field.Cell)}

	if err := s.db.QueryRowContext(ctx, `
		SELECT total_writes, updated_at FROM global_meta WHERE id = 1
	`).Scan(&st.TotalWrites, &st.UpdatedAt); err != nil {
		return GlobalState{}, fmt.Errorf("get global state: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT x, y, value, last_writer, timestamp, vector_clock
		FROM field_cells
		ORDER BY x ASC, y ASC
	`)
	if err != nil {
		return GlobalState{}, fmt.Errorf("get global state: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		coord, cell, err := scanCell(rows)
		if err != nil {
			return GlobalState{}, fmt.Errorf("get global state: %w", err)
		}
		st.Cells[coord] = cell
	}
	if err := rows.Err(); err != nil {
		return GlobalState{}, fmt.Errorf("get global state: iterate: %w", err)
	}
	return st, nil
}

// GetCells returns the canonical cells at the given coordinates.
// Coordinates never written are absent from the result.
func (s *Store) GetCells(ctx context.Context, coords []field.Coord) (map[field.Coord]field.Cell, error) {
	out := make(map[field.Coord]field.Cell, len(coords))
	if len(coords) == 0 {
		return out, nil
	}

	stmt, err := s.db.PrepareContext(ctx, `
		SELECT x, y, value, last_writer, timestamp, vector_clock
		FROM field_cells
		WHERE x = ? AND y = ?
	`)
	if err != nil {
		return nil, fmt.Errorf("get cells: prepare: %w", err)
	}
	defer stmt.Close()

	for _, c := range coords {
		if _, seen := out[c]; seen {
			continue
		}
		coord, cell, err := scanCell(stmt.QueryRowContext(ctx, c.X, c.Y))
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get cells %s: %w", c, err)
		}
		out[coord] = cell
	}
	return out, nil
}

// GetVectorClock returns the canonical clock.
func (s *Store) GetVectorClock(ctx context.Context) (vclock.VectorClock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, version FROM vector_clocks ORDER BY device_id
	`)
	if err != nil {
		return nil, fmt.Errorf("get vector clock: %w", err)
	}
	defer rows.Close()

	vc := vclock.New()
	for rows.Next() {
		var id string
		var version int64
		if err := rows.Scan(&id, &version); err != nil {
			return nil, fmt.Errorf("get vector clock: scan: %w", err)
		}
		vc[id] = version
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get vector clock: iterate: %w", err)
	}
	return vc, nil
}

// GetRecentConflicts returns up to limit of the newest conflicts, oldest
// first. A limit outside (0, MaxConflicts] means MaxConflicts.
func (s *Store) GetRecentConflicts(ctx context.Context, limit int) ([]LoggedConflict, error) {
	if limit <= 0 || limit > MaxConflicts {
		limit = MaxConflicts
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cell, local_value, remote_value, resolution, device_id, created_at
		FROM (
			SELECT * FROM field_conflicts
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, id ASC
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent conflicts: %w", err)
	}
	defer rows.Close()

	conflicts := []LoggedConflict{}
	for rows.Next() {
		var c LoggedConflict
		var resolution string
		if err := rows.Scan(&c.ID, &c.Cell, &c.Local, &c.Remote, &resolution, &c.DeviceID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("get recent conflicts: scan: %w", err)
		}
		c.Resolution = field.Resolution(resolution)
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get recent conflicts: iterate: %w", err)
	}
	return conflicts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCell(row rowScanner) (field.Coord, field.Cell, error) {
	var (
		coord     field.Coord
		cell      field.Cell
		clockJSON string
	)
	if err := row.Scan(&coord.X, &coord.Y, &cell.Value, &cell.LastWriter, &cell.Timestamp, &clockJSON); err != nil {
		return field.Coord{}, field.Cell{}, err
	}
	vc, err := unmarshalClock(clockJSON)
	if err != nil {
		return field.Coord{}, field.Cell{}, err
	}
	cell.VectorClock = vc
	return coord, cell, nil
}
