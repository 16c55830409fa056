package store

import (
	"context"
	"encoding/json"
	"fmt"

	"warroom/internal/room"
)

// LoadVariables returns the last resolved value of every variable persisted
// for a room. An unknown room is just an empty room, never an error.
func (p *Postgres) LoadVariables(ctx context.Context, roomID string) ([]room.Variable, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT symbol, value, unit, vector_clock, updated_by, source, verified
		FROM room_variables
		WHERE room_id = $1
		ORDER BY symbol
	`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []room.Variable
	for rows.Next() {
		var v room.Variable
		var value, clock []byte
		if err := rows.Scan(&v.Symbol, &value, &v.Unit, &clock, &v.UpdatedBy, &v.Source, &v.Verified); err != nil {
			return nil, err
		}
		v.Value = json.RawMessage(value)
		if err := json.Unmarshal(clock, &v.Clock); err != nil {
			return nil, fmt.Errorf("room %s variable %s clock: %w", roomID, v.Symbol, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// FlushVariables upserts the room's resolved variables in one transaction.
// Called on room eviction and shutdown, never per-update.
func (p *Postgres) FlushVariables(ctx context.Context, roomID string, vars []room.Variable) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, v := range vars {
		clock, err := json.Marshal(v.Clock)
		if err != nil {
			return fmt.Errorf("variable %s clock: %w", v.Symbol, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO room_variables (room_id, symbol, value, unit, vector_clock, updated_by, source, verified, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
			ON CONFLICT (room_id, symbol) DO UPDATE SET
				value = EXCLUDED.value,
				unit = EXCLUDED.unit,
				vector_clock = EXCLUDED.vector_clock,
				updated_by = EXCLUDED.updated_by,
				source = EXCLUDED.source,
				verified = EXCLUDED.verified,
				updated_at = NOW()
		`, roomID, v.Symbol, []byte(v.Value), v.Unit, clock, v.UpdatedBy, string(v.Source), v.Verified)
		if err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	p.log.Info("variables.flushed", "room", roomID, "count", len(vars))
	return nil
}
