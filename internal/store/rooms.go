package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// CreateRoom inserts a new room row owned by userID
func (p *Postgres) CreateRoom(ctx context.Context, name, userID string) (Room, error) {
	row := p.pool.QueryRow(ctx, `
		INSERT INTO rooms (name, created_by)
		VALUES ($1, $2)
		RETURNING id, name, created_by, created_at
	`, name, userID)

	var r Room
	if err := row.Scan(&r.ID, &r.Name, &r.CreatedBy, &r.CreatedAt); err != nil {
		return Room{}, err
	}
	return r, nil
}

// ListRooms returns rooms newest-first
func (p *Postgres) ListRooms(ctx context.Context, limit, offset int) ([]Room, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, name, created_by, created_at
		FROM rooms
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.Name, &r.CreatedBy, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRoom fetches a room by ID
func (p *Postgres) GetRoom(ctx context.Context, id string) (Room, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, name, created_by, created_at
		FROM rooms
		WHERE id = $1
	`, id)

	var r Room
	if err := row.Scan(&r.ID, &r.Name, &r.CreatedBy, &r.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Room{}, errors.New("room not found")
		}
		return Room{}, err
	}
	return r, nil
}
