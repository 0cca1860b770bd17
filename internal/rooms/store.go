// Package rooms provides PostgreSQL-backed storage for conversation rooms.
// The pairing engine creates a room atomically with its two membership rows;
// after creation the room is immutable here except for deletion when either
// party skips or leaves.
package rooms

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Room is a one-on-one conversation created by the pairing engine.
type Room struct {
	ID              string    `json:"id"`
	IsDirectMessage bool      `json:"is_direct_message"`
	OwnerID         string    `json:"owner_id"`
	Members         []string  `json:"members"`
	CreatedAt       time.Time `json:"created_at"`
}

// Store manages rooms in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a room store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a room and both membership rows in a single transaction.
// The first user becomes the room owner.
func (s *Store) Create(ctx context.Context, userA, userB string) (*Room, error) {
	room := &Room{
		ID:              uuid.New().String(),
		IsDirectMessage: true,
		OwnerID:         userA,
		Members:         []string{userA, userB},
		CreatedAt:       time.Now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("rooms: begin: %w", err)
	}
	defer tx.Rollback()

	const insertRoom = `
		INSERT INTO rooms (id, owner_id, is_direct_message, created_at)
		VALUES ($1, $2, $3, $4)`
	if _, err := tx.ExecContext(ctx, insertRoom,
		room.ID, room.OwnerID, room.IsDirectMessage, room.CreatedAt); err != nil {
		return nil, fmt.Errorf("rooms: insert room: %w", err)
	}

	const insertMember = `
		INSERT INTO room_members (room_id, user_id, joined_at)
		VALUES ($1, $2, $3)`
	for _, member := range room.Members {
		if _, err := tx.ExecContext(ctx, insertMember, room.ID, member, room.CreatedAt); err != nil {
			return nil, fmt.Errorf("rooms: insert member %s: %w", member, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("rooms: commit: %w", err)
	}
	return room, nil
}

// Delete removes a room; membership rows cascade. Deleting a room that is
// already gone is not an error.
func (s *Store) Delete(ctx context.Context, roomID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = $1`, roomID); err != nil {
		return fmt.Errorf("rooms: delete %s: %w", roomID, err)
	}
	return nil
}

// Get retrieves a room with its members. Returns nil if not found.
func (s *Store) Get(ctx context.Context, roomID string) (*Room, error) {
	const query = `
		SELECT id, owner_id, is_direct_message, created_at
		FROM rooms WHERE id = $1`

	room := &Room{}
	err := s.db.QueryRowContext(ctx, query, roomID).
		Scan(&room.ID, &room.OwnerID, &room.IsDirectMessage, &room.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rooms: get %s: %w", roomID, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM room_members WHERE room_id = $1 ORDER BY user_id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("rooms: members %s: %w", roomID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, fmt.Errorf("rooms: scan member: %w", err)
		}
		room.Members = append(room.Members, member)
	}
	return room, rows.Err()
}
