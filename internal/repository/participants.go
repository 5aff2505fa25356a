package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classpulse/live-backend/internal/models"
)

// Participants handles session participant records. The realtime directory
// treats this as its backing store.
type Participants struct {
	pool *pgxpool.Pool
}

// NewParticipants creates a participant repository.
func NewParticipants(pool *pgxpool.Pool) *Participants {
	return &Participants{pool: pool}
}

// GetOrCreate returns the participant for (user, connection), creating it if
// absent. Idempotent per (user, connection).
func (r *Participants) GetOrCreate(ctx context.Context, userID, roomID uuid.UUID, connectionID string) (*models.Participant, error) {
	const q = `INSERT INTO session_participants (user_id, session_id, connection_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, connection_id) DO UPDATE SET session_id = EXCLUDED.session_id
		RETURNING id, user_id, session_id, connection_id, created_at`
	var p models.Participant
	err := r.pool.QueryRow(ctx, q, userID, roomID, connectionID).
		Scan(&p.ID, &p.UserID, &p.RoomID, &p.ConnectionID, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// FindByConnectionAndRoom returns the participant bound to (connection, room),
// or nil when none exists.
func (r *Participants) FindByConnectionAndRoom(ctx context.Context, connectionID string, roomID uuid.UUID) (*models.Participant, error) {
	const q = `SELECT id, user_id, session_id, connection_id, created_at
		FROM session_participants WHERE connection_id = $1 AND session_id = $2`
	var p models.Participant
	err := r.pool.QueryRow(ctx, q, connectionID, roomID).
		Scan(&p.ID, &p.UserID, &p.RoomID, &p.ConnectionID, &p.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// FindAllByConnection returns all participants for a connection (used for
// disconnect cleanup).
func (r *Participants) FindAllByConnection(ctx context.Context, connectionID string) ([]models.Participant, error) {
	const q = `SELECT id, user_id, session_id, connection_id, created_at
		FROM session_participants WHERE connection_id = $1`
	return r.queryList(ctx, q, connectionID)
}

// FindAllByUser returns all participants for a user across rooms (used for
// eviction on a newer join).
func (r *Participants) FindAllByUser(ctx context.Context, userID uuid.UUID) ([]models.Participant, error) {
	const q = `SELECT id, user_id, session_id, connection_id, created_at
		FROM session_participants WHERE user_id = $1`
	return r.queryList(ctx, q, userID)
}

// Remove deletes a participant record.
func (r *Participants) Remove(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM session_participants WHERE id = $1`, id)
	return err
}

func (r *Participants) queryList(ctx context.Context, q string, arg interface{}) ([]models.Participant, error) {
	rows, err := r.pool.Query(ctx, q, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.ID, &p.UserID, &p.RoomID, &p.ConnectionID, &p.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}
