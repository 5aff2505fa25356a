package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classpulse/live-backend/internal/models"
)

// Messages handles chat message persistence.
type Messages struct {
	pool *pgxpool.Pool
}

// NewMessages creates a message repository.
func NewMessages(pool *pgxpool.Pool) *Messages {
	return &Messages{pool: pool}
}

// Insert stores a chat message and returns the stored record.
func (r *Messages) Insert(ctx context.Context, roomID, senderID uuid.UUID, text string, highlighted bool) (*models.Message, error) {
	const q = `INSERT INTO session_messages (session_id, sender_id, text, is_highlighted)
		VALUES ($1, $2, $3, $4)
		RETURNING id, session_id, sender_id, text, is_highlighted, created_at`
	var m models.Message
	err := r.pool.QueryRow(ctx, q, roomID, senderID, text, highlighted).
		Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Text, &m.IsHighlighted, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
