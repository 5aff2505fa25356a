package models

import (
	"time"

	"github.com/google/uuid"
)

// Participant is one user's occupancy of one room via one connection.
// At most one non-stale Participant per user exists process-wide; a newer
// join evicts the rest.
type Participant struct {
	ID           uuid.UUID `json:"id"`
	UserID       uuid.UUID `json:"user_id"`
	RoomID       uuid.UUID `json:"room_id"`
	ConnectionID string    `json:"connection_id"`
	CreatedAt    time.Time `json:"created_at"`
}
