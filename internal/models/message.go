package models

import (
	"time"

	"github.com/google/uuid"
)

// Message is one chat message in a session room.
type Message struct {
	ID            uuid.UUID `json:"id"`
	RoomID        uuid.UUID `json:"room_id"`
	SenderID      uuid.UUID `json:"sender_id"`
	Text          string    `json:"text"`
	IsHighlighted bool      `json:"is_highlighted"`
	CreatedAt     time.Time `json:"created_at"`
}

// MessageOut is the chat message shape delivered to clients.
type MessageOut struct {
	MessageID      uuid.UUID `json:"messageId"`
	SenderID       uuid.UUID `json:"senderId"`
	SenderName     string    `json:"senderName"`
	SenderImageURL string    `json:"senderImageUrl,omitempty"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
	IsHighlighted  bool      `json:"isHighlighted"`
}
