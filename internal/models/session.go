package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the live status of a scheduled session's room.
type SessionStatus string

const (
	StatusNotStarted SessionStatus = "not_started"
	StatusStarted    SessionStatus = "started"
	StatusPaused     SessionStatus = "paused"
	StatusFinished   SessionStatus = "finished"
)

// Course groups scheduled sessions.
type Course struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title"`
	CreatedBy uuid.UUID `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScheduledSession is one scheduled class session of a course. Its live
// in-memory counterpart is the realtime Room.
type ScheduledSession struct {
	ID        uuid.UUID     `json:"id"`
	CourseID  uuid.UUID     `json:"course_id"`
	Title     string        `json:"title"`
	TeacherID uuid.UUID     `json:"teacher_id"`
	StartsAt  time.Time     `json:"starts_at"`
	EndsAt    time.Time     `json:"ends_at"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// RoomSnapshot is the live room state as sent to clients, including in the
// session-finished error payload.
type RoomSnapshot struct {
	SessionID uuid.UUID     `json:"session_id"`
	Status    SessionStatus `json:"status"`
	UserList  []UserPublic  `json:"user_list"`
	StartsAt  time.Time     `json:"starts_at"`
	EndsAt    time.Time     `json:"ends_at"`
}
