package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classpulse/live-backend/internal/models"
)

// Sessions handles scheduled course session persistence.
type Sessions struct {
	pool *pgxpool.Pool
}

// NewSessions creates a session repository.
func NewSessions(pool *pgxpool.Pool) *Sessions {
	return &Sessions{pool: pool}
}

// GetByID returns a scheduled session by ID, or nil when none exists.
func (r *Sessions) GetByID(ctx context.Context, id uuid.UUID) (*models.ScheduledSession, error) {
	const q = `SELECT id, course_id, title, teacher_id, starts_at, ends_at, status, created_at, updated_at
		FROM course_sessions WHERE id = $1`
	var s models.ScheduledSession
	err := r.pool.QueryRow(ctx, q, id).Scan(&s.ID, &s.CourseID, &s.Title, &s.TeacherID,
		&s.StartsAt, &s.EndsAt, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// UpdateStatus persists the live status of a session.
func (r *Sessions) UpdateStatus(ctx context.Context, id uuid.UUID, status models.SessionStatus) error {
	const q = `UPDATE course_sessions SET status = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, string(status), id)
	return err
}
