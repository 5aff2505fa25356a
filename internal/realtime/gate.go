package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/classpulse/live-backend/internal/models"
)

// UserFinder resolves users fresh from the repository.
type UserFinder interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// SessionFinder resolves scheduled sessions fresh from the repository.
type SessionFinder interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.ScheduledSession, error)
}

// Gate validates whether a join is permitted given time-window and status
// rules. Every join attempt is evaluated fresh; nothing is cached, so a user
// disabled mid-session is rejected on their next join.
type Gate struct {
	users    UserFinder
	sessions SessionFinder
	rooms    *Rooms

	// earlyJoin opens the window before starts_at; lateBuffer keeps it open
	// past ends_at for sessions that ran over.
	earlyJoin  time.Duration
	lateBuffer time.Duration
	now        func() time.Time
}

// NewGate creates the session lifecycle gate.
func NewGate(users UserFinder, sessions SessionFinder, rooms *Rooms, earlyJoin, lateBuffer time.Duration) *Gate {
	return &Gate{
		users:      users,
		sessions:   sessions,
		rooms:      rooms,
		earlyJoin:  earlyJoin,
		lateBuffer: lateBuffer,
		now:        time.Now,
	}
}

// CanJoin authorizes a join attempt, returning the fresh user and session
// records on success. All failures are typed request errors.
func (g *Gate) CanJoin(ctx context.Context, userID, roomID uuid.UUID) (*models.User, *models.ScheduledSession, error) {
	user, err := g.users.GetByID(ctx, userID)
	if err != nil {
		return nil, nil, ErrService(fmt.Errorf("load user: %w", err))
	}
	if user == nil {
		return nil, nil, ErrAccessDenied("unknown user")
	}
	if user.Disabled {
		return nil, nil, ErrUserDisabled()
	}

	session, err := g.sessions.GetByID(ctx, roomID)
	if err != nil {
		return nil, nil, ErrService(fmt.Errorf("load session: %w", err))
	}
	if session == nil {
		return nil, nil, ErrNotFound("session not found")
	}

	room := g.rooms.Get(roomID)
	if (room != nil && room.Status() == models.StatusFinished) || session.Status == models.StatusFinished {
		return nil, nil, ErrSessionFinished(g.snapshot(room, session))
	}

	now := g.now()
	if now.Before(session.StartsAt.Add(-g.earlyJoin)) {
		return nil, nil, ErrAccessDenied("session window has not opened")
	}
	if now.After(session.EndsAt.Add(g.lateBuffer)) {
		return nil, nil, ErrAccessDenied("session window has closed")
	}
	return user, session, nil
}

func (g *Gate) snapshot(room *Room, session *models.ScheduledSession) *models.RoomSnapshot {
	if room != nil {
		return room.Snapshot()
	}
	return &models.RoomSnapshot{
		SessionID: session.ID,
		Status:    models.StatusFinished,
		UserList:  []models.UserPublic{},
		StartsAt:  session.StartsAt,
		EndsAt:    session.EndsAt,
	}
}
