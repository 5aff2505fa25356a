package realtime

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/classpulse/live-backend/internal/models"
)

// Room is the live, in-memory state of one scheduled session. Created lazily
// on the first join inside the allowed window; its media pipeline lives in
// the Coordinator and is created lazily on first publish/play.
type Room struct {
	mu      sync.Mutex
	session *models.ScheduledSession
	status  models.SessionStatus
	members []models.UserPublic
}

// NewRoom creates the live room for a scheduled session, adopting the
// persisted status.
func NewRoom(session *models.ScheduledSession) *Room {
	status := session.Status
	if status == "" {
		status = models.StatusNotStarted
	}
	return &Room{session: session, status: status}
}

// ID returns the scheduled session id, which doubles as the room id.
func (r *Room) ID() uuid.UUID { return r.session.ID }

// Session returns the underlying scheduled session.
func (r *Room) Session() *models.ScheduledSession { return r.session }

// Status returns the live status.
func (r *Room) Status() models.SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// SetStatus applies a status transition. Transitions are monotonic except
// pause<->resume; a finished room accepts no further transitions.
func (r *Room) SetStatus(next models.SessionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == next {
		return nil
	}
	allowed := map[models.SessionStatus][]models.SessionStatus{
		models.StatusNotStarted: {models.StatusStarted, models.StatusFinished},
		models.StatusStarted:    {models.StatusPaused, models.StatusFinished},
		models.StatusPaused:     {models.StatusStarted, models.StatusFinished},
		models.StatusFinished:   {},
	}
	for _, s := range allowed[r.status] {
		if s == next {
			r.status = next
			return nil
		}
	}
	return fmt.Errorf("invalid status transition %s -> %s", r.status, next)
}

// AddMember appends a user to the ordered member list, idempotently.
func (r *Room) AddMember(u models.UserPublic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.members {
		if m.ID == u.ID {
			return
		}
	}
	r.members = append(r.members, u)
}

// RemoveMember drops a user from the member list.
func (r *Room) RemoveMember(userID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, m := range r.members {
		if m.ID == userID {
			r.members = append(r.members[:i], r.members[i+1:]...)
			return
		}
	}
}

// UserList returns the ordered member list.
func (r *Room) UserList() []models.UserPublic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.UserPublic, len(r.members))
	copy(out, r.members)
	return out
}

// Empty reports whether no members remain.
func (r *Room) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members) == 0
}

// Snapshot captures the room state for clients.
func (r *Room) Snapshot() *models.RoomSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := make([]models.UserPublic, len(r.members))
	copy(list, r.members)
	return &models.RoomSnapshot{
		SessionID: r.session.ID,
		Status:    r.status,
		UserList:  list,
		StartsAt:  r.session.StartsAt,
		EndsAt:    r.session.EndsAt,
	}
}

// Rooms is the set of live rooms, owned by the coordinating process for its
// whole lifetime.
type Rooms struct {
	mu sync.RWMutex
	m  map[uuid.UUID]*Room
}

// NewRooms creates an empty room set.
func NewRooms() *Rooms {
	return &Rooms{m: make(map[uuid.UUID]*Room)}
}

// GetOrCreate returns the live room for a session, creating it on first
// join. The second return reports whether the room was created by this call.
func (rs *Rooms) GetOrCreate(session *models.ScheduledSession) (*Room, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if r, ok := rs.m[session.ID]; ok {
		return r, false
	}
	r := NewRoom(session)
	rs.m[session.ID] = r
	return r, true
}

// Get returns the live room for a session id, or nil.
func (rs *Rooms) Get(id uuid.UUID) *Room {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.m[id]
}

// Remove drops a room from the set.
func (rs *Rooms) Remove(id uuid.UUID) {
	rs.mu.Lock()
	delete(rs.m, id)
	rs.mu.Unlock()
}

// All returns a snapshot of the live rooms.
func (rs *Rooms) All() []*Room {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]*Room, 0, len(rs.m))
	for _, r := range rs.m {
		out = append(out, r)
	}
	return out
}
