package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/classpulse/live-backend/internal/models"
)

func newTestClient(id string) *Client {
	return &Client{ID: id, send: make(chan WSMessage, 64), logger: zap.NewNop()}
}

// recvEvent pulls the next queued message for a test client without blocking.
func recvEvent(c *Client) (WSMessage, bool) {
	select {
	case msg := <-c.send:
		return msg, true
	default:
		return WSMessage{}, false
	}
}

// drainEvents empties a test client's outbound queue.
func drainEvents(c *Client) []WSMessage {
	var out []WSMessage
	for {
		msg, ok := recvEvent(c)
		if !ok {
			return out
		}
		out = append(out, msg)
	}
}

// memStore is an in-memory ParticipantStore.
type memStore struct {
	mu           sync.Mutex
	participants map[uuid.UUID]models.Participant
}

func newMemStore() *memStore {
	return &memStore{participants: make(map[uuid.UUID]models.Participant)}
}

func (s *memStore) GetOrCreate(_ context.Context, userID, roomID uuid.UUID, connectionID string) (*models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.participants {
		if p.UserID == userID && p.ConnectionID == connectionID {
			p.RoomID = roomID
			s.participants[p.ID] = p
			return &p, nil
		}
	}
	p := models.Participant{
		ID:           uuid.New(),
		UserID:       userID,
		RoomID:       roomID,
		ConnectionID: connectionID,
		CreatedAt:    time.Now(),
	}
	s.participants[p.ID] = p
	return &p, nil
}

func (s *memStore) FindByConnectionAndRoom(_ context.Context, connectionID string, roomID uuid.UUID) (*models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.participants {
		if p.ConnectionID == connectionID && p.RoomID == roomID {
			out := p
			return &out, nil
		}
	}
	return nil, nil
}

func (s *memStore) FindAllByConnection(_ context.Context, connectionID string) ([]models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Participant
	for _, p := range s.participants {
		if p.ConnectionID == connectionID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) FindAllByUser(_ context.Context, userID uuid.UUID) ([]models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Participant
	for _, p := range s.participants {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) Remove(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.participants, id)
	return nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.participants)
}

// memUsers is an in-memory UserFinder.
type memUsers struct {
	mu    sync.Mutex
	users map[uuid.UUID]models.User
}

func newMemUsers() *memUsers {
	return &memUsers{users: make(map[uuid.UUID]models.User)}
}

func (s *memUsers) put(u models.User) {
	s.mu.Lock()
	s.users[u.ID] = u
	s.mu.Unlock()
}

func (s *memUsers) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		out := u
		return &out, nil
	}
	return nil, nil
}

// memSessions is an in-memory SessionStore.
type memSessions struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]models.ScheduledSession
}

func newMemSessions() *memSessions {
	return &memSessions{sessions: make(map[uuid.UUID]models.ScheduledSession)}
}

func (s *memSessions) put(sess models.ScheduledSession) {
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
}

func (s *memSessions) GetByID(_ context.Context, id uuid.UUID) (*models.ScheduledSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		out := sess
		return &out, nil
	}
	return nil, nil
}

func (s *memSessions) UpdateStatus(_ context.Context, id uuid.UUID, status models.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.Status = status
		s.sessions[id] = sess
	}
	return nil
}

func testUser(role models.Role) models.User {
	return models.User{
		ID:       uuid.New(),
		Email:    "t@example.com",
		FullName: "Test User",
		Role:     role,
	}
}

func testSession(startsIn, duration time.Duration) models.ScheduledSession {
	now := time.Now()
	return models.ScheduledSession{
		ID:        uuid.New(),
		CourseID:  uuid.New(),
		Title:     "Algebra II",
		TeacherID: uuid.New(),
		StartsAt:  now.Add(startsIn),
		EndsAt:    now.Add(startsIn + duration),
		Status:    models.StatusNotStarted,
	}
}
