package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Registry maps transport connections to rooms and users and carries the
// emit primitives everything else fans out through. A connection belongs to
// at most one room; binding it elsewhere removes the old membership first.
// Membership changes are visible to subsequent emits immediately.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*connEntry
	rooms map[uuid.UUID]map[string]*Client
	users map[uuid.UUID]map[string]*Client

	logger *zap.Logger
}

type connEntry struct {
	client *Client
	roomID *uuid.UUID
	userID *uuid.UUID
}

// NewRegistry creates a connection registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]*connEntry),
		rooms:  make(map[uuid.UUID]map[string]*Client),
		users:  make(map[uuid.UUID]map[string]*Client),
		logger: logger,
	}
}

// AddConnection registers a new transport connection.
func (r *Registry) AddConnection(c *Client) {
	r.mu.Lock()
	r.conns[c.ID] = &connEntry{client: c}
	r.mu.Unlock()
	r.logger.Debug("connection added", zap.String("conn_id", c.ID))
}

// RemoveConnection drops a connection and any room/user bindings it holds.
func (r *Registry) RemoveConnection(c *Client) {
	r.mu.Lock()
	if e, ok := r.conns[c.ID]; ok {
		r.detachLocked(e)
		delete(r.conns, c.ID)
	}
	r.mu.Unlock()
	r.logger.Debug("connection removed", zap.String("conn_id", c.ID))
}

// Bind joins a connection to a room and associates it with a user's
// broadcast channel, idempotently leaving any previously joined room first.
// Binding a connection that no longer exists is a no-op.
func (r *Registry) Bind(c *Client, roomID, userID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[c.ID]
	if !ok {
		return
	}
	r.detachLocked(e)
	if r.rooms[roomID] == nil {
		r.rooms[roomID] = make(map[string]*Client)
	}
	r.rooms[roomID][c.ID] = c
	if r.users[userID] == nil {
		r.users[userID] = make(map[string]*Client)
	}
	r.users[userID][c.ID] = c
	rid, uid := roomID, userID
	e.roomID, e.userID = &rid, &uid
}

// Unbind reverses Bind for the given room and user. A mismatched or unknown
// binding is a no-op.
func (r *Registry) Unbind(c *Client, roomID, userID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[c.ID]
	if !ok {
		return
	}
	if e.roomID == nil || *e.roomID != roomID || e.userID == nil || *e.userID != userID {
		return
	}
	r.detachLocked(e)
}

// detachLocked removes the connection from its current room and user maps.
func (r *Registry) detachLocked(e *connEntry) {
	if e.roomID != nil {
		if m := r.rooms[*e.roomID]; m != nil {
			delete(m, e.client.ID)
			if len(m) == 0 {
				delete(r.rooms, *e.roomID)
			}
		}
		e.roomID = nil
	}
	if e.userID != nil {
		if m := r.users[*e.userID]; m != nil {
			delete(m, e.client.ID)
			if len(m) == 0 {
				delete(r.users, *e.userID)
			}
		}
		e.userID = nil
	}
}

// Connection returns the client for a connection id, or nil.
func (r *Registry) Connection(connID string) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[connID]; ok {
		return e.client
	}
	return nil
}

// UserOf returns the user bound to a connection, if any.
func (r *Registry) UserOf(connID string) (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[connID]; ok && e.userID != nil {
		return *e.userID, true
	}
	return uuid.Nil, false
}

// EmitToRoom sends to every connection in the room except the origin.
func (r *Registry) EmitToRoom(originConnID string, roomID uuid.UUID, event string, payload interface{}) {
	msg, ok := encode(event, payload)
	if !ok {
		return
	}
	for _, c := range r.roomClients(roomID) {
		if c.ID == originConnID {
			continue
		}
		c.trySend(msg)
	}
}

// EmitToAll sends to every connection in the room, origin included.
func (r *Registry) EmitToAll(roomID uuid.UUID, event string, payload interface{}) {
	msg, ok := encode(event, payload)
	if !ok {
		return
	}
	for _, c := range r.roomClients(roomID) {
		c.trySend(msg)
	}
}

// EmitToUser sends to every connection currently associated with the user.
// Supports multi-device fanout in the window before eviction completes.
func (r *Registry) EmitToUser(userID uuid.UUID, event string, payload interface{}) {
	msg, ok := encode(event, payload)
	if !ok {
		return
	}
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.users[userID]))
	for _, c := range r.users[userID] {
		clients = append(clients, c)
	}
	r.mu.RUnlock()
	for _, c := range clients {
		c.trySend(msg)
	}
}

// EmitToConn sends to one specific connection.
func (r *Registry) EmitToConn(connID string, event string, payload interface{}) {
	msg, ok := encode(event, payload)
	if !ok {
		return
	}
	if c := r.Connection(connID); c != nil {
		c.trySend(msg)
	}
}

func (r *Registry) roomClients(roomID uuid.UUID) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clients := make([]*Client, 0, len(r.rooms[roomID]))
	for _, c := range r.rooms[roomID] {
		clients = append(clients, c)
	}
	return clients
}

func encode(event string, payload interface{}) (WSMessage, bool) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return WSMessage{}, false
		}
	}
	return WSMessage{Event: event, Data: data}, true
}
