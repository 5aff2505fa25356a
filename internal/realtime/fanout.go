package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/classpulse/live-backend/internal/models"
)

// RoomPublisher publishes room events to other instances.
type RoomPublisher interface {
	PublishRoomEvent(roomID uuid.UUID, event string, payload []byte) error
}

// RoomSubscriber subscribes to a room's channel on other instances.
type RoomSubscriber interface {
	SubscribeRoom(roomID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// Fanout exposes the named domain events over the registry's emit
// primitives. Events from sequential operations on one connection reach the
// room in invocation order; nothing is guaranteed across connections. The
// optional Redis bridge mirrors room events to other instances.
type Fanout struct {
	registry *Registry
	pub      RoomPublisher
	sub      RoomSubscriber
	logger   *zap.Logger

	mu      sync.Mutex
	cancels map[uuid.UUID]func()
}

// NewFanout creates the event fanout. pub and sub may be nil for
// single-instance deployments.
func NewFanout(registry *Registry, pub RoomPublisher, sub RoomSubscriber, logger *zap.Logger) *Fanout {
	return &Fanout{
		registry: registry,
		pub:      pub,
		sub:      sub,
		logger:   logger,
		cancels:  make(map[uuid.UUID]func()),
	}
}

// BindRoom starts mirroring a room's remote events locally. Called when the
// live room is created.
func (f *Fanout) BindRoom(roomID uuid.UUID) {
	if f.sub == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.cancels[roomID]; ok {
		return
	}
	cancel, err := f.sub.SubscribeRoom(roomID, func(event string, payload []byte) {
		f.registry.EmitToAll(roomID, event, json.RawMessage(payload))
	})
	if err != nil {
		f.logger.Warn("room subscribe failed", zap.String("room_id", roomID.String()), zap.Error(err))
		return
	}
	f.cancels[roomID] = cancel
}

// UnbindRoom stops mirroring a room. Called when the live room is dropped.
func (f *Fanout) UnbindRoom(roomID uuid.UUID) {
	f.mu.Lock()
	cancel := f.cancels[roomID]
	delete(f.cancels, roomID)
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (f *Fanout) publish(roomID uuid.UUID, event string, payload interface{}) {
	if f.pub == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := f.pub.PublishRoomEvent(roomID, event, data); err != nil {
		f.logger.Warn("room publish failed", zap.String("room_id", roomID.String()), zap.Error(err))
	}
}

// UserList broadcasts the room's member list to everyone in the room.
func (f *Fanout) UserList(roomID uuid.UUID, list []models.UserPublic) {
	payload := UserListEvent{UserList: list}
	f.registry.EmitToAll(roomID, EventUserList, payload)
	f.publish(roomID, EventUserList, payload)
}

// ForceLogout tells one specific connection it has been evicted.
func (f *Fanout) ForceLogout(connID string) {
	f.registry.EmitToConn(connID, EventForceLogout, struct{}{})
}

// Published announces a stream going live to the whole room.
func (f *Fanout) Published(roomID, label uuid.UUID, videoEnabled bool) {
	payload := PublishedEvent{Label: label, IsVideoEnabled: videoEnabled}
	f.registry.EmitToAll(roomID, EventStreamPublished, payload)
	f.publish(roomID, EventStreamPublished, payload)
}

// VideoToggled announces the publisher's video flag change.
func (f *Fanout) VideoToggled(roomID, label uuid.UUID, enabled bool) {
	event := EventVideoDisabled
	if enabled {
		event = EventVideoEnabled
	}
	payload := PublishedEvent{Label: label, IsVideoEnabled: enabled}
	f.registry.EmitToAll(roomID, event, payload)
	f.publish(roomID, event, payload)
}

// SessionFinished tells the whole room the session reached its terminal
// state, with the final snapshot.
func (f *Fanout) SessionFinished(roomID uuid.UUID, snapshot *models.RoomSnapshot) {
	payload := SessionFinishedEvent{Session: snapshot}
	f.registry.EmitToAll(roomID, EventSessionFinished, payload)
	f.publish(roomID, EventSessionFinished, payload)
}

// CandidateToConn routes a server-side ICE candidate to one connection.
func (f *Fanout) CandidateToConn(connID string, label uuid.UUID, candidate interface{}) {
	f.registry.EmitToConn(connID, EventCandidate, map[string]interface{}{
		"candidate": candidate,
		"label":     label,
	})
}

// MessageReceived delivers a chat message to the room, excluding the sender
// (whose copy travels on the reply channel).
func (f *Fanout) MessageReceived(originConnID string, roomID uuid.UUID, msg models.MessageOut) {
	f.registry.EmitToRoom(originConnID, roomID, EventMessageReceived, msg)
	f.publish(roomID, EventMessageReceived, msg)
}
