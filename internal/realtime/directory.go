package realtime

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/classpulse/live-backend/internal/models"
)

// ParticipantStore is the persistence boundary for participant records.
type ParticipantStore interface {
	GetOrCreate(ctx context.Context, userID, roomID uuid.UUID, connectionID string) (*models.Participant, error)
	FindByConnectionAndRoom(ctx context.Context, connectionID string, roomID uuid.UUID) (*models.Participant, error)
	FindAllByConnection(ctx context.Context, connectionID string) ([]models.Participant, error)
	FindAllByUser(ctx context.Context, userID uuid.UUID) ([]models.Participant, error)
	Remove(ctx context.Context, id uuid.UUID) error
}

// Directory tracks which user occupies which room. It is the source of truth
// for room occupancy and enforces the one-live-connection-per-user rule: a
// newer join evicts every older connection of the same user, wherever it is.
type Directory struct {
	store    ParticipantStore
	registry *Registry
	fanout   *Fanout
	rooms    *Rooms
	logger   *zap.Logger

	evictions sync.WaitGroup

	lockMu    sync.Mutex
	userLocks map[uuid.UUID]*sync.Mutex
}

// NewDirectory creates the participant directory.
func NewDirectory(store ParticipantStore, registry *Registry, fanout *Fanout, rooms *Rooms, logger *zap.Logger) *Directory {
	return &Directory{
		store:     store,
		registry:  registry,
		fanout:    fanout,
		rooms:     rooms,
		logger:    logger,
		userLocks: make(map[uuid.UUID]*sync.Mutex),
	}
}

// userLock returns the mutex serializing joins and evictions for one user.
func (d *Directory) userLock(userID uuid.UUID) *sync.Mutex {
	d.lockMu.Lock()
	defer d.lockMu.Unlock()
	l, ok := d.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		d.userLocks[userID] = l
	}
	return l
}

// Join creates (or fetches) the participant record for the new connection,
// then evicts the user's other connections in the background. Joins for one
// user are serialized: the per-user lock is held from record creation until
// that join's eviction completes, so two racing joins cannot evict each
// other and an earlier join's eviction can never outlive a later join. The
// last join to acquire the lock survives.
func (d *Directory) Join(ctx context.Context, userID, roomID uuid.UUID, connectionID string) (*models.Participant, error) {
	lock := d.userLock(userID)
	lock.Lock()
	p, err := d.store.GetOrCreate(ctx, userID, roomID, connectionID)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	d.evictions.Add(1)
	go func() {
		defer d.evictions.Done()
		defer lock.Unlock()
		d.evictOthers(context.Background(), userID, connectionID)
	}()
	return p, nil
}

// evictOthers force-logs-out every other connection of the user and removes
// its participant and room-membership records. Failures are logged, never
// escalated.
func (d *Directory) evictOthers(ctx context.Context, userID uuid.UUID, keepConnectionID string) {
	stale, err := d.store.FindAllByUser(ctx, userID)
	if err != nil {
		d.logger.Error("eviction lookup failed", zap.String("user_id", userID.String()), zap.Error(err))
		return
	}
	var keptRoom *uuid.UUID
	for _, p := range stale {
		if p.ConnectionID == keepConnectionID {
			rid := p.RoomID
			keptRoom = &rid
		}
	}
	for _, p := range stale {
		if p.ConnectionID == keepConnectionID {
			continue
		}
		d.fanout.ForceLogout(p.ConnectionID)
		if c := d.registry.Connection(p.ConnectionID); c != nil {
			d.registry.Unbind(c, p.RoomID, userID)
		}
		// The user stays a member of the room they rejoined on the kept
		// connection.
		if room := d.rooms.Get(p.RoomID); room != nil && (keptRoom == nil || *keptRoom != p.RoomID) {
			room.RemoveMember(userID)
			d.fanout.UserList(p.RoomID, room.UserList())
		}
		if err := d.store.Remove(ctx, p.ID); err != nil {
			d.logger.Warn("stale participant remove failed",
				zap.String("participant_id", p.ID.String()), zap.Error(err))
		}
		d.logger.Info("evicted stale connection",
			zap.String("user_id", userID.String()),
			zap.String("conn_id", p.ConnectionID),
			zap.String("room_id", p.RoomID.String()))
	}
}

// Settle blocks until in-flight evictions finish. Used on shutdown and by
// tests asserting the post-eviction state.
func (d *Directory) Settle() {
	d.evictions.Wait()
}

// FindByConnectionAndRoom returns the participant for (connection, room), or
// nil when none exists.
func (d *Directory) FindByConnectionAndRoom(ctx context.Context, connectionID string, roomID uuid.UUID) (*models.Participant, error) {
	return d.store.FindByConnectionAndRoom(ctx, connectionID, roomID)
}

// FindAllByConnection returns all participants for a connection; used for
// disconnect cleanup.
func (d *Directory) FindAllByConnection(ctx context.Context, connectionID string) ([]models.Participant, error) {
	return d.store.FindAllByConnection(ctx, connectionID)
}

// FindAllByUser returns all participants for a user across rooms.
func (d *Directory) FindAllByUser(ctx context.Context, userID uuid.UUID) ([]models.Participant, error) {
	return d.store.FindAllByUser(ctx, userID)
}

// Remove deletes a participant record. Room membership is the caller's to
// update.
func (d *Directory) Remove(ctx context.Context, p *models.Participant) error {
	return d.store.Remove(ctx, p.ID)
}
