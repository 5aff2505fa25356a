package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/classpulse/live-backend/internal/models"
)

type dirFixture struct {
	store     *memStore
	registry  *Registry
	fanout    *Fanout
	rooms     *Rooms
	directory *Directory
}

func newDirFixture() *dirFixture {
	logger := zap.NewNop()
	registry := NewRegistry(logger)
	rooms := NewRooms()
	fanout := NewFanout(registry, nil, nil, logger)
	store := newMemStore()
	return &dirFixture{
		store:     store,
		registry:  registry,
		fanout:    fanout,
		rooms:     rooms,
		directory: NewDirectory(store, registry, fanout, rooms, logger),
	}
}

// join simulates the join path far enough for eviction tests: registry
// binding, participant record, room membership.
func (f *dirFixture) join(t *testing.T, c *Client, userID uuid.UUID, room *Room) *models.Participant {
	t.Helper()
	f.registry.AddConnection(c)
	f.registry.Bind(c, room.ID(), userID)
	p, err := f.directory.Join(context.Background(), userID, room.ID(), c.ID)
	require.NoError(t, err)
	room.AddMember(models.UserPublic{ID: userID, FullName: "u"})
	return p
}

func TestNewerConnectionEvictsOlder(t *testing.T) {
	f := newDirFixture()
	sessA := testSession(0, time.Hour)
	sessB := testSession(0, time.Hour)
	roomA, _ := f.rooms.GetOrCreate(&sessA)
	roomB, _ := f.rooms.GetOrCreate(&sessB)

	userID := uuid.New()
	c1 := newTestClient("conn-1")
	f.join(t, c1, userID, roomA)
	f.directory.Settle()
	drainEvents(c1)

	c2 := newTestClient("conn-2")
	f.join(t, c2, userID, roomB)
	f.directory.Settle()

	// The old connection got the eviction notice and lost its bindings.
	events := drainEvents(c1)
	require.NotEmpty(t, events)
	assert.Equal(t, EventForceLogout, events[0].Event)
	_, bound := f.registry.UserOf(c1.ID)
	assert.False(t, bound)

	// Only the new participant record remains; the old room lost the member.
	assert.Equal(t, 1, f.store.count())
	p, err := f.store.FindByConnectionAndRoom(context.Background(), c2.ID, roomB.ID())
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, roomA.Empty())
	assert.Len(t, roomB.UserList(), 1)

	// The surviving connection was never told to log out.
	for _, msg := range drainEvents(c2) {
		assert.NotEqual(t, EventForceLogout, msg.Event)
	}
}

func TestSameRoomRejoinKeepsMembership(t *testing.T) {
	f := newDirFixture()
	sess := testSession(0, time.Hour)
	room, _ := f.rooms.GetOrCreate(&sess)

	userID := uuid.New()
	c1 := newTestClient("conn-1")
	f.join(t, c1, userID, room)
	f.directory.Settle()

	c2 := newTestClient("conn-2")
	f.join(t, c2, userID, room)
	f.directory.Settle()

	// The user rejoined the same room: still a member, exactly once.
	list := room.UserList()
	require.Len(t, list, 1)
	assert.Equal(t, userID, list[0].ID)
	assert.Equal(t, 1, f.store.count())

	events := drainEvents(c1)
	require.NotEmpty(t, events)
	assert.Equal(t, EventForceLogout, events[0].Event)
}

func TestConcurrentJoinsLeaveExactlyOneSurvivor(t *testing.T) {
	for i := 0; i < 50; i++ {
		f := newDirFixture()
		sessA := testSession(0, time.Hour)
		sessB := testSession(0, time.Hour)
		roomA, _ := f.rooms.GetOrCreate(&sessA)
		roomB, _ := f.rooms.GetOrCreate(&sessB)

		userID := uuid.New()
		c1, c2 := newTestClient("conn-1"), newTestClient("conn-2")
		f.registry.AddConnection(c1)
		f.registry.AddConnection(c2)

		// Two devices race to join. Whichever lands second must win; they
		// must never evict each other.
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.registry.Bind(c1, roomA.ID(), userID)
			_, err := f.directory.Join(context.Background(), userID, roomA.ID(), c1.ID)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			f.registry.Bind(c2, roomB.ID(), userID)
			_, err := f.directory.Join(context.Background(), userID, roomB.ID(), c2.ID)
			assert.NoError(t, err)
		}()
		wg.Wait()
		f.directory.Settle()

		require.Equal(t, 1, f.store.count(), "iteration %d: exactly one participant must survive", i)
		survivors, err := f.directory.FindAllByUser(context.Background(), userID)
		require.NoError(t, err)
		require.Len(t, survivors, 1)

		// The surviving record's connection is still bound; the other is not.
		_, bound := f.registry.UserOf(survivors[0].ConnectionID)
		assert.True(t, bound, "iteration %d: surviving connection %s lost its binding", i, survivors[0].ConnectionID)
		loser := c1
		if survivors[0].ConnectionID == c1.ID {
			loser = c2
		}
		_, bound = f.registry.UserOf(loser.ID)
		assert.False(t, bound, "iteration %d: evicted connection still bound", i)
	}
}

func TestEvictionSweepsEveryStaleConnection(t *testing.T) {
	f := newDirFixture()
	sess := testSession(0, time.Hour)
	room, _ := f.rooms.GetOrCreate(&sess)

	userID := uuid.New()
	var old []*Client
	for i := 0; i < 3; i++ {
		c := newTestClient(uuid.New().String())
		f.join(t, c, userID, room)
		f.directory.Settle()
		old = append(old, c)
	}

	final := newTestClient("final")
	f.join(t, final, userID, room)
	f.directory.Settle()

	assert.Equal(t, 1, f.store.count())
	for _, c := range old {
		_, bound := f.registry.UserOf(c.ID)
		assert.False(t, bound, "stale connection %s still bound", c.ID)
	}
	_, bound := f.registry.UserOf(final.ID)
	assert.True(t, bound)
}

func TestDistinctUsersCoexist(t *testing.T) {
	f := newDirFixture()
	sess := testSession(0, time.Hour)
	room, _ := f.rooms.GetOrCreate(&sess)

	u1, u2 := uuid.New(), uuid.New()
	c1, c2 := newTestClient("c1"), newTestClient("c2")
	f.join(t, c1, u1, room)
	f.join(t, c2, u2, room)
	f.directory.Settle()

	assert.Equal(t, 2, f.store.count())
	assert.Len(t, room.UserList(), 2)
	for _, msg := range append(drainEvents(c1), drainEvents(c2)...) {
		assert.NotEqual(t, EventForceLogout, msg.Event)
	}
}

func TestDisconnectCleanupFinds(t *testing.T) {
	f := newDirFixture()
	sess := testSession(0, time.Hour)
	room, _ := f.rooms.GetOrCreate(&sess)

	userID := uuid.New()
	c := newTestClient("c1")
	p := f.join(t, c, userID, room)
	f.directory.Settle()

	got, err := f.directory.FindAllByConnection(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, p.ID, got[0].ID)

	require.NoError(t, f.directory.Remove(context.Background(), p))
	got, err = f.directory.FindAllByConnection(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Empty(t, got)
}
