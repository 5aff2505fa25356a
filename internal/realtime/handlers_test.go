package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/classpulse/live-backend/internal/auth"
	"github.com/classpulse/live-backend/internal/models"
)

type memMessages struct {
	mu   sync.Mutex
	msgs []models.Message
}

func (s *memMessages) Insert(_ context.Context, roomID, senderID uuid.UUID, text string, highlighted bool) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := models.Message{
		ID:            uuid.New(),
		RoomID:        roomID,
		SenderID:      senderID,
		Text:          text,
		IsHighlighted: highlighted,
		CreatedAt:     time.Now(),
	}
	s.msgs = append(s.msgs, m)
	return &m, nil
}

type srvFixture struct {
	registry *Registry
	rooms    *Rooms
	store    *memStore
	users    *memUsers
	sessions *memSessions
	messages *memMessages
	neg      *fakeNegotiator
	jwt      *auth.JWTService
	server   *Server
}

func newServerFixture() *srvFixture {
	logger := zap.NewNop()
	registry := NewRegistry(logger)
	rooms := NewRooms()
	fanout := NewFanout(registry, nil, nil, logger)
	store := newMemStore()
	directory := NewDirectory(store, registry, fanout, rooms, logger)
	users := newMemUsers()
	sessions := newMemSessions()
	gate := NewGate(users, sessions, rooms, 15*time.Minute, 30*time.Minute)
	neg := &fakeNegotiator{}
	coord := NewCoordinator(neg, directory, fanout, logger)
	messages := &memMessages{}
	jwtSvc := auth.NewJWTService("test-secret", 1)
	server := NewServer(
		registry, rooms, directory, gate, coord, fanout,
		jwtSvc, users, sessions, messages, nil, nil,
		ServerConfig{FinishBuffer: 30 * time.Minute}, logger,
	)
	return &srvFixture{
		registry: registry,
		rooms:    rooms,
		store:    store,
		users:    users,
		sessions: sessions,
		messages: messages,
		neg:      neg,
		jwt:      jwtSvc,
		server:   server,
	}
}

func (f *srvFixture) connect(id string) *Client {
	c := newTestClient(id)
	f.registry.AddConnection(c)
	return c
}

// dispatch sends one request and returns the reply or error envelope for its
// id, skipping interleaved broadcasts.
func (f *srvFixture) dispatch(t *testing.T, c *Client, id, event string, payload interface{}) WSMessage {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.server.Router().Dispatch(context.Background(), c, WSMessage{ID: id, Event: event, Data: data})
	for _, msg := range drainEvents(c) {
		if msg.ID == id {
			return msg
		}
	}
	t.Fatalf("no reply for request %s (%s)", id, event)
	return WSMessage{}
}

func (f *srvFixture) seedUserAndSession(role models.Role, startsIn, duration time.Duration) (models.User, models.ScheduledSession, string) {
	u := testUser(role)
	f.users.put(u)
	sess := testSession(startsIn, duration)
	f.sessions.put(sess)
	token, _ := f.jwt.Generate(u.ID, string(u.Role))
	return u, sess, token
}

func (f *srvFixture) join(t *testing.T, c *Client, token string, sessionID uuid.UUID) JoinReply {
	t.Helper()
	reply := f.dispatch(t, c, uuid.New().String(), EventSessionJoin,
		JoinRequest{AccessToken: token, SessionID: sessionID})
	require.Equal(t, EventSessionJoin, reply.Event, "join failed: %s", string(reply.Data))
	var out JoinReply
	require.NoError(t, json.Unmarshal(reply.Data, &out))
	f.server.directory.Settle()
	return out
}

func decodeError(t *testing.T, msg WSMessage) *Error {
	t.Helper()
	require.Equal(t, EventError, msg.Event)
	var e Error
	require.NoError(t, json.Unmarshal(msg.Data, &e))
	return &e
}

func TestJoinHappyPath(t *testing.T) {
	f := newServerFixture()
	u, sess, token := f.seedUserAndSession(models.RoleStudent, -5*time.Minute, time.Hour)
	c := f.connect("conn-1")

	reply := f.join(t, c, token, sess.ID)

	require.NotNil(t, reply.SessionInfo)
	assert.Equal(t, sess.ID, reply.SessionInfo.ID)
	assert.Equal(t, models.StatusNotStarted, reply.Status)
	require.Len(t, reply.UserList, 1)
	assert.Equal(t, u.ID, reply.UserList[0].ID)

	room := f.rooms.Get(sess.ID)
	require.NotNil(t, room)
	assert.Len(t, room.UserList(), 1)

	boundUser, ok := f.registry.UserOf(c.ID)
	require.True(t, ok)
	assert.Equal(t, u.ID, boundUser)
}

func TestJoinInvalidToken(t *testing.T) {
	f := newServerFixture()
	_, sess, _ := f.seedUserAndSession(models.RoleStudent, 0, time.Hour)
	c := f.connect("conn-1")

	msg := f.dispatch(t, c, "req-1", EventSessionJoin,
		JoinRequest{AccessToken: "garbage", SessionID: sess.ID})
	e := decodeError(t, msg)
	assert.Equal(t, KindAccessDenied, e.Kind)
	assert.Equal(t, "req-1", msg.ID, "error reply echoes the request id")
}

func TestJoinDisabledUser(t *testing.T) {
	f := newServerFixture()
	u := testUser(models.RoleStudent)
	u.Disabled = true
	f.users.put(u)
	sess := testSession(0, time.Hour)
	f.sessions.put(sess)
	token, _ := f.jwt.Generate(u.ID, string(u.Role))
	c := f.connect("conn-1")

	msg := f.dispatch(t, c, "req-1", EventSessionJoin,
		JoinRequest{AccessToken: token, SessionID: sess.ID})
	assert.Equal(t, KindUserDisabled, decodeError(t, msg).Kind)
}

func TestJoinFinishedSessionReturnsSnapshot(t *testing.T) {
	f := newServerFixture()
	_, sess, token := f.seedUserAndSession(models.RoleStudent, -10*time.Minute, time.Hour)
	room, _ := f.rooms.GetOrCreate(&sess)
	require.NoError(t, room.SetStatus(models.StatusFinished))
	c := f.connect("conn-1")

	msg := f.dispatch(t, c, "req-1", EventSessionJoin,
		JoinRequest{AccessToken: token, SessionID: sess.ID})
	e := decodeError(t, msg)
	assert.Equal(t, KindSessionFinished, e.Kind)
	require.NotNil(t, e.Session)
	assert.Equal(t, sess.ID, e.Session.SessionID)
}

func TestUnknownEvent(t *testing.T) {
	f := newServerFixture()
	c := f.connect("conn-1")

	msg := f.dispatch(t, c, "req-1", "no:such:event", struct{}{})
	assert.Equal(t, KindNotFound, decodeError(t, msg).Kind)
}

func TestLeaveRemovesParticipantAndMembership(t *testing.T) {
	f := newServerFixture()
	_, sess, token := f.seedUserAndSession(models.RoleStudent, 0, time.Hour)
	c := f.connect("conn-1")
	f.join(t, c, token, sess.ID)

	reply := f.dispatch(t, c, "req-2", EventSessionLeave, SessionRequest{SessionID: sess.ID})
	require.Equal(t, EventSessionLeave, reply.Event)

	assert.Equal(t, 0, f.store.count())
	assert.True(t, f.rooms.Get(sess.ID).Empty())
	_, bound := f.registry.UserOf(c.ID)
	assert.False(t, bound)

	// Leaving again is harmless.
	reply = f.dispatch(t, c, "req-3", EventSessionLeave, SessionRequest{SessionID: sess.ID})
	assert.Equal(t, EventSessionLeave, reply.Event)
}

func TestDisconnectCleansUpLikeLeave(t *testing.T) {
	f := newServerFixture()
	_, sess, token := f.seedUserAndSession(models.RoleTeacher, 0, time.Hour)
	c := f.connect("conn-1")
	f.join(t, c, token, sess.ID)

	reply := f.dispatch(t, c, "req-2", EventStreamPublish,
		PublishRequest{SessionID: sess.ID, OfferSdp: "offer", IsVideoEnabled: true})
	require.Equal(t, EventStreamPublish, reply.Event)

	f.server.handleDisconnect(c)

	assert.Equal(t, 0, f.store.count())
	assert.True(t, f.rooms.Get(sess.ID).Empty())
	assert.Nil(t, f.registry.Connection(c.ID))
	// Media went with the connection.
	pl := f.neg.pipelines[0]
	assert.Equal(t, 1, pl.releaseCount())
}

func TestPublishPlayRoundTrip(t *testing.T) {
	f := newServerFixture()
	_, sess, teacherToken := f.seedUserAndSession(models.RoleTeacher, 0, time.Hour)
	student := testUser(models.RoleStudent)
	f.users.put(student)
	studentToken, _ := f.jwt.Generate(student.ID, string(student.Role))

	teacherConn := f.connect("conn-t")
	teacher := f.join(t, teacherConn, teacherToken, sess.ID)
	require.NotNil(t, teacher.SessionInfo)

	reply := f.dispatch(t, teacherConn, "pub-1", EventStreamPublish,
		PublishRequest{SessionID: sess.ID, OfferSdp: "offer-t", IsVideoEnabled: true})
	require.Equal(t, EventStreamPublish, reply.Event)
	var answer SdpAnswerReply
	require.NoError(t, json.Unmarshal(reply.Data, &answer))
	assert.Equal(t, "answer:offer-t", answer.AnswerSdp)

	studentConn := f.connect("conn-s")
	f.join(t, studentConn, studentToken, sess.ID)

	teacherID, _ := f.registry.UserOf(teacherConn.ID)
	reply = f.dispatch(t, studentConn, "play-1", EventStreamPlay,
		PlayRequest{SessionID: sess.ID, Label: teacherID, OfferSdp: "offer-s"})
	require.Equal(t, EventStreamPlay, reply.Event)
	require.NoError(t, json.Unmarshal(reply.Data, &answer))
	assert.Equal(t, "answer:offer-s", answer.AnswerSdp)

	info := f.dispatch(t, studentConn, "info-1", EventStreamInfo, SessionRequest{SessionID: sess.ID})
	var streamInfo StreamInfoReply
	require.NoError(t, json.Unmarshal(info.Data, &streamInfo))
	assert.Equal(t, teacherID.String(), streamInfo.Label)
	assert.True(t, streamInfo.IsVideoEnabled)
}

func TestConnectedStartsSession(t *testing.T) {
	f := newServerFixture()
	u, sess, token := f.seedUserAndSession(models.RoleTeacher, 0, time.Hour)
	c := f.connect("conn-1")
	f.join(t, c, token, sess.ID)

	f.dispatch(t, c, "pub-1", EventStreamPublish,
		PublishRequest{SessionID: sess.ID, OfferSdp: "offer", IsVideoEnabled: true})
	reply := f.dispatch(t, c, "con-1", EventStreamConnected,
		ConnectedRequest{SessionID: sess.ID, Label: u.ID, IsVideoEnabled: true})
	require.Equal(t, EventStreamConnected, reply.Event)

	assert.Equal(t, models.StatusStarted, f.rooms.Get(sess.ID).Status())
	persisted, _ := f.sessions.GetByID(context.Background(), sess.ID)
	assert.Equal(t, models.StatusStarted, persisted.Status)
}

func TestStopByPublisherPausesSession(t *testing.T) {
	f := newServerFixture()
	u, sess, token := f.seedUserAndSession(models.RoleTeacher, 0, time.Hour)
	c := f.connect("conn-1")
	f.join(t, c, token, sess.ID)

	f.dispatch(t, c, "pub-1", EventStreamPublish,
		PublishRequest{SessionID: sess.ID, OfferSdp: "offer", IsVideoEnabled: true})
	f.dispatch(t, c, "con-1", EventStreamConnected,
		ConnectedRequest{SessionID: sess.ID, Label: u.ID, IsVideoEnabled: true})
	require.Equal(t, models.StatusStarted, f.rooms.Get(sess.ID).Status())

	reply := f.dispatch(t, c, "stop-1", EventStreamStop, SessionRequest{SessionID: sess.ID})
	require.Equal(t, EventStreamStop, reply.Event)
	assert.Equal(t, models.StatusPaused, f.rooms.Get(sess.ID).Status())

	// Republish resumes.
	f.dispatch(t, c, "pub-2", EventStreamPublish,
		PublishRequest{SessionID: sess.ID, OfferSdp: "offer-2", IsVideoEnabled: true})
	f.dispatch(t, c, "con-2", EventStreamConnected,
		ConnectedRequest{SessionID: sess.ID, Label: u.ID, IsVideoEnabled: true})
	assert.Equal(t, models.StatusStarted, f.rooms.Get(sess.ID).Status())
}

func TestMessageSendPersistsAndFansOut(t *testing.T) {
	f := newServerFixture()
	_, sess, teacherToken := f.seedUserAndSession(models.RoleTeacher, 0, time.Hour)
	student := testUser(models.RoleStudent)
	f.users.put(student)
	studentToken, _ := f.jwt.Generate(student.ID, string(student.Role))

	teacherConn := f.connect("conn-t")
	f.join(t, teacherConn, teacherToken, sess.ID)
	studentConn := f.connect("conn-s")
	f.join(t, studentConn, studentToken, sess.ID)
	drainEvents(teacherConn)
	drainEvents(studentConn)

	reply := f.dispatch(t, teacherConn, "msg-1", EventMessageSend,
		SendMessageRequest{SessionID: sess.ID, Text: "  welcome everyone  "})
	require.Equal(t, EventMessageSend, reply.Event)
	var out models.MessageOut
	require.NoError(t, json.Unmarshal(reply.Data, &out))
	assert.Equal(t, "welcome everyone", out.Text)
	assert.True(t, out.IsHighlighted, "teacher messages are highlighted")

	// The other participant got the broadcast; the sender only the reply.
	events := drainEvents(studentConn)
	require.Len(t, events, 1)
	assert.Equal(t, EventMessageReceived, events[0].Event)
	assert.Empty(t, drainEvents(teacherConn))

	require.Len(t, f.messages.msgs, 1)
	assert.Equal(t, "welcome everyone", f.messages.msgs[0].Text)
}

func TestMessageSendValidation(t *testing.T) {
	f := newServerFixture()
	_, sess, token := f.seedUserAndSession(models.RoleStudent, 0, time.Hour)
	c := f.connect("conn-1")
	f.join(t, c, token, sess.ID)

	msg := f.dispatch(t, c, "msg-1", EventMessageSend,
		SendMessageRequest{SessionID: sess.ID, Text: "   "})
	e := decodeError(t, msg)
	assert.Equal(t, KindValidation, e.Kind)
	assert.Contains(t, e.Fields, "text")
	assert.Empty(t, f.messages.msgs)
}

func TestMessageSendRequiresMembership(t *testing.T) {
	f := newServerFixture()
	_, sess, _ := f.seedUserAndSession(models.RoleStudent, 0, time.Hour)
	c := f.connect("conn-1")

	msg := f.dispatch(t, c, "msg-1", EventMessageSend,
		SendMessageRequest{SessionID: sess.ID, Text: "hi"})
	assert.Equal(t, KindAccessDenied, decodeError(t, msg).Kind)
}

func TestSweeperFinishesOverrunRoom(t *testing.T) {
	f := newServerFixture()
	sess := testSession(-3*time.Hour, time.Hour)
	f.sessions.put(sess)
	room, _ := f.rooms.GetOrCreate(&sess)
	u := testUser(models.RoleStudent)
	room.AddMember(u.ToPublic())

	c := f.connect("conn-1")
	f.registry.Bind(c, room.ID(), u.ID)

	f.server.SweepOnce(context.Background())

	assert.Equal(t, models.StatusFinished, room.Status())
	persisted, _ := f.sessions.GetByID(context.Background(), sess.ID)
	assert.Equal(t, models.StatusFinished, persisted.Status)

	events := drainEvents(c)
	require.NotEmpty(t, events)
	assert.Equal(t, EventSessionFinished, events[0].Event)

	// Joining afterwards fails with the terminal snapshot.
	f.users.put(u)
	token, _ := f.jwt.Generate(u.ID, string(u.Role))
	msg := f.dispatch(t, c, "req-1", EventSessionJoin,
		JoinRequest{AccessToken: token, SessionID: sess.ID})
	assert.Equal(t, KindSessionFinished, decodeError(t, msg).Kind)
}

func TestSweeperLeavesActiveRoomsAlone(t *testing.T) {
	f := newServerFixture()
	sess := testSession(-10*time.Minute, time.Hour)
	f.sessions.put(sess)
	room, _ := f.rooms.GetOrCreate(&sess)

	f.server.SweepOnce(context.Background())
	assert.NotEqual(t, models.StatusFinished, room.Status())
}

func TestCandidateIsFireAndForget(t *testing.T) {
	f := newServerFixture()
	_, sess, token := f.seedUserAndSession(models.RoleTeacher, 0, time.Hour)
	c := f.connect("conn-1")
	f.join(t, c, token, sess.ID)
	drainEvents(c)

	data, _ := json.Marshal(CandidateRequest{
		SessionID: sess.ID,
		Label:     uuid.New(),
		Candidate: webrtc.ICECandidateInit{Candidate: "c1"},
	})
	f.server.Router().Dispatch(context.Background(), c, WSMessage{ID: "cand-1", Event: EventStreamCandidate, Data: data})
	assert.Empty(t, drainEvents(c), "candidates produce no reply")
}
