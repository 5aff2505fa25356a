package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/classpulse/live-backend/internal/auth"
	"github.com/classpulse/live-backend/internal/models"
	"github.com/classpulse/live-backend/pkg/queue"
	"github.com/classpulse/live-backend/pkg/storage"
)

const maxMessageLength = 2000

// MessageStore persists chat messages.
type MessageStore interface {
	Insert(ctx context.Context, roomID, senderID uuid.UUID, text string, highlighted bool) (*models.Message, error)
}

// SessionStore extends session lookup with status persistence.
type SessionStore interface {
	SessionFinder
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.SessionStatus) error
}

// ServerConfig carries the realtime server's tunables.
type ServerConfig struct {
	IceServers []webrtc.ICEServer
	// FinishBuffer keeps a room alive past ends_at before the sweeper
	// force-finishes it. Matches the gate's late-join buffer.
	FinishBuffer time.Duration
}

// Server wires the dispatch table to the realtime components. One Server per
// process; per-connection state lives in Client and Registry.
type Server struct {
	registry    *Registry
	rooms       *Rooms
	directory   *Directory
	gate        *Gate
	coordinator *Coordinator
	fanout      *Fanout
	router      *Router

	jwt      *auth.JWTService
	users    UserFinder
	sessions SessionStore
	messages MessageStore

	avatars       *storage.S3
	notifications *queue.Queue

	cfg    ServerConfig
	logger *zap.Logger
}

// NewServer assembles the realtime server and registers every event handler.
// avatars and notifications may be nil.
func NewServer(
	registry *Registry,
	rooms *Rooms,
	directory *Directory,
	gate *Gate,
	coordinator *Coordinator,
	fanout *Fanout,
	jwt *auth.JWTService,
	users UserFinder,
	sessions SessionStore,
	messages MessageStore,
	avatars *storage.S3,
	notifications *queue.Queue,
	cfg ServerConfig,
	logger *zap.Logger,
) *Server {
	s := &Server{
		registry:      registry,
		rooms:         rooms,
		directory:     directory,
		gate:          gate,
		coordinator:   coordinator,
		fanout:        fanout,
		router:        NewRouter(logger),
		jwt:           jwt,
		users:         users,
		sessions:      sessions,
		messages:      messages,
		avatars:       avatars,
		notifications: notifications,
		cfg:           cfg,
		logger:        logger,
	}
	s.router.Handle(EventSessionJoin, s.handleJoin)
	s.router.Handle(EventSessionLeave, s.handleLeave)
	s.router.Handle(EventStreamInfo, s.handleStreamInfo)
	s.router.Handle(EventStreamPublish, s.handlePublish)
	s.router.Handle(EventStreamPlay, s.handlePlay)
	s.router.Handle(EventStreamCandidate, s.handleCandidate)
	s.router.Handle(EventStreamStop, s.handleStop)
	s.router.Handle(EventVideoEnable, s.handleVideoEnable)
	s.router.Handle(EventVideoDisable, s.handleVideoDisable)
	s.router.Handle(EventStreamConnected, s.handleConnected)
	s.router.Handle(EventMessageSend, s.handleMessageSend)
	return s
}

// Router exposes the dispatch table, mainly for tests.
func (s *Server) Router() *Router { return s.router }

func (s *Server) handleJoin(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req JoinRequest
	if err := json.Unmarshal(data, &req); err != nil || req.SessionID == uuid.Nil {
		return nil, ErrValidation(map[string]string{"sessionId": "missing or malformed"})
	}
	claims, err := s.jwt.Validate(req.AccessToken)
	if err != nil {
		return nil, ErrAccessDenied("invalid access token")
	}

	user, session, err := s.gate.CanJoin(ctx, claims.UserID, req.SessionID)
	if err != nil {
		return nil, err
	}

	room, created := s.rooms.GetOrCreate(session)
	if created {
		s.fanout.BindRoom(room.ID())
	}

	s.registry.Bind(c, room.ID(), user.ID)
	if _, err := s.directory.Join(ctx, user.ID, room.ID(), c.ID); err != nil {
		s.registry.Unbind(c, room.ID(), user.ID)
		return nil, ErrService(fmt.Errorf("join session: %w", err))
	}
	room.AddMember(user.ToPublic())
	s.fanout.UserList(room.ID(), room.UserList())

	s.logger.Info("user joined session",
		zap.String("user_id", user.ID.String()),
		zap.String("session_id", room.ID().String()),
		zap.String("conn_id", c.ID))

	return JoinReply{
		SessionInfo:       session,
		UserList:          room.UserList(),
		CurrentServerTime: time.Now(),
		Status:            room.Status(),
		IceServers:        s.cfg.IceServers,
	}, nil
}

func (s *Server) handleLeave(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req SessionRequest
	if err := json.Unmarshal(data, &req); err != nil || req.SessionID == uuid.Nil {
		return nil, ErrValidation(map[string]string{"sessionId": "missing or malformed"})
	}
	p, err := s.directory.FindByConnectionAndRoom(ctx, c.ID, req.SessionID)
	if err != nil {
		return nil, ErrService(fmt.Errorf("lookup participant: %w", err))
	}
	if p != nil {
		s.leaveRoom(ctx, c, p)
	}
	return struct{}{}, nil
}

// leaveRoom tears down one participant's presence: media first, then
// registry binding, room membership and the persisted record. Failures are
// logged and never abort the remaining steps.
func (s *Server) leaveRoom(ctx context.Context, c *Client, p *models.Participant) {
	hadPublisher := s.coordinator.Stop(ctx, p)
	s.registry.Unbind(c, p.RoomID, p.UserID)
	if room := s.rooms.Get(p.RoomID); room != nil {
		room.RemoveMember(p.UserID)
		s.fanout.UserList(p.RoomID, room.UserList())
		if hadPublisher {
			s.pauseRoom(ctx, room)
		}
	}
	if err := s.directory.Remove(ctx, p); err != nil {
		s.logger.Warn("participant remove failed",
			zap.String("participant_id", p.ID.String()), zap.Error(err))
	}
	s.logger.Info("user left session",
		zap.String("user_id", p.UserID.String()),
		zap.String("session_id", p.RoomID.String()),
		zap.String("conn_id", p.ConnectionID))
}

// handleDisconnect runs when the socket drops: equivalent to an explicit
// leave of every session the connection occupied.
func (s *Server) handleDisconnect(c *Client) {
	ctx := context.Background()
	ps, err := s.directory.FindAllByConnection(ctx, c.ID)
	if err != nil {
		s.logger.Error("disconnect cleanup lookup failed",
			zap.String("conn_id", c.ID), zap.Error(err))
	}
	for i := range ps {
		s.leaveRoom(ctx, c, &ps[i])
	}
	s.registry.RemoveConnection(c)
}

func (s *Server) handleStreamInfo(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req SessionRequest
	if err := json.Unmarshal(data, &req); err != nil || req.SessionID == uuid.Nil {
		return nil, ErrValidation(map[string]string{"sessionId": "missing or malformed"})
	}
	if _, err := s.requireParticipant(ctx, c, req.SessionID); err != nil {
		return nil, err
	}
	label, video, ok := s.coordinator.StreamInfo(req.SessionID)
	if !ok {
		return StreamInfoReply{}, nil
	}
	return StreamInfoReply{Label: label.String(), IsVideoEnabled: video}, nil
}

func (s *Server) handlePublish(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req PublishRequest
	if err := json.Unmarshal(data, &req); err != nil || req.SessionID == uuid.Nil || req.OfferSdp == "" {
		return nil, ErrValidation(map[string]string{"offerSdp": "missing or malformed"})
	}
	answer, err := s.coordinator.Publish(ctx, c.ID, req.SessionID, req.OfferSdp, req.IsVideoEnabled)
	if err != nil {
		return nil, err
	}
	return SdpAnswerReply{AnswerSdp: answer}, nil
}

func (s *Server) handlePlay(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req PlayRequest
	if err := json.Unmarshal(data, &req); err != nil || req.SessionID == uuid.Nil || req.Label == uuid.Nil || req.OfferSdp == "" {
		return nil, ErrValidation(map[string]string{"offerSdp": "missing or malformed"})
	}
	answer, err := s.coordinator.Play(ctx, c.ID, req.SessionID, req.Label, req.OfferSdp)
	if err != nil {
		return nil, err
	}
	return SdpAnswerReply{AnswerSdp: answer}, nil
}

// handleCandidate is fire-and-forget: no reply, no error surface. Candidates
// from unbound connections are dropped.
func (s *Server) handleCandidate(_ context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req CandidateRequest
	if err := json.Unmarshal(data, &req); err != nil || req.SessionID == uuid.Nil {
		return nil, nil
	}
	userID, ok := s.registry.UserOf(c.ID)
	if !ok {
		return nil, nil
	}
	s.coordinator.OnIceCandidate(req.SessionID, userID, req.Label, req.Candidate)
	return nil, nil
}

func (s *Server) handleStop(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req SessionRequest
	if err := json.Unmarshal(data, &req); err != nil || req.SessionID == uuid.Nil {
		return nil, ErrValidation(map[string]string{"sessionId": "missing or malformed"})
	}
	p, err := s.requireParticipant(ctx, c, req.SessionID)
	if err != nil {
		return nil, err
	}
	if s.coordinator.Stop(ctx, p) {
		if room := s.rooms.Get(req.SessionID); room != nil {
			s.pauseRoom(ctx, room)
		}
	}
	return struct{}{}, nil
}

func (s *Server) handleVideoEnable(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	return s.toggleVideo(ctx, c, data, true)
}

func (s *Server) handleVideoDisable(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	return s.toggleVideo(ctx, c, data, false)
}

// toggleVideo flips the publisher's video flag. A room without a publisher is
// a no-op that still acks, and nothing is broadcast.
func (s *Server) toggleVideo(ctx context.Context, c *Client, data json.RawMessage, enabled bool) (interface{}, error) {
	var req SessionRequest
	if err := json.Unmarshal(data, &req); err != nil || req.SessionID == uuid.Nil {
		return nil, ErrValidation(map[string]string{"sessionId": "missing or malformed"})
	}
	if _, err := s.requireParticipant(ctx, c, req.SessionID); err != nil {
		return nil, err
	}
	s.coordinator.SetVideo(req.SessionID, enabled)
	return struct{}{}, nil
}

func (s *Server) handleConnected(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req ConnectedRequest
	if err := json.Unmarshal(data, &req); err != nil || req.SessionID == uuid.Nil {
		return nil, ErrValidation(map[string]string{"sessionId": "missing or malformed"})
	}
	userID, ok := s.registry.UserOf(c.ID)
	if !ok {
		return nil, ErrAccessDenied("not joined")
	}
	s.coordinator.MarkConnected(req.SessionID, userID, req.Label, req.IsVideoEnabled)
	// The publisher confirming its own stream moves the session to started.
	if req.Label == userID {
		if room := s.rooms.Get(req.SessionID); room != nil {
			s.startRoom(ctx, room)
		}
	}
	return struct{}{}, nil
}

func (s *Server) handleMessageSend(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req SendMessageRequest
	if err := json.Unmarshal(data, &req); err != nil || req.SessionID == uuid.Nil {
		return nil, ErrValidation(map[string]string{"sessionId": "missing or malformed"})
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, ErrValidation(map[string]string{"text": "must not be empty"})
	}
	if len(text) > maxMessageLength {
		return nil, ErrValidation(map[string]string{"text": "too long"})
	}
	p, err := s.requireParticipant(ctx, c, req.SessionID)
	if err != nil {
		return nil, err
	}
	sender, err := s.users.GetByID(ctx, p.UserID)
	if err != nil {
		return nil, ErrService(fmt.Errorf("load sender: %w", err))
	}
	if sender == nil {
		return nil, ErrAccessDenied("unknown user")
	}

	// Teacher messages are highlighted in the room transcript.
	msg, err := s.messages.Insert(ctx, p.RoomID, p.UserID, text, sender.Role == models.RoleTeacher)
	if err != nil {
		return nil, ErrService(fmt.Errorf("store message: %w", err))
	}
	out := models.MessageOut{
		MessageID:      msg.ID,
		SenderID:       sender.ID,
		SenderName:     sender.FullName,
		SenderImageURL: s.avatars.PresignAvatarURL(ctx, sender.ImageKey),
		Text:           msg.Text,
		Timestamp:      msg.CreatedAt,
		IsHighlighted:  msg.IsHighlighted,
	}
	// Everyone else gets the broadcast; the sender's copy is this reply.
	s.fanout.MessageReceived(c.ID, p.RoomID, out)
	return out, nil
}

// requireParticipant resolves the caller's participant record for the room.
func (s *Server) requireParticipant(ctx context.Context, c *Client, roomID uuid.UUID) (*models.Participant, error) {
	p, err := s.directory.FindByConnectionAndRoom(ctx, c.ID, roomID)
	if err != nil {
		return nil, ErrService(fmt.Errorf("lookup participant: %w", err))
	}
	if p == nil {
		return nil, ErrAccessDenied("not a participant of this session")
	}
	return p, nil
}

func (s *Server) startRoom(ctx context.Context, room *Room) {
	if err := room.SetStatus(models.StatusStarted); err != nil {
		return
	}
	if err := s.sessions.UpdateStatus(ctx, room.ID(), models.StatusStarted); err != nil {
		s.logger.Warn("status persist failed", zap.String("session_id", room.ID().String()), zap.Error(err))
	}
}

func (s *Server) pauseRoom(ctx context.Context, room *Room) {
	if err := room.SetStatus(models.StatusPaused); err != nil {
		return
	}
	if err := s.sessions.UpdateStatus(ctx, room.ID(), models.StatusPaused); err != nil {
		s.logger.Warn("status persist failed", zap.String("session_id", room.ID().String()), zap.Error(err))
	}
}

// RunSweeper periodically force-finishes rooms whose session ran past its
// scheduled end plus the grace buffer. Blocks until ctx is done.
func (s *Server) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce finishes every overrun room. Exposed for tests and for a final
// sweep on shutdown.
func (s *Server) SweepOnce(ctx context.Context) {
	now := time.Now()
	for _, room := range s.rooms.All() {
		if room.Status() == models.StatusFinished {
			continue
		}
		if now.Before(room.Session().EndsAt.Add(s.cfg.FinishBuffer)) {
			continue
		}
		s.FinishRoom(ctx, room)
	}
}

// FinishRoom moves a room to its terminal state: persists the status, tears
// down its media, tells the occupants and queues the outbound notification.
func (s *Server) FinishRoom(ctx context.Context, room *Room) {
	if err := room.SetStatus(models.StatusFinished); err != nil {
		return
	}
	id := room.ID()
	if err := s.sessions.UpdateStatus(ctx, id, models.StatusFinished); err != nil {
		s.logger.Error("finish persist failed", zap.String("session_id", id.String()), zap.Error(err))
	}
	s.coordinator.CloseRoom(ctx, id)
	s.fanout.SessionFinished(id, room.Snapshot())
	s.fanout.UnbindRoom(id)
	if s.notifications != nil {
		err := s.notifications.EnqueueNotification(ctx, queue.NotificationPayload{
			JobKind:   queue.JobTypeSessionFinished,
			SessionID: id,
			CourseID:  room.Session().CourseID,
		})
		if err != nil {
			s.logger.Warn("notification enqueue failed", zap.String("session_id", id.String()), zap.Error(err))
		}
	}
	s.logger.Info("session finished", zap.String("session_id", id.String()))
}

// Shutdown drains evictions and releases all media resources.
func (s *Server) Shutdown(ctx context.Context) {
	s.directory.Settle()
	s.coordinator.Shutdown(ctx)
}
