package realtime

import (
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/classpulse/live-backend/internal/models"
)

// Request events (client -> server).
const (
	EventSessionJoin     = "session:join"
	EventSessionLeave    = "session:leave"
	EventStreamInfo      = "stream:info"
	EventStreamPublish   = "stream:publish"
	EventStreamPlay      = "stream:play"
	EventStreamCandidate = "stream:candidate"
	EventStreamStop      = "stream:stop"
	EventVideoEnable     = "stream:video:enable"
	EventVideoDisable    = "stream:video:disable"
	EventStreamConnected = "stream:connected"
	EventMessageSend     = "message:send"
)

// Broadcast events (server -> room or connection).
const (
	EventUserList        = "session:userList"
	EventForceLogout     = "session:forceLogout"
	EventStreamPublished = "stream:published"
	EventVideoEnabled    = "stream:video:enabled"
	EventVideoDisabled   = "stream:video:disabled"
	EventCandidate       = "stream:candidate"
	EventMessageReceived = "message:received"
	EventSessionFinished = "session:finished"
)

// JoinRequest is the session:join payload.
type JoinRequest struct {
	AccessToken string    `json:"accessToken"`
	SessionID   uuid.UUID `json:"sessionId"`
}

// JoinReply is the session:join response.
type JoinReply struct {
	SessionInfo       *models.ScheduledSession `json:"sessionInfo"`
	UserList          []models.UserPublic      `json:"userList"`
	CurrentServerTime time.Time                `json:"currentServerTime"`
	Status            models.SessionStatus     `json:"status"`
	IceServers        []webrtc.ICEServer       `json:"iceServers"`
}

// SessionRequest carries just a session id (leave, info, stop, video toggle).
type SessionRequest struct {
	SessionID uuid.UUID `json:"sessionId"`
}

// StreamInfoReply is the stream:info response.
type StreamInfoReply struct {
	Label          string `json:"label"`
	IsVideoEnabled bool   `json:"isVideoEnabled"`
}

// PublishRequest is the stream:publish payload.
type PublishRequest struct {
	SessionID      uuid.UUID `json:"sessionId"`
	OfferSdp       string    `json:"offerSdp"`
	IsVideoEnabled bool      `json:"isVideoEnabled"`
}

// SdpAnswerReply is the publish/play response.
type SdpAnswerReply struct {
	AnswerSdp string `json:"answerSdp"`
}

// PlayRequest is the stream:play payload. Label is the user id of the
// publisher to watch.
type PlayRequest struct {
	SessionID uuid.UUID `json:"sessionId"`
	Label     uuid.UUID `json:"label"`
	OfferSdp  string    `json:"offerSdp"`
}

// CandidateRequest is the stream:candidate payload (fire-and-forget).
type CandidateRequest struct {
	SessionID uuid.UUID               `json:"sessionId"`
	UserID    uuid.UUID               `json:"userId"`
	Label     uuid.UUID               `json:"label"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// ConnectedRequest is the stream:connected payload, sent once the client's
// peer connection is up.
type ConnectedRequest struct {
	SessionID      uuid.UUID `json:"sessionId"`
	IsVideoEnabled bool      `json:"isVideoEnabled"`
	Label          uuid.UUID `json:"label"`
}

// SendMessageRequest is the message:send payload.
type SendMessageRequest struct {
	SessionID uuid.UUID `json:"sessionId"`
	Text      string    `json:"text"`
}

// UserListEvent is the session:userList broadcast payload.
type UserListEvent struct {
	UserList []models.UserPublic `json:"userList"`
}

// PublishedEvent is the stream:published / stream:video:* broadcast payload.
type PublishedEvent struct {
	Label          uuid.UUID `json:"label"`
	IsVideoEnabled bool      `json:"isVideoEnabled"`
}

// SessionFinishedEvent is the session:finished broadcast payload.
type SessionFinishedEvent struct {
	Session *models.RoomSnapshot `json:"session"`
}

// CandidateEvent is the stream:candidate broadcast payload.
type CandidateEvent struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	Label     uuid.UUID               `json:"label"`
}
