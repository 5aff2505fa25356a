package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/classpulse/live-backend/internal/media"
	"github.com/classpulse/live-backend/internal/models"
	"github.com/classpulse/live-backend/internal/relay"
)

const (
	// maxPendingCandidates bounds candidates buffered for a negotiation whose
	// endpoint does not exist yet; beyond the cap the oldest is dropped.
	maxPendingCandidates = 64

	defaultAnswerWait = 15 * time.Second
)

// ElementKind distinguishes publish and view endpoints.
type ElementKind string

const (
	ElementPublisher ElementKind = "publisher"
	ElementViewer    ElementKind = "viewer"
)

// MediaElement is a publish or view endpoint bound to a room. Label is the
// published stream's user id: for a publisher it equals Owner, for a viewer
// it names the publisher being watched.
type MediaElement struct {
	Owner        uuid.UUID
	Kind         ElementKind
	Label        uuid.UUID
	VideoEnabled bool
	Connected    bool

	endpoint  media.Endpoint
	transport *relay.Endpoint
}

// mediaRoom holds one room's media state. pipelineMu serializes pipeline
// creation and release; mu guards the element tables and is never held
// across a media server call.
type mediaRoom struct {
	roomID uuid.UUID

	pipelineMu sync.Mutex
	mu         sync.Mutex
	pipeline   media.Pipeline
	elements   map[string]*MediaElement
	targets    map[string]*relay.Endpoint
	pending    map[string][]webrtc.ICECandidateInit
}

func newMediaRoom(roomID uuid.UUID) *mediaRoom {
	return &mediaRoom{
		roomID:   roomID,
		elements: make(map[string]*MediaElement),
		targets:  make(map[string]*relay.Endpoint),
		pending:  make(map[string][]webrtc.ICECandidateInit),
	}
}

func elemKey(owner, label uuid.UUID) string {
	return owner.String() + "|" + label.String()
}

// publisherLocked returns the room's single publisher element, if any.
// Caller holds mu.
func (mr *mediaRoom) publisherLocked() *MediaElement {
	for _, e := range mr.elements {
		if e.Kind == ElementPublisher {
			return e
		}
	}
	return nil
}

// Coordinator orchestrates the per-room media pipeline and the
// publish/view endpoints on top of the signal relay. Every media server call
// is a suspension point: records are re-validated afterwards and
// not-found-after-resume is a benign no-op.
type Coordinator struct {
	mu    sync.RWMutex
	rooms map[uuid.UUID]*mediaRoom

	negotiator media.Negotiator
	directory  *Directory
	fanout     *Fanout
	logger     *zap.Logger
	answerWait time.Duration
}

// NewCoordinator creates the media session coordinator.
func NewCoordinator(negotiator media.Negotiator, directory *Directory, fanout *Fanout, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		rooms:      make(map[uuid.UUID]*mediaRoom),
		negotiator: negotiator,
		directory:  directory,
		fanout:     fanout,
		logger:     logger,
		answerWait: defaultAnswerWait,
	}
}

func (c *Coordinator) getOrCreateRoom(roomID uuid.UUID) *mediaRoom {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mr, ok := c.rooms[roomID]; ok {
		return mr
	}
	mr := newMediaRoom(roomID)
	c.rooms[roomID] = mr
	return mr
}

func (c *Coordinator) getRoom(roomID uuid.UUID) *mediaRoom {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rooms[roomID]
}

// ensurePipeline lazily creates the room's shared pipeline. Creation is
// serialized so concurrent publish/play share one pipeline.
func (c *Coordinator) ensurePipeline(ctx context.Context, mr *mediaRoom) (media.Pipeline, error) {
	mr.pipelineMu.Lock()
	defer mr.pipelineMu.Unlock()
	mr.mu.Lock()
	pl := mr.pipeline
	mr.mu.Unlock()
	if pl != nil {
		return pl, nil
	}
	pl, err := c.negotiator.CreatePipeline(ctx, mr.roomID)
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}
	mr.mu.Lock()
	mr.pipeline = pl
	mr.mu.Unlock()
	c.logger.Info("media pipeline created", zap.String("room_id", mr.roomID.String()))
	return pl, nil
}

// Publish creates the room's publisher endpoint from the caller's SDP offer
// and returns the SDP answer. A prior publisher owned by the same user is
// released and replaced (reconnect without stop); a publisher owned by
// someone else is a conflict.
func (c *Coordinator) Publish(ctx context.Context, connID string, roomID uuid.UUID, offerSdp string, videoEnabled bool) (string, error) {
	p, err := c.directory.FindByConnectionAndRoom(ctx, connID, roomID)
	if err != nil {
		return "", ErrService(fmt.Errorf("lookup participant: %w", err))
	}
	if p == nil {
		return "", ErrAccessDenied("not a participant of this session")
	}

	mr := c.getOrCreateRoom(roomID)

	mr.mu.Lock()
	if pub := mr.publisherLocked(); pub != nil {
		if pub.Owner != p.UserID {
			mr.mu.Unlock()
			return "", ErrAccessDenied("another publisher is active")
		}
		key := elemKey(pub.Owner, pub.Label)
		delete(mr.elements, key)
		delete(mr.targets, key)
		mr.mu.Unlock()
		c.releaseElement(ctx, roomID, pub)
		c.logger.Info("replaced prior publisher endpoint",
			zap.String("room_id", roomID.String()), zap.String("user_id", p.UserID.String()))
	} else {
		mr.mu.Unlock()
	}

	pipeline, err := c.ensurePipeline(ctx, mr)
	if err != nil {
		return "", ErrService(err)
	}

	// Re-validate after the pipeline RPC; the participant may have left.
	p, err = c.directory.FindByConnectionAndRoom(ctx, connID, roomID)
	if err != nil || p == nil {
		c.releasePipelineIfEmpty(ctx, mr)
		return "", ErrNotFound("participant no longer in session")
	}

	ep, err := pipeline.CreateEndpoint(ctx, p.UserID.String())
	if err != nil {
		c.releasePipelineIfEmpty(ctx, mr)
		return "", ErrService(fmt.Errorf("create publisher endpoint: %w", err))
	}

	answer, _, err := c.negotiate(ctx, mr, ep, connID, p.UserID, p.UserID, ElementPublisher, videoEnabled, offerSdp)
	if err != nil {
		c.releasePipelineIfEmpty(ctx, mr)
		return "", err
	}
	return answer, nil
}

// Play creates a viewer endpoint for the caller and connects it to the
// publisher identified by label. When no publisher exists yet, or the
// connect fails, the viewer endpoint stays unconnected and the answer is
// still returned; the client retries by replaying.
func (c *Coordinator) Play(ctx context.Context, connID string, roomID, label uuid.UUID, offerSdp string) (string, error) {
	p, err := c.directory.FindByConnectionAndRoom(ctx, connID, roomID)
	if err != nil {
		return "", ErrService(fmt.Errorf("lookup participant: %w", err))
	}
	if p == nil {
		return "", ErrAccessDenied("not a participant of this session")
	}

	mr := c.getOrCreateRoom(roomID)
	pipeline, err := c.ensurePipeline(ctx, mr)
	if err != nil {
		return "", ErrService(err)
	}

	p, err = c.directory.FindByConnectionAndRoom(ctx, connID, roomID)
	if err != nil || p == nil {
		c.releasePipelineIfEmpty(ctx, mr)
		return "", ErrNotFound("participant no longer in session")
	}

	ep, err := pipeline.CreateEndpoint(ctx, fmt.Sprintf("%s_watches_%s", p.UserID, label))
	if err != nil {
		c.releasePipelineIfEmpty(ctx, mr)
		return "", ErrService(fmt.Errorf("create viewer endpoint: %w", err))
	}

	answer, elem, err := c.negotiate(ctx, mr, ep, connID, p.UserID, label, ElementViewer, false, offerSdp)
	if err != nil {
		c.releasePipelineIfEmpty(ctx, mr)
		return "", err
	}

	mr.mu.Lock()
	pub := mr.elements[elemKey(label, label)]
	mr.mu.Unlock()
	if pub == nil || pub.Kind != ElementPublisher {
		c.logger.Info("no publisher for label yet, viewer left unconnected",
			zap.String("room_id", roomID.String()), zap.String("label", label.String()))
		return answer, nil
	}
	if err := pub.endpoint.Connect(ctx, elem.endpoint); err != nil {
		c.logger.Warn("connect viewer to publisher failed",
			zap.String("room_id", roomID.String()),
			zap.String("viewer", p.UserID.String()),
			zap.String("label", label.String()),
			zap.Error(err))
		return answer, nil
	}
	mr.mu.Lock()
	if cur := mr.elements[elemKey(p.UserID, label)]; cur == elem {
		cur.Connected = true
	}
	mr.mu.Unlock()
	return answer, nil
}

// negotiate wires a relay pair between the transport side and the media
// endpoint, registers the element, and runs the offer/answer exchange.
func (c *Coordinator) negotiate(ctx context.Context, mr *mediaRoom, ep media.Endpoint, connID string, owner, label uuid.UUID, kind ElementKind, videoEnabled bool, offerSdp string) (string, *MediaElement, error) {
	transportEnd, mediaEnd := relay.NewPair()
	elem := &MediaElement{
		Owner:        owner,
		Kind:         kind,
		Label:        label,
		VideoEnabled: videoEnabled,
		endpoint:     ep,
		transport:    transportEnd,
	}

	answerCh := make(chan string, 1)
	errCh := make(chan error, 1)

	ep.OnIceCandidate(func(cand webrtc.ICECandidateInit) {
		mediaEnd.SendIceCandidate(cand)
	})
	mediaEnd.OnCandidate(func(cand webrtc.ICECandidateInit) {
		if err := ep.AddIceCandidate(context.Background(), cand); err != nil {
			c.logger.Debug("add ice candidate failed", zap.String("owner", owner.String()), zap.Error(err))
		}
	})
	mediaEnd.OnOffer(func(sdp string) {
		answer, err := ep.ProcessOffer(context.Background(), sdp)
		if err != nil {
			errCh <- err
			return
		}
		mediaEnd.SendAnswer(answer)
	})
	transportEnd.OnAnswer(func(sdp string) {
		answerCh <- sdp
	})
	transportEnd.OnCandidate(func(cand webrtc.ICECandidateInit) {
		c.fanout.CandidateToConn(connID, label, cand)
	})

	key := elemKey(owner, label)
	mr.mu.Lock()
	if _, exists := mr.elements[key]; exists {
		mr.mu.Unlock()
		_ = ep.Release(context.Background())
		return "", nil, ErrValidation(map[string]string{"label": "negotiation already in progress"})
	}
	mr.elements[key] = elem
	queued := mr.pending[key]
	delete(mr.pending, key)
	mr.mu.Unlock()

	// Flush candidates that raced ahead of endpoint creation, in order. The
	// target is published only once the queue is empty, so a candidate
	// arriving mid-flush keeps buffering instead of overtaking older ones.
	for {
		for _, cand := range queued {
			transportEnd.SendIceCandidate(cand)
		}
		mr.mu.Lock()
		queued = mr.pending[key]
		delete(mr.pending, key)
		if len(queued) == 0 {
			mr.targets[key] = transportEnd
			mr.mu.Unlock()
			break
		}
		mr.mu.Unlock()
	}

	transportEnd.SendOffer(offerSdp)

	timer := time.NewTimer(c.answerWait)
	defer timer.Stop()
	select {
	case sdp := <-answerCh:
		return sdp, elem, nil
	case err := <-errCh:
		c.dropElement(ctx, mr, key, elem)
		return "", nil, ErrService(fmt.Errorf("process offer: %w", err))
	case <-timer.C:
		c.dropElement(ctx, mr, key, elem)
		return "", nil, ErrService(errors.New("media negotiation timed out"))
	case <-ctx.Done():
		c.dropElement(ctx, mr, key, elem)
		return "", nil, ErrService(ctx.Err())
	}
}

func (c *Coordinator) dropElement(ctx context.Context, mr *mediaRoom, key string, elem *MediaElement) {
	mr.mu.Lock()
	if mr.elements[key] == elem {
		delete(mr.elements, key)
		delete(mr.targets, key)
	}
	mr.mu.Unlock()
	c.releaseElement(ctx, mr.roomID, elem)
}

// OnIceCandidate routes a client candidate to its negotiation. Candidates
// arriving before the endpoint exists are buffered per (user, label);
// candidates for rooms with no media session are dropped.
func (c *Coordinator) OnIceCandidate(roomID, userID, label uuid.UUID, cand webrtc.ICECandidateInit) {
	mr := c.getRoom(roomID)
	if mr == nil {
		c.logger.Debug("candidate dropped, no media session",
			zap.String("room_id", roomID.String()), zap.String("user_id", userID.String()))
		return
	}
	key := elemKey(userID, label)
	mr.mu.Lock()
	t := mr.targets[key]
	if t == nil {
		q := mr.pending[key]
		if len(q) >= maxPendingCandidates {
			q = q[1:]
		}
		mr.pending[key] = append(q, cand)
		mr.mu.Unlock()
		return
	}
	mr.mu.Unlock()
	t.SendIceCandidate(cand)
}

// MarkConnected flags the (user, label) element as connected once the client
// reports its peer connection is up. For a publisher this also announces
// stream:published to the room.
func (c *Coordinator) MarkConnected(roomID, userID, label uuid.UUID, videoEnabled bool) bool {
	mr := c.getRoom(roomID)
	if mr == nil {
		return false
	}
	mr.mu.Lock()
	elem := mr.elements[elemKey(userID, label)]
	if elem == nil {
		mr.mu.Unlock()
		return false
	}
	elem.Connected = true
	isPublisher := elem.Kind == ElementPublisher
	if isPublisher {
		elem.VideoEnabled = videoEnabled
	}
	mr.mu.Unlock()
	if isPublisher {
		c.fanout.Published(roomID, label, videoEnabled)
	}
	return true
}

// SetVideo toggles the room publisher's video flag and announces it. A room
// without a publisher is a no-op and emits nothing.
func (c *Coordinator) SetVideo(roomID uuid.UUID, enabled bool) bool {
	mr := c.getRoom(roomID)
	if mr == nil {
		return false
	}
	mr.mu.Lock()
	pub := mr.publisherLocked()
	if pub == nil {
		mr.mu.Unlock()
		return false
	}
	pub.VideoEnabled = enabled
	label := pub.Label
	mr.mu.Unlock()
	c.fanout.VideoToggled(roomID, label, enabled)
	return true
}

// StreamInfo returns the room's current publisher label and video flag.
func (c *Coordinator) StreamInfo(roomID uuid.UUID) (label uuid.UUID, videoEnabled bool, ok bool) {
	mr := c.getRoom(roomID)
	if mr == nil {
		return uuid.Nil, false, false
	}
	mr.mu.Lock()
	defer mr.mu.Unlock()
	pub := mr.publisherLocked()
	if pub == nil {
		return uuid.Nil, false, false
	}
	return pub.Label, pub.VideoEnabled, true
}

// Stop releases every media element owned by the participant's user in the
// participant's room. When the last element goes, the pipeline goes with it.
// Release errors never abort the surrounding cleanup. Idempotent: a second
// stop finds nothing and releases nothing.
func (c *Coordinator) Stop(ctx context.Context, p *models.Participant) (hadPublisher bool) {
	mr := c.getRoom(p.RoomID)
	if mr == nil {
		return false
	}
	mr.mu.Lock()
	var owned []*MediaElement
	for key, e := range mr.elements {
		if e.Owner != p.UserID {
			continue
		}
		owned = append(owned, e)
		delete(mr.elements, key)
		delete(mr.targets, key)
		delete(mr.pending, key)
	}
	mr.mu.Unlock()

	for _, e := range owned {
		if e.Kind == ElementPublisher {
			hadPublisher = true
		}
		c.releaseElement(ctx, p.RoomID, e)
	}
	c.releasePipelineIfEmpty(ctx, mr)
	return hadPublisher
}

func (c *Coordinator) releaseElement(ctx context.Context, roomID uuid.UUID, e *MediaElement) {
	if err := e.endpoint.Release(ctx); err != nil {
		c.logger.Warn("endpoint release failed",
			zap.String("room_id", roomID.String()),
			zap.String("owner", e.Owner.String()),
			zap.String("kind", string(e.Kind)),
			zap.Error(err))
	}
}

// releasePipelineIfEmpty reclaims the room's pipeline when no elements
// remain, and drops the media room with it.
func (c *Coordinator) releasePipelineIfEmpty(ctx context.Context, mr *mediaRoom) {
	mr.pipelineMu.Lock()
	defer mr.pipelineMu.Unlock()
	mr.mu.Lock()
	pl := mr.pipeline
	empty := len(mr.elements) == 0
	if empty && pl != nil {
		mr.pipeline = nil
	}
	mr.mu.Unlock()
	if !empty || pl == nil {
		return
	}
	if err := pl.Release(ctx); err != nil {
		c.logger.Warn("pipeline release failed", zap.String("room_id", mr.roomID.String()), zap.Error(err))
	} else {
		c.logger.Info("media pipeline released", zap.String("room_id", mr.roomID.String()))
	}
	c.mu.Lock()
	if c.rooms[mr.roomID] == mr {
		delete(c.rooms, mr.roomID)
	}
	c.mu.Unlock()
}

// CloseRoom releases every endpoint and the pipeline of one room. Used when
// a session reaches its terminal state. Closing a room with no media session
// is a no-op.
func (c *Coordinator) CloseRoom(ctx context.Context, roomID uuid.UUID) {
	c.mu.Lock()
	mr := c.rooms[roomID]
	delete(c.rooms, roomID)
	c.mu.Unlock()
	if mr != nil {
		c.drainRoom(ctx, mr)
	}
}

// Shutdown releases every endpoint and pipeline, best-effort. Used on
// process exit.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	rooms := make([]*mediaRoom, 0, len(c.rooms))
	for _, mr := range c.rooms {
		rooms = append(rooms, mr)
	}
	c.rooms = make(map[uuid.UUID]*mediaRoom)
	c.mu.Unlock()

	for _, mr := range rooms {
		c.drainRoom(ctx, mr)
	}
}

func (c *Coordinator) drainRoom(ctx context.Context, mr *mediaRoom) {
	mr.mu.Lock()
	elems := make([]*MediaElement, 0, len(mr.elements))
	for _, e := range mr.elements {
		elems = append(elems, e)
	}
	mr.elements = make(map[string]*MediaElement)
	mr.targets = make(map[string]*relay.Endpoint)
	mr.pending = make(map[string][]webrtc.ICECandidateInit)
	pl := mr.pipeline
	mr.pipeline = nil
	mr.mu.Unlock()

	for _, e := range elems {
		c.releaseElement(ctx, mr.roomID, e)
	}
	if pl != nil {
		if err := pl.Release(ctx); err != nil {
			c.logger.Warn("pipeline release failed", zap.String("room_id", mr.roomID.String()), zap.Error(err))
		}
	}
}
