package media

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	rpcTimeout    = 10 * time.Second
	writeDeadline = 10 * time.Second
)

// Client talks JSON-RPC to a Kurento-compatible media server over a single
// WebSocket connection. The connection is dialed lazily on first use and
// shared by every pipeline and endpoint; all callers wait on the same dial.
type Client struct {
	url           string
	bandwidthKbps int
	logger        *zap.Logger

	dialOnce sync.Once
	dialErr  error
	conn     *websocket.Conn
	writeMu  sync.Mutex

	mu       sync.Mutex
	nextID   uint64
	pending  map[uint64]chan rpcResult
	handlers map[string]func(webrtc.ICECandidateInit) // object id -> candidate listener
}

type rpcResult struct {
	value json.RawMessage
	err   error
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      uint64      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("media server rpc error %d: %s", e.Code, e.Message)
}

// NewClient creates a media server client. No connection is made until the
// first pipeline is requested.
func NewClient(url string, bandwidthKbps int, logger *zap.Logger) *Client {
	return &Client{
		url:           url,
		bandwidthKbps: bandwidthKbps,
		logger:        logger,
		pending:       make(map[uint64]chan rpcResult),
		handlers:      make(map[string]func(webrtc.ICECandidateInit)),
	}
}

func (c *Client) connect(ctx context.Context) error {
	c.dialOnce.Do(func() {
		dialer := websocket.Dialer{HandshakeTimeout: rpcTimeout}
		conn, _, err := dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.dialErr = fmt.Errorf("dial media server: %w", err)
			return
		}
		c.conn = conn
		c.logger.Info("media server connected", zap.String("url", c.url))
		go c.readLoop()
	})
	return c.dialErr
}

func (c *Client) readLoop() {
	for {
		var env rpcEnvelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.failPending(fmt.Errorf("media server connection lost: %w", err))
			c.logger.Error("media server read loop ended", zap.Error(err))
			return
		}
		switch {
		case env.ID != nil:
			c.mu.Lock()
			ch, ok := c.pending[*env.ID]
			delete(c.pending, *env.ID)
			c.mu.Unlock()
			if !ok {
				continue
			}
			if env.Error != nil {
				ch <- rpcResult{err: env.Error}
			} else {
				ch <- rpcResult{value: env.Result}
			}
		case env.Method == "onEvent":
			c.dispatchEvent(env.Params)
		}
	}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	for id, ch := range c.pending {
		ch <- rpcResult{err: err}
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// dispatchEvent routes IceCandidateFound events to the endpoint's listener.
func (c *Client) dispatchEvent(params json.RawMessage) {
	var ev struct {
		Value struct {
			Object string `json:"object"`
			Type   string `json:"type"`
			Data   struct {
				Candidate struct {
					Candidate     string `json:"candidate"`
					SDPMid        string `json:"sdpMid"`
					SDPMLineIndex uint16 `json:"sdpMLineIndex"`
				} `json:"candidate"`
			} `json:"data"`
		} `json:"value"`
	}
	if err := json.Unmarshal(params, &ev); err != nil || ev.Value.Type != "IceCandidateFound" {
		return
	}
	c.mu.Lock()
	fn := c.handlers[ev.Value.Object]
	c.mu.Unlock()
	if fn == nil {
		return
	}
	mid := ev.Value.Data.Candidate.SDPMid
	idx := ev.Value.Data.Candidate.SDPMLineIndex
	fn(webrtc.ICECandidateInit{
		Candidate:     ev.Value.Data.Candidate.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
}

func (c *Client) request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan rpcResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("write rpc %s: %w", method, err)
	}

	timer := time.NewTimer(rpcTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.value, res.err
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("rpc %s: timeout", method)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// createResult is the result shape of "create" and value-returning invokes.
type createResult struct {
	Value string `json:"value"`
}

// CreatePipeline creates a MediaPipeline on the media server.
func (c *Client) CreatePipeline(ctx context.Context, roomID uuid.UUID) (Pipeline, error) {
	raw, err := c.request(ctx, "create", map[string]interface{}{
		"type":              "MediaPipeline",
		"constructorParams": map[string]interface{}{},
	})
	if err != nil {
		return nil, err
	}
	var res createResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("parse create result: %w", err)
	}
	c.logger.Debug("media pipeline created",
		zap.String("room_id", roomID.String()), zap.String("object", res.Value))
	return &pipeline{client: c, id: res.Value}, nil
}

// Close tears down the shared connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

type pipeline struct {
	client *Client
	id     string
}

func (p *pipeline) CreateEndpoint(ctx context.Context, name string) (Endpoint, error) {
	raw, err := p.client.request(ctx, "create", map[string]interface{}{
		"type":              "WebRtcEndpoint",
		"constructorParams": map[string]interface{}{"mediaPipeline": p.id},
	})
	if err != nil {
		return nil, err
	}
	var res createResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("parse create result: %w", err)
	}
	ep := &endpoint{client: p.client, id: res.Value}
	if _, err := p.client.request(ctx, "invoke", map[string]interface{}{
		"object":          ep.id,
		"operation":       "setName",
		"operationParams": map[string]interface{}{"name": name},
	}); err != nil {
		_ = ep.Release(ctx)
		return nil, err
	}
	if p.client.bandwidthKbps > 0 {
		if _, err := p.client.request(ctx, "invoke", map[string]interface{}{
			"object":          ep.id,
			"operation":       "setMaxVideoRecvBandwidth",
			"operationParams": map[string]interface{}{"maxVideoRecvBandwidth": p.client.bandwidthKbps},
		}); err != nil {
			_ = ep.Release(ctx)
			return nil, err
		}
	}
	if _, err := p.client.request(ctx, "subscribe", map[string]interface{}{
		"object": ep.id,
		"type":   "IceCandidateFound",
	}); err != nil {
		_ = ep.Release(ctx)
		return nil, err
	}
	return ep, nil
}

func (p *pipeline) Release(ctx context.Context) error {
	_, err := p.client.request(ctx, "release", map[string]interface{}{"object": p.id})
	return err
}

type endpoint struct {
	client *Client
	id     string
}

func (e *endpoint) ProcessOffer(ctx context.Context, offer string) (string, error) {
	raw, err := e.client.request(ctx, "invoke", map[string]interface{}{
		"object":          e.id,
		"operation":       "processOffer",
		"operationParams": map[string]interface{}{"offer": offer},
	})
	if err != nil {
		return "", err
	}
	var res createResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("parse processOffer result: %w", err)
	}
	if _, err := e.client.request(ctx, "invoke", map[string]interface{}{
		"object":    e.id,
		"operation": "gatherCandidates",
	}); err != nil {
		return "", err
	}
	return res.Value, nil
}

func (e *endpoint) AddIceCandidate(ctx context.Context, c webrtc.ICECandidateInit) error {
	candidate := map[string]interface{}{"candidate": c.Candidate}
	if c.SDPMid != nil {
		candidate["sdpMid"] = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		candidate["sdpMLineIndex"] = *c.SDPMLineIndex
	}
	_, err := e.client.request(ctx, "invoke", map[string]interface{}{
		"object":          e.id,
		"operation":       "addIceCandidate",
		"operationParams": map[string]interface{}{"candidate": candidate},
	})
	return err
}

func (e *endpoint) OnIceCandidate(fn func(webrtc.ICECandidateInit)) {
	e.client.mu.Lock()
	e.client.handlers[e.id] = fn
	e.client.mu.Unlock()
}

func (e *endpoint) Connect(ctx context.Context, sink Endpoint) error {
	target, ok := sink.(*endpoint)
	if !ok {
		return fmt.Errorf("connect: sink is not a media server endpoint")
	}
	_, err := e.client.request(ctx, "invoke", map[string]interface{}{
		"object":          e.id,
		"operation":       "connect",
		"operationParams": map[string]interface{}{"sink": target.id},
	})
	return err
}

func (e *endpoint) Release(ctx context.Context) error {
	e.client.mu.Lock()
	delete(e.client.handlers, e.id)
	e.client.mu.Unlock()
	_, err := e.client.request(ctx, "release", map[string]interface{}{"object": e.id})
	return err
}
