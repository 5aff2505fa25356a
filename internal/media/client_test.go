package media

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeMediaServer speaks just enough of the JSON-RPC protocol to drive the
// client: create/invoke/subscribe/release plus pushed IceCandidateFound
// events.
type fakeMediaServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	ops     []string
	objects int
	failOps map[string]string // operation -> error message
}

type serverRequest struct {
	JSONRPC string                 `json:"jsonrpc"`
	ID      uint64                 `json:"id"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params"`
}

func newFakeMediaServer(t *testing.T) *fakeMediaServer {
	t.Helper()
	f := &fakeMediaServer{failOps: make(map[string]string)}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		for {
			var req serverRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			f.handle(conn, req)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeMediaServer) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeMediaServer) handle(conn *websocket.Conn, req serverRequest) {
	op := req.Method
	if req.Method == "invoke" {
		if name, ok := req.Params["operation"].(string); ok {
			op = "invoke:" + name
		}
	}
	f.mu.Lock()
	f.ops = append(f.ops, op)
	f.mu.Unlock()

	if msg, ok := f.failOps[op]; ok {
		f.write(conn, map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"error":   map[string]interface{}{"code": 40101, "message": msg},
		})
		return
	}

	var value string
	switch req.Method {
	case "create":
		f.mu.Lock()
		f.objects++
		n := f.objects
		f.mu.Unlock()
		if req.Params["type"] == "MediaPipeline" {
			value = fmt.Sprintf("pipeline-%d", n)
		} else {
			value = fmt.Sprintf("endpoint-%d", n)
		}
	case "invoke":
		if req.Params["operation"] == "processOffer" {
			offer, _ := req.Params["operationParams"].(map[string]interface{})["offer"].(string)
			value = "answer:" + offer
		}
	case "subscribe":
		value = "sub-1"
	}
	f.write(conn, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      req.ID,
		"result":  map[string]interface{}{"value": value},
	})
}

func (f *fakeMediaServer) write(conn *websocket.Conn, v interface{}) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = conn.WriteJSON(v)
}

func (f *fakeMediaServer) pushCandidate(object, candidate string) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	f.write(conn, map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "onEvent",
		"params": map[string]interface{}{
			"value": map[string]interface{}{
				"object": object,
				"type":   "IceCandidateFound",
				"data": map[string]interface{}{
					"candidate": map[string]interface{}{
						"candidate":     candidate,
						"sdpMid":        "0",
						"sdpMLineIndex": 0,
					},
				},
			},
		},
	})
}

func (f *fakeMediaServer) sawOps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ops))
	copy(out, f.ops)
	return out
}

func TestNegotiationRoundTrip(t *testing.T) {
	srv := newFakeMediaServer(t)
	client := NewClient(srv.url(), 500, zap.NewNop())
	defer client.Close()

	ctx := context.Background()
	pl, err := client.CreatePipeline(ctx, uuid.New())
	require.NoError(t, err)

	ep, err := pl.CreateEndpoint(ctx, "user-1")
	require.NoError(t, err)

	answer, err := ep.ProcessOffer(ctx, "offer-sdp")
	require.NoError(t, err)
	assert.Equal(t, "answer:offer-sdp", answer)

	mid := "0"
	require.NoError(t, ep.AddIceCandidate(ctx, webrtc.ICECandidateInit{Candidate: "c1", SDPMid: &mid}))
	require.NoError(t, ep.Release(ctx))
	require.NoError(t, pl.Release(ctx))

	ops := srv.sawOps()
	assert.Equal(t, []string{
		"create", // pipeline
		"create", // endpoint
		"invoke:setName",
		"invoke:setMaxVideoRecvBandwidth",
		"subscribe",
		"invoke:processOffer",
		"invoke:gatherCandidates",
		"invoke:addIceCandidate",
		"release", // endpoint
		"release", // pipeline
	}, ops)
}

func TestBandwidthSkippedWhenUnset(t *testing.T) {
	srv := newFakeMediaServer(t)
	client := NewClient(srv.url(), 0, zap.NewNop())
	defer client.Close()

	ctx := context.Background()
	pl, err := client.CreatePipeline(ctx, uuid.New())
	require.NoError(t, err)
	_, err = pl.CreateEndpoint(ctx, "user-1")
	require.NoError(t, err)

	for _, op := range srv.sawOps() {
		assert.NotEqual(t, "invoke:setMaxVideoRecvBandwidth", op)
	}
}

func TestServerCandidatesDispatchedToListener(t *testing.T) {
	srv := newFakeMediaServer(t)
	client := NewClient(srv.url(), 0, zap.NewNop())
	defer client.Close()

	ctx := context.Background()
	pl, err := client.CreatePipeline(ctx, uuid.New())
	require.NoError(t, err)
	ep, err := pl.CreateEndpoint(ctx, "user-1")
	require.NoError(t, err)

	got := make(chan string, 1)
	ep.OnIceCandidate(func(c webrtc.ICECandidateInit) {
		got <- c.Candidate
	})

	srv.pushCandidate("endpoint-2", "candidate:srv")

	select {
	case c := <-got:
		assert.Equal(t, "candidate:srv", c)
	case <-time.After(2 * time.Second):
		t.Fatal("candidate event never dispatched")
	}
}

func TestRPCErrorSurfaced(t *testing.T) {
	srv := newFakeMediaServer(t)
	srv.failOps["invoke:processOffer"] = "SDP_PARSE_ERROR"
	client := NewClient(srv.url(), 0, zap.NewNop())
	defer client.Close()

	ctx := context.Background()
	pl, err := client.CreatePipeline(ctx, uuid.New())
	require.NoError(t, err)
	ep, err := pl.CreateEndpoint(ctx, "user-1")
	require.NoError(t, err)

	_, err = ep.ProcessOffer(ctx, "bad-offer")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SDP_PARSE_ERROR")
}

func TestDialFailure(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1/nowhere", 0, zap.NewNop())
	_, err := client.CreatePipeline(context.Background(), uuid.New())
	require.Error(t, err)

	// The dial error is sticky across calls.
	_, err2 := client.CreatePipeline(context.Background(), uuid.New())
	assert.Equal(t, err.Error(), err2.Error())
}
