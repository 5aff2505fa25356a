// Package media abstracts the external media-negotiation server. The
// coordinator only ever sees the Negotiator capability; the concrete client
// speaks JSON-RPC over one shared WebSocket connection.
package media

import (
	"context"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

// Negotiator creates per-room media pipelines on the external media server.
type Negotiator interface {
	CreatePipeline(ctx context.Context, roomID uuid.UUID) (Pipeline, error)
}

// Pipeline is the shared per-room media-processing resource that publisher
// and viewer endpoints attach to.
type Pipeline interface {
	// CreateEndpoint creates a WebRTC endpoint in this pipeline, named for
	// the owning user.
	CreateEndpoint(ctx context.Context, name string) (Endpoint, error)
	Release(ctx context.Context) error
}

// Endpoint is a single publish or view endpoint on the media server.
type Endpoint interface {
	// ProcessOffer submits the client's SDP offer and returns the server's
	// SDP answer, starting ICE gathering.
	ProcessOffer(ctx context.Context, offer string) (answer string, err error)
	AddIceCandidate(ctx context.Context, c webrtc.ICECandidateInit) error
	// OnIceCandidate registers the listener for server-gathered candidates.
	OnIceCandidate(fn func(c webrtc.ICECandidateInit))
	// Connect routes this endpoint's media into sink (publisher -> viewer).
	Connect(ctx context.Context, sink Endpoint) error
	Release(ctx context.Context) error
}
