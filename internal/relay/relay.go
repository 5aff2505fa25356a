// Package relay implements the paired signaling pipe used to carry SDP and
// ICE messages between a transport-facing endpoint and a media-facing
// endpoint during one negotiation. Neither side knows the other's identity;
// the creator of the pair owns both endpoints for their shared lifetime.
package relay

import (
	"sync"

	"github.com/pion/webrtc/v3"
)

// mailbox delivers values of one kind in post order, exactly once. Values
// posted before a listener registers are buffered and flushed on
// registration. Delivery happens outside the lock so a listener may post
// back into the pair without deadlocking.
type mailbox[T any] struct {
	mu       sync.Mutex
	buf      []T
	listener func(T)
	draining bool
}

func (m *mailbox[T]) post(v T) {
	m.mu.Lock()
	m.buf = append(m.buf, v)
	if m.listener == nil || m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	m.mu.Unlock()
	m.drain()
}

func (m *mailbox[T]) subscribe(fn func(T)) {
	m.mu.Lock()
	m.listener = fn
	if m.draining || len(m.buf) == 0 {
		m.mu.Unlock()
		return
	}
	m.draining = true
	m.mu.Unlock()
	m.drain()
}

func (m *mailbox[T]) drain() {
	for {
		m.mu.Lock()
		if m.listener == nil || len(m.buf) == 0 {
			m.draining = false
			m.mu.Unlock()
			return
		}
		v := m.buf[0]
		m.buf = m.buf[1:]
		fn := m.listener
		m.mu.Unlock()
		fn(v)
	}
}

// half holds the three inbound mailboxes of one endpoint.
type half struct {
	offers     mailbox[string]
	answers    mailbox[string]
	candidates mailbox[webrtc.ICECandidateInit]
}

// Endpoint is one side of a signal channel. Writes surface as reads on the
// paired endpoint and vice versa.
type Endpoint struct {
	in  *half // where our listeners live
	out *half // the peer's inbound mailboxes
}

// NewPair creates two linked endpoints. Each pair serves a single
// negotiation and is dropped as a unit when the negotiation ends.
func NewPair() (*Endpoint, *Endpoint) {
	a, b := &half{}, &half{}
	return &Endpoint{in: a, out: b}, &Endpoint{in: b, out: a}
}

// SendOffer delivers an SDP offer to the paired endpoint.
func (e *Endpoint) SendOffer(sdp string) { e.out.offers.post(sdp) }

// SendAnswer delivers an SDP answer to the paired endpoint.
func (e *Endpoint) SendAnswer(sdp string) { e.out.answers.post(sdp) }

// SendIceCandidate delivers an ICE candidate to the paired endpoint.
// Candidates may be sent in any number, before or after the answer; they are
// neither dropped nor reordered.
func (e *Endpoint) SendIceCandidate(c webrtc.ICECandidateInit) { e.out.candidates.post(c) }

// OnOffer registers the offer listener; buffered offers flush immediately.
func (e *Endpoint) OnOffer(fn func(sdp string)) { e.in.offers.subscribe(fn) }

// OnAnswer registers the answer listener; buffered answers flush immediately.
func (e *Endpoint) OnAnswer(fn func(sdp string)) { e.in.answers.subscribe(fn) }

// OnCandidate registers the candidate listener; buffered candidates flush
// immediately in send order.
func (e *Endpoint) OnCandidate(fn func(c webrtc.ICECandidateInit)) { e.in.candidates.subscribe(fn) }
