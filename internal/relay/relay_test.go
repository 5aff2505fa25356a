package relay

import (
	"fmt"
	"sync"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidate(i int) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%d", i)}
}

func TestPairCrossDelivery(t *testing.T) {
	a, b := NewPair()

	var gotOffer, gotAnswer string
	b.OnOffer(func(sdp string) { gotOffer = sdp })
	a.OnAnswer(func(sdp string) { gotAnswer = sdp })

	a.SendOffer("offer-sdp")
	require.Equal(t, "offer-sdp", gotOffer)

	b.SendAnswer("answer-sdp")
	require.Equal(t, "answer-sdp", gotAnswer)
}

func TestCandidatesBufferUntilListener(t *testing.T) {
	a, b := NewPair()

	for i := 0; i < 5; i++ {
		a.SendIceCandidate(candidate(i))
	}

	var got []string
	b.OnCandidate(func(c webrtc.ICECandidateInit) { got = append(got, c.Candidate) })

	require.Len(t, got, 5)
	for i, c := range got {
		assert.Equal(t, fmt.Sprintf("candidate:%d", i), c)
	}

	// Late sends reach the registered listener directly.
	a.SendIceCandidate(candidate(5))
	require.Len(t, got, 6)
	assert.Equal(t, "candidate:5", got[5])
}

func TestDeliveryExactlyOnce(t *testing.T) {
	a, b := NewPair()

	var n int
	b.OnOffer(func(string) { n++ })
	a.SendOffer("sdp")
	require.Equal(t, 1, n)

	// Re-subscribing must not replay already delivered values.
	b.OnOffer(func(string) { n += 100 })
	require.Equal(t, 1, n)
}

func TestListenerMayPostBack(t *testing.T) {
	// An offer listener answering through the same pair must not deadlock.
	a, b := NewPair()

	var gotAnswer string
	a.OnAnswer(func(sdp string) { gotAnswer = sdp })
	b.OnOffer(func(sdp string) { b.SendAnswer("re:" + sdp) })

	a.SendOffer("offer")
	require.Equal(t, "re:offer", gotAnswer)
}

func TestKindsDoNotInterleave(t *testing.T) {
	a, b := NewPair()

	var offers, answers []string
	b.OnOffer(func(sdp string) { offers = append(offers, sdp) })
	a.OnAnswer(func(sdp string) { answers = append(answers, sdp) })

	a.SendOffer("o1")
	b.SendAnswer("a1")
	a.SendOffer("o2")

	assert.Equal(t, []string{"o1", "o2"}, offers)
	assert.Equal(t, []string{"a1"}, answers)
}

func TestConcurrentCandidatesAllDelivered(t *testing.T) {
	a, b := NewPair()

	var mu sync.Mutex
	seen := make(map[string]int)
	b.OnCandidate(func(c webrtc.ICECandidateInit) {
		mu.Lock()
		seen[c.Candidate]++
		mu.Unlock()
	})

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a.SendIceCandidate(candidate(i))
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, n)
	for c, count := range seen {
		assert.Equal(t, 1, count, "candidate %s delivered %d times", c, count)
	}
}
