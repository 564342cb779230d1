package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticKeys struct {
	keys []string
}

func (s staticKeys) ServicePubkeys() []string { return s.keys }
func (s staticKeys) Changes() <-chan struct{} { return nil }

func newRequestEvent(id, from, to string) Event {
	return Event{
		ID:         id,
		Kind:       KindWalletRequest,
		PubkeyFrom: from,
		Tags:       []Tag{{"p", to}},
		Content:    "irrelevant to routing",
	}
}

// TestRouterPreservesPerKeyOrderAcrossSlowHandlers verifies that a slow
// handler for one sub-wallet never reorders or blocks another's queue, and
// that each sub-wallet still observes its own events strictly in arrival
// order (P5).
func TestRouterPreservesPerKeyOrderAcrossSlowHandlers(t *testing.T) {
	transport := NewMemoryTransport()
	keys := staticKeys{keys: []string{"pubkeyA", "pubkeyB"}}

	var mu sync.Mutex
	seen := map[string][]string{}
	release := make(chan struct{})

	handle := func(ctx context.Context, servicePubkey string, e Event) {
		if servicePubkey == "pubkeyB" && e.ID == "b1" {
			<-release // hold B's queue open while A keeps progressing
		}
		mu.Lock()
		seen[servicePubkey] = append(seen[servicePubkey], e.ID)
		mu.Unlock()
	}

	router := New(transport, keys, handle, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go router.Run(ctx)

	time.Sleep(20 * time.Millisecond) // let Run subscribe

	require.NoError(t, transport.Publish(ctx, newRequestEvent("b1", "clientB", "pubkeyB")))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, transport.Publish(ctx, newRequestEvent("a1", "clientA", "pubkeyA")))
	require.NoError(t, transport.Publish(ctx, newRequestEvent("a2", "clientA", "pubkeyA")))
	require.NoError(t, transport.Publish(ctx, newRequestEvent("a3", "clientA", "pubkeyA")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen["pubkeyA"]) == 3
	}, time.Second, 5*time.Millisecond, "A's queue must drain independently of B's stall")

	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen["pubkeyB"]) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a1", "a2", "a3"}, seen["pubkeyA"])
	assert.Equal(t, []string{"b1"}, seen["pubkeyB"])
}

func TestRouterDropsEventsForUnknownRecipient(t *testing.T) {
	transport := NewMemoryTransport()
	keys := staticKeys{keys: []string{"pubkeyA"}}

	var calls int
	var mu sync.Mutex
	handle := func(ctx context.Context, servicePubkey string, e Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	}

	router := New(transport, keys, handle, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go router.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, transport.Publish(ctx, newRequestEvent("x1", "client", "unknown-pubkey")))
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, calls)
}

// TestRouterAppliesBackpressureInsteadOfDropping verifies that once a
// sub-wallet's queue fills, dispatch blocks for room rather than
// discarding the event (§4.4/§5 "bounded with backpressure").
func TestRouterAppliesBackpressureInsteadOfDropping(t *testing.T) {
	transport := NewMemoryTransport()
	keys := staticKeys{keys: []string{"pubkeyA"}}

	release := make(chan struct{})
	var mu sync.Mutex
	var seen []string
	handle := func(ctx context.Context, servicePubkey string, e Event) {
		if e.ID == "a1" {
			<-release
		}
		mu.Lock()
		seen = append(seen, e.ID)
		mu.Unlock()
	}

	router := New(transport, keys, handle, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go router.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, transport.Publish(ctx, newRequestEvent("a1", "client", "pubkeyA")))
	for i := 0; i < 64; i++ {
		require.NoError(t, transport.Publish(ctx, newRequestEvent("filler", "client", "pubkeyA")))
	}

	// With a1 held by the handler and 64 fillers queued, the queue (cap 64)
	// is now full: the next event must wait in dispatch rather than vanish.
	// Publish itself returns once a2 is in the subscription's own buffer
	// (cap 256); the wait happens between that buffer and the queue.
	require.NoError(t, transport.Publish(ctx, newRequestEvent("a2", "client", "pubkeyA")))

	require.Eventually(t, func() bool {
		return router.QueueBackpressureEvents() > 0
	}, time.Second, 5*time.Millisecond, "dispatch should have blocked behind the full queue")

	mu.Lock()
	assert.NotContains(t, seen, "a2", "a2 must not be handled while a1 is held")
	mu.Unlock()

	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 66 && seen[len(seen)-1] == "a2"
	}, time.Second, 5*time.Millisecond, "a2 must eventually be delivered, not dropped")

	assert.Greater(t, router.QueueBackpressureEvents(), int64(0))
}
