package relay

import (
	"context"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// MemoryTransport is an in-process Transport, structured after the
// reference event bus (map of subscriber channels guarded by a mutex,
// fan-out that waits for room when a subscriber's channel is full): every Publish is matched against every live
// subscription's Filter and delivered to the ones that match. It backs
// the router's tests and can stand in for a real relay in single-process
// deployments.
type MemoryTransport struct {
	mu   sync.RWMutex
	subs map[int]*memorySub
	next int

	backpressureEvents atomic.Int64
}

// BackpressureEvents reports how many Publish calls found a subscriber's
// channel full and had to wait for room instead of delivering immediately.
func (m *MemoryTransport) BackpressureEvents() int64 {
	return m.backpressureEvents.Load()
}

type memorySub struct {
	filter Filter
	ch     chan Event
}

// NewMemoryTransport returns an empty transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{subs: make(map[int]*memorySub)}
}

func (m *MemoryTransport) Subscribe(ctx context.Context, filter Filter) (<-chan Event, error) {
	m.mu.Lock()
	id := m.next
	m.next++
	sub := &memorySub{filter: filter, ch: make(chan Event, 256)}
	m.subs[id] = sub
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
		close(sub.ch)
	}()

	return sub.ch, nil
}

func (m *MemoryTransport) Publish(ctx context.Context, e Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subs {
		if !matches(sub.filter, e) {
			continue
		}
		select {
		case sub.ch <- e:
		case <-ctx.Done():
		default:
			m.backpressureEvents.Add(1)
			log.Warnf("relay: subscriber channel full, applying backpressure to event %s", e.ID)
			select {
			case sub.ch <- e:
			case <-ctx.Done():
			}
		}
	}
	return nil
}

func matches(f Filter, e Event) bool {
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == e.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.PTags) > 0 {
		recipient, ok := e.RecipientPubkey()
		if !ok {
			return false
		}
		found := false
		for _, p := range f.PTags {
			if p == recipient {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
