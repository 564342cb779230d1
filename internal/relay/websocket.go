package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// frame is the wire envelope exchanged with a relay endpoint: a tagged
// union over the handful of message shapes the transport needs.
type frame struct {
	Type  string   `json:"type"`
	SubID string   `json:"sub_id,omitempty"`
	Kinds []Kind   `json:"kinds,omitempty"`
	PTags []string `json:"p_tags,omitempty"`
	Event *Event   `json:"event,omitempty"`
}

// WebsocketTransport is the production Transport: one persistent
// connection to the first reachable relay URL in a configured list. After a
// read error it makes one reconnection attempt a second later; if that
// fails, the next Subscribe or Publish dials again. Subscriptions opened
// before the drop are not re-sent to the relay on the new connection.
type WebsocketTransport struct {
	urls   []string
	dialer *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	nextID int
	subs   map[string]chan Event

	backpressureEvents atomic.Int64
}

// BackpressureEvents reports how many fan-out sends found a subscriber's
// channel full and had to wait for room instead of delivering immediately.
func (t *WebsocketTransport) BackpressureEvents() int64 {
	return t.backpressureEvents.Load()
}

// NewWebsocketTransport returns a transport that dials urls in order,
// falling over to the next on failure.
func NewWebsocketTransport(urls []string) *WebsocketTransport {
	return &WebsocketTransport{
		urls:   urls,
		dialer: websocket.DefaultDialer,
		subs:   make(map[string]chan Event),
	}
}

func (t *WebsocketTransport) connect(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error
	for _, u := range t.urls {
		conn, _, err := t.dialer.DialContext(ctx, u, nil)
		if err == nil {
			log.Infof("relay: connected to %s", u)
			return conn, nil
		}
		lastErr = err
		log.Warnf("relay: dial %s failed: %v", u, err)
	}
	return nil, fmt.Errorf("relay: all %d relay(s) unreachable: %w", len(t.urls), lastErr)
}

func (t *WebsocketTransport) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return t.conn, nil
	}
	conn, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}
	t.conn = conn
	go t.readLoop(ctx, conn)
	return conn, nil
}

// readLoop owns the single connection's read side for its lifetime,
// fanning out every incoming event to every open subscription (neither the
// frame's sub_id nor the subscriptions' filters are consulted), and
// calling reconnect on a read error.
func (t *WebsocketTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			log.Warnf("relay: read error: %v", err)
			t.reconnect(ctx)
			return
		}
		if f.Type != "event" || f.Event == nil {
			continue
		}

		t.mu.Lock()
		subs := make([]chan Event, 0, len(t.subs))
		for _, ch := range t.subs {
			subs = append(subs, ch)
		}
		t.mu.Unlock()

		for _, ch := range subs {
			select {
			case ch <- *f.Event:
			case <-ctx.Done():
			default:
				t.backpressureEvents.Add(1)
				log.Warnf("relay: subscriber channel full, applying backpressure to event %s", f.Event.ID)
				select {
				case ch <- *f.Event:
				case <-ctx.Done():
				}
			}
		}
	}
}

func (t *WebsocketTransport) reconnect(ctx context.Context) {
	t.mu.Lock()
	t.conn = nil
	t.mu.Unlock()

	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Second):
	}

	if _, err := t.ensureConn(ctx); err != nil {
		log.Errorf("relay: reconnect failed: %v", err)
	}
}

func (t *WebsocketTransport) Subscribe(ctx context.Context, filter Filter) (<-chan Event, error) {
	conn, err := t.ensureConn(ctx)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.nextID++
	subID := fmt.Sprintf("sub-%d", t.nextID)
	ch := make(chan Event, 256)
	t.subs[subID] = ch
	t.mu.Unlock()

	req := frame{Type: "subscribe", SubID: subID, Kinds: filter.Kinds, PTags: filter.PTags}
	if err := conn.WriteJSON(req); err != nil {
		t.mu.Lock()
		delete(t.subs, subID)
		t.mu.Unlock()
		return nil, fmt.Errorf("relay: subscribe: %w", err)
	}

	go func() {
		<-ctx.Done()
		t.mu.Lock()
		delete(t.subs, subID)
		t.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

func (t *WebsocketTransport) Publish(ctx context.Context, e Event) error {
	conn, err := t.ensureConn(ctx)
	if err != nil {
		return err
	}
	req := frame{Type: "event", Event: &e}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("relay: publish: %w", err)
	}
	return nil
}
