package relay

import (
	"context"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// Handler processes one inbound request event addressed to servicePubkey.
// It never returns an error: handler-level failures are surfaced to the
// client as protocol responses, and infrastructure failures are logged
// and dropped (§4.5); the router has nothing left to do with an error.
type Handler func(ctx context.Context, servicePubkey string, e Event)

// KeySource supplies the current set of addressable service public keys
// and a channel that fires whenever that set changes, per the Sub-Wallet
// Registry's reactive-value contract (§4.3).
type KeySource interface {
	ServicePubkeys() []string
	Changes() <-chan struct{}
}

// Router is the Request Router (C4): a single subscription demultiplexed
// into one serial queue per service_pubkey, with a process-wide cap on
// in-flight handlers (§4.4, §5, supplemented "in-flight cap" feature).
type Router struct {
	transport   Transport
	keys        KeySource
	handle      Handler
	maxInFlight int
	sem         chan struct{}

	mu     sync.Mutex
	queues map[string]chan Event

	// backpressureEvents counts dispatch() calls that found a full queue and had
	// to block for room, surfacing the backpressure §4.4/§5 permit instead
	// of silently discarding an event.
	backpressureEvents atomic.Int64
}

// QueueBackpressureEvents reports how many dispatched events have found
// their sub-wallet's queue full and had to wait for room.
func (r *Router) QueueBackpressureEvents() int64 {
	return r.backpressureEvents.Load()
}

// New builds a Router. maxInFlight <= 0 disables the cap.
func New(transport Transport, keys KeySource, handle Handler, maxInFlight int) *Router {
	r := &Router{
		transport:   transport,
		keys:        keys,
		handle:      handle,
		maxInFlight: maxInFlight,
		queues:      make(map[string]chan Event),
	}
	if maxInFlight > 0 {
		r.sem = make(chan struct{}, maxInFlight)
	}
	return r
}

// Run subscribes and demultiplexes events until ctx is cancelled. On every
// key-set change it opens a new subscription scoped to the new filter and
// lets the old one drain to completion before swapping over (§5,
// "subscription refresh ... drained, not discarded").
func (r *Router) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		subCtx, cancel := context.WithCancel(ctx)
		filter := Filter{Kinds: []Kind{KindWalletRequest}, PTags: r.keys.ServicePubkeys()}
		events, err := r.transport.Subscribe(subCtx, filter)
		if err != nil {
			log.Errorf("router: subscribe failed: %v", err)
			cancel()
			select {
			case <-ctx.Done():
				return
			case <-r.keys.Changes():
			}
			continue
		}

		drained := r.drain(ctx, events)

		select {
		case <-ctx.Done():
			cancel()
			<-drained
			return
		case <-r.keys.Changes():
			cancel()
			<-drained // old subscription's in-flight events finish dispatching first.
		}
	}
}

func (r *Router) drain(ctx context.Context, events <-chan Event) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range events {
			r.dispatch(ctx, e)
		}
	}()
	return done
}

// dispatch extracts the addressed service_pubkey and enqueues the event on
// that key's serial worker, creating the worker lazily (§4.4 step 1-2).
func (r *Router) dispatch(ctx context.Context, e Event) {
	key, ok := e.RecipientPubkey()
	if !ok {
		log.Warnf("router: event %s has no addressed recipient, dropping", e.ID)
		return
	}
	known := false
	for _, k := range r.keys.ServicePubkeys() {
		if k == key {
			known = true
			break
		}
	}
	if !known {
		log.Warnf("router: event %s addressed to unknown sub-wallet %s, dropping", e.ID, key)
		return
	}

	r.mu.Lock()
	q, exists := r.queues[key]
	if !exists {
		q = make(chan Event, 64)
		r.queues[key] = q
		go r.worker(key, q)
	}
	r.mu.Unlock()

	select {
	case q <- e:
	case <-ctx.Done():
	default:
		r.backpressureEvents.Add(1)
		log.Warnf("router: queue for %s is full, applying backpressure to event %s", key, e.ID)
		select {
		case q <- e:
		case <-ctx.Done():
		}
	}
}

// worker drains one sub-wallet's queue strictly serially, giving every
// client a linearizable view of its own wallet (§4.4 rationale, P5).
func (r *Router) worker(key string, q chan Event) {
	for e := range q {
		if r.sem != nil {
			r.sem <- struct{}{}
		}
		r.invoke(key, e)
		if r.sem != nil {
			<-r.sem
		}
	}
}

func (r *Router) invoke(key string, e Event) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("router: handler panic for %s: %v", key, rec)
		}
	}()
	r.handle(context.Background(), key, e)
}
