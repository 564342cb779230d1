package relay

import "context"

// Transport is the narrow interface the core requires of the underlying
// relay transport (§1, §6): a subscription that yields Events matching a
// Filter until ctx is cancelled, and a way to publish one Event. The
// implementation owns reconnection, backoff, and wire-format concerns; the
// core never sees them.
type Transport interface {
	// Subscribe opens a subscription and returns a channel of matching
	// events. The channel is closed when ctx is cancelled or the
	// subscription is permanently lost.
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, error)

	// Publish sends one event (a response or notification) to the
	// transport.
	Publish(ctx context.Context, e Event) error
}

// Publisher is the narrow slice of Transport the endpoint and correlator
// need to send responses and notifications, without being able to
// subscribe themselves.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}
