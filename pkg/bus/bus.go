// Package bus defines the capability-level contract the topic engine
// requires from an ephemeral, best-effort pub/sub fabric, and a
// NATS-backed implementation of it.
package bus

import "context"

// LifecycleKind enumerates the connection lifecycle events a Bus
// subscription session surfaces. The consumer treats FirstReady and
// Reconnected as implicit wake tokens, since a lost token must never
// lose a message (spec.md §4.2).
type LifecycleKind int

const (
	// FirstReady fires once, after the initial subscription succeeds.
	FirstReady LifecycleKind = iota
	// Reconnecting fires on each reconnect attempt while disconnected.
	Reconnecting
	// Reconnected fires once the connection is re-established.
	Reconnected
)

// Lifecycle carries the fields relevant to each LifecycleKind. Attempt
// and ElapsedSecs are populated for Reconnecting; DowntimeSecs is populated
// for Reconnected.
type Lifecycle struct {
	Kind         LifecycleKind
	Attempt      int
	ElapsedSecs  float64
	DowntimeSecs float64
}

// Bus is the contract the engine requires from the signal fabric. It is
// advisory only: losing a publish or a token must never lose a message,
// only add latency.
type Bus interface {
	// Publish is best-effort fire-and-forget. A nil error does not
	// guarantee delivery; a non-nil error guarantees non-delivery for
	// that call.
	Publish(ctx context.Context, channel string, token []byte) error

	// Subscribe opens a long-lived session on channel. onToken fires
	// for each received token; onLifecycle fires for connection
	// lifecycle events. The returned cancel function tears the session
	// down without waiting for in-flight deliveries.
	Subscribe(ctx context.Context, channel string, onToken func([]byte), onLifecycle func(Lifecycle)) (cancel func(), err error)

	// Close releases resources held by the bus.
	Close()
}

// WakeToken is the literal JSON payload the engine publishes on every
// append, for interoperability with non-Go consumers. Receivers never
// need to parse it — any token triggers a poll (spec.md §6).
var WakeToken = []byte(`{"newMessage":true}`)
