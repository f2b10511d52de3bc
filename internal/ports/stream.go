package ports

import (
	"context"
	"encoding/json"
)

// Subscription is a durable (method, argument) pair on a hub, e.g.
// quotes for a contract or the account's order stream. The live set of
// subscriptions is the durable intent and is replayed in full after
// every reconnect.
type Subscription struct {
	Target   string // hub method to invoke, e.g. "SubscribeContractQuotes"
	Untarget string // matching unsubscribe method
	Argument any    // contract id or account id
}

// Key identifies the subscription inside the durable set.
func (s Subscription) Key() string {
	arg, _ := json.Marshal(s.Argument)
	return s.Target + ":" + string(arg)
}

// EventHandler receives the raw argument array of a server push
// invocation. Handlers registered for the same target run in
// registration order.
type EventHandler func(arguments []json.RawMessage)

// Stream is the persistent hub connection boundary. Connection churn is
// hidden: network errors are retried with backoff internally and never
// surfaced, so callers must assume data loss across a reconnect and
// re-fetch authoritative state when notified instead of trusting
// continuity.
type Stream interface {
	// Connect dials and performs the handshake. It fails only after an
	// immediate-retry budget is exhausted; afterwards the reconnect
	// loop owns the connection until Stop.
	Connect(ctx context.Context) error

	// Stop tears the connection down and halts reconnection.
	Stop()

	// Subscribe adds to the durable set and invokes immediately when
	// connected; otherwise the invocation is replayed on the next
	// successful connect.
	Subscribe(ctx context.Context, sub Subscription) error

	// Unsubscribe removes from the durable set.
	Unsubscribe(ctx context.Context, sub Subscription) error

	// OnEvent registers a handler for a server push target.
	OnEvent(target string, handler EventHandler)

	// OnReady registers a callback fired after every successful
	// (re)connect, once the full subscription set has been replayed.
	OnReady(fn func(reconnect bool))
}
