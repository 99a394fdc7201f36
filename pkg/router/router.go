// Package router defines the narrow contract a publish/subscribe binding
// needs from a WAMP router connection: a session for publishing, subscribing
// and calling, plus edge-triggered notices about the connection coming up or
// going down. Implementations live elsewhere; consumers depend only on this
// surface so tests can drive the binding with a scripted session.
package router

import "context"

// PublishOptions control a single publication.
type PublishOptions struct {
	// Acknowledge requests a router acknowledgment; Publish then blocks
	// until the router confirms or fails the publication.
	Acknowledge bool

	// Retain asks the router to keep the event for late subscribers.
	Retain bool

	// ExcludeSelf suppresses delivery back to the publishing session.
	ExcludeSelf bool
}

// SubscribeOptions control how the topic of a subscription is matched.
type SubscribeOptions struct {
	// Match is one of "exact" (assumed when empty), "prefix" or
	// "wildcard".
	Match string
}

// Handle identifies a confirmed subscription within its session.
type Handle uint64

// Event is a publication delivered to a matching subscription. Topic is the
// concrete topic the event was published under, which for pattern
// subscriptions differs from the subscribed pattern.
type Event struct {
	Subscription Handle
	Topic        string
	Args         []any
	Kwargs       map[string]any
}

// EventHandler receives inbound events. Handlers run on the session's read
// loop and must not block.
type EventHandler func(ev Event)

// Session is an established WAMP session. All methods are safe for
// concurrent use; each returns once the router confirms the interaction or
// the context ends.
type Session interface {
	// ID returns the router-assigned session identifier.
	ID() uint64

	Publish(ctx context.Context, topic string, args []any, kwargs map[string]any, opts PublishOptions) error
	Subscribe(ctx context.Context, topic string, opts SubscribeOptions, h EventHandler) (Handle, error)
	Unsubscribe(ctx context.Context, h Handle) (bool, error)

	// Call invokes a router procedure, discarding any result payload.
	Call(ctx context.Context, procedure string, args []any, kwargs map[string]any) error
}

// Reason classifies why a connection went down.
type Reason string

const (
	// ReasonClosed is an intentional local close. Session state held by
	// the router is gone for good.
	ReasonClosed Reason = "closed"

	// ReasonLost is an established session dropping unexpectedly.
	ReasonLost Reason = "lost"

	// ReasonUnreachable means no session could be established.
	ReasonUnreachable Reason = "unreachable"
)

// Notice reports a connection state edge. Exactly one of the two shapes is
// sent: Session set when a session became available, or Reason set when the
// connection went down. Notices are edge-triggered; repeated failed attempts
// while already down produce no additional notices.
type Notice struct {
	Session  Session
	Reason   Reason
	Err      error
	Retrying bool
}

// Up reports whether the notice announces an established session.
func (n Notice) Up() bool {
	return n.Session != nil
}

// Connection manages sessions against one router endpoint, reconnecting
// according to its own policy and reporting edges on Notices.
type Connection interface {
	// Open starts connecting in the background. It returns immediately;
	// the outcome arrives as a Notice.
	Open(ctx context.Context) error

	// Close leaves the active session, stops any reconnection attempts
	// and emits a final ReasonClosed notice.
	Close(ctx context.Context) error

	// Notices returns the channel of connection edges. The channel is
	// closed after the final notice following Close.
	Notices() <-chan Notice
}
