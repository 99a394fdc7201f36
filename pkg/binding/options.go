package binding

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"coatywamp/pkg/event"
	"coatywamp/pkg/router"
)

// State is the connection state of the binding. Every state change is
// reported through Options.OnState exactly once.
type State string

const (
	StateOffline    State = "offline"
	StateConnecting State = "connecting"
	StateOnline     State = "online"
)

// Options configure a Binding. RouterURL is required unless a custom Dialer
// is set; everything else has working defaults.
type Options struct {
	// RouterURL is the router websocket endpoint for the default dialer.
	RouterURL string

	// Realm to join on the router. Defaults to "coaty".
	Realm string

	// Agent is the client name announced to the router.
	Agent string

	// Identity stamps outbound events that carry no source id. A fresh
	// id is generated when zero.
	Identity uuid.UUID

	// Namespace qualifies publications and namespaced subscriptions.
	// Defaults to "-".
	Namespace string

	// CrossNamespace widens structured subscriptions to all namespaces.
	CrossNamespace bool

	// ExcludeSelf suppresses delivery of own publications back to this
	// binding. Off by default: agents observe their own events.
	ExcludeSelf bool

	// BacklogPath enables the sqlite journal for queued publications.
	// Empty keeps the queue purely in memory.
	BacklogPath string

	// AckTimeout bounds acknowledged publications, subscription setup
	// and testament calls. Defaults to 10s.
	AckTimeout time.Duration

	// Reconnect tuning for the default dialer.
	ConnectTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int

	// Dialer overrides how the router connection is created, mainly so
	// tests can script one. Nil selects the WAMP connector.
	Dialer func() (router.Connection, error)

	// OnEvent receives every inbound event. It runs on the session read
	// loop and must not block.
	OnEvent func(in event.Inbound)

	// OnState receives state transitions, one call per change.
	OnState func(s State)

	Logger zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.Realm == "" {
		o.Realm = "coaty"
	}
	if o.Agent == "" {
		o.Agent = "coatywamp"
	}
	if o.Identity == uuid.Nil {
		o.Identity = uuid.New()
	}
	if o.Namespace == "" {
		o.Namespace = "-"
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 10 * time.Second
	}
	return o
}

// JoinOptions describe one join: the initial desired subscriptions, the
// events announced right after every successful connect, and the event the
// router publishes on the agent's behalf when the session dies.
type JoinOptions struct {
	Subscriptions []event.Pattern
	JoinEvents    []event.Event
	UnjoinEvent   *event.Event
}

// Stats is a point-in-time snapshot of binding activity.
type Stats struct {
	State          State  `json:"state"`
	SessionID      uint64 `json:"session_id"`
	Queued         int    `json:"queued"`
	QueueDeferred  bool   `json:"queue_deferred"`
	Subscriptions  int    `json:"subscriptions"`
	Published      uint64 `json:"published"`
	Dispatched     uint64 `json:"dispatched"`
	Reconnects     uint64 `json:"reconnects"`
	ContractErrors uint64 `json:"contract_errors"`
}
