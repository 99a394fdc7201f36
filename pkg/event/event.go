// Package event defines the typed communication events exchanged through a
// Coaty-style publish/subscribe binding: one-way announcements, two-way
// request/response pairs, and raw pass-through messages.
package event

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type Kind string

const (
	// KindRaw is an untyped pass-through message published on a verbatim
	// topic string, bypassing the structured topic codec.
	KindRaw Kind = "Raw"

	// One-way kinds.
	KindAdvertise   Kind = "Advertise"
	KindDeadvertise Kind = "Deadvertise"
	KindChannel     Kind = "Channel"
	KindAssociate   Kind = "Associate"
	KindIoValue     Kind = "IoValue"

	// Two-way request kinds and their paired response kinds.
	KindDiscover Kind = "Discover"
	KindResolve  Kind = "Resolve"
	KindQuery    Kind = "Query"
	KindRetrieve Kind = "Retrieve"
	KindUpdate   Kind = "Update"
	KindComplete Kind = "Complete"
	KindCall     Kind = "Call"
	KindReturn   Kind = "Return"
)

// responseOf pairs each two-way request kind with its response kind.
var responseOf = map[Kind]Kind{
	KindDiscover: KindResolve,
	KindQuery:    KindRetrieve,
	KindUpdate:   KindComplete,
	KindCall:     KindReturn,
}

var requestOf = func() map[Kind]Kind {
	m := make(map[Kind]Kind, len(responseOf))
	for req, res := range responseOf {
		m[res] = req
	}
	return m
}()

// Structured reports whether the kind participates in the structured topic
// codec. Raw events are addressed by verbatim topic instead.
func (k Kind) Structured() bool {
	switch k {
	case KindAdvertise, KindDeadvertise, KindChannel, KindAssociate, KindIoValue,
		KindDiscover, KindResolve, KindQuery, KindRetrieve,
		KindUpdate, KindComplete, KindCall, KindReturn:
		return true
	}
	return false
}

// TwoWay reports whether the kind belongs to a request/response pair.
func (k Kind) TwoWay() bool {
	_, req := responseOf[k]
	_, res := requestOf[k]
	return req || res
}

// Response reports whether the kind is the response side of a two-way pair.
func (k Kind) Response() bool {
	_, ok := requestOf[k]
	return ok
}

// ResponseKind returns the response kind paired with a request kind.
func (k Kind) ResponseKind() (Kind, bool) {
	res, ok := responseOf[k]
	return res, ok
}

// RequiresFilter reports whether publications of this kind must carry an
// event filter (the channel identifier, operation name, object type, ...).
func (k Kind) RequiresFilter() bool {
	switch k {
	case KindAdvertise, KindUpdate, KindChannel, KindCall, KindAssociate:
		return true
	}
	return false
}

// AllowsFilter reports whether the kind may carry an event filter at all.
// Response kinds are addressed purely by correlation and never carry one.
func (k Kind) AllowsFilter() bool {
	return k.Structured() && !k.Response()
}

// Match selects how a raw subscription topic is matched by the router.
// Structured subscriptions always use wildcard matching.
type Match string

const (
	MatchExact    Match = "exact"
	MatchPrefix   Match = "prefix"
	MatchWildcard Match = "wildcard"
)

// Payload is the tagged payload union. Raw and IoValue events carry opaque
// bytes in Data as a single positional argument; every other kind carries a
// keyed object in Fields. Exactly one side is set on a valid event.
type Payload struct {
	Data   []byte
	Fields map[string]any
}

// Keyed reports whether the payload uses keyed (object) framing.
func (p Payload) Keyed() bool {
	return p.Fields != nil
}

// Empty reports whether neither payload side is set.
func (p Payload) Empty() bool {
	return p.Data == nil && p.Fields == nil
}

var (
	ErrInvalidKind       = errors.New("event: invalid event kind")
	ErrMissingFilter     = errors.New("event: event kind requires a filter")
	ErrUnexpectedFilter  = errors.New("event: event kind does not take a filter")
	ErrMissingCorrelated = errors.New("event: two-way event requires a correlation id")
	ErrCorrelatedOneWay  = errors.New("event: one-way event must not carry a correlation id")
	ErrMissingTopic      = errors.New("event: raw event requires a topic")
	ErrPayloadFraming    = errors.New("event: payload framing does not match event kind")
)

// Event is a single outbound or inbound communication event.
//
// SourceID identifies the publishing agent; the binding stamps its own
// identity when left as uuid.Nil. CorrelationID pairs a two-way request with
// its response and must be zero on one-way kinds. Namespace is filled from
// the binding options when empty. Topic is only meaningful for Raw events.
type Event struct {
	Kind          Kind
	Filter        string
	Namespace     string
	SourceID      uuid.UUID
	CorrelationID uuid.UUID
	Topic         string
	Payload       Payload
}

// Validate checks the construction contract for an outbound event. It does
// not require SourceID or Namespace, which the binding fills in on publish.
func (e Event) Validate() error {
	if e.Kind == KindRaw {
		if e.Topic == "" {
			return ErrMissingTopic
		}
		if e.Payload.Keyed() {
			return fmt.Errorf("%w: raw events carry opaque bytes", ErrPayloadFraming)
		}
		return nil
	}
	if !e.Kind.Structured() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, e.Kind)
	}
	if e.Filter == "" && e.Kind.RequiresFilter() {
		return fmt.Errorf("%w: %s", ErrMissingFilter, e.Kind)
	}
	if e.Filter != "" && !e.Kind.AllowsFilter() {
		return fmt.Errorf("%w: %s", ErrUnexpectedFilter, e.Kind)
	}
	if e.Kind.TwoWay() {
		if e.CorrelationID == uuid.Nil {
			return fmt.Errorf("%w: %s", ErrMissingCorrelated, e.Kind)
		}
	} else if e.CorrelationID != uuid.Nil {
		return fmt.Errorf("%w: %s", ErrCorrelatedOneWay, e.Kind)
	}
	wantKeyed := e.Kind != KindIoValue
	if e.Payload.Keyed() != wantKeyed && !e.Payload.Empty() {
		return fmt.Errorf("%w: %s", ErrPayloadFraming, e.Kind)
	}
	return nil
}

// New creates a one-way event with a keyed payload.
func New(kind Kind, filter string, fields map[string]any) Event {
	return Event{Kind: kind, Filter: filter, Payload: Payload{Fields: fields}}
}

// NewRaw creates a raw pass-through event on a verbatim topic.
func NewRaw(topic string, data []byte) Event {
	return Event{Kind: KindRaw, Topic: topic, Payload: Payload{Data: data}}
}

// NewIoValue creates an IoValue sample for the given IO point.
func NewIoValue(point string, data []byte) Event {
	return Event{Kind: KindIoValue, Filter: point, Payload: Payload{Data: data}}
}

// NewRequest creates a two-way request event with a fresh correlation id.
func NewRequest(kind Kind, filter string, fields map[string]any) Event {
	return Event{
		Kind:          kind,
		Filter:        filter,
		CorrelationID: uuid.New(),
		Payload:       Payload{Fields: fields},
	}
}

// NewResponse creates the response to a previously received request.
func NewResponse(request Event, fields map[string]any) (Event, error) {
	res, ok := request.Kind.ResponseKind()
	if !ok {
		return Event{}, fmt.Errorf("%w: %q is not a request kind", ErrInvalidKind, request.Kind)
	}
	return Event{
		Kind:          res,
		CorrelationID: request.CorrelationID,
		Namespace:     request.Namespace,
		Payload:       Payload{Fields: fields},
	}, nil
}

// Pattern describes a subscription interest: a structured event kind with an
// optional filter, or a raw topic with a match mode. A response-kind pattern
// may pin CorrelationID to a single exchange or leave it zero to observe
// every response.
type Pattern struct {
	Kind          Kind
	Filter        string
	CorrelationID uuid.UUID
	Topic         string
	Match         Match
}

// Validate checks the subscription contract for a pattern.
func (p Pattern) Validate() error {
	if p.Kind == KindRaw {
		if p.Topic == "" {
			return ErrMissingTopic
		}
		switch p.Match {
		case "", MatchExact, MatchPrefix, MatchWildcard:
			return nil
		}
		return fmt.Errorf("event: invalid match mode %q", p.Match)
	}
	if !p.Kind.Structured() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, p.Kind)
	}
	if p.Filter == "" && p.Kind.RequiresFilter() {
		return fmt.Errorf("%w: %s", ErrMissingFilter, p.Kind)
	}
	if p.Filter != "" && !p.Kind.AllowsFilter() {
		return fmt.Errorf("%w: %s", ErrUnexpectedFilter, p.Kind)
	}
	if p.CorrelationID != uuid.Nil && !p.Kind.Response() {
		return fmt.Errorf("event: correlation id is only valid on response patterns, got %s", p.Kind)
	}
	return nil
}

// Inbound is an event received from the router, paired with its wire topic
// and the protocol version it was published under (zero for raw topics).
type Inbound struct {
	Event   Event
	Topic   string
	Version int
}
