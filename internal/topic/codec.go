// Package topic implements the structured topic codec: pure functions that
// map event descriptors to router topic strings and back. Topics take the
// form
//
//	coaty.<version>.<namespace>.<prefix><filter>.<sourceId>[.<correlationId>]
//
// where the correlation segment is present exactly for two-way event kinds.
// Namespace and filter components are escaped so they occupy one segment.
package topic

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	"coatywamp/pkg/event"
)

const (
	// ProtocolName is the leading segment of every structured topic.
	ProtocolName = "coaty"

	// ProtocolVersion is the topic format version this codec publishes.
	// Decoding accepts any positive version.
	ProtocolVersion = 1
)

// kindPrefixes assigns each structured event kind its three-character topic
// prefix. The reverse map is derived once at startup; the two must stay
// bijective.
var kindPrefixes = map[event.Kind]string{
	event.KindAdvertise:   "ADV",
	event.KindDeadvertise: "DAD",
	event.KindChannel:     "CHN",
	event.KindAssociate:   "ASC",
	event.KindIoValue:     "IOV",
	event.KindDiscover:    "DSC",
	event.KindResolve:     "RSV",
	event.KindQuery:       "QRY",
	event.KindRetrieve:    "RTV",
	event.KindUpdate:      "UPD",
	event.KindComplete:    "CPL",
	event.KindCall:        "CLL",
	event.KindReturn:      "RTN",
}

var prefixKinds = func() map[string]event.Kind {
	m := make(map[string]event.Kind, len(kindPrefixes))
	for k, p := range kindPrefixes {
		m[p] = k
	}
	return m
}()

// Prefix returns the topic prefix for a structured event kind.
func Prefix(k event.Kind) (string, bool) {
	p, ok := kindPrefixes[k]
	return p, ok
}

// Fields is the decoded form of a structured topic.
type Fields struct {
	Version       int
	Namespace     string
	Kind          event.Kind
	Filter        string
	SourceID      uuid.UUID
	CorrelationID uuid.UUID
}

// EncodePublication builds the publication topic for an event descriptor.
// The namespace and source id must be set; a two-way kind must carry a
// correlation id. A zero Version publishes under ProtocolVersion.
func EncodePublication(f Fields) (string, error) {
	prefix, ok := kindPrefixes[f.Kind]
	if !ok {
		return "", &EncodeError{Field: "kind", Reason: "not a structured event kind: " + string(f.Kind)}
	}
	if f.Namespace == "" {
		return "", &EncodeError{Field: "namespace", Reason: "must not be empty"}
	}
	if f.SourceID == uuid.Nil {
		return "", &EncodeError{Field: "sourceId", Reason: "must not be zero"}
	}
	if f.Filter == "" && f.Kind.RequiresFilter() {
		return "", &EncodeError{Field: "filter", Reason: "required for " + string(f.Kind)}
	}
	if f.Filter != "" && !f.Kind.AllowsFilter() {
		return "", &EncodeError{Field: "filter", Reason: "not allowed for " + string(f.Kind)}
	}
	if f.Kind.TwoWay() {
		if f.CorrelationID == uuid.Nil {
			return "", &EncodeError{Field: "correlationId", Reason: "required for " + string(f.Kind)}
		}
	} else if f.CorrelationID != uuid.Nil {
		return "", &EncodeError{Field: "correlationId", Reason: "not allowed for " + string(f.Kind)}
	}

	ns, err := EncodeComponent(f.Namespace)
	if err != nil {
		return "", &EncodeError{Field: "namespace", Reason: err.Error()}
	}
	filter, err := EncodeComponent(f.Filter)
	if err != nil {
		return "", &EncodeError{Field: "filter", Reason: err.Error()}
	}
	version := f.Version
	if version == 0 {
		version = ProtocolVersion
	}

	var b strings.Builder
	b.WriteString(ProtocolName)
	b.WriteByte('.')
	b.WriteString(strconv.Itoa(version))
	b.WriteByte('.')
	b.WriteString(ns)
	b.WriteByte('.')
	b.WriteString(prefix)
	b.WriteString(filter)
	b.WriteByte('.')
	b.WriteString(f.SourceID.String())
	if f.Kind.TwoWay() {
		b.WriteByte('.')
		b.WriteString(f.CorrelationID.String())
	}
	return b.String(), nil
}

// EncodeSubscription builds the wildcard subscription pattern for a
// structured pattern. Trailing empty segments wildcard the source id and,
// for two-way kinds, the correlation id; a response pattern may pin the
// correlation segment to a single exchange. An empty namespace wildcards
// the namespace segment for cross-namespace observation.
func EncodeSubscription(p event.Pattern, namespace string) (string, error) {
	prefix, ok := kindPrefixes[p.Kind]
	if !ok {
		return "", &EncodeError{Field: "kind", Reason: "not a structured event kind: " + string(p.Kind)}
	}
	if p.Filter == "" && p.Kind.RequiresFilter() {
		return "", &EncodeError{Field: "filter", Reason: "required for " + string(p.Kind)}
	}
	if p.Filter != "" && !p.Kind.AllowsFilter() {
		return "", &EncodeError{Field: "filter", Reason: "not allowed for " + string(p.Kind)}
	}
	if p.CorrelationID != uuid.Nil && !p.Kind.Response() {
		return "", &EncodeError{Field: "correlationId", Reason: "only response patterns may pin it"}
	}

	ns := ""
	if namespace != "" {
		var err error
		if ns, err = EncodeComponent(namespace); err != nil {
			return "", &EncodeError{Field: "namespace", Reason: err.Error()}
		}
	}
	filter, err := EncodeComponent(p.Filter)
	if err != nil {
		return "", &EncodeError{Field: "filter", Reason: err.Error()}
	}

	var b strings.Builder
	b.WriteString(ProtocolName)
	b.WriteByte('.')
	b.WriteString(strconv.Itoa(ProtocolVersion))
	b.WriteByte('.')
	b.WriteString(ns)
	b.WriteByte('.')
	b.WriteString(prefix)
	b.WriteString(filter)
	b.WriteByte('.')
	if p.Kind.TwoWay() {
		b.WriteByte('.')
		if p.Kind.Response() && p.CorrelationID != uuid.Nil {
			b.WriteString(p.CorrelationID.String())
		}
	}
	return b.String(), nil
}

// Decode parses a structured topic into its fields. It reports false for
// anything that is not a well-formed structured topic of some positive
// version; such topics are treated as raw by the caller.
func Decode(s string) (Fields, bool) {
	segs := strings.Split(s, ".")
	if len(segs) != 5 && len(segs) != 6 {
		return Fields{}, false
	}
	if segs[0] != ProtocolName {
		return Fields{}, false
	}
	version, err := strconv.Atoi(segs[1])
	if err != nil || version <= 0 {
		return Fields{}, false
	}
	namespace, err := DecodeComponent(segs[2])
	if err != nil || namespace == "" {
		return Fields{}, false
	}
	if len(segs[3]) < 3 {
		return Fields{}, false
	}
	kind, ok := prefixKinds[segs[3][:3]]
	if !ok {
		return Fields{}, false
	}
	filter, err := DecodeComponent(segs[3][3:])
	if err != nil {
		return Fields{}, false
	}
	if filter == "" && kind.RequiresFilter() {
		return Fields{}, false
	}
	if filter != "" && !kind.AllowsFilter() {
		return Fields{}, false
	}
	sourceID, err := uuid.Parse(segs[4])
	if err != nil {
		return Fields{}, false
	}
	f := Fields{
		Version:   version,
		Namespace: namespace,
		Kind:      kind,
		Filter:    filter,
		SourceID:  sourceID,
	}
	if len(segs) == 6 {
		if !kind.TwoWay() {
			return Fields{}, false
		}
		if f.CorrelationID, err = uuid.Parse(segs[5]); err != nil {
			return Fields{}, false
		}
	} else if kind.TwoWay() {
		return Fields{}, false
	}
	return f, true
}

// ValidPublicationTopic reports whether a raw topic may be published on:
// one or more dot-separated segments, each non-empty and free of whitespace,
// NUL and the '#' wildcard character.
func ValidPublicationTopic(s string) bool {
	return validRawTopic(s, false)
}

// ValidSubscriptionTopic reports whether a raw topic may be subscribed to.
// Unlike publication topics, empty segments are allowed and act as
// single-segment wildcards.
func ValidSubscriptionTopic(s string) bool {
	return validRawTopic(s, true)
}

func validRawTopic(s string, allowEmptySegments bool) bool {
	if s == "" {
		return false
	}
	for _, seg := range strings.Split(s, ".") {
		if seg == "" {
			if !allowEmptySegments {
				return false
			}
			continue
		}
		for _, r := range seg {
			if r == 0 || r == '#' || isEscapableSpace(r) {
				return false
			}
		}
	}
	return true
}

// EncodeError reports which descriptor field violated the encoding contract.
type EncodeError struct {
	Field  string
	Reason string
}

func (e *EncodeError) Error() string {
	return "topic: invalid " + e.Field + ": " + e.Reason
}
