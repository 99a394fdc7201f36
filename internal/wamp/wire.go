package wamp

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Subprotocol is the websocket subprotocol negotiated with the router.
const Subprotocol = "wamp.2.msgpack"

// WAMP basic profile message type codes.
const (
	msgHello        = 1
	msgWelcome      = 2
	msgAbort        = 3
	msgGoodbye      = 6
	msgError        = 8
	msgPublish      = 16
	msgPublished    = 17
	msgSubscribe    = 32
	msgSubscribed   = 33
	msgUnsubscribe  = 34
	msgUnsubscribed = 35
	msgEvent        = 36
	msgCall         = 48
	msgResult       = 50
)

const (
	uriGoodbyeAndOut      = "wamp.close.goodbye_and_out"
	uriCloseRealm         = "wamp.close.close_realm"
	uriNoSuchSubscription = "wamp.error.no_such_subscription"
	procAddTestament      = "wamp.session.add_testament"
)

func encodeFrame(fields ...any) ([]byte, error) {
	return msgpack.Marshal(fields)
}

func decodeFrame(data []byte) ([]any, error) {
	var frame []any
	if err := msgpack.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if len(frame) == 0 {
		return nil, errors.New("decode frame: empty message")
	}
	return frame, nil
}

// The msgpack decoder yields the narrowest integer type that fits, so
// every numeric frame field goes through asUint64.
func asUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case int:
		return uint64(n), n >= 0
	case int8:
		return uint64(n), n >= 0
	case int16:
		return uint64(n), n >= 0
	case int32:
		return uint64(n), n >= 0
	case int64:
		return uint64(n), n >= 0
	case uint:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	case float32:
		return uint64(n), n >= 0
	case float64:
		return uint64(n), n >= 0
	default:
		return 0, false
	}
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asList(v any) []any {
	l, _ := v.([]any)
	return l
}

func asMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			if s, ok := k.(string); ok {
				out[s] = val
			}
		}
		return out
	default:
		return nil
	}
}
