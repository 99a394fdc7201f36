package wamp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"coatywamp/pkg/router"
)

const (
	writeWait    = 10 * time.Second
	goodbyeWait  = 2 * time.Second
	maxFrameSize = 4 << 20
)

var ErrSessionClosed = errors.New("wamp: session closed")

// routerError is an ERROR frame answering one of our requests.
type routerError struct {
	URI string
}

func (e *routerError) Error() string {
	return "wamp: router error: " + e.URI
}

type pendingReply struct {
	frame []any
	err   error
}

type subEntry struct {
	topic   string
	handler router.EventHandler
}

// session is one established WAMP session on a websocket connection. It
// implements router.Session. A read loop owns inbound frames; writes are
// serialized through writeMu.
type session struct {
	conn *websocket.Conn
	id   uint64
	log  zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan pendingReply
	subs    map[uint64]subEntry
	leaving bool

	reqID atomic.Uint64

	done    chan struct{}
	endOnce sync.Once
	endErr  error
}

// dial opens a websocket to the router, performs the HELLO/WELCOME
// handshake on the given realm and starts the session's read loop.
func dial(ctx context.Context, url, realm, agent string, timeout time.Duration, log zerolog.Logger) (*session, error) {
	dialer := websocket.Dialer{
		Subprotocols:     []string{Subprotocol},
		HandshakeTimeout: timeout,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxFrameSize)

	s := &session{
		conn:    conn,
		log:     log,
		pending: make(map[uint64]chan pendingReply),
		subs:    make(map[uint64]subEntry),
		done:    make(chan struct{}),
	}

	hello := map[string]any{
		"agent": agent,
		"roles": map[string]any{
			"publisher": map[string]any{
				"features": map[string]any{"publisher_exclusion": true},
			},
			"subscriber": map[string]any{
				"features": map[string]any{"pattern_based_subscription": true},
			},
			"caller": map[string]any{},
		},
	}
	if err := s.write(msgHello, realm, hello); err != nil {
		conn.Close()
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("await welcome: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	frame, err := decodeFrame(data)
	if err != nil {
		conn.Close()
		return nil, err
	}
	switch t, _ := asUint64(frame[0]); t {
	case msgWelcome:
		if len(frame) < 2 {
			conn.Close()
			return nil, errors.New("wamp: malformed WELCOME")
		}
		s.id, _ = asUint64(frame[1])
	case msgAbort:
		conn.Close()
		reason := ""
		if len(frame) > 2 {
			reason, _ = asString(frame[2])
		}
		return nil, fmt.Errorf("wamp: router aborted session: %s", reason)
	default:
		conn.Close()
		return nil, fmt.Errorf("wamp: unexpected handshake message type %d", t)
	}

	go s.readLoop()
	return s, nil
}

func (s *session) ID() uint64 {
	return s.id
}

// Done is closed once the session has ended for any reason.
func (s *session) Done() <-chan struct{} {
	return s.done
}

func (s *session) Err() error {
	<-s.done
	return s.endErr
}

func (s *session) Publish(ctx context.Context, topic string, args []any, kwargs map[string]any, opts router.PublishOptions) error {
	options := map[string]any{
		// The router default is to exclude the publisher, which would
		// silently hide same-agent events.
		"exclude_me": opts.ExcludeSelf,
	}
	if opts.Acknowledge {
		options["acknowledge"] = true
	}
	if opts.Retain {
		options["retain"] = true
	}

	reqID := s.nextRequestID()
	fields := []any{msgPublish, reqID, options, topic}
	fields = appendPayload(fields, args, kwargs)

	if !opts.Acknowledge {
		return s.write(fields...)
	}

	ch := s.expect(reqID)
	defer s.forget(reqID)
	if err := s.write(fields...); err != nil {
		return err
	}
	_, err := s.await(ctx, ch)
	return err
}

func (s *session) Subscribe(ctx context.Context, topic string, opts router.SubscribeOptions, h router.EventHandler) (router.Handle, error) {
	options := map[string]any{}
	if opts.Match != "" && opts.Match != "exact" {
		options["match"] = opts.Match
	}

	reqID := s.nextRequestID()
	ch := s.expect(reqID)
	defer s.forget(reqID)
	if err := s.write(msgSubscribe, reqID, options, topic); err != nil {
		return 0, err
	}
	frame, err := s.await(ctx, ch)
	if err != nil {
		return 0, err
	}
	if len(frame) < 3 {
		return 0, errors.New("wamp: malformed SUBSCRIBED")
	}
	subID, _ := asUint64(frame[2])

	s.mu.Lock()
	s.subs[subID] = subEntry{topic: topic, handler: h}
	s.mu.Unlock()
	return router.Handle(subID), nil
}

func (s *session) Unsubscribe(ctx context.Context, h router.Handle) (bool, error) {
	s.mu.Lock()
	delete(s.subs, uint64(h))
	s.mu.Unlock()

	reqID := s.nextRequestID()
	ch := s.expect(reqID)
	defer s.forget(reqID)
	if err := s.write(msgUnsubscribe, reqID, uint64(h)); err != nil {
		return false, err
	}
	if _, err := s.await(ctx, ch); err != nil {
		var re *routerError
		if errors.As(err, &re) && re.URI == uriNoSuchSubscription {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *session) Call(ctx context.Context, procedure string, args []any, kwargs map[string]any) error {
	reqID := s.nextRequestID()
	fields := []any{msgCall, reqID, map[string]any{}, procedure}
	fields = appendPayload(fields, args, kwargs)

	ch := s.expect(reqID)
	defer s.forget(reqID)
	if err := s.write(fields...); err != nil {
		return err
	}
	_, err := s.await(ctx, ch)
	return err
}

// leave performs a graceful GOODBYE exchange and closes the connection.
func (s *session) leave() {
	s.mu.Lock()
	s.leaving = true
	s.mu.Unlock()

	if err := s.write(msgGoodbye, map[string]any{}, uriCloseRealm); err == nil {
		select {
		case <-s.done:
		case <-time.After(goodbyeWait):
		}
	}
	s.end(ErrSessionClosed)
}

func (s *session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.end(fmt.Errorf("wamp: connection lost: %w", err))
			return
		}
		frame, err := decodeFrame(data)
		if err != nil {
			s.log.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}
		t, _ := asUint64(frame[0])
		switch t {
		case msgPublished, msgSubscribed, msgUnsubscribed, msgResult:
			if len(frame) < 2 {
				continue
			}
			reqID, _ := asUint64(frame[1])
			s.resolve(reqID, pendingReply{frame: frame})
		case msgError:
			// [ERROR, request type, request id, details, uri, ...]
			if len(frame) < 5 {
				continue
			}
			reqID, _ := asUint64(frame[2])
			uri, _ := asString(frame[4])
			s.resolve(reqID, pendingReply{err: &routerError{URI: uri}})
		case msgEvent:
			s.handleEvent(frame)
		case msgGoodbye:
			s.mu.Lock()
			leaving := s.leaving
			s.mu.Unlock()
			if !leaving {
				s.write(msgGoodbye, map[string]any{}, uriGoodbyeAndOut)
				s.end(errors.New("wamp: router closed the session"))
			} else {
				s.end(ErrSessionClosed)
			}
			return
		case msgAbort:
			reason := ""
			if len(frame) > 2 {
				reason, _ = asString(frame[2])
			}
			s.end(fmt.Errorf("wamp: router aborted session: %s", reason))
			return
		default:
			s.log.Debug().Uint64("type", t).Msg("ignoring unexpected message")
		}
	}
}

// handleEvent dispatches [EVENT, subscription id, publication id, details,
// args, kwargs] to the subscription's handler. Pattern subscriptions learn
// the concrete topic from the details.
func (s *session) handleEvent(frame []any) {
	if len(frame) < 4 {
		return
	}
	subID, _ := asUint64(frame[1])

	s.mu.Lock()
	entry, ok := s.subs[subID]
	s.mu.Unlock()
	if !ok {
		return
	}

	ev := router.Event{
		Subscription: router.Handle(subID),
		Topic:        entry.topic,
	}
	if topic, ok := asString(asMap(frame[3])["topic"]); ok && topic != "" {
		ev.Topic = topic
	}
	if len(frame) > 4 {
		ev.Args = asList(frame[4])
	}
	if len(frame) > 5 {
		ev.Kwargs = asMap(frame[5])
	}
	entry.handler(ev)
}

func (s *session) nextRequestID() uint64 {
	return s.reqID.Add(1)
}

func (s *session) expect(reqID uint64) chan pendingReply {
	ch := make(chan pendingReply, 1)
	s.mu.Lock()
	s.pending[reqID] = ch
	s.mu.Unlock()
	return ch
}

func (s *session) forget(reqID uint64) {
	s.mu.Lock()
	delete(s.pending, reqID)
	s.mu.Unlock()
}

func (s *session) resolve(reqID uint64, r pendingReply) {
	s.mu.Lock()
	ch, ok := s.pending[reqID]
	if ok {
		delete(s.pending, reqID)
	}
	s.mu.Unlock()
	if ok {
		ch <- r
	}
}

func (s *session) await(ctx context.Context, ch chan pendingReply) ([]any, error) {
	select {
	case r := <-ch:
		return r.frame, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSessionClosed
	}
}

func (s *session) write(fields ...any) error {
	data, err := encodeFrame(fields...)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// end terminates the session exactly once, recording the cause and waking
// every waiter.
func (s *session) end(err error) {
	s.endOnce.Do(func() {
		s.endErr = err
		s.conn.Close()
		close(s.done)
	})
}

func appendPayload(fields []any, args []any, kwargs map[string]any) []any {
	if len(kwargs) > 0 {
		if args == nil {
			args = []any{}
		}
		return append(fields, args, kwargs)
	}
	if len(args) > 0 {
		return append(fields, args)
	}
	return fields
}
