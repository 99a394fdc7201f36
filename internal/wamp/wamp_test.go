package wamp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"coatywamp/pkg/router"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testRouter is a minimal in-process WAMP router: realm-less HELLO/WELCOME,
// exact/prefix/wildcard subscriptions, acknowledged publications and a
// recording stub for wamp.session.add_testament.
type testRouter struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	nextSessID uint64
	nextSubID  uint64
	nextPubID  uint64
	subs       map[uint64]*testSub
	calls      [][]any
}

type testSub struct {
	id     uint64
	topic  string
	match  string
	peer   *testPeer
	peerID uint64
}

type testPeer struct {
	id      uint64
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newTestRouter(t *testing.T) *testRouter {
	t.Helper()
	r := &testRouter{
		subs:     make(map[uint64]*testSub),
		upgrader: websocket.Upgrader{Subprotocols: []string{Subprotocol}},
	}
	r.srv = httptest.NewServer(http.HandlerFunc(r.handle))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *testRouter) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (p *testPeer) send(fields ...any) {
	data, err := encodeFrame(fields...)
	if err != nil {
		return
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (r *testRouter) handle(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	r.mu.Lock()
	r.nextSessID++
	peer := &testPeer{id: r.nextSessID, conn: conn}
	r.mu.Unlock()

	// HELLO
	if _, data, err := conn.ReadMessage(); err != nil {
		return
	} else if frame, err := decodeFrame(data); err != nil || len(frame) < 3 {
		return
	} else if t, _ := asUint64(frame[0]); t != msgHello {
		return
	}
	peer.send(msgWelcome, peer.id, map[string]any{"roles": map[string]any{"broker": map[string]any{}, "dealer": map[string]any{}}})

	defer r.dropPeer(peer)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := decodeFrame(data)
		if err != nil {
			continue
		}
		typ, _ := asUint64(frame[0])
		switch typ {
		case msgSubscribe:
			reqID, _ := asUint64(frame[1])
			match, _ := asString(asMap(frame[2])["match"])
			topic, _ := asString(frame[3])
			r.mu.Lock()
			r.nextSubID++
			sub := &testSub{id: r.nextSubID, topic: topic, match: match, peer: peer, peerID: peer.id}
			r.subs[sub.id] = sub
			r.mu.Unlock()
			peer.send(msgSubscribed, reqID, sub.id)
		case msgUnsubscribe:
			reqID, _ := asUint64(frame[1])
			subID, _ := asUint64(frame[2])
			r.mu.Lock()
			_, ok := r.subs[subID]
			delete(r.subs, subID)
			r.mu.Unlock()
			if ok {
				peer.send(msgUnsubscribed, reqID)
			} else {
				peer.send(msgError, msgUnsubscribe, reqID, map[string]any{}, uriNoSuchSubscription)
			}
		case msgPublish:
			reqID, _ := asUint64(frame[1])
			opts := asMap(frame[2])
			topic, _ := asString(frame[3])
			var args []any
			var kwargs map[string]any
			if len(frame) > 4 {
				args = asList(frame[4])
			}
			if len(frame) > 5 {
				kwargs = asMap(frame[5])
			}
			r.deliver(peer, topic, opts, args, kwargs)
			if ack, _ := opts["acknowledge"].(bool); ack {
				r.mu.Lock()
				r.nextPubID++
				pubID := r.nextPubID
				r.mu.Unlock()
				peer.send(msgPublished, reqID, pubID)
			}
		case msgCall:
			reqID, _ := asUint64(frame[1])
			r.mu.Lock()
			r.calls = append(r.calls, frame)
			r.mu.Unlock()
			peer.send(msgResult, reqID, map[string]any{})
		case msgGoodbye:
			peer.send(msgGoodbye, map[string]any{}, uriGoodbyeAndOut)
			return
		}
	}
}

func (r *testRouter) deliver(from *testPeer, topic string, opts map[string]any, args []any, kwargs map[string]any) {
	excludeMe, _ := opts["exclude_me"].(bool)
	for _, sub := range r.snapshotSubs() {
		if sub.peerID == from.id && excludeMe {
			continue
		}
		if !topicMatches(sub.topic, sub.match, topic) {
			continue
		}
		details := map[string]any{}
		if sub.match == "prefix" || sub.match == "wildcard" {
			details["topic"] = topic
		}
		fields := []any{msgEvent, sub.id, uint64(1), details}
		if kwargs != nil {
			if args == nil {
				args = []any{}
			}
			fields = append(fields, args, kwargs)
		} else if args != nil {
			fields = append(fields, args)
		}
		sub.peer.send(fields...)
	}
}

func (r *testRouter) snapshotSubs() []*testSub {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*testSub, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	return out
}

func (r *testRouter) dropPeer(p *testPeer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.subs {
		if s.peerID == p.id {
			delete(r.subs, id)
		}
	}
}

func (r *testRouter) recordedCalls() [][]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]any(nil), r.calls...)
}

func topicMatches(pattern, match, topic string) bool {
	switch match {
	case "prefix":
		return strings.HasPrefix(topic, pattern)
	case "wildcard":
		ps := strings.Split(pattern, ".")
		ts := strings.Split(topic, ".")
		if len(ps) != len(ts) {
			return false
		}
		for i := range ps {
			if ps[i] != "" && ps[i] != ts[i] {
				return false
			}
		}
		return true
	default:
		return topic == pattern
	}
}

func testOptions(url string) Options {
	return Options{
		URL:            url,
		Realm:          "coaty",
		ConnectTimeout: 2 * time.Second,
		InitialBackoff: 20 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
		DialRate:       1000,
		Logger:         zerolog.Nop(),
	}
}

func awaitSession(t *testing.T, notices <-chan router.Notice) router.Session {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case n, ok := <-notices:
			if !ok {
				t.Fatal("notice channel closed before a session came up")
			}
			if n.Up() {
				return n.Session
			}
		case <-deadline:
			t.Fatal("timed out waiting for session")
		}
	}
}

func TestSessionPublishSubscribeRoundTrip(t *testing.T) {
	tr := newTestRouter(t)
	conn, err := NewConnector(testOptions(tr.url()))
	if err != nil {
		t.Fatalf("NewConnector: %v", err)
	}
	ctx := context.Background()
	if err := conn.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer drainClose(t, conn)

	sess := awaitSession(t, conn.Notices())
	if sess.ID() == 0 {
		t.Fatal("expected a router-assigned session id")
	}

	events := make(chan router.Event, 1)
	handle, err := sess.Subscribe(ctx, "coaty.1.ns.ADVTask.", router.SubscribeOptions{Match: "wildcard"}, func(ev router.Event) {
		events <- ev
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	topic := "coaty.1.ns.ADVTask.3b241101-e2bb-4255-8caf-4136c566a962"
	err = sess.Publish(ctx, topic, nil, map[string]any{"object": "task-1"}, router.PublishOptions{Acknowledge: true})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Topic != topic {
			t.Fatalf("event topic = %q, want %q", ev.Topic, topic)
		}
		if got, _ := ev.Kwargs["object"].(string); got != "task-1" {
			t.Fatalf("event kwargs = %#v", ev.Kwargs)
		}
		if ev.Subscription != handle {
			t.Fatalf("event subscription = %d, want %d", ev.Subscription, handle)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}

	if ok, err := sess.Unsubscribe(ctx, handle); err != nil || !ok {
		t.Fatalf("Unsubscribe = %v, %v; want true, nil", ok, err)
	}
	if ok, err := sess.Unsubscribe(ctx, handle); err != nil || ok {
		t.Fatalf("second Unsubscribe = %v, %v; want false, nil", ok, err)
	}
}

func TestSessionBinaryPositionalPayload(t *testing.T) {
	tr := newTestRouter(t)
	conn, err := NewConnector(testOptions(tr.url()))
	if err != nil {
		t.Fatalf("NewConnector: %v", err)
	}
	ctx := context.Background()
	if err := conn.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer drainClose(t, conn)
	sess := awaitSession(t, conn.Notices())

	events := make(chan router.Event, 1)
	_, err = sess.Subscribe(ctx, "plant.sensors.temp", router.SubscribeOptions{}, func(ev router.Event) {
		events <- ev
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	raw := []byte{0x00, 0x01, 0xfe, 0xff}
	if err := sess.Publish(ctx, "plant.sensors.temp", []any{raw}, nil, router.PublishOptions{Acknowledge: true}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case ev := <-events:
		if len(ev.Args) != 1 {
			t.Fatalf("args = %#v, want one positional argument", ev.Args)
		}
		got, ok := ev.Args[0].([]byte)
		if !ok || string(got) != string(raw) {
			t.Fatalf("args[0] = %#v, want %v", ev.Args[0], raw)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSessionCallReachesRouter(t *testing.T) {
	tr := newTestRouter(t)
	conn, err := NewConnector(testOptions(tr.url()))
	if err != nil {
		t.Fatalf("NewConnector: %v", err)
	}
	ctx := context.Background()
	if err := conn.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer drainClose(t, conn)
	sess := awaitSession(t, conn.Notices())

	err = sess.Call(ctx, procAddTestament, []any{"some.topic", []any{}, map[string]any{"k": "v"}}, map[string]any{"scope": "detached"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	calls := tr.recordedCalls()
	if len(calls) != 1 {
		t.Fatalf("recorded %d calls, want 1", len(calls))
	}
	if proc, _ := asString(calls[0][3]); proc != procAddTestament {
		t.Fatalf("procedure = %q", proc)
	}
}

func TestConnectorReconnectsAfterLoss(t *testing.T) {
	tr := newTestRouter(t)
	conn, err := NewConnector(testOptions(tr.url()))
	if err != nil {
		t.Fatalf("NewConnector: %v", err)
	}
	if err := conn.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer drainClose(t, conn)

	first := awaitSession(t, conn.Notices())
	tr.srv.CloseClientConnections()

	var lost bool
	deadline := time.After(5 * time.Second)
	for {
		select {
		case n, ok := <-conn.Notices():
			if !ok {
				t.Fatal("notice channel closed during reconnect")
			}
			if n.Reason == router.ReasonLost {
				if !n.Retrying {
					t.Fatal("lost notice should announce a retry")
				}
				lost = true
				continue
			}
			if n.Up() {
				if !lost {
					t.Fatal("session came up without a preceding lost notice")
				}
				if n.Session.ID() == first.ID() {
					t.Fatal("reconnect must establish a fresh session")
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for reconnect")
		}
	}
}

func TestConnectorUnreachableGivesUp(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(dead.URL, "http")
	dead.Close()

	opts := testOptions(url)
	opts.MaxAttempts = 1
	opts.ConnectTimeout = 500 * time.Millisecond
	conn, err := NewConnector(opts)
	if err != nil {
		t.Fatalf("NewConnector: %v", err)
	}
	if err := conn.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	select {
	case n := <-conn.Notices():
		if n.Reason != router.ReasonUnreachable {
			t.Fatalf("reason = %q, want unreachable", n.Reason)
		}
		if n.Retrying {
			t.Fatal("single-attempt connector must not announce retries")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no unreachable notice")
	}

	select {
	case _, ok := <-conn.Notices():
		if ok {
			t.Fatal("expected notice channel to close after giving up")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notice channel never closed")
	}
}

func TestConnectorCloseEmitsClosed(t *testing.T) {
	tr := newTestRouter(t)
	conn, err := NewConnector(testOptions(tr.url()))
	if err != nil {
		t.Fatalf("NewConnector: %v", err)
	}
	if err := conn.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	awaitSession(t, conn.Notices())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var sawClosed bool
	for n := range conn.Notices() {
		if n.Reason == router.ReasonClosed {
			sawClosed = true
		}
	}
	if !sawClosed {
		t.Fatal("no closed notice before channel shutdown")
	}
}

// drainClose closes the connector and consumes remaining notices so the run
// loop can exit.
func drainClose(t *testing.T, c *Connector) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		for range c.Notices() {
		}
	}()
	if err := c.Close(ctx); err != nil {
		t.Errorf("Close: %v", err)
	}
}
