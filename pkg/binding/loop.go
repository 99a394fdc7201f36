package binding

import (
	"coatywamp/internal/queue"
	"coatywamp/internal/registry"
	"coatywamp/internal/topic"
	"coatywamp/pkg/event"
	"coatywamp/pkg/router"
)

// run is the manager goroutine. It is the only place that touches the
// connection, the session and the loop-owned fields, so session work is
// serialized exactly in the order it was requested.
func (b *Binding) run() {
	defer close(b.loopDone)
	for {
		select {
		case <-b.quit:
			return
		case f := <-b.cmds:
			f()
		case n, ok := <-b.notices:
			if !ok {
				b.connTerminated()
				continue
			}
			b.handleNotice(n)
		case <-b.drainSig:
			b.drainQueue()
		}
	}
}

func (b *Binding) handleNotice(n router.Notice) {
	switch {
	case n.Up():
		b.sess = n.Session
		b.epoch++
		if b.everOnline {
			b.reconnects.Add(1)
		}
		b.everOnline = true
		b.mu.Lock()
		b.sessID = n.Session.ID()
		b.mu.Unlock()
		b.setState(StateOnline)
		b.openSequence()

	case n.Reason == router.ReasonClosed:
		b.sess = nil
		b.joined = false
		b.mu.Lock()
		b.sessID = 0
		b.mu.Unlock()
		// Intentional close: the departure is announced by the
		// testaments and the next join starts from a clean slate.
		b.queue.Clear()
		b.reg.Clear()
		b.setState(StateOffline)
		b.releaseWaiters()

	default: // lost or unreachable
		b.sess = nil
		b.mu.Lock()
		b.sessID = 0
		b.mu.Unlock()
		// The remote session is gone, so live handles are dropped as
		// local bookkeeping; nothing is unsubscribed over the wire.
		// Desired subscriptions and queued publications are kept for
		// the next session.
		b.reg.InvalidateLive()
		b.setState(StateOffline)
		if n.Retrying {
			b.setState(StateConnecting)
		}
	}
}

// connTerminated runs when the connector's notice channel closes, either
// after an intentional close or once it gave up retrying.
func (b *Binding) connTerminated() {
	b.notices = nil
	b.conn = nil
	b.sess = nil
	b.joined = false
	b.setState(StateOffline)
	b.releaseWaiters()
}

// openSequence runs after every successful connect: record the session,
// register testaments, reissue every desired subscription, front-enqueue
// the join events and resume draining. Failures of individual steps are
// logged and skipped; anything panicking here resets straight to Offline.
func (b *Binding) openSequence() {
	defer func() {
		if r := recover(); r != nil {
			b.log.Debug().Any("cause", r).Msg("connect sequence aborted")
			b.sess = nil
			b.setState(StateOffline)
		}
	}()

	sess := b.sess
	b.log.Info().Uint64("session", sess.ID()).Msg("joined router session")

	if b.unjoinItem != nil {
		b.registerTestaments(sess, *b.unjoinItem)
	}

	for _, item := range b.reg.All() {
		b.issueSubscribe(item)
	}

	for i := len(b.joinItems) - 1; i >= 0; i-- {
		b.queue.PushFront(b.joinItems[i])
	}

	b.queue.Arm()
	b.drainQueue()
}

// registerTestaments asks the router to publish the unjoin event on the
// agent's behalf when the session dies, both when it is destroyed and when
// the client detaches. Registration is best effort.
func (b *Binding) registerTestaments(sess router.Session, it queue.Item) {
	args, kwargs := payloadOf(it)
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	for _, scope := range []string{"destroyed", "detached"} {
		ctx, cancel := b.ackContext()
		err := sess.Call(ctx, addTestamentProc, []any{it.Topic, args, kwargs}, map[string]any{"scope": scope})
		cancel()
		if err != nil {
			b.log.Warn().Err(err).Str("scope", scope).Msg("testament registration failed")
		}
	}
}

// issueSubscribe sends one desired subscription to the current session and
// records the confirmed handle. A failure leaves the item without a live
// handle; the next connect retries it.
func (b *Binding) issueSubscribe(item registry.Item) {
	sess := b.sess
	if sess == nil {
		return
	}
	ctx, cancel := b.ackContext()
	defer cancel()
	handle, err := sess.Subscribe(ctx, item.Key.Pattern, router.SubscribeOptions{Match: string(item.Key.Match)}, b.inboundHandler(item))
	if err != nil {
		b.log.Warn().Err(err).Str("pattern", item.Key.Pattern).Msg("subscribe failed")
		return
	}
	if !b.reg.SetLive(item.ID, &registry.Live{Handle: uint64(handle), Session: b.epoch}) {
		// The item was removed or replaced while the subscribe was in
		// flight; the confirmed handle is ours to release.
		if _, err := sess.Unsubscribe(ctx, handle); err != nil {
			b.log.Debug().Err(err).Msg("orphan unsubscribe failed")
		}
	}
}

// releaseLive unsubscribes a live handle if it belongs to the current
// session. Handles from earlier sessions are already dead on the router and
// are dropped silently.
func (b *Binding) releaseLive(live *registry.Live) {
	if b.sess == nil || live.Session != b.epoch {
		return
	}
	ctx, cancel := b.ackContext()
	defer cancel()
	if _, err := b.sess.Unsubscribe(ctx, router.Handle(live.Handle)); err != nil {
		b.log.Debug().Err(err).Uint64("handle", live.Handle).Msg("unsubscribe failed")
	}
}

// drainQueue sends queued publications on the current session in FIFO
// order. An acknowledgment failure stops the drain; the queue re-arms on
// the next connect or publish.
func (b *Binding) drainQueue() {
	sess := b.sess
	if sess == nil {
		return
	}
	b.queue.Drain(func(it queue.Item) error {
		args, kwargs := payloadOf(it)
		ctx, cancel := b.ackContext()
		defer cancel()
		err := sess.Publish(ctx, it.Topic, args, kwargs, router.PublishOptions{
			Acknowledge: it.Acknowledge,
			Retain:      it.Retain,
			ExcludeSelf: b.opts.ExcludeSelf,
		})
		if err != nil {
			return err
		}
		b.published.Add(1)
		return nil
	})
}

// inboundHandler adapts wire events of one subscription item into decoded
// inbound events for the OnEvent callback. It runs on the session read
// loop.
func (b *Binding) inboundHandler(item registry.Item) router.EventHandler {
	return func(ev router.Event) {
		b.dispatched.Add(1)
		cb := b.opts.OnEvent
		if cb == nil {
			return
		}
		if item.Key.Kind == event.KindRaw {
			cb(event.Inbound{
				Topic: ev.Topic,
				Event: event.Event{
					Kind:    event.KindRaw,
					Topic:   ev.Topic,
					Payload: event.Payload{Data: positionalBytes(ev.Args)},
				},
			})
			return
		}
		fields, ok := topic.Decode(ev.Topic)
		if !ok {
			b.log.Debug().Str("topic", ev.Topic).Msg("dropping undecodable event topic")
			return
		}
		in := event.Inbound{
			Topic:   ev.Topic,
			Version: fields.Version,
			Event: event.Event{
				Kind:          fields.Kind,
				Filter:        fields.Filter,
				Namespace:     fields.Namespace,
				SourceID:      fields.SourceID,
				CorrelationID: fields.CorrelationID,
			},
		}
		if item.Keyed {
			in.Event.Payload = event.Payload{Fields: ev.Kwargs}
		} else {
			in.Event.Payload = event.Payload{Data: positionalBytes(ev.Args)}
		}
		cb(in)
	}
}

// setState records a state change and notifies exactly once per transition.
func (b *Binding) setState(s State) {
	b.mu.Lock()
	if b.state == s {
		b.mu.Unlock()
		return
	}
	b.state = s
	b.mu.Unlock()

	b.log.Info().Str("state", string(s)).Msg("connection state changed")
	if cb := b.opts.OnState; cb != nil {
		cb(s)
	}
	if s == StateOffline {
		b.releaseWaiters()
	}
}

// releaseWaiters wakes everyone blocked on the binding going offline. Runs
// on the loop goroutine only.
func (b *Binding) releaseWaiters() {
	for _, w := range b.waiters {
		close(w)
	}
	b.waiters = nil
}

func payloadOf(it queue.Item) ([]any, map[string]any) {
	if it.Keyed {
		return nil, it.Fields
	}
	if it.Data == nil {
		return nil, nil
	}
	return []any{it.Data}, nil
}

func positionalBytes(args []any) []byte {
	if len(args) == 0 {
		return nil
	}
	switch v := args[0].(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	default:
		return nil
	}
}
