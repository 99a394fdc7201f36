// Package binding connects a Coaty-style event API to a WAMP router. It
// encodes events onto structured topics, keeps desired subscriptions across
// reconnects, queues publications while offline and manages the session
// lifecycle including router-side testaments for the unjoin announcement.
package binding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"coatywamp/internal/queue"
	"coatywamp/internal/registry"
	"coatywamp/internal/storage"
	"coatywamp/internal/topic"
	"coatywamp/internal/wamp"
	"coatywamp/pkg/event"
	"coatywamp/pkg/router"
)

var (
	ErrAlreadyJoined = errors.New("binding: already joined")
	ErrClosed        = errors.New("binding: closed")
	ErrInvalidTopic  = errors.New("binding: invalid raw topic")
)

// Binding is the communication manager. One goroutine owns the connection
// and all session interactions, which keeps publications, subscriptions and
// reconnect handling strictly ordered; public methods validate synchronously
// and hand the session work to that goroutine.
type Binding struct {
	opts    Options
	log     zerolog.Logger
	queue   *queue.Queue
	reg     *registry.Registry
	backlog *storage.Backlog

	cmds     chan func()
	drainSig chan struct{}
	quit     chan struct{}
	loopDone chan struct{}

	// Loop-owned connection state. Only the run loop touches these.
	conn       router.Connection
	notices    <-chan router.Notice
	sess       router.Session
	epoch      uint64
	joined     bool
	everOnline bool
	joinItems  []queue.Item
	unjoinItem *queue.Item
	waiters    []chan struct{}

	mu     sync.Mutex
	state  State
	sessID uint64

	published      atomic.Uint64
	dispatched     atomic.Uint64
	reconnects     atomic.Uint64
	contractErrors atomic.Uint64
}

// New creates a binding and starts its manager goroutine. The binding is
// Offline until Join is called. Close releases it.
func New(opts Options) (*Binding, error) {
	opts = opts.withDefaults()
	if opts.RouterURL == "" && opts.Dialer == nil {
		return nil, errors.New("binding: router url required")
	}

	b := &Binding{
		opts:     opts,
		log:      opts.Logger.With().Str("component", "binding").Logger(),
		reg:      registry.New(),
		cmds:     make(chan func(), 64),
		drainSig: make(chan struct{}, 1),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		state:    StateOffline,
	}

	var journal queue.Journal
	if opts.BacklogPath != "" {
		bl, err := storage.OpenBacklog(context.Background(), opts.BacklogPath, b.log)
		if err != nil {
			return nil, err
		}
		b.backlog = bl
		journal = bl
	}
	b.queue = queue.New(journal, b.log)

	if b.backlog != nil {
		items, err := b.backlog.Load(context.Background())
		if err != nil {
			b.backlog.Close()
			return nil, err
		}
		// Rewrite the journal so its sequence numbers line up with the
		// fresh queue.
		if err := b.backlog.Clear(); err != nil {
			b.log.Warn().Err(err).Msg("backlog clear failed")
		}
		for _, it := range items {
			b.queue.Append(it)
		}
		if len(items) > 0 {
			b.log.Info().Int("items", len(items)).Msg("restored publication backlog")
		}
	}

	go b.run()
	return b, nil
}

// Close unjoins if necessary and stops the manager goroutine.
func (b *Binding) Close(ctx context.Context) error {
	if err := b.Unjoin(ctx); err != nil && !errors.Is(err, ErrClosed) {
		b.log.Debug().Err(err).Msg("unjoin during close")
	}
	select {
	case <-b.quit:
	default:
		close(b.quit)
	}
	select {
	case <-b.loopDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	if b.backlog != nil {
		return b.backlog.Close()
	}
	return nil
}

// Join starts the connection. It validates the join options synchronously,
// seeds the desired subscriptions and returns once connecting has begun;
// the Online transition arrives through OnState.
func (b *Binding) Join(ctx context.Context, opts JoinOptions) error {
	items := make([]queue.Item, 0, len(opts.JoinEvents))
	for _, ev := range opts.JoinEvents {
		it, err := b.buildItem(ev)
		if err != nil {
			return fmt.Errorf("join event: %w", err)
		}
		items = append(items, it)
	}
	var unjoinItem *queue.Item
	if opts.UnjoinEvent != nil {
		it, err := b.buildItem(*opts.UnjoinEvent)
		if err != nil {
			return fmt.Errorf("unjoin event: %w", err)
		}
		unjoinItem = &it
	}
	type seed struct {
		key   registry.Key
		keyed bool
	}
	seeds := make([]seed, 0, len(opts.Subscriptions))
	for _, p := range opts.Subscriptions {
		key, keyed, err := b.subscriptionKey(p)
		if err != nil {
			return fmt.Errorf("subscription: %w", err)
		}
		seeds = append(seeds, seed{key, keyed})
	}

	errCh := make(chan error, 1)
	err := b.post(ctx, func() {
		if b.joined {
			errCh <- ErrAlreadyJoined
			return
		}
		conn, err := b.dialConnection()
		if err != nil {
			errCh <- err
			return
		}
		if err := conn.Open(context.Background()); err != nil {
			errCh <- err
			return
		}
		b.conn = conn
		b.notices = conn.Notices()
		b.joined = true
		b.everOnline = false
		b.joinItems = items
		b.unjoinItem = unjoinItem
		for _, s := range seeds {
			b.reg.Upsert(s.key, s.keyed)
		}
		b.setState(StateConnecting)
		errCh <- nil
	})
	if err != nil {
		return err
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unjoin leaves the router intentionally: the active session says goodbye,
// queued publications and desired subscriptions are discarded, and the
// registered testaments announce the departure. Unjoin returns once the
// binding has reported Offline.
func (b *Binding) Unjoin(ctx context.Context) error {
	wait := make(chan struct{})
	errCh := make(chan error, 1)
	err := b.post(ctx, func() {
		if !b.joined {
			close(wait)
			errCh <- nil
			return
		}
		b.waiters = append(b.waiters, wait)
		cctx, cancel := context.WithTimeout(context.Background(), b.opts.AckTimeout)
		defer cancel()
		errCh <- b.conn.Close(cctx)
	})
	if err != nil {
		return err
	}
	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish validates and enqueues an event. Contract violations surface
// immediately; delivery is asynchronous in strict enqueue order, deferred
// while the binding is offline.
func (b *Binding) Publish(ev event.Event) error {
	it, err := b.buildItem(ev)
	if err != nil {
		b.contractErrors.Add(1)
		return err
	}
	b.queue.Append(it)
	b.queue.Arm()
	b.signalDrain()
	return nil
}

// Subscribe records a desired subscription and, when online, issues it to
// the router. Re-subscribing an equal structured pattern replaces the
// previous subscription without a delivery gap; raw and IoValue patterns
// stack one subscription per call.
func (b *Binding) Subscribe(p event.Pattern) error {
	key, keyed, err := b.subscriptionKey(p)
	if err != nil {
		b.contractErrors.Add(1)
		return err
	}
	return b.post(context.Background(), func() {
		item, stale := b.reg.Upsert(key, keyed)
		b.log.Debug().Str("kind", string(key.Kind)).Str("pattern", key.Pattern).Msg("subscription added")
		if b.sess == nil {
			return
		}
		b.issueSubscribe(item)
		if stale != nil {
			b.releaseLive(stale)
		}
	})
}

// Unsubscribe removes a desired subscription. Removing a pattern that was
// never subscribed is a no-op. Live handles are only released on the router
// when they belong to the current session; otherwise the removal is pure
// local bookkeeping.
func (b *Binding) Unsubscribe(p event.Pattern) error {
	key, _, err := b.subscriptionKey(p)
	if err != nil {
		b.contractErrors.Add(1)
		return err
	}
	return b.post(context.Background(), func() {
		removed := b.reg.Remove(key)
		if removed == nil {
			return
		}
		b.log.Debug().Str("kind", string(key.Kind)).Str("pattern", key.Pattern).Msg("subscription removed")
		if removed.Live != nil {
			b.releaseLive(removed.Live)
		}
	})
}

// State returns the current connection state.
func (b *Binding) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of binding activity.
func (b *Binding) Stats() Stats {
	b.mu.Lock()
	state := b.state
	sessID := b.sessID
	b.mu.Unlock()
	return Stats{
		State:          state,
		SessionID:      sessID,
		Queued:         b.queue.Len(),
		QueueDeferred:  b.queue.Deferred(),
		Subscriptions:  b.reg.Len(),
		Published:      b.published.Load(),
		Dispatched:     b.dispatched.Load(),
		Reconnects:     b.reconnects.Load(),
		ContractErrors: b.contractErrors.Load(),
	}
}

// post hands f to the manager goroutine.
func (b *Binding) post(ctx context.Context, f func()) error {
	select {
	case b.cmds <- f:
		return nil
	case <-b.loopDone:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Binding) signalDrain() {
	select {
	case b.drainSig <- struct{}{}:
	default:
	}
}

func (b *Binding) dialConnection() (router.Connection, error) {
	if b.opts.Dialer != nil {
		return b.opts.Dialer()
	}
	return wamp.NewConnector(wamp.Options{
		URL:            b.opts.RouterURL,
		Realm:          b.opts.Realm,
		Agent:          b.opts.Agent,
		ConnectTimeout: b.opts.ConnectTimeout,
		InitialBackoff: b.opts.InitialBackoff,
		MaxBackoff:     b.opts.MaxBackoff,
		MaxAttempts:    b.opts.MaxAttempts,
		Logger:         b.opts.Logger,
	})
}

// buildItem validates an outbound event, stamps identity and namespace and
// encodes it into a ready-to-send queue item. Acknowledgments are requested
// for everything except Raw and IoValue, whose fire-and-forget samples are
// not worth a round trip each.
func (b *Binding) buildItem(ev event.Event) (queue.Item, error) {
	if err := ev.Validate(); err != nil {
		return queue.Item{}, err
	}
	if ev.Kind == event.KindRaw {
		if !topic.ValidPublicationTopic(ev.Topic) {
			return queue.Item{}, fmt.Errorf("%w: %q", ErrInvalidTopic, ev.Topic)
		}
		return queue.Item{Topic: ev.Topic, Data: ev.Payload.Data}, nil
	}

	if ev.SourceID == uuid.Nil {
		ev.SourceID = b.opts.Identity
	}
	if ev.Namespace == "" {
		ev.Namespace = b.opts.Namespace
	}
	t, err := topic.EncodePublication(topic.Fields{
		Namespace:     ev.Namespace,
		Kind:          ev.Kind,
		Filter:        ev.Filter,
		SourceID:      ev.SourceID,
		CorrelationID: ev.CorrelationID,
	})
	if err != nil {
		return queue.Item{}, err
	}
	it := queue.Item{Topic: t, Retain: false}
	if ev.Kind == event.KindIoValue {
		it.Data = ev.Payload.Data
	} else {
		it.Keyed = true
		it.Fields = ev.Payload.Fields
		it.Acknowledge = true
	}
	return it, nil
}

// subscriptionKey validates a pattern and derives its registry key.
func (b *Binding) subscriptionKey(p event.Pattern) (registry.Key, bool, error) {
	if err := p.Validate(); err != nil {
		return registry.Key{}, false, err
	}
	if p.Kind == event.KindRaw {
		if !topic.ValidSubscriptionTopic(p.Topic) {
			return registry.Key{}, false, fmt.Errorf("%w: %q", ErrInvalidTopic, p.Topic)
		}
		match := p.Match
		if match == "" {
			match = event.MatchExact
		}
		return registry.Key{Kind: p.Kind, Pattern: p.Topic, Match: match}, false, nil
	}
	ns := b.opts.Namespace
	if b.opts.CrossNamespace {
		ns = ""
	}
	pattern, err := topic.EncodeSubscription(p, ns)
	if err != nil {
		return registry.Key{}, false, err
	}
	keyed := p.Kind != event.KindIoValue
	return registry.Key{Kind: p.Kind, Pattern: pattern, Match: event.MatchWildcard}, keyed, nil
}

// Testaments are registered with this router procedure on every connect.
const addTestamentProc = "wamp.session.add_testament"

func (b *Binding) ackContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), b.opts.AckTimeout)
}
