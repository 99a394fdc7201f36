// Package wamp implements a minimal WAMP basic-profile client over
// websockets with msgpack serialization: enough of the publisher,
// subscriber and caller roles to drive a publish/subscribe binding, plus a
// reconnecting connector that reports connection edges.
package wamp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"coatywamp/pkg/router"
)

// DefaultRealm is joined when no realm is configured.
const DefaultRealm = "coaty"

var ErrAlreadyOpen = errors.New("wamp: connection already open")

// Options configure a Connector.
type Options struct {
	// URL is the router's websocket endpoint (ws:// or wss://).
	URL string

	// Realm to join. Defaults to DefaultRealm.
	Realm string

	// Agent is announced to the router during the handshake.
	Agent string

	// ConnectTimeout bounds each connection attempt including the
	// session handshake. Defaults to 10s.
	ConnectTimeout time.Duration

	// InitialBackoff and MaxBackoff bound the exponential delay between
	// failed attempts. Defaults: 1s and 30s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// MaxAttempts caps consecutive failed attempts before giving up.
	// Zero retries forever.
	MaxAttempts int

	// DialRate caps connection attempts per second across backoff
	// resets. Defaults to 1.
	DialRate float64

	Logger zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.Realm == "" {
		o.Realm = DefaultRealm
	}
	if o.Agent == "" {
		o.Agent = "coatywamp"
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.DialRate <= 0 {
		o.DialRate = 1
	}
	return o
}

// Connector maintains one session against a router endpoint, redialing with
// exponential backoff when it fails or drops. It implements
// router.Connection.
type Connector struct {
	opts    Options
	log     zerolog.Logger
	limiter *rate.Limiter
	notices chan router.Notice

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	runDone chan struct{}
}

// NewConnector validates the options and returns an unopened connector.
func NewConnector(opts Options) (*Connector, error) {
	if !strings.HasPrefix(opts.URL, "ws://") && !strings.HasPrefix(opts.URL, "wss://") {
		return nil, fmt.Errorf("wamp: invalid router url %q", opts.URL)
	}
	opts = opts.withDefaults()
	return &Connector{
		opts:    opts,
		log:     opts.Logger.With().Str("component", "wamp").Logger(),
		limiter: rate.NewLimiter(rate.Limit(opts.DialRate), 1),
		notices: make(chan router.Notice, 16),
		runDone: make(chan struct{}),
	}, nil
}

func (c *Connector) Notices() <-chan router.Notice {
	return c.notices
}

// Open starts the connect loop. The context bounds the connector's whole
// lifetime; canceling it is equivalent to Close.
func (c *Connector) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyOpen
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(runCtx)
	return nil
}

// Close stops reconnecting, leaves any active session gracefully and emits
// a final ReasonClosed notice before the notice channel is closed.
func (c *Connector) Close(ctx context.Context) error {
	c.mu.Lock()
	started := c.started
	cancel := c.cancel
	c.mu.Unlock()
	if !started {
		return nil
	}
	cancel()
	select {
	case <-c.runDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connector) run(ctx context.Context) {
	defer close(c.notices)
	defer close(c.runDone)

	attempts := 0
	backoff := c.opts.InitialBackoff
	down := false

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			c.notices <- router.Notice{Reason: router.ReasonClosed}
			return
		}

		sess, err := dial(ctx, c.opts.URL, c.opts.Realm, c.opts.Agent, c.opts.ConnectTimeout, c.log)
		if err != nil {
			if ctx.Err() != nil {
				c.notices <- router.Notice{Reason: router.ReasonClosed}
				return
			}
			attempts++
			retrying := c.opts.MaxAttempts == 0 || attempts < c.opts.MaxAttempts
			c.log.Warn().Err(err).Int("attempt", attempts).Bool("retrying", retrying).Msg("router unreachable")
			if !down {
				down = true
				c.notices <- router.Notice{Reason: router.ReasonUnreachable, Err: err, Retrying: retrying}
			}
			if !retrying {
				return
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				c.notices <- router.Notice{Reason: router.ReasonClosed}
				return
			}
			if backoff *= 2; backoff > c.opts.MaxBackoff {
				backoff = c.opts.MaxBackoff
			}
			continue
		}

		attempts = 0
		backoff = c.opts.InitialBackoff
		down = false
		c.log.Info().Uint64("session", sess.ID()).Str("realm", c.opts.Realm).Msg("session established")
		c.notices <- router.Notice{Session: sess}

		select {
		case <-sess.Done():
			if ctx.Err() != nil {
				c.notices <- router.Notice{Reason: router.ReasonClosed}
				return
			}
			down = true
			c.log.Warn().Err(sess.Err()).Msg("session lost")
			c.notices <- router.Notice{Reason: router.ReasonLost, Err: sess.Err(), Retrying: true}
		case <-ctx.Done():
			sess.leave()
			c.notices <- router.Notice{Reason: router.ReasonClosed}
			return
		}
	}
}
