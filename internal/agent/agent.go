// Package agent assembles a running agent from configuration: a router
// binding joined with the configured identity, desired subscriptions and
// scheduled IoValue sources.
package agent

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"coatywamp/internal/config"
	"coatywamp/pkg/binding"
	"coatywamp/pkg/event"
)

type Options struct {
	Config config.Config
	Logger zerolog.Logger

	// OnEvent receives inbound events. Nil logs them at debug level.
	OnEvent func(in event.Inbound)

	// OnState receives connection state changes. Nil logs them.
	OnState func(s binding.State)
}

// Agent owns one binding plus the scheduled sources feeding it.
type Agent struct {
	cfg      config.Config
	log      zerolog.Logger
	binding  *binding.Binding
	sources  *Sources
	identity uuid.UUID
	name     string
}

func New(opts Options) (*Agent, error) {
	cfg := opts.Config
	log := opts.Logger.With().Str("component", "agent").Logger()

	identity := uuid.New()
	if cfg.Identity.ID != "" {
		var err error
		if identity, err = uuid.Parse(cfg.Identity.ID); err != nil {
			return nil, fmt.Errorf("identity.id: %w", err)
		}
	}

	a := &Agent{
		cfg:      cfg,
		log:      log,
		identity: identity,
		name:     cfg.Identity.Name,
	}

	onEvent := opts.OnEvent
	if onEvent == nil {
		onEvent = func(in event.Inbound) {
			log.Debug().Str("kind", string(in.Event.Kind)).Str("topic", in.Topic).Msg("inbound event")
		}
	}
	onState := opts.OnState
	if onState == nil {
		onState = func(s binding.State) {
			log.Info().Str("state", string(s)).Msg("binding state")
		}
	}

	b, err := binding.New(binding.Options{
		RouterURL:      cfg.Router.URL,
		Realm:          cfg.Router.Realm,
		Agent:          cfg.Identity.Name,
		Identity:       identity,
		Namespace:      cfg.Identity.Namespace,
		CrossNamespace: cfg.Identity.CrossNamespace,
		BacklogPath:    cfg.Backlog.Path,
		ConnectTimeout: config.ConnectTimeout(cfg),
		InitialBackoff: config.InitialBackoff(cfg),
		MaxBackoff:     config.MaxBackoff(cfg),
		MaxAttempts:    cfg.Router.MaxAttempts,
		OnEvent:        onEvent,
		OnState:        onState,
		Logger:         opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	a.binding = b

	a.sources = NewSources(b, opts.Logger)
	if err := a.sources.Register(cfg.Sources); err != nil {
		cctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout(cfg))
		defer cancel()
		_ = b.Close(cctx)
		return nil, err
	}
	return a, nil
}

// Start joins the router, announcing the agent identity, and begins the
// scheduled sources. The connection is established in the background.
func (a *Agent) Start(ctx context.Context) error {
	patterns, err := SubscriptionPatterns(a.cfg.Subscriptions)
	if err != nil {
		return err
	}
	unjoin := a.identityDeadvertisement()
	err = a.binding.Join(ctx, binding.JoinOptions{
		Subscriptions: patterns,
		JoinEvents:    []event.Event{a.identityAdvertisement()},
		UnjoinEvent:   &unjoin,
	})
	if err != nil {
		return fmt.Errorf("join router: %w", err)
	}
	a.sources.Start()
	a.log.Info().
		Str("identity", a.identity.String()).
		Str("namespace", a.cfg.Identity.Namespace).
		Int("subscriptions", len(patterns)).
		Int("sources", len(a.cfg.Sources)).
		Msg("agent started")
	return nil
}

// Stop halts the sources, leaves the router and releases the binding.
func (a *Agent) Stop(ctx context.Context) error {
	<-a.sources.Stop().Done()
	return a.binding.Close(ctx)
}

func (a *Agent) Identity() uuid.UUID { return a.identity }

func (a *Agent) Stats() binding.Stats { return a.binding.Stats() }

// identityAdvertisement is announced after every connect so other agents
// discover this one.
func (a *Agent) identityAdvertisement() event.Event {
	return event.New(event.KindAdvertise, "Identity", map[string]any{
		"object": map[string]any{
			"coreType":   "Identity",
			"objectType": "coaty.Identity",
			"objectId":   a.identity.String(),
			"name":       a.name,
		},
	})
}

// identityDeadvertisement retracts the identity; it is published by the
// router on the agent's behalf if the session dies unexpectedly.
func (a *Agent) identityDeadvertisement() event.Event {
	return event.New(event.KindDeadvertise, "", map[string]any{
		"objectIds": []string{a.identity.String()},
	})
}

// SubscriptionPatterns maps configured subscriptions to event patterns.
func SubscriptionPatterns(subs []config.Subscription) ([]event.Pattern, error) {
	patterns := make([]event.Pattern, 0, len(subs))
	for i, s := range subs {
		var p event.Pattern
		if s.Topic != "" {
			p = event.Pattern{Kind: event.KindRaw, Topic: s.Topic, Match: event.Match(s.Match)}
		} else {
			p = event.Pattern{Kind: event.Kind(s.Kind), Filter: s.Filter}
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("subscriptions[%d]: %w", i, err)
		}
		patterns = append(patterns, p)
	}
	return patterns, nil
}
