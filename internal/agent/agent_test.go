package agent

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"coatywamp/internal/config"
	"coatywamp/pkg/event"
)

func newTestAgent(t *testing.T, mut func(*config.Config)) *Agent {
	t.Helper()
	cfg := config.Default()
	cfg.Diag.Enabled = false
	cfg.Identity.Namespace = "test"
	if mut != nil {
		mut(&cfg)
	}
	ag, err := New(Options{Config: cfg, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ag.Stop(ctx); err != nil {
			t.Errorf("stop agent: %v", err)
		}
	})
	return ag
}

func TestSubscriptionPatterns(t *testing.T) {
	cases := []struct {
		name string
		in   config.Subscription
		want event.Pattern
	}{
		{
			"structured with filter",
			config.Subscription{Kind: "Advertise", Filter: "Task"},
			event.Pattern{Kind: event.KindAdvertise, Filter: "Task"},
		},
		{
			"structured without filter",
			config.Subscription{Kind: "Discover"},
			event.Pattern{Kind: event.KindDiscover},
		},
		{
			"raw with match",
			config.Subscription{Topic: "sensors.hall1", Match: "prefix"},
			event.Pattern{Kind: event.KindRaw, Topic: "sensors.hall1", Match: event.MatchPrefix},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := SubscriptionPatterns([]config.Subscription{tc.in})
			require.NoError(t, err)
			require.Equal(t, []event.Pattern{tc.want}, got)
		})
	}
}

func TestSubscriptionPatternsRejectInvalid(t *testing.T) {
	cases := []struct {
		name string
		in   config.Subscription
		want error
	}{
		{"unknown kind", config.Subscription{Kind: "Bogus"}, event.ErrInvalidKind},
		{"missing required filter", config.Subscription{Kind: "Update"}, event.ErrMissingFilter},
		{"filter on response kind", config.Subscription{Kind: "Retrieve", Filter: "x"}, event.ErrUnexpectedFilter},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := SubscriptionPatterns([]config.Subscription{tc.in})
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestIdentityAnnouncements(t *testing.T) {
	ag := newTestAgent(t, func(c *config.Config) {
		c.Identity.ID = "6ba7b810-9dad-11d1-80b4-00c04fd430c8"
		c.Identity.Name = "press-17"
	})

	adv := ag.identityAdvertisement()
	if adv.Kind != event.KindAdvertise || adv.Filter != "Identity" {
		t.Fatalf("advertisement = %+v", adv)
	}
	obj, ok := adv.Payload.Fields["object"].(map[string]any)
	if !ok {
		t.Fatalf("advertisement payload = %+v", adv.Payload.Fields)
	}
	if obj["objectId"] != "6ba7b810-9dad-11d1-80b4-00c04fd430c8" || obj["name"] != "press-17" {
		t.Fatalf("identity object = %+v", obj)
	}

	dead := ag.identityDeadvertisement()
	if dead.Kind != event.KindDeadvertise || dead.Filter != "" {
		t.Fatalf("deadvertisement = %+v", dead)
	}
	ids, ok := dead.Payload.Fields["objectIds"].([]string)
	if !ok || len(ids) != 1 || ids[0] != ag.Identity().String() {
		t.Fatalf("deadvertised ids = %v", dead.Payload.Fields["objectIds"])
	}
}

func TestNewRejectsMalformedIdentity(t *testing.T) {
	cfg := config.Default()
	cfg.Identity.ID = "not-a-uuid"
	_, err := New(Options{Config: cfg, Logger: zerolog.Nop()})
	require.Error(t, err)
}

func TestSourceSampleEnqueuesIoValue(t *testing.T) {
	ag := newTestAgent(t, nil)

	ag.sources.sample(config.Source{Point: "temperature", Payload: "21.5"})
	if got := ag.Stats().Queued; got != 1 {
		t.Fatalf("queued = %d, want 1", got)
	}

	// An empty payload samples the current timestamp.
	ag.sources.sample(config.Source{Point: "heartbeat"})
	if got := ag.Stats().Queued; got != 2 {
		t.Fatalf("queued = %d, want 2", got)
	}
}

func TestSourcesRejectBadSchedule(t *testing.T) {
	cfg := config.Default()
	cfg.Sources = []config.Source{{Point: "temp", Schedule: "not a cron spec"}}
	_, err := New(Options{Config: cfg, Logger: zerolog.Nop()})
	require.Error(t, err)
}
