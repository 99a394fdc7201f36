package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"coatywamp/internal/agent"
	"coatywamp/internal/config"
	"coatywamp/pkg/binding"
	"coatywamp/pkg/event"
)

func newPublishCommand(cfgPath *string) *cobra.Command {
	var (
		kind    string
		filter  string
		topic   string
		data    string
		fields  []string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Connect, publish a single event and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigMaybe(*cfgPath)
			if err != nil {
				return err
			}
			ev, err := buildEvent(kind, filter, topic, data, fields)
			if err != nil {
				return err
			}
			opts, err := bindingOptions(cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			online := make(chan struct{}, 1)
			opts.OnState = func(s binding.State) {
				if s == binding.StateOnline {
					select {
					case online <- struct{}{}:
					default:
					}
				}
			}

			b, err := binding.New(opts)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = b.Close(closeCtx)
			}()

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := b.Join(ctx, binding.JoinOptions{}); err != nil {
				return err
			}
			select {
			case <-online:
			case <-ctx.Done():
				return fmt.Errorf("router %s not reachable within %s", cfg.Router.URL, timeout)
			}
			if err := b.Publish(ev); err != nil {
				return err
			}
			for b.Stats().Queued > 0 {
				select {
				case <-ctx.Done():
					return fmt.Errorf("publication still unconfirmed after %s", timeout)
				case <-time.After(25 * time.Millisecond):
				}
			}
			fmt.Printf("Published %s\n", describeEvent(ev))
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Event kind, e.g. Advertise, Discover, Call")
	cmd.Flags().StringVar(&filter, "filter", "", "Topic filter (object type, channel, operation or IO point)")
	cmd.Flags().StringVar(&topic, "topic", "", "Verbatim topic for a raw event")
	cmd.Flags().StringVar(&data, "data", "", "Opaque payload for raw and IoValue events")
	cmd.Flags().StringArrayVar(&fields, "field", nil, "Payload field as key=value, repeatable; values parse as JSON when possible")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "Give up after this long")
	return cmd
}

func newMonitorCommand(cfgPath *string) *cobra.Command {
	var (
		kinds  []string
		topics []string
		match  string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Subscribe and print matching events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigMaybe(*cfgPath)
			if err != nil {
				return err
			}
			patterns, err := monitorPatterns(cfg, kinds, topics, match)
			if err != nil {
				return err
			}
			if len(patterns) == 0 {
				return errors.New("nothing to monitor: pass --kind or --topic, or configure subscriptions")
			}
			opts, err := bindingOptions(cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			opts.OnEvent = func(in event.Inbound) {
				printInbound(os.Stdout, in, asJSON)
			}

			b, err := binding.New(opts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := b.Join(ctx, binding.JoinOptions{Subscriptions: patterns}); err != nil {
				closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = b.Close(closeCtx)
				return err
			}
			<-ctx.Done()
			stop()

			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return b.Close(closeCtx)
		},
	}
	cmd.Flags().StringArrayVar(&kinds, "kind", nil, `Event kind to watch, optionally with a filter as "Kind:filter", repeatable`)
	cmd.Flags().StringArrayVar(&topics, "topic", nil, "Raw topic to watch, repeatable")
	cmd.Flags().StringVar(&match, "match", "exact", "Match mode for raw topics: exact, prefix or wildcard")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print one JSON object per event")
	return cmd
}

// bindingOptions maps the shared config onto binding options for the
// one-shot commands. The backlog stays in memory: publish and monitor are
// ephemeral sessions and must not disturb a running agent's journal.
func bindingOptions(cfg config.Config, logger zerolog.Logger) (binding.Options, error) {
	opts := binding.Options{
		RouterURL:      cfg.Router.URL,
		Realm:          cfg.Router.Realm,
		Agent:          cfg.Identity.Name,
		Namespace:      cfg.Identity.Namespace,
		CrossNamespace: cfg.Identity.CrossNamespace,
		ConnectTimeout: config.ConnectTimeout(cfg),
		InitialBackoff: config.InitialBackoff(cfg),
		MaxBackoff:     config.MaxBackoff(cfg),
		MaxAttempts:    cfg.Router.MaxAttempts,
		Logger:         logger,
	}
	if cfg.Identity.ID != "" {
		id, err := uuid.Parse(cfg.Identity.ID)
		if err != nil {
			return binding.Options{}, fmt.Errorf("identity.id: %w", err)
		}
		opts.Identity = id
	}
	return opts, nil
}

func buildEvent(kind, filter, topic, data string, fieldArgs []string) (event.Event, error) {
	if topic != "" {
		if kind != "" && kind != string(event.KindRaw) {
			return event.Event{}, fmt.Errorf("--topic publishes a raw event, not %s", kind)
		}
		if len(fieldArgs) > 0 {
			return event.Event{}, errors.New("raw events carry opaque bytes, use --data instead of --field")
		}
		return event.NewRaw(topic, []byte(data)), nil
	}
	if kind == "" {
		return event.Event{}, errors.New("either --kind or --topic is required")
	}
	k := event.Kind(kind)
	if k == event.KindRaw {
		return event.Event{}, errors.New("raw events require --topic")
	}
	if !k.Structured() {
		return event.Event{}, fmt.Errorf("unknown event kind %q", kind)
	}
	if k.Response() {
		return event.Event{}, fmt.Errorf("%s responds to a request and cannot be published standalone", k)
	}
	if k == event.KindIoValue {
		if len(fieldArgs) > 0 {
			return event.Event{}, errors.New("IoValue events carry opaque bytes, use --data instead of --field")
		}
		return event.NewIoValue(filter, []byte(data)), nil
	}
	if data != "" {
		return event.Event{}, fmt.Errorf("%s events carry a keyed payload, use --field instead of --data", k)
	}
	fields, err := parseFields(fieldArgs)
	if err != nil {
		return event.Event{}, err
	}
	if k.TwoWay() {
		return event.NewRequest(k, filter, fields), nil
	}
	return event.New(k, filter, fields), nil
}

// parseFields turns key=value arguments into a keyed payload. Values are
// decoded as JSON where they parse, so numbers, booleans and nested
// structures come through typed; everything else stays a string.
func parseFields(args []string) (map[string]any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	fields := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid field %q, want key=value", arg)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		fields[key] = v
	}
	return fields, nil
}

func monitorPatterns(cfg config.Config, kinds, topics []string, match string) ([]event.Pattern, error) {
	if len(kinds) == 0 && len(topics) == 0 {
		return agent.SubscriptionPatterns(cfg.Subscriptions)
	}
	var patterns []event.Pattern
	for _, spec := range kinds {
		kind, filter, _ := strings.Cut(spec, ":")
		p := event.Pattern{Kind: event.Kind(kind), Filter: filter}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("--kind %s: %w", spec, err)
		}
		patterns = append(patterns, p)
	}
	for _, topic := range topics {
		p := event.Pattern{Kind: event.KindRaw, Topic: topic, Match: event.Match(match)}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("--topic %s: %w", topic, err)
		}
		patterns = append(patterns, p)
	}
	return patterns, nil
}

func describeEvent(ev event.Event) string {
	switch {
	case ev.Kind == event.KindRaw:
		return fmt.Sprintf("raw event on %s", ev.Topic)
	case ev.Filter != "":
		return fmt.Sprintf("%s event for %s", ev.Kind, ev.Filter)
	default:
		return fmt.Sprintf("%s event", ev.Kind)
	}
}

func printInbound(w io.Writer, in event.Inbound, asJSON bool) {
	if asJSON {
		out := struct {
			Time      string         `json:"time"`
			Kind      event.Kind     `json:"kind"`
			Topic     string         `json:"topic"`
			Namespace string         `json:"namespace,omitempty"`
			Source    string         `json:"source,omitempty"`
			Filter    string         `json:"filter,omitempty"`
			Fields    map[string]any `json:"fields,omitempty"`
			Data      string         `json:"data,omitempty"`
		}{
			Time:      time.Now().UTC().Format(time.RFC3339Nano),
			Kind:      in.Event.Kind,
			Topic:     in.Topic,
			Namespace: in.Event.Namespace,
			Filter:    in.Event.Filter,
			Fields:    in.Event.Payload.Fields,
			Data:      string(in.Event.Payload.Data),
		}
		if in.Event.SourceID != uuid.Nil {
			out.Source = in.Event.SourceID.String()
		}
		enc, err := json.Marshal(out)
		if err != nil {
			return
		}
		fmt.Fprintln(w, string(enc))
		return
	}
	payload := string(in.Event.Payload.Data)
	if in.Event.Payload.Keyed() {
		if enc, err := json.Marshal(in.Event.Payload.Fields); err == nil {
			payload = string(enc)
		}
	}
	fmt.Fprintf(w, "%s  %-11s  %s  %s\n",
		time.Now().Format("15:04:05.000"), in.Event.Kind, in.Topic, payload)
}
