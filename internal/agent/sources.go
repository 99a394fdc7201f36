package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"coatywamp/internal/config"
	"coatywamp/pkg/binding"
	"coatywamp/pkg/event"
)

// Sources publishes configured IoValue samples on cron schedules. Samples
// enqueued while the binding is offline follow the usual backlog semantics.
type Sources struct {
	cron *cron.Cron
	b    *binding.Binding
	log  zerolog.Logger
}

func NewSources(b *binding.Binding, log zerolog.Logger) *Sources {
	return &Sources{
		cron: cron.New(),
		b:    b,
		log:  log.With().Str("component", "sources").Logger(),
	}
}

func (s *Sources) Register(sources []config.Source) error {
	for _, src := range sources {
		src := src
		if _, err := s.cron.AddFunc(src.Schedule, func() { s.sample(src) }); err != nil {
			return fmt.Errorf("source %s: %w", src.Point, err)
		}
	}
	return nil
}

func (s *Sources) Start() {
	s.cron.Start()
}

// Stop ends scheduling; the returned context is done once running samples
// have finished.
func (s *Sources) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Sources) sample(src config.Source) {
	payload := src.Payload
	if payload == "" {
		payload = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if err := s.b.Publish(event.NewIoValue(src.Point, []byte(payload))); err != nil {
		s.log.Warn().Err(err).Str("point", src.Point).Msg("iovalue publication rejected")
		return
	}
	s.log.Debug().Str("point", src.Point).Int("bytes", len(payload)).Msg("iovalue sampled")
}
