// Package diag serves local diagnostics for a running agent: liveness,
// connection state, activity counters and Prometheus metrics, all derived
// from binding stats snapshots.
package diag

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"coatywamp/pkg/binding"
)

// StatsFunc returns the current activity snapshot of the observed binding.
type StatsFunc func() binding.Stats

type Server struct {
	stats StatsFunc
	log   zerolog.Logger
	srv   *http.Server
}

func New(addr string, stats StatsFunc, log zerolog.Logger) *Server {
	s := &Server{
		stats: stats,
		log:   log.With().Str("component", "diag").Logger(),
	}
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/healthz", s.health)
	r.Get("/state", s.state)
	r.Get("/stats", s.statsJSON)
	r.Handle("/metrics", promhttp.HandlerFor(newRegistry(stats), promhttp.HandlerOpts{}))

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until Shutdown; it returns http.ErrServerClosed after a
// graceful shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("diagnostics listening")
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the route tree for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) state(w http.ResponseWriter, _ *http.Request) {
	st := s.stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"state":      st.State,
		"session_id": st.SessionID,
	})
}

func (s *Server) statsJSON(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newRegistry(stats StatsFunc) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "coatywamp_connection_online",
			Help: "Whether the binding currently holds a live router session.",
		}, func() float64 {
			if stats().State == binding.StateOnline {
				return 1
			}
			return 0
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "coatywamp_queue_depth",
			Help: "Publications waiting to be drained to the router.",
		}, func() float64 { return float64(stats().Queued) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "coatywamp_queue_deferred",
			Help: "Whether draining is paused after a failed publication.",
		}, func() float64 {
			if stats().QueueDeferred {
				return 1
			}
			return 0
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "coatywamp_subscriptions",
			Help: "Desired subscriptions tracked across reconnects.",
		}, func() float64 { return float64(stats().Subscriptions) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "coatywamp_published_total",
			Help: "Publications acknowledged or written to the router.",
		}, func() float64 { return float64(stats().Published) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "coatywamp_dispatched_total",
			Help: "Inbound events delivered to subscription handlers.",
		}, func() float64 { return float64(stats().Dispatched) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "coatywamp_reconnects_total",
			Help: "Sessions re-established after a connection loss.",
		}, func() float64 { return float64(stats().Reconnects) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "coatywamp_contract_errors_total",
			Help: "Publish and subscribe calls rejected for contract violations.",
		}, func() float64 { return float64(stats().ContractErrors) }),
	)
	return reg
}
