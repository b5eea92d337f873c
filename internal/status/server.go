// Package status serves shard health and metrics over HTTP.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luciancaetano/shardnet"
	"github.com/luciancaetano/shardnet/internal/logging"
)

// Source reports the shards to expose.
type Source interface {
	Statuses() []shardnet.ShardStatus
}

// Server is the status HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    *logging.Logger
}

type healthResponse struct {
	Status string `json:"status"`
	Shards int    `json:"shards"`
	Ready  int    `json:"ready"`
}

// New creates a status server for src. reg may be nil, in which case
// /metrics is not registered.
func New(src Source, reg *prometheus.Registry, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Nop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		router: r,
		log:    log.Component("status"),
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		statuses := src.Statuses()
		resp := healthResponse{Status: "ok", Shards: len(statuses)}
		for _, st := range statuses {
			if st.State == shardnet.ShardListening.String() {
				resp.Ready++
			}
		}
		code := http.StatusOK
		if resp.Shards == 0 || resp.Ready < resp.Shards {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	})

	r.Get("/shards", func(w http.ResponseWriter, _ *http.Request) {
		statuses := src.Statuses()
		if statuses == nil {
			statuses = []shardnet.ShardStatus{}
		}
		writeJSON(w, http.StatusOK, statuses)
	})

	if reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}

	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	})
	defer stop()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("status server listening")
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
