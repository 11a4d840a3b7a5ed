// Package server serves the published snapshot over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hnakamur/errstack"
	"github.com/hnakamur/ltsvlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/masa23/mlflow-exporter/internal/snapshot"
)

const (
	readHeaderTimeout = 5 * time.Second
	writeTimeout      = 30 * time.Second
)

type Server struct {
	store    *snapshot.Store
	gatherer prometheus.Gatherer
	srv      *http.Server
}

// New returns a server answering scrapes from gatherer, which is expected to
// hold a snapshot.Collector for store. Until store has its first snapshot,
// /metrics and /readyz answer 503. A failed gather answers 500 with no samples.
func New(addr string, store *snapshot.Store, gatherer prometheus.Gatherer) *Server {
	s := &Server{store: store, gatherer: gatherer}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(accessLog)

	metrics := promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if !s.store.Ready() {
			http.Error(w, "no snapshot yet", http.StatusServiceUnavailable)
			return
		}
		metrics.ServeHTTP(w, r)
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.store.Ready() {
			http.Error(w, "no snapshot yet", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})
	return r
}

// ListenAndServe blocks until the server is shut down. A clean shutdown
// returns nil.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return errstack.WithLV(errstack.Errorf("listen addr=%s: %s", s.srv.Addr, err))
	}
	return s.Serve(ln)
}

func (s *Server) Serve(ln net.Listener) error {
	ltsvlog.Logger.Info().String("msg", "http server listening").String("addr", ln.Addr().String()).Log()
	err := s.srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight scrapes.
func (s *Server) Shutdown(ctx context.Context) error {
	ltsvlog.Logger.Info().String("msg", "http server shutting down").Log()
	return s.srv.Shutdown(ctx)
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if ltsvlog.Logger.DebugEnabled() {
			ltsvlog.Logger.Debug().String("msg", "request").String("method", r.Method).
				String("path", r.URL.Path).Int("status", ww.Status()).Int("bytes", ww.BytesWritten()).
				Fmt("elapsed", "%s", time.Since(start)).Log()
		}
	})
}
