// Package server is the small http surface a long-running digest exposes:
// metrics, health, and how the last run went.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	digesterrs "github.com/jdholdren/digest/internal/errors"
	"github.com/jdholdren/digest/internal/pipeline"
)

type (
	// Server serves the ops endpoints.
	Server struct {
		*http.Server

		db      Pinger
		tracker *pipeline.Tracker
	}

	// Config holds all of the different options for making a server.
	Config struct {
		Port int
	}

	// Pinger checks the store is reachable.
	Pinger interface {
		Ping(ctx context.Context) error
	}
)

func New(config Config, reg *prometheus.Registry, db Pinger, tracker *pipeline.Tracker) *Server {
	r := ErrRouter{Router: mux.NewRouter()}

	srvr := &Server{
		db:      db,
		tracker: tracker,
		Server: &http.Server{
			Addr:         fmt.Sprintf(":%d", config.Port),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			Handler:      handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(r),
		},
	}

	r.Use(AccessLogMiddleware) // Log everything
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})).Methods(http.MethodGet)
	r.HandleFuncE("/healthz", srvr.getHealth).Methods(http.MethodGet)
	r.HandleFuncE("/status", srvr.getStatus).Methods(http.MethodGet)

	slog.Debug("configured ops server", "port", config.Port)

	return srvr
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) error {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		return digesterrs.E(digesterrs.Op("healthz"), digesterrs.KindStore, http.StatusServiceUnavailable, err)
	}

	return WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) error {
	last, ok := s.tracker.Last()
	if !ok {
		return digesterrs.E(digesterrs.Op("status"), http.StatusNotFound, "no run has finished yet")
	}

	return WriteJSON(w, http.StatusOK, last)
}

func WriteJSON(w http.ResponseWriter, status int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		return fmt.Errorf("error encoding json response: %s", err)
	}

	return nil
}

func AccessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		writer := &respCodeWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(writer, r)

		slog.Debug("request completed",
			"method", r.Method,
			"url", r.URL.String(),
			"duration", time.Since(start),
			"status_code", writer.code,
		)
	})
}

// To trap the response status code for logging later.
type respCodeWriter struct {
	http.ResponseWriter
	code int
}

func (w *respCodeWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// HandlerFuncE is a modified type of [http.HandlerFunc] that returns an error.
type HandlerFuncE func(w http.ResponseWriter, r *http.Request) error

func (f HandlerFuncE) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	err := f(w, r)
	if err == nil {
		return
	}

	// Either it's already a structured error, or coerce it to one
	dErr := &digesterrs.Error{}
	if !errors.As(err, &dErr) || dErr.Status == 0 {
		slog.Error("unhandled error", "error", err)
		dErr = digesterrs.E(http.StatusInternalServerError, digesterrs.KindInternal, "internal server error")
	}

	if err := WriteJSON(w, dErr.Status, dErr); err != nil {
		slog.Error("error writing response", "error", err)
	}
}

// ErrRouter is a newtype around a mux router that allows attaching handlers that return errors.
type ErrRouter struct {
	*mux.Router
}

func (r ErrRouter) HandleFuncE(path string, f HandlerFuncE) *mux.Route {
	return r.Handle(path, f)
}
