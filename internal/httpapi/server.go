// Package httpapi exposes the gateway over HTTP: connection lifecycle,
// message submission, queue control, health surfaces and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"chatgate/internal/alert"
	"chatgate/internal/apperr"
	"chatgate/internal/connection"
	"chatgate/internal/delivery"
	"chatgate/internal/health"
	"chatgate/internal/ratelimit"
	logx "chatgate/pkg/logx"
)

type Config struct {
	Addr string
	// HealthToken gates detailed health and the dashboard. Empty disables
	// those endpoints entirely.
	HealthToken string
}

type Server struct {
	cfg      Config
	registry *connection.Registry
	queue    *delivery.Service
	limiter  *ratelimit.Limiter
	monitor  *health.Monitor
	alerts   *alert.Dispatcher
	metrics  http.Handler
	log      logx.Logger

	srv *http.Server
}

func New(cfg Config, registry *connection.Registry, queue *delivery.Service, limiter *ratelimit.Limiter,
	monitor *health.Monitor, alerts *alert.Dispatcher, metrics http.Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	s := &Server{
		cfg:      cfg,
		registry: registry,
		queue:    queue,
		limiter:  limiter,
		monitor:  monitor,
		alerts:   alerts,
		metrics:  metrics,
		log:      log,
	}
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/connections", func(r chi.Router) {
			r.Post("/", s.createConnection)
			r.Get("/", s.listConnections)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getConnection)
				r.Delete("/", s.deleteConnection)
				r.Post("/connect", s.connect)
				r.Post("/disconnect", s.disconnect)
				r.Post("/block", s.block)
				r.Post("/maintenance", s.maintenance)
				r.Get("/credential", s.credential)
				r.Get("/status", s.connectionStatus)
				r.Post("/default", s.setDefault)
				r.Put("/settings", s.updateSettings)
			})
		})
		r.Post("/messages/send", s.sendMessage)
		r.Route("/queue/{id}", func(r chi.Router) {
			r.Post("/pause", s.pauseQueue)
			r.Post("/resume", s.resumeQueue)
			r.Post("/clear-failed", s.clearFailed)
			r.Get("/stats", s.queueStats)
		})
	})

	r.Route("/health", func(r chi.Router) {
		r.Get("/", s.healthBasic)
		r.Get("/history", s.healthHistory)
		r.Get("/subsystem/{name}", s.healthSubsystem)
		r.Post("/trigger", s.healthTrigger)
		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)
			r.Get("/detailed", s.healthDetailed)
			r.Get("/dashboard", s.dashboard)
		})
	})

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	return r
}

func (s *Server) Start() error {
	ln := s.srv
	s.log.Info("http server listening", logx.String("addr", s.cfg.Addr))
	go func() {
		if err := ln.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server failed", logx.Err(err))
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// requireToken guards elevated health surfaces with a bearer token.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.HealthToken == "" {
			writeError(w, apperr.New(apperr.CodeNotFound, "endpoint disabled"))
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+s.cfg.HealthToken {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(errBody{Error: errDetail{Code: "UNAUTHORIZED", Message: "invalid token"}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errBody struct {
	Error errDetail `json:"error"`
}

// writeError renders the stable code/message pair. Internal detail never
// leaves the process; it is logged at the call site.
func writeError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.HTTPStatus(code))
	_ = json.NewEncoder(w).Encode(errBody{Error: errDetail{
		Code:    string(code),
		Message: apperr.MessageOf(err),
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(apperr.CodeValidation, "invalid request body", err)
	}
	return nil
}
