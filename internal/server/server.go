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
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"

	"grainstore/internal/record"
)

const headerRequestID = "X-Request-Id"

// Server serves the record API on a TCP listener. It implements
// lifecycle.Participant: Start binds the listener and serves in the
// background, Stop drains in-flight requests.
type Server struct {
	addr    string
	store   record.Store
	logger  hclog.Logger
	httpSrv *http.Server
	ln      net.Listener
}

// New creates a server for the given store. A nil logger discards.
func New(addr string, store record.Store, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Server{
		addr:   addr,
		store:  store,
		logger: logger.Named("http"),
	}
}

// Name implements lifecycle.Participant.
func (s *Server) Name() string { return "http-server" }

// Addr returns the bound address. Before Start it is the configured
// address; afterwards the actual one, which matters when binding port 0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Start binds the listener and begins serving. It returns once the
// listener is accepting, not when the server exits.
func (s *Server) Start(context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.httpSrv = &http.Server{
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("serve failed", "error", err)
		}
	}()

	s.logger.Info("listening", "addr", ln.Addr().String())
	return nil
}

// Stop shuts the server down, waiting for in-flight requests up to the
// context deadline.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/records/{key}", s.handleRead)
	r.Put("/v1/records/{key}", s.handleWrite)
	r.Delete("/v1/records/{key}", s.handleClear)
	r.Post("/v1/maintenance/purge-tombstones", s.handlePurge)

	return r
}

// requestID echoes the caller's X-Request-Id or generates one, so every
// response and log line can be correlated.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			if generated, err := uuid.GenerateUUID(); err == nil {
				id = generated
			}
		}
		if id != "" {
			w.Header().Set(headerRequestID, id)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", ww.Header().Get(headerRequestID),
		)
	})
}
