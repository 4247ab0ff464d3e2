// Package pprof serves the runtime profiles of the relay on a separate
// debug listener, so they are never exposed on the public websocket port.
package pprof

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	netpprof "net/http/pprof"
	"runtime"
	"sync"

	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/wsrelay/internal/logger"
)

// Config holds the pprof configuration
type Config struct {
	Addr string // e.g. "localhost:6060"

	// Block and mutex profiling rates; zero leaves them off.
	BlockProfileRate     int
	MutexProfileFraction int
}

// Server is the debug listener.
type Server struct {
	config   Config
	log      *logger.Logger
	server   *http.Server
	listener net.Listener

	mu      sync.Mutex
	stopped bool
}

// NewServer creates a debug listener for config.
func NewServer(config Config, log *logger.Logger) *Server {
	return &Server{config: config, log: log}
}

// Handler returns the profiling routes.
func Handler() http.Handler {
	r := httprouter.New()
	r.HandlerFunc(http.MethodGet, "/debug/pprof/", netpprof.Index)
	r.HandlerFunc(http.MethodGet, "/debug/pprof/cmdline", netpprof.Cmdline)
	r.HandlerFunc(http.MethodGet, "/debug/pprof/profile", netpprof.Profile)
	r.HandlerFunc(http.MethodGet, "/debug/pprof/symbol", netpprof.Symbol)
	r.HandlerFunc(http.MethodPost, "/debug/pprof/symbol", netpprof.Symbol)
	r.HandlerFunc(http.MethodGet, "/debug/pprof/trace", netpprof.Trace)
	for _, name := range []string{"goroutine", "heap", "allocs", "block", "mutex", "threadcreate"} {
		r.Handler(http.MethodGet, "/debug/pprof/"+name, netpprof.Handler(name))
	}
	return r
}

// Start binds the debug address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(s.config.BlockProfileRate)
	}
	if s.config.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(s.config.MutexProfileFraction)
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind pprof HTTP server: %w", err)
	}
	s.listener = ln
	s.server = &http.Server{Handler: Handler()}

	go func() {
		s.log.Info("pprof listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("pprof server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// Stop shuts the listener down and resets the sampling rates.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || s.server == nil {
		return nil
	}
	s.stopped = true

	if s.config.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(0)
	}
	if s.config.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(0)
	}

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown pprof server: %w", err)
	}
	return nil
}
