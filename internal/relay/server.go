// Package relay is the websocket front of the broadcast relay: it runs the
// admission gates on each handshake, turns accepted connections into
// sessions and pumps frames between the peers and the broadcast router.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/wsrelay/internal/actor"
	"github.com/codefionn/wsrelay/internal/admission"
	"github.com/codefionn/wsrelay/internal/broadcast"
	"github.com/codefionn/wsrelay/internal/lifecycle"
	"github.com/codefionn/wsrelay/internal/logger"
	"github.com/codefionn/wsrelay/internal/registry"
)

// CloseServerShutdown is sent to live sessions when the relay stops.
const CloseServerShutdown = websocket.CloseGoingAway

// Options holds the transport settings of Server.
type Options struct {
	ListenAddr      string
	SendBufferSize  int
	MaxMessageBytes int64
	EchoSender      bool

	// RejectWithCloseFrame completes the handshake of a rejected attempt and
	// sends the rejection as a close frame. By default the handshake itself
	// fails with the rejection code as its status.
	RejectWithCloseFrame bool
}

// WorkerHealth reports the background workers shown on /health.
// *actor.System satisfies it.
type WorkerHealth interface {
	Health() []actor.HealthReport
}

// Deps are the shared components a Server routes connections through. They
// are constructed once by the caller. Workers may be nil.
type Deps struct {
	Admission *admission.Controller
	Registry  *registry.Registry
	Router    *broadcast.Router
	Notifier  *lifecycle.Notifier
	Workers   WorkerHealth
	Log       *logger.Logger
}

// Server represents the relay's websocket server
type Server struct {
	addr            string
	sendBufferSize  int
	maxMessageBytes int64
	echoSender      atomic.Bool
	closeRejects    bool

	admission *admission.Controller
	registry  *registry.Registry
	router    *broadcast.Router
	notifier  *lifecycle.Notifier
	workers   WorkerHealth
	log       *logger.Logger

	upgrader   websocket.Upgrader
	mux        *httprouter.Router
	httpServer *http.Server
	listener   net.Listener

	pumps sync.WaitGroup
}

// NewServer creates a relay server. Start must be called to begin listening;
// Handler can be used instead to mount the relay elsewhere.
func NewServer(opts Options, deps Deps) *Server {
	if opts.SendBufferSize <= 0 {
		opts.SendBufferSize = 256
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 64 * 1024
	}

	s := &Server{
		addr:            opts.ListenAddr,
		sendBufferSize:  opts.SendBufferSize,
		maxMessageBytes: opts.MaxMessageBytes,
		closeRejects:    opts.RejectWithCloseFrame,
		admission:       deps.Admission,
		registry:        deps.Registry,
		router:          deps.Router,
		notifier:        deps.Notifier,
		workers:         deps.Workers,
		log:             deps.Log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		mux: httprouter.New(),
	}
	s.echoSender.Store(opts.EchoSender)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.GET("/", s.handleWebSocket)
	s.mux.GET("/ws", s.handleWebSocket)
	s.mux.GET("/health", s.handleHealth)
}

// Handler returns the HTTP handler serving the relay routes.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// SetEchoSender switches whether relayed payloads also go back to their
// sender.
func (s *Server) SetEchoSender(echo bool) {
	s.echoSender.Store(echo)
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logger.NewStdLogger(s.log, slog.LevelError),
	}

	go func() {
		s.log.Info("WebSocket relay listening on %s", ln.Addr())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections, closes every live session with a
// going-away frame and waits for their departures to be processed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Stopping relay...")

	var firstErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			firstErr = fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	// Every peer is marked closed before any close frame goes out, so the
	// departures that follow broadcast no leave notices to peers that are
	// about to go too. The zero trigger still fires once.
	var peers []*peer
	for session := range s.registry.All() {
		if p, ok := session.Channel().(*peer); ok {
			p.localClose.CompareAndSwap(0, int32(CloseServerShutdown))
			p.markClosed()
			peers = append(peers, p)
		}
	}
	for _, p := range peers {
		p.closeWith(CloseServerShutdown, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.pumps.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if firstErr == nil {
			firstErr = fmt.Errorf("waiting for sessions to close: %w", ctx.Err())
		}
	}
	return firstErr
}

// handleWebSocket runs admission for one attempt and, on accept, starts the
// connection's pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	query := r.URL.Query()
	username := query.Get("username")
	present := query.Has("username")

	s.log.Info("Connection attempt: username=%q from %s", username, r.RemoteAddr)

	if rej := s.admission.Evaluate(username, present, s.registry.ActiveCount()); rej != nil {
		s.reject(w, r, username, rej)
		return
	}

	// Counted before the upgrade so that Shutdown cannot miss a connection
	// hijacked while it is draining.
	s.pumps.Add(2)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.pumps.Add(-2)
		// The upgrader has already answered with an HTTP error.
		s.log.Warn("Failed to upgrade WebSocket for %q: %v", username, err)
		return
	}

	p := newPeer(conn, s.sendBufferSize, s.log.WithPrefix("peer"))
	session := registry.NewSession(username, p)
	s.notifier.Join(session)

	go func() {
		defer s.pumps.Done()
		p.writePump()
	}()
	go func() {
		defer s.pumps.Done()
		p.readPump(session, s)
	}()
}

// reject refuses an attempt. The rejection code goes on the status line of a
// failed handshake, or into a close frame when closeRejects is set.
func (s *Server) reject(w http.ResponseWriter, r *http.Request, username string, rej *admission.Rejection) {
	s.log.Info("Admission denied for %q: %s (%d)", username, rej.Reason, rej.Code())

	if s.closeRejects {
		s.rejectWithCloseFrame(w, r, username, rej)
		return
	}
	s.failHandshake(w, username, rej)
}

// failHandshake writes the response by hand because net/http only emits
// three-digit status codes.
func (s *Server) failHandshake(w http.ResponseWriter, username string, rej *admission.Rejection) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, rej.Text(), http.StatusForbidden)
		return
	}

	conn, rw, err := hj.Hijack()
	if err != nil {
		s.log.Debug("Failed to hijack rejected attempt for %q: %v", username, err)
		return
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	text := rej.Text()
	fmt.Fprintf(rw, "HTTP/1.1 %d %s\r\n", rej.Code(), text)
	fmt.Fprintf(rw, "Connection: close\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\n\r\n", len(text))
	_, _ = rw.WriteString(text)
	if err := rw.Flush(); err != nil {
		s.log.Debug("Failed to send rejection to %q: %v", username, err)
	}
}

func (s *Server) rejectWithCloseFrame(w http.ResponseWriter, r *http.Request, username string, rej *admission.Rejection) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("Rejected attempt was not a WebSocket handshake: %v", err)
		return
	}
	defer conn.Close()

	msg := websocket.FormatCloseMessage(rej.Code(), rej.Text())
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		s.log.Debug("Failed to send rejection to %q: %v", username, err)
	}
}

type healthResponse struct {
	Status         string               `json:"status"`
	Active         int                  `json:"active"`
	MaxConnections int                  `json:"max_connections"`
	Sessions       []string             `json:"sessions"`
	Workers        []actor.HealthReport `json:"workers,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	names := s.registry.Usernames()
	slices.Sort(names)

	resp := healthResponse{
		Status:         "ok",
		Active:         s.registry.ActiveCount(),
		MaxConnections: s.admission.Limits().MaxConnections,
		Sessions:       names,
	}
	if s.workers != nil {
		resp.Workers = s.workers.Health()
		for _, report := range resp.Workers {
			if report.Status != actor.HealthStatusHealthy {
				resp.Status = "degraded"
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Warn("Failed to write health response: %v", err)
	}
}
