// Package dashboard serves the study's static output folder and a small JSON
// status endpoint fed by the event bus.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/Iron-Ham/optsidecar/internal/event"
	"github.com/Iron-Ham/optsidecar/internal/logging"
)

// ShutdownGrace bounds a graceful shutdown.
const ShutdownGrace = 5 * time.Second

// Status is the body of GET /api/status. Peers maps "caller" and "evaluator"
// to the identities learned in the handshakes.
type Status struct {
	Phase        string            `json:"phase"`
	Attempt      int               `json:"attempt"`
	ConfigDigest string            `json:"config_digest,omitempty"`
	RetryElapsed float64           `json:"retry_elapsed_seconds"`
	Error        string            `json:"error,omitempty"`
	ErrorKind    string            `json:"error_kind,omitempty"`
	Peers        map[string]string `json:"peers,omitempty"`
	Updated      time.Time         `json:"updated"`
}

// Server is the dashboard HTTP server.
type Server struct {
	port      int
	staticDir string
	logger    *logging.Logger

	mu     sync.RWMutex
	status Status

	router *mux.Router
	srv    *http.Server
	addr   string
}

// New creates a Server listening on port and serving staticDir. An empty
// staticDir serves only the API. When bus is non-nil the server tracks the
// supervisor states and peer handshakes published on it.
func New(port int, staticDir string, bus *event.Bus, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	s := &Server{
		port:      port,
		staticDir: staticDir,
		logger:    logger.WithComponent("dashboard"),
		status:    Status{Phase: "starting"},
	}
	if bus != nil {
		bus.Subscribe(event.TypeSupervisorState, s.onState)
		bus.Subscribe(event.TypeHandshakeComplete, s.onHandshake)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	if s.staticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(s.staticDir))).Methods(http.MethodGet, http.MethodHead)
	}
	return r
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Status returns the latest recorded status.
func (s *Server) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.status
	st.Peers = maps.Clone(s.status.Peers)
	return st
}

func (s *Server) onState(e event.Event) {
	st, ok := e.(event.SupervisorStateEvent)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Phase = st.Phase
	s.status.Attempt = st.Attempt
	s.status.ConfigDigest = st.ConfigDigest
	s.status.RetryElapsed = st.RetryElapsed.Seconds()
	s.status.Error = st.Err
	s.status.ErrorKind = st.ErrKind
	s.status.Updated = st.Timestamp()
}

func (s *Server) onHandshake(e event.Event) {
	hs, ok := e.(event.HandshakeCompletedEvent)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Peers == nil {
		s.status.Peers = make(map[string]string, 2)
	}
	s.status.Peers[hs.Peer] = hs.PeerID
	s.status.Updated = hs.Timestamp()
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Status()); err != nil {
		s.logger.Error("failed to encode status", "error", err.Error())
	}
}

// Start listens and serves on a background goroutine. It returns once the
// listener is bound, so a port conflict is reported to the caller.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("dashboard: listen on port %d: %w", s.port, err)
	}
	s.addr = ln.Addr().String()
	s.srv = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		s.logger.Info("dashboard listening", "addr", s.addr, "dir", s.staticDir)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("dashboard server error", "error", err.Error())
		}
	}()
	return nil
}

// Addr returns the bound address after Start.
func (s *Server) Addr() string {
	return s.addr
}

// Shutdown stops the server, waiting up to ShutdownGrace for open requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, ShutdownGrace)
	defer cancel()
	s.logger.Info("shutting down dashboard")
	return s.srv.Shutdown(ctx)
}
